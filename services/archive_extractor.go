package services

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"legal-rag-backend/models"
)

// ArchiveExtractor handles the zip-based formats: docx, odt and plain zip
// archives. Zip entries are not extracted here; they are enumerated and routed
// back through the classifier by the caller.
type ArchiveExtractor struct{}

func NewArchiveExtractor() *ArchiveExtractor {
	return &ArchiveExtractor{}
}

// ZipEntry is one file inside an uploaded zip archive.
type ZipEntry struct {
	Name string
	Data []byte
}

// ListZipEntries returns the regular files of a zip archive for re-ingestion.
func (e *ArchiveExtractor) ListZipEntries(data []byte) ([]ZipEntry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open zip: %v", models.ErrCorruptInput, err)
	}

	var entries []ZipEntry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open zip entry %s: %v", models.ErrCorruptInput, f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read zip entry %s: %v", models.ErrCorruptInput, f.Name, err)
		}
		entries = append(entries, ZipEntry{Name: f.Name, Data: content})
	}

	return entries, nil
}

// ExtractDocx pulls the document text from word/document.xml. Paragraph
// boundaries become newlines so the hierarchical parser sees line structure.
func (e *ArchiveExtractor) ExtractDocx(data []byte) (string, error) {
	content, err := readZipMember(data, "word/document.xml")
	if err != nil {
		return "", err
	}
	return extractXMLText(content, "t", "p")
}

// ExtractODT pulls the document text from content.xml.
func (e *ArchiveExtractor) ExtractODT(data []byte) (string, error) {
	content, err := readZipMember(data, "content.xml")
	if err != nil {
		return "", err
	}
	return extractXMLText(content, "p", "p")
}

func readZipMember(data []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open container: %v", models.ErrCorruptInput, err)
	}

	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open %s: %v", models.ErrCorruptInput, name, err)
		}
		defer rc.Close()
		content, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %v", models.ErrCorruptInput, name, err)
		}
		return content, nil
	}

	return nil, fmt.Errorf("%w: container missing %s", models.ErrCorruptInput, name)
}

// extractXMLText streams the XML and collects character data from textElem
// elements, inserting a newline when a paraElem closes.
func extractXMLText(content []byte, textElem, paraElem string) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(content))
	var b strings.Builder
	inText := 0

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: malformed document xml: %v", models.ErrCorruptInput, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == textElem {
				inText++
			}
		case xml.EndElement:
			if t.Name.Local == textElem && inText > 0 {
				inText--
			}
			if t.Name.Local == paraElem {
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText > 0 {
				b.Write(t)
			}
		}
	}

	return strings.TrimSpace(b.String()), nil
}
