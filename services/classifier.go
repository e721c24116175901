package services

import (
	"archive/zip"
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"legal-rag-backend/internal/logger"
	"legal-rag-backend/models"
	"legal-rag-backend/utils"
)

// A page carries text when it has at least this many non-whitespace characters.
const minPageTextChars = 10

// Classifier identifies uploaded files by content sniffing, with the filename
// extension as fallback, and analyzes the PDF text layer.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify determines the file kind, computes the document hash and, for PDFs,
// analyzes text layer coverage to decide whether OCR is needed.
func (c *Classifier) Classify(data []byte, filename string) (*models.ClassifiedFile, error) {
	result := &models.ClassifiedFile{
		Hash: utils.HashBytes(data),
		Size: int64(len(data)),
	}

	kind := sniffKind(data)
	if kind == models.FileKindUnknown {
		kind = kindFromExtension(filename)
	}
	if kind == models.FileKindUnknown {
		return nil, &models.ClassificationError{Filename: filename}
	}
	result.Kind = kind

	if kind == models.FileKindPDF {
		if err := c.analyzePDFTextLayer(data, result); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrCorruptInput, err)
		}
	}

	logger.Debug("File classified",
		"kind", result.Kind,
		"size", result.Size,
		"needs_ocr", result.NeedsOCR)

	return result, nil
}

// analyzePDFTextLayer counts pages carrying embedded text and derives the
// quality rating that drives the OCR decision.
func (c *Classifier) analyzePDFTextLayer(data []byte, result *models.ClassifiedFile) error {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("failed to open pdf: %v", err)
	}

	total := reader.NumPage()
	withText := 0

	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		fonts := make(map[string]*pdf.Font)
		text, err := page.GetPlainText(fonts)
		if err != nil {
			continue
		}
		if countNonWhitespace(text) >= minPageTextChars {
			withText++
		}
	}

	result.TotalPages = total
	result.PagesWithText = withText
	result.HasImages = bytes.Contains(data, []byte("/Image"))

	coverage := 0.0
	if total > 0 {
		coverage = float64(withText) / float64(total) * 100
	}
	result.TextCoveragePct = coverage

	switch {
	case coverage >= 90:
		result.TextLayerQuality = models.TextQualityExcellent
	case coverage >= 70:
		result.TextLayerQuality = models.TextQualityGood
	case coverage > 0:
		result.TextLayerQuality = models.TextQualityPoor
	default:
		result.TextLayerQuality = models.TextQualityNone
	}

	result.NeedsOCR = result.TextLayerQuality == models.TextQualityPoor ||
		result.TextLayerQuality == models.TextQualityNone

	return nil
}

// sniffKind identifies the file from its magic bytes. Zip containers are
// inspected further because docx and odt are both zip archives.
func sniffKind(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return models.FileKindPDF
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return classifyZipContainer(data)
	case looksLikeEmail(data):
		return models.FileKindEmail
	default:
		return models.FileKindUnknown
	}
}

// classifyZipContainer distinguishes docx, odt and plain zip by their
// well-known internal entries.
func classifyZipContainer(data []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return models.FileKindZip
	}

	for _, f := range zr.File {
		switch f.Name {
		case "[Content_Types].xml", "word/document.xml":
			return models.FileKindDocx
		case "mimetype":
			rc, err := f.Open()
			if err != nil {
				continue
			}
			buf := make([]byte, 64)
			n, _ := rc.Read(buf)
			rc.Close()
			if strings.Contains(string(buf[:n]), "opendocument.text") {
				return models.FileKindODT
			}
		}
	}

	return models.FileKindZip
}

// looksLikeEmail checks the first lines for RFC 822 headers.
func looksLikeEmail(data []byte) bool {
	head := data
	if len(head) > 2048 {
		head = head[:2048]
	}

	headers := []string{"From:", "Received:", "Return-Path:", "Delivered-To:", "Message-ID:", "Subject:"}
	found := 0
	for _, line := range strings.Split(string(head), "\n") {
		for _, h := range headers {
			if strings.HasPrefix(line, h) {
				found++
			}
		}
	}

	return found >= 2
}

func kindFromExtension(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return models.FileKindPDF
	case ".docx":
		return models.FileKindDocx
	case ".odt":
		return models.FileKindODT
	case ".eml", ".msg":
		return models.FileKindEmail
	case ".zip":
		return models.FileKindZip
	default:
		return models.FileKindUnknown
	}
}

func countNonWhitespace(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' && r != '\f' {
			n++
		}
	}
	return n
}
