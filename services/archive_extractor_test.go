package services

import (
	"errors"
	"strings"
	"testing"

	"legal-rag-backend/models"
)

func TestExtractDocx(t *testing.T) {
	e := NewArchiveExtractor()
	data := buildZip(t, map[string]string{
		"[Content_Types].xml": "<Types/>",
		"word/document.xml": `<w:document><w:body>` +
			`<w:p><w:r><w:t>§ 1 Vertragsgegenstand</w:t></w:r></w:p>` +
			`<w:p><w:r><w:t>Gegenstand ist </w:t></w:r><w:r><w:t>die Wohnung.</w:t></w:r></w:p>` +
			`</w:body></w:document>`,
	})

	text, err := e.ExtractDocx(data)
	if err != nil {
		t.Fatalf("ExtractDocx failed: %v", err)
	}

	lines := strings.Split(text, "\n")
	if lines[0] != "§ 1 Vertragsgegenstand" {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(text, "Gegenstand ist die Wohnung.") {
		t.Errorf("runs within a paragraph must join without breaks: %q", text)
	}
}

func TestExtractODT(t *testing.T) {
	e := NewArchiveExtractor()
	data := buildZip(t, map[string]string{
		"mimetype": "application/vnd.oasis.opendocument.text",
		"content.xml": `<office:document-content><office:body><office:text>` +
			`<text:p>Erster Absatz.</text:p>` +
			`<text:p>Zweiter Absatz.</text:p>` +
			`</office:text></office:body></office:document-content>`,
	})

	text, err := e.ExtractODT(data)
	if err != nil {
		t.Fatalf("ExtractODT failed: %v", err)
	}
	if !strings.Contains(text, "Erster Absatz.") || !strings.Contains(text, "Zweiter Absatz.") {
		t.Errorf("text = %q", text)
	}
	if !strings.Contains(text, "\n") {
		t.Error("paragraph boundary lost")
	}
}

func TestExtractDocxMissingDocumentXML(t *testing.T) {
	e := NewArchiveExtractor()
	data := buildZip(t, map[string]string{"other.xml": "<x/>"})

	_, err := e.ExtractDocx(data)
	if !errors.Is(err, models.ErrCorruptInput) {
		t.Fatalf("expected ErrCorruptInput, got %v", err)
	}
}

func TestExtractDocxNotAZip(t *testing.T) {
	e := NewArchiveExtractor()

	_, err := e.ExtractDocx([]byte("plain bytes"))
	if !errors.Is(err, models.ErrCorruptInput) {
		t.Fatalf("expected ErrCorruptInput, got %v", err)
	}
}

func TestListZipEntries(t *testing.T) {
	e := NewArchiveExtractor()
	data := buildZip(t, map[string]string{
		"a.txt":     "alpha",
		"dir/b.txt": "beta",
	})

	entries, err := e.ListZipEntries(data)
	if err != nil {
		t.Fatalf("ListZipEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	byName := map[string]string{}
	for _, entry := range entries {
		byName[entry.Name] = string(entry.Data)
	}
	if byName["a.txt"] != "alpha" || byName["dir/b.txt"] != "beta" {
		t.Errorf("entries = %v", byName)
	}
}

func TestListZipEntriesCorrupt(t *testing.T) {
	e := NewArchiveExtractor()

	_, err := e.ListZipEntries([]byte("PK\x03\x04 truncated"))
	if !errors.Is(err, models.ErrCorruptInput) {
		t.Fatalf("expected ErrCorruptInput, got %v", err)
	}
}
