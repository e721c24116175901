package services

import (
	"testing"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/models"
)

func newTestMerger() *Merger {
	return NewMerger(&config.Config{OCRConfidenceThreshold: 0.75})
}

func TestMergePoorQualityHighOCR(t *testing.T) {
	m := newTestMerger()

	embedded := []models.PageText{{PageNum: 1, Text: "garbled", Confidence: 1.0}}
	ocr := []models.OCRPageResult{{PageNum: 1, FullText: "clean", AvgConfidence: 0.90}}

	result := m.Merge(embedded, ocr, models.TextQualityPoor)

	if len(result.Pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(result.Pages))
	}
	page := result.Pages[0]
	if page.Source != models.PageSourceOCR {
		t.Errorf("source = %s, want ocr", page.Source)
	}
	if page.Text != "clean" {
		t.Errorf("text = %q, want clean", page.Text)
	}
	if page.Confidence != 0.90 {
		t.Errorf("confidence = %v, want 0.90", page.Confidence)
	}
}

func TestMergePoorQualityLowOCR(t *testing.T) {
	m := newTestMerger()

	embedded := []models.PageText{{PageNum: 1, Text: "garbled", Confidence: 1.0}}
	ocr := []models.OCRPageResult{{PageNum: 1, FullText: "low", AvgConfidence: 0.40}}

	result := m.Merge(embedded, ocr, models.TextQualityPoor)

	page := result.Pages[0]
	if page.Source != models.PageSourceFallback {
		t.Errorf("source = %s, want fallback", page.Source)
	}
	if page.Text != "garbled" {
		t.Errorf("text = %q, want the embedded text", page.Text)
	}
	if page.Confidence != 0.60 {
		t.Errorf("confidence = %v, want 0.60", page.Confidence)
	}
}

func TestMergeExcellentQualityIgnoresOCR(t *testing.T) {
	m := newTestMerger()

	embedded := []models.PageText{{PageNum: 1, Text: "born digital", Confidence: 1.0}}
	ocr := []models.OCRPageResult{{PageNum: 1, FullText: "ocr text", AvgConfidence: 0.99}}

	result := m.Merge(embedded, ocr, models.TextQualityExcellent)

	page := result.Pages[0]
	if page.Source != models.PageSourceEmbedded || page.Text != "born digital" {
		t.Errorf("excellent quality must keep embedded text, got source=%s text=%q", page.Source, page.Text)
	}
	if page.Confidence != 0.95 {
		t.Errorf("confidence = %v, want 0.95", page.Confidence)
	}
}

func TestMergeNoOCRResults(t *testing.T) {
	m := newTestMerger()

	embedded := []models.PageText{
		{PageNum: 1, Text: "page one", Confidence: 1.0},
		{PageNum: 2, Text: "page two", Confidence: 1.0},
	}

	result := m.Merge(embedded, nil, models.TextQualityPoor)

	if len(result.Pages) != len(embedded) {
		t.Fatalf("page count changed: %d != %d", len(result.Pages), len(embedded))
	}
	for _, page := range result.Pages {
		if page.Source != models.PageSourceEmbedded || page.Confidence != 0.90 {
			t.Errorf("page %d: source=%s confidence=%v, want embedded/0.90", page.PageNum, page.Source, page.Confidence)
		}
	}
	if result.FullText != "page one\n\npage two" {
		t.Errorf("full text = %q", result.FullText)
	}
}

func TestMergeNoneQualityUsesOCR(t *testing.T) {
	m := newTestMerger()

	embedded := []models.PageText{{PageNum: 1, Text: "", Confidence: 0}}
	ocr := []models.OCRPageResult{{PageNum: 1, FullText: "scanned content", AvgConfidence: 0.82}}

	result := m.Merge(embedded, ocr, models.TextQualityNone)

	page := result.Pages[0]
	if page.Source != models.PageSourceOCR || page.Text != "scanned content" {
		t.Errorf("scanned page must use OCR, got source=%s text=%q", page.Source, page.Text)
	}
	if page.Confidence != 0.82 {
		t.Errorf("confidence = %v, want the OCR confidence", page.Confidence)
	}
}

func TestMergeSkipsFailedOCRPages(t *testing.T) {
	m := newTestMerger()

	embedded := []models.PageText{
		{PageNum: 1, Text: "fine", Confidence: 1.0},
		{PageNum: 2, Text: "also fine", Confidence: 1.0},
	}
	ocr := []models.OCRPageResult{
		{PageNum: 1, FullText: "ocr one", AvgConfidence: 0.95},
		{PageNum: 2, Error: "worker crashed"},
	}

	result := m.Merge(embedded, ocr, models.TextQualityPoor)

	if result.Pages[0].Source != models.PageSourceOCR {
		t.Errorf("page 1 source = %s, want ocr", result.Pages[0].Source)
	}
	// Errored OCR counts as absent, so the embedded text survives.
	if result.Pages[1].Source != models.PageSourceEmbedded {
		t.Errorf("page 2 source = %s, want embedded", result.Pages[1].Source)
	}
}

func TestMergeHistogramAndAverage(t *testing.T) {
	m := newTestMerger()

	embedded := []models.PageText{
		{PageNum: 1, Text: "a", Confidence: 1.0},
		{PageNum: 2, Text: "b", Confidence: 1.0},
	}
	ocr := []models.OCRPageResult{{PageNum: 2, FullText: "c", AvgConfidence: 0.80}}

	result := m.Merge(embedded, ocr, models.TextQualityPoor)

	total := 0
	for _, n := range result.SourceHistogram {
		total += n
	}
	if total != len(result.Pages) {
		t.Errorf("histogram sums to %d, want %d", total, len(result.Pages))
	}

	// Page 1: no OCR, 0.90. Page 2: OCR wins, 0.80.
	want := (0.90 + 0.80) / 2
	if diff := result.AvgConfidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("avg confidence = %v, want %v", result.AvgConfidence, want)
	}
}
