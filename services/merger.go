package services

import (
	"strings"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/models"
)

// Merger decides, page by page, whether the embedded text layer or the OCR
// output becomes the page's text. The decision depends on the document-level
// text layer quality and the OCR confidence.
type Merger struct {
	ocrThreshold float64
}

func NewMerger(cfg *config.Config) *Merger {
	threshold := cfg.OCRConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.75
	}
	return &Merger{ocrThreshold: threshold}
}

// Merge combines embedded pages and OCR results into the final page texts.
// The output always has exactly one entry per embedded page. OCR results are
// matched by page number; pages the OCR worker failed on count as absent.
func (m *Merger) Merge(embedded []models.PageText, ocr []models.OCRPageResult, quality string) *models.MergeResult {
	ocrByPage := make(map[int]*models.OCRPageResult, len(ocr))
	for i := range ocr {
		if ocr[i].Error == "" {
			ocrByPage[ocr[i].PageNum] = &ocr[i]
		}
	}

	result := &models.MergeResult{
		Pages:           make([]models.MergedPage, 0, len(embedded)),
		SourceHistogram: make(map[string]int),
	}

	var textParts []string
	var confidenceSum float64

	for _, page := range embedded {
		merged := m.mergePage(page, ocrByPage[page.PageNum], quality)
		result.Pages = append(result.Pages, merged)
		result.SourceHistogram[merged.Source]++
		confidenceSum += merged.Confidence

		if strings.TrimSpace(merged.Text) != "" {
			textParts = append(textParts, merged.Text)
		}
	}

	result.FullText = strings.Join(textParts, "\n\n")
	if len(result.Pages) > 0 {
		result.AvgConfidence = confidenceSum / float64(len(result.Pages))
	}

	logger.Debug("Merged document pages",
		"pages", len(result.Pages),
		"sources", result.SourceHistogram,
		"avg_confidence", result.AvgConfidence)

	return result
}

// mergePage applies the per-page decision table in order.
func (m *Merger) mergePage(embedded models.PageText, ocr *models.OCRPageResult, quality string) models.MergedPage {
	page := models.MergedPage{PageNum: embedded.PageNum}

	switch {
	case ocr == nil:
		page.Text = embedded.Text
		page.Source = models.PageSourceEmbedded
		page.Confidence = 0.90
		page.Reason = "no ocr"

	case quality == models.TextQualityExcellent:
		page.Text = embedded.Text
		page.Source = models.PageSourceEmbedded
		page.Confidence = 0.95
		page.Reason = "trust embedded"

	case quality == models.TextQualityGood:
		page.Text = embedded.Text
		page.Source = models.PageSourceEmbedded
		page.Confidence = 0.85
		page.Reason = "trust embedded"

	case quality == models.TextQualityNone:
		page.Text = ocr.FullText
		page.Source = models.PageSourceOCR
		page.Confidence = ocr.AvgConfidence
		page.Reason = "no embedded"

	case quality == models.TextQualityPoor && ocr.AvgConfidence >= m.ocrThreshold:
		page.Text = ocr.FullText
		page.Source = models.PageSourceOCR
		page.Confidence = ocr.AvgConfidence
		page.Reason = "ocr wins"

	case quality == models.TextQualityPoor:
		page.Text = embedded.Text
		page.Source = models.PageSourceFallback
		page.Confidence = 0.60
		page.Reason = "low ocr, keep embedded"

	default:
		page.Text = embedded.Text
		page.Source = models.PageSourceEmbedded
		page.Confidence = 0.80
		page.Reason = "unknown quality"
	}

	return page
}
