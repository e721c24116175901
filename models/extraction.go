package models

// Recognized file kinds. Classification is by content sniffing with the
// filename extension as fallback.
const (
	FileKindPDF     = "pdf"
	FileKindDocx    = "docx"
	FileKindODT     = "odt"
	FileKindEmail   = "email"
	FileKindZip     = "zip"
	FileKindUnknown = "unknown"
)

// PDF text-layer quality, derived from the share of pages carrying text.
const (
	TextQualityExcellent = "excellent" // coverage >= 90%
	TextQualityGood      = "good"      // coverage >= 70%
	TextQualityPoor      = "poor"      // coverage > 0%
	TextQualityNone      = "none"      // coverage == 0%
)

// Per-page merge source tags.
const (
	PageSourceEmbedded = "embedded"
	PageSourceOCR      = "ocr"
	PageSourceHybrid   = "hybrid" // reserved, never emitted by current rules
	PageSourceFallback = "fallback"
)

// ClassifiedFile is the result of content sniffing a raw upload.
type ClassifiedFile struct {
	Kind string `json:"kind"`
	Hash string `json:"hash"` // SHA-256, lowercase hex
	Size int64  `json:"size"`

	// PDF-only text layer analysis.
	TotalPages       int     `json:"total_pages,omitempty"`
	PagesWithText    int     `json:"pages_with_text,omitempty"`
	TextCoveragePct  float64 `json:"text_coverage_pct,omitempty"`
	TextLayerQuality string  `json:"text_layer_quality,omitempty"`
	HasImages        bool    `json:"has_images,omitempty"`
	NeedsOCR         bool    `json:"needs_ocr,omitempty"`
}

// PageText is embedded text pulled from a single page. Confidence is 1.0 for
// an embedded text layer and OCR-reported otherwise.
type PageText struct {
	PageNum    int        `json:"page_num"` // 1-indexed
	Text       string     `json:"text"`
	CharCount  int        `json:"char_count"`
	WordCount  int        `json:"word_count"`
	BBox       *[4]float64 `json:"bbox,omitempty"`
	Confidence float64    `json:"confidence"`
}

// RenderedPage is a page rasterized for OCR submission.
type RenderedPage struct {
	PageNum   int    `json:"page_num"`
	PNGBase64 string `json:"png_base64"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	DPI       int    `json:"dpi"`
}

// OCRRegion is one recognized text region reported by the OCR worker.
type OCRRegion struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
	Kind       string     `json:"kind,omitempty"` // typed | handwritten
}

// OCRPageResult is the OCR worker's output for one page.
type OCRPageResult struct {
	PageNum            int         `json:"page_num"`
	FullText           string      `json:"full_text"`
	AvgConfidence      float64     `json:"avg_confidence"`
	TypedTextPct       float64     `json:"typed_text_pct"`
	HandwrittenTextPct float64     `json:"handwritten_text_pct"`
	ProcessingTimeMs   int64       `json:"processing_time_ms"`
	Regions            []OCRRegion `json:"regions,omitempty"`
	Error              string      `json:"error,omitempty"`
}

// MergedPage is the per-page outcome of the embedded/OCR merge decision.
type MergedPage struct {
	PageNum    int     `json:"page_num"`
	Text       string  `json:"text"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// MergeResult aggregates merged pages for a whole document.
type MergeResult struct {
	FullText        string         `json:"full_text"`
	Pages           []MergedPage   `json:"pages"`
	SourceHistogram map[string]int `json:"source_histogram"`
	AvgConfidence   float64        `json:"avg_confidence"`
}

// EmailAttachment is a decoded attachment of a parsed email message.
// Attachments are extracted as metadata only; they are not re-ingested.
type EmailAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int    `json:"size_bytes"`
	Data        []byte `json:"-"`
}

// ParsedEmail is the structured result of parsing an RFC 822 message.
type ParsedEmail struct {
	Subject     string            `json:"subject"`
	From        string            `json:"from"`
	Recipients  []string          `json:"recipients"`
	Date        string            `json:"date,omitempty"`
	MessageID   string            `json:"message_id,omitempty"`
	InReplyTo   string            `json:"in_reply_to,omitempty"`
	References  []string          `json:"references,omitempty"`
	Body        string            `json:"body"`
	Attachments []EmailAttachment `json:"attachments,omitempty"`
}

// ParsedSection is a hierarchical section produced by the parser, before it
// is persisted as a Chunk. ParentIndex is -1 for roots and otherwise points
// at an earlier element of the same slice.
type ParsedSection struct {
	SectionID   string `json:"section_id"`
	Content     string `json:"content"`
	ChunkType   string `json:"chunk_type"`
	Depth       int    `json:"depth"`
	ParentIndex int    `json:"parent_index"`
	Position    int    `json:"position"`
}
