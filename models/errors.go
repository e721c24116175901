package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline. Handlers map these onto HTTP status codes;
// everything else surfaces as a 500/503 with the request id attached.
var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrCorruptInput      = errors.New("corrupt input")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrOCRUnavailable    = errors.New("ocr worker unavailable")
	ErrOCRTimeout        = errors.New("ocr worker timeout")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrDocumentNotFound  = errors.New("document not found")
)

// OCRPartialError reports a batch where some pages failed. It is not a hard
// failure: callers keep the successful pages and blank the failed ones.
type OCRPartialError struct {
	PagesProcessed int
	PagesFailed    int
}

func (e *OCRPartialError) Error() string {
	return fmt.Sprintf("ocr partial failure: %d pages processed, %d failed", e.PagesProcessed, e.PagesFailed)
}

// ClassificationError is returned when neither content sniffing nor the
// filename extension identify the file kind.
type ClassificationError struct {
	Filename string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("could not classify file %q: no known signature or extension", e.Filename)
}
