package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/models"
)

// PDFExtractor pulls the embedded text layer out of a PDF page by page and
// renders pages to PNG for OCR submission.
type PDFExtractor struct {
	config *config.Config
}

func NewPDFExtractor(cfg *config.Config) *PDFExtractor {
	return &PDFExtractor{config: cfg}
}

// ExtractPages returns the embedded text of every page in order. Pages whose
// text layer cannot be read come back with empty text rather than an error;
// the merger decides what to do with them. Embedded text carries
// confidence 1.0.
func (e *PDFExtractor) ExtractPages(ctx context.Context, data []byte) ([]models.PageText, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open pdf: %v", models.ErrCorruptInput, err)
	}

	total := reader.NumPage()
	pages := make([]models.PageText, 0, total)

	for i := 1; i <= total; i++ {
		pt := models.PageText{PageNum: i, Confidence: 1.0}

		page := reader.Page(i)
		if !page.V.IsNull() {
			fonts := make(map[string]*pdf.Font)
			text, err := page.GetPlainText(fonts)
			if err != nil {
				logger.Warn("Failed to read page text layer", "page", i, "error", err)
			} else {
				pt.Text = text
				pt.CharCount = len(text)
				pt.WordCount = len(strings.Fields(text))
				pt.BBox = pageBBox(page)
			}
		}

		pages = append(pages, pt)
	}

	return pages, nil
}

// pageBBox returns the page MediaBox as [x0, y0, x1, y1], or nil when absent.
func pageBBox(page pdf.Page) *[4]float64 {
	box := page.V.Key("MediaBox")
	if box.IsNull() || box.Len() != 4 {
		return nil
	}
	var bbox [4]float64
	for i := 0; i < 4; i++ {
		bbox[i] = box.Index(i).Float64()
	}
	return &bbox
}

// RenderPages rasterizes every page to PNG at the configured DPI using
// pdftoppm. The zoom factor is dpi/72 relative to PDF user space.
func (e *PDFExtractor) RenderPages(ctx context.Context, data []byte) ([]models.RenderedPage, error) {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		return nil, fmt.Errorf("pdftoppm not available: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "pdf-render-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	inputPath := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write temp pdf: %w", err)
	}

	renderCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	dpi := e.config.RenderDPI
	if dpi <= 0 {
		dpi = 150
	}

	outPrefix := filepath.Join(tmpDir, "page")
	cmd := exec.CommandContext(renderCtx, "pdftoppm", "-png", "-r", fmt.Sprintf("%d", dpi), inputPath, outPrefix)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %v, stderr: %s", err, stderr.String())
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list rendered pages: %w", err)
	}

	var rendered []models.RenderedPage
	pageNum := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "page") || !strings.HasSuffix(name, ".png") {
			continue
		}
		pageNum++

		pngData, err := os.ReadFile(filepath.Join(tmpDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read rendered page %s: %w", name, err)
		}

		width, height := pngDimensions(pngData)
		rendered = append(rendered, models.RenderedPage{
			PageNum:   pageNum,
			PNGBase64: base64.StdEncoding.EncodeToString(pngData),
			Width:     width,
			Height:    height,
			DPI:       dpi,
		})
	}

	if len(rendered) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages")
	}

	logger.Debug("Rendered pages for OCR", "pages", len(rendered), "dpi", dpi)
	return rendered, nil
}

// pngDimensions reads width/height from the IHDR chunk.
func pngDimensions(data []byte) (int, int) {
	// 8-byte signature + 4 length + "IHDR" = offset 16 for width, 20 for height
	if len(data) < 24 {
		return 0, 0
	}
	width := int(data[16])<<24 | int(data[17])<<16 | int(data[18])<<8 | int(data[19])
	height := int(data[20])<<24 | int(data[21])<<16 | int(data[22])<<8 | int(data[23])
	return width, height
}
