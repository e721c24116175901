package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/models"
)

// OCRClient talks to the remote GPU OCR worker. The worker accepts a batch of
// page images and returns per-page recognition results.
type OCRClient struct {
	config     *config.Config
	httpClient *http.Client
	baseURL    string
}

type ocrBatchRequest struct {
	Images            []string `json:"images"`
	EnableHandwriting bool     `json:"enable_handwriting"`
}

type ocrHealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device"`
	Version     string `json:"version"`
}

func NewOCRClient(cfg *config.Config) *OCRClient {
	timeout := cfg.OCRTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute // OCR can take time, GPU cold start included
	}

	return &OCRClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: cfg.OCRServiceURL,
	}
}

// IsHealthy checks if the OCR worker is reachable with its model loaded.
func (c *OCRClient) IsHealthy(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("OCR worker unhealthy: status %d", resp.StatusCode)
	}

	var healthResp ocrHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return false, fmt.Errorf("failed to decode health response: %w", err)
	}

	return healthResp.Status == "healthy" && healthResp.ModelLoaded, nil
}

// RecognizeBatch submits an ordered batch of rendered pages and returns one
// result per page. When some pages fail the successful results are returned
// together with an OCRPartialError; failed pages carry empty full_text.
func (c *OCRClient) RecognizeBatch(ctx context.Context, pages []models.RenderedPage) ([]models.OCRPageResult, error) {
	if len(pages) == 0 {
		return nil, nil
	}

	images := make([]string, len(pages))
	for i, p := range pages {
		images[i] = p.PNGBase64
	}

	payload, err := json.Marshal(ocrBatchRequest{
		Images:            images,
		EnableHandwriting: c.config.OCRHandwriting,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode OCR request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/ocr/batch", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create OCR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: batch of %d pages after %s", models.ErrOCRTimeout, len(pages), time.Since(start))
		}
		return nil, fmt.Errorf("%w: %v", models.ErrOCRUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", models.ErrOCRUnavailable, resp.StatusCode, string(body))
	}

	var results []models.OCRPageResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("%w: failed to decode OCR response: %v", models.ErrOCRUnavailable, err)
	}

	// Renumber defensively to the submitted order when the worker omits page_num
	for i := range results {
		if results[i].PageNum == 0 && i < len(pages) {
			results[i].PageNum = pages[i].PageNum
		}
	}

	failed := 0
	for i := range results {
		if results[i].Error != "" {
			failed++
			results[i].FullText = ""
			results[i].AvgConfidence = 0
		}
	}

	logger.Info("OCR batch completed",
		"pages", len(pages),
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds())

	if failed > 0 {
		return results, &models.OCRPartialError{
			PagesProcessed: len(results) - failed,
			PagesFailed:    failed,
		}
	}

	return results, nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
