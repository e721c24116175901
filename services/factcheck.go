package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/models"
)

// Output markers the local model is instructed to emit.
const (
	factCheckPassMarker = "✓ All statements supported"
	factCheckFailMarker = "Unsupported:"
)

const factCheckAttempts = 2

// FactChecker asks an independent on-premise model whether the answer's
// statements are supported by the context. It fails OPEN: when the local
// service is unreachable the primary citation verifier remains the only gate.
type FactChecker struct {
	httpClient *http.Client
	baseURL    string
	model      string
	enabled    bool
}

type factCheckRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type factCheckResponse struct {
	Response string `json:"response"`
}

func NewFactChecker(cfg *config.Config) *FactChecker {
	timeout := cfg.VerifierTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &FactChecker{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.VerifierURL,
		model:      cfg.VerifierModel,
		enabled:    cfg.VerifierEnabled,
	}
}

// Verify submits answer and context to the local model and parses its
// verdict. Any transport failure yields the fail-open result.
func (f *FactChecker) Verify(ctx context.Context, answer, context_ string) *models.FactCheckResult {
	if !f.enabled {
		return &models.FactCheckResult{IsSupported: true, Details: "verifier disabled"}
	}

	prompt := buildFactCheckPrompt(answer, context_)

	var lastErr error
	for attempt := 1; attempt <= factCheckAttempts; attempt++ {
		verdict, err := f.query(ctx, prompt)
		if err == nil {
			return parseFactCheckVerdict(verdict)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	logger.Warn("Fact-check unavailable, failing open", "error", lastErr)
	return &models.FactCheckResult{IsSupported: true, Details: "verifier unavailable"}
}

func (f *FactChecker) query(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(factCheckRequest{
		Model:       f.model,
		Prompt:      prompt,
		Temperature: 0.1,
		Stream:      false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode fact-check request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", f.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create fact-check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("fact-check status %d: %s", resp.StatusCode, string(body))
	}

	var decoded factCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode fact-check response: %w", err)
	}

	return decoded.Response, nil
}

// parseFactCheckVerdict: supported iff the pass marker is present and the
// fail marker is not.
func parseFactCheckVerdict(output string) *models.FactCheckResult {
	supported := strings.Contains(output, factCheckPassMarker) &&
		!strings.Contains(output, factCheckFailMarker)

	return &models.FactCheckResult{
		IsSupported: supported,
		Details:     strings.TrimSpace(output),
	}
}

func buildFactCheckPrompt(answer, context string) string {
	return fmt.Sprintf(`You are a strict fact checker for legal documents.

CONTEXT:
%s

ANSWER TO CHECK:
%s

Check every factual statement in the answer against the context.
If every statement is supported by the context, reply with exactly:
%s

If any statement is not supported, reply with:
%s <list each unsupported statement on its own line>

Reply with nothing else.`, context, answer, factCheckPassMarker, factCheckFailMarker)
}
