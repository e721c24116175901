package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/models"
)

// Retry policy for generation calls.
const (
	generationAttempts = 3
	backoffBase        = 2 * time.Second
	backoffCap         = 10 * time.Second
)

// GenerationClient wraps the Gemini generative model with rate limiting, a
// circuit breaker, tracing and an explicit retry loop.
type GenerationClient struct {
	client      *genai.Client
	modelName   string
	breaker     *gobreaker.CircuitBreaker
	rateLimiter *rate.Limiter
	timeout     time.Duration
	sem         chan struct{} // bounds concurrent generation calls
}

type RateLimits struct {
	RPM int // Requests per minute
	TPM int // Tokens per minute
	RPD int // Requests per day
}

func getRateLimits(tier string) RateLimits {
	switch tier {
	case "free":
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	case "tier1":
		return RateLimits{RPM: 1000, TPM: 1000000, RPD: 10000}
	case "tier2":
		return RateLimits{RPM: 2000, TPM: 4000000, RPD: 50000}
	default:
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	}
}

func NewGenerationClient(ctx context.Context, cfg *config.Config) (*GenerationClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create generation client: %w", err)
	}

	limits := getRateLimits(cfg.GeminiTier)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiGeneration",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	// RPM limit with some buffer
	rateLimiter := rate.NewLimiter(rate.Limit(float64(limits.RPM)*0.9/60.0), maxInt(limits.RPM/10, 1))

	concurrency := cfg.GenerationConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &GenerationClient{
		client:      client,
		modelName:   cfg.GenerationModel,
		breaker:     breaker,
		rateLimiter: rateLimiter,
		timeout:     timeout,
		sem:         make(chan struct{}, concurrency),
	}, nil
}

// Generate submits the prompt and returns the answer text with usage
// metadata. Up to three attempts are made with exponential backoff; every
// attempt carries its own deadline and the same request_id for correlation.
func (gc *GenerationClient) Generate(ctx context.Context, prompt, requestID string) (*models.GenerationResult, error) {
	tracer := otel.Tracer("generation-client")
	ctx, span := tracer.Start(ctx, "generation.generate")
	defer span.End()

	span.SetAttributes(
		attribute.String("generation.model", gc.modelName),
		attribute.String("generation.request_id", requestID),
		attribute.Int("generation.prompt_chars", len(prompt)),
	)

	select {
	case gc.sem <- struct{}{}:
		defer func() { <-gc.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= generationAttempts; attempt++ {
		if err := gc.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := gc.generateOnce(ctx, prompt)
		if err == nil {
			result.LatencyMs = time.Since(start).Milliseconds()
			span.SetAttributes(
				attribute.Int("generation.attempts", attempt),
				attribute.Int("generation.tokens_used", result.TokensUsed),
			)
			return result, nil
		}

		lastErr = err
		span.SetAttributes(attribute.Int("generation.failed_attempts", attempt))
		logger.Warn("Generation attempt failed",
			"request_id", requestID,
			"attempt", attempt,
			"error", err)

		if errors.Is(err, context.Canceled) || attempt == generationAttempts {
			break
		}

		sleep := backoffBase << (attempt - 1)
		if sleep > backoffCap {
			sleep = backoffCap
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	span.SetAttributes(attribute.Bool("generation.error", true))
	return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, lastErr)
}

func (gc *GenerationClient) generateOnce(ctx context.Context, prompt string) (*models.GenerationResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, gc.timeout)
	defer cancel()

	raw, err := gc.breaker.Execute(func() (interface{}, error) {
		model := gc.client.GenerativeModel(gc.modelName)
		model.SetTemperature(0.1)
		model.SetMaxOutputTokens(2048)

		return model.GenerateContent(attemptCtx, genai.Text(prompt))
	})
	if err != nil {
		return nil, err
	}

	resp := raw.(*genai.GenerateContentResponse)
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("empty generation response")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text in generation response")
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	} else {
		tokens = len(text) / 4 // rough estimate, ~4 chars per token
	}

	return &models.GenerationResult{
		AnswerText:   text,
		TokensUsed:   tokens,
		ModelVersion: gc.modelName,
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Close releases the underlying API client.
func (gc *GenerationClient) Close() error {
	if gc.client != nil {
		return gc.client.Close()
	}
	return nil
}
