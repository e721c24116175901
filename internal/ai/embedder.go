package ai

import (
	"context"
	"fmt"
	"math"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
)

// Embedder wraps the Gemini embedding model. Vectors are L2-normalized so
// cosine similarity equals the dot product. The model dimension is discovered
// at initialization and becomes an invariant of the index.
type Embedder struct {
	client    *genai.Client
	modelName string
	dimension int
}

// NewEmbedder creates the embedder and probes the model once to learn the
// output dimension.
func NewEmbedder(ctx context.Context, cfg *config.Config) (*Embedder, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY for embeddings")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings client: %w", err)
	}

	e := &Embedder{
		client:    client,
		modelName: cfg.EmbeddingsModel,
	}

	probe, err := e.EmbedQuery(ctx, "dimension probe")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to probe embedding dimension: %w", err)
	}
	e.dimension = len(probe)

	logger.Info("Embedder initialized", "model", e.modelName, "dimension", e.dimension)
	return e, nil
}

// Dimension returns the model's vector dimension.
func (e *Embedder) Dimension() int {
	return e.dimension
}

// EmbedQuery embeds query-side text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text, genai.TaskTypeRetrievalQuery)
}

// EmbedDocument embeds document-side text.
func (e *Embedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text, genai.TaskTypeRetrievalDocument)
}

func (e *Embedder) embed(ctx context.Context, text string, taskType genai.TaskType) ([]float32, error) {
	model := e.client.EmbeddingModel(e.modelName)
	model.TaskType = taskType

	resp, err := model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}

	vec := resp.Embedding.Values
	if e.dimension > 0 && len(vec) != e.dimension {
		return nil, fmt.Errorf("embedding dimension changed: got %d, want %d", len(vec), e.dimension)
	}

	return Normalize(vec), nil
}

// EmbedDocumentBatch embeds multiple document texts in a single API call,
// preserving input order.
func (e *Embedder) EmbedDocumentBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	model := e.client.EmbeddingModel(e.modelName)
	model.TaskType = genai.TaskTypeRetrievalDocument

	batch := model.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := model.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("batch embedding request failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("batch embedding count mismatch: got %d, want %d", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", i)
		}
		if e.dimension > 0 && len(emb.Values) != e.dimension {
			return nil, fmt.Errorf("embedding dimension changed at index %d: got %d, want %d", i, len(emb.Values), e.dimension)
		}
		vectors[i] = Normalize(emb.Values)
	}

	return vectors, nil
}

// Normalize scales the vector to unit length. Zero vectors pass through
// unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}

	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Close releases the underlying API client.
func (e *Embedder) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
