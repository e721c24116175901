package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/internal/store"
	"legal-rag-backend/models"
	"legal-rag-backend/utils"
)

// QueryEmbedder is the embedding contract the retriever needs. The
// query/document distinction is the embedder's concern, not the caller's.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocumentBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorSearcher is the vector store contract: top-k cosine search plus the
// batched context expansion that avoids N+1 round trips.
type VectorSearcher interface {
	Search(ctx context.Context, documentID uuid.UUID, queryVec []float32, topK int, minSimilarity float64) ([]store.SearchHit, error)
	FetchContextBatch(ctx context.Context, chunkIDs []uuid.UUID) (map[uuid.UUID]*store.ChunkContext, error)
}

// ResultCache caches serialized retrieval results.
type ResultCache interface {
	CacheGet(ctx context.Context, key string) ([]byte, error)
	CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Retriever embeds queries and chunks and answers top-k retrieval with
// hierarchical context attached.
type Retriever struct {
	embedder QueryEmbedder
	vectors  VectorSearcher
	cache    ResultCache // nil disables caching
	cfg      *config.Config
}

func NewRetriever(cfg *config.Config, embedder QueryEmbedder, vectors VectorSearcher, cache ResultCache) *Retriever {
	return &Retriever{
		embedder: embedder,
		vectors:  vectors,
		cache:    cache,
		cfg:      cfg,
	}
}

// EmbedChunks fills the Embedding field of every chunk in place using one
// batched embedding call. Chunk order, and with it the position invariant, is
// preserved.
func (r *Retriever) EmbedChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := r.embedder.EmbedDocumentBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed chunks: %w", err)
	}

	for i := range chunks {
		chunks[i].Embedding = pgvector.NewVector(vectors[i])
	}
	return nil
}

// Retrieve returns the document's top-k chunks for the query, each with its
// parent content and sibling contents attached. Results are descending by
// similarity with position as the tie-break.
func (r *Retriever) Retrieve(ctx context.Context, documentID uuid.UUID, query string, topK int) ([]models.RetrievalResult, error) {
	if topK <= 0 {
		topK = r.cfg.DefaultTopK
	}

	key := r.cacheKeyFor(documentID, query, topK)
	if r.cache != nil {
		if cached, err := r.cache.CacheGet(ctx, key); err == nil && cached != nil {
			var results []models.RetrievalResult
			if err := json.Unmarshal(cached, &results); err == nil {
				logger.Debug("Retrieval cache hit", "document_id", documentID)
				return results, nil
			}
		}
	}

	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := r.vectors.Search(ctx, documentID, queryVec, topK, r.cfg.SimilarityThreshold)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	chunkIDs := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		chunkIDs[i] = h.ID
	}

	contexts, err := r.vectors.FetchContextBatch(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}

	results := make([]models.RetrievalResult, len(hits))
	for i, h := range hits {
		result := models.RetrievalResult{
			ChunkID:    h.ID,
			SectionID:  h.SectionID,
			Content:    h.Content,
			Similarity: h.Similarity,
			Position:   h.Position,
		}
		if cc := contexts[h.ID]; cc != nil {
			if cc.Parent != nil {
				result.ParentContent = cc.Parent.Content
			}
			for _, sib := range cc.Siblings {
				result.SiblingContents = append(result.SiblingContents, sib.Content)
			}
		}
		results[i] = result
	}

	if r.cache != nil {
		if payload, err := json.Marshal(results); err == nil {
			if err := r.cache.CacheSet(ctx, key, payload, r.cfg.CacheQueryResultsTTL); err != nil {
				logger.Warn("Retrieval cache write failed", "error", err)
			}
		}
	}

	return results, nil
}

func (r *Retriever) cacheKeyFor(documentID uuid.UUID, query string, topK int) string {
	return utils.HashString(fmt.Sprintf("%s|%s|%d|%.4f", documentID, query, topK, r.cfg.SimilarityThreshold))
}

// FormatContext renders retrieved results into the PROVIDED SECTIONS block of
// the generation prompt: each result is prefixed with its section id and the
// similarity as a percentage.
func FormatContext(results []models.RetrievalResult) string {
	if len(results) == 0 {
		return "(no sections retrieved)"
	}

	var out string
	for _, res := range results {
		out += fmt.Sprintf("[%s] (relevance %.0f%%)\n%s\n\n", res.SectionID, res.Similarity*100, res.Content)
	}
	return out
}
