package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"legal-rag-backend/models"
)

// VectorStore runs similarity search and hierarchical context expansion over
// the pgvector-indexed chunks table.
type VectorStore struct {
	db *gorm.DB
}

func NewVectorStore(db *gorm.DB) *VectorStore {
	return &VectorStore{db: db}
}

// SearchHit is one chunk returned by similarity search.
type SearchHit struct {
	ID         uuid.UUID  `gorm:"column:id"`
	SectionID  string     `gorm:"column:section_id"`
	Content    string     `gorm:"column:content"`
	ChunkType  string     `gorm:"column:chunk_type"`
	Position   int        `gorm:"column:position"`
	ParentID   *uuid.UUID `gorm:"column:parent_id"`
	Similarity float64    `gorm:"column:similarity"`
}

// Search returns the document's top-k chunks by cosine similarity. Vectors
// are unit-norm, so similarity = 1 - cosine distance; values are clamped to
// [0,1]. Ordering is similarity descending with position ascending as the
// tie-break.
func (s *VectorStore) Search(ctx context.Context, documentID uuid.UUID, queryVec []float32, topK int, minSimilarity float64) ([]SearchHit, error) {
	var hits []SearchHit

	err := s.db.WithContext(ctx).Raw(`
		SELECT id, section_id, content, chunk_type, position, parent_id,
		       1 - (embedding <=> ?) AS similarity
		FROM chunks
		WHERE document_id = ?
		  AND 1 - (embedding <=> ?) >= ?
		ORDER BY similarity DESC, position ASC
		LIMIT ?`,
		pgvector.NewVector(queryVec), documentID, pgvector.NewVector(queryVec), minSimilarity, topK,
	).Scan(&hits).Error
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	for i := range hits {
		if hits[i].Similarity < 0 {
			hits[i].Similarity = 0
		}
		if hits[i].Similarity > 1 {
			hits[i].Similarity = 1
		}
	}

	return hits, nil
}

// ChunkContext is the hierarchical neighborhood of one retrieved chunk.
type ChunkContext struct {
	Target   models.Chunk
	Parent   *models.Chunk
	Siblings []models.Chunk // ordered by position, excludes the target
}

type contextRow struct {
	models.Chunk
	ForChunk uuid.UUID `gorm:"column:for_chunk"`
	Role     string    `gorm:"column:role"`
}

// FetchContextBatch returns, per requested chunk, the chunk itself, its
// parent one hop up and its immediate siblings. One SQL round trip for the
// whole batch.
func (s *VectorStore) FetchContextBatch(ctx context.Context, chunkIDs []uuid.UUID) (map[uuid.UUID]*ChunkContext, error) {
	if len(chunkIDs) == 0 {
		return map[uuid.UUID]*ChunkContext{}, nil
	}

	var rows []contextRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT c.id, c.document_id, c.section_id, c.parent_id, c.content,
		       c.chunk_type, c.position, c.created_at,
		       t.id AS for_chunk,
		       CASE
		           WHEN c.id = t.id THEN 'target'
		           WHEN c.id = t.parent_id THEN 'parent'
		           ELSE 'sibling'
		       END AS role
		FROM chunks c
		JOIN chunks t
		  ON t.id IN ?
		 AND c.document_id = t.document_id
		WHERE c.id = t.id
		   OR c.id = t.parent_id
		   OR (c.parent_id IS NOT DISTINCT FROM t.parent_id AND c.id <> t.id)
		ORDER BY t.id, c.position ASC`,
		chunkIDs,
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("context batch fetch failed: %w", err)
	}

	contexts := make(map[uuid.UUID]*ChunkContext, len(chunkIDs))
	for _, row := range rows {
		cc := contexts[row.ForChunk]
		if cc == nil {
			cc = &ChunkContext{}
			contexts[row.ForChunk] = cc
		}
		chunk := row.Chunk
		switch row.Role {
		case "target":
			cc.Target = chunk
		case "parent":
			parent := chunk
			cc.Parent = &parent
		default:
			cc.Siblings = append(cc.Siblings, chunk)
		}
	}

	return contexts, nil
}

// UpdateEmbeddings rewrites the embedding column for the given chunks, used
// when a document is reindexed after an embedding model change.
func (s *VectorStore) UpdateEmbeddings(ctx context.Context, chunks []models.Chunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range chunks {
			err := tx.Model(&models.Chunk{}).
				Where("id = ?", chunks[i].ID).
				Update("embedding", chunks[i].Embedding).Error
			if err != nil {
				return fmt.Errorf("failed to update embedding for chunk %s: %w", chunks[i].ID, err)
			}
		}
		return nil
	})
}
