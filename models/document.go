package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// EmbeddingDim is the dimension of the chunks.embedding column. The vector
// type in the Chunk gorm tag must stay in sync with it.
const EmbeddingDim = 768

// ValidateEmbeddingDim rejects an embedding model whose vectors do not fit
// the column; inserts would otherwise fail with an opaque SQL error.
func ValidateEmbeddingDim(dim int) error {
	if dim != EmbeddingDim {
		return fmt.Errorf("embedding model produces %d-dimensional vectors, the chunks table stores vector(%d)", dim, EmbeddingDim)
	}
	return nil
}

// Document lifecycle states. Deletion is soft: rows move to StatusDeleted and
// the (user_id, doc_hash) uniqueness constraint only applies to active rows.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

// Chunk types in descending granularity.
const (
	ChunkTypeSection    = "section"
	ChunkTypeSubsection = "subsection"
	ChunkTypeParagraph  = "paragraph"
	ChunkTypeClause     = "clause"
)

// Document is an uploaded legal document. Identity is (user_id, doc_hash);
// the same bytes uploaded twice by the same user deduplicate onto one row.
type Document struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        string         `gorm:"index:idx_documents_user_hash" json:"user_id"`
	Filename      string         `json:"filename"`
	DocHash       string         `gorm:"index:idx_documents_user_hash" json:"doc_hash"`
	FileSizeBytes int64          `json:"file_size_bytes"`
	UploadedAt    time.Time      `json:"uploaded_at"`
	Metadata      datatypes.JSON `gorm:"column:metadata_json" json:"metadata,omitempty"`
	Version       int            `gorm:"default:1" json:"version"`
	Status        string         `gorm:"default:active" json:"status"`

	Chunks []Chunk `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// DocumentMetadata is the JSON payload stored in metadata_json.
type DocumentMetadata struct {
	FileKind         string  `json:"file_kind"`
	Language         string  `json:"language,omitempty"`
	PageCount        int     `json:"page_count"`
	TextLayerQuality string  `json:"text_layer_quality,omitempty"`
	OCRUsed          bool    `json:"ocr_used"`
	MeanConfidence   float64 `json:"mean_confidence,omitempty"`
	ExtractionMethod string  `json:"extraction_method,omitempty"`
	WordCount        int     `json:"word_count,omitempty"`
}

// Chunk is one hierarchical section of a document. parent_id forms a forest
// within the owning document; section_id is unique per document.
type Chunk struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID uuid.UUID       `gorm:"type:uuid;index;uniqueIndex:idx_chunks_doc_section" json:"document_id"`
	SectionID  string          `gorm:"uniqueIndex:idx_chunks_doc_section" json:"section_id"`
	ParentID   *uuid.UUID      `gorm:"type:uuid" json:"parent_id,omitempty"`
	Content    string          `json:"content"`
	ChunkType  string          `json:"chunk_type"`
	Position   int             `json:"position"`
	Metadata   datatypes.JSON  `gorm:"column:metadata_json" json:"metadata,omitempty"`
	Embedding  pgvector.Vector `gorm:"type:vector(768)" json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
}

// QueryLog records one answered query for audit and cost accounting. Only
// hashes of the query and response are stored, never the text itself.
type QueryLog struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID      uuid.UUID `gorm:"type:uuid;index" json:"document_id"`
	QueryHash       string    `json:"query_hash"`
	ResponseHash    string    `json:"response_hash,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LatencyMs       int64     `json:"latency_ms,omitempty"`
	TokensUsed      int       `json:"tokens_used,omitempty"`
	ModelVersion    string    `json:"model_version,omitempty"`
	CitationsCount  int       `json:"citations_count,omitempty"`
	ConfidenceScore float64   `json:"confidence_score,omitempty"`
}

// UserUsage mirrors the Redis usage bucket for reporting queries. The Redis
// hash is authoritative; this row is written best-effort.
type UserUsage struct {
	UserID           string `gorm:"primaryKey" json:"user_id"`
	Month            string `gorm:"primaryKey" json:"month"` // "YYYY-MM"
	TokensUsed       int64  `json:"tokens_used"`
	QueriesCount     int64  `json:"queries_count"`
	DocumentsIndexed int64  `json:"documents_indexed"`
}
