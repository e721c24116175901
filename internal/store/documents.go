package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"legal-rag-backend/models"
)

// DocumentStore is the relational repository for documents, chunks, query
// logs and the best-effort usage mirror.
type DocumentStore struct {
	db *gorm.DB
}

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// FindActiveByHash returns the user's active document with the given hash,
// or nil when none exists. Drives upload deduplication.
func (s *DocumentStore) FindActiveByHash(ctx context.Context, userID, hash string) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND doc_hash = ? AND status = ?", userID, hash, models.StatusActive).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up document by hash: %w", err)
	}
	return &doc, nil
}

// GetDocument returns an active document by id.
func (s *DocumentStore) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, models.StatusActive).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &doc, nil
}

// ListDocuments returns a user's active documents, newest first.
func (s *DocumentStore) ListDocuments(ctx context.Context, userID string) ([]models.Document, error) {
	var docs []models.Document
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.StatusActive).
		Order("uploaded_at DESC").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// CreateWithChunks persists the document and its chunks in one transaction.
func (s *DocumentStore) CreateWithChunks(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return fmt.Errorf("failed to create document: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(chunks, 200).Error; err != nil {
			return fmt.Errorf("failed to create chunks: %w", err)
		}
		return nil
	})
}

// SoftDelete marks a document deleted without dropping its rows, so the
// (user_id, doc_hash) identity frees up for re-upload.
func (s *DocumentStore) SoftDelete(ctx context.Context, userID string, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ? AND user_id = ? AND status = ?", id, userID, models.StatusActive).
		Update("status", models.StatusDeleted)
	if result.Error != nil {
		return fmt.Errorf("failed to delete document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrDocumentNotFound
	}
	return nil
}

// GetChunks returns a document's chunks in document order.
func (s *DocumentStore) GetChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("position ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	return chunks, nil
}

// SaveQueryLog writes one audit row; failures must not break the request.
func (s *DocumentStore) SaveQueryLog(ctx context.Context, log *models.QueryLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(log).Error
}

// MirrorUsage upserts the Redis usage bucket into Postgres for reporting.
func (s *DocumentStore) MirrorUsage(ctx context.Context, usage *models.UserUsage) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND month = ?", usage.UserID, usage.Month).
		Assign(map[string]any{
			"tokens_used":       usage.TokensUsed,
			"queries_count":     usage.QueriesCount,
			"documents_indexed": usage.DocumentsIndexed,
		}).
		FirstOrCreate(&models.UserUsage{UserID: usage.UserID, Month: usage.Month}).Error
}
