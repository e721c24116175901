package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"legal-rag-backend/internal/logger"
	"legal-rag-backend/models"
)

const (
	// TaskIngestDocument processes an uploaded document asynchronously.
	// Used for files over the synchronous processing limit, where OCR can
	// take minutes.
	TaskIngestDocument = "document:ingest"

	// TaskPurgeUsage removes usage buckets past the retention window.
	TaskPurgeUsage = "usage:purge"
)

type IngestPayload struct {
	UserID   string `json:"user_id"`
	Filename string `json:"filename"`
	FilePath string `json:"file_path"` // spooled upload on shared storage
	TaskID   string `json:"task_id"`
}

// Ingester is implemented by the pipeline orchestrator.
type Ingester interface {
	Ingest(ctx context.Context, userID, filename string, data []byte) (*models.IngestResponse, error)
}

// UsagePurger is implemented by the KV store.
type UsagePurger interface {
	PurgeExpiredUsage(ctx context.Context) (int, error)
}

func NewIngestTask(userID, filename, filePath, taskID string) (*asynq.Task, error) {
	payload, err := json.Marshal(IngestPayload{
		UserID:   userID,
		Filename: filename,
		FilePath: filePath,
		TaskID:   taskID,
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskIngestDocument,
		payload,
		asynq.MaxRetry(3),
		asynq.Timeout(15*time.Minute),
		asynq.Queue("critical"),
	), nil
}

func NewPurgeUsageTask() *asynq.Task {
	return asynq.NewTask(
		TaskPurgeUsage,
		nil,
		asynq.MaxRetry(1),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("low"),
	)
}

// TaskProcessor dispatches queued tasks onto the pipeline.
type TaskProcessor struct {
	ingester Ingester
	purger   UsagePurger
	readFile func(path string) ([]byte, error)
}

func NewTaskProcessor(ingester Ingester, purger UsagePurger, readFile func(string) ([]byte, error)) *TaskProcessor {
	return &TaskProcessor{
		ingester: ingester,
		purger:   purger,
		readFile: readFile,
	}
}

func (p *TaskProcessor) HandleIngest(ctx context.Context, t *asynq.Task) error {
	var payload IngestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}

	logger.Info("Processing async ingest",
		"task_id", payload.TaskID,
		"user_id", payload.UserID,
		"filename", payload.Filename)

	data, err := p.readFile(payload.FilePath)
	if err != nil {
		return fmt.Errorf("failed to read spooled upload %s: %w", payload.FilePath, asynq.SkipRetry)
	}

	resp, err := p.ingester.Ingest(ctx, payload.UserID, payload.Filename, data)
	if err != nil {
		logger.Error("Async ingest failed", "task_id", payload.TaskID, "error", err)
		return err // will retry
	}

	logger.Info("Async ingest completed",
		"task_id", payload.TaskID,
		"document_id", resp.DocumentID,
		"chunks", resp.ChunksCreated)
	return nil
}

func (p *TaskProcessor) HandlePurgeUsage(ctx context.Context, t *asynq.Task) error {
	purged, err := p.purger.PurgeExpiredUsage(ctx)
	if err != nil {
		return err
	}
	logger.Info("Usage buckets purged", "count", purged)
	return nil
}
