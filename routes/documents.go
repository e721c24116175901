package routes

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/internal/queue"
	"legal-rag-backend/internal/store"
	"legal-rag-backend/middleware"
	"legal-rag-backend/models"
	"legal-rag-backend/services"
	"legal-rag-backend/utils"
)

// DocumentHandler serves the document lifecycle endpoints.
type DocumentHandler struct {
	cfg       *config.Config
	pipeline  *services.Pipeline
	retriever *services.Retriever
	docs      *store.DocumentStore
	vectors   *store.VectorStore
	kv        *store.KVStore
	queue     *asynq.Client // nil disables async ingest
	spoolDir  string
}

func SetupDocumentRoutes(router *gin.Engine, cfg *config.Config, pipeline *services.Pipeline, retriever *services.Retriever, docs *store.DocumentStore, vectors *store.VectorStore, kv *store.KVStore, queueClient *asynq.Client) {
	h := &DocumentHandler{
		cfg:       cfg,
		pipeline:  pipeline,
		retriever: retriever,
		docs:      docs,
		vectors:   vectors,
		kv:        kv,
		queue:     queueClient,
		spoolDir:  os.TempDir(),
	}

	group := router.Group("/api/documents", middleware.RequireUser())
	group.POST("", h.Upload)
	group.GET("", h.List)
	group.DELETE("/:id", h.Delete)
	group.POST("/:id/reindex", h.Reindex)

	router.GET("/api/usage", middleware.RequireUser(), h.Usage)
}

// Upload ingests a multipart document. Files over the synchronous limit are
// spooled to disk and processed by the worker.
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID := middleware.GetUserID(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		utils.RespondWithBadRequest(c, "multipart field 'file' is required", nil)
		return
	}
	if fileHeader.Size > h.cfg.MaxFileSize {
		utils.RespondWithPayloadTooLarge(c, "file exceeds the upload size limit")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		utils.RespondWithBadRequest(c, "could not read uploaded file", nil)
		return
	}
	defer file.Close()

	if h.queue != nil && fileHeader.Size > h.cfg.SyncProcessingLimit {
		h.enqueueIngest(c, userID, fileHeader.Filename, file)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondWithBadRequest(c, "could not read uploaded file", nil)
		return
	}

	resp, err := h.pipeline.Ingest(c.Request.Context(), userID, fileHeader.Filename, data)
	if err != nil {
		respondPipelineError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *DocumentHandler) enqueueIngest(c *gin.Context, userID, filename string, file io.Reader) {
	taskID := uuid.NewString()
	spoolPath := filepath.Join(h.spoolDir, "ingest-"+taskID)

	out, err := os.Create(spoolPath)
	if err != nil {
		utils.RespondWithInternalError(c, "could not spool upload", nil)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(spoolPath)
		utils.RespondWithInternalError(c, "could not spool upload", nil)
		return
	}
	out.Close()

	task, err := queue.NewIngestTask(userID, filename, spoolPath, taskID)
	if err != nil {
		os.Remove(spoolPath)
		utils.RespondWithInternalError(c, "could not create ingest task", nil)
		return
	}
	if _, err := h.queue.Enqueue(task); err != nil {
		os.Remove(spoolPath)
		utils.RespondWithServiceUnavailable(c, "ingest queue unavailable")
		return
	}

	logger.Info("Ingest queued", "task_id", taskID, "user_id", userID, "filename", filename)
	c.JSON(http.StatusAccepted, models.IngestResponse{TaskID: taskID})
}

func (h *DocumentHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)

	docs, err := h.docs.ListDocuments(c.Request.Context(), userID)
	if err != nil {
		utils.RespondWithServiceUnavailable(c, "document store unavailable")
		return
	}

	c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	userID := middleware.GetUserID(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.RespondWithBadRequest(c, "invalid document id", nil)
		return
	}

	if err := h.docs.SoftDelete(c.Request.Context(), userID, id); err != nil {
		if errors.Is(err, models.ErrDocumentNotFound) {
			utils.RespondWithNotFound(c, "document not found")
			return
		}
		utils.RespondWithServiceUnavailable(c, "document store unavailable")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted", "document_id": id})
}

// Reindex re-embeds a document's stored chunks, used after an embedding
// model change. Text is not re-extracted; the original upload bytes are not
// retained.
func (h *DocumentHandler) Reindex(c *gin.Context) {
	userID := middleware.GetUserID(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.RespondWithBadRequest(c, "invalid document id", nil)
		return
	}

	doc, err := h.docs.GetDocument(c.Request.Context(), id)
	if err != nil || doc.UserID != userID {
		utils.RespondWithNotFound(c, "document not found")
		return
	}

	chunks, err := h.docs.GetChunks(c.Request.Context(), id)
	if err != nil {
		utils.RespondWithServiceUnavailable(c, "document store unavailable")
		return
	}

	if err := h.retriever.EmbedChunks(c.Request.Context(), chunks); err != nil {
		utils.RespondWithServiceUnavailable(c, "embedding service unavailable")
		return
	}
	if err := h.vectors.UpdateEmbeddings(c.Request.Context(), chunks); err != nil {
		utils.RespondWithServiceUnavailable(c, "vector store unavailable")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "reindexed", "document_id": id, "chunks": len(chunks)})
}

func (h *DocumentHandler) Usage(c *gin.Context) {
	userID := middleware.GetUserID(c)

	usage, err := h.kv.GetUsage(c.Request.Context(), userID)
	if err != nil {
		utils.RespondWithServiceUnavailable(c, "usage store unavailable")
		return
	}

	// Best-effort mirror into Postgres for reporting queries.
	if err := h.docs.MirrorUsage(c.Request.Context(), usage); err != nil {
		logger.Warn("Usage mirror failed", "user_id", userID, "error", err)
	}

	c.JSON(http.StatusOK, usage)
}
