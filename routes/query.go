package routes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"legal-rag-backend/middleware"
	"legal-rag-backend/models"
	"legal-rag-backend/services"
	"legal-rag-backend/utils"
)

// QueryHandler serves question answering and PII inspection.
type QueryHandler struct {
	pipeline   *services.Pipeline
	anonymizer *services.Anonymizer
}

func SetupQueryRoutes(router *gin.Engine, pipeline *services.Pipeline, anonymizer *services.Anonymizer) {
	h := &QueryHandler{pipeline: pipeline, anonymizer: anonymizer}

	router.POST("/api/query", middleware.RequireUser(), h.Query)
	router.POST("/api/pii/detect", middleware.RequireUser(), h.DetectPII)
}

func (h *QueryHandler) Query(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req models.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithBadRequest(c, "invalid query request", err.Error())
		return
	}

	documentID, err := uuid.Parse(req.FileID)
	if err != nil {
		utils.RespondWithBadRequest(c, "invalid file_id", nil)
		return
	}

	resp, err := h.pipeline.Query(c.Request.Context(), userID, documentID, req.Query, req.TopK)
	if err != nil {
		respondPipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// DetectPII runs the recognizers without mutating the text or storing a
// mapping.
func (h *QueryHandler) DetectPII(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required,min=1,max=100000"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithBadRequest(c, "invalid detect request", err.Error())
		return
	}

	spans := h.anonymizer.Detect(req.Text)
	c.JSON(http.StatusOK, gin.H{"spans": spans, "count": len(spans)})
}

// respondPipelineError maps pipeline sentinel errors onto HTTP status codes.
func respondPipelineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrUnsupportedFormat):
		utils.RespondWithUnsupportedMedia(c, err.Error())
	case errors.Is(err, models.ErrCorruptInput):
		utils.RespondWithBadRequest(c, err.Error(), nil)
	case errors.Is(err, models.ErrQuotaExceeded):
		utils.RespondWithQuotaExceeded(c, err.Error())
	case errors.Is(err, models.ErrDocumentNotFound):
		utils.RespondWithNotFound(c, "document not found")
	case errors.Is(err, models.ErrGenerationFailed):
		utils.RespondWithError(c, http.StatusBadGateway, "generation_failed", err.Error(), nil)
	case errors.Is(err, models.ErrOCRUnavailable), errors.Is(err, models.ErrOCRTimeout):
		utils.RespondWithServiceUnavailable(c, err.Error())
	default:
		utils.RespondWithInternalError(c, "internal error", nil)
	}
}
