package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/syntax-sensei/kuboid/internal/http/response"
	"github.com/syntax-sensei/kuboid/internal/platform/gcs"
	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/repos"
	"github.com/syntax-sensei/kuboid/internal/services"
)

type IngestHandler struct {
	log         *logger.Logger
	ingestion   services.IngestionService
	urlActivity repos.URLActivityRepo
}

func NewIngestHandler(
	log *logger.Logger,
	ingestion services.IngestionService,
	urlActivity repos.URLActivityRepo,
) *IngestHandler {
	return &IngestHandler{
		log:         log.With("handler", "IngestHandler"),
		ingestion:   ingestion,
		urlActivity: urlActivity,
	}
}

type processDocumentRequest struct {
	Path           string `json:"path" binding:"required"`
	OwnerID        string `json:"owner_id"`
	WidgetID       string `json:"widget_id"`
	ForceReprocess bool   `json:"force_reprocess"`
}

// POST /api/process-document
func (h *IngestHandler) ProcessDocument(c *gin.Context) {
	var req processDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	result, err := h.ingestion.IngestPath(c.Request.Context(), req.Path, req.OwnerID, req.WidgetID, req.ForceReprocess)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gcs.ErrObjectNotFound) {
			status = http.StatusNotFound
		}
		h.log.Error("ProcessDocument failed", "error", err, "path", req.Path)
		response.RespondError(c, status, "process_document_failed", err)
		return
	}
	response.RespondOK(c, result)
}

type processSpecificRequest struct {
	Paths          []string `json:"paths" binding:"required"`
	OwnerID        string   `json:"owner_id"`
	WidgetID       string   `json:"widget_id"`
	ForceReprocess bool     `json:"force_reprocess"`
}

// POST /api/process-specific
func (h *IngestHandler) ProcessSpecific(c *gin.Context) {
	var req processSpecificRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Paths) == 0 {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	results := make([]*services.IngestResult, 0, len(req.Paths))
	for _, path := range req.Paths {
		result, err := h.ingestion.IngestPath(c.Request.Context(), path, req.OwnerID, req.WidgetID, req.ForceReprocess)
		if err != nil {
			result = &services.IngestResult{
				Status: services.IngestStatusError,
				Error:  err.Error(),
			}
		}
		results = append(results, result)
	}
	response.RespondOK(c, gin.H{"documents": results})
}

type processAllRequest struct {
	Prefix  string `json:"prefix"`
	OwnerID string `json:"owner_id"`
}

// POST /api/process-all?force_reprocess=true
func (h *IngestHandler) ProcessAll(c *gin.Context) {
	var req processAllRequest
	// Body is optional; batch over the whole bucket by default.
	_ = c.ShouldBindJSON(&req)
	force, _ := strconv.ParseBool(c.Query("force_reprocess"))

	batch, err := h.ingestion.IngestAll(c.Request.Context(), req.Prefix, req.OwnerID, force)
	if err != nil {
		h.log.Error("ProcessAll failed", "error", err, "prefix", req.Prefix)
		response.RespondError(c, http.StatusInternalServerError, "process_all_failed", err)
		return
	}
	response.RespondOK(c, batch)
}

type processURLRequest struct {
	URL      string `json:"url" binding:"required"`
	OwnerID  string `json:"owner_id" binding:"required"`
	WidgetID string `json:"widget_id"`
}

// POST /api/process-url
func (h *IngestHandler) ProcessURL(c *gin.Context) {
	var req processURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	result, err := h.ingestion.IngestURL(c.Request.Context(), req.URL, req.OwnerID, req.WidgetID)
	if err != nil {
		h.log.Error("ProcessURL failed", "error", err, "url", req.URL)
		response.RespondError(c, http.StatusBadRequest, "process_url_failed", err)
		return
	}
	response.RespondOK(c, result)
}

type storageWebhookRequest struct {
	Name   string `json:"name"`
	Bucket string `json:"bucket"`
}

// POST /api/webhook/storage
// Object-finalize notifications from the bucket. Placeholder objects are
// acknowledged without processing so the notifier does not retry them.
func (h *IngestHandler) StorageWebhook(c *gin.Context) {
	var req storageWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if strings.HasSuffix(req.Name, "/") || strings.HasSuffix(req.Name, ".emptyFolderPlaceholder") {
		response.RespondOK(c, gin.H{"status": "ignored", "name": req.Name})
		return
	}

	result, err := h.ingestion.IngestPath(c.Request.Context(), req.Name, "", "", false)
	if err != nil {
		h.log.Error("StorageWebhook ingestion failed", "error", err, "name", req.Name)
		response.RespondError(c, http.StatusInternalServerError, "webhook_ingest_failed", err)
		return
	}
	response.RespondOK(c, result)
}

// GET /api/list-documents?owner_id=
func (h *IngestHandler) ListDocuments(c *gin.Context) {
	records, err := h.ingestion.ListDocuments(c.Request.Context(), c.Query("owner_id"))
	if err != nil {
		h.log.Error("ListDocuments failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "list_documents_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"documents": records})
}

// GET /api/url-activities?owner_id=&limit=
func (h *IngestHandler) ListURLActivities(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	activities, err := h.urlActivity.ListRecent(c.Request.Context(), nil, c.Query("owner_id"), limit)
	if err != nil {
		h.log.Error("ListURLActivities failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "list_url_activities_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"activities": activities})
}
