package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/syntax-sensei/kuboid/internal/http/response"
	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/services"
)

type AnalyticsHandler struct {
	log       *logger.Logger
	analytics services.AnalyticsService
}

func NewAnalyticsHandler(log *logger.Logger, analytics services.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{
		log:       log.With("handler", "AnalyticsHandler"),
		analytics: analytics,
	}
}

// GET /api/analytics/overview?owner_id=
func (h *AnalyticsHandler) Overview(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_owner_id", nil)
		return
	}

	overview, err := h.analytics.Overview(c.Request.Context(), ownerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.RespondError(c, http.StatusNotFound, "analytics_not_found",
				fmt.Errorf("no analytics for owner %s; run a refresh first", ownerID))
			return
		}
		h.log.Error("Overview failed", "error", err, "owner_id", ownerID)
		response.RespondError(c, http.StatusInternalServerError, "analytics_overview_failed", err)
		return
	}
	response.RespondOK(c, overview)
}

// GET /api/analytics/knowledge-gaps?owner_id=&limit=
func (h *AnalyticsHandler) KnowledgeGaps(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_owner_id", nil)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	gaps, err := h.analytics.KnowledgeGaps(c.Request.Context(), ownerID, limit)
	if err != nil {
		h.log.Error("KnowledgeGaps failed", "error", err, "owner_id", ownerID)
		response.RespondError(c, http.StatusInternalServerError, "knowledge_gaps_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"knowledge_gaps": gaps})
}

// POST /api/analytics/feedback
func (h *AnalyticsHandler) RecordFeedback(c *gin.Context) {
	var req services.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	created, err := h.analytics.RecordFeedback(c.Request.Context(), req)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "record_feedback_failed", err)
		return
	}
	response.RespondCreated(c, created)
}

type gapActionRequest struct {
	OwnerID string   `json:"owner_id" binding:"required"`
	Topic   string   `json:"topic" binding:"required"`
	Action  string   `json:"action" binding:"required"`
	Status  string   `json:"status"`
	Sources []string `json:"sources"`
}

// POST /api/analytics/knowledge-gaps/actions
func (h *AnalyticsHandler) GapAction(c *gin.Context) {
	var req gapActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	var err error
	switch req.Action {
	case "update_status":
		err = h.analytics.UpdateGapStatus(c.Request.Context(), req.OwnerID, req.Topic, req.Status)
	case "link_sources":
		err = h.analytics.LinkGapSources(c.Request.Context(), req.OwnerID, req.Topic, req.Sources)
	default:
		response.RespondError(c, http.StatusBadRequest, "unknown_action", fmt.Errorf("unknown action %q", req.Action))
		return
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.RespondError(c, http.StatusNotFound, "gap_not_found", err)
			return
		}
		h.log.Error("GapAction failed", "error", err, "owner_id", req.OwnerID, "topic", req.Topic)
		response.RespondError(c, http.StatusBadRequest, "gap_action_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

// POST /api/analytics/refresh?owner_id=&site_id=&widget_id=&lookback_days=
// Runs synchronously; omitting owner_id refreshes every owner seen in the
// chat log.
func (h *AnalyticsHandler) Refresh(c *gin.Context) {
	ownerID := c.Query("owner_id")

	var err error
	if ownerID == "" {
		err = h.analytics.RefreshAll(c.Request.Context())
	} else {
		lookback, _ := strconv.Atoi(c.Query("lookback_days"))
		err = h.analytics.Refresh(c.Request.Context(), services.RefreshOptions{
			OwnerID:      ownerID,
			SiteID:       c.Query("site_id"),
			WidgetID:     c.Query("widget_id"),
			LookbackDays: lookback,
		})
	}
	if err != nil {
		h.log.Error("Refresh failed", "error", err, "owner_id", ownerID)
		response.RespondError(c, http.StatusInternalServerError, "analytics_refresh_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"status": "refreshed"})
}
