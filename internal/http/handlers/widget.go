package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/syntax-sensei/kuboid/internal/http/middleware"
	"github.com/syntax-sensei/kuboid/internal/http/response"
	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/services"
)

type WidgetHandler struct {
	log        *logger.Logger
	widgetAuth services.WidgetAuthService
	answer     services.AnswerService
}

func NewWidgetHandler(
	log *logger.Logger,
	widgetAuth services.WidgetAuthService,
	answer services.AnswerService,
) *WidgetHandler {
	return &WidgetHandler{
		log:        log.With("handler", "WidgetHandler"),
		widgetAuth: widgetAuth,
		answer:     answer,
	}
}

type createWidgetRequest struct {
	OwnerID        string   `json:"owner_id" binding:"required"`
	SiteID         string   `json:"site_id"`
	Name           string   `json:"name"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// POST /api/widget
func (h *WidgetHandler) CreateWidget(c *gin.Context) {
	var req createWidgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	created, err := h.widgetAuth.CreateWidget(c.Request.Context(), req.OwnerID, req.SiteID, req.Name, req.AllowedOrigins)
	if err != nil {
		h.log.Error("CreateWidget failed", "error", err, "owner_id", req.OwnerID)
		response.RespondError(c, http.StatusInternalServerError, "create_widget_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{
		"widget": created.Widget,
		"secret": created.Secret,
	})
}

type widgetTokenRequest struct {
	WidgetID string `json:"widget_id" binding:"required"`
}

// POST /api/widget/token
// Callers authenticate with either their registered Origin header or the
// shared secret issued at widget creation.
func (h *WidgetHandler) CreateToken(c *gin.Context) {
	var req widgetTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	origin := c.GetHeader("Origin")
	sharedSecret := c.GetHeader("X-Widget-Secret")
	token, expiresAt, err := h.widgetAuth.CreateToken(c.Request.Context(), req.WidgetID, origin, sharedSecret)
	if err != nil {
		if errors.Is(err, services.ErrUnauthorized) {
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		h.log.Error("CreateToken failed", "error", err, "widget_id", req.WidgetID)
		response.RespondError(c, http.StatusInternalServerError, "create_token_failed", err)
		return
	}
	response.RespondOK(c, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

type widgetChatRequest struct {
	Query          string  `json:"query" binding:"required"`
	TopK           int     `json:"top_k"`
	Temperature    float64 `json:"temperature"`
	ConversationID string  `json:"conversation_id"`
}

// POST /api/widget/chat (widget token required)
func (h *WidgetHandler) Chat(c *gin.Context) {
	claims := middleware.GetWidgetClaims(c)
	if claims == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	var req widgetChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	result, err := h.answer.Chat(c.Request.Context(), services.ChatRequest{
		Query:          req.Query,
		TopK:           req.TopK,
		Temperature:    req.Temperature,
		OwnerID:        claims.OwnerID,
		SiteID:         claims.SiteID,
		WidgetID:       claims.WidgetID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		h.log.Error("Chat failed", "error", err, "widget_id", claims.WidgetID)
		response.RespondError(c, http.StatusInternalServerError, "chat_failed", err)
		return
	}
	response.RespondOK(c, result)
}
