package server

import (
	"github.com/gin-gonic/gin"

	"github.com/syntax-sensei/kuboid/internal/http/handlers"
	"github.com/syntax-sensei/kuboid/internal/http/middleware"
	"github.com/syntax-sensei/kuboid/internal/platform/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	HealthHandler    *handlers.HealthHandler
	IngestHandler    *handlers.IngestHandler
	WidgetHandler    *handlers.WidgetHandler
	AnalyticsHandler *handlers.AnalyticsHandler

	WidgetAuthMiddleware *middleware.WidgetAuthMiddleware
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.CORS(),
		middleware.AttachTraceContext(),
		middleware.RequestLogger(cfg.Log),
	)

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", cfg.HealthHandler.HealthCheck)

	api := router.Group("/api")
	{
		// Ingestion
		api.POST("/process-document", cfg.IngestHandler.ProcessDocument)
		api.POST("/process-specific", cfg.IngestHandler.ProcessSpecific)
		api.POST("/process-all", cfg.IngestHandler.ProcessAll)
		api.POST("/process-url", cfg.IngestHandler.ProcessURL)
		api.POST("/webhook/storage", cfg.IngestHandler.StorageWebhook)
		api.GET("/list-documents", cfg.IngestHandler.ListDocuments)
		api.GET("/url-activities", cfg.IngestHandler.ListURLActivities)

		// Widget lifecycle + token issuance
		api.POST("/widget", cfg.WidgetHandler.CreateWidget)
		api.POST("/widget/token", cfg.WidgetHandler.CreateToken)

		// Analytics
		api.GET("/analytics/overview", cfg.AnalyticsHandler.Overview)
		api.GET("/analytics/knowledge-gaps", cfg.AnalyticsHandler.KnowledgeGaps)
		api.POST("/analytics/feedback", cfg.AnalyticsHandler.RecordFeedback)
		api.POST("/analytics/knowledge-gaps/actions", cfg.AnalyticsHandler.GapAction)
		api.POST("/analytics/refresh", cfg.AnalyticsHandler.Refresh)
	}

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/api")
	protected.Use(cfg.WidgetAuthMiddleware.RequireWidgetToken())
	protected.POST("/widget/chat", cfg.WidgetHandler.Chat)

	return router
}
