package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/syntax-sensei/kuboid/internal/data/db"
	"github.com/syntax-sensei/kuboid/internal/http/handlers"
	"github.com/syntax-sensei/kuboid/internal/http/middleware"
	"github.com/syntax-sensei/kuboid/internal/platform/envutil"
	"github.com/syntax-sensei/kuboid/internal/platform/gcs"
	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/platform/openai"
	"github.com/syntax-sensei/kuboid/internal/platform/qdrant"
	"github.com/syntax-sensei/kuboid/internal/repos"
	"github.com/syntax-sensei/kuboid/internal/server"
	"github.com/syntax-sensei/kuboid/internal/services"
)

func main() {
	_ = godotenv.Load()

	// Logger
	logMode := envutil.Str("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	widgetRepo := repos.NewWidgetRepo(thePG, log)
	processingRecordRepo := repos.NewProcessingRecordRepo(thePG, log)
	chatTurnRepo := repos.NewChatTurnRepo(thePG, log)
	chatFeedbackRepo := repos.NewChatFeedbackRepo(thePG, log)
	urlActivityRepo := repos.NewURLActivityRepo(thePG, log)
	analyticsRepo := repos.NewAnalyticsRepo(thePG, log)
	knowledgeGapRepo := repos.NewKnowledgeGapRepo(thePG, log)

	// Platform clients
	log.Info("Setting up platform clients from main...")
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAI client", "error", err)
		os.Exit(1)
	}

	qdrantCfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		log.Error("Could not resolve Qdrant config", "error", err)
		os.Exit(1)
	}
	vectorStore, err := qdrant.NewStore(log, qdrantCfg)
	if err != nil {
		log.Error("Could not init Qdrant store", "error", err)
		os.Exit(1)
	}
	if err := vectorStore.EnsureCollection(ctx); err != nil {
		log.Warn("Vector collection bootstrap failed, first write will retry", "error", err)
	}

	bucketService, err := gcs.NewBucketService(ctx, log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	urlExtractor := services.NewURLExtractor(log)
	ingestionService := services.NewIngestionService(
		log,
		bucketService,
		urlExtractor,
		openaiClient,
		vectorStore,
		processingRecordRepo,
		urlActivityRepo,
	)
	widgetAuthService, err := services.NewWidgetAuthService(log, widgetRepo)
	if err != nil {
		log.Error("Could not init WidgetAuthService", "error", err)
		os.Exit(1)
	}
	answerService := services.NewAnswerService(log, openaiClient, vectorStore, chatTurnRepo)
	clusterer := services.NewClusterer(log, openaiClient)
	analyticsService := services.NewAnalyticsService(
		log,
		openaiClient,
		clusterer,
		chatTurnRepo,
		chatFeedbackRepo,
		analyticsRepo,
		knowledgeGapRepo,
	)

	// Handlers + middleware
	log.Info("Setting up Handlers from main...")
	healthHandler := handlers.NewHealthHandler()
	ingestHandler := handlers.NewIngestHandler(log, ingestionService, urlActivityRepo)
	widgetHandler := handlers.NewWidgetHandler(log, widgetAuthService, answerService)
	analyticsHandler := handlers.NewAnalyticsHandler(log, analyticsService)
	widgetAuthMiddleware := middleware.NewWidgetAuthMiddleware(log, widgetAuthService)

	srv := server.NewServer(server.RouterConfig{
		Log:                  log,
		HealthHandler:        healthHandler,
		IngestHandler:        ingestHandler,
		WidgetHandler:        widgetHandler,
		AnalyticsHandler:     analyticsHandler,
		WidgetAuthMiddleware: widgetAuthMiddleware,
	})

	port := envutil.Str("PORT", "8080")
	log.Info("Starting server", "port", port)
	if err := srv.Run(":" + port); err != nil {
		log.Fatal("Server exited", "error", err)
	}
}
