package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"legal-rag-backend/internal/ai"
	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/internal/store"
	"legal-rag-backend/internal/telemetry"
	"legal-rag-backend/middleware"
	"legal-rag-backend/models"
	"legal-rag-backend/routes"
	"legal-rag-backend/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer("legal-rag-backend")
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
		shutdownTracer = func() {}
	}
	defer shutdownTracer()

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer rdb.Close()

	db, err := config.NewPostgresDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to Postgres:", err)
	}

	ctx := context.Background()

	embedder, err := ai.NewEmbedder(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize embedder:", err)
	}
	defer embedder.Close()
	if err := models.ValidateEmbeddingDim(embedder.Dimension()); err != nil {
		log.Fatal("Embedding dimension mismatch:", err)
	}

	generator, err := ai.NewGenerationClient(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize generation client:", err)
	}
	defer generator.Close()

	kv := store.NewKVStore(rdb, cfg)
	docs := store.NewDocumentStore(db)
	vectors := store.NewVectorStore(db)

	anonymizer := services.NewAnonymizer(cfg, kv)
	retriever := services.NewRetriever(cfg, embedder, vectors, kv)
	ocrClient := services.NewOCRClient(cfg)

	pipeline := services.NewPipeline(services.PipelineDeps{
		Config:     cfg,
		Classifier: services.NewClassifier(),
		PDF:        services.NewPDFExtractor(cfg),
		Email:      services.NewEmailExtractor(),
		Archive:    services.NewArchiveExtractor(),
		OCR:        ocrClient,
		Merger:     services.NewMerger(cfg),
		Parser:     services.NewParser(cfg),
		Anonymizer: anonymizer,
		Retriever:  retriever,
		Generator:  generator,
		Verifier:   services.NewVerifier(cfg),
		FactCheck:  services.NewFactChecker(cfg),
		KV:         kv,
		Docs:       docs,
	})

	queueClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queueClient.Close()

	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-Requested-With", "X-User-ID", "X-Request-ID"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		health := gin.H{
			"status":        "healthy",
			"timestamp":     time.Now(),
			"embedding_dim": embedder.Dimension(),
		}
		if cfg.OCRServiceEnabled {
			probeCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			ocrHealthy, _ := ocrClient.IsHealthy(probeCtx)
			health["ocr_worker"] = ocrHealthy
		}
		c.JSON(http.StatusOK, health)
	})

	routes.SetupDocumentRoutes(router, cfg, pipeline, retriever, docs, vectors, kv, queueClient)
	routes.SetupQueryRoutes(router, pipeline, anonymizer)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	logger.Info("Server exited")
}
