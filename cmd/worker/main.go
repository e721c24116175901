package main

import (
	"context"
	"log"
	"os"

	"github.com/hibiken/asynq"

	"legal-rag-backend/internal/ai"
	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/internal/queue"
	"legal-rag-backend/internal/store"
	"legal-rag-backend/models"
	"legal-rag-backend/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger.InitLogger(cfg)

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

	pipeline := services.NewPipeline(services.PipelineDeps{
		Config:     cfg,
		Classifier: services.NewClassifier(),
		PDF:        services.NewPDFExtractor(cfg),
		Email:      services.NewEmailExtractor(),
		Archive:    services.NewArchiveExtractor(),
		OCR:        services.NewOCRClient(cfg),
		Merger:     services.NewMerger(cfg),
		Parser:     services.NewParser(cfg),
		Anonymizer: services.NewAnonymizer(cfg, kv),
		Retriever:  services.NewRetriever(cfg, embedder, vectors, kv),
		Generator:  generator,
		Verifier:   services.NewVerifier(cfg),
		FactCheck:  services.NewFactChecker(cfg),
		KV:         kv,
		Docs:       docs,
	})

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		asynq.Config{
			Concurrency: 20,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			StrictPriority: true,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	processor := queue.NewTaskProcessor(pipeline, kv, os.ReadFile)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskIngestDocument, processor.HandleIngest)
	mux.HandleFunc(queue.TaskPurgeUsage, processor.HandlePurgeUsage)

	// Monthly retention purge of expired usage buckets.
	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		nil,
	)
	if _, err := scheduler.Register("0 3 1 * *", queue.NewPurgeUsageTask()); err != nil {
		log.Fatal("Failed to register purge schedule:", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatal("Failed to start scheduler:", err)
	}
	defer scheduler.Shutdown()

	logger.Info("Worker starting", "concurrency", 20)
	if err := srv.Run(mux); err != nil {
		log.Fatal("Worker failed:", err)
	}
}
