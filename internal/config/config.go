package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	GinMode     string
	CORSOrigins []string

	// Postgres
	PostgresDSN string

	// Redis
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Gemini (generation + embeddings)
	GeminiAPIKey    string
	GenerationModel string
	EmbeddingsModel string
	GeminiTier      string

	// OCR worker
	OCRServiceURL          string
	OCRServiceEnabled      bool
	OCRTimeout             time.Duration
	OCRConfidenceThreshold float64
	OCRHandwriting         bool
	RenderDPI              int

	// Local fact-check model (Ollama-compatible)
	VerifierURL     string
	VerifierModel   string
	VerifierEnabled bool
	VerifierTimeout time.Duration

	// PII anonymization
	PIIMappingTTL          time.Duration
	PIIConfidenceThreshold float64

	// Chunking / retrieval
	MaxChunkSize        int
	ChunkOverlap        int
	DefaultTopK         int
	SimilarityThreshold float64
	SentenceThreshold   float64

	// Quotas (per user, per month)
	QuotaTokensPerMonth    int64
	QuotaQueriesPerMonth   int64
	QuotaDocumentsPerMonth int64
	UsageRetentionMonths   int

	// Caching
	CacheQueryResultsTTL time.Duration

	// Generation / upload limits
	GenerationTimeout     time.Duration
	MaxFileSize           int64
	SyncProcessingLimit   int64
	GenerationConcurrency int
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),

		PostgresDSN: getEnv("POSTGRES_DSN", "host=localhost user=legal password=legal dbname=legal_rag port=5432 sslmode=disable"),

		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GenerationModel: getEnv("GENERATION_MODEL", "gemini-2.0-flash"),
		EmbeddingsModel: getEnv("EMBEDDINGS_MODEL", "text-embedding-004"),
		GeminiTier:      getEnv("GEMINI_TIER", "free"),

		OCRServiceURL:          getEnv("OCR_SERVICE_URL", "http://localhost:8001"),
		OCRServiceEnabled:      getEnvBool("OCR_SERVICE_ENABLED", true),
		OCRTimeout:             getEnvSeconds("OCR_TIMEOUT", 300), // covers GPU cold start
		OCRConfidenceThreshold: getEnvFloat64("OCR_CONFIDENCE_THRESHOLD", 0.75),
		OCRHandwriting:         getEnvBool("OCR_HANDWRITING", true),
		RenderDPI:              getEnvInt("RENDER_DPI", 150),

		VerifierURL:     getEnv("VERIFIER_URL", "http://localhost:11434"),
		VerifierModel:   getEnv("VERIFIER_MODEL", "llama3.1:8b"),
		VerifierEnabled: getEnvBool("VERIFIER_ENABLED", true),
		VerifierTimeout: getEnvSeconds("VERIFIER_TIMEOUT", 30),

		PIIMappingTTL:          getEnvSeconds("PII_MAPPING_TTL", 300),
		PIIConfidenceThreshold: getEnvFloat64("PII_CONFIDENCE_THRESHOLD", 0.7),

		MaxChunkSize:        getEnvInt("MAX_CHUNK_SIZE", 1000),
		ChunkOverlap:        getEnvInt("CHUNK_OVERLAP", 100),
		DefaultTopK:         getEnvInt("DEFAULT_TOP_K", 5),
		SimilarityThreshold: getEnvFloat64("SIMILARITY_THRESHOLD", 0.35),
		SentenceThreshold:   getEnvFloat64("SENTENCE_THRESHOLD", 0.4),

		QuotaTokensPerMonth:    getEnvInt64("QUOTA_TOKENS_PER_MONTH", 1000000),
		QuotaQueriesPerMonth:   getEnvInt64("QUOTA_QUERIES_PER_MONTH", 1000),
		QuotaDocumentsPerMonth: getEnvInt64("QUOTA_DOCUMENTS_PER_MONTH", 100),
		UsageRetentionMonths:   getEnvInt("USAGE_RETENTION_MONTHS", 12),

		CacheQueryResultsTTL: getEnvSeconds("CACHE_QUERY_RESULTS_TTL", 600),

		GenerationTimeout:     getEnvSeconds("GENERATION_TIMEOUT", 60),
		MaxFileSize:           getEnvInt64("MAX_FILE_SIZE", 104857600), // 100MB
		SyncProcessingLimit:   getEnvInt64("SYNC_PROCESSING_LIMIT", 20971520),
		GenerationConcurrency: getEnvInt("GENERATION_CONCURRENCY", 8),
	}

	// Validate required fields
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required - set it in .env file")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvSeconds reads an integer number of seconds into a Duration.
func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
