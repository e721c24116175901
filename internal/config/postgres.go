package config

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"legal-rag-backend/models"
)

// NewPostgresDB opens the Postgres connection, enables the pgvector extension
// and runs schema migration for all persisted models.
func NewPostgresDB(cfg *Config) (*gorm.DB, error) {
	logLevel := gormlogger.Warn
	if cfg.GinMode == "debug" {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// pgvector must exist before AutoMigrate sees vector columns
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("failed to enable pgvector extension: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Document{},
		&models.Chunk{},
		&models.QueryLog{},
		&models.UserUsage{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %v", err)
	}

	// ivfflat index for cosine search; AutoMigrate cannot express this
	if err := db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)",
	).Error; err != nil {
		return nil, fmt.Errorf("failed to create embedding index: %v", err)
	}

	return db, nil
}
