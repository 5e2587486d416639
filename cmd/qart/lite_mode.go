package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/catboxer/qart/pkg/config"
	"github.com/catboxer/qart/pkg/store"
)

// setupLiteMode opens the SQLite audit store used when no DATABASE_URL is
// configured.
func setupLiteMode(dataDir string, logger *slog.Logger) (*sql.DB, store.AuditStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "qart.db")
	logger.Info("lite mode: using sqlite", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	st, err := store.NewSQLiteAuditStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init sqlite audit store: %w", err)
	}
	return db, st, nil
}

// setupPostgres connects to DATABASE_URL and applies the audit schema.
func setupPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*sql.DB, store.AuditStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("DB ping failed: %w", err)
	}
	logger.Info("postgres: connected")

	ps := store.NewPostgresAuditStore(db)
	if err := ps.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init audit store: %w", err)
	}
	return db, ps, nil
}

// openAuditStore picks Postgres when DATABASE_URL is set and SQLite otherwise.
func openAuditStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, store.AuditStore, error) {
	if cfg.DatabaseURL == "" {
		return setupLiteMode(cfg.DataDir, logger)
	}
	return setupPostgres(ctx, cfg.DatabaseURL, logger)
}
