package store

import (
	"context"
	"fmt"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/logger"
)

// Backend persists download records. Implementations return explicit errors;
// History turns them into log lines and no-op results.
type Backend interface {
	Append(ctx context.Context, rec *domain.DownloadRecord) error
	// Update loads the record, applies fn and persists the result atomically.
	// It returns domain.ErrRecordNotFound when no record has the ID.
	Update(ctx context.Context, id string, fn func(*domain.DownloadRecord) error) (*domain.DownloadRecord, error)
	// RetryCandidates returns SUCCESS downloads whose upload FAILED with
	// fewer than maxRetries attempts, ordered by ID.
	RetryCandidates(ctx context.Context, maxRetries int) ([]*domain.DownloadRecord, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*domain.DownloadRecord, error)
	Clear(ctx context.Context) (int, error)
	Close() error
}

// OpenBackend builds the backend named by cfg.Store.Backend.
func OpenBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (Backend, error) {
	switch cfg.Store.Backend {
	case "", "json":
		return NewJSONBackend(cfg.Store.JSONPath, log)
	case "sqlite":
		return NewSQLiteStore(cfg.Store.SQLitePath)
	case "postgres":
		return NewPostgresStore(ctx, cfg.Store.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
