// Package retry re-delivers uploads that failed while the network was bad.
package retry

import (
	"context"
	"fmt"
	"html"
	"path/filepath"
	"sync"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/fsutil"
	"github.com/datallboy/gofetch/internal/infra/logger"
)

// Uploader sends a local file to a chat.
type Uploader interface {
	SendAudio(ctx context.Context, chatID int64, path, caption string) error
	SendVideo(ctx context.Context, chatID int64, path, caption string) error
}

// Store is the slice of the history store the engine needs.
type Store interface {
	ListRetryable(ctx context.Context, maxRetries int) []*domain.DownloadRecord
	UpdateUploadStatus(ctx context.Context, id string, status domain.UploadStatus) bool
}

// StatusSource reports the latest network classification.
type StatusSource interface {
	Status() domain.NetworkStatus
}

type Stats struct {
	Attempted  int `json:"attempted"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type Engine struct {
	store    Store
	uploader Uploader
	network  StatusSource
	cfg      config.RetryConfig
	log      *logger.Logger

	// One pass at a time, whether started by the monitor or the API
	mu sync.Mutex
}

func NewEngine(store Store, uploader Uploader, network StatusSource, cfg config.RetryConfig, log *logger.Logger) *Engine {
	return &Engine{
		store:    store,
		uploader: uploader,
		network:  network,
		cfg:      cfg,
		log:      log,
	}
}

// RetryPass re-sends every retryable record once, sequentially.
// It does nothing unless the network is GOOD.
func (e *Engine) RetryPass(ctx context.Context) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var stats Stats

	if status := e.network.Status(); status != domain.NetworkGood {
		e.log.Info("Network not good for retries: %s", status)
		return stats
	}

	pending := e.store.ListRetryable(ctx, e.cfg.MaxRetries)
	if len(pending) == 0 {
		e.log.Debug("No failed uploads to retry")
		return stats
	}

	e.log.Info("Starting retry of %d failed uploads", len(pending))

	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}

		stats.Attempted++
		if e.retryOne(ctx, rec) {
			stats.Successful++
			if err := sleepCtx(ctx, e.cfg.Delay); err != nil {
				break
			}
		} else {
			stats.Failed++
		}
	}

	if stats.Attempted > 0 {
		e.log.Info("Retry complete: %d/%d successful", stats.Successful, stats.Attempted)
	}
	return stats
}

// retryOne never panics; a failure in one record must not stop the batch.
func (e *Engine) retryOne(ctx context.Context, rec *domain.DownloadRecord) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Error during retry of %s: %v", rec.ID, r)
			ok = false
		}
	}()

	if rec.FilePath == "" || rec.UserID == 0 || !rec.Kind.Valid() {
		e.log.Warn("Missing required fields in upload entry: %s", rec.ID)
		return false
	}

	e.log.Info("Retrying upload: %s - %s", rec.ID, filepath.Base(rec.FilePath))

	caption := fmt.Sprintf("🔄 Retry upload - %s (%.1fMB)\n👤 Requested by: %s", rec.Kind, rec.FileSizeMB, html.EscapeString(rec.Username))

	var err error
	if rec.Kind == domain.KindAudio {
		err = e.uploader.SendAudio(ctx, rec.UserID, rec.FilePath, caption)
	} else {
		err = e.uploader.SendVideo(ctx, rec.UserID, rec.FilePath, caption)
	}

	if err != nil {
		e.log.Warn("Retry failed: %s: %v", rec.ID, err)
		e.store.UpdateUploadStatus(ctx, rec.ID, domain.UploadFailed)
		return false
	}

	e.store.UpdateUploadStatus(ctx, rec.ID, domain.UploadSuccess)
	e.log.Info("Retry successful: %s", rec.ID)

	// Audio stays on disk, video is too large to keep around
	if rec.Kind == domain.KindVideo && fsutil.RemoveBestEffort(e.log, rec.FilePath) {
		e.log.Info("Cleaned up video file: %s", rec.FilePath)
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
