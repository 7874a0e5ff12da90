package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/fsutil"
	"github.com/datallboy/gofetch/internal/infra/logger"
)

const auditHeader = "# Download History - Format: timestamp | user_id | username | url | type | file_size_mb | download_status | upload_status\n"

// RetryStats summarises the retry queue by media type and attempt count.
type RetryStats struct {
	TotalFailed  int                      `json:"total_failed"`
	ByType       map[domain.MediaKind]int `json:"by_type"`
	ByRetryCount map[int]int              `json:"by_retry_count"`
}

// History is the store used by the rest of the application. Backend failures
// are logged and turned into no-op results; they never reach the caller.
type History struct {
	backend   Backend
	log       *logger.Logger
	auditPath string
	auditMu   sync.Mutex
	now       func() time.Time
}

func NewHistory(backend Backend, auditPath string, log *logger.Logger) *History {
	h := &History{
		backend:   backend,
		log:       log,
		auditPath: auditPath,
		now:       time.Now,
	}
	h.initAudit()
	return h
}

// Record appends a new attempt to the store and the audit log.
func (h *History) Record(ctx context.Context, rec *domain.DownloadRecord) bool {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = h.now()
	}

	h.audit(rec)

	if err := h.backend.Append(ctx, rec); err != nil {
		h.log.Error("Error writing history record %s: %v", rec.ID, err)
		return false
	}
	return true
}

// UpdateUploadStatus applies an upload outcome to the record with the given ID.
func (h *History) UpdateUploadStatus(ctx context.Context, id string, status domain.UploadStatus) bool {
	now := h.now()

	rec, err := h.backend.Update(ctx, id, func(r *domain.DownloadRecord) error {
		return r.ApplyUpload(status, now)
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRecordNotFound):
			h.log.Warn("Upload status %s for unknown record %s", status, id)
		case errors.Is(err, domain.ErrInvalidTransition):
			h.log.Warn("Rejected upload update for %s: %v", id, err)
		default:
			h.log.Error("Error updating upload status for %s: %v", id, err)
		}
		return false
	}

	h.audit(rec)
	return true
}

// ListRetryable returns records eligible for another upload attempt whose
// file is still on disk.
func (h *History) ListRetryable(ctx context.Context, maxRetries int) []*domain.DownloadRecord {
	candidates, err := h.backend.RetryCandidates(ctx, maxRetries)
	if err != nil {
		h.log.Error("Error reading retry candidates: %v", err)
		return nil
	}

	out := make([]*domain.DownloadRecord, 0, len(candidates))
	for _, r := range candidates {
		// Backends already filter, this keeps the contract independent of them
		if !r.Retryable(maxRetries) {
			continue
		}
		if !fsutil.Exists(r.FilePath) {
			h.log.Debug("Skipping %s: file %s is gone", r.ID, r.FilePath)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Clear empties the store and returns how many records were removed.
// The audit log is kept.
func (h *History) Clear(ctx context.Context) int {
	n, err := h.backend.Clear(ctx)
	if err != nil {
		h.log.Error("Error clearing history: %v", err)
		return 0
	}
	h.log.Info("History cleared: %d records removed", n)
	return n
}

// Recent returns up to limit records, newest first.
func (h *History) Recent(ctx context.Context, limit int) []*domain.DownloadRecord {
	records, err := h.backend.Recent(ctx, limit)
	if err != nil {
		h.log.Error("Error reading history: %v", err)
		return nil
	}
	return records
}

// RetryStats counts the current retry queue.
func (h *History) RetryStats(ctx context.Context, maxRetries int) RetryStats {
	stats := RetryStats{
		ByType:       map[domain.MediaKind]int{domain.KindAudio: 0, domain.KindVideo: 0},
		ByRetryCount: map[int]int{},
	}

	for _, r := range h.ListRetryable(ctx, maxRetries) {
		stats.TotalFailed++
		stats.ByType[r.Kind]++
		stats.ByRetryCount[r.RetryCount]++
	}
	return stats
}

func (h *History) Close() error {
	return h.backend.Close()
}

func (h *History) initAudit() {
	if h.auditPath == "" {
		return
	}
	if _, err := os.Stat(h.auditPath); err == nil {
		return
	}

	if dir := filepath.Dir(h.auditPath); dir != "." {
		_ = os.MkdirAll(dir, 0755)
	}
	if err := os.WriteFile(h.auditPath, []byte(auditHeader), 0644); err != nil {
		h.log.Error("Error creating %s: %v", h.auditPath, err)
		return
	}
	h.log.Info("Created audit log %s", h.auditPath)
}

// audit appends one human-readable line. It is never parsed back.
func (h *History) audit(rec *domain.DownloadRecord) {
	if h.auditPath == "" {
		return
	}

	line := fmt.Sprintf("%s | %d | %s | %s | %s | %.2f | %s | %s\n",
		h.now().Format("2006-01-02T15:04:05"), rec.UserID, rec.Username, rec.URL,
		rec.Kind, rec.FileSizeMB, rec.DownloadStatus, rec.UploadStatus)

	h.auditMu.Lock()
	defer h.auditMu.Unlock()

	f, err := os.OpenFile(h.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		h.log.Error("Error writing audit log: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		h.log.Error("Error writing audit log: %v", err)
	}
}
