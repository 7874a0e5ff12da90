package store

import (
	"database/sql"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
)

// recordDBO maps to the download_records table. Times are unix milliseconds.
type recordDBO struct {
	ID             string        `db:"id"`
	Timestamp      int64         `db:"timestamp"`
	UserID         int64         `db:"user_id"`
	Username       string        `db:"username"`
	URL            string        `db:"url"`
	Type           string        `db:"type"`
	FileSizeMB     float64       `db:"file_size_mb"`
	FilePath       string        `db:"file_path"`
	DownloadStatus string        `db:"download_status"`
	UploadStatus   string        `db:"upload_status"`
	RetryCount     int           `db:"retry_count"`
	LastRetry      sql.NullInt64 `db:"last_retry"`
	UploadUpdated  sql.NullInt64 `db:"upload_updated"`
}

const recordColumns = `id, timestamp, user_id, username, url, type, file_size_mb, file_path,
	download_status, upload_status, retry_count, last_retry, upload_updated`

// scanTargets returns the destinations in recordColumns order.
func (r *recordDBO) scanTargets() []any {
	return []any{
		&r.ID, &r.Timestamp, &r.UserID, &r.Username, &r.URL, &r.Type, &r.FileSizeMB, &r.FilePath,
		&r.DownloadStatus, &r.UploadStatus, &r.RetryCount, &r.LastRetry, &r.UploadUpdated,
	}
}

// values returns the column values in recordColumns order.
func (r *recordDBO) values() []any {
	return []any{
		r.ID, r.Timestamp, r.UserID, r.Username, r.URL, r.Type, r.FileSizeMB, r.FilePath,
		r.DownloadStatus, r.UploadStatus, r.RetryCount, r.LastRetry, r.UploadUpdated,
	}
}

// Mapper: DBO to Domain DownloadRecord
func (r *recordDBO) ToDomain() *domain.DownloadRecord {
	return &domain.DownloadRecord{
		ID:             r.ID,
		Timestamp:      time.UnixMilli(r.Timestamp),
		UserID:         r.UserID,
		Username:       r.Username,
		URL:            r.URL,
		Kind:           domain.MediaKind(r.Type),
		FileSizeMB:     r.FileSizeMB,
		FilePath:       r.FilePath,
		DownloadStatus: domain.DownloadStatus(r.DownloadStatus),
		UploadStatus:   domain.UploadStatus(r.UploadStatus),
		RetryCount:     r.RetryCount,
		LastRetry:      fromNullMillis(r.LastRetry),
		UploadUpdated:  fromNullMillis(r.UploadUpdated),
	}
}

// Mapper: Domain DownloadRecord to DBO
func (r *recordDBO) FromDomain(rec *domain.DownloadRecord) {
	r.ID = rec.ID
	r.Timestamp = rec.Timestamp.UnixMilli()
	r.UserID = rec.UserID
	r.Username = rec.Username
	r.URL = rec.URL
	r.Type = string(rec.Kind)
	r.FileSizeMB = rec.FileSizeMB
	r.FilePath = rec.FilePath
	r.DownloadStatus = string(rec.DownloadStatus)
	r.UploadStatus = string(rec.UploadStatus)
	r.RetryCount = rec.RetryCount
	r.LastRetry = toNullMillis(rec.LastRetry)
	r.UploadUpdated = toNullMillis(rec.UploadUpdated)
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}
