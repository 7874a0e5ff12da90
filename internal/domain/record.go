package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type DownloadStatus string

const (
	DownloadSuccess DownloadStatus = "SUCCESS"
	DownloadFailed  DownloadStatus = "FAILED"
	DownloadError   DownloadStatus = "ERROR"
)

type UploadStatus string

const (
	UploadPending UploadStatus = "PENDING"
	UploadSuccess UploadStatus = "SUCCESS"
	UploadFailed  UploadStatus = "FAILED"
	UploadNA      UploadStatus = "N/A"
)

// DownloadRecord is one fetch attempt and the delivery state of its output.
type DownloadRecord struct {
	ID             string         `json:"id" db:"id"`
	Timestamp      time.Time      `json:"timestamp" db:"timestamp"`
	UserID         int64          `json:"user_id" db:"user_id"`
	Username       string         `json:"username" db:"username"`
	URL            string         `json:"url" db:"url"`
	Kind           MediaKind      `json:"type" db:"type"`
	FileSizeMB     float64        `json:"file_size_mb" db:"file_size_mb"`
	FilePath       string         `json:"file_path" db:"file_path"`
	DownloadStatus DownloadStatus `json:"download_status" db:"download_status"`
	UploadStatus   UploadStatus   `json:"upload_status" db:"upload_status"`
	RetryCount     int            `json:"retry_count" db:"retry_count"`
	LastRetry      *time.Time     `json:"last_retry,omitempty" db:"last_retry"`
	UploadUpdated  *time.Time     `json:"upload_updated,omitempty" db:"upload_updated"`
}

// UnmarshalJSON migrates history written with the legacy "download_id" key
// and accepts the zone-less ISO timestamps found in older files.
func (r *DownloadRecord) UnmarshalJSON(data []byte) error {
	type plain DownloadRecord
	aux := struct {
		*plain
		LegacyID      string    `json:"download_id"`
		Timestamp     flexTime  `json:"timestamp"`
		LastRetry     *flexTime `json:"last_retry"`
		UploadUpdated *flexTime `json:"upload_updated"`
	}{plain: (*plain)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = aux.LegacyID
	}
	r.Timestamp = time.Time(aux.Timestamp)
	r.LastRetry = aux.LastRetry.ptr()
	r.UploadUpdated = aux.UploadUpdated.ptr()
	return nil
}

type flexTime time.Time

var legacyLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = flexTime{}
		return nil
	}

	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			*f = flexTime(t)
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

func (f *flexTime) ptr() *time.Time {
	if f == nil || time.Time(*f).IsZero() {
		return nil
	}
	t := time.Time(*f)
	return &t
}

// Retryable reports whether the record may be handed to the retry engine,
// ignoring the on-disk presence of its file.
func (r *DownloadRecord) Retryable(maxRetries int) bool {
	return r.DownloadStatus == DownloadSuccess &&
		r.UploadStatus == UploadFailed &&
		r.RetryCount < maxRetries
}

// ApplyUpload moves the record to the given upload status.
// Allowed edges: PENDING->SUCCESS, PENDING->FAILED, FAILED->SUCCESS, FAILED->FAILED.
// Every FAILED outcome bumps RetryCount; SUCCESS stamps LastRetry.
func (r *DownloadRecord) ApplyUpload(status UploadStatus, now time.Time) error {
	from := r.UploadStatus
	if from != UploadPending && from != UploadFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	switch status {
	case UploadSuccess:
		r.LastRetry = &now
	case UploadFailed:
		r.RetryCount++
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	r.UploadStatus = status
	r.UploadUpdated = &now
	return nil
}
