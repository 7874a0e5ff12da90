package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/datallboy/gofetch/internal/domain"
)

func (s *SQLiteStore) Append(ctx context.Context, rec *domain.DownloadRecord) error {
	var dbo recordDBO
	dbo.FromDomain(rec)

	query := `INSERT INTO download_records (` + recordColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, query, dbo.values()...); err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*domain.DownloadRecord) error) (*domain.DownloadRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var dbo recordDBO
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM download_records WHERE id = ? LIMIT 1`, id)
	if err := row.Scan(dbo.scanTargets()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch record: %w", err)
	}

	rec := dbo.ToDomain()
	if err := fn(rec); err != nil {
		return nil, err
	}
	dbo.FromDomain(rec)

	_, err = tx.ExecContext(ctx, `
		UPDATE download_records
		SET upload_status = ?, retry_count = ?, last_retry = ?, upload_updated = ?,
		    file_path = ?, file_size_mb = ?
		WHERE id = ?`,
		dbo.UploadStatus, dbo.RetryCount, dbo.LastRetry, dbo.UploadUpdated,
		dbo.FilePath, dbo.FileSizeMB, dbo.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update record %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) RetryCandidates(ctx context.Context, maxRetries int) ([]*domain.DownloadRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM download_records
		WHERE download_status = ? AND upload_status = ? AND retry_count < ?
		ORDER BY id ASC`

	return s.queryRecords(ctx, query, string(domain.DownloadSuccess), string(domain.UploadFailed), maxRetries)
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*domain.DownloadRecord, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	query := `SELECT ` + recordColumns + ` FROM download_records ORDER BY timestamp DESC, id DESC LIMIT ?`
	return s.queryRecords(ctx, query, limit)
}

func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM download_records`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]*domain.DownloadRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []*domain.DownloadRecord
	for rows.Next() {
		var dbo recordDBO
		if err := rows.Scan(dbo.scanTargets()...); err != nil {
			return nil, err
		}
		records = append(records, dbo.ToDomain())
	}

	return records, rows.Err()
}
