package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datallboy/gofetch/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS download_records (
    id              TEXT PRIMARY KEY,
    timestamp       TIMESTAMPTZ NOT NULL,
    user_id         BIGINT NOT NULL,
    username        TEXT NOT NULL DEFAULT '',
    url             TEXT NOT NULL DEFAULT '',
    type            TEXT NOT NULL,
    file_size_mb    DOUBLE PRECISION NOT NULL DEFAULT 0,
    file_path       TEXT NOT NULL DEFAULT '',
    download_status TEXT NOT NULL,
    upload_status   TEXT NOT NULL,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    last_retry      TIMESTAMPTZ,
    upload_updated  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_download_records_retry
    ON download_records (download_status, upload_status, retry_count);`

// PostgresStore is the history backend for deployments that already run Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Append(ctx context.Context, rec *domain.DownloadRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO download_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.Timestamp, rec.UserID, rec.Username, rec.URL, string(rec.Kind), rec.FileSizeMB, rec.FilePath,
		string(rec.DownloadStatus), string(rec.UploadStatus), rec.RetryCount, rec.LastRetry, rec.UploadUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, id string, fn func(*domain.DownloadRecord) error) (*domain.DownloadRecord, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM download_records WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanPgRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch record: %w", err)
	}

	if err := fn(rec); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE download_records
		SET upload_status = $1, retry_count = $2, last_retry = $3, upload_updated = $4,
		    file_path = $5, file_size_mb = $6
		WHERE id = $7`,
		string(rec.UploadStatus), rec.RetryCount, rec.LastRetry, rec.UploadUpdated,
		rec.FilePath, rec.FileSizeMB, rec.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update record %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) RetryCandidates(ctx context.Context, maxRetries int) ([]*domain.DownloadRecord, error) {
	return p.query(ctx, `
		SELECT `+recordColumns+`
		FROM download_records
		WHERE download_status = $1 AND upload_status = $2 AND retry_count < $3
		ORDER BY id ASC`,
		string(domain.DownloadSuccess), string(domain.UploadFailed), maxRetries)
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]*domain.DownloadRecord, error) {
	if limit <= 0 {
		return p.query(ctx, `SELECT `+recordColumns+` FROM download_records ORDER BY timestamp DESC, id DESC`)
	}
	return p.query(ctx, `SELECT `+recordColumns+` FROM download_records ORDER BY timestamp DESC, id DESC LIMIT $1`, limit)
}

func (p *PostgresStore) Clear(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM download_records`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]*domain.DownloadRecord, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []*domain.DownloadRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanPgRecord(row pgx.Row) (*domain.DownloadRecord, error) {
	var (
		rec                    domain.DownloadRecord
		kind, dlStatus, upStat string
	)

	err := row.Scan(
		&rec.ID, &rec.Timestamp, &rec.UserID, &rec.Username, &rec.URL, &kind, &rec.FileSizeMB, &rec.FilePath,
		&dlStatus, &upStat, &rec.RetryCount, &rec.LastRetry, &rec.UploadUpdated,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = domain.MediaKind(kind)
	rec.DownloadStatus = domain.DownloadStatus(dlStatus)
	rec.UploadStatus = domain.UploadStatus(upStat)
	return &rec, nil
}
