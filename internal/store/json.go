package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/logger"
)

// JSONBackend keeps every record in a single JSON array file.
// Each mutation is a full read-modify-write; the last successful write wins.
type JSONBackend struct {
	mu   sync.Mutex
	path string
	log  *logger.Logger
}

func NewJSONBackend(path string, log *logger.Logger) (*JSONBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	b := &JSONBackend{path: path, log: log}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := b.write(nil); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", path, err)
		}
		log.Info("Created history file %s", path)
	}

	return b, nil
}

func (b *JSONBackend) Append(_ context.Context, rec *domain.DownloadRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := b.loadForWrite()
	if err != nil {
		return err
	}

	for _, r := range records {
		if r.ID == rec.ID {
			return fmt.Errorf("duplicate record id %s", rec.ID)
		}
	}

	return b.write(append(records, rec))
}

func (b *JSONBackend) Update(_ context.Context, id string, fn func(*domain.DownloadRecord) error) (*domain.DownloadRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := b.loadForWrite()
	if err != nil {
		return nil, err
	}

	for _, r := range records {
		if r.ID != id {
			continue
		}
		if err := fn(r); err != nil {
			return nil, err
		}
		if err := b.write(records); err != nil {
			return nil, err
		}
		return r, nil
	}

	return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
}

func (b *JSONBackend) RetryCandidates(_ context.Context, maxRetries int) ([]*domain.DownloadRecord, error) {
	b.mu.Lock()
	records, err := b.load()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []*domain.DownloadRecord
	for _, r := range records {
		if r.Retryable(maxRetries) {
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *JSONBackend) Recent(_ context.Context, limit int) ([]*domain.DownloadRecord, error) {
	b.mu.Lock()
	records, err := b.load()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// File order is append order, so walk it backwards
	out := make([]*domain.DownloadRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, records[i])
	}
	return out, nil
}

func (b *JSONBackend) Clear(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := b.loadForWrite()
	if err != nil {
		return 0, err
	}

	if err := b.write(nil); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (b *JSONBackend) Close() error { return nil }

// load reads the whole array. A missing file is an empty history.
func (b *JSONBackend) load() ([]*domain.DownloadRecord, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var records []*domain.DownloadRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", b.path, err)
	}
	return records, nil
}

// loadForWrite is load for mutating callers. A corrupt file is moved aside
// so the mutation proceeds on an empty history instead of failing forever.
func (b *JSONBackend) loadForWrite() ([]*domain.DownloadRecord, error) {
	records, err := b.load()
	if err == nil {
		return records, nil
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", b.path, time.Now().Unix())
	if renameErr := os.Rename(b.path, aside); renameErr != nil {
		return nil, fmt.Errorf("%w (and could not move it aside: %v)", err, renameErr)
	}

	b.log.Error("History file was corrupt, moved to %s: %v", aside, err)
	return nil, nil
}

// write replaces the file atomically via a temp file in the same directory.
func (b *JSONBackend) write(records []*domain.DownloadRecord) error {
	if records == nil {
		records = []*domain.DownloadRecord{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), "."+filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp history: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}
