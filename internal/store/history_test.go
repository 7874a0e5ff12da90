package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/logger"
)

// backendsUnderTest opens every backend that can run without external services.
func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	jb, err := NewJSONBackend(filepath.Join(dir, "history.json"), logger.Discard())
	if err != nil {
		t.Fatalf("json backend: %v", err)
	}

	sb, err := NewSQLiteStore(filepath.Join(dir, "db", "history.db"))
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	t.Cleanup(func() { sb.Close() })

	backends := map[string]Backend{"json": jb, "sqlite": sb}

	if dsn := os.Getenv("GOFETCH_TEST_PG_DSN"); dsn != "" {
		pb, err := NewPostgresStore(context.Background(), dsn)
		if err != nil {
			t.Fatalf("postgres backend: %v", err)
		}
		if _, err := pb.Clear(context.Background()); err != nil {
			t.Fatalf("postgres clear: %v", err)
		}
		t.Cleanup(func() { pb.Close() })
		backends["postgres"] = pb
	}

	return backends
}

func newRecord(id string, kind domain.MediaKind, path string) *domain.DownloadRecord {
	return &domain.DownloadRecord{
		ID:             id,
		Timestamp:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		UserID:         7,
		Username:       "ana",
		URL:            "https://youtu.be/abc",
		Kind:           kind,
		FileSizeMB:     4.2,
		FilePath:       path,
		DownloadStatus: domain.DownloadSuccess,
		UploadStatus:   domain.UploadPending,
	}
}

func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHistoryRetryLifecycle(t *testing.T) {
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			h := NewHistory(backend, filepath.Join(dir, "audit.txt"), logger.Discard())

			file := touch(t, filepath.Join(dir, "clip.mp4"))
			rec := newRecord("dl_001", domain.KindVideo, file)

			if !h.Record(ctx, rec) {
				t.Fatal("Record returned false")
			}

			if got := h.ListRetryable(ctx, 5); len(got) != 0 {
				t.Fatalf("pending record listed as retryable: %d", len(got))
			}

			// Five failures exhaust the budget
			for i := 1; i <= 5; i++ {
				if !h.UpdateUploadStatus(ctx, "dl_001", domain.UploadFailed) {
					t.Fatalf("failed update %d rejected", i)
				}
				got := h.ListRetryable(ctx, 5)
				if i < 5 && (len(got) != 1 || got[0].RetryCount != i) {
					t.Fatalf("after %d failures: %+v", i, got)
				}
				if i == 5 && len(got) != 0 {
					t.Fatalf("record still retryable at the ceiling")
				}
			}

			if !h.UpdateUploadStatus(ctx, "dl_001", domain.UploadSuccess) {
				t.Fatal("FAILED -> SUCCESS rejected")
			}
			if h.UpdateUploadStatus(ctx, "dl_001", domain.UploadFailed) {
				t.Fatal("SUCCESS -> FAILED accepted")
			}

			recent := h.Recent(ctx, 10)
			if len(recent) != 1 {
				t.Fatalf("recent = %d records", len(recent))
			}
			r := recent[0]
			if r.UploadStatus != domain.UploadSuccess || r.RetryCount != 5 || r.LastRetry == nil {
				t.Fatalf("final record = %+v", r)
			}

			if n := h.Clear(ctx); n != 1 {
				t.Fatalf("Clear = %d, want 1", n)
			}
			if len(h.Recent(ctx, 0)) != 0 {
				t.Fatal("history not empty after Clear")
			}
		})
	}
}

func TestListRetryableFiltersMissingFiles(t *testing.T) {
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			h := NewHistory(backend, "", logger.Discard())

			present := touch(t, filepath.Join(dir, "a.mp3"))
			h.Record(ctx, newRecord("dl_a", domain.KindAudio, present))
			h.Record(ctx, newRecord("dl_b", domain.KindVideo, filepath.Join(dir, "gone.mp4")))

			failed := newRecord("dl_c", domain.KindAudio, present)
			failed.DownloadStatus = domain.DownloadFailed
			failed.UploadStatus = domain.UploadNA
			h.Record(ctx, failed)

			for _, id := range []string{"dl_a", "dl_b"} {
				h.UpdateUploadStatus(ctx, id, domain.UploadFailed)
			}
			if h.UpdateUploadStatus(ctx, "dl_c", domain.UploadFailed) {
				t.Fatal("N/A record accepted an upload update")
			}

			got := h.ListRetryable(ctx, 5)
			if len(got) != 1 || got[0].ID != "dl_a" {
				t.Fatalf("retryable = %+v", got)
			}

			stats := h.RetryStats(ctx, 5)
			if stats.TotalFailed != 1 || stats.ByType[domain.KindAudio] != 1 || stats.ByType[domain.KindVideo] != 0 {
				t.Fatalf("stats = %+v", stats)
			}
			if stats.ByRetryCount[1] != 1 {
				t.Fatalf("by retry count = %v", stats.ByRetryCount)
			}
		})
	}
}

func TestUpdateUnknownRecord(t *testing.T) {
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			h := NewHistory(backend, "", logger.Discard())
			if h.UpdateUploadStatus(context.Background(), "dl_missing", domain.UploadSuccess) {
				t.Fatal("update of unknown record succeeded")
			}
		})
	}
}

func TestRecentOrder(t *testing.T) {
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := NewHistory(backend, "", logger.Discard())

			base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
			for i, id := range []string{"dl_1", "dl_2", "dl_3"} {
				r := newRecord(id, domain.KindAudio, "")
				r.Timestamp = base.Add(time.Duration(i) * time.Minute)
				h.Record(ctx, r)
			}

			got := h.Recent(ctx, 2)
			if len(got) != 2 || got[0].ID != "dl_3" || got[1].ID != "dl_2" {
				t.Fatalf("recent = %v", ids(got))
			}
		})
	}
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "download_history.txt")

	jb, err := NewJSONBackend(filepath.Join(dir, "history.json"), logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	h := NewHistory(jb, auditPath, logger.Discard())

	h.Record(ctx, newRecord("dl_x", domain.KindAudio, ""))
	h.UpdateUploadStatus(ctx, "dl_x", domain.UploadSuccess)

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("audit has %d lines:\n%s", len(lines), data)
	}
	if lines[0]+"\n" != auditHeader {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "| 7 | ana | https://youtu.be/abc | MP3 | 4.20 | SUCCESS | PENDING") {
		t.Errorf("record line = %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "| SUCCESS | SUCCESS") {
		t.Errorf("update line = %q", lines[2])
	}

	// A second History over the same file keeps the existing content
	NewHistory(jb, auditPath, logger.Discard())
	again, _ := os.ReadFile(auditPath)
	if string(again) != string(data) {
		t.Error("audit log rewritten on reopen")
	}
}

func ids(records []*domain.DownloadRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
