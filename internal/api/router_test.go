package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/datallboy/gofetch/internal/app"
	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/retry"
	"github.com/datallboy/gofetch/internal/store"
)

type stubHistory struct {
	records  []*domain.DownloadRecord
	gotLimit int
}

func (h *stubHistory) Recent(_ context.Context, limit int) []*domain.DownloadRecord {
	h.gotLimit = limit
	if len(h.records) > limit {
		return h.records[:limit]
	}
	return h.records
}
func (h *stubHistory) Clear(context.Context) int { return 0 }
func (h *stubHistory) RetryStats(_ context.Context, max int) store.RetryStats {
	return store.RetryStats{TotalFailed: max, ByType: map[domain.MediaKind]int{domain.KindVideo: max}}
}

type stubNetwork struct {
	status domain.NetworkStatus
	lines  []string
}

func (n stubNetwork) State() domain.NetworkState {
	return domain.NetworkState{Status: n.status, LastLatency: 1200 * time.Millisecond, LastProbe: time.Now()}
}
func (n stubNetwork) Status() domain.NetworkStatus { return n.status }
func (n stubNetwork) Tail(k int) []string {
	if len(n.lines) > k {
		return n.lines[len(n.lines)-k:]
	}
	return n.lines
}

type stubRetry struct{ calls int }

func (r *stubRetry) RetryPass(context.Context) retry.Stats {
	r.calls++
	return retry.Stats{Attempted: 2, Successful: 1, Failed: 1}
}

func newTestApp() (*app.Context, *stubHistory, *stubRetry) {
	cfg := config.Default()
	cfg.Retry.MaxRetries = 4

	h := &stubHistory{records: []*domain.DownloadRecord{
		{ID: "dl_b", Kind: domain.KindVideo, UploadStatus: domain.UploadFailed},
		{ID: "dl_a", Kind: domain.KindAudio, UploadStatus: domain.UploadSuccess},
	}}
	r := &stubRetry{}

	a := app.NewContext(cfg, logger.Discard())
	a.History = h
	a.Network = stubNetwork{status: domain.NetworkGood, lines: []string{"l1", "l2", "l3"}}
	a.Retry = r
	return a, h, r
}

func do(t *testing.T, a *app.Context, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := NewServer(a)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	a, _, _ := newTestApp()
	rec := do(t, a, http.MethodGet, "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestNetworkTail(t *testing.T) {
	a, _, _ := newTestApp()
	rec := do(t, a, http.MethodGet, "/api/network?limit=2")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status  string   `json:"status"`
		Latency float64  `json:"latency_seconds"`
		Log     []string `json:"log"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "good" || body.Latency != 1.2 {
		t.Errorf("body = %+v", body)
	}
	if len(body.Log) != 2 || body.Log[1] != "l3" {
		t.Errorf("log = %v", body.Log)
	}
}

func TestHistoryLimit(t *testing.T) {
	a, h, _ := newTestApp()

	rec := do(t, a, http.MethodGet, "/api/history?limit=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if h.gotLimit != 1 {
		t.Errorf("limit passed = %d", h.gotLimit)
	}

	var body struct {
		Total   int                      `json:"total"`
		Records []*domain.DownloadRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 || body.Records[0].ID != "dl_b" {
		t.Errorf("body = %+v", body)
	}

	do(t, a, http.MethodGet, "/api/history")
	if h.gotLimit != 50 {
		t.Errorf("default limit = %d", h.gotLimit)
	}
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	a, _, _ := newTestApp()

	for _, q := range []string{"limit=abc", "limit=0", "limit=-3"} {
		rec := do(t, a, http.MethodGet, "/api/history?"+q)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, rec.Code)
		}
	}
}

func TestRetryEndpoints(t *testing.T) {
	a, _, r := newTestApp()

	rec := do(t, a, http.MethodGet, "/api/retry/stats")
	var stats store.RetryStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalFailed != 4 {
		t.Errorf("max retries not forwarded: %+v", stats)
	}

	rec = do(t, a, http.MethodPost, "/api/retry")
	if rec.Code != http.StatusOK || r.calls != 1 {
		t.Fatalf("status = %d, calls = %d", rec.Code, r.calls)
	}
	var body struct {
		Network string      `json:"network"`
		Stats   retry.Stats `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Network != "good" || body.Stats.Attempted != 2 || body.Stats.Failed != 1 {
		t.Errorf("body = %+v", body)
	}
}
