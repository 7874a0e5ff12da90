package progress

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/telegram"
)

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []string
	edits   []string
	sendErr error
	editErr error
	nextID  int
}

func (m *fakeMessenger) SendMessage(ctx context.Context, chatID int64, text string, rows ...[]telegram.Button) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	m.nextID++
	m.sent = append(m.sent, text)
	return m.nextID, nil
}

func (m *fakeMessenger) EditMessage(ctx context.Context, chatID int64, msgID int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return m.editErr
	}
	m.edits = append(m.edits, text)
	return nil
}

func (m *fakeMessenger) editCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edits)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestReporter() (*Reporter, *fakeMessenger, *clock) {
	m := &fakeMessenger{}
	c := &clock{t: time.Date(2025, 2, 3, 14, 5, 6, 0, time.Local)}
	r := NewReporter(m, logger.Discard())
	r.now = c.now
	r.finishDelay = 0
	return r, m, c
}

func TestUpdateThrottle(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		pct     float64
		status  string
		force   bool
		want    bool
	}{
		{"nothing changed", 100 * time.Millisecond, 10, "Downloading", false, false},
		{"small step", 100 * time.Millisecond, 12.9, "Downloading", false, false},
		{"three percent", 100 * time.Millisecond, 13, "Downloading", false, true},
		{"backwards three percent", 100 * time.Millisecond, 7, "Downloading", false, true},
		{"interval elapsed", 1500 * time.Millisecond, 10, "Downloading", false, true},
		{"status changed", 100 * time.Millisecond, 10, "Converting", false, true},
		{"forced", 0, 10, "Downloading", true, true},
		{"complete", 100 * time.Millisecond, 100, "Downloading", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, m, c := newTestReporter()
			ctx := context.Background()

			r.Start(ctx, 1, 1, "📥 Downloading MP3")
			if !r.Update(ctx, 1, 10, "Downloading", "", "", true) {
				t.Fatal("baseline update failed")
			}
			base := m.editCount()

			c.advance(tt.elapsed)
			if !r.Update(ctx, 1, tt.pct, tt.status, "", "", tt.force) {
				t.Fatal("Update returned false")
			}

			sent := m.editCount() > base
			if sent != tt.want {
				t.Fatalf("transmitted = %v, want %v", sent, tt.want)
			}
		})
	}
}

func TestDriftAccumulates(t *testing.T) {
	r, m, c := newTestReporter()
	ctx := context.Background()
	r.Start(ctx, 1, 1, "t")

	// Steps of 1% are each below the threshold but add up against the
	// last transmitted value
	for _, pct := range []float64{1, 2} {
		c.advance(100 * time.Millisecond)
		r.Update(ctx, 1, pct, "Initializing...", "", "", false)
	}
	if m.editCount() != 0 {
		t.Fatalf("edits = %d before threshold", m.editCount())
	}

	c.advance(100 * time.Millisecond)
	r.Update(ctx, 1, 3, "Initializing...", "", "", false)
	if m.editCount() != 1 {
		t.Fatalf("edits = %d, want 1 once drift reached 3%%", m.editCount())
	}
}

func TestFailedEditKeepsBookkeeping(t *testing.T) {
	r, m, c := newTestReporter()
	ctx := context.Background()
	r.Start(ctx, 1, 1, "t")

	m.editErr = errors.New("message is not modified")
	if r.Update(ctx, 1, 50, "Downloading", "", "", false) {
		t.Fatal("failed edit reported success")
	}

	m.editErr = nil
	c.advance(100 * time.Millisecond)
	// Still 50 away from the last successful value, so it is sent
	r.Update(ctx, 1, 50, "Downloading", "", "", false)
	if m.editCount() != 1 {
		t.Fatalf("edits = %d", m.editCount())
	}
}

func TestUnknownUser(t *testing.T) {
	r, _, _ := newTestReporter()
	ctx := context.Background()

	if r.Update(ctx, 9, 50, "x", "", "", true) {
		t.Fatal("update for unknown user succeeded")
	}
	if r.Cancel(ctx, 9) || r.Finish(ctx, 9, true, "") {
		t.Fatal("finish for unknown user succeeded")
	}
}

func TestStartFailureCreatesNoSession(t *testing.T) {
	r, m, _ := newTestReporter()
	m.sendErr = errors.New("offline")

	if _, ok := r.Start(context.Background(), 1, 1, "t"); ok {
		t.Fatal("Start succeeded without a message")
	}
	if r.IsActive(1) || r.Active() != 0 {
		t.Fatal("session created after failed start")
	}
}

func TestStartReplacesSession(t *testing.T) {
	r, _, _ := newTestReporter()
	ctx := context.Background()

	first, _ := r.Start(ctx, 1, 1, "a")
	second, _ := r.Start(ctx, 1, 1, "b")
	if first == second {
		t.Fatal("message id reused")
	}
	if r.Active() != 1 {
		t.Fatalf("active = %d", r.Active())
	}
}

func TestFinishAndCancel(t *testing.T) {
	r, m, _ := newTestReporter()
	ctx := context.Background()

	r.Start(ctx, 1, 1, "Job")
	r.Update(ctx, 1, 42, "Downloading", "", "", true)
	if !r.Finish(ctx, 1, true, "") {
		t.Fatal("Finish failed")
	}
	last := m.edits[len(m.edits)-1]
	if !strings.Contains(last, "<b>Complete!</b>") || !strings.Contains(last, "100.0%") || !strings.HasPrefix(last, "<b>✅ Job</b>") {
		t.Fatalf("final message = %q", last)
	}
	if r.IsActive(1) {
		t.Fatal("session kept after Finish")
	}

	r.Start(ctx, 1, 2, "Job")
	r.Update(ctx, 2, 42, "Downloading", "", "", true)
	if !r.Cancel(ctx, 2) {
		t.Fatal("Cancel failed")
	}
	last = m.edits[len(m.edits)-1]
	if !strings.Contains(last, "<b>Cancelled</b>") || !strings.Contains(last, "42.0%") {
		t.Fatalf("cancel message = %q", last)
	}
	if r.Cancel(ctx, 2) {
		t.Fatal("second Cancel succeeded")
	}
}

func TestUpdateDuringCancelDelayIsDropped(t *testing.T) {
	r, m, _ := newTestReporter()
	r.finishDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx, 1, 1, "Job")
	r.Update(ctx, 1, 42, "Downloading", "", "", true)
	before := m.editCount()

	done := make(chan bool)
	go func() { done <- r.Cancel(ctx, 1) }()

	for deadline := time.Now().Add(time.Second); m.editCount() == before && time.Now().Before(deadline); {
		time.Sleep(5 * time.Millisecond)
	}
	if m.editCount() != before+1 {
		t.Fatalf("edits = %d, want the cancel edit", m.editCount())
	}

	// Cancel is now waiting out its delay with the session still registered
	if r.Update(ctx, 1, 60, "Converting to MP4", "", "", true) {
		t.Error("Update accepted on a finishing session")
	}
	if r.Finish(ctx, 1, true, "") {
		t.Error("second Finish accepted on a finishing session")
	}

	cancel()
	if !<-done {
		t.Fatal("Cancel failed")
	}

	if m.editCount() != before+1 {
		t.Fatalf("edits = %d, want no edit after the cancel", m.editCount())
	}
	if last := m.edits[len(m.edits)-1]; !strings.Contains(last, "<b>Cancelled</b>") {
		t.Fatalf("final message = %q", last)
	}
	if r.IsActive(1) {
		t.Fatal("session kept after Cancel")
	}
}

func TestNonFinitePercentDoesNotPanic(t *testing.T) {
	r, m, _ := newTestReporter()
	ctx := context.Background()
	r.Start(ctx, 1, 1, "Job")

	if !r.Update(ctx, 1, math.NaN(), "Downloading", "", "", true) {
		t.Fatal("Update failed")
	}
	if last := m.edits[len(m.edits)-1]; !strings.Contains(last, "] 0.0%") {
		t.Fatalf("NaN rendered as %q", last)
	}
	r.Update(ctx, 1, math.Inf(1), "Downloading", "", "", true)
	if last := m.edits[len(m.edits)-1]; !strings.Contains(last, "] 100.0%") {
		t.Fatalf("+Inf rendered as %q", last)
	}
}

func TestLegacyLinesThroughConsume(t *testing.T) {
	r, m, _ := newTestReporter()
	ctx := context.Background()
	r.Start(ctx, 1, 1, "Job")

	events := make(chan domain.ProgressEvent, 2)
	events <- ParseLegacy("Downloading|42.5|1.2MiB/s|00:30")
	events <- ParseLegacy("Downloading|NaN||")
	close(events)
	r.Consume(ctx, 1, events)

	if m.editCount() != 2 {
		t.Fatalf("edits = %d, want 2", m.editCount())
	}
	if !strings.Contains(m.edits[0], "42.5%") || !strings.Contains(m.edits[0], "1.2MiB/s") {
		t.Errorf("first edit = %q", m.edits[0])
	}
	if !strings.Contains(m.edits[1], "<b>Processing...</b>") || !strings.Contains(m.edits[1], "] 0.0%") {
		t.Errorf("fallback edit = %q", m.edits[1])
	}
}

func TestConsumeDrainsChannel(t *testing.T) {
	r, m, _ := newTestReporter()
	ctx := context.Background()
	r.Start(ctx, 1, 1, "t")

	events := make(chan domain.ProgressEvent)
	done := make(chan struct{})
	go func() {
		r.Consume(ctx, 1, events)
		close(done)
	}()

	events <- domain.ProgressEvent{Phase: domain.PhaseDownload, Status: "Downloading", Percent: 40}
	for deadline := time.Now().Add(time.Second); m.editCount() == 0 && time.Now().Before(deadline); {
		time.Sleep(5 * time.Millisecond)
	}
	r.Finish(ctx, 1, true, "")
	// No session any more, but the send must not block
	events <- domain.ProgressEvent{Phase: domain.PhaseConvert, Status: "Converting", Percent: 90}
	close(events)
	<-done

	if m.editCount() != 2 {
		t.Fatalf("edits = %d, want the update plus the final one", m.editCount())
	}
}
