package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/datallboy/gofetch/internal/app"
	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/retry"
	"github.com/datallboy/gofetch/internal/store"
	"github.com/datallboy/gofetch/internal/telegram"
)

type sent struct {
	chatID int64
	text   string
	rows   [][]telegram.Button
}

type fakeTelegram struct {
	mu       sync.Mutex
	sent     []sent
	edits    []string
	answered []string
}

func (f *fakeTelegram) SendMessage(_ context.Context, chatID int64, text string, rows ...[]telegram.Button) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chatID, text, rows})
	return len(f.sent), nil
}

func (f *fakeTelegram) EditMessage(_ context.Context, _ int64, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTelegram) AnswerCallback(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, id)
	return nil
}

func (f *fakeTelegram) to(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.chatID == chatID {
			out = append(out, s.text)
		}
	}
	return out
}

func (f *fakeTelegram) lastTo(chatID int64) string {
	msgs := f.to(chatID)
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type fakeJobs struct {
	submitted []*domain.Job
	err       error
}

func (j *fakeJobs) Submit(job *domain.Job) (*domain.Job, error) {
	if j.err != nil {
		return nil, j.err
	}
	job.ID = "job1"
	j.submitted = append(j.submitted, job)
	return job, nil
}
func (j *fakeJobs) ActiveFor(int64) (*domain.Job, bool) { return nil, false }
func (j *fakeJobs) ActiveJobs() []domain.Job           { return nil }
func (j *fakeJobs) Count() int                         { return len(j.submitted) }

type fakeProgress struct {
	active    map[int64]bool
	cancelled []int64
}

func (p *fakeProgress) IsActive(uid int64) bool { return p.active[uid] }
func (p *fakeProgress) Cancel(_ context.Context, uid int64) bool {
	if !p.active[uid] {
		return false
	}
	delete(p.active, uid)
	p.cancelled = append(p.cancelled, uid)
	return true
}
func (p *fakeProgress) ActiveUsers() []int64 {
	var out []int64
	for id := range p.active {
		out = append(out, id)
	}
	return out
}
func (p *fakeProgress) Active() int { return len(p.active) }

type fakeHistory struct{ cleared int }

func (h *fakeHistory) Recent(context.Context, int) []*domain.DownloadRecord { return nil }
func (h *fakeHistory) Clear(context.Context) int                            { return h.cleared }
func (h *fakeHistory) RetryStats(context.Context, int) store.RetryStats {
	return store.RetryStats{TotalFailed: 3, ByType: map[domain.MediaKind]int{domain.KindAudio: 1, domain.KindVideo: 2}}
}

type fakeNetwork struct{}

func (fakeNetwork) State() domain.NetworkState {
	return domain.NetworkState{Status: domain.NetworkGood, LastProbe: time.Now(), LastLatency: time.Second}
}
func (fakeNetwork) Status() domain.NetworkStatus { return domain.NetworkGood }
func (fakeNetwork) Tail(int) []string           { return nil }

type fakeRetry struct{}

func (fakeRetry) RetryPass(context.Context) retry.Stats { return retry.Stats{} }

type fakeCleaner struct{ calls int }

func (c *fakeCleaner) CleanupTemp(time.Duration) int { c.calls++; return 2 }

const (
	adminID   = 1
	allowedID = 2
	strangeID = 3
)

type harness struct {
	bot      *Bot
	tg       *fakeTelegram
	jobs     *fakeJobs
	progress *fakeProgress
	cleaner  *fakeCleaner
	access   *Access
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Download.OutDir = filepath.Join(dir, "downloads")

	access, err := NewAccess(filepath.Join(dir, "admin.txt"), filepath.Join(dir, "allowed.txt"))
	if err != nil {
		t.Fatal(err)
	}
	access.Admins.Add(adminID)
	access.Allowed.Add(allowedID)

	h := &harness{
		tg:       &fakeTelegram{},
		jobs:     &fakeJobs{},
		progress: &fakeProgress{active: map[int64]bool{}},
		cleaner:  &fakeCleaner{},
		access:   access,
		dir:      dir,
	}

	appCtx := app.NewContext(cfg, logger.Discard())
	appCtx.Telegram = h.tg
	appCtx.Jobs = h.jobs
	appCtx.Progress = h.progress
	appCtx.History = &fakeHistory{cleared: 4}
	appCtx.Network = fakeNetwork{}
	appCtx.Retry = fakeRetry{}
	appCtx.Splitter = h.cleaner

	h.bot = New(appCtx, nil, access)
	return h
}

func (h *harness) send(uid int64, text string) {
	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{
		UpdateID: 1,
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: uid, FirstName: "Tester", UserName: "tester"},
			Chat: &tgbotapi.Chat{ID: uid},
			Text: text,
		},
	})
}

func TestStartForwardsAccessRequestToAdmins(t *testing.T) {
	h := newHarness(t)

	h.send(strangeID, "/start")

	adminMsgs := h.tg.to(adminID)
	if len(adminMsgs) != 1 || !strings.Contains(adminMsgs[0], "New Access Request") {
		t.Fatalf("admin messages = %v", adminMsgs)
	}

	h.tg.mu.Lock()
	rows := h.tg.sent[0].rows
	h.tg.mu.Unlock()
	if len(rows) != 1 || rows[0][0].Data != "approve_3" || rows[0][1].Data != "reject_3" {
		t.Fatalf("buttons = %+v", rows)
	}

	if !strings.Contains(h.tg.lastTo(strangeID), "request has been sent") {
		t.Fatalf("user reply = %q", h.tg.lastTo(strangeID))
	}
}

func TestStartWithoutAdmins(t *testing.T) {
	h := newHarness(t)
	h.access.Admins.Remove(adminID)

	h.send(strangeID, "/start")

	if !strings.Contains(h.tg.lastTo(strangeID), "no admin is registered") {
		t.Fatalf("reply = %q", h.tg.lastTo(strangeID))
	}
}

func TestAccessRequestEscapesName(t *testing.T) {
	h := newHarness(t)

	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: strangeID, FirstName: "<b>x & y", UserName: "a<b"},
			Chat: &tgbotapi.Chat{ID: strangeID},
			Text: "/start",
		},
	})

	request := h.tg.lastTo(adminID)
	if !strings.Contains(request, "Name: &lt;b&gt;x &amp; y") || !strings.Contains(request, "@a&lt;b") {
		t.Fatalf("request = %q", request)
	}
	if reply := h.tg.lastTo(strangeID); !strings.Contains(reply, "Hi &lt;b&gt;x &amp; y!") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestUnknownCommandIsEscaped(t *testing.T) {
	h := newHarness(t)

	h.send(allowedID, "/<script>")

	if got := h.tg.lastTo(allowedID); !strings.Contains(got, "'/&lt;script&gt;'") {
		t.Fatalf("reply = %q", got)
	}
}

func TestApproveCallback(t *testing.T) {
	h := newHarness(t)

	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb1",
			From: &tgbotapi.User{ID: adminID},
			Data: "approve_3",
			Message: &tgbotapi.Message{
				MessageID: 77,
				Chat:      &tgbotapi.Chat{ID: adminID},
				Text:      "New Access Request",
			},
		},
	})

	if !h.access.Allowed.Contains(strangeID) {
		t.Fatal("user not approved")
	}
	if len(h.tg.answered) != 1 || h.tg.answered[0] != "cb1" {
		t.Errorf("callback not answered: %v", h.tg.answered)
	}
	if len(h.tg.edits) != 1 || !strings.HasPrefix(h.tg.edits[0], "✅ User ID 3 has been approved!") {
		t.Errorf("edits = %v", h.tg.edits)
	}
	if !strings.Contains(h.tg.lastTo(strangeID), "approved your access") {
		t.Errorf("user not notified: %q", h.tg.lastTo(strangeID))
	}
}

func TestCallbackFromNonAdminIgnored(t *testing.T) {
	h := newHarness(t)

	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb", From: &tgbotapi.User{ID: allowedID}, Data: "approve_3"},
	})

	if h.access.Allowed.Contains(strangeID) {
		t.Fatal("non-admin approved a user")
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		data   string
		action string
		id     int64
		ok     bool
	}{
		{"approve_42", "approve", 42, true},
		{"reject_7", "reject", 7, true},
		{"approve_abc", "", 0, false},
		{"delete_1", "", 0, false},
		{"approve", "", 0, false},
	}
	for _, tt := range tests {
		action, id, ok := parseDecision(tt.data)
		if action != tt.action || id != tt.id || ok != tt.ok {
			t.Errorf("parseDecision(%q) = (%q, %d, %v)", tt.data, action, id, ok)
		}
	}
}

func TestURLNeedsMode(t *testing.T) {
	h := newHarness(t)

	h.send(allowedID, "https://youtu.be/abc")

	if len(h.jobs.submitted) != 0 {
		t.Fatal("job submitted without a mode")
	}
	if !strings.Contains(h.tg.lastTo(allowedID), "Pick a download mode") {
		t.Fatalf("reply = %q", h.tg.lastTo(allowedID))
	}
}

func TestURLSubmitsJob(t *testing.T) {
	h := newHarness(t)

	h.send(allowedID, "/mp3")
	if _, err := os.Stat(filepath.Join(h.dir, "downloads", "2", "audio")); err != nil {
		t.Fatalf("user dirs not created: %v", err)
	}

	h.send(allowedID, "https://youtu.be/abc")

	if len(h.jobs.submitted) != 1 {
		t.Fatalf("submitted = %d", len(h.jobs.submitted))
	}
	job := h.jobs.submitted[0]
	if job.Kind != domain.KindAudio || job.Platform != "YouTube" || job.UserID != allowedID || job.FirstName != "Tester" {
		t.Fatalf("job = %+v", job)
	}
}

func TestURLRejections(t *testing.T) {
	tests := []struct {
		name string
		url  string
		err  error
		want string
	}{
		{"unsupported platform", "https://vimeo.com/1", nil, "Platform not supported"},
		{"busy user", "https://youtu.be/a", domain.ErrJobActive, "already have a download"},
		{"full queue", "https://youtu.be/a", domain.ErrQueueFull, "queue is full"},
		{"other error", "https://youtu.be/a", errors.New("boom"), "Could not start"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.jobs.err = tt.err
			h.send(allowedID, "/mp4")
			h.send(allowedID, tt.url)

			if !strings.Contains(h.tg.lastTo(allowedID), tt.want) {
				t.Fatalf("reply = %q, want %q", h.tg.lastTo(allowedID), tt.want)
			}
		})
	}
}

func TestNoAccessForPlainText(t *testing.T) {
	h := newHarness(t)

	h.send(strangeID, "https://youtu.be/abc")

	if h.tg.lastTo(strangeID) != msgNoAccess {
		t.Fatalf("reply = %q", h.tg.lastTo(strangeID))
	}
}

func TestCloseCancelsOnlyProgress(t *testing.T) {
	h := newHarness(t)

	h.send(allowedID, "/close")
	if h.tg.lastTo(allowedID) != "ℹ️ No active session." {
		t.Fatalf("idle close reply = %q", h.tg.lastTo(allowedID))
	}

	h.send(allowedID, "/mp4")
	h.progress.active[allowedID] = true
	h.send(allowedID, "/close")

	if len(h.progress.cancelled) != 1 || h.progress.cancelled[0] != allowedID {
		t.Fatalf("cancelled = %v", h.progress.cancelled)
	}
	if h.bot.Sessions().Mode(allowedID) != ModeIdle {
		t.Fatal("session not cleared")
	}
	if !strings.Contains(h.tg.lastTo(allowedID), "MP4 session closed") {
		t.Fatalf("reply = %q", h.tg.lastTo(allowedID))
	}
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	h := newHarness(t)

	h.send(allowedID, "/approve 9")

	if h.tg.lastTo(allowedID) != msgAdminOnly {
		t.Fatalf("reply = %q", h.tg.lastTo(allowedID))
	}
	if h.access.Allowed.Contains(9) {
		t.Fatal("non-admin approved a user")
	}
}

func TestApproveAndKick(t *testing.T) {
	h := newHarness(t)

	h.send(adminID, "/approve")
	if !strings.Contains(h.tg.lastTo(adminID), "Usage: /approve") {
		t.Fatalf("usage reply = %q", h.tg.lastTo(adminID))
	}

	h.send(adminID, "/approve nine")
	if h.tg.lastTo(adminID) != "❌ User ID must be a number!" {
		t.Fatalf("bad id reply = %q", h.tg.lastTo(adminID))
	}

	h.send(adminID, "/approve 9")
	if !h.access.Allowed.Contains(9) {
		t.Fatal("user 9 not approved")
	}
	h.send(adminID, "/approve 9")
	if !strings.Contains(h.tg.lastTo(adminID), "already approved") {
		t.Fatalf("duplicate reply = %q", h.tg.lastTo(adminID))
	}

	h.send(9, "/mp3")
	h.progress.active[9] = true
	h.send(adminID, "/kick 9")

	if h.access.Allowed.Contains(9) {
		t.Fatal("user 9 still allowed")
	}
	if h.bot.Sessions().Mode(9) != ModeIdle || len(h.progress.cancelled) != 1 {
		t.Fatal("kick did not clear session and progress")
	}
	if !strings.Contains(h.tg.lastTo(9), "Access Revoked") {
		t.Fatalf("kicked user reply = %q", h.tg.lastTo(9))
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)

	h.send(allowedID, "/dance")
	if h.tg.lastTo(allowedID) != "❓ Unknown command '/dance'. Type /help for help." {
		t.Fatalf("reply = %q", h.tg.lastTo(allowedID))
	}

	h.send(strangeID, "/dance")
	if len(h.tg.to(strangeID)) != 0 {
		t.Fatal("stranger got a reply to an unknown command")
	}
}

func TestStatsAndClearHistory(t *testing.T) {
	h := newHarness(t)

	h.send(adminID, "/stats")
	stats := h.tg.lastTo(adminID)
	for _, want := range []string{"Network Status:</b> GOOD", "Retry Queue:</b> 3 files", "MP4: 2"} {
		if !strings.Contains(stats, want) {
			t.Errorf("stats missing %q:\n%s", want, stats)
		}
	}

	h.send(adminID, "/clearhistory")
	if !strings.Contains(h.tg.lastTo(adminID), "4 entries removed") {
		t.Fatalf("clearhistory reply = %q", h.tg.lastTo(adminID))
	}
}

func TestCleanup(t *testing.T) {
	h := newHarness(t)
	h.progress.active[allowedID] = true

	videoDir := filepath.Join(h.dir, "downloads", "2", "video")
	audioDir := filepath.Join(h.dir, "downloads", "2", "audio")
	os.MkdirAll(videoDir, 0755)
	os.MkdirAll(audioDir, 0755)

	old := time.Now().Add(-3 * time.Hour)
	for _, p := range []string{filepath.Join(videoDir, "old.mp4"), filepath.Join(audioDir, "old.mp3")} {
		os.WriteFile(p, []byte("x"), 0644)
		os.Chtimes(p, old, old)
	}
	os.WriteFile(filepath.Join(videoDir, "fresh.mp4"), []byte("x"), 0644)

	h.send(adminID, "/cleanup")

	reply := h.tg.lastTo(adminID)
	if !strings.Contains(reply, "1 active downloads cancelled") || !strings.Contains(reply, "1 old video files cleaned") {
		t.Fatalf("reply = %q", reply)
	}
	if h.cleaner.calls != 1 {
		t.Errorf("split cleanup calls = %d", h.cleaner.calls)
	}
	if _, err := os.Stat(filepath.Join(audioDir, "old.mp3")); err != nil {
		t.Error("audio file removed")
	}
	if _, err := os.Stat(filepath.Join(videoDir, "fresh.mp4")); err != nil {
		t.Error("fresh video removed")
	}
}

type scriptedPoller struct {
	mu      sync.Mutex
	calls   int
	offsets []int
	cancel  context.CancelFunc
}

func (p *scriptedPoller) Updates(_ context.Context, offset int) ([]tgbotapi.Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.offsets = append(p.offsets, offset)

	switch p.calls {
	case 1:
		return nil, errors.New("connection reset")
	case 2:
		return []tgbotapi.Update{
			{UpdateID: 10, Message: &tgbotapi.Message{From: &tgbotapi.User{ID: allowedID}, Chat: &tgbotapi.Chat{ID: allowedID}, Text: "/help"}},
			{UpdateID: 11},
		}, nil
	default:
		p.cancel()
		return nil, context.Canceled
	}
}

func TestRunAdvancesOffsetAndSurvivesErrors(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := &scriptedPoller{cancel: cancel}
	h.bot.poller = poller
	h.bot.sleep = func(context.Context, time.Duration) error { return nil }

	if err := h.bot.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(poller.offsets) != 3 || poller.offsets[2] != 12 {
		t.Fatalf("offsets = %v", poller.offsets)
	}
	if !strings.Contains(h.tg.lastTo(allowedID), "User Help") {
		t.Fatalf("help not handled: %q", h.tg.lastTo(allowedID))
	}
}
