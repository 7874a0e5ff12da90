// Package progress keeps one live, throttled progress message per user.
package progress

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/telegram"
)

const (
	minPercentStep = 3.0
	minInterval    = 1500 * time.Millisecond
	finishDelay    = 500 * time.Millisecond
)

// Messenger sends and edits chat messages.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, rows ...[]telegram.Button) (int, error)
	EditMessage(ctx context.Context, chatID int64, msgID int, text string) error
}

type session struct {
	mu sync.Mutex

	chatID     int64
	msgID      int
	title      string
	lastPct    float64
	lastStatus string
	lastUpdate time.Time
	speed      string
	eta        string

	// finished is set by Finish before its closing delay; later updates are dropped.
	finished bool
}

type Reporter struct {
	msgr Messenger
	log  *logger.Logger
	now  func() time.Time

	finishDelay time.Duration

	mu       sync.Mutex
	sessions map[int64]*session
}

func NewReporter(msgr Messenger, log *logger.Logger) *Reporter {
	return &Reporter{
		msgr:        msgr,
		log:         log,
		now:         time.Now,
		finishDelay: finishDelay,
		sessions:    make(map[int64]*session),
	}
}

// Start posts the initial message and registers it as the user's session,
// replacing any previous one. ok is false when the message could not be sent.
func (r *Reporter) Start(ctx context.Context, chatID, userID int64, title string) (msgID int, ok bool) {
	const initial = "Initializing..."

	text := Render(title, 0, initial, "", "", r.now())
	msgID, err := r.msgr.SendMessage(ctx, chatID, text)
	if err != nil {
		r.log.Error("Error starting progress for user %d: %v", userID, err)
		return 0, false
	}

	s := &session{
		chatID:     chatID,
		msgID:      msgID,
		title:      title,
		lastStatus: initial,
		lastUpdate: r.now(),
	}

	r.mu.Lock()
	r.sessions[userID] = s
	r.mu.Unlock()

	r.log.Info("Progress started for user %d", userID)
	return msgID, true
}

func (r *Reporter) get(userID int64) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

// Update edits the user's progress message when the change is worth showing.
// It returns false for an unknown or finishing session or a failed edit,
// true otherwise.
func (r *Reporter) Update(ctx context.Context, userID int64, pct float64, status, speed, eta string, force bool) bool {
	s := r.get(userID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return false
	}
	return r.update(ctx, userID, s, pct, status, speed, eta, force)
}

// update expects s.mu to be held.
func (r *Reporter) update(ctx context.Context, userID int64, s *session, pct float64, status, speed, eta string, force bool) bool {
	pct = clamp(pct)
	now := r.now()

	if !shouldSend(s, pct, status, now, force) {
		return true
	}

	text := Render(s.title, pct, status, speed, eta, now)
	if err := r.msgr.EditMessage(ctx, s.chatID, s.msgID, text); err != nil {
		r.log.Warn("Failed to update progress for user %d: %v", userID, err)
		return false
	}

	s.lastPct = pct
	s.lastStatus = status
	s.lastUpdate = now
	s.speed = speed
	s.eta = eta
	return true
}

func shouldSend(s *session, pct float64, status string, now time.Time, force bool) bool {
	return force ||
		math.Abs(pct-s.lastPct) >= minPercentStep ||
		now.Sub(s.lastUpdate) >= minInterval ||
		status != s.lastStatus ||
		pct >= 100
}

// Finish shows the final state, waits briefly and drops the session.
// Only the first Finish of a session takes effect.
func (r *Reporter) Finish(ctx context.Context, userID int64, success bool, message string) bool {
	s := r.get(userID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	pct := s.lastPct
	if success {
		pct = 100
		if message == "" {
			message = "Complete!"
		}
	} else if message == "" {
		message = "Failed!"
	}
	r.update(ctx, userID, s, pct, message, "", "", true)
	s.finished = true
	s.mu.Unlock()

	select {
	case <-time.After(r.finishDelay):
	case <-ctx.Done():
	}

	r.mu.Lock()
	if r.sessions[userID] == s {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	r.log.Info("Progress finished for user %d", userID)
	return true
}

// Cancel finishes the session as failed with "Cancelled".
func (r *Reporter) Cancel(ctx context.Context, userID int64) bool {
	if !r.IsActive(userID) {
		return false
	}
	return r.Finish(ctx, userID, false, "Cancelled")
}

func (r *Reporter) IsActive(userID int64) bool {
	return r.get(userID) != nil
}

// Active returns the number of live sessions.
func (r *Reporter) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActiveUsers lists the users with a live session.
func (r *Reporter) ActiveUsers() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Consume forwards events to Update until the channel is closed.
// The channel is always drained so producers never block on a gone session.
func (r *Reporter) Consume(ctx context.Context, userID int64, events <-chan domain.ProgressEvent) {
	for ev := range events {
		status := ev.Status
		if status == "" {
			status = "Processing..."
		}
		r.Update(ctx, userID, ev.Percent, status, ev.Speed, ev.ETA, ev.Force)
	}
}
