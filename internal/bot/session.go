package bot

import (
	"strings"
	"sync"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
)

type Mode string

const (
	ModeIdle Mode = "idle"
	ModeMP3  Mode = "mp3"
	ModeMP4  Mode = "mp4"
)

// Kind maps a download mode onto the media kind it produces.
func (m Mode) Kind() (domain.MediaKind, bool) {
	switch m {
	case ModeMP3:
		return domain.KindAudio, true
	case ModeMP4:
		return domain.KindVideo, true
	default:
		return "", false
	}
}

func (m Mode) Upper() string { return strings.ToUpper(string(m)) }

type Session struct {
	Mode      Mode
	Username  string
	UpdatedAt time.Time
}

// Sessions routes plain-text links to the mode each user picked.
// It lives in memory only; a restart puts everybody back to idle.
type Sessions struct {
	mu    sync.RWMutex
	users map[int64]Session
	now   func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{users: make(map[int64]Session), now: time.Now}
}

func (s *Sessions) Set(userID int64, mode Mode, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if username == "" {
		username = s.users[userID].Username
	}
	s.users[userID] = Session{Mode: mode, Username: username, UpdatedAt: s.now()}
}

// Mode returns idle for unknown users.
func (s *Sessions) Mode(userID int64) Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.users[userID]
	if !ok || sess.Mode == "" {
		return ModeIdle
	}
	return sess.Mode
}

func (s *Sessions) Clear(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}

// Snapshot copies every tracked session.
func (s *Sessions) Snapshot() map[int64]Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]Session, len(s.users))
	for id, sess := range s.users {
		out[id] = sess
	}
	return out
}

// CountByMode returns how many sessions are in each mode.
func (s *Sessions) CountByMode() map[Mode]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Mode]int)
	for _, sess := range s.users {
		out[sess.Mode]++
	}
	return out
}

func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
