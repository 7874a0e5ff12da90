package app

import (
	"context"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/retry"
	"github.com/datallboy/gofetch/internal/store"
	"github.com/datallboy/gofetch/internal/telegram"
)

// Messenger is the part of the Bot API the front-end talks through.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, rows ...[]telegram.Button) (int, error)
	EditMessage(ctx context.Context, chatID int64, msgID int, text string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// History is the read/admin side of the download history.
type History interface {
	Recent(ctx context.Context, limit int) []*domain.DownloadRecord
	Clear(ctx context.Context) int
	RetryStats(ctx context.Context, maxRetries int) store.RetryStats
}

// Network exposes the prober's latest state and the network log.
type Network interface {
	State() domain.NetworkState
	Status() domain.NetworkStatus
	Tail(n int) []string
}

// Progress is the live progress reporter.
type Progress interface {
	IsActive(userID int64) bool
	Cancel(ctx context.Context, userID int64) bool
	ActiveUsers() []int64
	Active() int
}

// Jobs is the download job queue.
type Jobs interface {
	Submit(job *domain.Job) (*domain.Job, error)
	ActiveFor(userID int64) (*domain.Job, bool)
	ActiveJobs() []domain.Job
	Count() int
}

// Retrier runs one retry pass on demand.
type Retrier interface {
	RetryPass(ctx context.Context) retry.Stats
}

// TempCleaner removes stale split segments.
type TempCleaner interface {
	CleanupTemp(maxAge time.Duration) int
}

// Context holds the explicitly constructed services of one GoFetch process.
// main builds it once and hands it to the bot front-end and the HTTP API.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Telegram Messenger
	History  History
	Network  Network
	Progress Progress
	Jobs     Jobs
	Retry    Retrier
	Splitter TempCleaner

	StartedAt time.Time
}

// NewContext initializes the base environment. Services are attached by the caller.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config:    cfg,
		Logger:    log,
		StartedAt: time.Now(),
	}
}

func (c *Context) Uptime() time.Duration {
	return time.Since(c.StartedAt)
}
