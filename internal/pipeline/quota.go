package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const dateLayout = "2006-01-02"

// Quota tracks megabytes fetched per user per local calendar day.
type Quota interface {
	// Check reports whether mb more fits today and how much is left.
	Check(ctx context.Context, userID int64, mb float64) (ok bool, remaining float64, err error)
	Add(ctx context.Context, userID int64, mb float64) error
	Used(ctx context.Context, userID int64) (float64, error)
}

type usage struct {
	date string
	used float64
}

// MemoryQuota keeps usage in process memory; a restart forgets it.
type MemoryQuota struct {
	limit float64
	now   func() time.Time

	mu    sync.Mutex
	usage map[int64]*usage
}

func NewMemoryQuota(limitMB float64) *MemoryQuota {
	return &MemoryQuota{limit: limitMB, now: time.Now, usage: make(map[int64]*usage)}
}

// today returns the user's counter, reset when the date rolled over. Caller holds mu.
func (q *MemoryQuota) today(userID int64) *usage {
	date := q.now().Format(dateLayout)
	u, ok := q.usage[userID]
	if !ok || u.date != date {
		u = &usage{date: date}
		q.usage[userID] = u
	}
	return u
}

func (q *MemoryQuota) Check(_ context.Context, userID int64, mb float64) (bool, float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.limit - q.today(userID).used
	return mb <= remaining, remaining, nil
}

func (q *MemoryQuota) Add(_ context.Context, userID int64, mb float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.today(userID).used += mb
	return nil
}

func (q *MemoryQuota) Used(_ context.Context, userID int64) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.today(userID).used, nil
}

// RedisQuota keeps one float counter per user and day, so usage survives restarts
// and is shared between bot instances.
type RedisQuota struct {
	rdb   *redis.Client
	limit float64
	ttl   time.Duration
	now   func() time.Time
}

func NewRedisQuota(rdb *redis.Client, limitMB float64) *RedisQuota {
	return &RedisQuota{rdb: rdb, limit: limitMB, ttl: 48 * time.Hour, now: time.Now}
}

func (q *RedisQuota) key(userID int64) string {
	return fmt.Sprintf("gofetch:quota:%d:%s", userID, q.now().Format(dateLayout))
}

func (q *RedisQuota) Used(ctx context.Context, userID int64) (float64, error) {
	used, err := q.rdb.Get(ctx, q.key(userID)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota: %w", err)
	}
	return used, nil
}

func (q *RedisQuota) Check(ctx context.Context, userID int64, mb float64) (bool, float64, error) {
	used, err := q.Used(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	remaining := q.limit - used
	return mb <= remaining, remaining, nil
}

func (q *RedisQuota) Add(ctx context.Context, userID int64, mb float64) error {
	key := q.key(userID)

	pipe := q.rdb.TxPipeline()
	pipe.IncrByFloat(ctx, key, mb)
	pipe.Expire(ctx, key, q.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update quota: %w", err)
	}
	return nil
}
