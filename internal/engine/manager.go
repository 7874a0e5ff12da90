package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/logger"
)

// Runner executes one job end to end. stage reports status changes while it runs.
type Runner interface {
	Run(ctx context.Context, job *domain.Job, stage func(domain.JobStatus)) error
}

// JobManager feeds a bounded queue of download jobs to a fixed pool of
// workers. A user holds at most one queued or running job.
type JobManager struct {
	mu      sync.RWMutex
	runner  Runner
	log     *logger.Logger
	workers int

	queue  chan *domain.Job
	active map[int64]*domain.Job
	now    func() time.Time
}

func NewJobManager(runner Runner, workers, queueSize int, log *logger.Logger) *JobManager {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	return &JobManager{
		runner:  runner,
		log:     log,
		workers: workers,
		queue:   make(chan *domain.Job, queueSize),
		active:  make(map[int64]*domain.Job),
		now:     time.Now,
	}
}

// Submit queues job and returns it with its ID and status filled in.
func (m *JobManager) Submit(job *domain.Job) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.active[job.UserID]; busy {
		return nil, domain.ErrJobActive
	}

	job.ID = ksuid.New().String()
	job.Status = domain.StatusPending
	job.CreatedAt = m.now()

	select {
	case m.queue <- job:
	default:
		return nil, domain.ErrQueueFull
	}

	m.active[job.UserID] = job
	m.log.Info("Queued %s job %s for user %d", job.Kind, job.ID, job.UserID)
	return job, nil
}

// Start runs the workers until ctx is cancelled. Jobs still in the queue are dropped.
func (m *JobManager) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for w := 1; w <= m.workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.worker(ctx, id)
		}(w)
	}

	wg.Wait()
	return nil
}

func (m *JobManager) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.queue:
			m.updateStatus(job, domain.StatusDownloading)
			m.log.Debug("[Worker %d] Picked job %s (%s)", id, job.ID, job.URL)

			err := m.runner.Run(ctx, job, func(s domain.JobStatus) { m.updateStatus(job, s) })
			m.finalizeJob(job, err)
		}
	}
}

func (m *JobManager) updateStatus(job *domain.Job, status domain.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Status = status
}

func (m *JobManager) finalizeJob(job *domain.Job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		job.Status = domain.StatusFailed
		if errors.Is(err, context.Canceled) {
			job.Error = "Cancelled"
		} else {
			job.Error = err.Error()
		}
		m.log.Warn("Job %s failed: %s", job.ID, job.Error)
	} else {
		job.Status = domain.StatusCompleted
	}

	delete(m.active, job.UserID)
}

// ActiveFor returns the user's queued or running job.
func (m *JobManager) ActiveFor(userID int64) (*domain.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.active[userID]
	return job, ok
}

// ActiveJobs returns a snapshot of every queued or running job.
func (m *JobManager) ActiveJobs() []domain.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]domain.Job, 0, len(m.active))
	for _, j := range m.active {
		jobs = append(jobs, *j)
	}
	return jobs
}

func (m *JobManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
