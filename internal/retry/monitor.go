package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/logger"
)

// Prober refreshes the shared network state.
type Prober interface {
	UpdateState(ctx context.Context) domain.NetworkStatus
}

// NetLog is the network status log.
type NetLog interface {
	Append(status domain.NetworkStatus, latency time.Duration, msg string)
	Trim(keep int) int
}

// Monitor is the background loop: probe, retry when healthy, housekeeping hourly.
type Monitor struct {
	prober  Prober
	engine  *Engine
	netlog  NetLog
	netCfg  config.NetworkConfig
	retry   config.RetryConfig
	log     *logger.Logger
	hourly  []func(context.Context)
	now     func() time.Time
	hourDur time.Duration
}

func NewMonitor(prober Prober, engine *Engine, netlog NetLog, netCfg config.NetworkConfig, retryCfg config.RetryConfig, log *logger.Logger) *Monitor {
	return &Monitor{
		prober:  prober,
		engine:  engine,
		netlog:  netlog,
		netCfg:  netCfg,
		retry:   retryCfg,
		log:     log,
		now:     time.Now,
		hourDur: time.Hour,
	}
}

// OnHour registers a housekeeping task run once an hour from the loop.
func (m *Monitor) OnHour(fn func(context.Context)) {
	m.hourly = append(m.hourly, fn)
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("Starting network monitoring and retry system")

	interval := m.netCfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastRetry time.Time
	lastHousekeeping := m.now()

	for {
		status := m.prober.UpdateState(ctx)

		if status == domain.NetworkGood && m.now().Sub(lastRetry) >= m.retry.Interval {
			lastRetry = m.now()
			stats := m.engine.RetryPass(ctx)
			if stats.Attempted > 0 && m.netlog != nil {
				m.netlog.Append(domain.NetworkGood, 0,
					fmt.Sprintf("Retry stats: %d/%d successful", stats.Successful, stats.Attempted))
			}
		}

		if m.now().Sub(lastHousekeeping) >= m.hourDur {
			lastHousekeeping = m.now()
			m.housekeeping(ctx)
		}

		select {
		case <-ctx.Done():
			m.log.Info("Network monitoring stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) housekeeping(ctx context.Context) {
	if m.netlog != nil {
		keep := m.netCfg.LogKeepLines
		if keep <= 0 {
			keep = 1000
		}
		m.netlog.Trim(keep)
	}

	for _, fn := range m.hourly {
		fn(ctx)
	}
}
