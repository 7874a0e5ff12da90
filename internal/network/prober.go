// Package network classifies connectivity to the Bot API and keeps the
// process-wide network state plus its log.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/telegram"
)

const (
	defaultProbeTimeout  = 20 * time.Second
	defaultGoodLatency   = 3 * time.Second
	defaultPoorThreshold = 15 * time.Second
)

// Pinger performs one cheap authenticated API call.
type Pinger interface {
	GetMe(ctx context.Context) error
}

type Prober struct {
	pinger Pinger
	cfg    config.NetworkConfig
	netlog *StatusLog
	log    *logger.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state domain.NetworkState
}

// NewProber fills zero timing fields of cfg with the usual 20s/3s/15s.
func NewProber(p Pinger, cfg config.NetworkConfig, netlog *StatusLog, log *logger.Logger) *Prober {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.GoodLatency <= 0 {
		cfg.GoodLatency = defaultGoodLatency
	}
	if cfg.PoorThreshold <= 0 {
		cfg.PoorThreshold = defaultPoorThreshold
	}
	return &Prober{
		pinger: p,
		cfg:    cfg,
		netlog: netlog,
		log:    log,
		now:    time.Now,
		state:  domain.NetworkState{Status: domain.NetworkOffline},
	}
}

// Probe classifies a single getMe round trip.
func (p *Prober) Probe(ctx context.Context) (domain.NetworkStatus, time.Duration) {
	status, latency, _ := p.probe(ctx)
	return status, latency
}

func (p *Prober) probe(ctx context.Context) (domain.NetworkStatus, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	start := p.now()
	err := p.pinger.GetMe(ctx)
	latency := p.now().Sub(start)

	switch {
	case err == nil:
		if latency < p.cfg.GoodLatency {
			return domain.NetworkGood, latency, nil
		}
		// Anything at or past the poor threshold is still reachable, so POOR;
		// UpdateState flags it as degraded.
		return domain.NetworkPoor, latency, nil
	case errors.Is(err, telegram.ErrAPI):
		return domain.NetworkPoor, latency, err
	default:
		p.log.Debug("Ping error: %v", err)
		return domain.NetworkOffline, latency, err
	}
}

// UpdateState probes and folds the result into the shared state. A change of
// classification produces exactly one network log line, and so does a round
// trip first reaching the poor threshold.
func (p *Prober) UpdateState(ctx context.Context) domain.NetworkStatus {
	status, latency, err := p.probe(ctx)
	degraded := err == nil && latency >= p.cfg.PoorThreshold

	p.mu.Lock()
	prev := p.state.Status
	wasDegraded := p.state.Degraded
	p.state.Degraded = degraded
	p.state.Status = status
	p.state.LastProbe = p.now()
	p.state.LastLatency = latency
	if status == domain.NetworkOffline {
		p.state.ConsecutiveFailures++
	} else {
		p.state.ConsecutiveFailures = 0
	}
	p.mu.Unlock()

	if status != prev {
		p.log.Info("Network status changed: %s -> %s (%.2fs)", prev, status, latency.Seconds())
		if p.netlog != nil {
			p.netlog.Append(status, latency, "Status changed from "+string(prev))
		}
	}

	if degraded && !wasDegraded {
		p.log.Warn("Bot API round trip %.2fs reached the %.0fs poor threshold", latency.Seconds(), p.cfg.PoorThreshold.Seconds())
		if p.netlog != nil {
			p.netlog.Append(status, latency, fmt.Sprintf("Round trip at or past %.0fs", p.cfg.PoorThreshold.Seconds()))
		}
	}

	return status
}

// State returns a snapshot of the current network state.
func (p *Prober) State() domain.NetworkState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Prober) Status() domain.NetworkStatus {
	return p.State().Status
}

// Tail returns the last n network log lines, or nothing when no log is attached.
func (p *Prober) Tail(n int) []string {
	if p.netlog == nil {
		return nil
	}
	return p.netlog.Tail(n)
}
