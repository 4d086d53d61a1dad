package sync

import (
	"context"
	"time"

	"github.com/marcus/medsync/internal/syncerr"
)

// Exchanger runs one exchange with a peer. *Engine implements it.
type Exchanger interface {
	Exchange(ctx context.Context, peerRef string) (*ExchangeResult, error)
}

// Scheduler exchanges with the parent at a fixed interval. Children are
// never dialled: they push to us.
type Scheduler struct {
	engine   *Engine
	exchange Exchanger
	interval time.Duration
	// OnResult, when set, observes every run. Used by metrics and tests.
	OnResult func(*ExchangeResult, error)
}

// NewScheduler builds a scheduler; interval <= 0 disables it.
func NewScheduler(e *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{engine: e, exchange: e, interval: interval}
}

// Run blocks until ctx is done, exchanging once at start and then on
// every tick.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.engine.log.Info("scheduler disabled")
		return
	}
	log := s.engine.log.With("interval", s.interval.String())
	log.Info("scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce exchanges with the parent if one is configured with an address.
// Failures are logged; the next tick retries.
func (s *Scheduler) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.engine.log.Error("scheduler panic", "panic", r)
		}
	}()

	parent, err := s.engine.GetParent(ctx)
	if err != nil {
		s.engine.log.Error("load parent", "err", err)
		return
	}
	if parent == nil || parent.Disabled || parent.Address == "" {
		return
	}

	res, err := s.exchange.Exchange(ctx, parent.ID)
	if s.OnResult != nil {
		s.OnResult(res, err)
	}
	switch {
	case err == nil:
	case syncerr.IsCannotRunParallel(err):
		s.engine.log.Info("exchange with parent already running; skipping tick")
	default:
		s.engine.log.Warn("scheduled exchange failed", "peer", parent.Nickname, "err", err)
	}
}
