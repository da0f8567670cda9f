package isrcache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type SweeperOptions struct {
	Interval time.Duration // 0 => 1m
	Clock    clock.Clock   // nil => the manager's clock
	// Priority of queued sweeps; keep it below request-driven work. Default 0.
	Priority int
	Logger   Logger
}

// Sweeper periodically queues every stale entry for background
// regeneration, so rarely read pages do not stay stale indefinitely.
type Sweeper struct {
	mgr      *Manager
	sched    *Scheduler
	interval time.Duration
	clk      clock.Clock
	priority int
	log      Logger

	mu     sync.Mutex
	ticker *clock.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSweeper(mgr *Manager, sched *Scheduler, opts SweeperOptions) *Sweeper {
	return &Sweeper{
		mgr:      mgr,
		sched:    sched,
		interval: coalesce(opts.Interval, defaultSweepInterval),
		clk:      coalesce[clock.Clock](opts.Clock, mgr.clk),
		priority: opts.Priority,
		log:      LoggerOrNop(opts.Logger),
	}
}

// Start launches the sweep loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.ticker = s.clk.Ticker(s.interval)
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go func(t *clock.Ticker, stop <-chan struct{}) {
		defer s.wg.Done()
		for {
			select {
			case <-t.C:
				if _, err := s.SweepOnce(context.Background()); err != nil {
					s.log.Warn("isrcache: sweep failed", Fields{"err": err})
				}
			case <-stop:
				return
			}
		}
	}(s.ticker, s.stopCh)
}

// Stop ends the loop and waits for an in-progress sweep. Safe to call twice.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.ticker.Stop()
	s.stopCh, s.ticker = nil, nil
	s.mu.Unlock()
	s.wg.Wait()
}

// SweepOnce queues every stale entry that is not already being regenerated
// and returns how many were queued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	keys, err := s.mgr.Keys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		meta, ok := s.mgr.GetMeta(ctx, k)
		if !ok || !s.mgr.IsStale(*meta) || s.sched.IsRevalidating(k) {
			continue
		}
		s.sched.QueueRevalidation(k, WithPriority(s.priority), WithQueueContext(RenderContext{Reason: "sweep"}))
		n++
	}
	if n > 0 {
		s.log.Debug("isrcache: sweep queued stale entries", Fields{"count": n})
	}
	return n, nil
}
