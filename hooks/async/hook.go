// Package asynchook moves isrcache.Hooks calls onto a bounded worker queue so
// slow sinks never stall a render or a backend call. Events are dropped when
// the queue is full.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    TagIndexMissEvery: 10, // log ~every 10th index miss
//	})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	mgr := isrcache.NewManager(isrcache.ManagerOptions{Adapter: a, Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/isrcache"
)

type Hooks struct {
	inner isrcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ isrcache.Hooks = (*Hooks)(nil)

func New(inner isrcache.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = isrcache.NopHooks{}
	}
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close stops accepting events and waits for queued ones to run.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the queue was full
// or the hooks were closed.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) AdapterError(op, key string, err error) {
	h.try(func() { h.inner.AdapterError(op, key, err) })
}
func (h *Hooks) TagIndexMiss(tag string) { h.try(func() { h.inner.TagIndexMiss(tag) }) }
func (h *Hooks) RenderFailed(key string, err error) {
	h.try(func() { h.inner.RenderFailed(key, err) })
}
func (h *Hooks) RevalidationFinished(r isrcache.Result) {
	h.try(func() { h.inner.RevalidationFinished(r) })
}
func (h *Hooks) QueueDropped(key string, priority int, reason string) {
	h.try(func() { h.inner.QueueDropped(key, priority, reason) })
}
