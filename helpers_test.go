package isrcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unkn0wn-root/isrcache/adapter"
	"github.com/unkn0wn-root/isrcache/adapter/memory"
	"github.com/unkn0wn-root/isrcache/entry"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func newMockClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(t0)
	return mock
}

func newTestManager(t *testing.T, a adapter.Adapter) (*Manager, *clock.Mock, *recHooks) {
	t.Helper()
	mock := newMockClock()
	if a == nil {
		a = memory.New(memory.Config{Clock: mock})
	}
	hooks := &recHooks{}
	m := NewManager(ManagerOptions{Adapter: a, Clock: mock, Hooks: hooks})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, mock, hooks
}

// recHooks records hook calls.
type recHooks struct {
	mu            sync.Mutex
	adapterErrors []string
	tagMisses     []string
	renderFails   []string
	finished      []Result
	dropped       []string
}

func (h *recHooks) AdapterError(op, _ string, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapterErrors = append(h.adapterErrors, op)
}

func (h *recHooks) TagIndexMiss(tag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tagMisses = append(h.tagMisses, tag)
}

func (h *recHooks) RenderFailed(key string, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.renderFails = append(h.renderFails, key)
}

func (h *recHooks) RevalidationFinished(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, r)
}

func (h *recHooks) QueueDropped(key string, _ int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped = append(h.dropped, key+":"+reason)
}

type hookLog struct {
	adapterErrors []string
	tagMisses     []string
	renderFails   []string
	finished      []Result
	dropped       []string
}

func (h *recHooks) snapshot() hookLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hookLog{
		adapterErrors: append([]string(nil), h.adapterErrors...),
		tagMisses:     append([]string(nil), h.tagMisses...),
		renderFails:   append([]string(nil), h.renderFails...),
		finished:      append([]Result(nil), h.finished...),
		dropped:       append([]string(nil), h.dropped...),
	}
}

var errBackendDown = errors.New("backend down")

// flaky wraps an adapter and fails selected operations. Embedding the
// interface hides adapter.ConditionalSetter from the manager.
type flaky struct {
	adapter.Adapter

	mu      sync.Mutex
	failOps map[string]bool
	failKey string // when set, only this key fails
}

func newFlaky(inner adapter.Adapter) *flaky {
	return &flaky{Adapter: inner, failOps: map[string]bool{}}
}

func (f *flaky) fail(ops ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		f.failOps[op] = true
	}
}

func (f *flaky) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOps = map[string]bool{}
	f.failKey = ""
}

func (f *flaky) err(op, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.failOps[op] || (f.failKey != "" && key != f.failKey) {
		return nil
	}
	return adapter.Wrap("flaky", op, key, errBackendDown)
}

func (f *flaky) Get(ctx context.Context, key string) (*entry.Entry, bool, error) {
	if err := f.err("get", key); err != nil {
		return nil, false, err
	}
	return f.Adapter.Get(ctx, key)
}

func (f *flaky) Set(ctx context.Context, key string, e *entry.Entry) error {
	if err := f.err("set", key); err != nil {
		return err
	}
	return f.Adapter.Set(ctx, key, e)
}

func (f *flaky) Delete(ctx context.Context, key string) (bool, error) {
	if err := f.err("delete", key); err != nil {
		return false, err
	}
	return f.Adapter.Delete(ctx, key)
}

func (f *flaky) GetMeta(ctx context.Context, key string) (*entry.Meta, bool, error) {
	if err := f.err("get_meta", key); err != nil {
		return nil, false, err
	}
	return f.Adapter.GetMeta(ctx, key)
}

func (f *flaky) GetByTag(ctx context.Context, tag string) ([]string, error) {
	if err := f.err("get_by_tag", ""); err != nil {
		return nil, err
	}
	return f.Adapter.GetByTag(ctx, tag)
}

// renderer is a RenderFunc double. Keys listed in gates block until the gate
// is closed.
type renderer struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
	body  func(key string) string
	fail  map[string]error
	gates map[string]chan struct{}
}

func newRenderer() *renderer {
	return &renderer{
		calls: map[string]int{},
		fail:  map[string]error{},
		gates: map[string]chan struct{}{},
		body:  func(key string) string { return "<html>" + key + "</html>" },
	}
}

func (r *renderer) gate(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.gates[key] = ch
	return ch
}

func (r *renderer) render(_ context.Context, key string, _ RenderContext) (*Rendered, error) {
	r.mu.Lock()
	ch := r.gates[key]
	r.mu.Unlock()
	if ch != nil {
		<-ch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[key]++
	r.order = append(r.order, key)
	if err := r.fail[key]; err != nil {
		return nil, err
	}
	return &Rendered{Body: r.body(key)}, nil
}

func (r *renderer) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func (r *renderer) rendered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func newTestScheduler(t *testing.T, m *Manager, render RenderFunc, maxConcurrent int) *Scheduler {
	t.Helper()
	s := NewScheduler(m, render, SchedulerOptions{
		MaxConcurrent:            maxConcurrent,
		DefaultRevalidateSeconds: 60,
		Hooks:                    m.hooks,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func put(t *testing.T, m *Manager, key, body string, revalidate int, tags ...string) *entry.Entry {
	t.Helper()
	e := entry.New(key, body, revalidate, tags, m.Now())
	if err := m.Set(context.Background(), key, e); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
	return e
}
