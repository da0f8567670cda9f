package isrcache

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/unkn0wn-root/isrcache/entry"
)

// RenderContext is handed to the render function.
type RenderContext struct {
	// Params are caller-supplied values (route parameters, locale, ...).
	Params map[string]string
	// Reason says who asked: "manual", "queue", "fallback", "sweep", "trigger".
	Reason string
	// Previous is the entry being regenerated, nil on first render.
	Previous *entry.Entry
}

// Rendered is the output of a render.
type Rendered struct {
	Body       string
	ExtraProps map[string]any
	Headers    map[string]string
	// Tags replaces the entry's tags when non-nil.
	Tags []string
	// Revalidate overrides the interval (seconds) when non-nil.
	Revalidate *int
}

// RenderFunc produces the document for key. It may block; timeouts are its
// own business. Errors and panics are recorded on the entry.
type RenderFunc func(ctx context.Context, key string, rc RenderContext) (*Rendered, error)

// Result reports one revalidation.
type Result struct {
	Key            string `json:"key"`
	Success        bool   `json:"success"`
	DurationMs     int64  `json:"durationMs"`
	ContentChanged bool   `json:"contentChanged"`
	Error          string `json:"error,omitempty"`
	Err            error  `json:"-"`
}

func failed(key string, err error) Result {
	return Result{Key: key, Error: err.Error(), Err: err}
}

// SchedulerOptions configure a Scheduler. Every field is optional.
type SchedulerOptions struct {
	MaxConcurrent int // renders running at once; 0 => 4
	// DefaultRevalidateSeconds is the interval of entries created by a first
	// render that did not set Rendered.Revalidate. 0 => never stale.
	DefaultRevalidateSeconds int
	Logger                   Logger      // nil => NopLogger
	Hooks                    Hooks       // nil => NopHooks
	Clock                    clock.Clock // nil => the manager's clock
}

// Scheduler regenerates entries through a RenderFunc. At most one
// regeneration per key runs at a time; background work is drained from a
// priority queue while fewer than MaxConcurrent keys are in flight.
type Scheduler struct {
	mgr        *Manager
	render     RenderFunc
	sem        *semaphore.Weighted
	limit      int
	defaultTTL int
	log        Logger
	hooks      Hooks
	clk        clock.Clock

	mu       sync.Mutex
	inflight map[string]chan struct{} // closed on release
	pending  map[string]*item
	queue    queue
	seq      uint64
	closed   bool

	wg sync.WaitGroup
}

func NewScheduler(mgr *Manager, render RenderFunc, opts SchedulerOptions) *Scheduler {
	limit := coalesce(opts.MaxConcurrent, defaultMaxConcurrent)
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{
		mgr:        mgr,
		render:     render,
		sem:        semaphore.NewWeighted(int64(limit)),
		limit:      limit,
		defaultTTL: max0(opts.DefaultRevalidateSeconds),
		log:        coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:      coalesce[Hooks](opts.Hooks, NopHooks{}),
		clk:        coalesce[clock.Clock](opts.Clock, mgr.clk),
		inflight:   make(map[string]chan struct{}),
		pending:    make(map[string]*item),
	}
}

type revalidateOptions struct {
	force bool
	rc    RenderContext
}

type RevalidateOption func(*revalidateOptions)

// WithForce renders even when the entry is fresh.
func WithForce() RevalidateOption { return func(o *revalidateOptions) { o.force = true } }

// WithContext passes rc to the render function.
func WithContext(rc RenderContext) RevalidateOption {
	return func(o *revalidateOptions) { o.rc = rc }
}

type queueOptions struct {
	priority int
	force    bool
	rc       RenderContext
}

type QueueOption func(*queueOptions)

// WithPriority sets the queue priority; higher runs first. Default 0.
func WithPriority(n int) QueueOption { return func(o *queueOptions) { o.priority = n } }

func WithQueueContext(rc RenderContext) QueueOption {
	return func(o *queueOptions) { o.rc = rc }
}

// WithQueueForce renders even when the entry is fresh by the time it runs.
func WithQueueForce() QueueOption { return func(o *queueOptions) { o.force = true } }

// claim marks key in flight. It fails when key already is.
func (s *Scheduler) claim(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, busy := s.inflight[key]; busy {
		return ErrAlreadyInFlight
	}
	s.inflight[key] = make(chan struct{})
	return nil
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	if done, ok := s.inflight[key]; ok {
		close(done)
		delete(s.inflight, key)
	}
	s.mu.Unlock()
}

// Wait blocks until key is not in flight or ctx ends. It returns immediately
// when no regeneration of key is running.
func (s *Scheduler) Wait(ctx context.Context, key string) error {
	s.mu.Lock()
	done, ok := s.inflight[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Revalidate regenerates key now and waits for the outcome. A key already in
// flight yields a failed Result carrying ErrAlreadyInFlight without rendering.
// Without WithForce a fresh entry is left alone.
func (s *Scheduler) Revalidate(ctx context.Context, key string, opts ...RevalidateOption) Result {
	o := revalidateOptions{rc: RenderContext{Reason: "manual"}}
	for _, opt := range opts {
		opt(&o)
	}
	if err := s.claim(key); err != nil {
		return failed(key, err)
	}
	defer func() {
		s.release(key)
		s.drain()
	}()
	return s.run(ctx, key, o.force, o.rc)
}

// run performs one revalidation of a claimed key.
func (s *Scheduler) run(ctx context.Context, key string, force bool, rc RenderContext) Result {
	prev, exists := s.mgr.Get(ctx, key, true)
	if !force && exists && !s.mgr.IsStale(prev.Meta) {
		return Result{Key: key, Success: true}
	}

	start := s.clk.Now()
	if exists {
		_, _ = s.mgr.MarkRevalidating(ctx, key)
	}
	rc.Previous = prev

	out, err := s.invoke(ctx, key, rc)
	if err != nil {
		s.hooks.RenderFailed(key, err)
		s.log.Warn("isrcache: render failed", Fields{"key": key, "err": err})
		if exists {
			_, _ = s.mgr.MarkError(ctx, key, err.Error())
		}
		res := failed(key, err)
		res.DurationMs = s.clk.Since(start).Milliseconds()
		s.hooks.RevalidationFinished(res)
		return res
	}

	changed, err := s.store(ctx, key, prev, out)
	res := Result{Key: key, DurationMs: s.clk.Since(start).Milliseconds()}
	if err != nil {
		res.Error, res.Err = err.Error(), err
	} else {
		res.Success, res.ContentChanged = true, changed
	}
	s.log.Debug("isrcache: revalidated", Fields{
		"key": key, "changed": changed, "duration_ms": res.DurationMs, "success": res.Success,
	})
	s.hooks.RevalidationFinished(res)
	return res
}

// invoke calls the render function under the concurrency ceiling, turning
// failures and panics into *RenderError.
func (s *Scheduler) invoke(ctx context.Context, key string, rc RenderContext) (out *Rendered, err error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, &RenderError{Key: key, Err: err}
	}
	defer s.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &RenderError{Key: key, Panic: r}
		}
	}()

	out, err = s.render(ctx, key, rc)
	if err != nil {
		return nil, &RenderError{Key: key, Err: err}
	}
	if out == nil {
		return nil, &RenderError{Key: key, Err: errors.New("render returned no content")}
	}
	return out, nil
}

// store persists a successful render. The body is rewritten only when its hash
// changed; otherwise the metadata is refreshed in place.
func (s *Scheduler) store(ctx context.Context, key string, prev *entry.Entry, out *Rendered) (bool, error) {
	hash := entry.HashContent(out.Body)
	if prev != nil && prev.Meta.ContentHash == hash {
		patch := entry.MetaPatch{
			Status:            entry.Ptr(entry.StatusFresh),
			RevalidatedAt:     entry.Ptr(s.clk.Now().UnixMilli()),
			LastError:         entry.Ptr(""),
			BumpRegeneration:  true,
			RevalidateSeconds: out.Revalidate,
		}
		if out.Tags != nil {
			patch.Tags = &out.Tags
		}
		ok, err := s.mgr.UpdateMeta(ctx, key, patch)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
		// deleted while rendering; write it back in full
	}

	interval := s.defaultTTL
	tags := out.Tags
	var created int64
	var count uint64 = 1
	if prev != nil {
		interval = prev.Meta.RevalidateSeconds
		if tags == nil {
			tags = prev.Meta.Tags
		}
		created = prev.Meta.CreatedAt
		count = prev.Meta.RegenerationCount + 1
	}
	if out.Revalidate != nil {
		interval = *out.Revalidate
	}

	e := entry.New(key, out.Body, interval, tags, s.clk.Now())
	e.ExtraProps = out.ExtraProps
	e.Headers = out.Headers
	e.Meta.RegenerationCount = count
	if created != 0 {
		e.Meta.CreatedAt = created
	}
	if err := s.mgr.Set(ctx, key, e); err != nil {
		return false, err
	}
	return true, nil
}

// QueueRevalidation schedules key for background regeneration and returns
// immediately. A pending request for the same key keeps the higher priority.
func (s *Scheduler) QueueRevalidation(key string, opts ...QueueOption) {
	s.RevalidateAsync(key, nil, opts...)
}

// RevalidateAsync is QueueRevalidation with a completion callback. done is
// called exactly once: with the outcome, or with a failed Result when the work
// is dropped (key already in flight, queue cleared, scheduler closed).
func (s *Scheduler) RevalidateAsync(key string, done func(Result), opts ...QueueOption) {
	o := queueOptions{rc: RenderContext{Reason: "queue"}}
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.dropped(&item{key: key, priority: o.priority, dones: dones(done)}, "closed", ErrClosed)
		return
	}
	if it, ok := s.pending[key]; ok {
		if done != nil {
			it.dones = append(it.dones, done)
		}
		if o.priority > it.priority {
			it.priority = o.priority
			it.seq = s.nextSeqLocked()
			it.force = it.force || o.force
			it.rc = o.rc
			heap.Fix(&s.queue, it.index)
		}
	} else {
		it := &item{
			key:      key,
			priority: o.priority,
			seq:      s.nextSeqLocked(),
			force:    o.force,
			rc:       o.rc,
			dones:    dones(done),
		}
		heap.Push(&s.queue, it)
		s.pending[key] = it
	}
	s.mu.Unlock()
	s.drain()
}

func dones(done func(Result)) []func(Result) {
	if done == nil {
		return nil
	}
	return []func(Result){done}
}

func (s *Scheduler) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

// drain starts queued work while capacity allows. Items whose key is already
// in flight are dropped.
func (s *Scheduler) drain() {
	var drop []*item
	s.mu.Lock()
	for !s.closed && len(s.inflight) < s.limit && s.queue.Len() > 0 {
		it := heap.Pop(&s.queue).(*item)
		delete(s.pending, it.key)
		if _, busy := s.inflight[it.key]; busy {
			drop = append(drop, it)
			continue
		}
		s.inflight[it.key] = make(chan struct{})
		s.wg.Add(1)
		go s.runQueued(it)
	}
	s.mu.Unlock()

	for _, it := range drop {
		s.dropped(it, "in_flight", ErrAlreadyInFlight)
	}
}

func (s *Scheduler) runQueued(it *item) {
	defer s.wg.Done()
	var res Result
	defer func() {
		s.release(it.key)
		for _, done := range it.dones {
			done(res)
		}
		s.drain()
	}()
	res = s.run(context.Background(), it.key, it.force, it.rc)
}

func (s *Scheduler) dropped(it *item, reason string, err error) {
	s.hooks.QueueDropped(it.key, it.priority, reason)
	s.log.Debug("isrcache: queued revalidation dropped", Fields{
		"key": it.key, "priority": it.priority, "reason": reason,
	})
	res := failed(it.key, err)
	for _, done := range it.dones {
		done(res)
	}
}

// RevalidateMany revalidates keys one after another, in order.
func (s *Scheduler) RevalidateMany(ctx context.Context, keys []string, opts ...RevalidateOption) []Result {
	out := make([]Result, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.Revalidate(ctx, k, opts...))
	}
	return out
}

// RevalidateTag revalidates every key carrying tag. An unknown tag yields an
// empty result.
func (s *Scheduler) RevalidateTag(ctx context.Context, tag string, opts ...RevalidateOption) []Result {
	return s.RevalidateMany(ctx, s.mgr.GetByTag(ctx, tag), opts...)
}

func (s *Scheduler) IsRevalidating(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[key]
	return ok
}

func (s *Scheduler) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// ProcessingCount is the number of keys currently in flight, background and
// direct callers alike.
func (s *Scheduler) ProcessingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// PendingPriority reports the priority of the queued request for key.
func (s *Scheduler) PendingPriority(key string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.pending[key]
	if !ok {
		return 0, false
	}
	return it.priority, true
}

// ClearQueue discards pending work and returns how many items were dropped.
// Running revalidations are not affected.
func (s *Scheduler) ClearQueue() int {
	items := s.takeQueue()
	for _, it := range items {
		s.dropped(it, "cleared", ErrDropped)
	}
	return len(items)
}

func (s *Scheduler) takeQueue() []*item {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]*item, 0, s.queue.Len())
	for s.queue.Len() > 0 {
		items = append(items, heap.Pop(&s.queue).(*item))
	}
	clear(s.pending)
	return items
}

// Close stops draining, drops pending work and waits for running
// revalidations to finish or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for _, it := range s.takeQueue() {
		s.dropped(it, "closed", ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
