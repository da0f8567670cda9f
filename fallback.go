package isrcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/isrcache/entry"
)

// FallbackMode is the policy for keys that have no entry yet.
type FallbackMode string

const (
	// FallbackBlocking renders synchronously and answers 404 if that fails.
	FallbackBlocking FallbackMode = "blocking"
	// FallbackLoading answers a placeholder and renders in the background.
	FallbackLoading FallbackMode = "loading"
	// FallbackNotFound answers 404 and renders nothing.
	FallbackNotFound FallbackMode = "notFound"
)

// ParseFallbackMode accepts the mode names case-insensitively; "not-found"
// and "not_found" are accepted for notFound.
func ParseFallbackMode(s string) (FallbackMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "blocking":
		return FallbackBlocking, nil
	case "loading":
		return FallbackLoading, nil
	case "notfound", "not-found", "not_found":
		return FallbackNotFound, nil
	}
	return "", fmt.Errorf("isrcache: unknown fallback mode %q", s)
}

// FallbackState tells which branch produced a Response.
type FallbackState string

const (
	StateGenerated FallbackState = "generated"
	StateLoading   FallbackState = "loading"
	StateNotFound  FallbackState = "notFound"
)

// Response is what to send for a key without a usable entry.
type Response struct {
	Status  int
	Body    string
	Headers http.Header
	Entry   *entry.Entry // set when State is StateGenerated
	State   FallbackState
}

type FallbackOptions struct {
	Mode         FallbackMode // "" => notFound
	SWRSeconds   int          // used for headers of freshly generated entries
	LoadingBody  string
	NotFoundBody string
	// Priority of background renders started by loading mode. 0 => 10.
	Priority int
	Logger   Logger
}

// Fallback decides the response for keys with no entry. Each Resolve call is
// independent; the only shared state is the per-key "generating" marker that
// keeps loading mode from starting duplicate background renders.
type Fallback struct {
	mgr          *Manager
	sched        *Scheduler
	mode         FallbackMode
	swr          int
	loadingBody  string
	notFoundBody string
	priority     int
	log          Logger

	sf         singleflight.Group
	mu         sync.Mutex
	generating map[string]struct{}
}

func NewFallback(mgr *Manager, sched *Scheduler, opts FallbackOptions) *Fallback {
	return &Fallback{
		mgr:          mgr,
		sched:        sched,
		mode:         coalesce(opts.Mode, FallbackNotFound),
		swr:          max0(opts.SWRSeconds),
		loadingBody:  coalesce(opts.LoadingBody, defaultLoadingBody),
		notFoundBody: coalesce(opts.NotFoundBody, defaultNotFoundBody),
		priority:     coalesce(opts.Priority, defaultFallbackPriority),
		log:          LoggerOrNop(opts.Logger),
		generating:   make(map[string]struct{}),
	}
}

func (f *Fallback) Mode() FallbackMode { return f.mode }

// IsGenerating reports whether a fallback-initiated render for key is running.
func (f *Fallback) IsGenerating(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.generating[key]
	return ok
}

// mark sets the generating marker and reports whether this call set it.
func (f *Fallback) mark(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.generating[key]; ok {
		return false
	}
	f.generating[key] = struct{}{}
	return true
}

func (f *Fallback) unmark(key string) {
	f.mu.Lock()
	delete(f.generating, key)
	f.mu.Unlock()
}

func (f *Fallback) Resolve(ctx context.Context, key string) Response {
	switch f.mode {
	case FallbackBlocking:
		return f.blocking(ctx, key)
	case FallbackLoading:
		return f.loading(key)
	default:
		return f.notFound()
	}
}

func (f *Fallback) blocking(ctx context.Context, key string) Response {
	v, _, _ := f.sf.Do(key, func() (any, error) {
		if f.mark(key) {
			defer f.unmark(key)
		}
		res := f.sched.Revalidate(ctx, key, WithForce(), WithContext(RenderContext{Reason: "fallback"}))
		if errors.Is(res.Err, ErrAlreadyInFlight) {
			// someone else is rendering key; its result is ours
			if err := f.sched.Wait(ctx, key); err != nil {
				return f.notFound(), nil
			}
		} else if !res.Success {
			f.log.Warn("isrcache: blocking fallback failed", Fields{"key": key, "err": res.Err})
			return f.notFound(), nil
		}
		e, ok := f.mgr.Get(ctx, key, true)
		if !ok {
			return f.notFound(), nil
		}
		return Response{
			Status:  http.StatusOK,
			Body:    e.Body,
			Headers: ResponseHeaders(e, f.swr),
			Entry:   e,
			State:   StateGenerated,
		}, nil
	})
	resp := v.(Response)
	resp.Headers = resp.Headers.Clone() // shared between coalesced callers
	return resp
}

func (f *Fallback) loading(key string) Response {
	if f.mark(key) {
		f.sched.RevalidateAsync(key, func(Result) { f.unmark(key) },
			WithPriority(f.priority),
			WithQueueContext(RenderContext{Reason: "fallback"}),
		)
	}
	return f.placeholder(http.StatusOK, f.loadingBody, StateLoading)
}

func (f *Fallback) notFound() Response {
	return f.placeholder(http.StatusNotFound, f.notFoundBody, StateNotFound)
}

func (f *Fallback) placeholder(status int, body string, state FallbackState) Response {
	h := make(http.Header, 2)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", CacheControlNoCache)
	return Response{Status: status, Body: body, Headers: h, State: state}
}
