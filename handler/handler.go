// Package handler serves cached entries over net/http: fresh and in-window
// stale entries are answered from the cache, expired ones are regenerated
// inline, and missing ones go through the fallback state machine.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/unkn0wn-root/isrcache"
	"github.com/unkn0wn-root/isrcache/entry"
)

// StatusHeader carries the cache outcome of each response.
const StatusHeader = "X-ISR-Cache"

const (
	StatusHit      = "HIT"
	StatusStale    = "STALE"
	StatusExpired  = "EXPIRED"
	StatusMiss     = "MISS"
	StatusLoading  = "LOADING"
	StatusNotFound = "NOTFOUND"
	StatusBypass   = "BYPASS"
)

type Options struct {
	Manager   *isrcache.Manager
	Scheduler *isrcache.Scheduler
	Fallback  *isrcache.Fallback
	// Grace window after staleness during which the stale body is served
	// while a background render runs.
	SWRSeconds int
	// Priority of background renders queued for stale hits. 0 => 5.
	Priority int
	// Key maps a request to a cache key. nil => r.URL.Path.
	Key func(*http.Request) string
	// Bypass is called for requests that are not GET/HEAD. nil => 405.
	Bypass http.Handler
	Logger isrcache.Logger
}

type Handler struct {
	mgr      *isrcache.Manager
	sched    *isrcache.Scheduler
	fb       *isrcache.Fallback
	swr      int
	priority int
	key      func(*http.Request) string
	bypass   http.Handler
	log      isrcache.Logger
}

var _ http.Handler = (*Handler)(nil)

func New(opts Options) *Handler {
	h := &Handler{
		mgr:      opts.Manager,
		sched:    opts.Scheduler,
		fb:       opts.Fallback,
		swr:      max(opts.SWRSeconds, 0),
		priority: opts.Priority,
		key:      opts.Key,
		bypass:   opts.Bypass,
		log:      isrcache.LoggerOrNop(opts.Logger),
	}
	if h.priority == 0 {
		h.priority = 5
	}
	if h.key == nil {
		h.key = pathKey
	}
	if h.fb == nil {
		h.fb = isrcache.NewFallback(h.mgr, h.sched, isrcache.FallbackOptions{SWRSeconds: h.swr, Logger: h.log})
	}
	return h
}

func pathKey(r *http.Request) string {
	if r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		if h.bypass != nil {
			setStatus(w.Header(), StatusBypass)
			h.bypass.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	key := h.key(r)

	lk, ok := h.mgr.GetWithStaleFlag(ctx, key)
	if !ok {
		h.fallback(ctx, w, r, key)
		return
	}
	if !lk.IsStale {
		h.serveEntry(w, r, lk.Entry, StatusHit)
		return
	}
	if h.mgr.IsWithinSWR(lk.Entry.Meta, h.swr) {
		h.sched.QueueRevalidation(key,
			isrcache.WithPriority(h.priority),
			isrcache.WithQueueContext(isrcache.RenderContext{Reason: "stale", Previous: lk.Entry}),
		)
		h.serveEntry(w, r, lk.Entry, StatusStale)
		return
	}

	// Past the grace window: regenerate inline, but keep serving the old body
	// if the render fails.
	res := h.sched.Revalidate(ctx, key, isrcache.WithContext(isrcache.RenderContext{Reason: "expired", Previous: lk.Entry}))
	if res.Success {
		if e, ok := h.mgr.Get(ctx, key, true); ok {
			h.serveEntry(w, r, e, StatusExpired)
			return
		}
	} else {
		h.log.Warn("isrcache: inline revalidation failed; serving stale", isrcache.Fields{"key": key, "err": res.Err})
	}
	h.serveEntry(w, r, lk.Entry, StatusStale)
}

func (h *Handler) fallback(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) {
	resp := h.fb.Resolve(ctx, key)
	status := StatusNotFound
	switch resp.State {
	case isrcache.StateGenerated:
		h.serveEntry(w, r, resp.Entry, StatusMiss)
		return
	case isrcache.StateLoading:
		status = StatusLoading
	}
	copyHeader(w.Header(), resp.Headers)
	setStatus(w.Header(), status)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(resp.Body))
	}
}

func (h *Handler) serveEntry(w http.ResponseWriter, r *http.Request, e *entry.Entry, status string) {
	hdr := w.Header()
	copyHeader(hdr, isrcache.ResponseHeaders(e, h.swr))
	setStatus(hdr, status)

	if etag := hdr.Get("ETag"); etag != "" && etagMatch(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	hdr.Set("Content-Length", strconv.Itoa(len(e.Body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(e.Body))
	}
}

// etagMatch implements the weak comparison used for If-None-Match.
func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "*" || strings.TrimPrefix(part, "W/") == want {
			return true
		}
	}
	return false
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
}

func setStatus(h http.Header, status string) {
	h.Set(StatusHeader, status)
	ensureExposedHeader(h, StatusHeader)
}

// ensureExposedHeader makes name readable by browser scripts in CORS contexts.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
