package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/unkn0wn-root/isrcache"
	"github.com/unkn0wn-root/isrcache/entry"
)

// SecretHeader authenticates admin requests.
const SecretHeader = "X-ISR-Secret"

const maxAdminBody = 1 << 20

type AdminOptions struct {
	Manager   *isrcache.Manager
	Scheduler *isrcache.Scheduler
	Sweeper   *isrcache.Sweeper // optional; enables POST /sweep
	// Shared secret compared against SecretHeader. "" disables the check.
	Secret string
	Logger isrcache.Logger
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	entry.Stats
	QueueSize       int `json:"queueSize"`
	ProcessingCount int `json:"processingCount"`
}

// NewAdmin returns the on-demand revalidation and maintenance routes:
//
//	POST   /revalidate     isrcache.TriggerRequest -> isrcache.TriggerResponse
//	POST   /webhook        isrcache.WebhookRequest -> isrcache.WebhookResponse
//	GET    /stats          StatsResponse
//	POST   /tags/rebuild   {"indexed": n}
//	POST   /sweep          {"queued": n}
//	DELETE /entries/*      removes one key (the path after /entries)
func NewAdmin(opts AdminOptions) http.Handler {
	a := &admin{
		mgr:   opts.Manager,
		sched: opts.Scheduler,
		sweep: opts.Sweeper,
		log:   isrcache.LoggerOrNop(opts.Logger),
	}

	r := chi.NewRouter()
	r.Use(requireSecret(opts.Secret))
	r.Post("/revalidate", a.revalidate)
	r.Post("/webhook", a.webhook)
	r.Get("/stats", a.stats)
	r.Post("/tags/rebuild", a.rebuild)
	if a.sweep != nil {
		r.Post("/sweep", a.sweepOnce)
	}
	r.Delete("/entries/*", a.deleteEntry)
	return r
}

type admin struct {
	mgr   *isrcache.Manager
	sched *isrcache.Scheduler
	sweep *isrcache.Sweeper
	log   isrcache.Logger
}

func requireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid secret"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *admin) revalidate(w http.ResponseWriter, r *http.Request) {
	var req isrcache.TriggerRequest
	if !decode(w, r, &req) {
		return
	}
	resp := a.sched.Trigger(r.Context(), req)
	a.log.Info("isrcache: on-demand revalidation", isrcache.Fields{
		"revalidated": resp.Revalidated,
		"failed":      resp.Failed,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (a *admin) webhook(w http.ResponseWriter, r *http.Request) {
	var req isrcache.WebhookRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Keys) == 0 && len(req.Tags) == 0 {
		writeJSON(w, http.StatusBadRequest, a.sched.Webhook(r.Context(), req))
		return
	}
	resp := a.sched.Webhook(r.Context(), req)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusInternalServerError
		a.log.Warn("isrcache: webhook failed", isrcache.Fields{"err": resp.Error})
	}
	writeJSON(w, status, resp)
}

func (a *admin) stats(w http.ResponseWriter, r *http.Request) {
	s, err := a.mgr.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:           s,
		QueueSize:       a.sched.QueueSize(),
		ProcessingCount: a.sched.ProcessingCount(),
	})
}

func (a *admin) rebuild(w http.ResponseWriter, r *http.Request) {
	n, err := a.mgr.RebuildTagIndex(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": n})
}

func (a *admin) sweepOnce(w http.ResponseWriter, r *http.Request) {
	n, err := a.sweep.SweepOnce(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": n})
}

func (a *admin) deleteEntry(w http.ResponseWriter, r *http.Request) {
	key := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	removed, err := a.mgr.Delete(r.Context(), key)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, errorBody{Error: isrcache.ErrNotFound.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", isrcache.CacheControlNoCache)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
