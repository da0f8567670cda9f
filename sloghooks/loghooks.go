// Package sloghooks implements isrcache.Hooks on top of log/slog with
// per-event sampling and key redaction.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/isrcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	TagIndexMissEvery uint64
	QueueDropEvery    uint64
	// Log every finished revalidation at debug level. Failures are always
	// logged through RenderFailed.
	LogRevalidations bool
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	missCtr atomic.Uint64
	dropCtr atomic.Uint64
}

var _ isrcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

// Plain returns the key unchanged. Use it as Options.Redact when cache keys
// are public URLs.
func Plain(k string) string { return k }

func (h *Hooks) redact(k string) string {
	if k == "" {
		return ""
	}
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) AdapterError(op, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("isrcache.adapter_error",
		"op", op,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) TagIndexMiss(tag string) {
	if h.l == nil || !sample(h.opts.TagIndexMissEvery, &h.missCtr) {
		return
	}
	h.l.Debug("isrcache.tag_index_miss", "tag", tag)
}

func (h *Hooks) RenderFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("isrcache.render_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) RevalidationFinished(r isrcache.Result) {
	if h.l == nil || !h.opts.LogRevalidations {
		return
	}
	h.l.Debug("isrcache.revalidated",
		"key", h.redact(r.Key),
		"success", r.Success,
		"duration_ms", r.DurationMs,
		"changed", r.ContentChanged)
}

func (h *Hooks) QueueDropped(key string, priority int, reason string) {
	if h.l == nil || !sample(h.opts.QueueDropEvery, &h.dropCtr) {
		return
	}
	h.l.Info("isrcache.queue_dropped",
		"key", h.redact(key),
		"priority", priority,
		"reason", reason)
}
