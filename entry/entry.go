// Package entry defines the cached unit of content and the metadata that governs
// its lifecycle: staleness, tags, regeneration outcome and fingerprints.
//
// Everything here is pure data plus pure functions. Backends and the cache
// manager share these helpers so that tag normalization, patch application and
// etag derivation behave identically across adapters.
package entry

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Status is the last-known regeneration outcome of an entry.
// Staleness is never stored; it is computed on read from timestamps.
type Status string

const (
	StatusFresh        Status = "fresh"
	StatusStale        Status = "stale"
	StatusRevalidating Status = "revalidating"
	StatusError        Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusFresh, StatusStale, StatusRevalidating, StatusError:
		return true
	}
	return false
}

// Meta governs lifecycle and invalidation of an Entry.
// Timestamps are milliseconds since the Unix epoch.
type Meta struct {
	Key               string   `json:"key" msgpack:"key"`
	CreatedAt         int64    `json:"createdAt" msgpack:"createdAt"`
	RevalidatedAt     int64    `json:"revalidatedAt" msgpack:"revalidatedAt"`
	RevalidateSeconds int      `json:"revalidate" msgpack:"revalidate"` // 0 => never stale
	Tags              []string `json:"tags,omitempty" msgpack:"tags,omitempty"`
	Status            Status   `json:"status" msgpack:"status"`
	RegenerationCount uint64   `json:"regenerationCount" msgpack:"regenerationCount"`
	LastError         string   `json:"lastError,omitempty" msgpack:"lastError,omitempty"`
	ContentHash       string   `json:"contentHash,omitempty" msgpack:"contentHash,omitempty"`
	ETag              string   `json:"etag,omitempty" msgpack:"etag,omitempty"`
}

// Entry is the cached artifact: the rendered body plus its metadata.
type Entry struct {
	Body       string            `json:"body" msgpack:"body"`
	Meta       Meta              `json:"meta" msgpack:"meta"`
	ExtraProps map[string]any    `json:"extraProps,omitempty" msgpack:"extraProps,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
}

// New builds a fresh entry for key rendered at now.
func New(key, body string, revalidateSeconds int, tags []string, now time.Time) *Entry {
	ms := now.UnixMilli()
	e := &Entry{
		Body: body,
		Meta: Meta{
			Key:               key,
			CreatedAt:         ms,
			RevalidatedAt:     ms,
			RevalidateSeconds: revalidateSeconds,
			Tags:              NormalizeTags(tags),
			Status:            StatusFresh,
			ContentHash:       HashContent(body),
		},
	}
	e.Meta.ETag = ComputeETag(e.Meta.ContentHash, ms)
	return e
}

// Clone returns a deep copy. Adapters hand out clones so callers cannot mutate
// stored state through returned pointers.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Meta = e.Meta.Clone()
	if e.ExtraProps != nil {
		out.ExtraProps = maps.Clone(e.ExtraProps)
	}
	if e.Headers != nil {
		out.Headers = maps.Clone(e.Headers)
	}
	return &out
}

// Size approximates the in-memory footprint of the entry in bytes.
func (e *Entry) Size() int64 {
	n := len(e.Body) + len(e.Meta.Key) + len(e.Meta.LastError) + len(e.Meta.ContentHash) + len(e.Meta.ETag) + 64
	for _, t := range e.Meta.Tags {
		n += len(t)
	}
	for k, v := range e.Headers {
		n += len(k) + len(v)
	}
	// extra props are opaque; count keys only
	for k := range e.ExtraProps {
		n += len(k) + 16
	}
	return int64(n)
}

// Clone returns a copy of m that shares no slices with it.
func (m Meta) Clone() Meta {
	m.Tags = slices.Clone(m.Tags)
	return m
}

// Created returns CreatedAt as a time.Time.
func (m Meta) Created() time.Time { return time.UnixMilli(m.CreatedAt) }

// Revalidated returns RevalidatedAt as a time.Time.
func (m Meta) Revalidated() time.Time { return time.UnixMilli(m.RevalidatedAt) }

// Normalize enforces the invariants every write must satisfy: key set, tags
// normalized, RevalidatedAt >= CreatedAt, a valid status and a current etag.
func (m *Meta) Normalize(key string) {
	m.Key = key
	m.Tags = NormalizeTags(m.Tags)
	if m.RevalidateSeconds < 0 {
		m.RevalidateSeconds = 0
	}
	if m.RevalidatedAt < m.CreatedAt {
		m.RevalidatedAt = m.CreatedAt
	}
	if !m.Status.Valid() {
		m.Status = StatusFresh
	}
	m.ETag = ComputeETag(m.ContentHash, m.RevalidatedAt)
}

// NormalizeTags strips NUL bytes, trims, deduplicates and sorts tags, dropping
// empty ones. A nil result means "no tags". Ordered backends rely on tags
// never containing NUL.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.ReplaceAll(t, "\x00", ""))
		if t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
