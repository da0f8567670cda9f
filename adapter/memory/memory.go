// Package memory is an in-process adapter.Adapter backed by a map.
// Nothing survives a restart; use it for tests, single-process deployments or
// as the hot layer in front of nothing at all.
package memory

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/unkn0wn-root/isrcache/adapter"
	"github.com/unkn0wn-root/isrcache/entry"
)

const backend = "memory"

type Config struct {
	// Clock used for stale counting in GetStats. nil => wall clock.
	Clock clock.Clock
}

type Memory struct {
	clk clock.Clock

	mu      sync.RWMutex
	entries map[string]*entry.Entry
	tags    map[string]map[string]struct{}
	closed  bool
}

var (
	_ adapter.Adapter           = (*Memory)(nil)
	_ adapter.ConditionalSetter = (*Memory)(nil)
)

func New(cfg Config) *Memory {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clk:     clk,
		entries: make(map[string]*entry.Entry),
		tags:    make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) (*entry.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, adapter.Wrap(backend, "get", key, adapter.ErrClosed)
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

func (m *Memory) Set(_ context.Context, key string, e *entry.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return adapter.Wrap(backend, "set", key, adapter.ErrClosed)
	}
	m.putLocked(key, e)
	return nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key string, e *entry.Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, adapter.Wrap(backend, "set", key, adapter.ErrClosed)
	}
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.putLocked(key, e)
	return true, nil
}

func (m *Memory) putLocked(key string, e *entry.Entry) {
	next := e.Clone()
	next.Meta.Normalize(key)

	var oldTags []string
	if prev, ok := m.entries[key]; ok {
		oldTags = prev.Meta.Tags
	}
	m.retagLocked(key, oldTags, next.Meta.Tags)
	m.entries[key] = next
}

func (m *Memory) retagLocked(key string, oldTags, newTags []string) {
	removed, added := adapter.TagDiff(oldTags, newTags)
	for _, t := range removed {
		if set, ok := m.tags[t]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(m.tags, t)
			}
		}
	}
	for _, t := range added {
		set, ok := m.tags[t]
		if !ok {
			set = make(map[string]struct{})
			m.tags[t] = set
		}
		set[key] = struct{}{}
	}
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, adapter.Wrap(backend, "delete", key, adapter.ErrClosed)
	}
	prev, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	m.retagLocked(key, prev.Meta.Tags, nil)
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) Has(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, adapter.Wrap(backend, "has", key, adapter.ErrClosed)
	}
	_, ok := m.entries[key]
	return ok, nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, adapter.Wrap(backend, "keys", "", adapter.ErrClosed)
	}
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	return out, nil
}

func (m *Memory) GetByTag(_ context.Context, tag string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, adapter.Wrap(backend, "get_by_tag", "", adapter.ErrClosed)
	}
	set := m.tags[tag]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out, nil
}

func (m *Memory) UpdateMeta(_ context.Context, key string, patch entry.MetaPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, adapter.Wrap(backend, "update_meta", key, adapter.ErrClosed)
	}
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	meta := e.Meta.Clone()
	oldTags := entry.ApplyPatch(&meta, patch)
	m.retagLocked(key, oldTags, meta.Tags)
	e.Meta = meta
	return true, nil
}

func (m *Memory) GetMeta(_ context.Context, key string) (*entry.Meta, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, adapter.Wrap(backend, "get_meta", key, adapter.ErrClosed)
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	meta := e.Meta.Clone()
	return &meta, true, nil
}

func (m *Memory) GetStats(_ context.Context) (entry.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return entry.Stats{}, adapter.Wrap(backend, "stats", "", adapter.ErrClosed)
	}
	b := entry.NewStatsBuilder(m.clk.Now())
	for _, e := range m.entries {
		b.Add(e.Meta, e.Size())
	}
	return b.Stats(), nil
}

// Close drops all entries. Later calls return adapter.ErrClosed.
func (m *Memory) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = make(map[string]*entry.Entry)
	m.tags = make(map[string]map[string]struct{})
	return nil
}
