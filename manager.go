package isrcache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/isrcache/adapter"
	"github.com/unkn0wn-root/isrcache/adapter/memory"
	"github.com/unkn0wn-root/isrcache/entry"
	"github.com/unkn0wn-root/isrcache/tagindex"
)

// Lookup is an entry annotated with its staleness at read time.
type Lookup struct {
	Entry   *entry.Entry
	IsStale bool
}

// Manager is the single point through which cache state is read and written.
// It wraps one adapter with staleness evaluation and an in-process tag index.
//
// Reads are fail-soft: backend errors are logged, reported through Hooks and
// surface as misses. Writes return errors.
//
// Writes to one key are serialized within the process so the tag index and
// the backend move together. Writers in other processes sharing the backend
// are not ordered against them; RebuildTagIndex realigns the index.
type Manager struct {
	a     adapter.Adapter
	idx   *tagindex.Index
	log   Logger
	hooks Hooks
	clk   clock.Clock

	stripes [keyStripes]sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		idx:   tagindex.New(),
		log:   LoggerOrNop(opts.Logger),
		hooks: coalesce[Hooks](opts.Hooks, NopHooks{}),
		clk:   coalesce[clock.Clock](opts.Clock, clock.New()),
	}
	if opts.Adapter != nil {
		m.a = opts.Adapter
	} else {
		m.a = memory.New(memory.Config{Clock: m.clk})
	}
	return m
}

const keyStripes = 64

// lockKey serializes writers of key and returns the unlock.
func (m *Manager) lockKey(key string) func() {
	mu := &m.stripes[xxhash.Sum64String(key)%keyStripes]
	mu.Lock()
	return mu.Unlock
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.clk.Now() }

// IsStale evaluates meta against the manager's clock.
func (m *Manager) IsStale(meta entry.Meta) bool { return entry.IsStale(meta, m.clk.Now()) }

// IsWithinSWR evaluates meta against the manager's clock.
func (m *Manager) IsWithinSWR(meta entry.Meta, swrSeconds int) bool {
	return entry.IsWithinSWR(meta, m.clk.Now(), swrSeconds)
}

func (m *Manager) readFailed(op, key string, err error) {
	m.log.Error("isrcache: backend read failed", Fields{"op": op, "key": key, "err": err})
	m.hooks.AdapterError(op, key, err)
}

func (m *Manager) writeFailed(op, key string, err error) {
	m.log.Warn("isrcache: backend write failed", Fields{"op": op, "key": key, "err": err})
	m.hooks.AdapterError(op, key, err)
}

// Get returns the entry for key. A stale entry is reported as absent unless
// includeStale is set.
func (m *Manager) Get(ctx context.Context, key string, includeStale bool) (*entry.Entry, bool) {
	e, ok, err := m.a.Get(ctx, key)
	if err != nil {
		m.readFailed("get", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if !includeStale && m.IsStale(e.Meta) {
		return nil, false
	}
	return e, true
}

// GetWithStaleFlag returns the physical entry for key whatever its age.
func (m *Manager) GetWithStaleFlag(ctx context.Context, key string) (Lookup, bool) {
	e, ok := m.Get(ctx, key, true)
	if !ok {
		return Lookup{}, false
	}
	return Lookup{Entry: e, IsStale: m.IsStale(e.Meta)}, true
}

// GetMeta returns only the metadata of key. Backend errors yield a miss.
func (m *Manager) GetMeta(ctx context.Context, key string) (*entry.Meta, bool) {
	meta, ok, err := m.a.GetMeta(ctx, key)
	if err != nil {
		m.readFailed("get_meta", key, err)
		return nil, false
	}
	return meta, ok
}

// Set stores e under key. The metadata is normalized first: Key is forced to
// key, tags are normalized, timestamps are clamped and the etag is recomputed.
// The tag index is updated before the backend write and rolled back if the
// write fails.
func (m *Manager) Set(ctx context.Context, key string, e *entry.Entry, opts ...SetOption) error {
	if e == nil {
		return fmt.Errorf("isrcache: set %q: nil entry", key)
	}
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	next := e.Clone()
	if o.ttl != nil {
		next.Meta.RevalidateSeconds = *o.ttl
	}
	next.Meta.Normalize(key)

	defer m.lockKey(key)()
	if o.skipIfExists {
		if cs, ok := m.a.(adapter.ConditionalSetter); ok {
			prev, had := m.idx.Replace(key, next.Meta.Tags)
			created, err := cs.SetIfAbsent(ctx, key, next)
			if err != nil {
				m.idx.Restore(key, prev, had)
				m.writeFailed("set", key, err)
				return err
			}
			if !created {
				m.idx.Restore(key, prev, had)
				m.log.Debug("isrcache: set skipped, entry exists", Fields{"key": key})
			}
			return nil
		}
		exists, err := m.a.Has(ctx, key)
		if err != nil {
			m.writeFailed("has", key, err)
			return err
		}
		if exists {
			m.log.Debug("isrcache: set skipped, entry exists", Fields{"key": key})
			return nil
		}
	}

	prev, had := m.idx.Replace(key, next.Meta.Tags)
	if err := m.a.Set(ctx, key, next); err != nil {
		m.idx.Restore(key, prev, had)
		m.writeFailed("set", key, err)
		return err
	}
	return nil
}

// Delete removes key from the backend and the tag index.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	defer m.lockKey(key)()
	removed, err := m.a.Delete(ctx, key)
	if err != nil {
		m.writeFailed("delete", key, err)
		return false, err
	}
	m.idx.Remove(key)
	return removed, nil
}

// GetByTag returns the keys carrying tag, sorted. The in-process index is
// consulted first; the backend answers when the index knows nothing about tag.
// Backend errors yield an empty result.
func (m *Manager) GetByTag(ctx context.Context, tag string) []string {
	if keys, ok := m.idx.Keys(tag); ok {
		return keys
	}
	m.hooks.TagIndexMiss(tag)
	keys, err := m.a.GetByTag(ctx, tag)
	if err != nil {
		m.readFailed("get_by_tag", "", err)
		return nil
	}
	slices.Sort(keys)
	return keys
}

// UpdateMeta merges patch into the metadata of key. It never creates entries.
func (m *Manager) UpdateMeta(ctx context.Context, key string, patch entry.MetaPatch) (bool, error) {
	var (
		prev   []string
		had    bool
		retags = patch.TouchesTags()
	)
	defer m.lockKey(key)()
	if retags {
		prev, had = m.idx.Replace(key, entry.NormalizeTags(*patch.Tags))
	}
	ok, err := m.a.UpdateMeta(ctx, key, patch)
	if err != nil || !ok {
		if retags {
			m.idx.Restore(key, prev, had)
		}
		if err != nil {
			m.writeFailed("update_meta", key, err)
		}
		return false, err
	}
	return true, nil
}

func (m *Manager) MarkRevalidating(ctx context.Context, key string) (bool, error) {
	return m.UpdateMeta(ctx, key, entry.MetaPatch{Status: entry.Ptr(entry.StatusRevalidating)})
}

// MarkRevalidated records a successful regeneration that left the body as is.
func (m *Manager) MarkRevalidated(ctx context.Context, key string) (bool, error) {
	return m.UpdateMeta(ctx, key, entry.MetaPatch{
		Status:           entry.Ptr(entry.StatusFresh),
		RevalidatedAt:    entry.Ptr(m.clk.Now().UnixMilli()),
		LastError:        entry.Ptr(""),
		BumpRegeneration: true,
	})
}

func (m *Manager) MarkError(ctx context.Context, key, msg string) (bool, error) {
	return m.UpdateMeta(ctx, key, entry.MetaPatch{
		Status:    entry.Ptr(entry.StatusError),
		LastError: entry.Ptr(msg),
	})
}

// RebuildTagIndex repopulates the tag index from the backend and returns the
// number of keys indexed. Unreadable entries are skipped.
func (m *Manager) RebuildTagIndex(ctx context.Context) (int, error) {
	keys, err := m.a.Keys(ctx)
	if err != nil {
		m.readFailed("keys", "", err)
		return 0, err
	}
	m.idx.Reset()
	n := 0
	for _, k := range keys {
		meta, ok, err := m.a.GetMeta(ctx, k)
		if err != nil {
			m.log.Warn("isrcache: skipping unreadable entry", Fields{"key": k, "err": err})
			continue
		}
		if !ok {
			continue
		}
		m.idx.Replace(k, meta.Tags)
		n++
	}
	m.log.Info("isrcache: tag index rebuilt", Fields{"keys": n})
	return n, nil
}

// InvalidateTag deletes every entry carrying tag and returns how many were
// removed. Per-key failures are collected in a *PurgeError.
func (m *Manager) InvalidateTag(ctx context.Context, tag string) (int, error) {
	_, n, err := m.purge(ctx, m.GetByTag(ctx, tag))
	return n, err
}

// purge deletes keys, returning the keys handled without error and how many
// of them actually existed.
func (m *Manager) purge(ctx context.Context, keys []string) ([]string, int, error) {
	var (
		handled = make([]string, 0, len(keys))
		n       int
		perr    PurgeError
	)
	for _, k := range keys {
		removed, err := m.Delete(ctx, k)
		if err != nil {
			perr.add(k, err)
			continue
		}
		handled = append(handled, k)
		if removed {
			n++
		}
	}
	return handled, n, perr.orNil()
}

func (m *Manager) Stats(ctx context.Context) (entry.Stats, error) {
	s, err := m.a.GetStats(ctx)
	if err != nil {
		m.readFailed("stats", "", err)
		return entry.Stats{}, err
	}
	return s, nil
}

func (m *Manager) Keys(ctx context.Context) ([]string, error) {
	keys, err := m.a.Keys(ctx)
	if err != nil {
		m.readFailed("keys", "", err)
		return nil, err
	}
	return keys, nil
}

// Close closes the adapter once and drops the tag index.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.idx.Reset()
		m.closeErr = m.a.Close(ctx)
		if m.closeErr != nil && !errors.Is(m.closeErr, adapter.ErrClosed) {
			m.log.Warn("isrcache: adapter close failed", Fields{"err": m.closeErr})
		}
	})
	return m.closeErr
}
