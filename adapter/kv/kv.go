// Package kv implements adapter.Adapter on top of any provider.Provider, the
// flat byte store with TTLs (BigCache, Ristretto, a plain Redis keyspace).
//
// Each entry is one framed record under keys.Layout.Entry(key). Byte stores
// cannot enumerate or group keys, so the adapter keeps an in-process directory
// of key -> metadata and tag -> keys. A provider may evict at any time; when a
// read finds a key missing that the directory still lists, the directory is
// corrected on the spot.
package kv

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unkn0wn-root/isrcache/adapter"
	"github.com/unkn0wn-root/isrcache/codec"
	"github.com/unkn0wn-root/isrcache/entry"
	"github.com/unkn0wn-root/isrcache/internal/keys"
	"github.com/unkn0wn-root/isrcache/internal/wire"
	"github.com/unkn0wn-root/isrcache/provider"
)

const backend = "kv"

var (
	ErrNilProvider = errors.New("kv adapter: nil provider")
	// ErrRejected is returned when the provider refused a write under pressure.
	ErrRejected = errors.New("kv adapter: write rejected by provider")
)

type Config struct {
	Provider provider.Provider
	Codec    codec.Codec[entry.Entry] // nil => msgpack
	// Namespace prefixes every provider key.
	Namespace string
	// ExpireAfter is the provider TTL for each record. 0 => no expiry.
	// Set it well above revalidate + swr so records outlive their grace window.
	ExpireAfter time.Duration
	// CloseProvider closes the provider on Close.
	CloseProvider bool
	Clock         clock.Clock
}

type dirEntry struct {
	meta entry.Meta
	size int64
}

type KV struct {
	p      provider.Provider
	codec  codec.Codec[entry.Entry]
	layout keys.Layout
	ttl    time.Duration
	closeP bool
	clk    clock.Clock

	// wmu serializes writers so the directory never disagrees with what the
	// last writer stored in the provider.
	wmu sync.Mutex

	mu   sync.RWMutex
	dir  map[string]dirEntry
	tags map[string]map[string]struct{}
	// writes counts directory changes made by writers. A reader applies what
	// it observed in the provider only if no writer ran in between.
	writes uint64
	closed bool
}

var (
	_ adapter.Adapter           = (*KV)(nil)
	_ adapter.ConditionalSetter = (*KV)(nil)
)

func New(cfg Config) (*KV, error) {
	if cfg.Provider == nil {
		return nil, ErrNilProvider
	}
	c := cfg.Codec
	if c == nil {
		c = codec.Msgpack[entry.Entry]{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &KV{
		p:      cfg.Provider,
		codec:  c,
		layout: keys.New(cfg.Namespace),
		ttl:    cfg.ExpireAfter,
		closeP: cfg.CloseProvider,
		clk:    clk,
		dir:    make(map[string]dirEntry),
		tags:   make(map[string]map[string]struct{}),
	}, nil
}

func (s *KV) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *KV) encode(e *entry.Entry) ([]byte, error) {
	payload, err := s.codec.Encode(*e)
	if err != nil {
		return nil, err
	}
	return wire.Encode(wire.KindEntry, payload), nil
}

func (s *KV) decode(raw []byte) (*entry.Entry, error) {
	payload, err := wire.Decode(wire.KindEntry, raw)
	if err != nil {
		return nil, err
	}
	e, err := s.codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *KV) writeMark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// load reads and decodes key from the provider, dropping corrupt records and
// directory rows for evicted keys. The directory is only corrected when no
// writer changed it since the read began. held reports whether the caller
// holds wmu.
func (s *KV) load(ctx context.Context, op, key string, held bool) (*entry.Entry, bool, error) {
	mark := s.writeMark()
	pk := s.layout.Entry(key)
	raw, ok, err := s.p.Get(ctx, pk)
	if err != nil {
		return nil, false, adapter.Wrap(backend, op, key, err)
	}
	if !ok {
		s.observeMissing(key, mark)
		return nil, false, nil
	}
	e, err := s.decode(raw)
	if err != nil {
		s.dropCorrupt(ctx, key, raw, held)
		return nil, false, nil
	}
	s.adopt(key, e, mark)
	return e, true, nil
}

func (s *KV) Get(ctx context.Context, key string) (*entry.Entry, bool, error) {
	if s.isClosed() {
		return nil, false, adapter.Wrap(backend, "get", key, adapter.ErrClosed)
	}
	return s.load(ctx, "get", key, false)
}

func (s *KV) Set(ctx context.Context, key string, e *entry.Entry) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.isClosed() {
		return adapter.Wrap(backend, "set", key, adapter.ErrClosed)
	}
	return s.putLocked(ctx, key, e)
}

// SetIfAbsent is atomic with respect to other writers of this process only.
func (s *KV) SetIfAbsent(ctx context.Context, key string, e *entry.Entry) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.isClosed() {
		return false, adapter.Wrap(backend, "set", key, adapter.ErrClosed)
	}
	_, ok, err := s.load(ctx, "set", key, true)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if err := s.putLocked(ctx, key, e); err != nil {
		return false, err
	}
	return true, nil
}

func (s *KV) putLocked(ctx context.Context, key string, e *entry.Entry) error {
	next := e.Clone()
	next.Meta.Normalize(key)
	raw, err := s.encode(next)
	if err != nil {
		return adapter.Wrap(backend, "set", key, err)
	}
	ok, err := s.p.Set(ctx, s.layout.Entry(key), raw, s.ttl)
	if err != nil {
		return adapter.Wrap(backend, "set", key, err)
	}
	if !ok {
		return adapter.Wrap(backend, "set", key, ErrRejected)
	}
	s.remember(key, next.Meta, next.Size())
	return nil
}

func (s *KV) Delete(ctx context.Context, key string) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.isClosed() {
		return false, adapter.Wrap(backend, "delete", key, adapter.ErrClosed)
	}
	pk := s.layout.Entry(key)
	_, existed, err := s.p.Get(ctx, pk)
	if err != nil {
		return false, adapter.Wrap(backend, "delete", key, err)
	}
	if err := s.p.Del(ctx, pk); err != nil {
		return false, adapter.Wrap(backend, "delete", key, err)
	}
	s.forget(key)
	return existed, nil
}

func (s *KV) Has(ctx context.Context, key string) (bool, error) {
	if s.isClosed() {
		return false, adapter.Wrap(backend, "has", key, adapter.ErrClosed)
	}
	_, ok, err := s.load(ctx, "has", key, false)
	return ok, err
}

// Keys lists keys known to this process. Keys evicted by the provider since
// the last read of them may still appear.
func (s *KV) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, adapter.Wrap(backend, "keys", "", adapter.ErrClosed)
	}
	out := make([]string, 0, len(s.dir))
	for k := range s.dir {
		out = append(out, k)
	}
	return out, nil
}

func (s *KV) GetByTag(_ context.Context, tag string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, adapter.Wrap(backend, "get_by_tag", "", adapter.ErrClosed)
	}
	set := s.tags[tag]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out, nil
}

func (s *KV) UpdateMeta(ctx context.Context, key string, patch entry.MetaPatch) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.isClosed() {
		return false, adapter.Wrap(backend, "update_meta", key, adapter.ErrClosed)
	}
	e, ok, err := s.load(ctx, "update_meta", key, true)
	if err != nil || !ok {
		return false, err
	}
	entry.ApplyPatch(&e.Meta, patch)
	if err := s.putLocked(ctx, key, e); err != nil {
		return false, err
	}
	return true, nil
}

func (s *KV) GetMeta(ctx context.Context, key string) (*entry.Meta, bool, error) {
	if s.isClosed() {
		return nil, false, adapter.Wrap(backend, "get_meta", key, adapter.ErrClosed)
	}
	e, ok, err := s.load(ctx, "get_meta", key, false)
	if err != nil || !ok {
		return nil, false, err
	}
	return &e.Meta, true, nil
}

// GetStats is computed from the directory and may count keys the provider
// has already evicted.
func (s *KV) GetStats(_ context.Context) (entry.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return entry.Stats{}, adapter.Wrap(backend, "stats", "", adapter.ErrClosed)
	}
	b := entry.NewStatsBuilder(s.clk.Now())
	for _, d := range s.dir {
		b.Add(d.meta, d.size)
	}
	return b.Stats(), nil
}

func (s *KV) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.dir = make(map[string]dirEntry)
	s.tags = make(map[string]map[string]struct{})
	s.mu.Unlock()

	if s.closeP {
		return adapter.Wrap(backend, "close", "", s.p.Close(ctx))
	}
	return nil
}

func (s *KV) remember(key string, meta entry.Meta, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var old []string
	if prev, ok := s.dir[key]; ok {
		old = prev.meta.Tags
	}
	s.retagLocked(key, old, meta.Tags)
	s.dir[key] = dirEntry{meta: meta, size: size}
	s.writes++
}

// adopt records a key written by another process sharing the provider.
func (s *KV) adopt(key string, e *entry.Entry, mark uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.writes != mark {
		return
	}
	if _, ok := s.dir[key]; ok {
		return
	}
	s.retagLocked(key, nil, e.Meta.Tags)
	s.dir[key] = dirEntry{meta: e.Meta.Clone(), size: e.Size()}
}

// dropCorrupt deletes an unreadable record unless a writer replaced it after
// it was read.
func (s *KV) dropCorrupt(ctx context.Context, key string, raw []byte, held bool) {
	if !held {
		s.wmu.Lock()
		defer s.wmu.Unlock()
	}
	pk := s.layout.Entry(key)
	cur, ok, err := s.p.Get(ctx, pk)
	if err != nil || !ok || !bytes.Equal(cur, raw) {
		return
	}
	_ = s.p.Del(ctx, pk)
	s.forget(key)
}

// observeMissing drops key after a read found it gone from the provider.
func (s *KV) observeMissing(key string, mark uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes != mark {
		return
	}
	s.dropLocked(key)
}

// forget drops key on behalf of a writer.
func (s *KV) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(key)
	s.writes++
}

func (s *KV) dropLocked(key string) {
	prev, ok := s.dir[key]
	if !ok {
		return
	}
	s.retagLocked(key, prev.meta.Tags, nil)
	delete(s.dir, key)
}

func (s *KV) retagLocked(key string, oldTags, newTags []string) {
	removed, added := adapter.TagDiff(oldTags, newTags)
	for _, t := range removed {
		if set, ok := s.tags[t]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(s.tags, t)
			}
		}
	}
	for _, t := range added {
		set, ok := s.tags[t]
		if !ok {
			set = make(map[string]struct{})
			s.tags[t] = set
		}
		set[key] = struct{}{}
	}
}
