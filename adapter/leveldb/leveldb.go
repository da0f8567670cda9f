// Package leveldb implements adapter.Adapter on an embedded goleveldb
// database, giving a single process a cache that survives restarts.
//
// Entries are framed records under e:<key>. Tag membership is a set of empty
// marker keys t:<tag>\x00<key>, so GetByTag is one prefix scan.
package leveldb

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/unkn0wn-root/isrcache/adapter"
	"github.com/unkn0wn-root/isrcache/codec"
	"github.com/unkn0wn-root/isrcache/entry"
	"github.com/unkn0wn-root/isrcache/internal/keys"
	"github.com/unkn0wn-root/isrcache/internal/wire"
)

const backend = "leveldb"

var ErrNilDB = errors.New("leveldb adapter: nil db")

type Config struct {
	// DB is an open database. Use Open to create one from a path.
	DB        *leveldb.DB
	Namespace string
	Codec     codec.Codec[entry.Entry] // nil => msgpack
	// SyncWrites fsyncs every write batch.
	SyncWrites bool
	// CloseDB closes DB on Close.
	CloseDB bool
	Clock   clock.Clock
}

type LevelDB struct {
	db      *leveldb.DB
	layout  keys.Layout
	codec   codec.Codec[entry.Entry]
	wo      *opt.WriteOptions
	closeDB bool
	clk     clock.Clock

	// mu serializes read-modify-write cycles; leveldb itself is goroutine-safe.
	mu sync.Mutex
}

var (
	_ adapter.Adapter           = (*LevelDB)(nil)
	_ adapter.ConditionalSetter = (*LevelDB)(nil)
)

// Open opens (or creates) a database at path and returns an adapter owning it.
func Open(path string, cfg Config) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, adapter.Wrap(backend, "open", "", err)
	}
	cfg.DB = db
	cfg.CloseDB = true
	return New(cfg)
}

func New(cfg Config) (*LevelDB, error) {
	if cfg.DB == nil {
		return nil, ErrNilDB
	}
	c := cfg.Codec
	if c == nil {
		c = codec.Msgpack[entry.Entry]{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &LevelDB{
		db:      cfg.DB,
		layout:  keys.New(cfg.Namespace),
		codec:   c,
		wo:      &opt.WriteOptions{Sync: cfg.SyncWrites},
		closeDB: cfg.CloseDB,
		clk:     clk,
	}, nil
}

func (s *LevelDB) load(op, key string) (*entry.Entry, bool, error) {
	raw, err := s.db.Get([]byte(s.layout.Entry(key)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, adapter.Wrap(backend, op, key, err)
	}
	e, err := s.decode(raw)
	if err != nil {
		return nil, false, nil
	}
	return e, true, nil
}

func (s *LevelDB) decode(raw []byte) (*entry.Entry, error) {
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

func (s *LevelDB) Get(_ context.Context, key string) (*entry.Entry, bool, error) {
	return s.load("get", key)
}

func (s *LevelDB) Set(_ context.Context, key string, e *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, _, err := s.load("set", key)
	if err != nil {
		return err
	}
	return s.putLocked(key, prev, e)
}

func (s *LevelDB) SetIfAbsent(_ context.Context, key string, e *entry.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok, err := s.load("set", key)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if err := s.putLocked(key, prev, e); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LevelDB) putLocked(key string, prev, e *entry.Entry) error {
	next := e.Clone()
	next.Meta.Normalize(key)
	payload, err := s.codec.Encode(*next)
	if err != nil {
		return adapter.Wrap(backend, "set", key, err)
	}
	var oldTags []string
	if prev != nil {
		oldTags = prev.Meta.Tags
	}
	b := new(leveldb.Batch)
	b.Put([]byte(s.layout.Entry(key)), wire.Encode(wire.KindEntry, payload))
	s.retag(b, key, oldTags, next.Meta.Tags)
	return adapter.Wrap(backend, "set", key, s.db.Write(b, s.wo))
}

func (s *LevelDB) retag(b *leveldb.Batch, key string, oldTags, newTags []string) {
	removed, added := adapter.TagDiff(oldTags, newTags)
	for _, t := range removed {
		b.Delete([]byte(s.layout.TagMember(t, key)))
	}
	for _, t := range added {
		b.Put([]byte(s.layout.TagMember(t, key)), nil)
	}
}

func (s *LevelDB) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ek := []byte(s.layout.Entry(key))
	raw, err := s.db.Get(ek, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, adapter.Wrap(backend, "delete", key, err)
	}
	b := new(leveldb.Batch)
	b.Delete(ek)
	if prev, err := s.decode(raw); err == nil {
		s.retag(b, key, prev.Meta.Tags, nil)
	}
	if err := s.db.Write(b, s.wo); err != nil {
		return false, adapter.Wrap(backend, "delete", key, err)
	}
	return true, nil
}

func (s *LevelDB) Has(_ context.Context, key string) (bool, error) {
	ok, err := s.db.Has([]byte(s.layout.Entry(key)), nil)
	if err != nil {
		return false, adapter.Wrap(backend, "has", key, err)
	}
	return ok, nil
}

// scan calls fn for every key/value under prefix, with the prefix removed.
func (s *LevelDB) scan(prefix string, fn func(k string, v []byte)) error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		k, _ := keys.Strip(string(it.Key()), prefix)
		fn(k, it.Value())
	}
	return it.Error()
}

func (s *LevelDB) Keys(_ context.Context) ([]string, error) {
	var out []string
	err := s.scan(s.layout.Entry(""), func(k string, _ []byte) {
		out = append(out, k)
	})
	if err != nil {
		return nil, adapter.Wrap(backend, "keys", "", err)
	}
	return out, nil
}

func (s *LevelDB) GetByTag(_ context.Context, tag string) ([]string, error) {
	var out []string
	err := s.scan(s.layout.TagMemberPrefix(tag), func(k string, _ []byte) {
		out = append(out, k)
	})
	if err != nil {
		return nil, adapter.Wrap(backend, "get_by_tag", "", err)
	}
	return out, nil
}

func (s *LevelDB) UpdateMeta(_ context.Context, key string, patch entry.MetaPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok, err := s.load("update_meta", key)
	if err != nil || !ok {
		return false, err
	}
	next := prev.Clone()
	entry.ApplyPatch(&next.Meta, patch)
	if err := s.putLocked(key, prev, next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LevelDB) GetMeta(_ context.Context, key string) (*entry.Meta, bool, error) {
	e, ok, err := s.load("get_meta", key)
	if err != nil || !ok {
		return nil, false, err
	}
	return &e.Meta, true, nil
}

func (s *LevelDB) GetStats(_ context.Context) (entry.Stats, error) {
	b := entry.NewStatsBuilder(s.clk.Now())
	err := s.scan(s.layout.Entry(""), func(_ string, v []byte) {
		e, err := s.decode(v)
		if err != nil {
			return
		}
		b.Add(e.Meta, int64(len(v)))
	})
	if err != nil {
		return entry.Stats{}, adapter.Wrap(backend, "stats", "", err)
	}
	return b.Stats(), nil
}

func (s *LevelDB) Close(context.Context) error {
	if !s.closeDB {
		return nil
	}
	if err := s.db.Close(); err != nil && !errors.Is(err, leveldb.ErrClosed) {
		return adapter.Wrap(backend, "close", "", err)
	}
	return nil
}
