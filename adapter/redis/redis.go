// Package redis implements adapter.Adapter on Redis with server-side tag sets,
// so every process pointed at the same namespace shares one cache.
//
// Layout under the namespace (see internal/keys):
//
//	e:<key>   framed body record (body, headers, extra props)
//	m:<key>   framed metadata
//	keys      set of all keys
//	t:<tag>   set of keys carrying tag
//
// Metadata lives apart from the body so status transitions rewrite only a few
// hundred bytes. Writers use WATCH on the metadata key and retry on conflict,
// which keeps tag sets symmetric with metadata under concurrent writers.
package redis

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/benbjohnson/clock"

	"github.com/unkn0wn-root/isrcache/adapter"
	"github.com/unkn0wn-root/isrcache/codec"
	"github.com/unkn0wn-root/isrcache/entry"
	"github.com/unkn0wn-root/isrcache/internal/keys"
	"github.com/unkn0wn-root/isrcache/internal/wire"
)

const (
	backend    = "redis"
	maxRetries = 16
)

var (
	ErrNilClient = errors.New("redis adapter: nil client")
	// ErrConflict is returned when optimistic retries are exhausted.
	ErrConflict = errors.New("redis adapter: too many concurrent writers")
)

type Config struct {
	Client    goredis.UniversalClient
	Namespace string
	// Codec is "msgpack" (default), "json" or "cbor".
	Codec string
	// MaxBodyBytes caps the encoded body record. Larger bodies fail to write
	// and read as misses. 0 => no cap.
	MaxBodyBytes int
	// CloseClient closes Client on Close. Leave false for shared clients.
	CloseClient bool
	Clock       clock.Clock
}

// body is the part of an entry stored under e:<key>.
type body struct {
	Body       string            `json:"body" msgpack:"body"`
	ExtraProps map[string]any    `json:"extraProps,omitempty" msgpack:"extraProps,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
}

type Redis struct {
	rdb         goredis.UniversalClient
	layout      keys.Layout
	bodyCodec   codec.Codec[body]
	metaCodec   codec.Codec[entry.Meta]
	closeClient bool
	clk         clock.Clock
}

var (
	_ adapter.Adapter           = (*Redis)(nil)
	_ adapter.ConditionalSetter = (*Redis)(nil)
)

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	bc, err := codec.ByName[body](cfg.Codec)
	if err != nil {
		return nil, err
	}
	mc, err := codec.ByName[entry.Meta](cfg.Codec)
	if err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Redis{
		rdb:         cfg.Client,
		layout:      keys.New(cfg.Namespace),
		bodyCodec:   codec.Limit(bc, cfg.MaxBodyBytes),
		metaCodec:   mc,
		closeClient: cfg.CloseClient,
		clk:         clk,
	}, nil
}

func (s *Redis) encodeMeta(m entry.Meta) ([]byte, error) {
	b, err := s.metaCodec.Encode(m)
	if err != nil {
		return nil, err
	}
	return wire.Encode(wire.KindMeta, b), nil
}

func (s *Redis) decodeMeta(raw []byte) (*entry.Meta, error) {
	payload, err := wire.Decode(wire.KindMeta, raw)
	if err != nil {
		return nil, err
	}
	m, err := s.metaCodec.Decode(payload)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Redis) encodeBody(e *entry.Entry) ([]byte, error) {
	b, err := s.bodyCodec.Encode(body{Body: e.Body, ExtraProps: e.ExtraProps, Headers: e.Headers})
	if err != nil {
		return nil, err
	}
	return wire.Encode(wire.KindBody, b), nil
}

func (s *Redis) decodeBody(raw []byte) (body, error) {
	payload, err := wire.Decode(wire.KindBody, raw)
	if err != nil {
		return body{}, err
	}
	return s.bodyCodec.Decode(payload)
}

// asBytes normalizes an MGET element.
func asBytes(v any) ([]byte, bool) {
	switch vv := v.(type) {
	case string:
		return []byte(vv), true
	case []byte:
		return vv, true
	}
	return nil, false
}

func (s *Redis) Get(ctx context.Context, key string) (*entry.Entry, bool, error) {
	vals, err := s.rdb.MGet(ctx, s.layout.Meta(key), s.layout.Entry(key)).Result()
	if err != nil {
		return nil, false, adapter.Wrap(backend, "get", key, err)
	}
	rawMeta, okM := asBytes(vals[0])
	rawBody, okB := asBytes(vals[1])
	if !okM || !okB {
		return nil, false, nil
	}
	m, err := s.decodeMeta(rawMeta)
	if err != nil {
		return nil, false, nil
	}
	b, err := s.decodeBody(rawBody)
	if err != nil {
		return nil, false, nil
	}
	return &entry.Entry{Body: b.Body, Meta: *m, ExtraProps: b.ExtraProps, Headers: b.Headers}, true, nil
}

// watchMeta runs fn inside WATCH m:<key>, retrying on optimistic conflicts.
// fn receives the current metadata (nil when absent or unreadable).
func (s *Redis) watchMeta(ctx context.Context, op, key string, fn func(tx *goredis.Tx, cur *entry.Meta) error) error {
	mk := s.layout.Meta(key)
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, mk).Bytes()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		var cur *entry.Meta
		if err == nil {
			cur, _ = s.decodeMeta(raw) // unreadable metadata is overwritten
		}
		return fn(tx, cur)
	}
	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, mk)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return adapter.Wrap(backend, op, key, err)
	}
	return adapter.Wrap(backend, op, key, ErrConflict)
}

func (s *Redis) retag(ctx context.Context, p goredis.Pipeliner, key string, oldTags, newTags []string) {
	removed, added := adapter.TagDiff(oldTags, newTags)
	for _, t := range removed {
		p.SRem(ctx, s.layout.Tag(t), key)
	}
	for _, t := range added {
		p.SAdd(ctx, s.layout.Tag(t), key)
	}
}

func (s *Redis) put(ctx context.Context, tx *goredis.Tx, key string, cur *entry.Meta, e *entry.Entry) error {
	next := e.Clone()
	next.Meta.Normalize(key)
	rawBody, err := s.encodeBody(next)
	if err != nil {
		return err
	}
	rawMeta, err := s.encodeMeta(next.Meta)
	if err != nil {
		return err
	}
	var oldTags []string
	if cur != nil {
		oldTags = cur.Tags
	}
	_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.layout.Entry(key), rawBody, 0)
		p.Set(ctx, s.layout.Meta(key), rawMeta, 0)
		p.SAdd(ctx, s.layout.Index(), key)
		s.retag(ctx, p, key, oldTags, next.Meta.Tags)
		return nil
	})
	return err
}

func (s *Redis) Set(ctx context.Context, key string, e *entry.Entry) error {
	return s.watchMeta(ctx, "set", key, func(tx *goredis.Tx, cur *entry.Meta) error {
		return s.put(ctx, tx, key, cur, e)
	})
}

func (s *Redis) SetIfAbsent(ctx context.Context, key string, e *entry.Entry) (bool, error) {
	created := false
	err := s.watchMeta(ctx, "set", key, func(tx *goredis.Tx, cur *entry.Meta) error {
		created = false
		if cur != nil {
			return nil
		}
		if err := s.put(ctx, tx, key, cur, e); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (s *Redis) Delete(ctx context.Context, key string) (bool, error) {
	removed := false
	err := s.watchMeta(ctx, "delete", key, func(tx *goredis.Tx, cur *entry.Meta) error {
		var tags []string
		if cur != nil {
			tags = cur.Tags
		}
		var del *goredis.IntCmd
		_, err := tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			del = p.Del(ctx, s.layout.Meta(key), s.layout.Entry(key))
			p.SRem(ctx, s.layout.Index(), key)
			s.retag(ctx, p, key, tags, nil)
			return nil
		})
		if err != nil {
			return err
		}
		removed = del.Val() > 0
		return nil
	})
	return removed, err
}

func (s *Redis) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.layout.Meta(key)).Result()
	if err != nil {
		return false, adapter.Wrap(backend, "has", key, err)
	}
	return n > 0, nil
}

func (s *Redis) Keys(ctx context.Context) ([]string, error) {
	out, err := s.rdb.SMembers(ctx, s.layout.Index()).Result()
	if err != nil {
		return nil, adapter.Wrap(backend, "keys", "", err)
	}
	return out, nil
}

func (s *Redis) GetByTag(ctx context.Context, tag string) ([]string, error) {
	out, err := s.rdb.SMembers(ctx, s.layout.Tag(tag)).Result()
	if err != nil {
		return nil, adapter.Wrap(backend, "get_by_tag", "", err)
	}
	return out, nil
}

func (s *Redis) UpdateMeta(ctx context.Context, key string, patch entry.MetaPatch) (bool, error) {
	updated := false
	err := s.watchMeta(ctx, "update_meta", key, func(tx *goredis.Tx, cur *entry.Meta) error {
		updated = false
		if cur == nil {
			return nil
		}
		next := cur.Clone()
		oldTags := entry.ApplyPatch(&next, patch)
		raw, err := s.encodeMeta(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, s.layout.Meta(key), raw, 0)
			s.retag(ctx, p, key, oldTags, next.Tags)
			return nil
		})
		if err != nil {
			return err
		}
		updated = true
		return nil
	})
	return updated, err
}

func (s *Redis) GetMeta(ctx context.Context, key string) (*entry.Meta, bool, error) {
	raw, err := s.rdb.Get(ctx, s.layout.Meta(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, adapter.Wrap(backend, "get_meta", key, err)
	}
	m, err := s.decodeMeta(raw)
	if err != nil {
		return nil, false, nil
	}
	return m, true, nil
}

// GetStats walks the key index with one pipelined round trip.
func (s *Redis) GetStats(ctx context.Context) (entry.Stats, error) {
	all, err := s.Keys(ctx)
	if err != nil {
		return entry.Stats{}, err
	}
	b := entry.NewStatsBuilder(s.clk.Now())
	if len(all) == 0 {
		return b.Stats(), nil
	}
	metas := make([]*goredis.StringCmd, len(all))
	sizes := make([]*goredis.IntCmd, len(all))
	_, err = s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, k := range all {
			metas[i] = p.Get(ctx, s.layout.Meta(k))
			sizes[i] = p.StrLen(ctx, s.layout.Entry(k))
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return entry.Stats{}, adapter.Wrap(backend, "stats", "", err)
	}
	for i := range all {
		raw, err := metas[i].Bytes()
		if err != nil {
			continue
		}
		m, err := s.decodeMeta(raw)
		if err != nil {
			continue
		}
		b.Add(*m, sizes[i].Val()+int64(len(raw)))
	}
	return b.Stats(), nil
}

// Close releases the client only when this adapter owns it.
// Safe to call multiple times.
func (s *Redis) Close(context.Context) error {
	if !s.closeClient {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return adapter.Wrap(backend, "close", "", err)
	}
	return nil
}
