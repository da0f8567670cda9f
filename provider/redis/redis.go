// Package redis adapts a go-redis client to provider.Provider: a flat
// key-value keyspace with per-key TTL, the shape most edge KV stores expose.
// For a backend with server-side tag sets use adapter/redis instead.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/isrcache/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

type Config struct {
	Client goredis.UniversalClient

	// CloseClient hands ownership of Client to the provider.
	CloseClient bool

	// MaxValueBytes caps a single value, mirroring the per-value limit of
	// hosted KV stores. Larger writes are rejected with ok=false. 0 => no cap.
	MaxValueBytes int
}

type Redis struct {
	rdb      goredis.UniversalClient
	owned    bool
	maxValue int
}

var _ pr.Provider = (*Redis)(nil)

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, owned: cfg.CloseClient, maxValue: max(cfg.MaxValueBytes, 0)}, nil
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("redis provider: get: %w", err)
	}
	return b, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if p.maxValue > 0 && len(value) > p.maxValue {
		return false, nil
	}
	// 0 => no expiry; go-redis reads negative values as KEEPTTL.
	if err := p.rdb.Set(ctx, key, value, max(ttl, 0)).Err(); err != nil {
		return false, fmt.Errorf("redis provider: set: %w", err)
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) error {
	if err := p.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis provider: del: %w", err)
	}
	return nil
}

// Close closes the client only when the provider owns it. Repeated calls are
// no-ops.
func (p *Redis) Close(context.Context) error {
	if !p.owned {
		return nil
	}
	if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
