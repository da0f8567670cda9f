package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/isrcache"
	"github.com/unkn0wn-root/isrcache/adapter"
	"github.com/unkn0wn-root/isrcache/adapter/kv"
	"github.com/unkn0wn-root/isrcache/adapter/leveldb"
	"github.com/unkn0wn-root/isrcache/adapter/memory"
	redisadapter "github.com/unkn0wn-root/isrcache/adapter/redis"
	"github.com/unkn0wn-root/isrcache/codec"
	"github.com/unkn0wn-root/isrcache/entry"
	"github.com/unkn0wn-root/isrcache/handler"
	"github.com/unkn0wn-root/isrcache/provider"
	"github.com/unkn0wn-root/isrcache/provider/bigcache"
	redisprovider "github.com/unkn0wn-root/isrcache/provider/redis"
	"github.com/unkn0wn-root/isrcache/provider/ristretto"
)

type BuildOptions struct {
	Render isrcache.RenderFunc
	Logger isrcache.Logger
	Hooks  isrcache.Hooks
	Clock  clock.Clock
	// Bypass serves non-GET requests and paths whose rule sets bypass.
	Bypass http.Handler
	// Redis replaces the client built from cache.redis. The engine does not
	// close it.
	Redis goredis.UniversalClient
}

// Engine is an assembled cache: storage, manager, scheduler, fallback,
// sweeper and their HTTP surfaces.
type Engine struct {
	Adapter   adapter.Adapter
	Manager   *isrcache.Manager
	Scheduler *isrcache.Scheduler
	Fallback  *isrcache.Fallback
	Sweeper   *isrcache.Sweeper // nil when revalidation.sweepEvery is unset
	Handler   *handler.Handler
	Admin     http.Handler

	cfg    Config
	bypass http.Handler
}

// Build wires the engine described by cfg. Background work starts with Start.
func Build(cfg Config, opts BuildOptions) (*Engine, error) {
	if opts.Render == nil {
		return nil, errors.New("config: render function is required")
	}
	logger := isrcache.LoggerOrNop(opts.Logger)
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	a, err := openAdapter(cfg.Cache, opts.Redis, clk)
	if err != nil {
		return nil, err
	}

	mgr := isrcache.NewManager(isrcache.ManagerOptions{
		Adapter: a,
		Logger:  logger,
		Hooks:   opts.Hooks,
		Clock:   clk,
	})
	sched := isrcache.NewScheduler(mgr, opts.Render, isrcache.SchedulerOptions{
		MaxConcurrent:            cfg.Revalidation.MaxConcurrent,
		DefaultRevalidateSeconds: cfg.DefaultRevalidateSeconds(),
		Logger:                   logger,
		Hooks:                    opts.Hooks,
	})
	swr := cfg.Revalidation.SWR.Seconds()
	fb := isrcache.NewFallback(mgr, sched, isrcache.FallbackOptions{
		Mode:       cfg.FallbackMode(),
		SWRSeconds: swr,
		Logger:     logger,
	})

	e := &Engine{
		Adapter:   a,
		Manager:   mgr,
		Scheduler: sched,
		Fallback:  fb,
		cfg:       cfg,
		bypass:    opts.Bypass,
	}
	if every := cfg.Revalidation.SweepEvery.Std(); every > 0 {
		e.Sweeper = isrcache.NewSweeper(mgr, sched, isrcache.SweeperOptions{
			Interval: every,
			Logger:   logger,
		})
	}
	e.Handler = handler.New(handler.Options{
		Manager:    mgr,
		Scheduler:  sched,
		Fallback:   fb,
		SWRSeconds: swr,
		Priority:   cfg.Revalidation.StalePriority,
		Bypass:     opts.Bypass,
		Logger:     logger,
	})
	e.Admin = handler.NewAdmin(handler.AdminOptions{
		Manager:   mgr,
		Scheduler: sched,
		Sweeper:   e.Sweeper,
		Secret:    cfg.Admin.Secret,
		Logger:    logger,
	})
	return e, nil
}

func openAdapter(c Cache, shared goredis.UniversalClient, clk clock.Clock) (adapter.Adapter, error) {
	redisClient := func() (goredis.UniversalClient, bool) {
		if shared != nil {
			return shared, false
		}
		return goredis.NewClient(&goredis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		}), true
	}

	switch c.Backend {
	case BackendMemory, "":
		return memory.New(memory.Config{Clock: clk}), nil

	case BackendRedis:
		rdb, owned := redisClient()
		return asAdapter(redisadapter.New(redisadapter.Config{
			Client:       rdb,
			Namespace:    c.Namespace,
			Codec:        c.Codec,
			MaxBodyBytes: int(c.MaxRecord),
			CloseClient:  owned,
			Clock:        clk,
		}))

	case BackendLevelDB:
		cd, err := entryCodec(c)
		if err != nil {
			return nil, err
		}
		return asAdapter(leveldb.Open(c.LevelDB.Path, leveldb.Config{
			Namespace:  c.Namespace,
			Codec:      cd,
			SyncWrites: c.LevelDB.Sync,
			Clock:      clk,
		}))
	}

	var (
		p   provider.Provider
		err error
	)
	switch c.Backend {
	case BackendBigCache:
		p, err = bigcache.New(bigcache.Config{
			LifeWindow:         c.BigCache.LifeWindow.Std(),
			MaxEntrySize:       int(c.BigCache.MaxEntrySize),
			HardMaxCacheSizeMB: c.BigCache.Max.MB(),
			Shards:             c.BigCache.Shards,
		})
	case BackendRistretto:
		p, err = ristretto.New(ristretto.Config{
			NumCounters:  c.Ristretto.NumCounters,
			MaxCostBytes: int64(c.Ristretto.Max),
			SyncWrites:   true,
		})
	case BackendRedisKV:
		rdb, owned := redisClient()
		p, err = redisprovider.New(redisprovider.Config{
			Client:        rdb,
			CloseClient:   owned,
			MaxValueBytes: int(c.Redis.MaxValue),
		})
	default:
		return nil, fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %s provider: %w", c.Backend, err)
	}
	cd, err := entryCodec(c)
	if err != nil {
		_ = p.Close(context.Background())
		return nil, err
	}
	return asAdapter(kv.New(kv.Config{
		Provider:      p,
		Codec:         cd,
		Namespace:     c.Namespace,
		ExpireAfter:   c.ExpireAfter.Std(),
		CloseProvider: true,
		Clock:         clk,
	}))
}

// entryCodec is the record codec for single-record backends, capped at
// cache.maxRecord.
func entryCodec(c Cache) (codec.Codec[entry.Entry], error) {
	cd, err := codec.ByName[entry.Entry](c.Codec)
	if err != nil {
		return nil, err
	}
	return codec.Limit(cd, int(c.MaxRecord)), nil
}

// asAdapter keeps a failed constructor's typed nil out of the interface.
func asAdapter[A adapter.Adapter](a A, err error) (adapter.Adapter, error) {
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Start launches the sweeper, if configured.
func (e *Engine) Start() {
	if e.Sweeper != nil {
		e.Sweeper.Start()
	}
}

// Routes mounts the admin API under admin.prefix and serves everything else
// from the cache, sending bypass-rule paths to the bypass handler.
func (e *Engine) Routes() http.Handler {
	r := chi.NewRouter()
	r.Mount(e.cfg.Admin.Prefix, e.Admin)
	r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if rule := e.cfg.RuleFor(req.URL.Path); rule != nil && rule.Bypass && e.bypass != nil {
			w.Header().Set(handler.StatusHeader, handler.StatusBypass)
			e.bypass.ServeHTTP(w, req)
			return
		}
		e.Handler.ServeHTTP(w, req)
	}))
	return r
}

// Close stops background work and closes the storage backend.
func (e *Engine) Close(ctx context.Context) error {
	if e.Sweeper != nil {
		e.Sweeper.Stop()
	}
	return errors.Join(e.Scheduler.Close(ctx), e.Manager.Close(ctx))
}
