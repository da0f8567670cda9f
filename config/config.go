// Package config loads the YAML configuration of an isrcache deployment and
// assembles the engine from it.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/isrcache"
)

// Backend names accepted in cache.backend.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendLevelDB   = "leveldb"
	BackendBigCache  = "bigcache"
	BackendRistretto = "ristretto"
	// BackendRedisKV stores whole entries as plain Redis strings through the
	// key-value adapter; tags live only in-process.
	BackendRedisKV = "redis-kv"
)

type Config struct {
	Server struct {
		Listen        string   `yaml:"listen"`
		Origin        string   `yaml:"origin"`
		OriginTimeout Duration `yaml:"originTimeout"`
	} `yaml:"server"`

	Cache Cache `yaml:"cache"`

	Revalidation struct {
		// Default interval; unset => 60s, 0s => never stale.
		Default       *Duration `yaml:"default"`
		SWR           Duration  `yaml:"swr"`
		MaxConcurrent int       `yaml:"maxConcurrent"`
		Fallback      string    `yaml:"fallback"`
		SweepEvery    Duration  `yaml:"sweepEvery"`
		// Priority of background renders queued for stale hits.
		StalePriority int `yaml:"stalePriority"`

		fallbackMode isrcache.FallbackMode
	} `yaml:"revalidation"`

	Admin struct {
		Prefix string `yaml:"prefix"`
		Secret string `yaml:"secret"`
	} `yaml:"admin"`

	Logging struct {
		Level string `yaml:"level"`
		// Log every finished revalidation, not only failures.
		Revalidations bool `yaml:"revalidations"`
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`
}

type Cache struct {
	Backend   string `yaml:"backend"`
	Namespace string `yaml:"namespace"`
	Codec     string `yaml:"codec"`
	// ExpireAfter is the record TTL for key-value backends.
	ExpireAfter Duration `yaml:"expireAfter"`
	// MaxRecord caps one encoded record (the body record for redis). Larger
	// writes fail and larger foreign records read as misses. 0 => no cap.
	MaxRecord ByteSize `yaml:"maxRecord"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`

		// MaxValue caps one stored entry for redis-kv. 0 => no cap.
		MaxValue ByteSize `yaml:"maxValue"`
	} `yaml:"redis"`

	LevelDB struct {
		Path string `yaml:"path"`
		Sync bool   `yaml:"sync"`
	} `yaml:"leveldb"`

	BigCache struct {
		LifeWindow   Duration `yaml:"lifeWindow"`
		MaxEntrySize ByteSize `yaml:"maxEntrySize"`
		Max          ByteSize `yaml:"max"`
		Shards       int      `yaml:"shards"`
	} `yaml:"bigcache"`

	Ristretto struct {
		Max         ByteSize `yaml:"max"`
		NumCounters int64    `yaml:"numCounters"`
	} `yaml:"ristretto"`
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if c.Server.OriginTimeout == 0 {
		c.Server.OriginTimeout = Duration(30 * time.Second)
	}

	cc := &c.Cache
	cc.Backend = strings.ToLower(strings.TrimSpace(cc.Backend))
	if cc.Backend == "" {
		cc.Backend = BackendMemory
	}
	if cc.Namespace == "" {
		cc.Namespace = "isr"
	}
	switch cc.Backend {
	case BackendMemory:
	case BackendBigCache:
		if cc.BigCache.Max == 0 {
			cc.BigCache.Max = 64 << 20
		}
	case BackendRistretto:
		if cc.Ristretto.Max == 0 {
			cc.Ristretto.Max = 64 << 20
		}
		if cc.Ristretto.NumCounters == 0 {
			// ~10x the expected number of entries at 16KiB per page
			cc.Ristretto.NumCounters = max(int64(cc.Ristretto.Max)/(16<<10)*10, 1000)
		}
	case BackendRedis, BackendRedisKV:
		if cc.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for backend %q", cc.Backend)
		}
	case BackendLevelDB:
		if cc.LevelDB.Path == "" {
			return fmt.Errorf("cache.leveldb.path is required for backend %q", cc.Backend)
		}
	default:
		return fmt.Errorf("cache.backend: unknown backend %q", cc.Backend)
	}
	switch cc.Codec {
	case "", "msgpack", "json", "cbor":
	default:
		return fmt.Errorf("cache.codec: unknown codec %q", cc.Codec)
	}

	rv := &c.Revalidation
	if (rv.Default != nil && *rv.Default < 0) || rv.SWR < 0 || rv.SweepEvery < 0 {
		return fmt.Errorf("revalidation: durations must not be negative")
	}
	if rv.Default == nil {
		d := Duration(60 * time.Second)
		rv.Default = &d
	}
	if rv.MaxConcurrent < 0 {
		return fmt.Errorf("revalidation.maxConcurrent must not be negative")
	}
	if rv.Fallback == "" {
		rv.fallbackMode = isrcache.FallbackBlocking
	} else {
		m, err := isrcache.ParseFallbackMode(rv.Fallback)
		if err != nil {
			return fmt.Errorf("revalidation.fallback: %w", err)
		}
		rv.fallbackMode = m
	}

	if c.Admin.Prefix == "" {
		c.Admin.Prefix = "/_isr"
	}
	if !strings.HasPrefix(c.Admin.Prefix, "/") {
		return fmt.Errorf("admin.prefix must start with /")
	}
	c.Admin.Prefix = strings.TrimRight(c.Admin.Prefix, "/")
	if c.Admin.Prefix == "" {
		return fmt.Errorf("admin.prefix must not be /")
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.Revalidate != nil && *r.Revalidate < 0 {
			return fmt.Errorf("rules[%d].revalidate must not be negative", i)
		}
	}
	sort.SliceStable(c.Rules, func(i, j int) bool {
		return c.Rules[i].Priority < c.Rules[j].Priority
	})
	return nil
}

// FallbackMode is the parsed revalidation.fallback ("blocking" when unset).
func (c *Config) FallbackMode() isrcache.FallbackMode {
	if c.Revalidation.fallbackMode == "" {
		return isrcache.FallbackBlocking
	}
	return c.Revalidation.fallbackMode
}

// RevalidateSeconds is the interval for path: the matching rule's override,
// or the default.
func (c *Config) RevalidateSeconds(path string) int {
	if r := c.RuleFor(path); r != nil && r.Revalidate != nil {
		return r.Revalidate.Seconds()
	}
	return c.DefaultRevalidateSeconds()
}

// DefaultRevalidateSeconds is revalidation.default in seconds; 0 means never
// stale.
func (c *Config) DefaultRevalidateSeconds() int {
	if c.Revalidation.Default == nil {
		return 0
	}
	return c.Revalidation.Default.Seconds()
}
