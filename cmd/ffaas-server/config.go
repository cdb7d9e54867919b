package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

const envPrefix = "FFAAS_"

// Cache backends.
const (
	cacheMemory = "memory"
	cacheLRU    = "lru"
	cacheRedis  = "redis"
	cacheNone   = "none"
)

type config struct {
	Addr     string `env:"ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL          string `env:"DATABASE_URL"`
	DatabaseEnsureSchema bool   `env:"DATABASE_ENSURE_SCHEMA" envDefault:"false"`

	Cache     string        `env:"CACHE" envDefault:"memory"`
	CacheTTL  time.Duration `env:"CACHE_TTL" envDefault:"2m"`
	CacheSize int64         `env:"CACHE_SIZE" envDefault:"1000"`
	RedisURL  string        `env:"REDIS_URL"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	RetryAdvice       time.Duration `env:"RETRY_ADVICE" envDefault:"3s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	StreamQueueSize   int           `env:"STREAM_QUEUE_SIZE" envDefault:"256"`

	SeedFiles     []string `env:"SEED_FILE" envSeparator:","`
	WatchSeedFile bool     `env:"WATCH_SEED_FILE" envDefault:"false"`

	Metrics         bool          `env:"METRICS" envDefault:"true"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// loadConfig reads the configuration from environ, a map of variable names to values.
func loadConfig(environ map[string]string) (config, error) {
	var cfg config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ, Prefix: envPrefix}); err != nil {
		return config{}, err
	}
	cfg.Cache = strings.ToLower(strings.TrimSpace(cfg.Cache))
	switch cfg.Cache {
	case cacheMemory, cacheLRU, cacheNone:
	case cacheRedis:
		if cfg.RedisURL == "" {
			return config{}, fmt.Errorf("%sREDIS_URL is required when %sCACHE is %q", envPrefix, envPrefix, cacheRedis)
		}
	default:
		return config{}, fmt.Errorf("%sCACHE must be one of memory, lru, redis, none; got %q", envPrefix, cfg.Cache)
	}
	if _, ok := logLevelFromName(cfg.LogLevel); !ok {
		return config{}, fmt.Errorf("%sLOG_LEVEL must be one of debug, info, warn, error, none; got %q",
			envPrefix, cfg.LogLevel)
	}
	if cfg.WatchSeedFile && len(cfg.SeedFiles) == 0 {
		return config{}, fmt.Errorf("%sWATCH_SEED_FILE requires %sSEED_FILE", envPrefix, envPrefix)
	}
	return cfg, nil
}

func logLevelFromName(name string) (ldlog.LogLevel, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return ldlog.Debug, true
	case "info", "":
		return ldlog.Info, true
	case "warn":
		return ldlog.Warn, true
	case "error":
		return ldlog.Error, true
	case "none":
		return ldlog.None, true
	}
	return ldlog.Info, false
}
