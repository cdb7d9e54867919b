// Command ffaas-server runs the flag service.
//
// It is configured with FFAAS_* environment variables, which may also be given in a .env file in
// the working directory. See config.go for the full list and their defaults.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ffaaslite/go-ffaas/ffpostgres"
	"github.com/ffaaslite/go-ffaas/ffredis"
	"github.com/ffaaslite/go-ffaas/ffserver"
	"github.com/ffaaslite/go-ffaas/ffstore"
	"github.com/ffaaslite/go-ffaas/fffiledata"
	"github.com/ffaaslite/go-ffaas/internal/realtime"

	"github.com/joho/godotenv"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// seedActor is recorded in the audit log for changes made from seed files.
const seedActor = "seed-file"

func main() {
	// The .env file is optional.
	_ = godotenv.Load()

	cfg, err := loadConfig(environMap(os.Environ()))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	loggers := ldlog.NewDefaultLoggers()
	level, _ := logLevelFromName(cfg.LogLevel)
	loggers.SetMinLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, loggers); err != nil {
		loggers.Error(err)
		os.Exit(1)
	}
}

func environMap(environ []string) map[string]string {
	ret := make(map[string]string, len(environ))
	for _, kv := range environ {
		if name, value, ok := strings.Cut(kv, "="); ok {
			ret[name] = value
		}
	}
	return ret
}

// run serves until ctx is done, then shuts down gracefully.
func run(ctx context.Context, cfg config, loggers ldlog.Loggers) error {
	components, err := newComponents(ctx, cfg, loggers)
	if err != nil {
		return err
	}
	defer components.close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           components.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		loggers.Infof("Listening on %s", cfg.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	loggers.Info("Shutting down")
	// Stream handlers only return when their subscription ends, so the streams are closed first.
	components.broadcaster.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type components struct {
	service     *ffserver.Service
	broadcaster *realtime.Broadcaster
	handler     http.Handler
	closers     []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func newComponents(ctx context.Context, cfg config, loggers ldlog.Loggers) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	var (
		store ffstore.FlagStore
		audit ffstore.AuditSink
	)
	if cfg.DatabaseURL != "" {
		pg, err := ffpostgres.Connect(ctx, cfg.DatabaseURL, loggers)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, pg.Close)
		if cfg.DatabaseEnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("unable to create schema: %w", err)
			}
		}
		store, audit = pg, pg
		loggers.Info("Using PostgreSQL flag store")
	} else {
		db := ffstore.NewMemDB()
		store, audit = db, db
		loggers.Info("Using in-memory flag store; flags will not survive a restart")
	}

	cache, err := newCache(ctx, cfg, c, loggers)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		store = ffstore.NewCachedStore(store, cache, cfg.CacheTTL, loggers)
	}

	var metrics *ffserver.Metrics
	var metricsHandler http.Handler
	var observer realtime.Observer
	if cfg.Metrics {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = ffserver.NewMetrics(registry)
		metricsHandler = ffserver.MetricsHandler(registry)
		observer = metrics
	}

	c.broadcaster = realtime.NewBroadcaster(realtime.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		RetryAdvice:       cfg.RetryAdvice,
		QueueSize:         cfg.StreamQueueSize,
		Observer:          observer,
		Loggers:           loggers,
	})
	c.closers = append(c.closers, c.broadcaster.Close)

	c.service, err = ffserver.NewService(ffserver.ServiceConfig{
		Store:       store,
		Audit:       audit,
		Broadcaster: c.broadcaster,
		Metrics:     metrics,
		Loggers:     loggers,
	})
	if err != nil {
		return nil, err
	}

	if err := seed(ctx, cfg, c.service, loggers); err != nil {
		return nil, err
	}

	c.handler = ffserver.NewHandler(ffserver.HandlerConfig{
		Service:            c.service,
		Broadcaster:        c.broadcaster,
		StreamWriteTimeout: cfg.WriteTimeout,
		MetricsHandler:     metricsHandler,
		Loggers:            loggers,
	})
	return c, nil
}

// newCache returns nil if caching is disabled.
func newCache(ctx context.Context, cfg config, c *components, loggers ldlog.Loggers) (ffstore.Cache, error) {
	switch cfg.Cache {
	case cacheMemory:
		return ffstore.NewMemoryCache(cfg.CacheTTL, cfg.CacheTTL), nil
	case cacheLRU:
		lru := ffstore.NewLRUCache(cfg.CacheSize, cfg.CacheTTL)
		c.closers = append(c.closers, lru.Stop)
		return lru, nil
	case cacheRedis:
		rc, err := ffredis.Cache().URL(cfg.RedisURL).Build(ctx, loggers)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = rc.Close() })
		return rc, nil
	}
	return nil, nil
}

// seed applies the seed files once, failing startup if they are invalid, or watches them.
func seed(ctx context.Context, cfg config, service *ffserver.Service, loggers ldlog.Loggers) error {
	if len(cfg.SeedFiles) == 0 {
		return nil
	}
	if cfg.WatchSeedFile {
		return fffiledata.Watch(ctx, cfg.SeedFiles, loggers,
			fffiledata.Reloader(ctx, service, seedActor, cfg.SeedFiles, loggers))
	}
	flags, err := fffiledata.Load(cfg.SeedFiles...)
	if err != nil {
		return fmt.Errorf("unable to load seed files: %w", err)
	}
	result, err := fffiledata.Apply(ctx, service, seedActor, flags)
	if err != nil {
		return fmt.Errorf("unable to apply seed files: %w", err)
	}
	loggers.Infof("Applied seed files: %d created, %d updated, %d unchanged",
		result.Created, result.Updated, result.Unchanged)
	return nil
}
