package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/aggregate"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/cache"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/cache/keys"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/cache/redisstore"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/catalog"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/config"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/executor"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/health"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/httpclient"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/router"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/server"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/db"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/events"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/logger"
	h3mapper "github.com/mohammed-shakir/polygon-layer-publisher/internal/mapper/h3"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/metrics"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/publish"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/publish/arcgis"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// a missing .env is fine, the process environment wins either way
	_ = godotenv.Load()
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "polygon-layer-publisher",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting polygon layer publisher",
		"addr", cfg.Addr,
		"version", Version,
		"schema", cfg.Geometry.Schema,
		"presence_column", cfg.Geometry.PresenceColumn,
		"cache", cfg.Cache.Enabled,
		"events", cfg.Events.Enabled,
		"portal", cfg.ArcGIS.PortalURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		appLog.Error("database pool setup failed", "err", err)
		return 1
	}
	defer pool.Close()
	dbPool := db.PgxPool{P: pool}
	if err := dbPool.Ping(ctx); err != nil {
		// queries degrade to empty results until the database is back
		appLog.Warn("database not reachable at startup", "err", err)
	}

	disc := catalog.New(cfg.Geometry.PresenceColumn, cfg.Geometry.Schema, appLog)
	exec := executor.New(appLog, cfg.Geometry.Schema)
	var q router.Querier = aggregate.New(dbPool, disc, exec, appLog)

	ready := []health.Check{{Name: "postgres", P: dbPool}}
	var wg sync.WaitGroup

	var cached *cache.Cached
	if cfg.Cache.Enabled {
		rc, err := redisstore.New(ctx, cfg.Cache.RedisAddr,
			redisstore.WithDialTimeout(2*time.Second),
			redisstore.WithReadTimeout(cfg.Cache.OpTimeout),
			redisstore.WithWriteTimeout(cfg.Cache.OpTimeout))
		if err != nil {
			appLog.Warn("redis unavailable, query cache disabled", "addr", cfg.Cache.RedisAddr, "err", err)
			cfg.Cache.Enabled = false
		} else {
			defer func() { _ = rc.Close() }()
			scope := keys.Scope(cfg.Geometry.Schema, cfg.Geometry.PresenceColumn)
			cached = cache.New(q, rc, scope, cfg.Cache.TTL, cfg.Cache.OpTimeout, appLog)
			q = cached
			ready = append(ready, health.Check{Name: "redis", P: rc, Optional: true})
		}
	}

	var rec router.Recorder
	if cfg.Events.Enabled {
		pub, err := events.NewPublisher(cfg.Events.BrokerList(), cfg.Events.QueryTopic, cfg.Events.QueueSize, appLog)
		if err != nil {
			appLog.Warn("kafka producer unavailable, query events disabled", "err", err)
		} else {
			defer func() { _ = pub.Close() }()
			rec = events.NewRecorder(pub, h3mapper.New(), cfg.Events.H3Res, appLog)
		}

		if cached != nil {
			cons := kafkaconsumer.New(kafkaconsumer.FromConfig(cfg.Events), appLog, cached)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := cons.Start(ctx); err != nil {
					appLog.Error("invalidation consumer stopped", "err", err)
				}
			}()
		}
	}

	hc := httpclient.NewRetrying(httpclient.RetryConfig{
		RetryMax: cfg.ArcGIS.RetryMax,
		WaitMin:  500 * time.Millisecond,
		WaitMax:  5 * time.Second,
		Timeout:  cfg.ArcGIS.Timeout,
	}, appLog)
	if !cfg.ArcGIS.HasCredentials() {
		appLog.Warn("portal credentials not set, uploads will fail")
	}
	portal := arcgis.New(arcgis.Config{
		PortalURL: cfg.ArcGIS.PortalURL,
		Username:  cfg.ArcGIS.Username,
		Password:  cfg.ArcGIS.Password,
		TokenTTL:  cfg.ArcGIS.TokenTTL,
	}, hc, appLog)
	pubSvc := publish.New(portal, publish.Options{
		ExcludeColumns: []string{cfg.Geometry.PresenceColumn},
		Basemap:        arcgis.Basemap{Title: cfg.ArcGIS.BasemapName, URL: cfg.ArcGIS.BasemapURL},
		DedupeSize:     cfg.ArcGIS.DedupeSize,
	}, appLog)

	deps := server.Deps{
		Query:     q,
		QueryOpts: router.QueryOptions{CacheEnabled: cfg.Cache.Enabled, Recorder: rec},
		Publisher: pubSvc,
		Ready:     ready,
	}
	if cfg.Metrics.Enabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Path:    cfg.Metrics.Path,
			Build: metrics.BuildInfo{
				Version:  Version,
				Revision: os.Getenv("BUILD_REVISION"),
			},
		}, observability.Collectors()...)
		deps.Metrics = p.Handler()
	}

	err = server.Run(ctx, cfg, appLog, deps)
	stop()
	wg.Wait()
	if err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
