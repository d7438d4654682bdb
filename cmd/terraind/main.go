// Command terraind is the terrain engine daemon: it opens the embedded KV
// store, composes the grid cache and worker pool around it, optionally
// wires the Redis L2 tier and Kafka invalidation bus, and serves the HTTP
// surface until signalled to stop.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/simulacra/terraingrid/internal/config"
	"github.com/simulacra/terraingrid/internal/gridcache/l2redis"
	"github.com/simulacra/terraingrid/internal/httpapi"
	"github.com/simulacra/terraingrid/internal/invalidate"
	"github.com/simulacra/terraingrid/internal/kvstore"
	"github.com/simulacra/terraingrid/internal/logging"
	"github.com/simulacra/terraingrid/internal/pool"
	"github.com/simulacra/terraingrid/internal/telemetry"
	"github.com/simulacra/terraingrid/internal/terrain"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logging.Build(logging.Config{
		Level:     cfg.LogLevel,
		Console:   strings.EqualFold(os.Getenv("LOG_CONSOLE"), "true"),
		Component: "terraind",
	}, os.Stdout)
	zl.Info().Str("addr", cfg.Addr).Str("version", Version).Msg("starting terraind")

	store, err := kvstore.Initialize(cfg.DataDir)
	if err != nil {
		zl.Error().Err(err).Msg("kvstore initialize failed")
		return 1
	}
	defer func() {
		if err := kvstore.Shutdown(); err != nil {
			zl.Error().Err(err).Msg("kvstore shutdown failed")
		}
	}()

	// eng and workers are captured by the metrics gauge callbacks below
	// before either is constructed; both are assigned their real value
	// further down, once the pieces that depend on *telemetry.Metrics exist.
	var eng *terrain.Engine
	var workers *pool.Pool

	metrics := telemetry.New(prometheus.DefaultRegisterer,
		func() float64 {
			if eng == nil {
				return 0
			}
			return float64(eng.GetCacheSize())
		},
		func() float64 {
			if eng == nil {
				return 0
			}
			return float64(eng.HotnessTrackedCells())
		},
		func() float64 {
			if workers == nil {
				return 0
			}
			return float64(workers.WorkerCount())
		},
		func() float64 {
			if workers == nil {
				return 0
			}
			return float64(workers.QueueDepth())
		},
	)

	var opts []terrain.Option
	opts = append(opts, terrain.WithMetrics(metrics))

	if cfg.L2Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		tier, err := l2redis.New(ctx, cfg.L2Addr, "terraingrid:cell:")
		cancel()
		if err != nil {
			zl.Error().Err(err).Msg("l2 redis tier unavailable, continuing without it")
		} else {
			defer func() { _ = tier.Close() }()
			opts = append(opts, terrain.WithL2(tier))
			zl.Info().Str("addr", cfg.L2Addr).Msg("l2 redis tier enabled")
		}
	}

	var publisher *invalidate.Publisher
	var consumer *invalidate.Consumer
	if cfg.InvalidationEnabled {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		publisher, err = invalidate.NewPublisher(brokers, cfg.KafkaTopic, &zl, metrics)
		if err != nil {
			zl.Error().Err(err).Msg("invalidation publisher unavailable, continuing without it")
		} else {
			defer func() { _ = publisher.Close() }()
			opts = append(opts, terrain.WithInvalidation(publisher))
		}
	}

	eng, err = terrain.New(store, terrain.Config{
		MinLon: cfg.MinLon, MinLat: cfg.MinLat,
		MaxLon: cfg.MaxLon, MaxLat: cfg.MaxLat,
		CellSizeDeg:   cfg.CellSizeDeg,
		CacheCapacity: cfg.CacheCapacity,
		L2TTL:         cfg.L2TTL,
	}, opts...)
	if err != nil {
		zl.Error().Err(err).Msg("terrain engine construction failed")
		return 1
	}

	if cfg.InvalidationEnabled && publisher != nil {
		consumerCfg := invalidate.Config{
			Enabled:          true,
			Brokers:          strings.Split(cfg.KafkaBrokers, ","),
			Topic:            cfg.KafkaTopic,
			GroupID:          cfg.KafkaGroupID,
			SessionTimeout:   30 * time.Second,
			Heartbeat:        3 * time.Second,
			RebalanceTimeout: 30 * time.Second,
			InitialOldest:    true,
		}
		consumer = invalidate.NewConsumer(consumerCfg, eng, logging.NewSlog(&zl), metrics)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := consumer.Start(ctx); err != nil {
			zl.Error().Err(err).Msg("invalidation consumer start failed, continuing without it")
		} else {
			defer consumer.Stop()
		}
	}

	poolMode := pool.FIXED
	if cfg.PoolCached {
		poolMode = pool.CACHED
	}
	workers = pool.New(pool.Config{
		MinThreads:  cfg.PoolMinThreads,
		MaxThreads:  cfg.PoolMaxThreads,
		MaxTasks:    cfg.PoolMaxTasks,
		IdleTimeout: cfg.PoolIdleTimeout,
		Mode:        poolMode,
		Logger:      &zl,
		Metrics:     metrics,
	})
	defer workers.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := httpapi.Run(ctx, httpapi.Deps{
		Addr:    cfg.Addr,
		Logger:  &zl,
		Engine:  eng,
		Pool:    workers,
		Ready:   store,
		Metrics: metrics,
	}); err != nil {
		zl.Error().Err(err).Msg("server exited with error")
		return 1
	}
	zl.Info().Msg("terraind stopped")
	return 0
}
