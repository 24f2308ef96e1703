// botworkerd is the bot-side daemon: it owns the operation handler
// registry, serves the WebSocket bridge for coordinator processes, and
// runs the durable queue worker pool. It also hosts its own coordinator
// over the direct transport for intra-process callers such as schedulers.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/guildworks/guildrelay/internal/config"
	"github.com/guildworks/guildrelay/internal/coordinator"
	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/health"
	"github.com/guildworks/guildrelay/internal/metrics"
	"github.com/guildworks/guildrelay/internal/server"
	redisstate "github.com/guildworks/guildrelay/internal/state/redis"
	"github.com/guildworks/guildrelay/internal/telemetry"
	"github.com/guildworks/guildrelay/internal/transport"
	"github.com/guildworks/guildrelay/internal/transport/direct"
	"github.com/guildworks/guildrelay/internal/transport/jobqueue"
	"github.com/guildworks/guildrelay/internal/transport/wsbridge"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := os.Getenv("GUILDRELAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTracer, err := telemetry.Setup("guildrelay-botworkerd", logger)
	if err != nil {
		log.Fatalf("init tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := redisstate.New(redisClient)
	defer store.Close()

	registry := transport.NewRegistry()
	registerBuiltins(registry)

	queue := jobqueue.NewRedisQueue(redisClient, cfg.Queue.Name)
	pool := jobqueue.NewPool(queue, store, registry, jobqueue.PoolConfig{
		Concurrency:    cfg.Queue.Concurrency,
		MaxRetries:     cfg.Queue.MaxRetries,
		HandlerTimeout: time.Duration(cfg.Queue.HandlerTimeout) * time.Millisecond,
	}, logger)
	go pool.Run(ctx)

	tracker := health.NewTracker(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		RollingWindow:    time.Duration(cfg.Health.RollingWindowMS) * time.Millisecond,
		RecoveryTimeout:  time.Duration(cfg.Health.RecoveryTimeoutMS) * time.Millisecond,
	}, logger)
	monitorInterval := time.Duration(cfg.Health.MonitorIntervalMS) * time.Millisecond
	go tracker.Run(ctx, monitorInterval)

	if err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
		tracker.SetConfig(health.Config{
			FailureThreshold: next.Health.FailureThreshold,
			RollingWindow:    time.Duration(next.Health.RollingWindowMS) * time.Millisecond,
			RecoveryTimeout:  time.Duration(next.Health.RecoveryTimeoutMS) * time.Millisecond,
		})
	}); err != nil {
		logger.Warn("config watch unavailable", slog.String("error", err.Error()))
	}

	// Intra-process coordinator: direct first, queue as durable fallback.
	coord := coordinator.New(store, tracker,
		[]transport.Transport{direct.New(registry), jobqueue.NewTransport(queue, store)},
		coordinator.WithLogger(logger),
		coordinator.WithConfig(coordinator.Config{
			DefaultTimeout:  time.Duration(cfg.Coordinator.DefaultTimeoutMS) * time.Millisecond,
			OverallTimeout:  time.Duration(cfg.Coordinator.OverallTimeoutMS) * time.Millisecond,
			AcquireTTL:      time.Duration(cfg.Coordinator.StateTTLMS) * time.Millisecond,
			MaxRetries:      cfg.Coordinator.MaxRetries,
			ReplayCacheSize: cfg.Coordinator.ReplayCacheSize,
		}),
	)

	sampler := metrics.New(tracker, queue, pool.Size(), monitorInterval, logger)
	sampler.AttachWorkerStats(pool)
	go sampler.Run(ctx)

	srv := server.New(coord, store, nil, sampler, logger)

	bridgePath := cfg.Bridge.Path
	if bridgePath == "" {
		bridgePath = "/bridge"
	}
	srv.Handler().Handle(bridgePath, wsbridge.NewServer(registry, cfg.Bridge.Token, logger))

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     srv,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the bridge endpoint holds its connection open.
	}

	go func() {
		logger.Info("botworkerd listening",
			slog.Int("port", cfg.Server.Port),
			slog.String("bridge_path", bridgePath),
			slog.Int("workers", pool.Size()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// registerBuiltins installs the handlers the daemon ships with. Domain
// command handlers (moderation, music, tickets) are registered by the bot
// packages embedding this daemon.
func registerBuiltins(registry *transport.Registry) {
	registry.Register("system.ping", func(ctx context.Context, req *domain.NormalizedRequest) (any, error) {
		return map[string]any{"pong": true, "at": time.Now().UTC()}, nil
	})
}
