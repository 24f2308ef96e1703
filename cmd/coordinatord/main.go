// coordinatord is the API-side daemon: it hosts the unified request
// coordinator, the HTTP API the dashboard and REST routes call into, the
// WebSocket link to the bot process, and the durable queue producer.
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

	"github.com/guildworks/guildrelay/internal/archive"
	"github.com/guildworks/guildrelay/internal/config"
	"github.com/guildworks/guildrelay/internal/coordinator"
	"github.com/guildworks/guildrelay/internal/health"
	"github.com/guildworks/guildrelay/internal/metrics"
	"github.com/guildworks/guildrelay/internal/server"
	redisstate "github.com/guildworks/guildrelay/internal/state/redis"
	"github.com/guildworks/guildrelay/internal/telemetry"
	"github.com/guildworks/guildrelay/internal/transport"
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

	shutdownTracer, err := telemetry.Setup("guildrelay-coordinatord", logger)
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

	bridge := wsbridge.NewClient(cfg.Bridge.URL, cfg.Bridge.Token, logger)
	defer bridge.Close()

	queue := jobqueue.NewRedisQueue(redisClient, cfg.Queue.Name)
	queueTransport := jobqueue.NewTransport(queue, store)

	opts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithConfig(coordinator.Config{
			DefaultTimeout:  time.Duration(cfg.Coordinator.DefaultTimeoutMS) * time.Millisecond,
			OverallTimeout:  time.Duration(cfg.Coordinator.OverallTimeoutMS) * time.Millisecond,
			AcquireTTL:      time.Duration(cfg.Coordinator.StateTTLMS) * time.Millisecond,
			MaxRetries:      cfg.Coordinator.MaxRetries,
			ReplayCacheSize: cfg.Coordinator.ReplayCacheSize,
		}),
	}

	var archiveStore *archive.Store
	if cfg.Archive.Enabled {
		archiveStore, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			log.Fatalf("open archive: %v", err)
		}
		defer archiveStore.Close()
		opts = append(opts, coordinator.WithArchiver(archiveStore))
	}

	// The direct transport is absent here: this process hosts no operation
	// handlers, so the health tracker's ordering simply never finds it.
	coord := coordinator.New(store, tracker, []transport.Transport{bridge, queueTransport}, opts...)

	sampler := metrics.New(tracker, queue, 0, monitorInterval, logger)
	go sampler.Run(ctx)

	var archiveReader server.ArchiveReader
	if archiveStore != nil {
		archiveReader = archiveStore
	}
	srv := server.New(coord, store, archiveReader, sampler, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
	}

	go func() {
		logger.Info("coordinatord listening",
			slog.Int("port", cfg.Server.Port),
			slog.String("bridge_url", cfg.Bridge.URL),
			slog.String("queue", cfg.Queue.Name))
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
