// README: Entry point; loads config, wires stores, sinks and services, runs the HTTP server and the job scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ridedispatch/internal/app"
	"ridedispatch/internal/config"
	httptransport "ridedispatch/internal/http"
	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/infra"
	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/notify"
	"ridedispatch/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := infra.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ridedispatch-api stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.Firebase.ProjectID == "" {
		return errors.New("RIDE_FIREBASE_PROJECT_ID is required")
	}
	fb, err := infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return fmt.Errorf("firebase init: %w", err)
	}

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer func() { _ = redisClient.Close() }()
	redisUp := infra.RedisReachable(ctx, redisClient)

	var index location.Index = location.NewGeohashIndex()
	if redisUp {
		index = location.NewRedisIndex(redisClient)
	} else {
		logger.Warn("redis unreachable; using in-process driver index", zap.String("addr", cfg.Redis.Addr))
	}

	var stores app.Stores
	switch cfg.Store.Driver {
	case "memory":
		stores = app.MemoryStores()
		stores.Index = index
	case "postgres":
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		if cfg.DB.Migrate {
			if err := infra.Migrate(ctx, cfg.DB.DSN); err != nil {
				return err
			}
		}
		stores = app.PostgresStores(pool, index)
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	var a *app.App
	hub := notify.NewHub(logger, func(ctx context.Context, userID types.ID, role types.Role, rideID types.ID) bool {
		return a.Rides.CanView(ctx, userID, role, rideID)
	})
	sinks := notify.NewFanout(logger).
		Add("log", notify.NewLogSink(logger)).
		Add("ws", hub).
		Add("fcm", notify.NewFCMSink(fb.Messaging))
	if redisUp {
		sinks.Add("redis", notify.NewRedisSink(redisClient, cfg.Redis.Channel))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := notify.NewKafkaSink(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		defer func() { _ = kafkaSink.Close() }()
		sinks.Add("kafka", kafkaSink)
	}

	a = app.New(cfg, stores, sinks, types.SystemClock, logger)
	server := httptransport.NewServer(cfg.HTTP.Addr, httptransport.ServerDeps{
		App:      a,
		Verifier: fb.Verifier,
		Hub:      hub,
		Limiter:  middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Log:      logger,
	})

	go a.Scheduler.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	return server.Shutdown(shutdownCtx)
}
