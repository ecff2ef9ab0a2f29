package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "workforce-pipeline/internal/api"
	"workforce-pipeline/internal/config"
	"workforce-pipeline/internal/pipeline"
	"workforce-pipeline/internal/queue"
	"workforce-pipeline/internal/ratelimit"
	"workforce-pipeline/internal/store"
	"workforce-pipeline/internal/telemetry"
	"workforce-pipeline/internal/vcs"
)

func main() {
	cfg, err := config.Load()
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	repo, err := vcs.New(ctx, cfg)
	if err != nil {
		logger.Error("open repository", "backend", cfg.PublishBackend, "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	q := queue.NewRedisQueue(redisClient, cfg)
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	pl := pipeline.New(st, nil, repo,
		pipeline.WithLogger(logger),
		pipeline.WithBaseBranch(cfg.PublishBaseBranch),
	)

	server := api.New(pl, st, q, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
