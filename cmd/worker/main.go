package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"workforce-pipeline/internal/config"
	"workforce-pipeline/internal/pipeline"
	"workforce-pipeline/internal/queue"
	"workforce-pipeline/internal/store"
	"workforce-pipeline/internal/telemetry"
	"workforce-pipeline/internal/vcs"
	workerproc "workforce-pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	pl := pipeline.New(st, nil, repo,
		pipeline.WithLogger(logger),
		pipeline.WithBaseBranch(cfg.PublishBaseBranch),
		pipeline.WithClaimTTL(2*cfg.VisibilityTimeout),
	)
	processor := workerproc.NewProcessor(cfg, q, pl, logger, workerID)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	defer metricsServer.Close()

	logger.Info("worker started",
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
	)
	if err := processor.Run(ctx); err != nil {
		logger.Error("worker stopped", "error", err)
	}
}
