// Package worker drains the task queue and advances each task through the
// pipeline.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"workforce-pipeline/internal/config"
	"workforce-pipeline/internal/models"
	"workforce-pipeline/internal/pipeline"
	"workforce-pipeline/internal/retry"
	"workforce-pipeline/internal/store"
	"workforce-pipeline/internal/telemetry"
)

// Advancer moves a task as far as it can go in one call.
type Advancer interface {
	Advance(ctx context.Context, taskID string) (models.Task, error)
}

// Queue is the subset of queue.RedisQueue the processor drives.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, taskID string, extension time.Duration) error
	Ack(ctx context.Context, taskID string) error
	Retry(ctx context.Context, taskID string, runAt time.Time) (int, error)
	Attempts(ctx context.Context, taskID string) (int, error)
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DLQPush(ctx context.Context, taskID string) error
	ReadyDepth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
}

// Outcome says what the processor did with a delivery.
type Outcome string

const (
	OutcomeAcked      Outcome = "acked"
	OutcomeMissing    Outcome = "missing"
	OutcomeRetried    Outcome = "retried"
	OutcomeDeadLetter Outcome = "dead_letter"
	OutcomeBlocked    Outcome = "blocked"
)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	advancer Advancer
	logger   *slog.Logger
	workerID string
	now      func() time.Time
}

// NewProcessor creates a processor. workerID only labels log lines.
func NewProcessor(cfg config.Config, q Queue, a Advancer, logger *slog.Logger, workerID string) *Processor {
	if logger == nil {
		logger = telemetry.Discard()
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		advancer: a,
		logger:   logger.With("worker_id", workerID),
		workerID: workerID,
		now:      time.Now,
	}
}

// Run starts the maintenance loop and WorkerConcurrency consumers and blocks
// until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return p.consume(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.Maintain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Maintain promotes due retries, reclaims expired leases, and refreshes the
// queue gauges.
func (p *Processor) Maintain(ctx context.Context) {
	now := p.now()
	if n, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Warn("promote scheduled failed", "error", err)
	} else if n > 0 {
		p.logger.Debug("promoted scheduled tasks", "count", n)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Warn("requeue expired failed", "error", err)
	} else if len(reclaimed) > 0 {
		p.logger.Info("reclaimed expired leases", "task_ids", reclaimed)
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if inflight, err := p.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(inflight))
	}
}

func (p *Processor) consume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("queue delivery failed", "error", err)
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// RunOnce leases one task and handles it. It reports false when the queue
// was empty.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	taskID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if taskID == "" {
		return false, nil
	}
	_, err = p.Handle(ctx, taskID)
	return true, err
}

// Handle advances a leased task and settles its queue entry.
func (p *Processor) Handle(ctx context.Context, taskID string) (Outcome, error) {
	log := p.logger.With("task_id", taskID)

	stop := p.keepLease(ctx, taskID)
	t, err := p.advancer.Advance(ctx, taskID)
	stop()

	outcome, settleErr := p.settle(ctx, taskID, t, err, log)
	telemetry.WorkerOutcomes.WithLabelValues(string(outcome)).Inc()
	return outcome, settleErr
}

func (p *Processor) settle(ctx context.Context, taskID string, t models.Task, advanceErr error, log *slog.Logger) (Outcome, error) {
	switch {
	case errors.Is(advanceErr, store.ErrNotFound):
		log.Info("task no longer exists")
		return OutcomeMissing, p.queue.Ack(ctx, taskID)
	case advanceErr != nil:
		log.Warn("advance failed", "error", advanceErr)
		return p.retryLater(ctx, taskID, log)
	case t.Status == models.StatusBlocked:
		log.Warn("task blocked", "attempts", t.Attempts)
		if err := p.queue.Ack(ctx, taskID); err != nil {
			return OutcomeBlocked, err
		}
		return OutcomeBlocked, p.queue.DLQPush(ctx, taskID)
	case pipeline.HasOutstandingWork(t) || pipeline.NeedsPublication(t):
		log.Info("task has outstanding work", "status", t.Status)
		return p.retryLater(ctx, taskID, log)
	default:
		log.Info("task advanced", "status", t.Status, "version", t.Version)
		return OutcomeAcked, p.queue.Ack(ctx, taskID)
	}
}

func (p *Processor) retryLater(ctx context.Context, taskID string, log *slog.Logger) (Outcome, error) {
	prev, err := p.queue.Attempts(ctx, taskID)
	if err != nil {
		return OutcomeRetried, err
	}
	attempt := prev + 1
	if p.cfg.QueueMaxAttempts > 0 && attempt >= p.cfg.QueueMaxAttempts {
		log.Error("task exhausted queue attempts", "attempts", attempt)
		if err := p.queue.Ack(ctx, taskID); err != nil {
			return OutcomeDeadLetter, err
		}
		return OutcomeDeadLetter, p.queue.DLQPush(ctx, taskID)
	}
	runAt := p.now().Add(retry.Backoff(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt))
	if _, err := p.queue.Retry(ctx, taskID, runAt); err != nil {
		return OutcomeRetried, err
	}
	log.Info("retry scheduled", "attempt", attempt, "run_at", runAt.UTC().Format(time.RFC3339))
	return OutcomeRetried, nil
}

// keepLease extends the lease at half the visibility timeout until stopped.
func (p *Processor) keepLease(ctx context.Context, taskID string) (stop func()) {
	visibility := p.cfg.VisibilityTimeout
	if visibility <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, taskID, visibility); err != nil && ctx.Err() == nil {
					p.logger.Warn("extend lease failed", "task_id", taskID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
