package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"workforce-pipeline/internal/events"
	"workforce-pipeline/internal/models"
	"workforce-pipeline/internal/retry"
	"workforce-pipeline/internal/store"
	"workforce-pipeline/internal/telemetry"
)

// Stage is one independently triggered step of the pipeline.
type Stage interface {
	Name() string
	Process(ctx context.Context, taskID string) error
}

const (
	maxWriteAttempts   = 8
	conflictBackoff    = 5 * time.Millisecond
	conflictBackoffMax = 200 * time.Millisecond
)

// errNoWork aborts an update without writing.
var errNoWork = errors.New("no work")

// stage holds what every stage shares.
type stage struct {
	name     string
	store    store.Store
	bus      *events.Bus
	logger   *slog.Logger
	claimTTL time.Duration
	now      func() time.Time
}

func (s *stage) Name() string { return s.name }

// update runs a read-modify-write cycle on the task, re-reading and
// re-applying fn whenever the write loses an optimistic-concurrency race.
// fn may return errNoWork to leave the task untouched.
func (s *stage) update(ctx context.Context, taskID string, fn func(*models.Task) error) (models.Task, error) {
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return models.Task{}, err
		}
		if err := fn(&task); err != nil {
			return task, err
		}
		task.UpdatedAt = s.now()
		err = s.store.SaveTask(ctx, &task)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return task, fmt.Errorf("save task: %w", err)
		}
		lastErr = err
		telemetry.StoreConflicts.Inc()
		s.logger.Debug("task write conflict, retrying", "stage", s.name, "task_id", taskID, "attempt", attempt)
		if err := sleep(ctx, retry.Backoff(conflictBackoff, conflictBackoffMax, attempt)); err != nil {
			return task, err
		}
	}
	return models.Task{}, fmt.Errorf("%s: gave up after %d conflicting writes: %w", s.name, maxWriteAttempts, lastErr)
}

// finish closes a claimed subtask. The subtask must still exist on the task.
func (s *stage) finish(ctx context.Context, taskID, subtaskID string, fn func(*models.Task, *models.Subtask) error) (models.Task, error) {
	return s.update(ctx, taskID, func(t *models.Task) error {
		st := t.Subtask(subtaskID)
		if st == nil {
			return fmt.Errorf("subtask %s missing from task %s", subtaskID, taskID)
		}
		return fn(t, st)
	})
}

// stale reports whether an in-progress claim was abandoned by a crashed run.
func (s *stage) stale(st models.Subtask) bool {
	return st.Status == models.SubtaskInProgress && s.claimTTL > 0 && s.now().Sub(st.UpdatedAt) > s.claimTTL
}

// reclaim takes over an abandoned subtask and records the takeover.
func (s *stage) reclaim(t *models.Task, st *models.Subtask) models.Subtask {
	st.UpdatedAt = s.now()
	t.AppendAudit(s.name, models.ActionSubtaskReclaimed, map[string]any{
		"subtask_id": st.ID,
		"type":       string(st.Type),
	})
	return *st
}

func (s *stage) emit(ctx context.Context, name, taskID string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(ctx, name, taskID, payload)
}

// saveArtifact writes the next version of filePath, recomputing the version
// if another writer got there first.
func (s *stage) saveArtifact(ctx context.Context, taskID, filePath, format, content string) (models.Artifact, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		existing, err := s.store.ListArtifacts(ctx, taskID)
		if err != nil {
			return models.Artifact{}, err
		}
		version := models.NextVersion(existing, filePath)
		a := models.Artifact{
			ID:        models.ArtifactID(taskID, filePath, version),
			TaskID:    taskID,
			FilePath:  filePath,
			Content:   content,
			Format:    format,
			Version:   version,
			CreatedAt: s.now(),
		}
		err = s.store.SaveArtifact(ctx, a)
		if err == nil {
			telemetry.ArtifactsCreated.WithLabelValues(s.name).Inc()
			return a, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.Artifact{}, err
		}
		lastErr = err
	}
	return models.Artifact{}, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
