package pipeline

import (
	"context"
	"errors"
	"fmt"

	"workforce-pipeline/internal/models"
	"workforce-pipeline/internal/store"
	"workforce-pipeline/internal/telemetry"
)

// Fixer repairs artifacts that failed validation, one attempt per fix cycle.
type Fixer struct {
	stage
	repairer Repairer
}

type fixClaim struct {
	subtask     models.Subtask
	failures    []Failure
	constraints []string
	attempt     int
	blocked     bool
	reclaimed   bool
	missing     bool
}

// Process starts a fix cycle for every failed validation that has no applied
// fix. When the task has used all of its attempts it is blocked instead.
func (f *Fixer) Process(ctx context.Context, taskID string) error {
	tried := make(map[string]bool)
	for {
		var c fixClaim
		_, err := f.update(ctx, taskID, func(t *models.Task) error {
			c = fixClaim{}
			if t.Status.Closed() {
				return errNoWork
			}
			val, existing := f.nextUnfixed(t, tried)
			if val == nil {
				return errNoWork
			}
			entry, _ := lastValidation(t, val.ID)
			for _, s := range entry.DetailStrings("failures") {
				c.failures = append(c.failures, ParseFailure(s))
			}
			c.constraints = append([]string(nil), t.Constraints...)
			c.attempt = t.Attempts

			if existing != nil {
				c.subtask = f.reclaim(t, existing)
				c.reclaimed = true
				return nil
			}
			if _, err := f.store.GetArtifact(ctx, val.ArtifactID); errors.Is(err, store.ErrNotFound) {
				t.AppendAudit(f.name, models.ActionFixFailed, map[string]any{
					"validate_subtask": val.ID,
					"artifact_id":      val.ArtifactID,
					"attempt":          t.Attempts,
					"error":            "artifact not found",
				})
				c.missing = true
				c.subtask = models.Subtask{ArtifactID: val.ArtifactID}
				return nil
			} else if err != nil {
				return fmt.Errorf("load artifact: %w", err)
			}
			if t.Attempts >= models.MaxAttempts {
				if err := t.SetStatus(models.StatusBlocked); err != nil {
					return err
				}
				t.AppendAudit(f.name, models.ActionMaxAttemptsReached, map[string]any{
					"attempts":           t.Attempts,
					"validate_subtask":   val.ID,
					"artifact_id":        val.ArtifactID,
					"max_attempts_limit": models.MaxAttempts,
				})
				c.blocked = true
				return nil
			}
			t.Attempts++
			c.attempt = t.Attempts
			c.subtask = t.AddSubtask(models.Subtask{
				Type:        models.SubtaskFix,
				Description: fmt.Sprintf("fix %s", val.ArtifactID),
				FilePath:    val.FilePath,
				Source:      val.ID,
				ArtifactID:  val.ArtifactID,
			})
			return nil
		})
		if errors.Is(err, errNoWork) {
			return nil
		}
		if err != nil {
			return err
		}
		if c.blocked {
			telemetry.TasksBlocked.Inc()
			f.logger.Warn("fix attempts exhausted, task blocked", "stage", f.name, "task_id", taskID, "attempts", models.MaxAttempts)
			f.emit(ctx, models.EventTaskBlocked, taskID, map[string]any{"attempts": models.MaxAttempts})
			return nil
		}
		if c.missing {
			telemetry.StageRuns.WithLabelValues(f.name, "missing").Inc()
			f.logger.Warn("artifact missing, no fix cycle started", "stage", f.name, "task_id", taskID, "artifact_id", c.subtask.ArtifactID)
			continue
		}
		tried[c.subtask.Source] = true
		if !c.reclaimed {
			telemetry.FixAttempts.Inc()
		}
		if err := f.fix(ctx, taskID, c); err != nil {
			return err
		}
	}
}

func (f *Fixer) fix(ctx context.Context, taskID string, c fixClaim) error {
	logger := f.logger.With("stage", f.name, "task_id", taskID, "artifact_id", c.subtask.ArtifactID, "attempt", c.attempt)

	var fixed models.Artifact
	var addressed []string
	previous, fixErr := f.store.GetArtifact(ctx, c.subtask.ArtifactID)
	if fixErr != nil && !errors.Is(fixErr, store.ErrNotFound) {
		return fmt.Errorf("load artifact: %w", fixErr)
	}
	if fixErr == nil {
		format := FormatByKind(previous.Format, previous.FilePath)
		var repair Repair
		repair, fixErr = f.repairer.Repair(ctx, RepairRequest{
			Content:     previous.Content,
			FilePath:    previous.FilePath,
			Format:      format,
			Failures:    c.failures,
			Constraints: c.constraints,
		})
		if fixErr == nil {
			addressed = repair.Addressed
			fixed, fixErr = f.saveArtifact(ctx, taskID, previous.FilePath, format.Kind(), repair.Content)
		}
	}

	_, err := f.finish(ctx, taskID, c.subtask.ID, func(t *models.Task, st *models.Subtask) error {
		if fixErr != nil {
			st.Finish(models.SubtaskFailed, "")
			t.AppendAudit(f.name, models.ActionFixFailed, map[string]any{
				"subtask_id":  st.ID,
				"artifact_id": c.subtask.ArtifactID,
				"attempt":     c.attempt,
				"error":       fixErr.Error(),
			})
			return nil
		}
		st.Finish(models.SubtaskDone, fixed.ID)
		t.AppendAudit(f.name, models.ActionContentFixed, map[string]any{
			"subtask_id":           st.ID,
			"source_id":            st.Source,
			"previous_artifact_id": previous.ID,
			"artifact_id":          fixed.ID,
			"file_path":            fixed.FilePath,
			"version":              fixed.Version,
			"attempt":              c.attempt,
			"addressed":            nonNil(addressed),
		})
		return nil
	})
	if err != nil {
		return err
	}

	if fixErr != nil {
		telemetry.StageRuns.WithLabelValues(f.name, "failed").Inc()
		logger.Warn("repair failed", "error", fixErr)
		return nil
	}
	telemetry.StageRuns.WithLabelValues(f.name, "done").Inc()
	logger.Info("artifact repaired", "new_artifact_id", fixed.ID, "addressed", addressed)
	f.emit(ctx, models.EventArtifactFixed, taskID, map[string]any{
		"subtask_id":  c.subtask.ID,
		"type":        string(models.SubtaskFix),
		"artifact_id": fixed.ID,
		"file_path":   fixed.FilePath,
		"version":     fixed.Version,
	})
	return nil
}

// nextUnfixed returns the first failed validation that was scored and has no
// applied or running fix, plus an abandoned fix claim to take over.
func (f *Fixer) nextUnfixed(t *models.Task, tried map[string]bool) (*models.Subtask, *models.Subtask) {
	for i := range t.Subtasks {
		val := &t.Subtasks[i]
		if val.Type != models.SubtaskValidate || val.Status != models.SubtaskFailed || tried[val.ID] {
			continue
		}
		if _, ok := lastValidation(t, val.ID); !ok || artifactMissing(t, val.ID) {
			continue
		}
		var covered bool
		var abandoned *models.Subtask
		for j := range t.Subtasks {
			fx := &t.Subtasks[j]
			if fx.Type != models.SubtaskFix || fx.Source != val.ID {
				continue
			}
			switch {
			case fx.Status == models.SubtaskDone:
				covered = true
			case f.stale(*fx):
				abandoned = fx
			case fx.Status == models.SubtaskInProgress:
				covered = true
			}
		}
		if covered {
			continue
		}
		return val, abandoned
	}
	return nil, nil
}

// lastValidation finds the most recent content_validated entry for a validate subtask.
func lastValidation(t *models.Task, validateID string) (models.AuditEntry, bool) {
	return t.LastAudit(models.ActionContentValidated, func(e models.AuditEntry) bool {
		return e.Detail("subtask_id") == validateID
	})
}

// artifactMissing reports whether a validation was set aside because the
// artifact it scored no longer exists.
func artifactMissing(t *models.Task, validateID string) bool {
	_, ok := t.LastAudit(models.ActionFixFailed, func(e models.AuditEntry) bool {
		return e.Detail("validate_subtask") == validateID
	})
	return ok
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
