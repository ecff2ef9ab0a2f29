package pipeline

import (
	"context"
	"errors"
	"fmt"

	"workforce-pipeline/internal/models"
	"workforce-pipeline/internal/store"
	"workforce-pipeline/internal/telemetry"
)

// Validator scores generated and fixed artifacts.
type Validator struct {
	stage
}

// Process validates every completed generate or fix subtask that has no
// validate subtask yet.
func (v *Validator) Process(ctx context.Context, taskID string) error {
	for {
		var claim models.Subtask
		var constraints []string
		_, err := v.update(ctx, taskID, func(t *models.Task) error {
			claim = models.Subtask{}
			if t.Status.Closed() {
				return errNoWork
			}
			src, existing := v.nextUnvalidated(t)
			if src == nil {
				return errNoWork
			}
			if existing != nil {
				claim = v.reclaim(t, existing)
			} else {
				claim = t.AddSubtask(models.Subtask{
					Type:        models.SubtaskValidate,
					Description: fmt.Sprintf("validate %s", src.ResultURI),
					FilePath:    src.FilePath,
					Source:      src.ID,
					ArtifactID:  src.ResultURI,
				})
			}
			constraints = append([]string(nil), t.Constraints...)
			return nil
		})
		if errors.Is(err, errNoWork) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := v.validate(ctx, taskID, claim, constraints); err != nil {
			return err
		}
	}
}

func (v *Validator) validate(ctx context.Context, taskID string, claim models.Subtask, constraints []string) error {
	logger := v.logger.With("stage", v.name, "task_id", taskID, "artifact_id", claim.ArtifactID)

	artifact, err := v.store.GetArtifact(ctx, claim.ArtifactID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("artifact missing, validation aborted")
		telemetry.StageRuns.WithLabelValues(v.name, "missing").Inc()
		_, err = v.finish(ctx, taskID, claim.ID, func(t *models.Task, st *models.Subtask) error {
			st.Finish(models.SubtaskFailed, "")
			t.AppendAudit(v.name, models.ActionValidationError, map[string]any{
				"subtask_id":  st.ID,
				"artifact_id": claim.ArtifactID,
				"error":       "artifact not found",
			})
			return nil
		})
		return err
	}
	if err != nil {
		return fmt.Errorf("load artifact: %w", err)
	}

	result := Evaluate(artifact.Content, FormatByKind(artifact.Format, artifact.FilePath), constraints)
	failures := result.FailureStrings()

	_, err = v.finish(ctx, taskID, claim.ID, func(t *models.Task, st *models.Subtask) error {
		if result.Passed {
			st.Finish(models.SubtaskDone, "")
		} else {
			st.Finish(models.SubtaskFailed, "")
		}
		t.AppendAudit(v.name, models.ActionContentValidated, map[string]any{
			"subtask_id":  st.ID,
			"source_id":   st.Source,
			"artifact_id": artifact.ID,
			"file_path":   artifact.FilePath,
			"version":     artifact.Version,
			"score":       result.Score,
			"failures":    failures,
			"passed":      result.Passed,
		})
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.ValidationScore.Observe(result.Score)
	payload := map[string]any{
		"subtask_id":  claim.ID,
		"artifact_id": artifact.ID,
		"file_path":   artifact.FilePath,
		"score":       result.Score,
		"failures":    failures,
	}
	if result.Passed {
		telemetry.StageRuns.WithLabelValues(v.name, "passed").Inc()
		logger.Info("artifact passed validation", "score", result.Score)
		v.emit(ctx, models.EventValidationPassed, taskID, payload)
	} else {
		telemetry.StageRuns.WithLabelValues(v.name, "failed").Inc()
		logger.Info("artifact failed validation", "score", result.Score, "failures", failures)
		v.emit(ctx, models.EventValidationFailed, taskID, payload)
	}
	return nil
}

// nextUnvalidated returns the first completed generate or fix subtask that
// still needs a validation, plus an abandoned validate claim to take over.
func (v *Validator) nextUnvalidated(t *models.Task) (*models.Subtask, *models.Subtask) {
	for i := range t.Subtasks {
		src := &t.Subtasks[i]
		if src.Status != models.SubtaskDone || src.ResultURI == "" {
			continue
		}
		if src.Type != models.SubtaskGenerate && src.Type != models.SubtaskFix {
			continue
		}
		var claimed bool
		var abandoned *models.Subtask
		for j := range t.Subtasks {
			val := &t.Subtasks[j]
			if val.Type != models.SubtaskValidate || val.Source != src.ID {
				continue
			}
			if v.stale(*val) {
				abandoned = val
				continue
			}
			claimed = true
		}
		if claimed {
			continue
		}
		return src, abandoned
	}
	return nil, nil
}
