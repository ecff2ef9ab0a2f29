package pipeline

import (
	"context"
	"errors"
	"fmt"

	"workforce-pipeline/internal/models"
	"workforce-pipeline/internal/telemetry"
)

// Writer renders one artifact per deliverable.
type Writer struct {
	stage
	generator Generator
}

// Process generates every deliverable that has no completed generate
// subtask yet. A deliverable whose transform fails is left for a later run.
func (w *Writer) Process(ctx context.Context, taskID string) error {
	tried := make(map[string]bool)
	for {
		var claim models.Subtask
		var req GenerateRequest
		var referenced map[string]bool
		_, err := w.update(ctx, taskID, func(t *models.Task) error {
			claim = models.Subtask{}
			referenced = nil
			if t.Status.Closed() {
				return errNoWork
			}
			file, existing := w.nextDeliverable(t, tried)
			if file == "" {
				if t.Status == models.StatusPending && len(t.Deliverables) == 0 {
					return t.SetStatus(models.StatusInProgress)
				}
				return errNoWork
			}
			if t.Status == models.StatusPending {
				if err := t.SetStatus(models.StatusInProgress); err != nil {
					return err
				}
			}
			if existing != nil {
				claim = w.reclaim(t, existing)
				referenced = resultURIs(t)
			} else {
				claim = t.AddSubtask(models.Subtask{
					Type:        models.SubtaskGenerate,
					Description: fmt.Sprintf("generate %s", file),
					FilePath:    file,
				})
			}
			req = GenerateRequest{
				TaskID:       t.ID,
				Objective:    t.Objective,
				Role:         t.Role,
				FilePath:     file,
				Deliverables: append([]string(nil), t.Deliverables...),
				Constraints:  append([]string(nil), t.Constraints...),
				Format:       FormatFor(file),
			}
			return nil
		})
		if errors.Is(err, errNoWork) {
			return nil
		}
		if err != nil {
			return err
		}
		if claim.ID == "" {
			continue
		}
		tried[claim.FilePath] = true

		if err := w.generate(ctx, taskID, claim, req, referenced); err != nil {
			return err
		}
	}
}

// generate renders and stores one deliverable. referenced is non-nil for a
// reclaimed claim: an artifact of the file that no subtask points at was
// written by the abandoned run and is adopted instead of rendering again.
func (w *Writer) generate(ctx context.Context, taskID string, claim models.Subtask, req GenerateRequest, referenced map[string]bool) error {
	logger := w.logger.With("stage", w.name, "task_id", taskID, "file_path", req.FilePath)

	var artifact models.Artifact
	var genErr error
	adopted := false
	if referenced != nil {
		artifact, adopted, genErr = w.orphan(ctx, taskID, req.FilePath, referenced)
	}
	if genErr == nil && !adopted {
		var content string
		content, genErr = w.generator.Generate(ctx, req)
		if genErr == nil {
			var err error
			artifact, err = w.saveArtifact(ctx, taskID, req.FilePath, req.Format.Kind(), content)
			if err != nil {
				genErr = fmt.Errorf("store artifact: %w", err)
			}
		}
	}
	if adopted {
		logger.Info("adopted artifact from abandoned claim", "artifact_id", artifact.ID)
	}

	_, err := w.finish(ctx, taskID, claim.ID, func(t *models.Task, st *models.Subtask) error {
		if genErr != nil {
			st.Finish(models.SubtaskFailed, "")
			t.AppendAudit(w.name, models.ActionGenerationFailed, map[string]any{
				"subtask_id": st.ID,
				"file_path":  req.FilePath,
				"error":      genErr.Error(),
			})
			return nil
		}
		st.ArtifactID = artifact.ID
		st.Finish(models.SubtaskDone, artifact.ID)
		t.AppendAudit(w.name, models.ActionContentGenerated, map[string]any{
			"subtask_id":  st.ID,
			"file_path":   artifact.FilePath,
			"artifact_id": artifact.ID,
			"version":     artifact.Version,
			"format":      artifact.Format,
			"length":      len(artifact.Content),
		})
		return nil
	})
	if err != nil {
		return err
	}

	if genErr != nil {
		telemetry.StageRuns.WithLabelValues(w.name, "failed").Inc()
		logger.Warn("content generation failed", "error", genErr)
		return nil
	}
	telemetry.StageRuns.WithLabelValues(w.name, "done").Inc()
	logger.Info("content generated", "artifact_id", artifact.ID)
	w.emit(ctx, models.EventSubtaskCompleted, taskID, map[string]any{
		"subtask_id":  claim.ID,
		"type":        string(models.SubtaskGenerate),
		"artifact_id": artifact.ID,
		"file_path":   artifact.FilePath,
	})
	return nil
}

// orphan returns the oldest stored artifact of filePath that no subtask
// references.
func (w *Writer) orphan(ctx context.Context, taskID, filePath string, referenced map[string]bool) (models.Artifact, bool, error) {
	artifacts, err := w.store.ListArtifacts(ctx, taskID)
	if err != nil {
		return models.Artifact{}, false, fmt.Errorf("list artifacts: %w", err)
	}
	var found models.Artifact
	ok := false
	for _, a := range artifacts {
		if a.FilePath != filePath || referenced[a.ID] {
			continue
		}
		if !ok || a.Version < found.Version {
			found, ok = a, true
		}
	}
	return found, ok, nil
}

func resultURIs(t *models.Task) map[string]bool {
	out := make(map[string]bool)
	for _, st := range t.Subtasks {
		if st.ResultURI != "" {
			out[st.ResultURI] = true
		}
	}
	return out
}

// nextDeliverable finds the first deliverable still needing generation. An
// abandoned in-progress claim is returned for takeover.
func (w *Writer) nextDeliverable(t *models.Task, tried map[string]bool) (string, *models.Subtask) {
	for _, file := range t.Deliverables {
		if tried[file] {
			continue
		}
		busy := false
		var abandoned *models.Subtask
		for i := range t.Subtasks {
			st := &t.Subtasks[i]
			if st.Type != models.SubtaskGenerate || st.FilePath != file {
				continue
			}
			switch {
			case st.Status == models.SubtaskDone:
				busy = true
			case w.stale(*st):
				abandoned = st
			case st.Status == models.SubtaskInProgress:
				busy = true
			}
		}
		if busy {
			continue
		}
		return file, abandoned
	}
	return "", nil
}

// HasOutstandingWork reports whether some deliverable still lacks a
// completed generate subtask.
func HasOutstandingWork(t models.Task) bool {
	if t.Status.Closed() {
		return false
	}
	for _, file := range t.Deliverables {
		done := false
		for _, st := range t.Subtasks {
			if st.Type == models.SubtaskGenerate && st.FilePath == file && st.Status == models.SubtaskDone {
				done = true
				break
			}
		}
		if !done {
			return true
		}
	}
	return false
}
