package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"workforce-pipeline/internal/models"
	"workforce-pipeline/internal/telemetry"
	"workforce-pipeline/internal/vcs"
)

// BranchPrefix prefixes the deterministic publication branch of every task.
const BranchPrefix = "workforce/"

// BranchName returns the publication branch for a task.
func BranchName(taskID string) string {
	return BranchPrefix + taskID
}

// Publisher hands validated artifacts to the version-control collaborator.
type Publisher struct {
	stage
	repo       vcs.Repository
	baseBranch string
}

type pushClaim struct {
	subtask models.Subtask
	task    models.Task
}

// Process publishes the latest passing artifact of every deliverable. A run
// whose inputs match an already completed push does nothing.
func (p *Publisher) Process(ctx context.Context, taskID string) error {
	var c pushClaim
	_, err := p.update(ctx, taskID, func(t *models.Task) error {
		c = pushClaim{}
		if t.Status.Closed() || t.Status == models.StatusPending {
			return errNoWork
		}
		inputs := PublishableArtifacts(*t)
		if len(inputs) == 0 {
			return errNoWork
		}
		var abandoned *models.Subtask
		for i := range t.Subtasks {
			st := &t.Subtasks[i]
			if st.Type != models.SubtaskPush {
				continue
			}
			switch {
			case st.Status == models.SubtaskDone && equalStrings(st.Inputs, inputs):
				return errNoWork
			case p.stale(*st):
				abandoned = st
			case st.Status == models.SubtaskInProgress:
				return errNoWork
			}
		}
		if abandoned != nil {
			abandoned.Inputs = inputs
			c.subtask = p.reclaim(t, abandoned)
		} else {
			c.subtask = t.AddSubtask(models.Subtask{
				Type:        models.SubtaskPush,
				Description: fmt.Sprintf("publish %s", strings.Join(inputs, ", ")),
				Inputs:      inputs,
			})
		}
		c.task = *t
		return nil
	})
	if errors.Is(err, errNoWork) {
		return nil
	}
	if err != nil {
		return err
	}
	return p.publish(ctx, c)
}

type publication struct {
	branch string
	commit string
	pr     string
}

func (p *Publisher) publish(ctx context.Context, c pushClaim) error {
	taskID := c.task.ID
	logger := p.logger.With("stage", p.name, "task_id", taskID, "subtask_id", c.subtask.ID)

	out, pubErr := p.push(ctx, c.task, c.subtask.Inputs)

	_, err := p.finish(ctx, taskID, c.subtask.ID, func(t *models.Task, st *models.Subtask) error {
		if pubErr != nil {
			st.Finish(models.SubtaskFailed, "")
			t.AppendAudit(p.name, models.ActionPushFailed, map[string]any{
				"subtask_id": st.ID,
				"branch":     out.branch,
				"artifacts":  st.Inputs,
				"error":      pubErr.Error(),
			})
			return nil
		}
		// A reviewer may have closed the task while the push ran.
		if !t.Status.Closed() {
			if err := t.SetStatus(models.StatusReview); err != nil {
				return err
			}
		}
		st.Finish(models.SubtaskDone, out.pr)
		t.AppendAudit(p.name, models.ActionPRCreated, map[string]any{
			"subtask_id": st.ID,
			"branch":     out.branch,
			"commit":     out.commit,
			"pr":         out.pr,
			"artifacts":  st.Inputs,
		})
		return nil
	})
	if err != nil {
		return err
	}

	if pubErr != nil {
		telemetry.Publications.WithLabelValues("failed").Inc()
		telemetry.StageRuns.WithLabelValues(p.name, "failed").Inc()
		logger.Warn("publication failed", "error", pubErr)
		return nil
	}
	telemetry.Publications.WithLabelValues("created").Inc()
	telemetry.StageRuns.WithLabelValues(p.name, "done").Inc()
	logger.Info("pull request created", "branch", out.branch, "commit", out.commit, "pr", out.pr)
	p.emit(ctx, models.EventPRCreated, taskID, map[string]any{
		"subtask_id": c.subtask.ID,
		"branch":     out.branch,
		"commit":     out.commit,
		"pr":         out.pr,
		"artifacts":  c.subtask.Inputs,
	})
	return nil
}

// push drives the collaborator through checkout, branch, write, commit,
// push and pull request. Any failure aborts the whole publication.
func (p *Publisher) push(ctx context.Context, t models.Task, artifactIDs []string) (publication, error) {
	out := publication{branch: BranchName(t.ID)}
	if p.repo == nil {
		return out, errors.New("no version-control repository configured")
	}
	if t.RepoTarget == "" {
		return out, errors.New("task has no repo_target")
	}

	artifacts := make([]models.Artifact, 0, len(artifactIDs))
	for _, id := range artifactIDs {
		a, err := p.store.GetArtifact(ctx, id)
		if err != nil {
			return out, fmt.Errorf("load artifact %s: %w", id, err)
		}
		artifacts = append(artifacts, a)
	}

	if err := p.repo.Checkout(ctx, t.RepoTarget, p.baseBranch); err != nil {
		return out, fmt.Errorf("checkout: %w", err)
	}
	if err := p.repo.CreateBranch(ctx, t.RepoTarget, out.branch, p.baseBranch); err != nil {
		return out, fmt.Errorf("create branch: %w", err)
	}
	for _, a := range artifacts {
		if err := p.repo.WriteFile(ctx, t.RepoTarget, out.branch, path.Join(t.RepoPath, a.FilePath), a.Content); err != nil {
			return out, fmt.Errorf("write %s: %w", a.FilePath, err)
		}
	}
	commit, err := p.repo.Commit(ctx, t.RepoTarget, out.branch, commitMessage(t, artifacts))
	if err != nil {
		return out, fmt.Errorf("commit: %w", err)
	}
	out.commit = commit
	if err := p.repo.Push(ctx, t.RepoTarget, out.branch); err != nil {
		return out, fmt.Errorf("push: %w", err)
	}
	pr, err := p.repo.CreatePR(ctx, t.RepoTarget, vcs.PullRequest{
		Head:  out.branch,
		Base:  p.baseBranch,
		Title: fmt.Sprintf("workforce: %s", truncate(t.Objective, 72)),
		Body:  prBody(t, artifacts),
	})
	if err != nil {
		return out, fmt.Errorf("create pull request: %w", err)
	}
	out.pr = pr
	return out, nil
}

// PublishableArtifacts returns, sorted, the newest artifact per file path
// that has a passing validation.
func PublishableArtifacts(t models.Task) []string {
	type pick struct {
		id      string
		version int
	}
	latest := make(map[string]pick)
	for _, st := range t.Subtasks {
		if st.Type != models.SubtaskValidate || st.Status != models.SubtaskDone || st.ArtifactID == "" {
			continue
		}
		entry, ok := lastValidation(&t, st.ID)
		if !ok {
			continue
		}
		version := detailInt(entry.Value("version"))
		if cur, seen := latest[st.FilePath]; !seen || version > cur.version {
			latest[st.FilePath] = pick{id: st.ArtifactID, version: version}
		}
	}
	out := make([]string, 0, len(latest))
	for _, p := range latest {
		out = append(out, p.id)
	}
	sort.Strings(out)
	return out
}

// NeedsPublication reports whether the task has validated artifacts that no
// completed push covers yet.
func NeedsPublication(t models.Task) bool {
	if t.Status.Closed() || t.Status == models.StatusPending {
		return false
	}
	inputs := PublishableArtifacts(t)
	if len(inputs) == 0 {
		return false
	}
	for _, st := range t.Subtasks {
		if st.Type == models.SubtaskPush && st.Status == models.SubtaskDone && equalStrings(st.Inputs, inputs) {
			return false
		}
	}
	return true
}

func detailInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func commitMessage(t models.Task, artifacts []models.Artifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "workforce: publish %d deliverable(s) for %s\n\n", len(artifacts), t.ID)
	for _, a := range artifacts {
		fmt.Fprintf(&b, "- %s (v%d)\n", a.FilePath, a.Version)
	}
	return b.String()
}

func prBody(t models.Task, artifacts []models.Artifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n\n", t.Objective)
	if len(t.Constraints) > 0 {
		fmt.Fprintf(&b, "Constraints: %s\n\n", strings.Join(t.Constraints, ", "))
	}
	b.WriteString("Artifacts:\n")
	for _, a := range artifacts {
		fmt.Fprintf(&b, "- %s\n", a.ID)
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
