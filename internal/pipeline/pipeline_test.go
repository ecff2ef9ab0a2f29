package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"workforce-pipeline/internal/events"
	"workforce-pipeline/internal/models"
	"workforce-pipeline/internal/store"
	"workforce-pipeline/internal/telemetry"
	"workforce-pipeline/internal/vcs"
)

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline, *store.MemoryStore, *vcs.LocalRepository) {
	t.Helper()
	st := store.NewMemoryStore()
	repo := vcs.NewLocal(t.TempDir())
	opts = append([]Option{WithLogger(telemetry.Discard())}, opts...)
	return New(st, nil, repo, opts...), st, repo
}

func reportRequest() CreateTaskRequest {
	return CreateTaskRequest{
		Objective:    "X",
		Deliverables: []string{"report.md"},
		RepoTarget:   "acme/docs",
		RepoPath:     "docs",
	}
}

func subtasksOf(task models.Task, kind models.SubtaskType) []models.Subtask {
	var out []models.Subtask
	for _, st := range task.Subtasks {
		if st.Type == kind {
			out = append(out, st)
		}
	}
	return out
}

func validations(task models.Task) []models.AuditEntry {
	var out []models.AuditEntry
	for _, e := range task.AuditLog {
		if e.Action == models.ActionContentValidated {
			out = append(out, e)
		}
	}
	return out
}

func versionsOf(t *testing.T, st store.Store, taskID, filePath string) []int {
	t.Helper()
	artifacts, err := st.ListArtifacts(context.Background(), taskID)
	require.NoError(t, err)
	var out []int
	for i := len(artifacts) - 1; i >= 0; i-- {
		if artifacts[i].FilePath == filePath {
			out = append(out, artifacts[i].Version)
		}
	}
	return out
}

func TestMinimalDeliverablePassesWithoutFix(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t)

	task, err := p.Create(ctx, reportRequest())
	require.NoError(t, err)
	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusReview, task.Status)
	assert.Equal(t, 0, task.Attempts)
	assert.Empty(t, subtasksOf(task, models.SubtaskFix))
	assert.Equal(t, []int{1}, versionsOf(t, st, task.ID, "report.md"))

	vals := validations(task)
	require.Len(t, vals, 1)
	assert.InDelta(t, 1.0, vals[0].Value("score"), 1e-9)
	assert.Empty(t, vals[0].DetailStrings("failures"))

	artifact, err := st.GetArtifact(ctx, models.ArtifactID(task.ID, "report.md", 1))
	require.NoError(t, err)
	assert.Contains(t, artifact.Content, "## Security Considerations")
	assert.GreaterOrEqual(t, len(artifact.Content), 500)
	assert.Equal(t, FormatMarkdown, artifact.Format)

	pushes := subtasksOf(task, models.SubtaskPush)
	require.Len(t, pushes, 1)
	assert.Equal(t, models.SubtaskDone, pushes[0].Status)
	assert.Equal(t, []string{artifact.ID}, pushes[0].Inputs)

	entry, ok := task.LastAudit(models.ActionPRCreated, nil)
	require.True(t, ok)
	assert.Equal(t, "workforce/"+task.ID, entry.Detail("branch"))
	assert.NotEmpty(t, entry.Detail("commit"))
	assert.Equal(t, pushes[0].ResultURI, entry.Detail("pr"))
}

const truncatedReport = "# Report\n## Overview\nShort.\n## Objective\nX\n## Deliverables\n- report.md\n## Security\nNone.\n"

func TestForcedRepairProducesPassingVersionTwo(t *testing.T) {
	ctx := context.Background()
	gen := GeneratorFunc(func(context.Context, GenerateRequest) (string, error) {
		return truncatedReport, nil
	})
	p, st, _ := newTestPipeline(t, WithGenerator(gen))

	task, err := p.Create(ctx, reportRequest())
	require.NoError(t, err)
	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)

	vals := validations(task)
	require.Len(t, vals, 2)
	assert.Equal(t, []string{"required_section:Assumptions", "content_length"}, vals[0].DetailStrings("failures"))
	assert.InDelta(t, 0.7, vals[0].Value("score"), 1e-9)
	assert.Equal(t, false, vals[0].Value("passed"))
	assert.Equal(t, true, vals[1].Value("passed"))
	assert.InDelta(t, 1.0, vals[1].Value("score"), 1e-9)

	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, []int{1, 2}, versionsOf(t, st, task.ID, "report.md"))

	fixed, ok := task.LastAudit(models.ActionContentFixed, nil)
	require.True(t, ok)
	assert.Equal(t, []string{"required_section:Assumptions", RuleContentLength}, fixed.DetailStrings("addressed"))

	v2, err := st.GetArtifact(ctx, models.ArtifactID(task.ID, "report.md", 2))
	require.NoError(t, err)
	assert.Contains(t, v2.Content, "## Assumptions")
	assert.Contains(t, v2.Content, "## Additional Details")

	v1, err := st.GetArtifact(ctx, models.ArtifactID(task.ID, "report.md", 1))
	require.NoError(t, err)
	assert.Equal(t, truncatedReport, v1.Content)

	assert.Equal(t, models.StatusReview, task.Status)
	pushes := subtasksOf(task, models.SubtaskPush)
	require.Len(t, pushes, 1)
	assert.Equal(t, []string{v2.ID}, pushes[0].Inputs)
}

func alwaysFailing() []Option {
	return []Option{
		WithGenerator(GeneratorFunc(func(context.Context, GenerateRequest) (string, error) {
			return "", nil
		})),
		WithRepairer(RepairerFunc(func(_ context.Context, req RepairRequest) (Repair, error) {
			return Repair{Content: req.Content}, nil
		})),
	}
}

func TestExhaustionBlocksAfterThreeFixes(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t, alwaysFailing()...)

	task, err := p.Create(ctx, reportRequest())
	require.NoError(t, err)
	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusBlocked, task.Status)
	assert.Equal(t, models.MaxAttempts, task.Attempts)
	assert.Len(t, subtasksOf(task, models.SubtaskFix), 3)
	assert.Equal(t, 1, task.CountAudit(models.ActionMaxAttemptsReached))
	assert.Equal(t, []int{1, 2, 3, 4}, versionsOf(t, st, task.ID, "report.md"))
	assert.Empty(t, subtasksOf(task, models.SubtaskPush))

	require.NoError(t, p.Fixer.Process(ctx, task.ID))
	again, err := p.Advance(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MaxAttempts, again.Attempts)
	assert.Equal(t, 1, again.CountAudit(models.ActionMaxAttemptsReached))
	assert.Equal(t, task.Version, again.Version)
}

func TestPublicationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t)

	task, err := p.Create(ctx, reportRequest())
	require.NoError(t, err)
	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, subtasksOf(task, models.SubtaskPush), 1)

	require.NoError(t, p.Publisher.Process(ctx, task.ID))
	require.NoError(t, p.Publisher.Process(ctx, task.ID))

	after, err := p.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, subtasksOf(after, models.SubtaskPush), 1)
	assert.Equal(t, 1, after.CountAudit(models.ActionPRCreated))
	assert.Equal(t, task.Version, after.Version)
}

func TestEventsDriveThePipeline(t *testing.T) {
	ctx := context.Background()
	gen := GeneratorFunc(func(context.Context, GenerateRequest) (string, error) {
		return truncatedReport, nil
	})
	p, _, _ := newTestPipeline(t, WithGenerator(gen))
	stop := p.Start()
	defer stop()

	task, err := p.Submit(ctx, reportRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StatusReview, task.Status)
	assert.Len(t, validations(task), 2)
	assert.Equal(t, 1, task.CountAudit(models.ActionPRCreated))

	stop()
	assert.Zero(t, p.Bus().Subscribers(models.EventSubtaskCompleted))
}

func TestBlockedTaskPublishesEvent(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t, alwaysFailing()...)
	stop := p.Start()
	defer stop()

	var mu sync.Mutex
	var blocked []string
	p.Bus().Subscribe(models.EventTaskBlocked, func(_ context.Context, ev events.Event) {
		mu.Lock()
		blocked = append(blocked, ev.TaskID)
		mu.Unlock()
	})

	task, err := p.Submit(ctx, reportRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusBlocked, task.Status)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{task.ID}, blocked)
}

type flakyRepo struct {
	vcs.Repository
	mu       sync.Mutex
	failPush bool
}

func (f *flakyRepo) Push(ctx context.Context, repo, branch string) error {
	f.mu.Lock()
	fail := f.failPush
	f.mu.Unlock()
	if fail {
		return errors.New("remote rejected")
	}
	return f.Repository.Push(ctx, repo, branch)
}

func TestPublicationFailureLeavesStatusAndRetries(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{Repository: vcs.NewLocal(t.TempDir()), failPush: true}
	p := New(store.NewMemoryStore(), nil, repo, WithLogger(telemetry.Discard()))

	task, err := p.Create(ctx, reportRequest())
	require.NoError(t, err)
	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusInProgress, task.Status)
	pushes := subtasksOf(task, models.SubtaskPush)
	require.Len(t, pushes, 1)
	assert.Equal(t, models.SubtaskFailed, pushes[0].Status)
	entry, ok := task.LastAudit(models.ActionPushFailed, nil)
	require.True(t, ok)
	assert.Contains(t, entry.Detail("error"), "remote rejected")

	repo.mu.Lock()
	repo.failPush = false
	repo.mu.Unlock()

	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReview, task.Status)
	pushes = subtasksOf(task, models.SubtaskPush)
	require.Len(t, pushes, 2)
	assert.Equal(t, models.SubtaskDone, pushes[1].Status)
}

func TestMissingRepoTargetIsAPushFailure(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t)

	req := reportRequest()
	req.RepoTarget = ""
	task, err := p.Create(ctx, req)
	require.NoError(t, err)
	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusInProgress, task.Status)
	assert.Equal(t, 1, task.CountAudit(models.ActionPushFailed))
}

func TestGenerationFailureIsScopedToDeliverable(t *testing.T) {
	ctx := context.Background()
	failing := true
	gen := GeneratorFunc(func(ctx context.Context, req GenerateRequest) (string, error) {
		if req.FilePath == "plan.md" && failing {
			return "", errors.New("model unavailable")
		}
		return TemplateGenerator{}.Generate(ctx, req)
	})
	p, st, _ := newTestPipeline(t, WithGenerator(gen))

	req := reportRequest()
	req.Deliverables = []string{"report.md", "plan.md"}
	task, err := p.Create(ctx, req)
	require.NoError(t, err)
	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)

	entry, ok := task.LastAudit(models.ActionGenerationFailed, nil)
	require.True(t, ok)
	assert.Equal(t, "plan.md", entry.Detail("file_path"))
	assert.Equal(t, "model unavailable", entry.Detail("error"))
	assert.True(t, HasOutstandingWork(task))
	assert.Equal(t, []int{1}, versionsOf(t, st, task.ID, "report.md"))
	assert.Empty(t, versionsOf(t, st, task.ID, "plan.md"))

	failing = false
	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, HasOutstandingWork(task))
	assert.Equal(t, []int{1}, versionsOf(t, st, task.ID, "plan.md"))
	assert.Equal(t, models.StatusReview, task.Status)

	pushes := subtasksOf(task, models.SubtaskPush)
	last := pushes[len(pushes)-1]
	assert.Equal(t, models.SubtaskDone, last.Status)
	assert.Len(t, last.Inputs, 2)
}

func TestRepairErrorConsumesAttempt(t *testing.T) {
	ctx := context.Background()
	calls := 0
	p, _, _ := newTestPipeline(t,
		WithGenerator(GeneratorFunc(func(context.Context, GenerateRequest) (string, error) {
			return truncatedReport, nil
		})),
		WithRepairer(RepairerFunc(func(ctx context.Context, req RepairRequest) (Repair, error) {
			calls++
			if calls == 1 {
				return Repair{}, errors.New("repair backend down")
			}
			return RuleRepairer{}.Repair(ctx, req)
		})),
	)

	task, err := p.Create(ctx, reportRequest())
	require.NoError(t, err)
	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, task.CountAudit(models.ActionFixFailed))
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, models.StatusReview, task.Status)
}

// seedGenerated builds an in-progress task whose report.md generation is done
// but whose artifact was never written.
func seedGenerated(t *testing.T) (models.Task, models.Subtask) {
	t.Helper()
	task, err := NewTask(reportRequest())
	require.NoError(t, err)
	task.Status = models.StatusInProgress
	gen := task.AddSubtask(models.Subtask{Type: models.SubtaskGenerate, FilePath: "report.md"})
	task.Subtask(gen.ID).Finish(models.SubtaskDone, models.ArtifactID(task.ID, "report.md", 1))
	return task, *task.Subtask(gen.ID)
}

func TestMissingArtifactStopsValidation(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t)
	task, gen := seedGenerated(t)
	require.NoError(t, st.SaveTask(ctx, &task))

	task, err := p.Advance(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, task.CountAudit(models.ActionValidationError))
	entry, ok := task.LastAudit(models.ActionValidationError, nil)
	require.True(t, ok)
	assert.Equal(t, gen.ResultURI, entry.Detail("artifact_id"))
	vals := subtasksOf(task, models.SubtaskValidate)
	require.Len(t, vals, 1)
	assert.Equal(t, models.SubtaskFailed, vals[0].Status)

	assert.Equal(t, models.StatusInProgress, task.Status)
	assert.Empty(t, subtasksOf(task, models.SubtaskFix))
	assert.Zero(t, task.Attempts)
	assert.Zero(t, task.CountAudit(models.ActionFixFailed))

	again, err := p.Advance(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Version, again.Version)
	assert.Len(t, again.Subtasks, len(task.Subtasks))
	assert.Len(t, again.AuditLog, len(task.AuditLog))
}

func TestMissingArtifactStartsNoFixCycle(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t)
	task, gen := seedGenerated(t)
	val := task.AddSubtask(models.Subtask{
		Type:       models.SubtaskValidate,
		FilePath:   "report.md",
		Source:     gen.ID,
		ArtifactID: gen.ResultURI,
	})
	task.Subtask(val.ID).Finish(models.SubtaskFailed, "")
	task.AppendAudit("validator", models.ActionContentValidated, map[string]any{
		"subtask_id":  val.ID,
		"source_id":   gen.ID,
		"artifact_id": gen.ResultURI,
		"file_path":   "report.md",
		"version":     1,
		"score":       0.5,
		"failures":    []string{RuleContentLength, RuleDocumentStructure},
		"passed":      false,
	})
	require.NoError(t, st.SaveTask(ctx, &task))

	task, err := p.Advance(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, task.CountAudit(models.ActionFixFailed))
	entry, ok := task.LastAudit(models.ActionFixFailed, nil)
	require.True(t, ok)
	assert.Equal(t, val.ID, entry.Detail("validate_subtask"))
	assert.Equal(t, "artifact not found", entry.Detail("error"))

	assert.Equal(t, models.StatusInProgress, task.Status)
	assert.Empty(t, subtasksOf(task, models.SubtaskFix))
	assert.Zero(t, task.Attempts)
	assert.Zero(t, task.CountAudit(models.ActionMaxAttemptsReached))

	again, err := p.Advance(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Version, again.Version)
	assert.Equal(t, 1, again.CountAudit(models.ActionFixFailed))
	assert.Len(t, again.Subtasks, len(task.Subtasks))
}

func TestReviewClosesTask(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t)

	task, err := p.Create(ctx, reportRequest())
	require.NoError(t, err)

	_, err = p.Review(ctx, task.ID, ReviewRequest{Approved: true, Reviewer: "sam"})
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)

	_, err = p.Review(ctx, task.ID, ReviewRequest{Approved: true})
	require.ErrorIs(t, err, ErrInvalidRequest)

	task, err = p.Review(ctx, task.ID, ReviewRequest{Approved: true, Reviewer: "sam", Notes: "ship it"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, task.Status)
	entry, ok := task.LastAudit(models.ActionReviewApproved, nil)
	require.True(t, ok)
	assert.Equal(t, "sam", entry.Detail("reviewer"))

	again, err := p.Advance(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Version, again.Version)
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p, st, _ := newTestPipeline(t, WithClaimTTL(time.Minute), WithClock(func() time.Time { return now }))

	task, err := NewTask(reportRequest())
	require.NoError(t, err)
	task.Status = models.StatusInProgress
	claim := task.AddSubtask(models.Subtask{Type: models.SubtaskGenerate, FilePath: "report.md"})
	task.Subtasks[0].UpdatedAt = now.Add(-time.Hour)
	require.NoError(t, st.SaveTask(ctx, &task))

	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)

	gens := subtasksOf(task, models.SubtaskGenerate)
	require.Len(t, gens, 1)
	assert.Equal(t, claim.ID, gens[0].ID)
	assert.Equal(t, models.SubtaskDone, gens[0].Status)
	assert.Equal(t, 1, task.CountAudit(models.ActionSubtaskReclaimed))
	assert.Equal(t, models.StatusReview, task.Status)
}

func TestReclaimedGenerationAdoptsStoredArtifact(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	gen := GeneratorFunc(func(ctx context.Context, req GenerateRequest) (string, error) {
		calls++
		return TemplateGenerator{}.Generate(ctx, req)
	})
	p, st, _ := newTestPipeline(t, WithGenerator(gen), WithClaimTTL(time.Minute), WithClock(func() time.Time { return now }))

	task, err := NewTask(reportRequest())
	require.NoError(t, err)
	task.Status = models.StatusInProgress
	claim := task.AddSubtask(models.Subtask{Type: models.SubtaskGenerate, FilePath: "report.md"})
	task.Subtasks[0].UpdatedAt = now.Add(-time.Hour)
	require.NoError(t, st.SaveTask(ctx, &task))

	content, err := TemplateGenerator{}.Generate(ctx, GenerateRequest{
		TaskID:       task.ID,
		Objective:    task.Objective,
		FilePath:     "report.md",
		Deliverables: task.Deliverables,
		Format:       FormatFor("report.md"),
	})
	require.NoError(t, err)
	stored := models.Artifact{
		ID:       models.ArtifactID(task.ID, "report.md", 1),
		TaskID:   task.ID,
		FilePath: "report.md",
		Content:  content,
		Format:   FormatFor("report.md").Kind(),
		Version:  1,
	}
	require.NoError(t, st.SaveArtifact(ctx, stored))

	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)

	assert.Zero(t, calls)
	assert.Equal(t, []int{1}, versionsOf(t, st, task.ID, "report.md"))
	done := task.Subtask(claim.ID)
	require.NotNil(t, done)
	assert.Equal(t, models.SubtaskDone, done.Status)
	assert.Equal(t, stored.ID, done.ResultURI)
	assert.Equal(t, 1, task.CountAudit(models.ActionSubtaskReclaimed))
	assert.Equal(t, models.StatusReview, task.Status)
}

func TestFreshClaimIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t)

	task, err := NewTask(reportRequest())
	require.NoError(t, err)
	task.Status = models.StatusInProgress
	task.AddSubtask(models.Subtask{Type: models.SubtaskGenerate, FilePath: "report.md"})
	require.NoError(t, st.SaveTask(ctx, &task))

	after, err := p.Advance(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Version, after.Version)
	assert.Empty(t, versionsOf(t, st, task.ID, "report.md"))
}

func TestConcurrentAdvanceKeepsVersionsContiguous(t *testing.T) {
	ctx := context.Background()
	gen := GeneratorFunc(func(context.Context, GenerateRequest) (string, error) {
		return truncatedReport, nil
	})
	p, st, _ := newTestPipeline(t, WithGenerator(gen))

	req := reportRequest()
	req.Deliverables = []string{"report.md", "plan.md", "notes.txt"}
	task, err := p.Create(ctx, req)
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := p.Advance(ctx, task.ID)
			return err
		})
	}
	require.NoError(t, g.Wait())

	task, err = p.Advance(ctx, task.ID)
	require.NoError(t, err)
	for _, file := range req.Deliverables {
		versions := versionsOf(t, st, task.ID, file)
		for i, v := range versions {
			assert.Equal(t, i+1, v, "file %s", file)
		}
	}
	assert.Len(t, subtasksOf(task, models.SubtaskGenerate), 3)
	assert.LessOrEqual(t, task.Attempts, models.MaxAttempts)
	assert.Equal(t, models.StatusReview, task.Status)
}

func TestAdvanceMissingTask(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	_, err := p.Advance(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}
