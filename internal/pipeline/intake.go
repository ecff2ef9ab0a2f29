package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"workforce-pipeline/internal/models"
)

// ErrInvalidRequest marks a task-creation or review request the pipeline refuses.
var ErrInvalidRequest = errors.New("invalid request")

// Priorities accepted at intake, highest first.
var Priorities = []string{"high", "default", "low"}

// CreateTaskRequest is the task-creation boundary payload.
type CreateTaskRequest struct {
	Objective    string   `json:"objective"`
	Role         string   `json:"role"`
	Deliverables []string `json:"deliverables"`
	RepoTarget   string   `json:"repo_target"`
	RepoPath     string   `json:"repo_path"`
	Priority     string   `json:"priority"`
	Constraints  []string `json:"constraints"`
}

// NewTask validates req and builds a pending task ready to be stored.
func NewTask(req CreateTaskRequest) (models.Task, error) {
	objective := strings.TrimSpace(req.Objective)
	if objective == "" {
		return models.Task{}, fmt.Errorf("%w: objective is required", ErrInvalidRequest)
	}
	priority := strings.ToLower(strings.TrimSpace(req.Priority))
	if priority == "" {
		priority = "default"
	}
	if !validPriority(priority) {
		return models.Task{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, req.Priority)
	}

	deliverables := dedupe(req.Deliverables, strings.TrimSpace)
	for _, d := range deliverables {
		if strings.Contains(d, "..") {
			return models.Task{}, fmt.Errorf("%w: deliverable %q escapes the repository", ErrInvalidRequest, d)
		}
	}
	if len(deliverables) == 0 {
		deliverables = []string{defaultDeliverable(req.Role)}
	}
	constraints := dedupe(req.Constraints, func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	})

	now := time.Now().UTC()
	t := models.Task{
		ID:           uuid.NewString(),
		Objective:    objective,
		Role:         strings.TrimSpace(req.Role),
		Priority:     priority,
		Deliverables: deliverables,
		Constraints:  constraints,
		RepoTarget:   strings.TrimSpace(req.RepoTarget),
		RepoPath:     strings.Trim(strings.TrimSpace(req.RepoPath), "/"),
		Status:       models.StatusPending,
		Subtasks:     []models.Subtask{},
		AuditLog:     []models.AuditEntry{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.AppendAudit("intake", models.ActionTaskCreated, map[string]any{
		"deliverables": deliverables,
		"constraints":  constraints,
		"priority":     priority,
	})
	return t, nil
}

// ReviewRequest is an external reviewer's decision on a published task.
type ReviewRequest struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes"`
}

// applyReview closes a task in review as done or failed.
func applyReview(t *models.Task, req ReviewRequest) error {
	if strings.TrimSpace(req.Reviewer) == "" {
		return fmt.Errorf("%w: reviewer is required", ErrInvalidRequest)
	}
	to, action := models.StatusFailed, models.ActionReviewRejected
	if req.Approved {
		to, action = models.StatusDone, models.ActionReviewApproved
	}
	if t.Status != models.StatusReview {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, t.Status, to)
	}
	if err := t.SetStatus(to); err != nil {
		return err
	}
	t.AppendAudit("reviewer", action, map[string]any{
		"reviewer": req.Reviewer,
		"notes":    req.Notes,
	})
	return nil
}

func validPriority(p string) bool {
	for _, known := range Priorities {
		if p == known {
			return true
		}
	}
	return false
}

func defaultDeliverable(role string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(role)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	name := strings.TrimSuffix(b.String(), "-")
	if name == "" {
		return "deliverable.md"
	}
	return name + ".md"
}

func dedupe(items []string, norm func(string) string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		v := norm(item)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
