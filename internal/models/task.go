package models

import (
	"errors"
	"fmt"
	"time"
)

// MaxAttempts bounds the number of fix cycles a task may consume.
const MaxAttempts = 3

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusReview     TaskStatus = "review"
	StatusDone       TaskStatus = "done"
	StatusFailed     TaskStatus = "failed"
)

// Valid reports whether s is one of the known task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusReview, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Closed reports whether the automated pipeline must leave the task alone.
func (s TaskStatus) Closed() bool {
	return s == StatusBlocked || s == StatusDone || s == StatusFailed
}

// ErrInvalidTransition is returned when a status change breaks the task state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusReview, StatusBlocked},
	StatusReview:     {StatusReview, StatusBlocked, StatusDone, StatusFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is the unit of orchestration persisted by the store.
type Task struct {
	ID           string       `json:"task_id"`
	Objective    string       `json:"objective"`
	Role         string       `json:"role,omitempty"`
	Priority     string       `json:"priority"`
	Deliverables []string     `json:"deliverables"`
	Constraints  []string     `json:"constraints"`
	RepoTarget   string       `json:"repo_target"`
	RepoPath     string       `json:"repo_path"`
	Status       TaskStatus   `json:"status"`
	Attempts     int          `json:"attempts"`
	Subtasks     []Subtask    `json:"subtasks"`
	AuditLog     []AuditEntry `json:"audit_log"`
	Version      int64        `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TaskSummary is the listing view of a task.
type TaskSummary struct {
	ID           string     `json:"task_id"`
	Objective    string     `json:"objective"`
	Status       TaskStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	Deliverables int        `json:"deliverables"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Summary projects the task into its listing view.
func (t Task) Summary() TaskSummary {
	return TaskSummary{
		ID:           t.ID,
		Objective:    t.Objective,
		Status:       t.Status,
		Attempts:     t.Attempts,
		Deliverables: len(t.Deliverables),
		UpdatedAt:    t.UpdatedAt,
	}
}

// HasConstraint reports whether the policy tag is set on the task.
func (t Task) HasConstraint(tag string) bool {
	for _, c := range t.Constraints {
		if c == tag {
			return true
		}
	}
	return false
}

// SetStatus moves the task to a new state if the state machine allows it.
func (t *Task) SetStatus(to TaskStatus) error {
	if t.Status == to && to != StatusReview {
		return nil
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	return nil
}

// AppendAudit records an action on the task. Entries are never rewritten.
func (t *Task) AppendAudit(actor, action string, details map[string]any) AuditEntry {
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Details:   details,
	}
	t.AuditLog = append(t.AuditLog, entry)
	return entry
}

// AddSubtask appends st with the next sequential id, in progress unless a
// status is given, and returns the stored copy.
func (t *Task) AddSubtask(st Subtask) Subtask {
	now := time.Now().UTC()
	st.ID = fmt.Sprintf("st-%03d", len(t.Subtasks)+1)
	if st.Status == "" {
		st.Status = SubtaskInProgress
	}
	st.CreatedAt = now
	st.UpdatedAt = now
	t.Subtasks = append(t.Subtasks, st)
	return st
}

// Subtask returns a pointer into the task's subtask list, or nil.
func (t *Task) Subtask(id string) *Subtask {
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == id {
			return &t.Subtasks[i]
		}
	}
	return nil
}

// LastAudit returns the most recent entry with the given action matching the predicate.
func (t Task) LastAudit(action string, match func(AuditEntry) bool) (AuditEntry, bool) {
	for i := len(t.AuditLog) - 1; i >= 0; i-- {
		e := t.AuditLog[i]
		if e.Action != action {
			continue
		}
		if match == nil || match(e) {
			return e, true
		}
	}
	return AuditEntry{}, false
}

// CountAudit counts entries with the given action.
func (t Task) CountAudit(action string) int {
	n := 0
	for _, e := range t.AuditLog {
		if e.Action == action {
			n++
		}
	}
	return n
}
