package models

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Audit actions recorded on tasks.
const (
	ActionContentGenerated   = "content_generated"
	ActionGenerationFailed   = "generation_failed"
	ActionContentValidated   = "content_validated"
	ActionValidationError    = "validation_error"
	ActionContentFixed       = "content_fixed"
	ActionFixFailed          = "fix_failed"
	ActionMaxAttemptsReached = "max_attempts_reached"
	ActionPRCreated          = "pr_created"
	ActionPushFailed         = "push_failed"
	ActionTaskCreated        = "task_created"
	ActionReviewApproved     = "review_approved"
	ActionReviewRejected     = "review_rejected"
	ActionSubtaskReclaimed   = "subtask_reclaimed"
)

// Event names published on the pipeline bus.
const (
	EventSubtaskCompleted = "subtask_completed"
	EventValidationPassed = "validation_passed"
	EventValidationFailed = "validation_failed"
	EventArtifactFixed    = "artifact_fixed"
	EventPRCreated        = "pr_created"
	EventTaskBlocked      = "task_blocked"
)

// Events lists every event name the pipeline publishes.
var Events = []string{
	EventSubtaskCompleted,
	EventValidationPassed,
	EventValidationFailed,
	EventArtifactFixed,
	EventPRCreated,
	EventTaskBlocked,
}

// AuditEntry is an immutable record of one pipeline action.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
}

// Detail returns details[key] as a string, or "".
func (e AuditEntry) Detail(key string) string {
	if v, ok := e.Details[key].(string); ok {
		return v
	}
	return ""
}

// Value returns the raw details[key]. Numbers read back from a store are float64.
func (e AuditEntry) Value(key string) any {
	return e.Details[key]
}

// DetailStrings returns details[key] as a string slice. It accepts both the
// in-memory []string form and the []any form produced by a JSON round trip.
func (e AuditEntry) DetailStrings(key string) []string {
	switch v := e.Details[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ErrAuditRewritten is returned when a write would shorten or alter the audit log.
var ErrAuditRewritten = errors.New("audit log is append-only")

// CheckAuditExtends verifies next keeps every entry of prev, in order and unchanged.
func CheckAuditExtends(prev, next []AuditEntry) error {
	if len(next) < len(prev) {
		return fmt.Errorf("%w: %d entries would become %d", ErrAuditRewritten, len(prev), len(next))
	}
	for i := range prev {
		a, b := prev[i], next[i]
		if !a.Timestamp.Equal(b.Timestamp) || a.Actor != b.Actor || a.Action != b.Action {
			return fmt.Errorf("%w: entry %d changed", ErrAuditRewritten, i)
		}
		if len(a.Details) != len(b.Details) || !reflect.DeepEqual(normalize(a.Details), normalize(b.Details)) {
			return fmt.Errorf("%w: entry %d details changed", ErrAuditRewritten, i)
		}
	}
	return nil
}

// normalize flattens typed slices so []string and []any compare equal.
func normalize(details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		switch t := v.(type) {
		case []string:
			items := make([]any, len(t))
			for i, s := range t {
				items[i] = s
			}
			out[k] = items
		case int:
			out[k] = float64(t)
		case int64:
			out[k] = float64(t)
		default:
			out[k] = v
		}
	}
	return out
}
