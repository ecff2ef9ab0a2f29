package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"workforce-pipeline/internal/models"
)

var (
	// ErrNotFound is returned when a task or artifact does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a task write is based on a stale version,
	// or when an artifact id is stored twice.
	ErrConflict = errors.New("write conflict")
)

// Store persists tasks and artifacts.
//
// SaveTask is an optimistic write: it succeeds only when the stored revision
// equals task.Version (zero for a task that has never been stored), and
// bumps task.Version on success. Artifacts are write-once.
type Store interface {
	SaveTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	ListTasks(ctx context.Context) ([]models.TaskSummary, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	SaveArtifact(ctx context.Context, artifact models.Artifact) error
	GetArtifact(ctx context.Context, id string) (models.Artifact, error)
	ListArtifacts(ctx context.Context, taskID string) ([]models.Artifact, error)
	Close()
}

// checkWrite validates an incoming task against the stored revision.
// stored is nil when the task does not exist yet.
func checkWrite(stored *models.Task, next *models.Task) error {
	if stored == nil {
		if next.Version != 0 {
			return fmt.Errorf("%w: task %s was deleted", ErrConflict, next.ID)
		}
		return nil
	}
	if stored.Version != next.Version {
		return fmt.Errorf("%w: task %s at version %d, write based on %d", ErrConflict, next.ID, stored.Version, next.Version)
	}
	if err := models.CheckAuditExtends(stored.AuditLog, next.AuditLog); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return nil
}

// sortArtifacts orders by file path, then newest version first.
func sortArtifacts(items []models.Artifact) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].FilePath != items[j].FilePath {
			return items[i].FilePath < items[j].FilePath
		}
		return items[i].Version > items[j].Version
	})
}

func sortSummaries(items []models.TaskSummary) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func encodeTask(task models.Task) ([]byte, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return data, nil
}

func decodeTask(data []byte) (models.Task, error) {
	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	return task, nil
}
