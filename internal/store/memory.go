package store

import (
	"context"
	"fmt"
	"sync"

	"workforce-pipeline/internal/models"
)

// MemoryStore keeps records in process memory. Records are held in their
// encoded form so callers never share slices with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string][]byte
	artifacts map[string]models.Artifact
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string][]byte),
		artifacts: make(map[string]models.Artifact),
	}
}

func (m *MemoryStore) Close() {}

// SaveTask stores the task if task.Version matches the stored revision.
func (m *MemoryStore) SaveTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored *models.Task
	if raw, ok := m.tasks[task.ID]; ok {
		current, err := decodeTask(raw)
		if err != nil {
			return err
		}
		stored = &current
	}
	if err := checkWrite(stored, task); err != nil {
		return err
	}

	next := *task
	next.Version++
	data, err := encodeTask(next)
	if err != nil {
		return err
	}
	m.tasks[task.ID] = data
	task.Version = next.Version
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (models.Task, error) {
	m.mu.RLock()
	raw, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return decodeTask(raw)
}

func (m *MemoryStore) ListTasks(_ context.Context) ([]models.TaskSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TaskSummary, 0, len(m.tasks))
	for _, raw := range m.tasks {
		task, err := decodeTask(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, task.Summary())
	}
	sortSummaries(out)
	return out, nil
}

// DeleteTask removes the task and its artifacts.
func (m *MemoryStore) DeleteTask(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return false, nil
	}
	delete(m.tasks, id)
	for aid, a := range m.artifacts {
		if a.TaskID == id {
			delete(m.artifacts, aid)
		}
	}
	return true, nil
}

func (m *MemoryStore) SaveArtifact(_ context.Context, artifact models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[artifact.ID]; ok {
		return fmt.Errorf("%w: artifact %s already stored", ErrConflict, artifact.ID)
	}
	m.artifacts[artifact.ID] = artifact
	return nil
}

func (m *MemoryStore) GetArtifact(_ context.Context, id string) (models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[id]
	if !ok {
		return models.Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *MemoryStore) ListArtifacts(_ context.Context, taskID string) ([]models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Artifact, 0)
	for _, a := range m.artifacts {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	sortArtifacts(out)
	return out, nil
}
