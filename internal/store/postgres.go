package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"workforce-pipeline/internal/models"
)

const uniqueViolation = "23505"

// PostgresStore wraps pgxpool for Postgres persistence. Tasks are stored as
// JSONB documents next to a version column used for optimistic writes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveTask inserts or updates the task document under a row lock.
func (s *PostgresStore) SaveTask(ctx context.Context, task *models.Task) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var stored *models.Task
	var doc []byte
	err = tx.QueryRow(ctx, `SELECT document FROM tasks WHERE id = $1 FOR UPDATE`, task.ID).Scan(&doc)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("lock task: %w", err)
	default:
		current, err := decodeTask(doc)
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

	if stored == nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO tasks (id, objective, status, attempts, version, document, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, next.ID, next.Objective, string(next.Status), next.Attempts, next.Version, data, next.CreatedAt, next.UpdatedAt)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE tasks
			SET status = $2, attempts = $3, version = $4, document = $5, updated_at = $6
			WHERE id = $1 AND version = $7
		`, next.ID, string(next.Status), next.Attempts, next.Version, data, next.UpdatedAt, task.Version)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: task %s inserted concurrently", ErrConflict, task.ID)
		}
		return fmt.Errorf("write task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	task.Version = next.Version
	return nil
}

// GetTask fetches a task by id.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM tasks WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("query task: %w", err)
	}
	return decodeTask(doc)
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]models.TaskSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, objective, status, attempts, jsonb_array_length(document->'deliverables'), updated_at
		FROM tasks ORDER BY updated_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]models.TaskSummary, 0)
	for rows.Next() {
		var sum models.TaskSummary
		var status string
		if err := rows.Scan(&sum.ID, &sum.Objective, &status, &sum.Attempts, &sum.Deliverables, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task summary: %w", err)
		}
		sum.Status = models.TaskStatus(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteTask removes the task row; artifacts go with it through the foreign key.
func (s *PostgresStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SaveArtifact(ctx context.Context, a models.Artifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (id, task_id, file_path, format, version, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.TaskID, a.FilePath, a.Format, a.Version, a.Content, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: artifact %s already stored", ErrConflict, a.ID)
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (models.Artifact, error) {
	var a models.Artifact
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, file_path, format, version, content, created_at
		FROM artifacts WHERE id = $1
	`, id).Scan(&a.ID, &a.TaskID, &a.FilePath, &a.Format, &a.Version, &a.Content, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Artifact{}, fmt.Errorf("query artifact: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, taskID string) ([]models.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, file_path, format, version, content, created_at
		FROM artifacts WHERE task_id = $1
		ORDER BY file_path, version DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := make([]models.Artifact, 0)
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.TaskID, &a.FilePath, &a.Format, &a.Version, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
