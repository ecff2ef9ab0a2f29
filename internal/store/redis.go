package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"workforce-pipeline/internal/models"
)

// RedisStore keeps tasks and artifacts as JSON values in Redis. Task writes
// run under WATCH so a concurrent writer aborts the transaction.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	tasksKey string
}

// NewRedis builds a store on an existing client.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:   client,
		prefix:   "workforce:",
		tasksKey: "workforce:tasks",
	}
}

func (s *RedisStore) Close() {
	_ = s.client.Close()
}

func (s *RedisStore) taskKey(id string) string {
	return s.prefix + "task:" + id
}

func (s *RedisStore) artifactKey(id string) string {
	return s.prefix + "artifact:" + id
}

func (s *RedisStore) artifactIndexKey(taskID string) string {
	return s.prefix + "task:" + taskID + ":artifacts"
}

func (s *RedisStore) SaveTask(ctx context.Context, task *models.Task) error {
	key := s.taskKey(task.ID)
	var saved int64
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		var stored *models.Task
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("read task: %w", err)
		default:
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
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.tasksKey, task.ID)
			return nil
		})
		saved = next.Version
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: task %s modified concurrently", ErrConflict, task.ID)
	}
	if err != nil {
		return err
	}
	task.Version = saved
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	raw, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("read task: %w", err)
	}
	return decodeTask(raw)
}

func (s *RedisStore) ListTasks(ctx context.Context) ([]models.TaskSummary, error) {
	ids, err := s.client.SMembers(ctx, s.tasksKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	out := make([]models.TaskSummary, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		task, err := decodeTask([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, task.Summary())
	}
	sortSummaries(out)
	return out, nil
}

// DeleteTask removes the task, its artifacts, and the artifact index.
func (s *RedisStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	artifactIDs, err := s.client.SMembers(ctx, s.artifactIndexKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("read artifact index: %w", err)
	}
	pipe := s.client.TxPipeline()
	removed := pipe.Del(ctx, s.taskKey(id))
	pipe.SRem(ctx, s.tasksKey, id)
	for _, aid := range artifactIDs {
		pipe.Del(ctx, s.artifactKey(aid))
	}
	pipe.Del(ctx, s.artifactIndexKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return removed.Val() > 0, nil
}

// saveArtifactScript stores an artifact and indexes it under its task in one
// step. It returns 0 when the artifact id is already taken.
var saveArtifactScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// SaveArtifact writes an immutable artifact together with its index entry.
func (s *RedisStore) SaveArtifact(ctx context.Context, a models.Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	keys := []string{s.artifactKey(a.ID), s.artifactIndexKey(a.TaskID)}
	created, err := saveArtifactScript.Run(ctx, s.client, keys, data, a.ID).Int()
	if err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: artifact %s already stored", ErrConflict, a.ID)
	}
	return nil
}

func (s *RedisStore) GetArtifact(ctx context.Context, id string) (models.Artifact, error) {
	raw, err := s.client.Get(ctx, s.artifactKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	var a models.Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return models.Artifact{}, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return a, nil
}

func (s *RedisStore) ListArtifacts(ctx context.Context, taskID string) ([]models.Artifact, error) {
	ids, err := s.client.SMembers(ctx, s.artifactIndexKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read artifact index: %w", err)
	}
	out := make([]models.Artifact, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetArtifact(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sortArtifacts(out)
	return out, nil
}
