// Package queue holds task ids awaiting pipeline work in Redis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"workforce-pipeline/internal/config"
)

const (
	keyPrefix       = "workforce:queue:"
	defaultPriority = "default"
)

// RedisQueue keeps task ids in per-priority ready lists, a leased in-flight
// set, a delayed set for retries, and a dead-letter list.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	delayedKey     string
	metaPrefix     string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{defaultPriority}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = keyPrefix + "dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    keyPrefix + "inflight",
		delayedKey:     keyPrefix + "delayed",
		metaPrefix:     keyPrefix + "meta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return keyPrefix + "ready:" + priority
}

func (q *RedisQueue) metaKey(taskID string) string {
	return q.metaPrefix + taskID
}

// priority maps unknown priorities onto the lowest configured queue so no
// task lands in a list nobody reads.
func (q *RedisQueue) priority(p string) string {
	if p == "" {
		p = defaultPriority
	}
	for _, known := range q.priorityQueues {
		if known == p {
			return p
		}
	}
	return q.priorityQueues[len(q.priorityQueues)-1]
}

// Enqueue makes a task ready for a worker. Enqueueing a task that is already
// waiting or leased is a no-op.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID, priority string) error {
	p := q.priority(priority)
	keys := []string{q.metaKey(taskID), q.readyKey(p)}
	err := enqueueScript.Run(ctx, q.client, keys, taskID, p).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	return nil
}

// DequeueWithLease pops the next task id in priority order and leases it for
// the visibility timeout. It returns "" when every queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// ExtendLease pushes the visibility deadline of a leased task forward.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack releases a leased task and forgets its queue metadata.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry moves a leased task to the delayed set until runAt and returns how
// many times it has been retried.
func (q *RedisQueue) Retry(ctx context.Context, taskID string, runAt time.Time) (int, error) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
	attempts := pipe.HIncrBy(ctx, q.metaKey(taskID), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("retry %s: %w", taskID, err)
	}
	return int(attempts.Val()), nil
}

// Attempts returns how many times the task has been retried since it was enqueued.
func (q *RedisQueue) Attempts(ctx context.Context, taskID string) (int, error) {
	v, err := q.client.HGet(ctx, q.metaKey(taskID), "attempts").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

// PromoteScheduled moves delayed tasks that are due into their ready queues.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.delayedKey, now, limit)
	return len(ids), err
}

// RequeueExpired reclaims leases that timed out, making their tasks ready again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, from, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	priorities := make([]*redis.StringCmd, len(ids))
	read := q.client.Pipeline()
	for i, id := range ids {
		priorities[i] = read.HGet(ctx, q.metaKey(id), "priority")
	}
	if _, err := read.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	pipe := q.client.TxPipeline()
	for i, id := range ids {
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey(q.priority(priorities[i].Val())), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a task from every queue.
func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, taskID)
	}
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.ZRem(ctx, q.delayedKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush records a task that needs human attention.
func (q *RedisQueue) DLQPush(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.dlqKey, taskID).Err()
}

// DLQPeek reads up to count dead-lettered task ids, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		return []string{}, nil
	}
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlight returns how many tasks are currently leased.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var enqueueScript = redis.NewScript(`
local meta = KEYS[1]
if redis.call('EXISTS', meta) == 1 then
  return 0
end
redis.call('HSET', meta, 'priority', ARGV[2], 'attempts', 0)
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)
