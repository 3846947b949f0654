// Package queue is the enqueue boundary between the dispatcher and the
// out-of-process valuation worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Task is one unit of work handed to the worker.
type Task struct {
	ReportID uuid.UUID `json:"report_id"`
	OwnerID  uuid.UUID `json:"owner_id"`
	InputRef string    `json:"input_ref"`
}

// Queue is the transport between dispatcher and worker.
// Enqueue must not block on job completion; submission is fire-and-forget
// once the task is accepted.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks up to timeout for the next task. found is false when
	// the wait expired with nothing to do.
	Dequeue(ctx context.Context, timeout time.Duration) (task Task, found bool, err error)
	Ping(ctx context.Context) error
}

// RedisQueue implements Queue as a Redis list (LPUSH producer, BRPOP consumer).
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a RedisQueue from a Redis URL and list key.
func NewRedisQueue(redisURL, key string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisQueue{client: redis.NewClient(opts), key: key}, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (Task, bool, error) {
	var task Task
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return task, false, nil
	}
	if err != nil {
		return task, false, fmt.Errorf("dequeue task: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return task, false, fmt.Errorf("dequeue task: unexpected reply length %d", len(res))
	}
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return task, false, fmt.Errorf("unmarshal task: %w", err)
	}
	return task, true, nil
}
