// Package redis implements the external task queue on a Redis list, the
// transport selected by REDIS_URL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

const (
	defaultKey         = "s2x:tasks"
	defaultPollTimeout = 5 * time.Second
)

// Config controls the list key and blocking pop timeout.
type Config struct {
	Key         string
	PollTimeout time.Duration
}

// Queue pushes tasks to the head of a list and pops from the tail, giving
// FIFO delivery to any number of competing worker processes.
type Queue struct {
	client      goredis.UniversalClient
	key         string
	pollTimeout time.Duration
}

// New creates a Queue over an existing client.
func New(client goredis.UniversalClient, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return &Queue{client: client, key: cfg.Key, pollTimeout: cfg.PollTimeout}, nil
}

// Enqueue appends a task.
func (q *Queue) Enqueue(ctx context.Context, task geoexport.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("push task %s: %w", task.JobID, err)
	}
	return nil
}

// Dequeue blocks until a task is available or ctx is done. A payload that
// cannot be decoded is removed from the list and reported as an error.
func (q *Queue) Dequeue(ctx context.Context) (geoexport.Task, error) {
	for {
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		switch {
		case errors.Is(err, goredis.Nil):
			if ctx.Err() != nil {
				return geoexport.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return geoexport.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return geoexport.Task{}, fmt.Errorf("pop task: %w", err)
		case len(res) != 2:
			return geoexport.Task{}, fmt.Errorf("pop task: unexpected reply %v", res)
		}

		var task geoexport.Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return geoexport.Task{}, fmt.Errorf("decode task: %w", err)
		}
		return task, nil
	}
}

// Len reports the number of waiting tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
