// Package queue carries work items to agent workers over asynq and reports
// their outcomes back to the core over Kafka.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/shared/config"
)

const TypeAgentInvoke = "agent:invoke"

func RedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
}

// Client enqueues work items. It never waits for execution.
type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

func NewClient(cfg config.Config) (*Client, error) {
	if cfg.AsynqRedisAddr == "" {
		return nil, errors.New("ASYNQ_REDIS_ADDR is required")
	}
	return &Client{client: asynq.NewClient(RedisOpt(cfg)), queue: cfg.AsynqQueue, maxRetry: cfg.AsynqMaxRetry}, nil
}

// NewTask builds the asynq task for item. The task id is unique per attempt so a
// re-enqueue of the same attempt is collapsed by asynq. maxRetry bounds redelivery of
// the work item when the worker cannot report its outcome; agent failures are retried
// by the orchestrator instead.
func NewTask(item models.WorkItem, queue string, maxRetry int, delay time.Duration) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.TaskID(fmt.Sprintf("%s:%d", item.TaskID, item.Attempt)),
		asynq.MaxRetry(maxRetry),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	return asynq.NewTask(TypeAgentInvoke, payload), opts, nil
}

func (c *Client) Enqueue(ctx context.Context, item models.WorkItem, delay time.Duration) error {
	task, opts, err := NewTask(item, c.queue, c.maxRetry, delay)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
