package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
)

// Client enqueues tasks. It is safe for concurrent use.
type Client struct {
	inner *asynq.Client
}

// NewClient creates a Client from a Redis connection option.
func NewClient(redisOpt asynq.RedisConnOpt) *Client {
	return &Client{inner: asynq.NewClient(redisOpt)}
}

// Enqueue submits a task built by one of the New*Task constructors.
func (c *Client) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (string, error) {
	info, err := c.inner.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", task.Type(), err)
	}
	return info.ID, nil
}

// Close releases the underlying Redis connections.
func (c *Client) Close() error {
	return c.inner.Close()
}
