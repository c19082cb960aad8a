package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Client enqueues tasks and persists a lifecycle record so the polling
// endpoint can report progress before a worker picks the task up.
type Client struct {
	client *asynq.Client
	runs   RunStore
	policy RetryPolicy
}

func NewClient(redisOpt asynq.RedisClientOpt, runs RunStore) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		runs:   runs,
		policy: DefaultRetryPolicy(),
	}
}

// EnqueueInitiateTrade submits a manual trade initiation and returns the
// task ID the client polls with.
func (c *Client) EnqueueInitiateTrade(ctx context.Context, p InitiateTradePayload) (string, error) {
	task, err := NewInitiateTradeTask(p)
	if err != nil {
		return "", err
	}
	opts := append(c.policy.Options(),
		asynq.TaskID(uuid.NewString()),
		asynq.Queue(QueueCritical),
		asynq.Timeout(2*time.Minute),
	)
	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return "", fmt.Errorf("enqueue failed: %w", err)
	}

	run := TaskRun{
		ID:          info.ID,
		Kind:        TypeInitiateTrade,
		Queue:       info.Queue,
		UserID:      p.UserID,
		PayloadJSON: string(task.Payload()),
		State:       StateCreated,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.runs.InsertCreated(ctx, run); err != nil {
		return "", fmt.Errorf("task run insert failed: %w", err)
	}
	return info.ID, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
