// Package queue is the durable task queue feeding the worker pool. Tasks
// are JSON documents on a single broker list; per-task status lives in a
// parallel keyspace with a 24 hour TTL so callers can poll progress long
// after the task itself has been consumed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/pkg/logger"
	"github.com/redis/go-redis/v9"
)

var log = logger.Get("Queue")

const (
	// TasksKey is the single list every worker consumes from. Parallelism
	// comes from worker slots, not from sharding the queue.
	TasksKey = "pipeline_tasks"

	statusKeyTemplate = "task_status:%s"
	statusTTL         = 24 * time.Hour

	connectAttempts = 5
	connectBackoff  = 3 * time.Second
)

// ErrQueueClosed is returned by Dequeue once the broker connection has
// been closed, letting consumer loops distinguish shutdown from an
// empty queue.
var ErrQueueClosed = errors.New("task queue is closed")

type (
	TaskType   string
	TaskStatus string

	// Payload carries everything a worker needs to execute a task without
	// further lookups. AssetPath is an optional local file that skips the
	// download when it still exists on the consuming host.
	Payload struct {
		UserID    string         `json:"userId"`
		ProjectID string         `json:"projectId"`
		AssetID   string         `json:"assetId"`
		Asset     *asset.Asset   `json:"assetData,omitempty"`
		AssetPath string         `json:"assetPath,omitempty"`
		StepID    string         `json:"stepId,omitempty"`
		Params    map[string]any `json:"params,omitempty"`
	}

	// Task is one unit of work. The task body is consumed from the list on
	// dequeue; its lifecycle is tracked in the status keyspace instead.
	Task struct {
		ID        string     `json:"id"`
		Type      TaskType   `json:"type"`
		Payload   Payload    `json:"payload"`
		Status    TaskStatus `json:"status"`
		CreatedAt string     `json:"createdAt"`
	}

	// StatusRecord is the task's externally visible lifecycle entry.
	StatusRecord struct {
		Status    TaskStatus `json:"status"`
		UpdatedAt string     `json:"updatedAt"`
		Error     string     `json:"error,omitempty"`
	}

	// TaskQueue is the broker client shared by producers and the worker
	// pool. It is safe for concurrent use.
	TaskQueue struct {
		client *redis.Client
	}
)

const (
	TaskPipeline TaskType = "pipeline"
	TaskStep     TaskType = "step"
)

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// New wraps an established broker client.
func New(client *redis.Client) *TaskQueue {
	return &TaskQueue{client: client}
}

// Connect parses the broker URL and opens a connection, retrying the
// initial ping a few times so the service survives the broker coming up
// alongside it.
func Connect(ctx context.Context, redisURL string) (*TaskQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse broker URL: %w", err)
	}

	client := redis.NewClient(opts)
	attempt := 1
	for {
		err := client.Ping(ctx).Err()
		if err == nil {
			break
		}

		if attempt >= connectAttempts {
			log.Emit(logger.ERROR, "All attempts FAILED!\n")
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}

		log.Emit(logger.WARNING, "Attempt (%v/%v) failed... Retrying in %s\n", attempt, connectAttempts, connectBackoff)
		attempt++
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}

	log.Emit(logger.SUCCESS, "Broker connection complete!\n")
	return New(client), nil
}

// EnqueuePipeline pushes a task that runs every eligible step for the
// asset, and writes its initial pending status record.
func (queue *TaskQueue) EnqueuePipeline(ctx context.Context, userID string, projectID string, assetID string, assetData *asset.Asset, assetPath string) (string, error) {
	return queue.enqueue(ctx, &Task{
		Type: TaskPipeline,
		Payload: Payload{
			UserID:    userID,
			ProjectID: projectID,
			AssetID:   assetID,
			Asset:     assetData,
			AssetPath: assetPath,
		},
	})
}

// EnqueueStep pushes a task that runs exactly one named step.
func (queue *TaskQueue) EnqueueStep(ctx context.Context, userID string, projectID string, assetID string, assetData *asset.Asset, stepID string, params map[string]any) (string, error) {
	return queue.enqueue(ctx, &Task{
		Type: TaskStep,
		Payload: Payload{
			UserID:    userID,
			ProjectID: projectID,
			AssetID:   assetID,
			Asset:     assetData,
			StepID:    stepID,
			Params:    params,
		},
	})
}

func (queue *TaskQueue) enqueue(ctx context.Context, task *Task) (string, error) {
	task.ID = uuid.NewString()
	task.Status = TaskPending
	task.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	encoded, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s task: %w", task.Type, err)
	}

	if err := queue.client.LPush(ctx, TasksKey, encoded).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue %s task: %w", task.Type, err)
	}
	if err := queue.UpdateStatus(ctx, task.ID, TaskPending, ""); err != nil {
		return "", err
	}

	log.Emit(logger.DEBUG, "Enqueued %s task %s for asset %s\n", task.Type, task.ID, task.Payload.AssetID)
	return task.ID, nil
}

// Dequeue blocks for up to timeout waiting for the next task, returning
// nil when the queue stayed empty for the whole window. Consumption is
// FIFO: tasks are popped from the opposite end they were pushed.
func (queue *TaskQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	values, err := queue.client.BRPop(ctx, timeout, TasksKey).Result()
	if err != nil {
		switch {
		case errors.Is(err, redis.Nil):
			return nil, nil
		case errors.Is(err, redis.ErrClosed):
			return nil, ErrQueueClosed
		default:
			return nil, fmt.Errorf("failed to dequeue task: %w", err)
		}
	}

	// BRPOP replies with [key, value].
	task := &Task{}
	if err := json.Unmarshal([]byte(values[1]), task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}

	return task, nil
}

// UpdateStatus writes the task's status record, refreshing its TTL.
func (queue *TaskQueue) UpdateStatus(ctx context.Context, taskID string, status TaskStatus, errorMessage string) error {
	record := StatusRecord{
		Status:    status,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Error:     errorMessage,
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode status of task %s: %w", taskID, err)
	}
	if err := queue.client.Set(ctx, fmt.Sprintf(statusKeyTemplate, taskID), encoded, statusTTL).Err(); err != nil {
		return fmt.Errorf("failed to update status of task %s: %w", taskID, err)
	}

	return nil
}

// GetStatus reads a task's status record, or nil when the record has
// expired or never existed.
func (queue *TaskQueue) GetStatus(ctx context.Context, taskID string) (*StatusRecord, error) {
	raw, err := queue.client.Get(ctx, fmt.Sprintf(statusKeyTemplate, taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read status of task %s: %w", taskID, err)
	}

	record := &StatusRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("failed to decode status of task %s: %w", taskID, err)
	}

	return record, nil
}

// Close tears down the broker connection. In-flight Dequeue calls return
// ErrQueueClosed.
func (queue *TaskQueue) Close() error {
	return queue.client.Close()
}
