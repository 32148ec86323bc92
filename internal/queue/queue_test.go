package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/queue"
	"github.com/redis/go-redis/v9"
	"gotest.tools/v3/assert"
)

func newTestQueue(t *testing.T) (*queue.TaskQueue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	return queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func Test_TaskQueue_PipelineTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	tasks, _ := newTestQueue(t)

	width, height := 1920, 1080
	duration := 42.5
	uploaded := &asset.Asset{
		ID:       "asset-1",
		Name:     "clip",
		FileName: "clip.mp4",
		MimeType: "video/mp4",
		Type:     asset.TypeVideo,
		Size:     1 << 20,
		GCSUri:   "gs://darkroom-test/assets/asset-1/clip.mp4",
		Width:    &width,
		Height:   &height,
		Duration: &duration,
	}

	taskID, err := tasks.EnqueuePipeline(ctx, "user-1", "project-1", "asset-1", uploaded, "/tmp/clip.mp4")
	assert.NilError(t, err)
	assert.Assert(t, taskID != "")

	received, err := tasks.Dequeue(ctx, time.Second)
	assert.NilError(t, err)
	assert.Assert(t, received != nil)

	assert.Equal(t, received.ID, taskID)
	assert.Equal(t, received.Type, queue.TaskPipeline)
	assert.Equal(t, received.Status, queue.TaskPending)
	assert.Assert(t, received.CreatedAt != "")
	assert.Equal(t, received.Payload.AssetPath, "/tmp/clip.mp4")
	assert.DeepEqual(t, received.Payload.Asset, uploaded)
}

func Test_TaskQueue_StepTaskCarriesParams(t *testing.T) {
	ctx := context.Background()
	tasks, _ := newTestQueue(t)

	params := map[string]any{"prompt": "describe the scene", "category": "product"}
	taskID, err := tasks.EnqueueStep(ctx, "user-1", "project-1", "asset-1", &asset.Asset{ID: "asset-1"}, "gemini-analysis", params)
	assert.NilError(t, err)

	received, err := tasks.Dequeue(ctx, time.Second)
	assert.NilError(t, err)
	assert.Assert(t, received != nil)

	assert.Equal(t, received.ID, taskID)
	assert.Equal(t, received.Type, queue.TaskStep)
	assert.Equal(t, received.Payload.StepID, "gemini-analysis")
	assert.DeepEqual(t, received.Payload.Params, params)
}

func Test_TaskQueue_DequeueIsFIFO(t *testing.T) {
	ctx := context.Background()
	tasks, _ := newTestQueue(t)

	steps := []string{"metadata", "thumbnail", "transcode"}
	for _, stepID := range steps {
		_, err := tasks.EnqueueStep(ctx, "user-1", "project-1", "asset-1", nil, stepID, nil)
		assert.NilError(t, err)
	}

	for _, want := range steps {
		received, err := tasks.Dequeue(ctx, time.Second)
		assert.NilError(t, err)
		assert.Assert(t, received != nil)
		assert.Equal(t, received.Payload.StepID, want)
	}
}

func Test_TaskQueue_DequeueTimesOutEmpty(t *testing.T) {
	ctx := context.Background()
	tasks, _ := newTestQueue(t)

	received, err := tasks.Dequeue(ctx, 100*time.Millisecond)
	assert.NilError(t, err)
	assert.Assert(t, received == nil)
}

func Test_TaskQueue_StatusLifecycle(t *testing.T) {
	ctx := context.Background()
	tasks, mr := newTestQueue(t)

	taskID, err := tasks.EnqueuePipeline(ctx, "user-1", "project-1", "asset-1", nil, "")
	assert.NilError(t, err)

	status, err := tasks.GetStatus(ctx, taskID)
	assert.NilError(t, err)
	assert.Assert(t, status != nil)
	assert.Equal(t, status.Status, queue.TaskPending)

	assert.NilError(t, tasks.UpdateStatus(ctx, taskID, queue.TaskFailed, "probe exploded"))
	status, err = tasks.GetStatus(ctx, taskID)
	assert.NilError(t, err)
	assert.Equal(t, status.Status, queue.TaskFailed)
	assert.Equal(t, status.Error, "probe exploded")

	// Status records expire after a day.
	mr.FastForward(25 * time.Hour)
	status, err = tasks.GetStatus(ctx, taskID)
	assert.NilError(t, err)
	assert.Assert(t, status == nil)
}

func Test_TaskQueue_StatusOfUnknownTask(t *testing.T) {
	tasks, _ := newTestQueue(t)

	status, err := tasks.GetStatus(context.Background(), "nonsense")
	assert.NilError(t, err)
	assert.Assert(t, status == nil)
}

func Test_TaskQueue_TasksSurviveReconnect(t *testing.T) {
	ctx := context.Background()
	tasks, mr := newTestQueue(t)

	taskID, err := tasks.EnqueuePipeline(ctx, "user-1", "project-1", "asset-1", nil, "")
	assert.NilError(t, err)
	assert.NilError(t, tasks.Close())

	// A fresh connection against the same broker still sees the task.
	reconnected := queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	received, err := reconnected.Dequeue(ctx, time.Second)
	assert.NilError(t, err)
	assert.Assert(t, received != nil)
	assert.Equal(t, received.ID, taskID)
}

func Test_TaskQueue_DequeueAfterCloseReportsClosed(t *testing.T) {
	tasks, _ := newTestQueue(t)
	assert.NilError(t, tasks.Close())

	_, err := tasks.Dequeue(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}
