// Package worker hosts the queue-consumer service: a pool of task slots
// that pull pipeline and step tasks off the broker, execute them through
// the pipeline engine, and keep each task's status record honest.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/event"
	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/internal/queue"
	"github.com/lightfold/darkroom/pkg/logger"
	darksync "github.com/lightfold/darkroom/pkg/sync"
	pool "github.com/lightfold/darkroom/pkg/worker"
)

var log = logger.Get("WorkServ")

const (
	maxConcurrency        = 32
	defaultDequeueTimeout = 2 * time.Second
)

type (
	taskEngine interface {
		RunStep(ctx context.Context, request *pipeline.RunRequest, stepID string) (*pipeline.State, error)
		RunAutoSteps(ctx context.Context, request *pipeline.RunRequest) (*pipeline.State, error)
	}

	taskBroker interface {
		Dequeue(ctx context.Context, timeout time.Duration) (*queue.Task, error)
		EnqueueStep(ctx context.Context, userID string, projectID string, assetID string, assetData *asset.Asset, stepID string, params map[string]any) (string, error)
		UpdateStatus(ctx context.Context, taskID string, status queue.TaskStatus, errorMessage string) error
		Close() error
	}

	blobDownloader interface {
		DownloadToFile(ctx context.Context, uri string, destPath string) error
	}

	// Config controls the service. Concurrency is the number of parallel
	// task slots; DequeueTimeout bounds each slot's blocking wait on the
	// broker (and therefore the shutdown latency of an idle slot).
	Config struct {
		Concurrency    int
		DequeueTimeout time.Duration
	}

	// workerService consumes the task queue. Each slot loops: dequeue
	// with a short timeout, mark the task running, route it by type, and
	// record the terminal status. A cooperative shutdown flag stops the
	// loops without interrupting in-flight work.
	workerService struct {
		config   Config
		broker   taskBroker
		engine   taskEngine
		blobs    blobDownloader
		eventBus event.EventDispatcher

		workerPool   *pool.WorkerPool
		shuttingDown atomic.Bool
		inFlight     darksync.TypedSyncMap[string, string]

		runCtx context.Context
	}
)

// New validates the config and builds the service with its (not yet
// started) slot pool.
func New(config Config, broker taskBroker, engine taskEngine, blobs blobDownloader, eventBus event.EventDispatcher) (*workerService, error) {
	if config.Concurrency < 1 || config.Concurrency > maxConcurrency {
		return nil, fmt.Errorf("worker concurrency %d is outside of 1..%d", config.Concurrency, maxConcurrency)
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = defaultDequeueTimeout
	}

	service := &workerService{
		config:     config,
		broker:     broker,
		engine:     engine,
		blobs:      blobs,
		eventBus:   eventBus,
		workerPool: pool.NewWorkerPool(),
	}

	for i := 0; i < config.Concurrency; i++ {
		label := fmt.Sprintf("task-worker-%d", i)
		if err := service.workerPool.PushWorker(pool.NewWorker(label, service.executeNextTask)); err != nil {
			return nil, err
		}
	}

	return service, nil
}

// Run consumes tasks until the provided context is cancelled. On
// cancellation the slots stop dequeuing within one iteration; tasks
// already in flight conclude normally, and the broker connection is
// closed only once every slot's loop has exited.
func (service *workerService) Run(ctx context.Context) error {
	service.runCtx = ctx
	if err := service.workerPool.Start(); err != nil {
		return err
	}

	log.Emit(logger.SUCCESS, "Worker service started with %d task slot(s)\n", service.config.Concurrency)
	<-ctx.Done()

	service.shuttingDown.Store(true)
	log.Emit(logger.STOP, "Shutdown requested; %d task(s) in flight will conclude before the broker closes\n", service.inFlight.Len())
	service.workerPool.Close()

	return service.broker.Close()
}

// executeNextTask is the slot loop body run by the service's worker
// pool. Returning false parks the slot so the pool can close it during
// shutdown.
func (service *workerService) executeNextTask(w pool.Worker) (bool, error) {
	if service.shuttingDown.Load() {
		return false, nil
	}

	task, err := service.broker.Dequeue(service.runCtx, service.config.DequeueTimeout)
	if err != nil {
		if service.shuttingDown.Load() || errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
			return false, nil
		}

		log.Emit(logger.ERROR, "Worker %s failed to dequeue: %v\n", w.Label(), err)
		select {
		case <-service.runCtx.Done():
			return false, nil
		case <-time.After(service.config.DequeueTimeout):
		}

		return true, nil
	}
	if task == nil {
		return true, nil
	}

	service.inFlight.Store(w.Label(), task.ID)
	defer service.inFlight.Delete(w.Label())

	// In-flight work is permitted to conclude during shutdown, so task
	// execution is detached from the run context's cancellation.
	service.executeTask(context.WithoutCancel(service.runCtx), w, task)
	return true, nil
}

func (service *workerService) executeTask(ctx context.Context, w pool.Worker, task *queue.Task) {
	log.Emit(logger.INFO, "Worker %s executing %s task %s (asset %s)\n", w.Label(), task.Type, task.ID, task.Payload.AssetID)
	service.updateTaskStatus(ctx, task.ID, queue.TaskRunning, "")

	var err error
	switch task.Type {
	case queue.TaskPipeline:
		err = service.executePipelineTask(ctx, task)
	case queue.TaskStep:
		err = service.executeStepTask(ctx, task)
	default:
		err = fmt.Errorf("unknown task type %q", task.Type)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) && service.shuttingDown.Load() {
			log.Emit(logger.STOP, "Task %s interrupted by shutdown; leaving its status record untouched\n", task.ID)
			return
		}

		log.Emit(logger.ERROR, "Task %s FAILED: %v\n", task.ID, err)
		service.updateTaskStatus(ctx, task.ID, queue.TaskFailed, err.Error())
		return
	}

	service.updateTaskStatus(ctx, task.ID, queue.TaskCompleted, "")
}

// executePipelineTask runs every eligible auto-start step for the asset.
// The producer may name a local copy of the file via the payload; when it
// is absent (or this host never had it) the asset is fetched from the
// blob store into a scratch file that is removed on every exit path.
func (service *workerService) executePipelineTask(ctx context.Context, task *queue.Task) error {
	payload := &task.Payload
	if payload.Asset == nil {
		return fmt.Errorf("pipeline task %s carries no asset data", task.ID)
	}

	localPath := payload.AssetPath
	if !fileExists(localPath) {
		downloaded, cleanup, err := service.downloadAsset(ctx, payload.Asset)
		if err != nil {
			return err
		}
		defer cleanup()

		localPath = downloaded
	}

	state, err := service.engine.RunAutoSteps(ctx, &pipeline.RunRequest{
		UserID:    payload.UserID,
		ProjectID: payload.ProjectID,
		Asset:     payload.Asset,
		LocalPath: localPath,
		Params:    payload.Params,
	})
	if err != nil {
		return err
	}

	service.resumeWaitingSteps(ctx, payload, state)
	service.dispatchCompletion(payload, state)
	return nil
}

// executeStepTask runs a single named step. The asset is always fetched
// fresh; a stale path from the producing host is never trusted here.
func (service *workerService) executeStepTask(ctx context.Context, task *queue.Task) error {
	payload := &task.Payload
	if payload.Asset == nil {
		return fmt.Errorf("step task %s carries no asset data", task.ID)
	}
	if payload.StepID == "" {
		return fmt.Errorf("step task %s names no step", task.ID)
	}

	localPath, cleanup, err := service.downloadAsset(ctx, payload.Asset)
	if err != nil {
		return err
	}
	defer cleanup()

	state, err := service.engine.RunStep(ctx, &pipeline.RunRequest{
		UserID:    payload.UserID,
		ProjectID: payload.ProjectID,
		Asset:     payload.Asset,
		LocalPath: localPath,
		Params:    payload.Params,
	}, payload.StepID)
	if err != nil {
		return err
	}

	service.resumeWaitingSteps(ctx, payload, state)
	return nil
}

// resumeWaitingSteps re-enqueues a step task for every step the run left
// waiting on an external job, so coordinator polling resumes without a
// client having to re-trigger it. The engine's no-re-run gate and the
// coordinators' job-record lookups make the redelivery harmless.
func (service *workerService) resumeWaitingSteps(ctx context.Context, payload *queue.Payload, state *pipeline.State) {
	for i := range state.Steps {
		step := &state.Steps[i]
		if step.Status != pipeline.StatusWaiting {
			continue
		}

		log.Emit(logger.INFO, "Step %s for asset %s is waiting on a remote job; queueing a resume task\n", step.ID, payload.AssetID)
		if _, err := service.broker.EnqueueStep(ctx, payload.UserID, payload.ProjectID, payload.AssetID, payload.Asset, step.ID, payload.Params); err != nil {
			log.Emit(logger.WARNING, "Failed to queue resume of step %s for asset %s: %v\n", step.ID, payload.AssetID, err)
		}
	}
}

// dispatchCompletion announces the terminal outcome of a pipeline run on
// the in-process bus for the completion publisher to pick up.
func (service *workerService) dispatchCompletion(payload *queue.Payload, state *pipeline.State) {
	metadata := map[string]any{}
	if payload.Asset.Source != "" {
		metadata["source"] = payload.Asset.Source
	}
	if agent, ok := payload.Params["agent"]; ok {
		metadata["agent"] = agent
	}

	service.eventBus.Dispatch(event.PipelineCompleteEvent, event.PipelineCompletePayload{
		UserID:    payload.UserID,
		ProjectID: payload.ProjectID,
		AssetID:   payload.AssetID,
		AssetName: payload.Asset.DisplayName(),
		Failed:    state.Failed(),
		Steps:     state.Summaries(),
		Metadata:  metadata,
	})
}

// downloadAsset fetches the asset's cloud copy into a fresh scratch file
// whose extension mirrors the uploaded file name. The returned cleanup
// must be called once the task is done with the file.
func (service *workerService) downloadAsset(ctx context.Context, a *asset.Asset) (string, func(), error) {
	if a.GCSUri == "" {
		return "", nil, fmt.Errorf("asset %s has no cloud copy to download", a.ID)
	}

	scratch, err := os.CreateTemp("", "darkroom-task-*"+filepath.Ext(a.FileName))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	scratch.Close()

	path := scratch.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Emit(logger.WARNING, "Failed to remove scratch file %s: %v\n", path, err)
		}
	}

	if err := service.blobs.DownloadToFile(ctx, a.GCSUri, path); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to download asset %s: %w", a.ID, err)
	}

	return path, cleanup, nil
}

func (service *workerService) updateTaskStatus(ctx context.Context, taskID string, status queue.TaskStatus, message string) {
	if err := service.broker.UpdateStatus(ctx, taskID, status, message); err != nil {
		log.Emit(logger.ERROR, "Failed to update status of task %s to %s: %v\n", taskID, status, err)
		return
	}

	service.eventBus.Dispatch(event.TaskStatusEvent, taskID)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
