package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	videointelligence "cloud.google.com/go/videointelligence/apiv1"
	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/blob"
	"github.com/lightfold/darkroom/internal/database"
	"github.com/lightfold/darkroom/internal/event"
	"github.com/lightfold/darkroom/internal/ffmpeg"
	"github.com/lightfold/darkroom/internal/gemini"
	"github.com/lightfold/darkroom/internal/jobs"
	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/internal/pipeline/steps"
	"github.com/lightfold/darkroom/internal/publish"
	"github.com/lightfold/darkroom/internal/queue"
	"github.com/lightfold/darkroom/internal/worker"
	"github.com/lightfold/darkroom/pkg/logger"
)

var log = logger.Get("Core")

type RunnableService interface {
	Run(context.Context) error
}

// Darkroom represents the top-level object for the worker process, and is
// responsible for connecting the hosted backends, assembling the pipeline
// step set, and spawning the long-running services.
type darkroomImpl struct {
	eventBus event.EventCoordinator
	config   DarkroomConfig
}

func New(config DarkroomConfig) *darkroomImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Darkroom for project %s (asset bucket %s)\n", config.ProjectID, config.AssetBucket)
	return &darkroomImpl{
		eventBus: event.New(),
		config:   config,
	}
}

// Run will start all of Darkroom by bringing up the required backend
// connections and services:
// - Document store (Firestore)
// - Blob store (Cloud Storage)
// - Task queue (Redis)
// - Pipeline registry, state store and engine
// - Queue-consumer worker service and completion event publisher
//
// This function will not return until Darkroom is stopped. To stop Darkroom,
// the provided context must be cancelled. Errors from which Darkroom cannot
// recover will also cause it to stop.
func (darkroom *darkroomImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	config := darkroom.config

	log.Emit(logger.NEW, "Connecting to document store (project %s)...\n", config.ProjectID)
	db, err := database.Connect(ctx, config.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to connect to document store: %w", err)
	}
	defer db.Close()

	log.Emit(logger.NEW, "Connecting to blob store (bucket %s)...\n", config.AssetBucket)
	blobs, err := blob.NewGCS(ctx, config.AssetBucket, time.Duration(config.SignedURLTTLSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to blob store: %w", err)
	}

	log.Emit(logger.NEW, "Connecting to task queue...\n")
	broker, err := queue.Connect(ctx, config.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to task queue: %w", err)
	}

	registry := pipeline.NewRegistry()
	states := pipeline.NewStateStore(db, registry)
	engine := pipeline.NewEngine(registry, states, darkroom.eventBus)

	stepDeps, closeIntegrations, err := darkroom.buildStepDependencies(ctx, db, blobs, states)
	defer closeIntegrations()
	if err != nil {
		return err
	}

	if err := steps.Register(registry, steps.Config{
		FaceMaxDurationSeconds: config.FaceDetection.MaxDurationSeconds,
	}, stepDeps); err != nil {
		return fmt.Errorf("failed to register pipeline steps: %w", err)
	}

	workerService, err := worker.New(
		worker.Config{Concurrency: config.WorkerConcurrency},
		broker, engine, blobs, darkroom.eventBus,
	)
	if err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	darkroom.spawnAsyncService(ctx, wg, workerService, "worker-service", crashHandler)

	if config.PipelineEventTopic != "" {
		publisher, closePublisher, err := darkroom.buildPublisher(ctx)
		if err != nil {
			return err
		}
		defer closePublisher()

		darkroom.spawnAsyncService(ctx, wg, publisher, "event-publisher", crashHandler)
	} else {
		log.Emit(logger.WARNING, "No pipeline event topic configured; completion events stay on the in-process bus\n")
	}

	log.Emit(logger.SUCCESS, "Darkroom services spawned!\n")
	wg.Wait()
	return nil
}

// buildStepDependencies assembles every integration the step set consumes.
// Optional integrations (Gemini analysis, image conversion) are left nil
// when unconfigured; the steps needing them conclude failed without
// disturbing the rest of the pipeline. The returned closer shuts down
// whichever integration clients were built, so callers must invoke it even
// when construction fails partway.
func (darkroom *darkroomImpl) buildStepDependencies(ctx context.Context, db database.Manager, blobs blob.Store, states *pipeline.StateStore) (steps.Dependencies, func(), error) {
	config := darkroom.config

	closers := make([]func() error, 0, 4)
	closeAll := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Emit(logger.WARNING, "Failed to close integration client: %v\n", err)
			}
		}
	}

	assets := asset.NewStore(db)
	toolkit := ffmpeg.NewToolkit(ffmpeg.Config{
		FfmpegBinPath:  config.Ffmpeg.FfmpegBinPath,
		FfprobeBinPath: config.Ffmpeg.FfprobeBinPath,
	})
	repointer := jobs.NewRepointer(assets, blobs, toolkit)

	transcoder, err := jobs.NewGCPTranscoder(ctx, config.ProjectID, config.Transcode.Location)
	if err != nil {
		return steps.Dependencies{}, closeAll, fmt.Errorf("failed to construct transcoder backend: %w", err)
	}
	closers = append(closers, transcoder.Close)

	speechBackend, err := jobs.NewGCPSpeechBackend(ctx)
	if err != nil {
		return steps.Dependencies{}, closeAll, fmt.Errorf("failed to construct speech backend: %w", err)
	}
	closers = append(closers, speechBackend.Close)

	annotatorClient, err := videointelligence.NewClient(ctx)
	if err != nil {
		return steps.Dependencies{}, closeAll, fmt.Errorf("failed to construct video annotator: %w", err)
	}
	closers = append(closers, annotatorClient.Close)

	deps := steps.Dependencies{
		Assets:    assets,
		Blobs:     blobs,
		States:    states,
		Toolkit:   toolkit,
		Annotator: steps.NewGCPVideoAnnotator(annotatorClient),
		Transcode: jobs.NewTranscodeCoordinator(
			jobs.NewStore(db, jobs.KindTranscode),
			transcoder, repointer, blobs,
			jobs.TranscodeConfig{TargetHeight: config.Transcode.TargetHeight},
		),
		Transcribe: jobs.NewTranscribeCoordinator(
			jobs.NewStore(db, jobs.KindTranscription),
			speechBackend,
			jobs.TranscribeConfig{LanguageCodes: config.Speech.LanguageCodes, Model: config.Speech.Model},
		),
	}

	if config.Conversion.Endpoint != "" {
		deps.Convert = jobs.NewConvertCoordinator(
			jobs.NewStore(db, jobs.KindConvert),
			jobs.NewHTTPConvertBackend(config.Conversion.Endpoint),
			repointer, blobs,
			jobs.ConvertConfig{},
		)
	} else {
		log.Emit(logger.WARNING, "No image conversion endpoint configured; image-convert step disabled\n")
	}

	if config.Gemini.APIKeys != "" {
		rotator := gemini.NewKeyRotator()
		rotator.Init(config.Gemini.APIKeys)
		deps.Analyzer = gemini.NewClient(rotator, gemini.Config{Models: config.Gemini.Models})
	} else {
		log.Emit(logger.WARNING, "No Gemini API keys configured; gemini-analysis step disabled\n")
	}

	return deps, closeAll, nil
}

// buildPublisher connects the pub/sub client for the configured completion
// topic. The returned closer stops the topic's publish goroutines and closes
// the client.
func (darkroom *darkroomImpl) buildPublisher(ctx context.Context) (RunnableService, func(), error) {
	client, err := pubsub.NewClient(ctx, darkroom.config.ProjectID)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to connect to pub/sub: %w", err)
	}

	topic := client.Topic(darkroom.config.PipelineEventTopic)
	closeFn := func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			log.Emit(logger.WARNING, "Failed to close pub/sub client: %v\n", err)
		}
	}

	log.Emit(logger.INFO, "Publishing pipeline completion events to topic %s\n", darkroom.config.PipelineEventTopic)
	return publish.New(publish.NewTopicSink(topic), darkroom.eventBus), closeFn, nil
}

// spawnAsyncService will run the provided function/service as its own
// go-routine, ensuring that the Darkroom service waitgroup is updated
// correctly.
func (darkroom *darkroomImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
