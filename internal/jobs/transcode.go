package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	transcoder "cloud.google.com/go/video/transcoder/apiv1"
	"cloud.google.com/go/video/transcoder/apiv1/transcoderpb"
	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/blob"
	"github.com/lightfold/darkroom/pkg/logger"
)

const (
	transcodeOutputFileName = "output.mp4"

	defaultTargetHeight    = 720
	defaultVideoBitrateBps = 2_500_000
	defaultFrameRate       = 30.0
	defaultAudioBitrateBps = 64_000
	defaultAudioSampleRate = 48_000
	defaultAudioChannels   = 2

	defaultTranscodePollInterval = 3 * time.Second
	defaultTranscodeMaxWait      = 10 * time.Minute
)

type (
	// TranscodeJob is the remote-job specification handed to the backend.
	// Audio fields are consulted only when HasAudio is set; declaring an
	// audio stream for a silent source fails remote validation.
	TranscodeJob struct {
		InputURI        string
		OutputURI       string
		TargetHeight    int
		VideoBitrateBps int
		FrameRate       float64
		HasAudio        bool
		AudioCodec      string
		AudioBitrateBps int
		SampleRateHertz int
		ChannelCount    int
	}

	// RemoteJobState is the polled status of a remote job, shared by the
	// transcode and convert backends.
	RemoteJobState struct {
		Done    bool
		Failed  bool
		Message string
	}

	// TranscodeBackend abstracts the remote transcoding service.
	TranscodeBackend interface {
		CreateJob(ctx context.Context, job TranscodeJob) (remoteJobName string, err error)
		JobState(ctx context.Context, remoteJobName string) (*RemoteJobState, error)
		Close() error
	}

	// TranscodeConfig tunes the coordinator. Zero values take defaults.
	TranscodeConfig struct {
		TargetHeight int
		PollInterval time.Duration
		MaxWait      time.Duration
	}

	// TranscodeRequest identifies the asset to transcode.
	TranscodeRequest struct {
		UserID    string
		ProjectID string
		Asset     *asset.Asset
	}

	// TranscodeCoordinator drives remote transcode jobs: dedup by config
	// hash, creation, polling, and repointing the asset at the output.
	TranscodeCoordinator struct {
		jobs      *Store
		backend   TranscodeBackend
		repointer *Repointer
		blobs     blob.Store
		config    TranscodeConfig
	}
)

func NewTranscodeCoordinator(jobs *Store, backend TranscodeBackend, repointer *Repointer, blobs blob.Store, config TranscodeConfig) *TranscodeCoordinator {
	if config.TargetHeight <= 0 {
		config.TargetHeight = defaultTargetHeight
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultTranscodePollInterval
	}
	if config.MaxWait <= 0 {
		config.MaxWait = defaultTranscodeMaxWait
	}

	return &TranscodeCoordinator{jobs: jobs, backend: backend, repointer: repointer, blobs: blobs, config: config}
}

// Run resolves the asset's transcode to a terminal outcome: it reuses a
// completed job with the same config hash, refuses to retry a failed
// one, resumes polling an in-flight one, and otherwise creates a fresh
// remote job and polls it to completion.
func (coordinator *TranscodeCoordinator) Run(ctx context.Context, request *TranscodeRequest) (*Outcome, error) {
	source := request.Asset
	if source.GCSUri == "" {
		return &Outcome{Failed: true, Message: "asset has no cloud copy to transcode"}, nil
	}

	config := coordinator.normalisedConfig(source)
	hash, err := ConfigHash(config)
	if err != nil {
		return nil, err
	}
	config["hash"] = hash

	prior, err := coordinator.jobs.Latest(ctx, request.UserID, request.ProjectID, source.ID, hash)
	if err != nil {
		return nil, err
	}

	switch {
	case prior == nil:
		record, err := coordinator.createRemoteJob(ctx, request, config, hash)
		if err != nil {
			return nil, err
		}

		return coordinator.poll(ctx, request, record)
	case prior.Status == StatusCompleted:
		log.Emit(logger.DEBUG, "Reusing completed transcode job %s for asset %s (hash %s)\n", prior.ID, source.ID, hash)
		return coordinator.conclude(ctx, request, prior, true)
	case prior.Status == StatusError:
		return &Outcome{Job: prior, Failed: true, Message: fmt.Sprintf("previous transcode attempt failed: %s", prior.Error)}, nil
	case prior.RemoteJobName != "":
		log.Emit(logger.INFO, "Resuming poll of in-flight transcode job %s for asset %s\n", prior.RemoteJobName, source.ID)
		return coordinator.poll(ctx, request, prior)
	default:
		// A record exists but the remote job was never submitted;
		// submit it now under the existing record.
		if prior.OutputObjectName == "" {
			prior.OutputObjectName = coordinator.outputObjectName(request, hash)
			prior.OutputGcsUri = blob.URI(coordinator.blobs.Bucket(), prior.OutputObjectName)
			prior.OutputFileName = transcodeOutputFileName
		}
		remoteJobName, err := coordinator.backend.CreateJob(ctx, coordinator.jobSpec(source, prior.OutputObjectName))
		if err != nil {
			return nil, fmt.Errorf("failed to create remote transcode job: %w", err)
		}
		if err := coordinator.jobs.markProcessing(ctx, prior, remoteJobName); err != nil {
			return nil, err
		}

		return coordinator.poll(ctx, request, prior)
	}
}

func (coordinator *TranscodeCoordinator) normalisedConfig(source *asset.Asset) map[string]any {
	config := map[string]any{
		"outputFormat":    "mp4",
		"videoCodec":      "h264",
		"videoBitrateBps": defaultVideoBitrateBps,
		"frameRate":       defaultFrameRate,
		"targetHeight":    coordinator.config.TargetHeight,
		"hasAudio":        source.HasAudioStream(),
	}
	if source.HasAudioStream() {
		config["audioCodec"] = "aac"
		config["audioBitrateBps"] = defaultAudioBitrateBps
		config["audioSampleRateHertz"] = defaultAudioSampleRate
		config["audioChannelCount"] = defaultAudioChannels
	}

	return config
}

// outputObjectName is deterministic from the dedup hash so that cached
// records and fresh runs agree on where the output lives.
func (coordinator *TranscodeCoordinator) outputObjectName(request *TranscodeRequest, hash string) string {
	return fmt.Sprintf("users/%s/projects/%s/transcoded/%s/%s/%s",
		request.UserID, request.ProjectID, request.Asset.ID, hash, transcodeOutputFileName)
}

func (coordinator *TranscodeCoordinator) jobSpec(source *asset.Asset, outputObjectName string) TranscodeJob {
	folder := outputObjectName[:strings.LastIndex(outputObjectName, "/")+1]
	spec := TranscodeJob{
		InputURI:        source.GCSUri,
		OutputURI:       blob.URI(coordinator.blobs.Bucket(), folder),
		TargetHeight:    coordinator.config.TargetHeight,
		VideoBitrateBps: defaultVideoBitrateBps,
		FrameRate:       defaultFrameRate,
		HasAudio:        source.HasAudioStream(),
	}
	if spec.HasAudio {
		spec.AudioCodec = "aac"
		spec.AudioBitrateBps = defaultAudioBitrateBps
		spec.SampleRateHertz = defaultAudioSampleRate
		spec.ChannelCount = defaultAudioChannels
	}

	return spec
}

func (coordinator *TranscodeCoordinator) createRemoteJob(ctx context.Context, request *TranscodeRequest, config map[string]any, hash string) (*Record, error) {
	source := request.Asset
	outputObject := coordinator.outputObjectName(request, hash)

	remoteJobName, err := coordinator.backend.CreateJob(ctx, coordinator.jobSpec(source, outputObject))
	if err != nil {
		return nil, fmt.Errorf("failed to create remote transcode job: %w", err)
	}

	record := &Record{
		UserID:           request.UserID,
		ProjectID:        request.ProjectID,
		AssetID:          source.ID,
		AssetName:        source.DisplayName(),
		FileName:         source.FileName,
		MimeType:         source.MimeType,
		InputGcsUri:      source.GCSUri,
		OutputGcsUri:     blob.URI(coordinator.blobs.Bucket(), outputObject),
		OutputObjectName: outputObject,
		OutputFileName:   transcodeOutputFileName,
		Status:           StatusProcessing,
		RemoteJobName:    remoteJobName,
		Config:           config,
	}
	if err := coordinator.jobs.Save(ctx, record); err != nil {
		return nil, err
	}

	log.Emit(logger.NEW, "Created remote transcode job %s for asset %s (output %s)\n", remoteJobName, source.ID, outputObject)
	return record, nil
}

func (coordinator *TranscodeCoordinator) poll(ctx context.Context, request *TranscodeRequest, record *Record) (*Outcome, error) {
	deadline := time.Now().Add(coordinator.config.MaxWait)
	for {
		state, err := coordinator.backend.JobState(ctx, record.RemoteJobName)
		if err != nil {
			return nil, fmt.Errorf("failed to poll transcode job %s: %w", record.RemoteJobName, err)
		}

		switch {
		case state.Done && !state.Failed:
			return coordinator.conclude(ctx, request, record, false)
		case state.Failed:
			message := state.Message
			if message == "" {
				message = "remote transcode job reported failure"
			}
			if err := coordinator.jobs.markError(ctx, record, message); err != nil {
				return nil, err
			}

			return &Outcome{Job: record, Failed: true, Message: message}, nil
		}

		if time.Now().After(deadline) {
			message := fmt.Sprintf("transcode job %s did not complete within %s", record.RemoteJobName, coordinator.config.MaxWait)
			if err := coordinator.jobs.markError(ctx, record, message); err != nil {
				return nil, err
			}

			return &Outcome{Job: record, Failed: true, Message: message}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(coordinator.config.PollInterval):
		}
	}
}

// conclude finalises a successful job: it repairs records that predate
// concrete output paths, refreshes the signed URL, and repoints the
// asset at the output unless it already points there.
func (coordinator *TranscodeCoordinator) conclude(ctx context.Context, request *TranscodeRequest, record *Record, reused bool) (*Outcome, error) {
	if record.OutputObjectName == "" {
		record.OutputObjectName = coordinator.outputObjectName(request, record.hash())
		record.OutputFileName = transcodeOutputFileName
	}
	if record.OutputGcsUri == "" {
		record.OutputGcsUri = blob.URI(coordinator.blobs.Bucket(), record.OutputObjectName)
	}

	signedURL, err := coordinator.blobs.SignedReadURL(record.OutputObjectName)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transcode output URL: %w", err)
	}
	record.OutputSignedUrl = signedURL

	if err := coordinator.jobs.markCompleted(ctx, record); err != nil {
		return nil, err
	}

	outcome := succeededOutcome(record, map[string]any{"reused": reused})
	if request.Asset.GCSUri != record.OutputGcsUri {
		updated, facts, err := coordinator.repointer.Repoint(ctx, request.UserID, request.ProjectID, request.Asset, RepointTarget{
			Kind:       KindTranscode,
			GCSUri:     record.OutputGcsUri,
			ObjectName: record.OutputObjectName,
			MimeType:   "video/mp4",
			FileName:   derivedFileName(request.Asset.FileName, "mp4"),
			Name:       derivedFileName(request.Asset.DisplayName(), "mp4"),
		})
		if err != nil {
			return nil, err
		}

		outcome.UpdatedAsset = updated
		outcome.AssetFacts = facts
	}

	return outcome, nil
}

// derivedFileName swaps the extension while keeping the stem, so the
// repointed asset still reads like the file the user uploaded.
func derivedFileName(fileName string, format string) string {
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	if stem == "" {
		stem = fileName
	}

	return fmt.Sprintf("%s.%s", stem, format)
}

// gcpTranscoderBackend drives the hosted Transcoder API. One elementary
// video stream (H.264, height-clamped, width derived from the source
// aspect) plus an optional AAC stream, muxed into a single MP4 named
// after the mux key.
type gcpTranscoderBackend struct {
	client    *transcoder.Client
	projectID string
	location  string
}

func NewGCPTranscoder(ctx context.Context, projectID string, location string) (TranscodeBackend, error) {
	client, err := transcoder.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to construct transcoder client: %w", err)
	}

	return &gcpTranscoderBackend{client: client, projectID: projectID, location: location}, nil
}

func (backend *gcpTranscoderBackend) CreateJob(ctx context.Context, job TranscodeJob) (string, error) {
	streams := []*transcoderpb.ElementaryStream{
		{
			Key: "video-stream0",
			ElementaryStream: &transcoderpb.ElementaryStream_VideoStream{
				VideoStream: &transcoderpb.VideoStream{
					CodecSettings: &transcoderpb.VideoStream_H264{
						H264: &transcoderpb.VideoStream_H264CodecSettings{
							HeightPixels: int32(job.TargetHeight),
							BitrateBps:   int32(job.VideoBitrateBps),
							FrameRate:    job.FrameRate,
						},
					},
				},
			},
		},
	}
	muxed := []string{"video-stream0"}

	if job.HasAudio {
		streams = append(streams, &transcoderpb.ElementaryStream{
			Key: "audio-stream0",
			ElementaryStream: &transcoderpb.ElementaryStream_AudioStream{
				AudioStream: &transcoderpb.AudioStream{
					Codec:           job.AudioCodec,
					BitrateBps:      int32(job.AudioBitrateBps),
					SampleRateHertz: int32(job.SampleRateHertz),
					ChannelCount:    int32(job.ChannelCount),
				},
			},
		})
		muxed = append(muxed, "audio-stream0")
	}

	created, err := backend.client.CreateJob(ctx, &transcoderpb.CreateJobRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s", backend.projectID, backend.location),
		Job: &transcoderpb.Job{
			InputUri:  job.InputURI,
			OutputUri: job.OutputURI,
			JobConfig: &transcoderpb.Job_Config{
				Config: &transcoderpb.JobConfig{
					ElementaryStreams: streams,
					MuxStreams: []*transcoderpb.MuxStream{
						{
							Key:               "output",
							Container:         "mp4",
							ElementaryStreams: muxed,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}

	return created.GetName(), nil
}

func (backend *gcpTranscoderBackend) JobState(ctx context.Context, remoteJobName string) (*RemoteJobState, error) {
	job, err := backend.client.GetJob(ctx, &transcoderpb.GetJobRequest{Name: remoteJobName})
	if err != nil {
		return nil, err
	}

	switch job.GetState() {
	case transcoderpb.Job_SUCCEEDED:
		return &RemoteJobState{Done: true}, nil
	case transcoderpb.Job_FAILED:
		return &RemoteJobState{Done: true, Failed: true, Message: job.GetError().GetMessage()}, nil
	default:
		return &RemoteJobState{}, nil
	}
}

func (backend *gcpTranscoderBackend) Close() error {
	return backend.client.Close()
}
