package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/pkg/logger"
)

const (
	defaultTranscribePollInterval = 3 * time.Second
	defaultTranscribeMaxWait      = 5 * time.Minute

	flacSampleRateHertz = 16_000
)

type (
	// RecognitionSpec describes a speech-recognition request. Flac16k
	// marks audio produced by the extraction step, which is resampled
	// FLAC and needs its rate declared explicitly.
	RecognitionSpec struct {
		AudioGcsUri   string
		LanguageCodes []string
		Model         string
		Flac16k       bool
	}

	// RecognitionSegment is a single recognised word with its offset
	// from the start of the audio in milliseconds.
	RecognitionSegment struct {
		StartMs int64  `json:"start"`
		Speech  string `json:"speech"`
	}

	// RecognitionResult is the final output of a recognition operation.
	RecognitionResult struct {
		Transcript string
		Segments   []RecognitionSegment
	}

	// SpeechBackend abstracts the long-running speech recognition
	// service. PollRecognition returns a nil result while the operation
	// is still in flight.
	SpeechBackend interface {
		StartRecognition(ctx context.Context, spec RecognitionSpec) (operationName string, err error)
		PollRecognition(ctx context.Context, operationName string) (*RecognitionResult, error)
		Close() error
	}

	// TranscribeConfig tunes the coordinator. Zero values take defaults.
	TranscribeConfig struct {
		LanguageCodes []string
		Model         string
		PollInterval  time.Duration
		MaxWait       time.Duration
	}

	// TranscribeRequest identifies the asset and the audio source to
	// transcribe. SourceGcsUri points at the best available audio:
	// extracted FLAC when present, otherwise the playable copy.
	TranscribeRequest struct {
		UserID       string
		ProjectID    string
		Asset        *asset.Asset
		SourceGcsUri string
		FlacSource   bool
	}

	// TranscribeCoordinator drives long-running speech recognition.
	// Unlike transcode and convert it does not fail a job that outlives
	// the poll budget: the operation keeps running remotely, so the
	// coordinator parks with a Waiting outcome and resumes on the next
	// run.
	TranscribeCoordinator struct {
		jobs    *Store
		backend SpeechBackend
		config  TranscribeConfig
	}
)

func NewTranscribeCoordinator(jobs *Store, backend SpeechBackend, config TranscribeConfig) *TranscribeCoordinator {
	if len(config.LanguageCodes) == 0 {
		config.LanguageCodes = []string{"en-US"}
	}
	if config.Model == "" {
		config.Model = "latest_long"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultTranscribePollInterval
	}
	if config.MaxWait <= 0 {
		config.MaxWait = defaultTranscribeMaxWait
	}

	return &TranscribeCoordinator{jobs: jobs, backend: backend, config: config}
}

// Run transcribes the requested audio, reusing or resuming prior jobs
// for the same source and settings.
func (coordinator *TranscribeCoordinator) Run(ctx context.Context, request *TranscribeRequest) (*Outcome, error) {
	if request.SourceGcsUri == "" {
		return &Outcome{Failed: true, Message: "no audio source available for transcription"}, nil
	}

	config := map[string]any{
		"languageCodes": coordinator.config.LanguageCodes,
		"model":         coordinator.config.Model,
		"sourceGcsUri":  request.SourceGcsUri,
	}
	hash, err := ConfigHash(config)
	if err != nil {
		return nil, err
	}
	config["hash"] = hash

	prior, err := coordinator.jobs.Latest(ctx, request.UserID, request.ProjectID, request.Asset.ID, hash)
	if err != nil {
		return nil, err
	}

	switch {
	case prior == nil:
		record, err := coordinator.createRemoteJob(ctx, request, config)
		if err != nil {
			return nil, err
		}

		return coordinator.poll(ctx, record)
	case prior.Status == StatusCompleted:
		log.Emit(logger.DEBUG, "Reusing completed transcription job %s for asset %s (hash %s)\n", prior.ID, request.Asset.ID, hash)
		return coordinator.conclude(ctx, prior, nil, true)
	case prior.Status == StatusError:
		return &Outcome{Job: prior, Failed: true, Message: fmt.Sprintf("previous transcription attempt failed: %s", prior.Error)}, nil
	case prior.RemoteJobName != "":
		log.Emit(logger.INFO, "Resuming poll of in-flight transcription operation %s for asset %s\n", prior.RemoteJobName, request.Asset.ID)
		return coordinator.poll(ctx, prior)
	default:
		operationName, err := coordinator.startRecognition(ctx, request)
		if err != nil {
			return nil, err
		}
		if err := coordinator.jobs.markProcessing(ctx, prior, operationName); err != nil {
			return nil, err
		}

		return coordinator.poll(ctx, prior)
	}
}

func (coordinator *TranscribeCoordinator) startRecognition(ctx context.Context, request *TranscribeRequest) (string, error) {
	operationName, err := coordinator.backend.StartRecognition(ctx, RecognitionSpec{
		AudioGcsUri:   request.SourceGcsUri,
		LanguageCodes: coordinator.config.LanguageCodes,
		Model:         coordinator.config.Model,
		Flac16k:       request.FlacSource,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start speech recognition: %w", err)
	}

	return operationName, nil
}

func (coordinator *TranscribeCoordinator) createRemoteJob(ctx context.Context, request *TranscribeRequest, config map[string]any) (*Record, error) {
	operationName, err := coordinator.startRecognition(ctx, request)
	if err != nil {
		return nil, err
	}

	record := &Record{
		UserID:        request.UserID,
		ProjectID:     request.ProjectID,
		AssetID:       request.Asset.ID,
		AssetName:     request.Asset.DisplayName(),
		FileName:      request.Asset.FileName,
		MimeType:      request.Asset.MimeType,
		InputGcsUri:   request.SourceGcsUri,
		Status:        StatusProcessing,
		RemoteJobName: operationName,
		Config:        config,
	}
	if err := coordinator.jobs.Save(ctx, record); err != nil {
		return nil, err
	}

	log.Emit(logger.NEW, "Started speech recognition %s for asset %s (source %s)\n", operationName, request.Asset.ID, request.SourceGcsUri)
	return record, nil
}

// poll waits for the recognition operation until the per-run budget is
// spent. A budget overrun is not an error: the record stays processing
// and the caller receives a Waiting outcome carrying the operation name.
func (coordinator *TranscribeCoordinator) poll(ctx context.Context, record *Record) (*Outcome, error) {
	deadline := time.Now().Add(coordinator.config.MaxWait)
	for {
		result, err := coordinator.backend.PollRecognition(ctx, record.RemoteJobName)
		if err != nil {
			message := fmt.Sprintf("speech recognition failed: %s", err)
			if markErr := coordinator.jobs.markError(ctx, record, message); markErr != nil {
				return nil, markErr
			}

			return &Outcome{Job: record, Failed: true, Message: message}, nil
		}
		if result != nil {
			return coordinator.conclude(ctx, record, result, false)
		}

		if time.Now().After(deadline) {
			log.Emit(logger.INFO, "Transcription operation %s still running after %s, parking until next run\n", record.RemoteJobName, coordinator.config.MaxWait)
			return &Outcome{
				Job:     record,
				Waiting: true,
				Message: "speech recognition still in progress",
				Metadata: map[string]any{
					"remoteJobName": record.RemoteJobName,
					"jobId":         record.ID,
				},
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(coordinator.config.PollInterval):
		}
	}
}

// conclude persists the recognition output on the record so reuse can
// answer from storage without touching the speech service again.
func (coordinator *TranscribeCoordinator) conclude(ctx context.Context, record *Record, result *RecognitionResult, reused bool) (*Outcome, error) {
	if result != nil {
		segments := make([]map[string]any, 0, len(result.Segments))
		for _, segment := range result.Segments {
			segments = append(segments, map[string]any{"start": segment.StartMs, "speech": segment.Speech})
		}

		record.Output = map[string]any{
			"transcript": result.Transcript,
			"segments":   segments,
		}
	}
	if err := coordinator.jobs.markCompleted(ctx, record); err != nil {
		return nil, err
	}

	outcome := succeededOutcome(record, map[string]any{"reused": reused})
	if record.Output != nil {
		outcome.Metadata["transcript"] = record.Output["transcript"]
		outcome.Metadata["segments"] = record.Output["segments"]
	}

	return outcome, nil
}

// gcpSpeechBackend implements SpeechBackend on the Cloud Speech-to-Text
// long-running recognition API.
type gcpSpeechBackend struct {
	client *speech.Client
}

func NewGCPSpeechBackend(ctx context.Context) (SpeechBackend, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	return &gcpSpeechBackend{client: client}, nil
}

func (backend *gcpSpeechBackend) StartRecognition(ctx context.Context, spec RecognitionSpec) (string, error) {
	recognitionConfig := &speechpb.RecognitionConfig{
		LanguageCode:               spec.LanguageCodes[0],
		Model:                      spec.Model,
		EnableWordTimeOffsets:      true,
		EnableAutomaticPunctuation: true,
	}
	if len(spec.LanguageCodes) > 1 {
		recognitionConfig.AlternativeLanguageCodes = spec.LanguageCodes[1:]
	}
	if spec.Flac16k {
		recognitionConfig.Encoding = speechpb.RecognitionConfig_FLAC
		recognitionConfig.SampleRateHertz = flacSampleRateHertz
	}

	operation, err := backend.client.LongRunningRecognize(ctx, &speechpb.LongRunningRecognizeRequest{
		Config: recognitionConfig,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Uri{Uri: spec.AudioGcsUri},
		},
	})
	if err != nil {
		return "", err
	}

	return operation.Name(), nil
}

func (backend *gcpSpeechBackend) PollRecognition(ctx context.Context, operationName string) (*RecognitionResult, error) {
	operation := backend.client.LongRunningRecognizeOperation(operationName)
	response, err := operation.Poll(ctx)
	if err != nil {
		return nil, err
	}
	if !operation.Done() {
		return nil, nil
	}

	result := &RecognitionResult{}
	transcriptParts := make([]string, 0, len(response.Results))
	for _, recognised := range response.Results {
		if len(recognised.Alternatives) == 0 {
			continue
		}

		best := recognised.Alternatives[0]
		if best.Transcript != "" {
			transcriptParts = append(transcriptParts, strings.TrimSpace(best.Transcript))
		}
		for _, word := range best.Words {
			result.Segments = append(result.Segments, RecognitionSegment{
				StartMs: word.StartTime.AsDuration().Milliseconds(),
				Speech:  word.Word,
			})
		}
	}
	result.Transcript = strings.Join(transcriptParts, " ")

	return result, nil
}

func (backend *gcpSpeechBackend) Close() error {
	return backend.client.Close()
}
