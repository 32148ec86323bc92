// Package steps provides the runners behind every registered pipeline
// step. Each runner reads what it needs from the pipeline context (and
// the metadata of upstream steps), performs its work against the shared
// dependencies, and reports a verdict for the engine to persist.
package steps

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/blob"
	"github.com/lightfold/darkroom/internal/ffmpeg"
	"github.com/lightfold/darkroom/internal/gemini"
	"github.com/lightfold/darkroom/internal/jobs"
	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/pkg/logger"
)

var log = logger.Get("Steps")

// Step IDs as registered, stable across releases. Task payloads and
// persisted pipeline state reference steps by these strings.
const (
	StepMetadata        = "metadata"
	StepCloudUpload     = "cloud-upload"
	StepAudioExtract    = "audio-extract"
	StepThumbnail       = "thumbnail"
	StepFrameSampling   = "frame-sampling"
	StepWaveform        = "waveform"
	StepShotDetection   = "shot-detection"
	StepLabelDetection  = "label-detection"
	StepPersonDetection = "person-detection"
	StepFaceDetection   = "face-detection"
	StepTranscode       = "transcode"
	StepImageConvert    = "image-convert"
	StepTranscription   = "transcription"
	StepGeminiAnalysis  = "gemini-analysis"
)

type (
	mediaToolkit interface {
		ExtractMetadata(ctx context.Context, path string) (*ffmpeg.MediaMetadata, error)
		ExtractAudioFLAC(ctx context.Context, src string, dst string) error
		ExtractFrameJPEG(ctx context.Context, src string, dst string, atSeconds float64, maxHeight int) error
		DecodePCM(ctx context.Context, src string) ([]byte, error)
	}

	mediaAnalyzer interface {
		Analyze(ctx context.Context, req gemini.AnalyzeRequest) (*gemini.Analysis, error)
	}

	transcodeCoordinator interface {
		Run(ctx context.Context, request *jobs.TranscodeRequest) (*jobs.Outcome, error)
	}

	convertCoordinator interface {
		Run(ctx context.Context, request *jobs.ConvertRequest) (*jobs.Outcome, error)
	}

	transcribeCoordinator interface {
		Run(ctx context.Context, request *jobs.TranscribeRequest) (*jobs.Outcome, error)
	}

	// Dependencies collects everything the step runners share. Optional
	// integrations may be left nil; the steps depending on them then
	// conclude failed without disturbing the rest of the pipeline.
	Dependencies struct {
		Assets     *asset.Store
		Blobs      blob.Store
		States     *pipeline.StateStore
		Toolkit    mediaToolkit
		Annotator  videoAnnotator
		Analyzer   mediaAnalyzer
		Transcode  transcodeCoordinator
		Convert    convertCoordinator
		Transcribe transcribeCoordinator
	}

	// Config carries the step tunables sourced from process
	// configuration rather than task parameters.
	Config struct {
		// FaceMaxDurationSeconds bounds the length of video submitted
		// for face detection. Zero or negative disables the bound.
		FaceMaxDurationSeconds float64
	}

	stepSet struct {
		config Config
		deps   Dependencies
	}
)

// Register installs the full step set on the registry. Registration
// order is load-bearing: it defines display order, default pipeline
// state order, and the traversal order of auto-runs.
func Register(registry *pipeline.Registry, config Config, deps Dependencies) error {
	set := &stepSet{config: config, deps: deps}

	defs := []pipeline.StepDefinition{
		{
			ID:          StepMetadata,
			Label:       "Metadata",
			Description: "Probes the media file and records its technical facts",
			AutoStart:   true,
			Runner:      set.runMetadata,
		},
		{
			ID:          StepCloudUpload,
			Label:       "Cloud Upload",
			Description: "Places the original file in cloud storage and signs a read URL",
			AutoStart:   true,
			Runner:      set.runCloudUpload,
		},
		{
			ID:             StepAudioExtract,
			Label:          "Audio Extract",
			Description:    "Extracts a 16 kHz mono FLAC copy of the audio track",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeVideo, asset.TypeAudio},
			Runner:         set.runAudioExtract,
		},
		{
			ID:             StepThumbnail,
			Label:          "Thumbnail",
			Description:    "Renders a cover thumbnail for the asset",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeVideo, asset.TypeImage},
			Runner:         set.runThumbnail,
		},
		{
			ID:             StepFrameSampling,
			Label:          "Frame Sampling",
			Description:    "Samples evenly spaced preview frames from the video",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeVideo},
			Runner:         set.runFrameSampling,
		},
		{
			ID:             StepWaveform,
			Label:          "Waveform",
			Description:    "Computes a 200-bucket peak waveform of the audio track",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeVideo, asset.TypeAudio},
			Runner:         set.runWaveform,
		},
		{
			ID:             StepShotDetection,
			Label:          "Shot Detection",
			Description:    "Detects shot boundaries via the video intelligence service",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeVideo},
			Runner:         set.runShotDetection,
		},
		{
			ID:             StepLabelDetection,
			Label:          "Label Detection",
			Description:    "Labels the video content via the video intelligence service",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeVideo},
			Runner:         set.runLabelDetection,
		},
		{
			ID:             StepPersonDetection,
			Label:          "Person Detection",
			Description:    "Tracks people appearing in the video",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeVideo},
			Runner:         set.runPersonDetection,
		},
		{
			ID:             StepFaceDetection,
			Label:          "Face Detection",
			Description:    "Tracks faces appearing in the video",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeVideo},
			Runner:         set.runFaceDetection,
		},
		{
			ID:             StepTranscode,
			Label:          "Transcode",
			Description:    "Transcodes the video to the web-friendly delivery format",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeVideo},
			Runner:         set.runTranscode,
		},
		{
			ID:             StepImageConvert,
			Label:          "Image Convert",
			Description:    "Converts camera-native image formats to PNG",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeImage},
			Runner:         set.runImageConvert,
		},
		{
			ID:             StepTranscription,
			Label:          "Transcription",
			Description:    "Transcribes speech with word-level timing",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeVideo, asset.TypeAudio},
			Runner:         set.runTranscription,
		},
		{
			ID:             StepGeminiAnalysis,
			Label:          "Gemini Analysis",
			Description:    "Produces an LLM content analysis of the asset",
			AutoStart:      true,
			SupportedTypes: []asset.Type{asset.TypeVideo, asset.TypeAudio, asset.TypeImage},
			Runner:         set.runGeminiAnalysis,
		},
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register step set: %w", err)
		}
	}

	return nil
}

// uploadBytes places an artifact in the deployment bucket and returns
// the blob coordinate metadata every artifact-producing step emits.
func (set *stepSet) uploadBytes(ctx context.Context, objectName string, data []byte, contentType string) (map[string]any, error) {
	result, err := set.deps.Blobs.Upload(ctx, objectName, bytes.NewReader(data), contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", objectName, err)
	}

	return set.coordinateMetadata(result)
}

// uploadFile streams a local file into the deployment bucket.
func (set *stepSet) uploadFile(ctx context.Context, objectName string, localPath string, contentType string) (map[string]any, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for upload: %w", localPath, err)
	}
	defer file.Close()

	result, err := set.deps.Blobs.Upload(ctx, objectName, file, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", objectName, err)
	}

	return set.coordinateMetadata(result)
}

func (set *stepSet) coordinateMetadata(result *blob.UploadResult) (map[string]any, error) {
	signedURL, err := set.deps.Blobs.SignedReadURL(result.ObjectName)
	if err != nil {
		return nil, fmt.Errorf("failed to sign read URL for %s: %w", result.ObjectName, err)
	}

	return map[string]any{
		"gcsUri":     result.GCSUri,
		"bucket":     result.Bucket,
		"objectName": result.ObjectName,
		"signedUrl":  signedURL,
	}, nil
}

// durationOf resolves the asset's duration in seconds, preferring the
// asset record and falling back to the metadata step's probe output.
func durationOf(pc *pipeline.Context) (float64, bool) {
	if pc.Asset.Duration != nil && *pc.Asset.Duration > 0 {
		return *pc.Asset.Duration, true
	}

	if duration, ok := numberFrom(pc.UpstreamMetadata(StepMetadata), "duration"); ok && duration > 0 {
		return duration, true
	}

	return 0, false
}

// probedAudio reports whether the asset carries an audio stream, and
// whether that is actually known. The presence answer is meaningless
// until a probe has run, so steps branching on "no audio" must check
// known first.
func probedAudio(pc *pipeline.Context) (present bool, known bool) {
	if pc.Asset.HasAudioStream() {
		return true, true
	}

	facts := pc.UpstreamMetadata(StepMetadata)
	if facts == nil {
		return false, false
	}
	if _, failed := facts["metadataError"]; failed {
		return false, false
	}

	codec, _ := facts["audioCodec"].(string)
	return codec != "", true
}

// uploadedURI resolves the asset's cloud storage URI, preferring the
// cloud-upload step's metadata over the asset record.
func uploadedURI(pc *pipeline.Context) string {
	if uri := stringFrom(pc.UpstreamMetadata(StepCloudUpload), "gcsUri"); uri != "" {
		return uri
	}

	return pc.Asset.GCSUri
}

func stringFrom(metadata map[string]any, key string) string {
	value, _ := metadata[key].(string)
	return value
}

// numberFrom reads a numeric metadata value leniently; persisted step
// metadata round-trips through JSON so int facts come back as float64.
func numberFrom(metadata map[string]any, key string) (float64, bool) {
	switch value := metadata[key].(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}
