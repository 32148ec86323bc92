package steps_test

import (
	"context"
	"errors"
	"testing"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/internal/pipeline/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_AudioExtract_SkipsAssetsProbedSilent(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	clip := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "screencast.mp4", MimeType: "video/mp4"})
	pc := harness.contextFor(t, clip, writeTempFile(t, "screencast.mp4", []byte("mp4")))

	// The probe ran and reported a video-only container.
	seedStepMetadata(t, pc, steps.StepMetadata, map[string]any{"duration": 30.0, "videoCodec": "h264"})

	result := harness.run(t, steps.StepAudioExtract, pc)

	require.Equal(t, pipeline.StatusSucceeded, result.Status)
	assert.Equal(t, true, result.Metadata["skipped"])
	assert.Equal(t, "no_audio", result.Metadata["reason"])
}

func Test_AudioExtract_UploadsFlacCopy(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	harness.toolkit.flacData = []byte("flac-audio")

	clip := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "interview.mov", MimeType: "video/quicktime", AudioCodec: "aac"})
	pc := harness.contextFor(t, clip, writeTempFile(t, "interview.mov", []byte("mov")))

	result := harness.run(t, steps.StepAudioExtract, pc)

	require.Equal(t, pipeline.StatusSucceeded, result.Status)
	assert.Equal(t, "gs://darkroom-test/assets/asset-1/audio/interview.flac", result.Metadata["audioForTranscriptionGcsUri"])
	assert.Equal(t, "assets/asset-1/audio/interview.flac", result.Metadata["objectName"])
	assert.Equal(t, 16_000, result.Metadata["sampleRateHertz"])
	assert.Equal(t, 1, result.Metadata["channels"])

	uploaded, err := harness.blobs.Download(context.Background(), "gs://darkroom-test/assets/asset-1/audio/interview.flac")
	require.NoError(t, err)
	assert.Equal(t, []byte("flac-audio"), uploaded)
}

func Test_AudioExtract_AttemptsExtractionWhenStreamsUnknown(t *testing.T) {
	t.Parallel()

	// No probe facts anywhere: the step must not assume silence. It
	// attempts the extraction and lets the tool have the final word.
	harness := newStepHarness(t)
	clip := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "mystery.mp4", MimeType: "video/mp4"})
	pc := harness.contextFor(t, clip, writeTempFile(t, "mystery.mp4", []byte("mp4")))

	result := harness.run(t, steps.StepAudioExtract, pc)

	require.Equal(t, pipeline.StatusSucceeded, result.Status)
	assert.Equal(t, "gs://darkroom-test/assets/asset-1/audio/mystery.flac", result.Metadata["audioForTranscriptionGcsUri"])
}

func Test_AudioExtract_ToolFailureFailsTheStep(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	harness.toolkit.flacErr = errors.New("could not open encoder")

	clip := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "interview.mov", MimeType: "video/quicktime", AudioCodec: "aac"})
	pc := harness.contextFor(t, clip, writeTempFile(t, "interview.mov", []byte("mov")))

	result := harness.run(t, steps.StepAudioExtract, pc)

	require.Equal(t, pipeline.StatusFailed, result.Status)
	assert.Contains(t, result.Err, "could not open encoder")
}
