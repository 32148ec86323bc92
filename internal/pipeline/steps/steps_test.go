package steps_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/blob"
	"github.com/lightfold/darkroom/internal/database"
	"github.com/lightfold/darkroom/internal/ffmpeg"
	"github.com/lightfold/darkroom/internal/gemini"
	"github.com/lightfold/darkroom/internal/jobs"
	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/internal/pipeline/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser    = "user-1"
	testProject = "project-1"
)

// fakeToolkit stands in for the ffmpeg toolkit. Outputs are canned
// bytes; failures are steered per method.
type fakeToolkit struct {
	mu sync.Mutex

	metadata    *ffmpeg.MediaMetadata
	metadataErr error
	probedPaths []string

	flacData []byte
	flacErr  error

	frameData        []byte
	frameErr         error
	failFramesBelow  float64
	frameExtractions []frameExtraction

	pcm    []byte
	pcmErr error
}

type frameExtraction struct {
	atSeconds float64
	maxHeight int
}

func (toolkit *fakeToolkit) ExtractMetadata(_ context.Context, path string) (*ffmpeg.MediaMetadata, error) {
	toolkit.mu.Lock()
	toolkit.probedPaths = append(toolkit.probedPaths, path)
	toolkit.mu.Unlock()

	if toolkit.metadataErr != nil {
		return nil, toolkit.metadataErr
	}
	if toolkit.metadata == nil {
		return &ffmpeg.MediaMetadata{}, nil
	}

	return toolkit.metadata, nil
}

func (toolkit *fakeToolkit) ExtractAudioFLAC(_ context.Context, _ string, dst string) error {
	if toolkit.flacErr != nil {
		return toolkit.flacErr
	}

	data := toolkit.flacData
	if data == nil {
		data = []byte("flac-bytes")
	}

	return os.WriteFile(dst, data, 0o644)
}

func (toolkit *fakeToolkit) ExtractFrameJPEG(_ context.Context, _ string, dst string, atSeconds float64, maxHeight int) error {
	toolkit.mu.Lock()
	toolkit.frameExtractions = append(toolkit.frameExtractions, frameExtraction{atSeconds, maxHeight})
	toolkit.mu.Unlock()

	if toolkit.frameErr != nil {
		return toolkit.frameErr
	}
	if toolkit.failFramesBelow > 0 && atSeconds < toolkit.failFramesBelow {
		return fmt.Errorf("cannot seek to %.3f", atSeconds)
	}

	data := toolkit.frameData
	if data == nil {
		data = []byte("jpeg-bytes")
	}

	return os.WriteFile(dst, data, 0o644)
}

func (toolkit *fakeToolkit) DecodePCM(_ context.Context, _ string) ([]byte, error) {
	return toolkit.pcm, toolkit.pcmErr
}

func (toolkit *fakeToolkit) extractions() []frameExtraction {
	toolkit.mu.Lock()
	defer toolkit.mu.Unlock()

	out := make([]frameExtraction, len(toolkit.frameExtractions))
	copy(out, toolkit.frameExtractions)
	return out
}

// fakeTranscodeDelegate, fakeConvertDelegate and fakeTranscribeDelegate
// replace the job coordinators with canned outcomes.
type fakeTranscodeDelegate struct {
	outcome *jobs.Outcome
	err     error
	request *jobs.TranscodeRequest
}

func (delegate *fakeTranscodeDelegate) Run(_ context.Context, request *jobs.TranscodeRequest) (*jobs.Outcome, error) {
	delegate.request = request
	return delegate.outcome, delegate.err
}

type fakeConvertDelegate struct {
	outcome *jobs.Outcome
	err     error
	request *jobs.ConvertRequest
}

func (delegate *fakeConvertDelegate) Run(_ context.Context, request *jobs.ConvertRequest) (*jobs.Outcome, error) {
	delegate.request = request
	return delegate.outcome, delegate.err
}

type fakeTranscribeDelegate struct {
	outcome *jobs.Outcome
	err     error
	request *jobs.TranscribeRequest
}

func (delegate *fakeTranscribeDelegate) Run(_ context.Context, request *jobs.TranscribeRequest) (*jobs.Outcome, error) {
	delegate.request = request
	return delegate.outcome, delegate.err
}

// fakeAnalyzer captures the analysis request and serves a canned
// verdict. When recordContent is set the source file is read during the
// call, before the step's cleanup removes scratch downloads.
type fakeAnalyzer struct {
	analysis      *gemini.Analysis
	err           error
	request       gemini.AnalyzeRequest
	recordContent bool
	content       string
}

func (analyzer *fakeAnalyzer) Analyze(_ context.Context, req gemini.AnalyzeRequest) (*gemini.Analysis, error) {
	analyzer.request = req
	if analyzer.recordContent {
		data, err := os.ReadFile(req.LocalPath)
		if err != nil {
			return nil, err
		}
		analyzer.content = string(data)
	}

	if analyzer.err != nil {
		return nil, analyzer.err
	}
	if analyzer.analysis == nil {
		return &gemini.Analysis{Text: "ok", Model: "test-model"}, nil
	}

	return analyzer.analysis, nil
}

type stepHarness struct {
	db          database.Manager
	blobs       blob.Store
	assets      *asset.Store
	registry    *pipeline.Registry
	states      *pipeline.StateStore
	toolkit     *fakeToolkit
	annotator   *fakeAnnotator
	analyzer    *fakeAnalyzer
	transcoder  *fakeTranscodeDelegate
	converter   *fakeConvertDelegate
	transcriber *fakeTranscribeDelegate
}

func newStepHarness(t *testing.T) *stepHarness {
	t.Helper()

	harness := &stepHarness{
		db:          database.NewMemoryManager(),
		blobs:       blob.NewMemoryStore("darkroom-test"),
		toolkit:     &fakeToolkit{},
		annotator:   &fakeAnnotator{},
		analyzer:    &fakeAnalyzer{},
		transcoder:  &fakeTranscodeDelegate{},
		converter:   &fakeConvertDelegate{},
		transcriber: &fakeTranscribeDelegate{},
	}
	harness.assets = asset.NewStore(harness.db)
	harness.registry = pipeline.NewRegistry()
	harness.states = pipeline.NewStateStore(harness.db, harness.registry)

	deps := steps.Dependencies{
		Assets:     harness.assets,
		Blobs:      harness.blobs,
		States:     harness.states,
		Toolkit:    harness.toolkit,
		Annotator:  harness.annotator,
		Analyzer:   harness.analyzer,
		Transcode:  harness.transcoder,
		Convert:    harness.converter,
		Transcribe: harness.transcriber,
	}
	require.NoError(t, steps.Register(harness.registry, steps.Config{FaceMaxDurationSeconds: 600}, deps))

	return harness
}

// savedAsset persists the record so runners that write facts back have a
// document to merge into.
func (harness *stepHarness) savedAsset(t *testing.T, a *asset.Asset) *asset.Asset {
	t.Helper()
	require.NoError(t, harness.assets.Save(context.Background(), testUser, testProject, a))
	return a
}

// contextFor builds a pipeline context with a freshly synthesised state
// document, the same shape the engine hands runners.
func (harness *stepHarness) contextFor(t *testing.T, a *asset.Asset, localPath string) *pipeline.Context {
	t.Helper()

	state, err := harness.states.Get(context.Background(), testUser, testProject, a.ID)
	require.NoError(t, err)

	return &pipeline.Context{
		UserID:    testUser,
		ProjectID: testProject,
		Asset:     a,
		AssetType: a.Classify(),
		LocalPath: localPath,
		State:     state,
	}
}

// run executes a registered step's runner directly.
func (harness *stepHarness) run(t *testing.T, stepID string, pc *pipeline.Context) *pipeline.Result {
	t.Helper()

	def, err := harness.registry.Step(stepID)
	require.NoError(t, err)

	result, err := def.Runner(context.Background(), pc)
	require.NoError(t, err)
	require.NotNil(t, result)

	return result
}

// seedStepMetadata plants upstream step output in the in-memory state
// snapshot the runner reads from.
func seedStepMetadata(t *testing.T, pc *pipeline.Context, stepID string, metadata map[string]any) {
	t.Helper()

	entry := pc.State.Step(stepID)
	require.NotNil(t, entry)
	entry.Status = pipeline.StatusSucceeded
	entry.Metadata = metadata
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func durationPtr(v float64) *float64 { return &v }

func Test_Register_InstallsStepsInDisplayOrder(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)

	ids := make([]string, 0, harness.registry.Len())
	for _, def := range harness.registry.Steps() {
		ids = append(ids, def.ID)
		assert.True(t, def.AutoStart, "step %s should auto-start", def.ID)
	}

	assert.Equal(t, []string{
		steps.StepMetadata,
		steps.StepCloudUpload,
		steps.StepAudioExtract,
		steps.StepThumbnail,
		steps.StepFrameSampling,
		steps.StepWaveform,
		steps.StepShotDetection,
		steps.StepLabelDetection,
		steps.StepPersonDetection,
		steps.StepFaceDetection,
		steps.StepTranscode,
		steps.StepImageConvert,
		steps.StepTranscription,
		steps.StepGeminiAnalysis,
	}, ids)
}

func Test_Register_GatesStepsByAssetType(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)

	tests := []struct {
		summary   string
		stepID    string
		assetType asset.Type
		supported bool
	}{
		{summary: "metadata applies to unclassified assets", stepID: steps.StepMetadata, assetType: asset.TypeOther, supported: true},
		{summary: "cloud upload applies to everything", stepID: steps.StepCloudUpload, assetType: asset.TypeAudio, supported: true},
		{summary: "frame sampling is video only", stepID: steps.StepFrameSampling, assetType: asset.TypeAudio, supported: false},
		{summary: "waveform covers audio", stepID: steps.StepWaveform, assetType: asset.TypeAudio, supported: true},
		{summary: "waveform excludes images", stepID: steps.StepWaveform, assetType: asset.TypeImage, supported: false},
		{summary: "image convert is image only", stepID: steps.StepImageConvert, assetType: asset.TypeVideo, supported: false},
		{summary: "face detection is video only", stepID: steps.StepFaceDetection, assetType: asset.TypeImage, supported: false},
		{summary: "analysis excludes unclassified assets", stepID: steps.StepGeminiAnalysis, assetType: asset.TypeOther, supported: false},
		{summary: "transcription covers video", stepID: steps.StepTranscription, assetType: asset.TypeVideo, supported: true},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			def, err := harness.registry.Step(test.stepID)
			require.NoError(t, err)
			assert.Equal(t, test.supported, def.Supports(test.assetType))
		})
	}
}

func Test_Metadata_ProbesAndPersistsFacts(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	width, height, duration := 1920, 1080, 12.5
	harness.toolkit.metadata = &ffmpeg.MediaMetadata{
		Duration:   &duration,
		Width:      &width,
		Height:     &height,
		VideoCodec: "h264",
		AudioCodec: "aac",
	}

	clip := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "clip.mov", MimeType: "video/quicktime"})
	pc := harness.contextFor(t, clip, writeTempFile(t, "clip.mov", []byte("mov")))

	result := harness.run(t, steps.StepMetadata, pc)

	require.Equal(t, pipeline.StatusSucceeded, result.Status)
	assert.Equal(t, 12.5, result.Metadata["duration"])
	assert.Equal(t, "h264", result.Metadata["videoCodec"])

	// The probed facts land on the record and the in-flight copy so the
	// steps after this one can branch on them.
	assert.Equal(t, "aac", pc.Asset.AudioCodec)
	stored, err := harness.assets.Get(context.Background(), testUser, testProject, "asset-1")
	require.NoError(t, err)
	require.NotNil(t, stored.Duration)
	assert.Equal(t, 12.5, *stored.Duration)
	require.NotNil(t, stored.Width)
	assert.Equal(t, 1920, *stored.Width)
}

func Test_Metadata_ProbeFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	harness.toolkit.metadataErr = errors.New("moov atom not found")

	clip := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "clip.mov", MimeType: "video/quicktime"})
	pc := harness.contextFor(t, clip, writeTempFile(t, "clip.mov", []byte("mov")))

	result := harness.run(t, steps.StepMetadata, pc)

	assert.Equal(t, pipeline.StatusSucceeded, result.Status)
	assert.Equal(t, "moov atom not found", result.Metadata["metadataError"])
}

func Test_Metadata_MissingLocalFileIsNonFatal(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	clip := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "clip.mov", MimeType: "video/quicktime"})

	result := harness.run(t, steps.StepMetadata, harness.contextFor(t, clip, ""))

	assert.Equal(t, pipeline.StatusSucceeded, result.Status)
	assert.Contains(t, result.Metadata["metadataError"], "no local copy")
	assert.Empty(t, harness.toolkit.probedPaths)
}

func Test_CloudUpload_UploadsLocalFile(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	clip := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "clip.mov", MimeType: "video/quicktime"})
	pc := harness.contextFor(t, clip, writeTempFile(t, "clip.mov", []byte("the-movie")))

	result := harness.run(t, steps.StepCloudUpload, pc)

	require.Equal(t, pipeline.StatusSucceeded, result.Status)
	assert.Equal(t, "gs://darkroom-test/assets/asset-1/clip.mov", result.Metadata["gcsUri"])
	assert.Equal(t, "assets/asset-1/clip.mov", result.Metadata["objectName"])
	assert.NotEmpty(t, result.Metadata["signedUrl"])
	assert.Nil(t, result.Metadata["reused"])

	uploaded, err := harness.blobs.Download(context.Background(), "gs://darkroom-test/assets/asset-1/clip.mov")
	require.NoError(t, err)
	assert.Equal(t, []byte("the-movie"), uploaded)

	// Record and in-flight copy both point at the cloud copy afterwards.
	assert.Equal(t, "gs://darkroom-test/assets/asset-1/clip.mov", pc.Asset.GCSUri)
	stored, err := harness.assets.Get(context.Background(), testUser, testProject, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "assets/asset-1/clip.mov", stored.ObjectName)
	assert.NotEmpty(t, stored.SignedURL)
}

func Test_CloudUpload_ReusesExistingCloudCopy(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	clip := harness.savedAsset(t, &asset.Asset{
		ID:         "asset-1",
		FileName:   "clip.mov",
		MimeType:   "video/quicktime",
		GCSUri:     "gs://darkroom-test/assets/asset-1/clip.mov",
		Bucket:     "darkroom-test",
		ObjectName: "assets/asset-1/clip.mov",
	})

	result := harness.run(t, steps.StepCloudUpload, harness.contextFor(t, clip, ""))

	require.Equal(t, pipeline.StatusSucceeded, result.Status)
	assert.Equal(t, true, result.Metadata["reused"])
	assert.Equal(t, "gs://darkroom-test/assets/asset-1/clip.mov", result.Metadata["gcsUri"])
	assert.NotEmpty(t, result.Metadata["signedUrl"])

	// Nothing was uploaded; the coordinates were trusted as-is.
	exists, err := harness.blobs.Exists(context.Background(), "assets/asset-1/clip.mov")
	require.NoError(t, err)
	assert.False(t, exists)
}

func Test_CloudUpload_FailsWithoutAnySource(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	clip := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "clip.mov", MimeType: "video/quicktime"})

	result := harness.run(t, steps.StepCloudUpload, harness.contextFor(t, clip, ""))

	require.Equal(t, pipeline.StatusFailed, result.Status)
	assert.Contains(t, result.Err, "no cloud copy and no local file")
}
