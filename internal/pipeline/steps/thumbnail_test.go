package steps_test

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/internal/pipeline/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestPNG(t *testing.T, width int, height int) string {
	t.Helper()

	var buffer bytes.Buffer
	require.NoError(t, png.Encode(&buffer, image.NewRGBA(image.Rect(0, 0, width, height))))

	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, buffer.Bytes(), 0o644))
	return path
}

func downloadThumbnail(t *testing.T, harness *stepHarness, assetID string) image.Image {
	t.Helper()

	data, err := harness.blobs.Download(context.Background(), "gs://darkroom-test/assets/"+assetID+"/thumbnail.jpg")
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return decoded
}

func Test_Thumbnail_ScalesLargeImagesToCoverBound(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	photo := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "photo.png", MimeType: "image/png"})
	pc := harness.contextFor(t, photo, writeTestPNG(t, 800, 500))

	result := harness.run(t, steps.StepThumbnail, pc)

	require.Equal(t, pipeline.StatusSucceeded, result.Status)
	assert.Equal(t, "gs://darkroom-test/assets/asset-1/thumbnail.jpg", result.Metadata["gcsUri"])

	thumbnail := downloadThumbnail(t, harness, "asset-1")
	assert.Equal(t, 400, thumbnail.Bounds().Dx())
	assert.Equal(t, 250, thumbnail.Bounds().Dy())
}

func Test_Thumbnail_KeepsSmallImagesUnscaled(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	photo := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "photo.png", MimeType: "image/png"})
	pc := harness.contextFor(t, photo, writeTestPNG(t, 200, 120))

	result := harness.run(t, steps.StepThumbnail, pc)

	require.Equal(t, pipeline.StatusSucceeded, result.Status)

	thumbnail := downloadThumbnail(t, harness, "asset-1")
	assert.Equal(t, 200, thumbnail.Bounds().Dx())
	assert.Equal(t, 120, thumbnail.Bounds().Dy())
}

func Test_Thumbnail_GrabsFirstVideoFrame(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	harness.toolkit.frameData = []byte("frame-bytes")

	clip := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "clip.mov", MimeType: "video/quicktime"})
	pc := harness.contextFor(t, clip, writeTempFile(t, "clip.mov", []byte("mov")))

	result := harness.run(t, steps.StepThumbnail, pc)

	require.Equal(t, pipeline.StatusSucceeded, result.Status)
	assert.Equal(t, "assets/asset-1/thumbnail.jpg", result.Metadata["objectName"])

	extractions := harness.toolkit.extractions()
	require.Len(t, extractions, 1)
	assert.Equal(t, 0.0, extractions[0].atSeconds)
	assert.Equal(t, 400, extractions[0].maxHeight)

	uploaded, err := harness.blobs.Download(context.Background(), "gs://darkroom-test/assets/asset-1/thumbnail.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("frame-bytes"), uploaded)
}

func Test_Thumbnail_UndecodableImageFails(t *testing.T) {
	t.Parallel()

	harness := newStepHarness(t)
	photo := harness.savedAsset(t, &asset.Asset{ID: "asset-1", FileName: "photo.heic", MimeType: "image/heic"})
	pc := harness.contextFor(t, photo, writeTempFile(t, "photo.heic", []byte("heic-opaque-bytes")))

	result := harness.run(t, steps.StepThumbnail, pc)

	require.Equal(t, pipeline.StatusFailed, result.Status)
	assert.Contains(t, result.Err, "thumbnail rendering failed")
}
