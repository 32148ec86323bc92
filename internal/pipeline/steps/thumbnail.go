package steps

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"golang.org/x/image/draw"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/pkg/logger"

	// Decoders for the still-image formats accepted at upload.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	_ "image/gif"
	_ "image/png"
)

const (
	thumbnailMaxEdge = 400
	thumbnailQuality = 85
)

// runThumbnail renders the asset's cover image. Still images are scaled
// down in-process to at most 400px on their longest side; videos hand
// the job to ffmpeg, which grabs the first frame at the same bound.
// Either way the artifact lands at assets/{id}/thumbnail.jpg.
func (set *stepSet) runThumbnail(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	if pc.LocalPath == "" {
		return pipeline.Failedf("asset %s has no local file to render a thumbnail from", pc.Asset.ID), nil
	}

	var (
		encoded []byte
		err     error
	)
	if pc.AssetType == asset.TypeImage {
		encoded, err = renderImageThumbnail(pc.LocalPath)
	} else {
		encoded, err = set.renderVideoThumbnail(ctx, pc.LocalPath)
	}
	if err != nil {
		return pipeline.Failedf("thumbnail rendering failed: %v", err), nil
	}

	objectName := fmt.Sprintf("assets/%s/thumbnail.jpg", pc.Asset.ID)
	metadata, err := set.uploadBytes(ctx, objectName, encoded, "image/jpeg")
	if err != nil {
		return pipeline.Failedf("%v", err), nil
	}

	log.Emit(logger.DEBUG, "Rendered thumbnail of asset %s (%d bytes)\n", pc.Asset.ID, len(encoded))
	return pipeline.Succeeded(metadata), nil
}

// renderImageThumbnail decodes a still image and scales it to fit the
// thumbnail bound, preserving aspect ratio. Images already within the
// bound are re-encoded as-is so the artifact is always a JPEG.
func renderImageThumbnail(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	source, format, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := source.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("decoded %s image has degenerate bounds %dx%d", format, width, height)
	}

	if longest := max(width, height); longest > thumbnailMaxEdge {
		scale := float64(thumbnailMaxEdge) / float64(longest)
		scaled := image.NewRGBA(image.Rect(0, 0,
			max(1, int(float64(width)*scale+0.5)),
			max(1, int(float64(height)*scale+0.5))))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), source, bounds, draw.Over, nil)
		source = scaled
	}

	var buffer bytes.Buffer
	if err := jpeg.Encode(&buffer, source, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	return buffer.Bytes(), nil
}

// renderVideoThumbnail extracts the first frame of the video, bounded
// to the thumbnail edge length.
func (set *stepSet) renderVideoThumbnail(ctx context.Context, path string) ([]byte, error) {
	if set.deps.Toolkit == nil {
		return nil, fmt.Errorf("media toolkit is not configured")
	}

	framePath, cleanup, err := tempArtifactPath("thumbnail-*.jpg")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := set.deps.Toolkit.ExtractFrameJPEG(ctx, path, framePath, 0, thumbnailMaxEdge); err != nil {
		return nil, err
	}

	encoded, err := os.ReadFile(framePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read extracted frame: %w", err)
	}

	return encoded, nil
}
