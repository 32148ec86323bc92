package steps

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/pkg/logger"
)

const (
	frameCount     = 20
	frameMaxHeight = 120
	frameWorkers   = 4
)

// runFrameSampling extracts evenly spaced preview frames across the
// video and uploads them as a filmstrip. Sampling points sit at the
// midpoint of each of the 20 equal slices of the duration. A frame
// that fails to extract is logged and dropped; the step only fails
// when no frame could be produced at all.
func (set *stepSet) runFrameSampling(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	duration, ok := durationOf(pc)
	if !ok {
		return pipeline.Failedf("asset %s has no known duration to sample frames from", pc.Asset.ID), nil
	}

	if set.deps.Toolkit == nil {
		return pipeline.Failedf("media toolkit is not configured"), nil
	}
	if pc.LocalPath == "" {
		return pipeline.Failedf("asset %s has no local file to sample frames from", pc.Asset.ID), nil
	}

	var (
		mutex  sync.Mutex
		frames []map[string]any
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(frameWorkers)
	for i := 0; i < frameCount; i++ {
		index := i
		group.Go(func() error {
			atSeconds := duration * (float64(index) + 0.5) / frameCount
			frame, err := set.sampleFrame(groupCtx, pc, index, atSeconds)
			if err != nil {
				log.Emit(logger.WARNING, "Frame %02d of asset %s FAILED: %v\n", index, pc.Asset.ID, err)
				return nil
			}

			mutex.Lock()
			frames = append(frames, frame)
			mutex.Unlock()

			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	if len(frames) == 0 {
		return pipeline.Failedf("no frames could be extracted from asset %s", pc.Asset.ID), nil
	}

	sort.Slice(frames, func(a, b int) bool {
		left, _ := numberFrom(frames[a], "index")
		right, _ := numberFrom(frames[b], "index")
		return left < right
	})

	log.Emit(logger.INFO, "Sampled %d/%d frames of asset %s\n", len(frames), frameCount, pc.Asset.ID)

	return pipeline.Succeeded(map[string]any{
		"frameCount": len(frames),
		"frames":     frames,
	}), nil
}

func (set *stepSet) sampleFrame(ctx context.Context, pc *pipeline.Context, index int, atSeconds float64) (map[string]any, error) {
	framePath, cleanup, err := tempArtifactPath(fmt.Sprintf("frame-%02d-*.jpg", index))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := set.deps.Toolkit.ExtractFrameJPEG(ctx, pc.LocalPath, framePath, atSeconds, frameMaxHeight); err != nil {
		return nil, err
	}

	objectName := fmt.Sprintf("assets/%s/frames/frame_%02d.jpg", pc.Asset.ID, index)
	coords, err := set.uploadFile(ctx, objectName, framePath, "image/jpeg")
	if err != nil {
		return nil, err
	}

	coords["index"] = index
	coords["atSeconds"] = atSeconds

	return coords, nil
}
