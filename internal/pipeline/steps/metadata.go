package steps

import (
	"context"

	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/pkg/logger"
)

// runMetadata probes the local copy of the asset and emits the measured
// facts. The facts are also merged into the asset record so later steps
// (and the job coordinators) can branch on codecs and duration without
// re-reading pipeline state. A probe that cannot run is non-fatal: the
// step concludes succeeded carrying a metadataError so the rest of the
// pipeline is not held hostage to an unreadable container.
func (set *stepSet) runMetadata(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	if set.deps.Toolkit == nil {
		return pipeline.Succeeded(map[string]any{"metadataError": "media toolkit is not configured"}), nil
	}
	if pc.LocalPath == "" {
		return pipeline.Succeeded(map[string]any{"metadataError": "no local copy of the asset to probe"}), nil
	}

	probed, err := set.deps.Toolkit.ExtractMetadata(ctx, pc.LocalPath)
	if err != nil {
		log.Emit(logger.WARNING, "Probe of asset %s FAILED: %v\n", pc.Asset.ID, err)
		return pipeline.Succeeded(map[string]any{"metadataError": err.Error()}), nil
	}

	facts := probed.Fields()
	log.Emit(logger.DEBUG, "Probed asset %s: %s\n", pc.Asset.ID, probed)

	updated, err := set.deps.Assets.Update(ctx, pc.UserID, pc.ProjectID, pc.Asset.ID, facts)
	if err != nil {
		log.Emit(logger.WARNING, "Failed to persist probed facts of asset %s: %v\n", pc.Asset.ID, err)
	} else {
		*pc.Asset = *updated
	}

	return pipeline.Succeeded(facts), nil
}
