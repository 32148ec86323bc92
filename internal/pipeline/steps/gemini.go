package steps

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mitchellh/mapstructure"

	"github.com/lightfold/darkroom/internal/gemini"
	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/pkg/logger"
)

// geminiParams are the task parameters the analysis step understands.
// Prompt overrides the category-specific default shipped with the
// gemini client.
type geminiParams struct {
	Prompt string `mapstructure:"prompt"`
}

// runGeminiAnalysis feeds the asset to the LLM for a content analysis.
// The model needs a local file; when the worker ran the pipeline off
// cloud storage only, the source is fetched to a scratch file first.
func (set *stepSet) runGeminiAnalysis(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	if set.deps.Analyzer == nil {
		return pipeline.Failedf("analysis service is not configured"), nil
	}

	var params geminiParams
	if err := mapstructure.Decode(pc.Params, &params); err != nil {
		return pipeline.Failedf("invalid analysis parameters: %v", err), nil
	}

	localPath, cleanup, err := set.localSource(ctx, pc)
	if err != nil {
		return pipeline.Failedf("%v", err), nil
	}
	defer cleanup()

	analysis, err := set.deps.Analyzer.Analyze(ctx, gemini.AnalyzeRequest{
		LocalPath: localPath,
		MimeType:  pc.Asset.MimeType,
		Category:  pc.AssetType,
		Prompt:    params.Prompt,
	})
	if err != nil {
		return pipeline.Failedf("analysis failed: %v", err), nil
	}

	log.Emit(logger.INFO, "Analysed asset %s with model %s\n", pc.Asset.ID, analysis.Model)

	metadata := map[string]any{
		"model": analysis.Model,
		"text":  analysis.Text,
	}
	if analysis.Structured != nil {
		metadata["analysis"] = analysis.Structured
	}

	return pipeline.Succeeded(metadata), nil
}

// localSource resolves a readable local copy of the asset, downloading
// from cloud storage when the worker holds no local file. The returned
// cleanup removes the scratch copy (and nothing else).
func (set *stepSet) localSource(ctx context.Context, pc *pipeline.Context) (string, func(), error) {
	if pc.LocalPath != "" {
		return pc.LocalPath, func() {}, nil
	}

	uri := uploadedURI(pc)
	if uri == "" {
		return "", nil, fmt.Errorf("asset %s has no local file and no cloud copy", pc.Asset.ID)
	}

	pattern := "analysis-*" + filepath.Ext(pc.Asset.FileName)
	scratchPath, cleanup, err := tempArtifactPath(pattern)
	if err != nil {
		return "", nil, err
	}

	if err := set.deps.Blobs.DownloadToFile(ctx, uri, scratchPath); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to fetch %s for analysis: %w", uri, err)
	}

	return scratchPath, cleanup, nil
}
