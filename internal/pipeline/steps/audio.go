package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/pkg/logger"
)

// runAudioExtract emits a speech-recognition friendly copy of the audio
// track: 16 kHz mono FLAC, uploaded next to the asset's other
// artifacts. Assets the probe confirmed to be silent skip cleanly; for
// assets with unknown streams extraction is attempted and a tool
// failure concludes the step failed.
func (set *stepSet) runAudioExtract(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	if present, known := probedAudio(pc); known && !present {
		return pipeline.Succeeded(map[string]any{"skipped": true, "reason": "no_audio"}), nil
	}

	if set.deps.Toolkit == nil {
		return pipeline.Failedf("media toolkit is not configured"), nil
	}
	if pc.LocalPath == "" {
		return pipeline.Failedf("asset %s has no local file to extract audio from", pc.Asset.ID), nil
	}

	flacPath, cleanup, err := tempArtifactPath("audio-*.flac")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := set.deps.Toolkit.ExtractAudioFLAC(ctx, pc.LocalPath, flacPath); err != nil {
		return pipeline.Failedf("audio extraction failed: %v", err), nil
	}

	base := strings.TrimSuffix(pc.Asset.FileName, filepath.Ext(pc.Asset.FileName))
	if base == "" {
		base = pc.Asset.ID
	}

	objectName := fmt.Sprintf("assets/%s/audio/%s.flac", pc.Asset.ID, base)
	coords, err := set.uploadFile(ctx, objectName, flacPath, "audio/flac")
	if err != nil {
		return pipeline.Failedf("%v", err), nil
	}

	log.Emit(logger.INFO, "Extracted transcription audio of asset %s to %s\n", pc.Asset.ID, coords["gcsUri"])

	return pipeline.Succeeded(map[string]any{
		"audioForTranscriptionGcsUri": coords["gcsUri"],
		"bucket":                      coords["bucket"],
		"objectName":                  coords["objectName"],
		"signedUrl":                   coords["signedUrl"],
		"sampleRateHertz":             16_000,
		"channels":                    1,
	}), nil
}

// tempArtifactPath reserves a scratch file path for a tool to write
// into. The file itself is removed immediately so tools which refuse to
// overwrite existing outputs are not tripped up.
func tempArtifactPath(pattern string) (string, func(), error) {
	scratch, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch file: %w", err)
	}

	path := scratch.Name()
	scratch.Close()
	os.Remove(path)

	return path, func() { os.Remove(path) }, nil
}
