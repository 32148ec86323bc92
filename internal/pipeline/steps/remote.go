package steps

import (
	"context"

	"github.com/lightfold/darkroom/internal/jobs"
	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/pkg/logger"
)

// runTranscode delegates to the transcode coordinator, which owns the
// remote job lifecycle, result reuse, and repointing the asset record
// at the delivery copy.
func (set *stepSet) runTranscode(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	if set.deps.Transcode == nil {
		return pipeline.Failedf("transcode service is not configured"), nil
	}

	outcome, err := set.deps.Transcode.Run(ctx, &jobs.TranscodeRequest{
		UserID:    pc.UserID,
		ProjectID: pc.ProjectID,
		Asset:     pc.Asset,
	})
	if err != nil {
		return nil, err
	}

	return set.concludeRemote(ctx, pc, outcome), nil
}

// runImageConvert delegates to the image conversion coordinator.
func (set *stepSet) runImageConvert(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	if set.deps.Convert == nil {
		return pipeline.Failedf("image conversion service is not configured"), nil
	}

	outcome, err := set.deps.Convert.Run(ctx, &jobs.ConvertRequest{
		UserID:    pc.UserID,
		ProjectID: pc.ProjectID,
		Asset:     pc.Asset,
	})
	if err != nil {
		return nil, err
	}

	return set.concludeRemote(ctx, pc, outcome), nil
}

// runTranscription delegates to the transcription coordinator, feeding
// it the best available audio source: the dedicated transcription FLAC
// when audio extraction produced one, else the transcoded delivery
// copy, else the original upload.
func (set *stepSet) runTranscription(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	if set.deps.Transcribe == nil {
		return pipeline.Failedf("transcription service is not configured"), nil
	}

	source, flacSource := transcriptionSource(pc)
	outcome, err := set.deps.Transcribe.Run(ctx, &jobs.TranscribeRequest{
		UserID:       pc.UserID,
		ProjectID:    pc.ProjectID,
		Asset:        pc.Asset,
		SourceGcsUri: source,
		FlacSource:   flacSource,
	})
	if err != nil {
		return nil, err
	}

	return set.concludeRemote(ctx, pc, outcome), nil
}

func transcriptionSource(pc *pipeline.Context) (uri string, flacSource bool) {
	if flac := stringFrom(pc.UpstreamMetadata(StepAudioExtract), "audioForTranscriptionGcsUri"); flac != "" {
		return flac, true
	}

	if transcoded := stringFrom(pc.UpstreamMetadata(StepTranscode), "outputGcsUri"); transcoded != "" {
		return transcoded, false
	}

	return uploadedURI(pc), false
}

// concludeRemote translates a coordinator outcome into the step's
// verdict. A successful outcome may have repointed the asset record and
// re-measured the derived output; both effects are propagated here so
// the in-flight pipeline run and the metadata step stay truthful.
func (set *stepSet) concludeRemote(ctx context.Context, pc *pipeline.Context, outcome *jobs.Outcome) *pipeline.Result {
	switch {
	case outcome.Failed:
		return pipeline.Failedf("%s", outcome.Message)
	case outcome.Waiting:
		return pipeline.Waiting(outcome.Metadata)
	case outcome.Skipped:
		return pipeline.Succeeded(map[string]any{"message": outcome.Message})
	}

	if outcome.UpdatedAsset != nil {
		*pc.Asset = *outcome.UpdatedAsset
	}
	if len(outcome.AssetFacts) > 0 {
		set.mergeProbedFacts(ctx, pc, outcome.AssetFacts)
	}

	return pipeline.Succeeded(outcome.Metadata)
}

// mergeProbedFacts folds re-probed facts of a derived output into the
// metadata step's persisted entry. Best effort: a failure here leaves
// the asset record (already updated by the coordinator) authoritative.
func (set *stepSet) mergeProbedFacts(ctx context.Context, pc *pipeline.Context, facts map[string]any) {
	state, err := set.deps.States.Get(ctx, pc.UserID, pc.ProjectID, pc.Asset.ID)
	if err != nil {
		log.Emit(logger.WARNING, "Failed to read pipeline state of asset %s to merge probed facts: %v\n", pc.Asset.ID, err)
		return
	}

	entry := state.Step(StepMetadata)
	if entry == nil {
		return
	}

	if entry.Metadata == nil {
		entry.Metadata = make(map[string]any, len(facts))
	}
	for key, value := range facts {
		entry.Metadata[key] = value
	}

	if _, err := set.deps.States.UpdateStep(ctx, pc.UserID, pc.ProjectID, pc.Asset.ID, *entry); err != nil {
		log.Emit(logger.WARNING, "Failed to merge probed facts into metadata step of asset %s: %v\n", pc.Asset.ID, err)
	}
}
