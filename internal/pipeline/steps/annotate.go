package steps

import (
	"context"
	"sort"

	videointelligence "cloud.google.com/go/videointelligence/apiv1"
	"cloud.google.com/go/videointelligence/apiv1/videointelligencepb"

	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/pkg/logger"
)

type (
	videoAnnotator interface {
		Annotate(ctx context.Context, request *videointelligencepb.AnnotateVideoRequest) (*videointelligencepb.AnnotateVideoResponse, error)
	}

	// GCPVideoAnnotator submits annotation requests to the Video
	// Intelligence service and blocks on the long-running operation.
	// The service tolerates very long videos, so the per-step deadline
	// is left to the caller's context.
	GCPVideoAnnotator struct {
		client *videointelligence.Client
	}
)

func NewGCPVideoAnnotator(client *videointelligence.Client) *GCPVideoAnnotator {
	return &GCPVideoAnnotator{client: client}
}

func (annotator *GCPVideoAnnotator) Annotate(ctx context.Context, request *videointelligencepb.AnnotateVideoRequest) (*videointelligencepb.AnnotateVideoResponse, error) {
	operation, err := annotator.client.AnnotateVideo(ctx, request)
	if err != nil {
		return nil, err
	}

	return operation.Wait(ctx)
}

// runShotDetection emits the video's shot boundaries in seconds.
func (set *stepSet) runShotDetection(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	results, failure := set.annotateVideo(ctx, pc, videointelligencepb.Feature_SHOT_CHANGE_DETECTION, nil)
	if failure != nil {
		return failure, nil
	}

	shots := make([]map[string]any, 0, len(results.GetShotAnnotations()))
	for _, segment := range results.GetShotAnnotations() {
		shots = append(shots, segmentMetadata(segment, 0))
	}

	return pipeline.Succeeded(map[string]any{
		"shotCount": len(shots),
		"shots":     shots,
	}), nil
}

// runLabelDetection emits the content labels the service assigned to
// the video, strongest first.
func (set *stepSet) runLabelDetection(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	results, failure := set.annotateVideo(ctx, pc, videointelligencepb.Feature_LABEL_DETECTION, nil)
	if failure != nil {
		return failure, nil
	}

	annotations := results.GetSegmentLabelAnnotations()
	if len(annotations) == 0 {
		annotations = results.GetShotLabelAnnotations()
	}

	labels := make([]map[string]any, 0, len(annotations))
	for _, annotation := range annotations {
		confidence := float32(0)
		for _, segment := range annotation.GetSegments() {
			if segment.GetConfidence() > confidence {
				confidence = segment.GetConfidence()
			}
		}

		categories := make([]string, 0, len(annotation.GetCategoryEntities()))
		for _, category := range annotation.GetCategoryEntities() {
			categories = append(categories, category.GetDescription())
		}

		labels = append(labels, map[string]any{
			"description": annotation.GetEntity().GetDescription(),
			"confidence":  float64(confidence),
			"categories":  categories,
		})
	}

	sort.Slice(labels, func(a, b int) bool {
		left, _ := numberFrom(labels[a], "confidence")
		right, _ := numberFrom(labels[b], "confidence")
		return left > right
	})

	return pipeline.Succeeded(map[string]any{
		"labelCount": len(labels),
		"labels":     labels,
	}), nil
}

// runPersonDetection emits one entry per tracked person appearance.
func (set *stepSet) runPersonDetection(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	videoContext := &videointelligencepb.VideoContext{
		PersonDetectionConfig: &videointelligencepb.PersonDetectionConfig{IncludeBoundingBoxes: true},
	}

	results, failure := set.annotateVideo(ctx, pc, videointelligencepb.Feature_PERSON_DETECTION, videoContext)
	if failure != nil {
		return failure, nil
	}

	tracks := make([]map[string]any, 0, len(results.GetPersonDetectionAnnotations()))
	for _, annotation := range results.GetPersonDetectionAnnotations() {
		for _, track := range annotation.GetTracks() {
			tracks = append(tracks, segmentMetadata(track.GetSegment(), track.GetConfidence()))
		}
	}

	return pipeline.Succeeded(map[string]any{
		"trackCount": len(tracks),
		"tracks":     tracks,
	}), nil
}

// runFaceDetection emits one entry per tracked face appearance. Long
// videos are skipped outright; face tracking cost grows steeply with
// duration and the configured bound caps the spend.
func (set *stepSet) runFaceDetection(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	if limit := set.config.FaceMaxDurationSeconds; limit > 0 {
		if duration, ok := durationOf(pc); ok && duration > limit {
			log.Emit(logger.INFO, "Skipping face detection of asset %s: %.1fs exceeds the %.0fs bound\n", pc.Asset.ID, duration, limit)
			return pipeline.Succeeded(map[string]any{
				"skipped":            true,
				"reason":             "duration_exceeds_limit",
				"maxDurationSeconds": limit,
			}), nil
		}
	}

	videoContext := &videointelligencepb.VideoContext{
		FaceDetectionConfig: &videointelligencepb.FaceDetectionConfig{IncludeBoundingBoxes: true},
	}

	results, failure := set.annotateVideo(ctx, pc, videointelligencepb.Feature_FACE_DETECTION, videoContext)
	if failure != nil {
		return failure, nil
	}

	tracks := make([]map[string]any, 0, len(results.GetFaceDetectionAnnotations()))
	for _, annotation := range results.GetFaceDetectionAnnotations() {
		for _, track := range annotation.GetTracks() {
			tracks = append(tracks, segmentMetadata(track.GetSegment(), track.GetConfidence()))
		}
	}

	return pipeline.Succeeded(map[string]any{
		"trackCount": len(tracks),
		"tracks":     tracks,
	}), nil
}

// annotateVideo runs a single-feature annotation request against the
// asset's cloud copy, returning either the first result set or the
// failure verdict the calling step should conclude with.
func (set *stepSet) annotateVideo(ctx context.Context, pc *pipeline.Context, feature videointelligencepb.Feature, videoContext *videointelligencepb.VideoContext) (*videointelligencepb.VideoAnnotationResults, *pipeline.Result) {
	if set.deps.Annotator == nil {
		return nil, pipeline.Failedf("video intelligence service is not configured")
	}

	uri := uploadedURI(pc)
	if uri == "" {
		return nil, pipeline.Failedf("asset %s has no cloud copy; run the cloud upload step first", pc.Asset.ID)
	}

	log.Emit(logger.DEBUG, "Annotating %s with feature %s\n", uri, feature)
	response, err := set.deps.Annotator.Annotate(ctx, &videointelligencepb.AnnotateVideoRequest{
		InputUri:     uri,
		Features:     []videointelligencepb.Feature{feature},
		VideoContext: videoContext,
	})
	if err != nil {
		return nil, pipeline.Failedf("video annotation failed: %v", err)
	}

	results := response.GetAnnotationResults()
	if len(results) == 0 {
		return nil, pipeline.Failedf("video annotation returned no results for %s", uri)
	}
	if resultError := results[0].GetError(); resultError != nil && resultError.GetMessage() != "" {
		return nil, pipeline.Failedf("video annotation failed: %s", resultError.GetMessage())
	}

	return results[0], nil
}

func segmentMetadata(segment *videointelligencepb.VideoSegment, confidence float32) map[string]any {
	metadata := map[string]any{
		"startSeconds": segment.GetStartTimeOffset().AsDuration().Seconds(),
		"endSeconds":   segment.GetEndTimeOffset().AsDuration().Seconds(),
	}
	if confidence > 0 {
		metadata["confidence"] = float64(confidence)
	}

	return metadata
}
