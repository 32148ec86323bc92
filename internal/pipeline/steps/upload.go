package steps

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/pkg/logger"
)

// runCloudUpload places the original file in the deployment bucket. An
// asset that already carries cloud coordinates (direct-to-bucket upload
// clients) is not re-uploaded; the step reuses them and only mints a
// fresh signed URL.
func (set *stepSet) runCloudUpload(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	if pc.Asset.GCSUri != "" && pc.Asset.ObjectName != "" {
		signedURL, err := set.deps.Blobs.SignedReadURL(pc.Asset.ObjectName)
		if err != nil {
			return pipeline.Failedf("failed to sign read URL for existing upload: %v", err), nil
		}

		metadata := map[string]any{
			"gcsUri":     pc.Asset.GCSUri,
			"bucket":     pc.Asset.Bucket,
			"objectName": pc.Asset.ObjectName,
			"signedUrl":  signedURL,
			"reused":     true,
		}

		set.persistUpload(ctx, pc, metadata)
		return pipeline.Succeeded(metadata), nil
	}

	if pc.LocalPath == "" {
		return pipeline.Failedf("asset %s has no cloud copy and no local file to upload", pc.Asset.ID), nil
	}

	objectName := fmt.Sprintf("assets/%s/%s", pc.Asset.ID, pc.Asset.FileName)
	metadata, err := set.uploadFile(ctx, objectName, pc.LocalPath, uploadContentType(pc))
	if err != nil {
		return pipeline.Failedf("%v", err), nil
	}

	log.Emit(logger.INFO, "Uploaded asset %s to %s\n", pc.Asset.ID, metadata["gcsUri"])
	set.persistUpload(ctx, pc, metadata)

	return pipeline.Succeeded(metadata), nil
}

// persistUpload writes the blob coordinates back to the asset record.
// Failure leaves the record stale but the step metadata authoritative,
// which downstream steps tolerate by reading metadata first.
func (set *stepSet) persistUpload(ctx context.Context, pc *pipeline.Context, metadata map[string]any) {
	updated, err := set.deps.Assets.Update(ctx, pc.UserID, pc.ProjectID, pc.Asset.ID, map[string]any{
		"gcsUri":     metadata["gcsUri"],
		"bucket":     metadata["bucket"],
		"objectName": metadata["objectName"],
		"signedUrl":  metadata["signedUrl"],
	})
	if err != nil {
		log.Emit(logger.WARNING, "Failed to persist upload coordinates of asset %s: %v\n", pc.Asset.ID, err)
		return
	}

	*pc.Asset = *updated
}

func uploadContentType(pc *pipeline.Context) string {
	if pc.Asset.MimeType != "" {
		return pc.Asset.MimeType
	}

	if byExt := mime.TypeByExtension(filepath.Ext(pc.Asset.FileName)); byExt != "" {
		return byExt
	}

	return "application/octet-stream"
}
