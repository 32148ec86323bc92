package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/blob"
	"github.com/lightfold/darkroom/internal/ffmpeg"
	"github.com/lightfold/darkroom/pkg/logger"
)

// Probe facts that belong on the asset record after a repoint. Everything
// else the probe measures (container format and the like) stays in step
// metadata only.
var repointFactKeys = []string{
	"duration", "width", "height", "videoCodec", "audioCodec",
	"sampleRate", "channels", "bitrate", "size",
}

type (
	// Repointer promotes a derived output (transcoded video, converted
	// image) to be the asset's primary content, preserving the original
	// coordinates in the asset's original* fields.
	Repointer struct {
		assets  *asset.Store
		blobs   blob.Store
		toolkit *ffmpeg.Toolkit
	}

	// RepointTarget names the derived output. FileName and Name are
	// applied only when non-empty; Kind selects which completion flags
	// are stamped on the asset.
	RepointTarget struct {
		Kind       string
		GCSUri     string
		ObjectName string
		MimeType   string
		FileName   string
		Name       string
	}
)

func NewRepointer(assets *asset.Store, blobs blob.Store, toolkit *ffmpeg.Toolkit) *Repointer {
	return &Repointer{assets: assets, blobs: blobs, toolkit: toolkit}
}

// Repoint backs up the asset's current blob coordinates, overwrites them
// with the target's, stamps the kind's completion flags, and re-probes
// the derived output so freshly measured facts replace stale ones. The
// updated asset and the re-probed facts are returned; a failed re-probe
// is non-fatal and yields nil facts.
func (repointer *Repointer) Repoint(ctx context.Context, userID string, projectID string, current *asset.Asset, target RepointTarget) (*asset.Asset, map[string]any, error) {
	signedURL, err := repointer.blobs.SignedReadURL(target.ObjectName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign read URL for repoint target %s: %w", target.ObjectName, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	fields := map[string]any{
		"originalGcsUri":     current.GCSUri,
		"originalObjectName": current.ObjectName,
		"originalSignedUrl":  current.SignedURL,
		"originalMimeType":   current.MimeType,
		"gcsUri":             target.GCSUri,
		"objectName":         target.ObjectName,
		"signedUrl":          signedURL,
		"mimeType":           target.MimeType,
	}

	switch target.Kind {
	case KindTranscode:
		fields["transcoded"] = true
		fields["transcodeStatus"] = "completed"
		fields["transcodedAt"] = now
	case KindConvert:
		fields["converted"] = true
		fields["convertedAt"] = now
	}

	if target.FileName != "" {
		fields["fileName"] = target.FileName
	}
	if target.Name != "" {
		fields["name"] = target.Name
	}

	facts := repointer.reprobe(ctx, target.GCSUri, target.FileName)
	for key, value := range facts {
		fields[key] = value
	}

	updated, err := repointer.assets.Update(ctx, userID, projectID, current.ID, fields)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to repoint asset %s: %w", current.ID, err)
	}

	log.Emit(logger.INFO, "Repointed asset %s to %s (%s)\n", current.ID, target.GCSUri, target.Kind)
	return updated, facts, nil
}

// reprobe downloads the derived output to a temp file and measures it.
// Some source containers probe unreliably; the derived output is the
// authoritative version of the asset's facts from here on.
func (repointer *Repointer) reprobe(ctx context.Context, gcsURI string, fileName string) map[string]any {
	if repointer.toolkit == nil {
		return nil
	}

	tmp, err := os.CreateTemp("", "darkroom-reprobe-*"+filepath.Ext(fileName))
	if err != nil {
		log.Emit(logger.WARNING, "Skipping re-probe of %s: %v\n", gcsURI, err)
		return nil
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := repointer.blobs.DownloadToFile(ctx, gcsURI, tmpPath); err != nil {
		log.Emit(logger.WARNING, "Skipping re-probe of %s: download failed: %v\n", gcsURI, err)
		return nil
	}

	probed, err := repointer.toolkit.ExtractMetadata(ctx, tmpPath)
	if err != nil {
		log.Emit(logger.WARNING, "Re-probe of %s failed: %v\n", gcsURI, err)
		return nil
	}

	all := probed.Fields()
	facts := make(map[string]any, len(repointFactKeys))
	for _, key := range repointFactKeys {
		if value, ok := all[key]; ok {
			facts[key] = value
		}
	}

	return facts
}
