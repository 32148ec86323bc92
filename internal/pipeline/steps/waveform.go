package steps

import (
	"context"
	"encoding/binary"

	"github.com/lightfold/darkroom/internal/pipeline"
	"github.com/lightfold/darkroom/pkg/logger"
)

const waveformBuckets = 200

// runWaveform reduces the audio track to a fixed 200-sample peak
// envelope suitable for rendering a scrubber. Assets the probe
// confirmed to be silent emit a flat envelope of zeros rather than
// failing; a scrubber is still drawable over silence.
func (set *stepSet) runWaveform(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	duration, ok := durationOf(pc)
	if !ok {
		return pipeline.Failedf("asset %s has no known duration to compute a waveform over", pc.Asset.ID), nil
	}

	if present, known := probedAudio(pc); known && !present {
		return pipeline.Succeeded(waveformMetadata(make([]float64, waveformBuckets), duration)), nil
	}

	if set.deps.Toolkit == nil {
		return pipeline.Failedf("media toolkit is not configured"), nil
	}
	if pc.LocalPath == "" {
		return pipeline.Failedf("asset %s has no local file to decode audio from", pc.Asset.ID), nil
	}

	pcm, err := set.deps.Toolkit.DecodePCM(ctx, pc.LocalPath)
	if err != nil {
		return pipeline.Failedf("audio decode failed: %v", err), nil
	}

	samples := bucketPeaks(pcm, waveformBuckets)
	log.Emit(logger.DEBUG, "Computed %d-bucket waveform of asset %s from %d PCM bytes\n", waveformBuckets, pc.Asset.ID, len(pcm))

	return pipeline.Succeeded(waveformMetadata(samples, duration)), nil
}

func waveformMetadata(samples []float64, duration float64) map[string]any {
	return map[string]any{
		"samples":         samples,
		"sampleCount":     len(samples),
		"durationSeconds": duration,
	}
}

// bucketPeaks folds signed 16-bit little-endian mono PCM into the given
// number of buckets, each holding the normalised peak amplitude within
// its slice of the track. Fewer samples than buckets yields zero-filled
// tail buckets.
func bucketPeaks(pcm []byte, buckets int) []float64 {
	peaks := make([]float64, buckets)

	total := len(pcm) / 2
	if total == 0 {
		return peaks
	}

	for bucket := 0; bucket < buckets; bucket++ {
		start := bucket * total / buckets
		end := (bucket + 1) * total / buckets

		peak := 0.0
		for i := start; i < end; i++ {
			sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
			amplitude := float64(sample)
			if amplitude < 0 {
				amplitude = -amplitude
			}
			if normalised := amplitude / 32768; normalised > peak {
				peak = normalised
			}
		}

		peaks[bucket] = peak
	}

	return peaks
}
