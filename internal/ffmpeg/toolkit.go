package ffmpeg

import (
	"context"
	"fmt"
	"os"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
	"github.com/lightfold/darkroom/pkg/logger"
)

type (
	// Config points the toolkit at the host binaries. Empty paths fall
	// back to resolving ffmpeg/ffprobe on PATH.
	Config struct {
		FfmpegBinPath  string
		FfprobeBinPath string
	}

	// Toolkit performs the local media operations the pipeline needs:
	// probing, audio extraction, frame grabbing and PCM decoding.
	Toolkit struct {
		config Config
	}
)

func NewToolkit(config Config) *Toolkit {
	return &Toolkit{config: config}
}

func (toolkit *Toolkit) ffmpegPath() string {
	if toolkit.config.FfmpegBinPath != "" {
		return toolkit.config.FfmpegBinPath
	}

	return "ffmpeg"
}

func (toolkit *Toolkit) ffprobePath() string {
	if toolkit.config.FfprobeBinPath != "" {
		return toolkit.config.FfprobeBinPath
	}

	return "ffprobe"
}

// ExtractAudioFLAC strips the audio track of src into a 16kHz mono FLAC
// file at dst, the shape the speech service expects.
func (toolkit *Toolkit) ExtractAudioFLAC(ctx context.Context, src string, dst string) error {
	outputFormat := "flac"
	audioCodec := "flac"
	audioRate := 16000
	audioChannels := 1
	skipVideo := true
	overwrite := true

	opts := ffmpeg.Options{
		SkipVideo:     &skipVideo,
		AudioCodec:    &audioCodec,
		AudioRate:     &audioRate,
		AudioChannels: &audioChannels,
		OutputFormat:  &outputFormat,
		Overwrite:     &overwrite,
	}

	if err := toolkit.run(ctx, src, dst, &opts); err != nil {
		return fmt.Errorf("failed to extract audio from %s: %w", src, err)
	}

	return nil
}

// ExtractFrameJPEG grabs a single frame of src at the given offset into a
// JPEG at dst, downscaling so the frame is no taller than maxHeight while
// preserving aspect ratio. Frames already smaller are left untouched.
func (toolkit *Toolkit) ExtractFrameJPEG(ctx context.Context, src string, dst string, atSeconds float64, maxHeight int) error {
	seekTime := fmt.Sprintf("%.3f", atSeconds)
	vframes := 1
	videoFilter := fmt.Sprintf("scale=-2:'min(ih,%d)'", maxHeight)
	outputFormat := "image2"
	skipAudio := true
	overwrite := true

	opts := ffmpeg.Options{
		SeekTime:     &seekTime,
		Vframes:      &vframes,
		VideoFilter:  &videoFilter,
		OutputFormat: &outputFormat,
		SkipAudio:    &skipAudio,
		Overwrite:    &overwrite,
	}

	if err := toolkit.run(ctx, src, dst, &opts); err != nil {
		return fmt.Errorf("failed to extract frame at %ss from %s: %w", seekTime, src, err)
	}

	return nil
}

// DecodePCM decodes the audio track of src into raw signed 16-bit
// little-endian mono samples at 8kHz, suitable for waveform bucketing.
func (toolkit *Toolkit) DecodePCM(ctx context.Context, src string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "waveform-*.pcm")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary PCM file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	outputFormat := "s16le"
	audioCodec := "pcm_s16le"
	audioRate := 8000
	audioChannels := 1
	skipVideo := true
	overwrite := true

	opts := ffmpeg.Options{
		SkipVideo:     &skipVideo,
		AudioCodec:    &audioCodec,
		AudioRate:     &audioRate,
		AudioChannels: &audioChannels,
		OutputFormat:  &outputFormat,
		Overwrite:     &overwrite,
	}

	if err := toolkit.run(ctx, src, tmpPath, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode PCM from %s: %w", src, err)
	}

	samples, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read decoded PCM: %w", err)
	}

	return samples, nil
}

// run executes one ffmpeg invocation through to completion and verifies
// it actually produced output, since a mid-stream encoder failure can
// otherwise slip through silently.
func (toolkit *Toolkit) run(ctx context.Context, src string, dst string, opts transcoder.Options) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: %s", ErrFileNotFound, src)
	}

	instance := ffmpeg.
		New(&ffmpeg.Config{
			FfmpegBinPath:  toolkit.ffmpegPath(),
			FfprobeBinPath: toolkit.ffprobePath(),
		}).
		Input(src).
		Output(dst).
		WithContext(&ctx)

	log.Emit(logger.DEBUG, "Running ffmpeg %s -> %s with args %v\n", src, dst, opts.GetStrArguments())
	if _, err := instance.Start(opts); err != nil {
		return err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("ffmpeg completed but output %s is missing: %w", dst, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("ffmpeg completed but output %s is empty", dst)
	}

	return nil
}
