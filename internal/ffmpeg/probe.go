// Package ffmpeg wraps the host ffmpeg/ffprobe binaries behind a small
// toolkit used by the pipeline steps: metadata probing, audio extraction,
// frame grabbing and raw PCM decoding. Nothing here performs full
// transcodes; those are delegated to the remote transcoder service.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/lightfold/darkroom/pkg/logger"
)

var log = logger.Get("FFmpeg")

// probeTimeout bounds a single ffprobe invocation. A probe that takes
// longer than this is abandoned and reported as ErrProbeTimeout.
const probeTimeout = 30 * time.Second

var (
	// ErrFileNotFound is returned when the target of a probe does not
	// exist on disk.
	ErrFileNotFound = errors.New("media file does not exist")

	// ErrProbeUnavailable is returned when the ffprobe binary cannot be
	// located on the host.
	ErrProbeUnavailable = errors.New("ffprobe binary is not available")

	// ErrProbeFailed is returned when ffprobe ran but could not produce
	// usable output for the file.
	ErrProbeFailed = errors.New("ffprobe could not inspect the media file")

	// ErrProbeTimeout is returned when a probe exceeded its deadline.
	ErrProbeTimeout = errors.New("ffprobe timed out")
)

type (
	// MediaMetadata holds the facts ffprobe reported for a media file.
	// Fields are pointers when the file may legitimately lack them (an
	// image has no duration, an audio file has no dimensions).
	MediaMetadata struct {
		Duration   *float64
		Width      *int
		Height     *int
		VideoCodec string
		AudioCodec string
		SampleRate *int
		Channels   *int
		Bitrate    *int64
		FormatName string
		Size       *int64
	}

	probeOutput struct {
		Format  probeFormat   `json:"format"`
		Streams []probeStream `json:"streams"`
	}

	// ffprobe reports numeric facts as JSON strings, so every numeric
	// field here is parsed leniently after unmarshalling.
	probeFormat struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
	}

	probeStream struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
		Duration   string `json:"duration"`
	}
)

// HasAudio reports whether an audio stream was found.
func (metadata *MediaMetadata) HasAudio() bool { return metadata.AudioCodec != "" }

// HasVideo reports whether a video stream was found. Still images also
// report a video stream (their single frame).
func (metadata *MediaMetadata) HasVideo() bool { return metadata.VideoCodec != "" }

// Fields flattens the metadata into the camelCase keys used by both the
// asset record and the pipeline state documents. Absent facts are
// omitted rather than written as nulls.
func (metadata *MediaMetadata) Fields() map[string]any {
	fields := make(map[string]any)
	if metadata.Duration != nil {
		fields["duration"] = *metadata.Duration
	}
	if metadata.Width != nil {
		fields["width"] = *metadata.Width
	}
	if metadata.Height != nil {
		fields["height"] = *metadata.Height
	}
	if metadata.VideoCodec != "" {
		fields["videoCodec"] = metadata.VideoCodec
	}
	if metadata.AudioCodec != "" {
		fields["audioCodec"] = metadata.AudioCodec
	}
	if metadata.SampleRate != nil {
		fields["sampleRate"] = *metadata.SampleRate
	}
	if metadata.Channels != nil {
		fields["channels"] = *metadata.Channels
	}
	if metadata.Bitrate != nil {
		fields["bitrate"] = *metadata.Bitrate
	}
	if metadata.FormatName != "" {
		fields["formatName"] = metadata.FormatName
	}
	if metadata.Size != nil {
		fields["size"] = *metadata.Size
	}

	return fields
}

// ExtractMetadata probes the file at path with ffprobe and returns the
// parsed media facts. The error taxonomy distinguishes a missing file, a
// missing ffprobe binary, a probe timeout and a probe failure so callers
// can decide which of these are fatal.
func (toolkit *Toolkit) ExtractMetadata(ctx context.Context, path string) (*MediaMetadata, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, toolkit.ffprobePath(),
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s", ErrProbeTimeout, probeTimeout, path)
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrProbeUnavailable, toolkit.ffprobePath())
		}

		log.Emit(logger.ERROR, "ffprobe failed for %s: %s\n", path, strings.TrimSpace(stderr.String()))
		return nil, fmt.Errorf("%w: %s", ErrProbeFailed, firstLine(stderr.String()))
	}

	metadata, err := parseProbeOutput(stdout.Bytes())
	if err != nil {
		return nil, err
	}

	log.Emit(logger.DEBUG, "Probed %s: %s\n", path, metadata)
	return metadata, nil
}

// parseProbeOutput decodes the ffprobe JSON document into MediaMetadata.
// Numeric facts that are missing or malformed are dropped instead of
// failing the whole probe.
func parseProbeOutput(raw []byte) (*MediaMetadata, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: unparseable ffprobe output: %s", ErrProbeFailed, err)
	}

	metadata := &MediaMetadata{
		FormatName: out.Format.FormatName,
		Duration:   parseFloat(out.Format.Duration),
		Size:       parseInt64(out.Format.Size),
		Bitrate:    parseInt64(out.Format.BitRate),
	}

	for _, stream := range out.Streams {
		// Some containers report duration per stream, not per format.
		if metadata.Duration == nil {
			metadata.Duration = parseFloat(stream.Duration)
		}

		switch stream.CodecType {
		case "video":
			if metadata.VideoCodec != "" {
				continue
			}
			metadata.VideoCodec = stream.CodecName
			if stream.Width > 0 {
				width := stream.Width
				metadata.Width = &width
			}
			if stream.Height > 0 {
				height := stream.Height
				metadata.Height = &height
			}
		case "audio":
			if metadata.AudioCodec != "" {
				continue
			}
			metadata.AudioCodec = stream.CodecName
			if rate := parseFloat(stream.SampleRate); rate != nil {
				sampleRate := int(*rate)
				metadata.SampleRate = &sampleRate
			}
			if stream.Channels > 0 {
				channels := stream.Channels
				metadata.Channels = &channels
			}
		}
	}

	return metadata, nil
}

func (metadata *MediaMetadata) String() string {
	parts := make([]string, 0, 4)
	if metadata.VideoCodec != "" {
		dims := "?x?"
		if metadata.Width != nil && metadata.Height != nil {
			dims = fmt.Sprintf("%dx%d", *metadata.Width, *metadata.Height)
		}
		parts = append(parts, fmt.Sprintf("video=%s(%s)", metadata.VideoCodec, dims))
	}
	if metadata.AudioCodec != "" {
		parts = append(parts, fmt.Sprintf("audio=%s", metadata.AudioCodec))
	}
	if metadata.Duration != nil {
		parts = append(parts, fmt.Sprintf("duration=%.2fs", *metadata.Duration))
	}
	if metadata.FormatName != "" {
		parts = append(parts, fmt.Sprintf("format=%s", metadata.FormatName))
	}

	return "{" + strings.Join(parts, " ") + "}"
}

func parseFloat(raw string) *float64 {
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}

	return &val
}

func parseInt64(raw string) *int64 {
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}

	return &val
}

func firstLine(out string) string {
	trimmed := strings.TrimSpace(out)
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		return trimmed[:idx]
	}
	if trimmed == "" {
		return "no diagnostic output"
	}

	return trimmed
}
