package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const videoProbeJSON = `{
	"streams": [
		{"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080},
		{"index": 1, "codec_name": "aac", "codec_type": "audio", "sample_rate": "48000", "channels": 2}
	],
	"format": {
		"filename": "teaser.mp4",
		"format_name": "mov,mp4,m4a,3gp,3g2,mj2",
		"duration": "12.480000",
		"size": "2048000",
		"bit_rate": "1312820"
	}
}`

const imageProbeJSON = `{
	"streams": [
		{"index": 0, "codec_name": "mjpeg", "codec_type": "video", "width": 640, "height": 480}
	],
	"format": {
		"filename": "photo.jpg",
		"format_name": "image2",
		"size": "51200"
	}
}`

const audioProbeJSON = `{
	"streams": [
		{"index": 0, "codec_name": "flac", "codec_type": "audio", "sample_rate": "44100", "channels": 1}
	],
	"format": {
		"format_name": "flac",
		"duration": "31.5",
		"size": "812345",
		"bit_rate": "not-a-number"
	}
}`

func Test_ParseProbeOutput_Video(t *testing.T) {
	t.Parallel()

	metadata, err := parseProbeOutput([]byte(videoProbeJSON))
	require.NoError(t, err)

	require.NotNil(t, metadata.Duration)
	assert.InDelta(t, 12.48, *metadata.Duration, 0.001)
	require.NotNil(t, metadata.Width)
	assert.Equal(t, 1920, *metadata.Width)
	require.NotNil(t, metadata.Height)
	assert.Equal(t, 1080, *metadata.Height)
	assert.Equal(t, "h264", metadata.VideoCodec)
	assert.Equal(t, "aac", metadata.AudioCodec)
	require.NotNil(t, metadata.SampleRate)
	assert.Equal(t, 48000, *metadata.SampleRate)
	require.NotNil(t, metadata.Channels)
	assert.Equal(t, 2, *metadata.Channels)
	require.NotNil(t, metadata.Bitrate)
	assert.Equal(t, int64(1312820), *metadata.Bitrate)
	assert.True(t, metadata.HasVideo())
	assert.True(t, metadata.HasAudio())
}

func Test_ParseProbeOutput_ImageHasNoDuration(t *testing.T) {
	t.Parallel()

	metadata, err := parseProbeOutput([]byte(imageProbeJSON))
	require.NoError(t, err)

	assert.Nil(t, metadata.Duration, "still images must not report a duration")
	assert.Equal(t, "mjpeg", metadata.VideoCodec)
	assert.False(t, metadata.HasAudio())
	require.NotNil(t, metadata.Width)
	assert.Equal(t, 640, *metadata.Width)
}

func Test_ParseProbeOutput_AudioOnlyDropsMalformedNumbers(t *testing.T) {
	t.Parallel()

	metadata, err := parseProbeOutput([]byte(audioProbeJSON))
	require.NoError(t, err)

	assert.False(t, metadata.HasVideo())
	assert.True(t, metadata.HasAudio())
	assert.Nil(t, metadata.Width)
	assert.Nil(t, metadata.Bitrate, "malformed bit_rate must be dropped, not fail the probe")
	require.NotNil(t, metadata.SampleRate)
	assert.Equal(t, 44100, *metadata.SampleRate)
}

func Test_ParseProbeOutput_GarbageInputFails(t *testing.T) {
	t.Parallel()

	_, err := parseProbeOutput([]byte("this is not JSON"))
	assert.ErrorIs(t, err, ErrProbeFailed)
}

func Test_ParseProbeOutput_FieldsOmitsAbsentFacts(t *testing.T) {
	t.Parallel()

	metadata, err := parseProbeOutput([]byte(imageProbeJSON))
	require.NoError(t, err)

	fields := metadata.Fields()
	assert.Contains(t, fields, "width")
	assert.Contains(t, fields, "height")
	assert.Contains(t, fields, "videoCodec")
	assert.NotContains(t, fields, "duration")
	assert.NotContains(t, fields, "audioCodec")
	assert.NotContains(t, fields, "sampleRate")
}

func Test_ExtractMetadata_MissingFile(t *testing.T) {
	t.Parallel()
	toolkit := NewToolkit(Config{})

	_, err := toolkit.ExtractMetadata(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func Test_ExtractMetadata_ProbeBinaryUnavailable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "present.mp4")
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o644))

	toolkit := NewToolkit(Config{FfprobeBinPath: filepath.Join(t.TempDir(), "no-such-ffprobe")})
	_, err := toolkit.ExtractMetadata(context.Background(), path)
	assert.ErrorIs(t, err, ErrProbeUnavailable)
}
