package asset

import (
	"path/filepath"
	"strings"
)

type (
	// Type is the coarse category assigned to an asset at upload time. It
	// gates which pipeline steps are eligible to run against the asset.
	Type string

	// Asset is the document-store record for one uploaded media file. The
	// media facts (dimensions, duration, codecs) are pointers as they are
	// unknown until the metadata probe has run.
	Asset struct {
		ID       string `json:"id" firestore:"id"`
		Name     string `json:"name" firestore:"name"`
		FileName string `json:"fileName" firestore:"fileName"`
		MimeType string `json:"mimeType" firestore:"mimeType"`
		Size     int64  `json:"size" firestore:"size"`
		Type     Type   `json:"type" firestore:"type"`

		GCSUri     string `json:"gcsUri,omitempty" firestore:"gcsUri,omitempty"`
		Bucket     string `json:"bucket,omitempty" firestore:"bucket,omitempty"`
		ObjectName string `json:"objectName,omitempty" firestore:"objectName,omitempty"`
		SignedURL  string `json:"signedUrl,omitempty" firestore:"signedUrl,omitempty"`

		Width      *int     `json:"width,omitempty" firestore:"width,omitempty"`
		Height     *int     `json:"height,omitempty" firestore:"height,omitempty"`
		Duration   *float64 `json:"duration,omitempty" firestore:"duration,omitempty"`
		VideoCodec string   `json:"videoCodec,omitempty" firestore:"videoCodec,omitempty"`
		AudioCodec string   `json:"audioCodec,omitempty" firestore:"audioCodec,omitempty"`
		SampleRate *int     `json:"sampleRate,omitempty" firestore:"sampleRate,omitempty"`
		Channels   *int     `json:"channels,omitempty" firestore:"channels,omitempty"`
		Bitrate    *int64   `json:"bitrate,omitempty" firestore:"bitrate,omitempty"`

		// Transcode shadow fields. When a transcode job repoints this record
		// at its output, the original* fields preserve the source object so
		// it remains reachable.
		Transcoded         bool   `json:"transcoded,omitempty" firestore:"transcoded,omitempty"`
		TranscodeStatus    string `json:"transcodeStatus,omitempty" firestore:"transcodeStatus,omitempty"`
		TranscodeError     string `json:"transcodeError,omitempty" firestore:"transcodeError,omitempty"`
		TranscodedAt       string `json:"transcodedAt,omitempty" firestore:"transcodedAt,omitempty"`
		OriginalGCSUri     string `json:"originalGcsUri,omitempty" firestore:"originalGcsUri,omitempty"`
		OriginalObjectName string `json:"originalObjectName,omitempty" firestore:"originalObjectName,omitempty"`
		OriginalSignedURL  string `json:"originalSignedUrl,omitempty" firestore:"originalSignedUrl,omitempty"`
		OriginalMimeType   string `json:"originalMimeType,omitempty" firestore:"originalMimeType,omitempty"`

		Converted   bool   `json:"converted,omitempty" firestore:"converted,omitempty"`
		ConvertedAt string `json:"convertedAt,omitempty" firestore:"convertedAt,omitempty"`

		Source     string `json:"source,omitempty" firestore:"source,omitempty"`
		UploadedAt string `json:"uploadedAt,omitempty" firestore:"uploadedAt,omitempty"`
		UpdatedAt  string `json:"updatedAt,omitempty" firestore:"updatedAt,omitempty"`
	}
)

const (
	TypeVideo Type = "video"
	TypeAudio Type = "audio"
	TypeImage Type = "image"
	TypeOther Type = "other"
)

// Extension fallback tables, consulted only when the MIME type is missing
// or too generic to classify on (e.g. application/octet-stream).
var (
	videoExtensions = map[string]struct{}{
		".mp4": {}, ".mov": {}, ".avi": {}, ".mkv": {}, ".webm": {},
		".m4v": {}, ".mpg": {}, ".mpeg": {}, ".wmv": {}, ".flv": {}, ".ts": {},
	}
	audioExtensions = map[string]struct{}{
		".mp3": {}, ".wav": {}, ".flac": {}, ".m4a": {}, ".aac": {},
		".ogg": {}, ".oga": {}, ".opus": {}, ".wma": {}, ".aiff": {}, ".aif": {},
	}
	imageExtensions = map[string]struct{}{
		".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
		".bmp": {}, ".heic": {}, ".heif": {}, ".tiff": {}, ".tif": {}, ".svg": {},
	}
)

// ClassifyType derives the asset category from the declared MIME type,
// falling back to the file extension when the MIME type is absent or
// carries no useful media prefix. Unrecognised inputs classify as
// TypeOther rather than failing.
func ClassifyType(mimeType string, fileName string) Type {
	mime := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mime, "video/"):
		return TypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return TypeAudio
	case strings.HasPrefix(mime, "image/"):
		return TypeImage
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if _, ok := videoExtensions[ext]; ok {
		return TypeVideo
	}
	if _, ok := audioExtensions[ext]; ok {
		return TypeAudio
	}
	if _, ok := imageExtensions[ext]; ok {
		return TypeImage
	}

	return TypeOther
}

// Classify returns the asset's persisted type, deriving it from the MIME
// type and file name when the record carries none.
func (a *Asset) Classify() Type {
	if a.Type != "" {
		return a.Type
	}

	return ClassifyType(a.MimeType, a.FileName)
}

// HasAudioStream reports whether the probed facts indicate an audio
// stream is present.
func (a *Asset) HasAudioStream() bool {
	return a.AudioCodec != ""
}

// DisplayName returns the user-facing name of the asset, falling back to
// the uploaded file name when no explicit name was provided.
func (a *Asset) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}

	return a.FileName
}
