package internal

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

// DarkroomConfig is the struct used to contain the various user config
// supplied by file, with environment variables taking precedence.
type DarkroomConfig struct {
	ProjectID   string `yaml:"project_id" env:"DARKROOM_PROJECT_ID" validate:"required"`
	AssetBucket string `yaml:"asset_bucket" env:"DARKROOM_ASSET_BUCKET" validate:"required"`

	// SignedURLTTLSeconds bounds the lifetime of read URLs handed out by
	// the blob gateway.
	SignedURLTTLSeconds int `yaml:"signed_url_ttl_seconds" env:"DARKROOM_SIGNED_URL_TTL" env-default:"3600" validate:"gt=0"`

	// WorkerConcurrency is the number of parallel task slots this process
	// runs against the broker.
	WorkerConcurrency int `yaml:"worker_concurrency" env:"DARKROOM_WORKER_CONCURRENCY" env-default:"4" validate:"min=1,max=32"`

	RedisURL string `yaml:"redis_url" env:"DARKROOM_REDIS_URL" env-default:"redis://localhost:6379/0" validate:"required"`

	// PipelineEventTopic is the pub/sub topic completion events publish
	// to. Empty disables the publisher.
	PipelineEventTopic string `yaml:"pipeline_event_topic" env:"DARKROOM_PIPELINE_EVENT_TOPIC"`

	Transcode     TranscodeConfig     `yaml:"transcode"`
	Gemini        GeminiConfig        `yaml:"gemini"`
	Speech        SpeechConfig        `yaml:"speech"`
	Conversion    ConversionConfig    `yaml:"conversion"`
	FaceDetection FaceDetectionConfig `yaml:"face_detection"`
	Ffmpeg        FfmpegConfig        `yaml:"ffmpeg"`

	LogLevel int `yaml:"log_level" env:"DARKROOM_LOG_LEVEL" env-default:"1" validate:"min=0,max=9"`
}

// TranscodeConfig tunes the cloud transcode coordinator. A zero target
// height falls back to the coordinator default.
type TranscodeConfig struct {
	TargetHeight int    `yaml:"target_height" env:"DARKROOM_TRANSCODE_TARGET_HEIGHT" env-default:"0" validate:"min=0"`
	Location     string `yaml:"location" env:"DARKROOM_TRANSCODE_LOCATION" env-default:"us-central1"`
}

// GeminiConfig feeds the key rotator and the analysis client. Keys is a
// comma-separated pool; Models is the fallback priority list.
type GeminiConfig struct {
	APIKeys string   `yaml:"api_keys" env:"GEMINI_API_KEYS"`
	Models  []string `yaml:"models" env:"GEMINI_MODELS" env-default:"gemini-2.5-flash,gemini-2.0-flash"`
}

// SpeechConfig tunes the transcription coordinator.
type SpeechConfig struct {
	LanguageCodes []string `yaml:"language_codes" env:"DARKROOM_SPEECH_LANGUAGES" env-default:"en-US"`
	Model         string   `yaml:"model" env:"DARKROOM_SPEECH_MODEL" env-default:"latest_long"`
}

// ConversionConfig points at the remote image-conversion service. Empty
// endpoint leaves the image-convert step unable to create remote jobs.
type ConversionConfig struct {
	Endpoint string `yaml:"endpoint" env:"DARKROOM_CONVERSION_ENDPOINT"`
}

// FaceDetectionConfig bounds the face-detection step.
type FaceDetectionConfig struct {
	// MaxDurationSeconds skips face detection on longer clips. Zero
	// disables the bound.
	MaxDurationSeconds float64 `yaml:"max_duration_seconds" env:"DARKROOM_FACE_MAX_DURATION" env-default:"300" validate:"min=0"`
}

// FfmpegConfig allows overriding the local tool binaries; empty values
// resolve from PATH.
type FfmpegConfig struct {
	FfmpegBinPath  string `yaml:"ffmpeg_binary" env:"DARKROOM_FFMPEG_BINARY_PATH"`
	FfprobeBinPath string `yaml:"ffprobe_binary" env:"DARKROOM_FFPROBE_BINARY_PATH"`
}

// LoadFromFile reads the YAML configuration file at the path provided,
// layering environment variables on top.
func (config *DarkroomConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration file %s: %w", configPath, err)
	}

	return config.validate()
}

// LoadFromEnv populates the configuration purely from the environment,
// for deployments that carry no config file.
func (config *DarkroomConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	return config.validate()
}

func (config *DarkroomConfig) validate() error {
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}
