package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/pkg/logger"
	"google.golang.org/genai"
)

// DefaultModels is the model priority list used when none is configured.
// Models earlier in the list are preferred; later entries are fallbacks
// once every key has run out of quota on the preferred one.
var DefaultModels = []string{"gemini-2.5-flash", "gemini-2.0-flash"}

const (
	defaultActivationTimeout = 2 * time.Minute
	defaultPollInterval      = 2 * time.Second
)

type (
	// FileActivation is the lifecycle state of an uploaded file on the
	// Gemini files service.
	FileActivation int

	// FileRef identifies an uploaded file and its activation state.
	FileRef struct {
		Name     string
		URI      string
		MIMEType string
		State    FileActivation
	}

	// backend is one authenticated connection to the Gemini API. A fresh
	// backend is constructed per attempt because the API key is fixed at
	// connection time.
	backend interface {
		UploadFile(ctx context.Context, path string, mimeType string) (*FileRef, error)
		FileState(ctx context.Context, name string) (FileActivation, error)
		DeleteFile(ctx context.Context, name string) error
		GenerateText(ctx context.Context, model string, file *FileRef, systemPrompt string, userPrompt string) (string, error)
	}

	connectFunc func(ctx context.Context, apiKey string) (backend, error)

	// Config tunes the analysis client. Zero values select the package
	// defaults.
	Config struct {
		Models            []string
		ActivationTimeout time.Duration
		PollInterval      time.Duration
	}

	// Client runs media analysis with model fallback and key rotation.
	Client struct {
		rotator           *KeyRotator
		models            []string
		activationTimeout time.Duration
		pollInterval      time.Duration
		connect           connectFunc
	}

	// AnalyzeRequest describes one local media file to analyse. Prompt
	// overrides the category prompt when set.
	AnalyzeRequest struct {
		LocalPath string
		MimeType  string
		Category  asset.Type
		Prompt    string
	}

	// Analysis is the outcome of a successful generation. Structured
	// holds the parsed JSON document when the model honoured the prompt's
	// JSON instruction; Text always holds the raw response.
	Analysis struct {
		Text       string
		Structured map[string]any
		Model      string
	}
)

const (
	FileProcessing FileActivation = iota
	FileActive
	FileFailed
)

func NewClient(rotator *KeyRotator, config Config) *Client {
	client := &Client{
		rotator:           rotator,
		models:            config.Models,
		activationTimeout: config.ActivationTimeout,
		pollInterval:      config.PollInterval,
		connect:           connectGenai,
	}
	if len(client.models) == 0 {
		client.models = DefaultModels
	}
	if client.activationTimeout <= 0 {
		client.activationTimeout = defaultActivationTimeout
	}
	if client.pollInterval <= 0 {
		client.pollInterval = defaultPollInterval
	}

	return client
}

// Analyze uploads the file and asks Gemini to describe it. Models are
// tried in priority order; within one model every key in the pool gets a
// chance before falling to the next model. Only quota errors trigger
// rotation, anything else aborts immediately.
func (client *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	prompt := req.Prompt
	if prompt == "" {
		prompt = PromptFor(req.Category)
	}

	var lastErr error
	for _, model := range client.models {
		for attempt := 0; attempt < client.rotator.Count(); attempt++ {
			key, err := client.rotator.Current()
			if err != nil {
				return nil, err
			}

			text, err := client.analyzeOnce(ctx, key, model, req, prompt)
			if err == nil {
				log.Emit(logger.SUCCESS, "Analysis of %s complete using model %s\n", req.LocalPath, model)
				return newAnalysis(text, model), nil
			}

			if !IsQuotaExhausted(err) {
				return nil, err
			}

			lastErr = err
			log.Emit(logger.WARNING, "Quota exhausted on model %s (attempt %d/%d), rotating key\n", model, attempt+1, client.rotator.Count())
			if _, err := client.rotator.Rotate(); err != nil {
				return nil, err
			}
		}
	}

	if lastErr == nil {
		return nil, ErrNoAPIKeys
	}

	return nil, fmt.Errorf("all models and API keys exhausted: %w", lastErr)
}

// analyzeOnce performs a single upload/activate/generate cycle against
// one key and one model. The uploaded file is deleted on the way out
// regardless of the outcome.
func (client *Client) analyzeOnce(ctx context.Context, apiKey string, model string, req AnalyzeRequest, prompt string) (string, error) {
	conn, err := client.connect(ctx, apiKey)
	if err != nil {
		return "", fmt.Errorf("failed to connect to Gemini: %w", err)
	}

	file, err := conn.UploadFile(ctx, req.LocalPath, req.MimeType)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s for analysis: %w", req.LocalPath, err)
	}
	defer func() {
		if err := conn.DeleteFile(context.WithoutCancel(ctx), file.Name); err != nil {
			log.Emit(logger.WARNING, "Failed to delete uploaded file %s: %v\n", file.Name, err)
		}
	}()

	if err := client.awaitActivation(ctx, conn, file); err != nil {
		return "", err
	}

	return conn.GenerateText(ctx, model, file, SystemPrompt, prompt)
}

// awaitActivation polls the uploaded file until the service reports it
// ACTIVE. Large videos can take a while to process, but waiting beyond
// the activation timeout is treated as a failure.
func (client *Client) awaitActivation(ctx context.Context, conn backend, file *FileRef) error {
	if file.State == FileActive {
		return nil
	}

	deadline := time.NewTimer(client.activationTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(client.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("uploaded file %s did not become active within %s", file.Name, client.activationTimeout)
		case <-ticker.C:
			state, err := conn.FileState(ctx, file.Name)
			if err != nil {
				return fmt.Errorf("failed to check state of uploaded file %s: %w", file.Name, err)
			}

			switch state {
			case FileActive:
				return nil
			case FileFailed:
				return fmt.Errorf("uploaded file %s failed remote processing", file.Name)
			}
		}
	}
}

func newAnalysis(text string, model string) *Analysis {
	analysis := &Analysis{Text: text, Model: model}

	var structured map[string]any
	if err := json.Unmarshal([]byte(extractJSON(text)), &structured); err == nil {
		analysis.Structured = structured
	}

	return analysis
}

// extractJSON strips the ```json fences models often wrap their answer
// in, leaving the bare document for parsing.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(trimmed, "```json"); ok {
		trimmed = rest
	} else if rest, ok := strings.CutPrefix(trimmed, "```"); ok {
		trimmed = rest
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}

	return strings.TrimSpace(trimmed)
}

// genaiBackend is the production backend on the google.golang.org/genai
// SDK, speaking to the Gemini API with a fixed key.
type genaiBackend struct {
	client *genai.Client
}

func connectGenai(ctx context.Context, apiKey string) (backend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}

	return &genaiBackend{client: client}, nil
}

func (conn *genaiBackend) UploadFile(ctx context.Context, path string, mimeType string) (*FileRef, error) {
	file, err := conn.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: mimeType})
	if err != nil {
		return nil, err
	}

	return fileRefFrom(file), nil
}

func (conn *genaiBackend) FileState(ctx context.Context, name string) (FileActivation, error) {
	file, err := conn.client.Files.Get(ctx, name, nil)
	if err != nil {
		return FileFailed, err
	}

	return activationFrom(file.State), nil
}

func (conn *genaiBackend) DeleteFile(ctx context.Context, name string) error {
	_, err := conn.client.Files.Delete(ctx, name, nil)
	return err
}

func (conn *genaiBackend) GenerateText(ctx context.Context, model string, file *FileRef, systemPrompt string, userPrompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromURI(file.URI, file.MIMEType),
			genai.NewPartFromText(userPrompt),
		}, genai.RoleUser),
	}

	config := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	resp, err := conn.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", err
	}

	text := resp.Text()
	if text == "" {
		return "", errors.New("model returned an empty response")
	}

	return text, nil
}

func fileRefFrom(file *genai.File) *FileRef {
	return &FileRef{
		Name:     file.Name,
		URI:      file.URI,
		MIMEType: file.MIMEType,
		State:    activationFrom(file.State),
	}
}

func activationFrom(state genai.FileState) FileActivation {
	switch state {
	case genai.FileStateActive:
		return FileActive
	case genai.FileStateFailed:
		return FileFailed
	default:
		return FileProcessing
	}
}
