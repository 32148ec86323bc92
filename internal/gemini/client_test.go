package gemini

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	generateAttempt struct {
		key   string
		model string
	}

	// fakeGemini records every attempt made through it and answers
	// generation according to the injected respond func.
	fakeGemini struct {
		mu       sync.Mutex
		attempts []generateAttempt
		deleted  []string
		state    FileActivation
		stateErr error
		respond  func(key string, model string) (string, error)
	}

	fakeConn struct {
		parent *fakeGemini
		key    string
	}
)

func newFakeGemini(respond func(key string, model string) (string, error)) *fakeGemini {
	return &fakeGemini{state: FileActive, respond: respond}
}

func (fake *fakeGemini) connect(_ context.Context, apiKey string) (backend, error) {
	return &fakeConn{parent: fake, key: apiKey}, nil
}

func (conn *fakeConn) UploadFile(_ context.Context, path string, mimeType string) (*FileRef, error) {
	return &FileRef{Name: "files/fake", URI: "https://files.example.com/fake", MIMEType: mimeType, State: conn.parent.state}, nil
}

func (conn *fakeConn) FileState(_ context.Context, _ string) (FileActivation, error) {
	if conn.parent.stateErr != nil {
		return FileFailed, conn.parent.stateErr
	}

	return conn.parent.state, nil
}

func (conn *fakeConn) DeleteFile(_ context.Context, name string) error {
	conn.parent.mu.Lock()
	defer conn.parent.mu.Unlock()
	conn.parent.deleted = append(conn.parent.deleted, name)
	return nil
}

func (conn *fakeConn) GenerateText(_ context.Context, model string, _ *FileRef, _ string, _ string) (string, error) {
	conn.parent.mu.Lock()
	conn.parent.attempts = append(conn.parent.attempts, generateAttempt{key: conn.key, model: model})
	conn.parent.mu.Unlock()

	return conn.parent.respond(conn.key, model)
}

func newTestClient(fake *fakeGemini, rotator *KeyRotator, models []string) *Client {
	client := NewClient(rotator, Config{
		Models:            models,
		ActivationTimeout: 50 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	})
	client.connect = fake.connect
	return client
}

func Test_Analyze_QuotaErrorRotatesToNextKey(t *testing.T) {
	t.Parallel()

	rotator := NewKeyRotator()
	rotator.Init("key-a,key-b")
	fake := newFakeGemini(func(key string, _ string) (string, error) {
		if key == "key-a" {
			return "", errors.New("googleapi: Error 429: quota exceeded")
		}
		return `{"summary": "a drone shot of a coastline"}`, nil
	})

	client := newTestClient(fake, rotator, []string{"model-primary"})
	analysis, err := client.Analyze(context.Background(), AnalyzeRequest{LocalPath: "/tmp/a.mp4", MimeType: "video/mp4", Category: asset.TypeVideo})
	require.NoError(t, err)

	assert.Equal(t, "model-primary", analysis.Model)
	require.NotNil(t, analysis.Structured)
	assert.Equal(t, "a drone shot of a coastline", analysis.Structured["summary"])

	require.Len(t, fake.attempts, 2)
	assert.Equal(t, "key-a", fake.attempts[0].key)
	assert.Equal(t, "key-b", fake.attempts[1].key)

	// The rotation must persist; the pool never resets to the first key.
	current, err := rotator.Current()
	require.NoError(t, err)
	assert.Equal(t, "key-b", current)
}

func Test_Analyze_ExhaustsEveryKeyOnEveryModel(t *testing.T) {
	t.Parallel()

	rotator := NewKeyRotator()
	rotator.Init("key-a,key-b")
	fake := newFakeGemini(func(string, string) (string, error) {
		return "", errors.New("rpc error: code = ResourceExhausted desc = RESOURCE_EXHAUSTED")
	})

	client := newTestClient(fake, rotator, []string{"model-primary", "model-fallback"})
	_, err := client.Analyze(context.Background(), AnalyzeRequest{LocalPath: "/tmp/a.jpg", MimeType: "image/jpeg", Category: asset.TypeImage})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")

	require.Len(t, fake.attempts, 4, "two keys across two models")
	assert.Equal(t, "model-primary", fake.attempts[0].model)
	assert.Equal(t, "model-primary", fake.attempts[1].model)
	assert.Equal(t, "model-fallback", fake.attempts[2].model)
	assert.Equal(t, "model-fallback", fake.attempts[3].model)

	assert.Len(t, fake.deleted, 4, "every uploaded file must be cleaned up")
}

func Test_Analyze_NonQuotaErrorAbortsImmediately(t *testing.T) {
	t.Parallel()

	rotator := NewKeyRotator()
	rotator.Init("key-a,key-b")
	fake := newFakeGemini(func(string, string) (string, error) {
		return "", errors.New("googleapi: Error 400: invalid argument")
	})

	client := newTestClient(fake, rotator, []string{"model-primary", "model-fallback"})
	_, err := client.Analyze(context.Background(), AnalyzeRequest{LocalPath: "/tmp/a.mp3", MimeType: "audio/mpeg", Category: asset.TypeAudio})
	require.Error(t, err)

	assert.Len(t, fake.attempts, 1, "non-quota failures must not trigger rotation")
	current, rotErr := rotator.Current()
	require.NoError(t, rotErr)
	assert.Equal(t, "key-a", current)
}

func Test_Analyze_FileNeverActivates(t *testing.T) {
	t.Parallel()

	rotator := NewKeyRotator()
	rotator.Init("key-a")
	fake := newFakeGemini(func(string, string) (string, error) {
		return "unused", nil
	})
	fake.state = FileProcessing

	client := newTestClient(fake, rotator, []string{"model-primary"})
	_, err := client.Analyze(context.Background(), AnalyzeRequest{LocalPath: "/tmp/a.mov", MimeType: "video/quicktime", Category: asset.TypeVideo})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become active")
	assert.Empty(t, fake.attempts, "generation must not run for an inactive file")
}

func Test_Analyze_NoKeysConfigured(t *testing.T) {
	t.Parallel()

	rotator := NewKeyRotator()
	rotator.Init()
	fake := newFakeGemini(func(string, string) (string, error) { return "unused", nil })

	client := newTestClient(fake, rotator, nil)
	_, err := client.Analyze(context.Background(), AnalyzeRequest{LocalPath: "/tmp/a.png", MimeType: "image/png", Category: asset.TypeImage})
	assert.ErrorIs(t, err, ErrNoAPIKeys)
}

func Test_NewAnalysis_ParsesFencedJSON(t *testing.T) {
	t.Parallel()

	analysis := newAnalysis("```json\n{\"summary\": \"two people talking\", \"tags\": [\"interview\"]}\n```", "model-primary")
	require.NotNil(t, analysis.Structured)
	assert.Equal(t, "two people talking", analysis.Structured["summary"])

	plain := newAnalysis("not a JSON response at all", "model-primary")
	assert.Nil(t, plain.Structured)
	assert.Equal(t, "not a JSON response at all", plain.Text)
}
