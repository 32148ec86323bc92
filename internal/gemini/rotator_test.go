package gemini

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func Test_KeyRotator_InitSplitsAndDropsBlanks(t *testing.T) {
	t.Parallel()

	rotator := NewKeyRotator()
	rotator.Init("key-a, key-b", "", "  ", "key-c")

	assert.Equal(t, 3, rotator.Count())
	current, err := rotator.Current()
	require.NoError(t, err)
	assert.Equal(t, "key-a", current)
}

func Test_KeyRotator_InitIsIdempotent(t *testing.T) {
	t.Parallel()

	rotator := NewKeyRotator()
	rotator.Init("key-a")
	rotator.Init("key-b,key-c")

	assert.Equal(t, 1, rotator.Count(), "second Init must be ignored")
	current, err := rotator.Current()
	require.NoError(t, err)
	assert.Equal(t, "key-a", current)
}

func Test_KeyRotator_RotateWrapsAround(t *testing.T) {
	t.Parallel()

	rotator := NewKeyRotator()
	rotator.Init("key-a,key-b,key-c")

	expected := []string{"key-b", "key-c", "key-a", "key-b"}
	for i, want := range expected {
		got, err := rotator.Rotate()
		require.NoError(t, err)
		assert.Equal(t, want, got, "rotation %d", i+1)
	}
}

func Test_KeyRotator_EmptyPool(t *testing.T) {
	t.Parallel()

	rotator := NewKeyRotator()
	rotator.Init("", "   ")

	assert.Equal(t, 0, rotator.Count())
	_, err := rotator.Current()
	assert.ErrorIs(t, err, ErrNoAPIKeys)
	_, err = rotator.Rotate()
	assert.ErrorIs(t, err, ErrNoAPIKeys)
}

func Test_IsQuotaExhausted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		summary  string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"typed 429", genai.APIError{Code: 429, Message: "rate limited"}, true},
		{"typed resource exhausted", genai.APIError{Code: 400, Status: "RESOURCE_EXHAUSTED"}, true},
		{"wrapped typed 429", fmt.Errorf("analysis failed: %w", genai.APIError{Code: 429}), true},
		{"typed server error mentioning quota", genai.APIError{Code: 500, Message: "quota bookkeeping unavailable"}, false},
		{"http 429 in message", errors.New("googleapi: Error 429: rate limited"), true},
		{"grpc resource exhausted", errors.New("rpc error: code = ResourceExhausted desc = RESOURCE_EXHAUSTED"), true},
		{"quota mention", errors.New("Quota exceeded for quota metric 'Generate requests'"), true},
		{"wrapped quota error", fmt.Errorf("analysis failed: %w", errors.New("quota exceeded")), true},
		{"server error", errors.New("googleapi: Error 500: internal"), false},
		{"unavailable", errors.New("rpc error: code = Unavailable desc = try again"), false},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.expected, IsQuotaExhausted(test.err))
		})
	}
}
