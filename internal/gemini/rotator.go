// Package gemini wraps the Gemini API behind a client that uploads media
// files, runs content analysis against a prioritised list of models, and
// rotates between a pool of API keys whenever one runs out of quota.
package gemini

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/lightfold/darkroom/pkg/logger"
	"google.golang.org/genai"
)

var log = logger.Get("Gemini")

// ErrNoAPIKeys is returned when a key is requested but none were
// configured. Running with zero keys is legal until that point.
var ErrNoAPIKeys = errors.New("no Gemini API keys configured")

// KeyRotator hands out API keys round-robin. One instance is constructed
// at startup and shared by everything that talks to Gemini, so a key
// exhausted by one caller is skipped by the next. Init applies only once;
// later calls are ignored.
type KeyRotator struct {
	mu          sync.Mutex
	keys        []string
	index       int
	initialized bool
}

func NewKeyRotator() *KeyRotator {
	return &KeyRotator{}
}

// Init installs the key pool. Each argument may itself be a
// comma-separated list; blank entries are dropped. Calling Init on an
// already-initialized rotator is a no-op so racing startup paths cannot
// clobber the pool.
func (rotator *KeyRotator) Init(keys ...string) {
	rotator.mu.Lock()
	defer rotator.mu.Unlock()

	if rotator.initialized {
		log.Emit(logger.DEBUG, "Ignoring repeated key rotator initialisation\n")
		return
	}
	rotator.initialized = true

	for _, raw := range keys {
		for _, key := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(key); trimmed != "" {
				rotator.keys = append(rotator.keys, trimmed)
			}
		}
	}

	log.Emit(logger.NEW, "Key rotator initialised with %d key(s)\n", len(rotator.keys))
}

// Current returns the active key without advancing the rotation.
func (rotator *KeyRotator) Current() (string, error) {
	rotator.mu.Lock()
	defer rotator.mu.Unlock()

	if len(rotator.keys) == 0 {
		return "", ErrNoAPIKeys
	}

	return rotator.keys[rotator.index], nil
}

// Rotate advances to the next key in the pool and returns it. The
// rotation wraps; the rotator never resets to the first key on its own.
func (rotator *KeyRotator) Rotate() (string, error) {
	rotator.mu.Lock()
	defer rotator.mu.Unlock()

	if len(rotator.keys) == 0 {
		return "", ErrNoAPIKeys
	}

	rotator.index = (rotator.index + 1) % len(rotator.keys)
	log.Emit(logger.INFO, "Rotated to Gemini API key %d/%d\n", rotator.index+1, len(rotator.keys))
	return rotator.keys[rotator.index], nil
}

// Count returns the number of keys in the pool.
func (rotator *KeyRotator) Count() int {
	rotator.mu.Lock()
	defer rotator.mu.Unlock()
	return len(rotator.keys)
}

// IsQuotaExhausted reports whether the error looks like a Gemini quota
// or rate-limit rejection. Typed API errors are classified on their
// status code; everything else falls back to string matching, since the
// SDK surfaces these failures through several wrappers but all of them
// mention the 429 code, the RESOURCE_EXHAUSTED status or the word quota.
func IsQuotaExhausted(err error) bool {
	if err == nil {
		return false
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED"
	}

	message := err.Error()
	return strings.Contains(message, "429") ||
		strings.Contains(message, "RESOURCE_EXHAUSTED") ||
		strings.Contains(strings.ToLower(message), "quota")
}
