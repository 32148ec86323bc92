// Package pipeline owns the per-asset processing pipeline: the registry
// of step definitions, the persisted per-asset state document, and the
// engine that runs steps against an asset while keeping that document
// honest.
package pipeline

import (
	"context"
	"fmt"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/event"
	"github.com/lightfold/darkroom/pkg/logger"
)

var log = logger.Get("Pipeline")

type (
	// StepStatus is the persisted lifecycle state of one pipeline step.
	StepStatus string

	// StepState is one entry in the per-asset pipeline state document.
	StepState struct {
		ID        string         `json:"id" firestore:"id"`
		Label     string         `json:"label" firestore:"label"`
		Status    StepStatus     `json:"status" firestore:"status"`
		Metadata  map[string]any `json:"metadata,omitempty" firestore:"metadata,omitempty"`
		Error     string         `json:"error,omitempty" firestore:"error,omitempty"`
		StartedAt string         `json:"startedAt,omitempty" firestore:"startedAt,omitempty"`
		UpdatedAt string         `json:"updatedAt,omitempty" firestore:"updatedAt,omitempty"`
	}

	// State is the whole pipeline state document for one asset. Steps
	// are held in registry order.
	State struct {
		AssetID   string      `json:"assetId" firestore:"assetId"`
		Steps     []StepState `json:"steps" firestore:"steps"`
		UpdatedAt string      `json:"updatedAt" firestore:"updatedAt"`
	}

	// Runner executes one step against one asset. Returning an error is
	// reserved for unexpected blowups; expected failures are reported via
	// a failed Result so the engine can persist the reason verbatim.
	Runner func(ctx context.Context, pc *Context) (*Result, error)

	// StepDefinition declares a step to the registry. A nil
	// SupportedTypes means the step applies to every asset type.
	StepDefinition struct {
		ID             string
		Label          string
		Description    string
		AutoStart      bool
		SupportedTypes []asset.Type
		Runner         Runner
	}

	// Context carries everything a runner may need about the asset under
	// processing. Step is the runner's own entry as persisted before the
	// run (including metadata from previous attempts); State is the full
	// document snapshot for reading upstream step outputs.
	Context struct {
		UserID    string
		ProjectID string
		Asset     *asset.Asset
		AssetType asset.Type
		LocalPath string
		Step      StepState
		State     *State
		Params    map[string]any
	}

	// Result is a runner's verdict. Status must be one of succeeded,
	// failed or waiting; Err carries the reason for a failure.
	Result struct {
		Status   StepStatus
		Metadata map[string]any
		Err      string
	}
)

const (
	StatusIdle      StepStatus = "idle"
	StatusRunning   StepStatus = "running"
	StatusWaiting   StepStatus = "waiting"
	StatusSucceeded StepStatus = "succeeded"
	StatusFailed    StepStatus = "failed"
)

// Terminal reports whether the status is a final outcome.
func (status StepStatus) Terminal() bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Supports reports whether the step applies to the given asset type.
func (def *StepDefinition) Supports(assetType asset.Type) bool {
	if len(def.SupportedTypes) == 0 {
		return true
	}

	for _, supported := range def.SupportedTypes {
		if supported == assetType {
			return true
		}
	}

	return false
}

// Step returns the entry with the given id, or nil when the document
// holds no such step.
func (state *State) Step(id string) *StepState {
	for i := range state.Steps {
		if state.Steps[i].ID == id {
			return &state.Steps[i]
		}
	}

	return nil
}

// MetadataOf returns the metadata another step emitted, or nil when that
// step is absent or has produced nothing. Runners use this to read their
// upstream dependencies.
func (state *State) MetadataOf(stepID string) map[string]any {
	if step := state.Step(stepID); step != nil {
		return step.Metadata
	}

	return nil
}

// Failed reports whether any step in the document has failed.
func (state *State) Failed() bool {
	for i := range state.Steps {
		if state.Steps[i].Status == StatusFailed {
			return true
		}
	}

	return false
}

// Summaries digests the document into the terse per-step form carried on
// completion events. Steps that never left idle are omitted.
func (state *State) Summaries() []event.StepSummary {
	summaries := make([]event.StepSummary, 0, len(state.Steps))
	for i := range state.Steps {
		step := &state.Steps[i]
		if step.Status == StatusIdle {
			continue
		}

		summaries = append(summaries, event.StepSummary{
			ID:     step.ID,
			Label:  step.Label,
			Status: string(step.Status),
			Error:  step.Error,
		})
	}

	return summaries
}

// UpstreamMetadata is a convenience over the full state snapshot carried
// by the context.
func (pc *Context) UpstreamMetadata(stepID string) map[string]any {
	if pc.State == nil {
		return nil
	}

	return pc.State.MetadataOf(stepID)
}

// StringParam extracts a string-valued parameter from the task params.
func (pc *Context) StringParam(key string) (string, bool) {
	raw, ok := pc.Params[key]
	if !ok {
		return "", false
	}

	value, ok := raw.(string)
	return value, ok
}

// Succeeded builds a successful result carrying the emitted metadata.
func Succeeded(metadata map[string]any) *Result {
	return &Result{Status: StatusSucceeded, Metadata: metadata}
}

// Waiting builds a result indicating the step is blocked on an external
// job and should be re-entered later. Metadata (e.g. the remote job
// name) is persisted so the re-entry can resume.
func Waiting(metadata map[string]any) *Result {
	return &Result{Status: StatusWaiting, Metadata: metadata}
}

// Failedf builds a failed result with a formatted reason.
func Failedf(format string, args ...any) *Result {
	return &Result{Status: StatusFailed, Err: fmt.Sprintf(format, args...)}
}
