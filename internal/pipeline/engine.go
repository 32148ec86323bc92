package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/event"
	"github.com/lightfold/darkroom/pkg/logger"
)

// ErrStepFailed wraps a runner error after the failure has been
// persisted to the step's state. Callers distinguish it from
// infrastructure errors (state reads/writes) which carry no such
// guarantee.
var ErrStepFailed = errors.New("pipeline step failed")

type (
	// Engine runs pipeline steps against assets, persisting each status
	// transition to the state store and announcing it on the event bus.
	Engine struct {
		registry *Registry
		states   *StateStore
		eventBus event.EventDispatcher
	}

	// RunRequest identifies the asset a run operates on. LocalPath may
	// be empty for steps that work purely off cloud storage.
	RunRequest struct {
		UserID    string
		ProjectID string
		Asset     *asset.Asset
		LocalPath string
		Params    map[string]any
	}
)

func NewEngine(registry *Registry, states *StateStore, eventBus event.EventDispatcher) *Engine {
	return &Engine{registry: registry, states: states, eventBus: eventBus}
}

// RunStep executes a single step against the asset. The step's state
// entry transitions to running, then to the runner's verdict; a runner
// error (or panic) is persisted as a failure and re-raised wrapped in
// ErrStepFailed. A failed *result* is a normal return; the failure
// lives in the returned state.
func (engine *Engine) RunStep(ctx context.Context, request *RunRequest, stepID string) (*State, error) {
	def, err := engine.registry.Step(stepID)
	if err != nil {
		return nil, err
	}

	assetType := request.Asset.Classify()
	if !def.Supports(assetType) {
		return nil, fmt.Errorf("%w: step %s does not apply to %s assets", ErrUnsupportedType, def.ID, assetType)
	}

	state, err := engine.states.Get(ctx, request.UserID, request.ProjectID, request.Asset.ID)
	if err != nil {
		return nil, err
	}

	entry := engine.runningEntry(def, state)
	state, err = engine.persist(ctx, request, entry)
	if err != nil {
		return nil, err
	}

	log.Emit(logger.INFO, "Running step %s for asset %s (type %s)\n", def.ID, request.Asset.ID, assetType)
	result, runErr := engine.invokeRunner(ctx, def, request, entry, state)
	if runErr != nil {
		entry.Status = StatusFailed
		entry.Error = runErr.Error()
		entry.UpdatedAt = timestamp()
		if state, err = engine.persist(ctx, request, entry); err != nil {
			return nil, err
		}

		log.Emit(logger.ERROR, "Step %s for asset %s raised error: %v\n", def.ID, request.Asset.ID, runErr)
		return state, fmt.Errorf("step %s: %w: %v", def.ID, ErrStepFailed, runErr)
	}

	entry.Status = result.Status
	entry.Metadata = result.Metadata
	entry.Error = result.Err
	entry.UpdatedAt = timestamp()
	if state, err = engine.persist(ctx, request, entry); err != nil {
		return nil, err
	}

	if result.Status == StatusFailed {
		log.Emit(logger.WARNING, "Step %s for asset %s concluded failed: %s\n", def.ID, request.Asset.ID, result.Err)
	} else {
		log.Emit(logger.SUCCESS, "Step %s for asset %s concluded %s\n", def.ID, request.Asset.ID, result.Status)
	}

	return state, nil
}

// RunAutoSteps runs every auto-start step applicable to the asset, in
// registry order. Steps already succeeded, running or waiting are
// skipped; a step failure is persisted and the run carries on with the
// remaining steps. Only infrastructure errors abort the run.
func (engine *Engine) RunAutoSteps(ctx context.Context, request *RunRequest) (*State, error) {
	assetType := request.Asset.Classify()

	state, err := engine.states.Get(ctx, request.UserID, request.ProjectID, request.Asset.ID)
	if err != nil {
		return nil, err
	}

	for _, def := range engine.registry.Steps() {
		if !def.AutoStart || !def.Supports(assetType) {
			continue
		}

		if entry := state.Step(def.ID); entry != nil {
			if entry.Status == StatusSucceeded || entry.Status == StatusRunning || entry.Status == StatusWaiting {
				log.Emit(logger.DEBUG, "Skipping step %s for asset %s (already %s)\n", def.ID, request.Asset.ID, entry.Status)
				continue
			}
		}

		state, err = engine.RunStep(ctx, request, def.ID)
		if err != nil {
			if errors.Is(err, ErrStepFailed) {
				continue
			}

			return nil, err
		}
	}

	return state, nil
}

// runningEntry builds the step's running-state entry from its persisted
// entry, keeping metadata from previous attempts (a waiting step resumes
// off it) while clearing any stale error.
func (engine *Engine) runningEntry(def *StepDefinition, state *State) StepState {
	entry := StepState{ID: def.ID, Label: def.Label}
	if prior := state.Step(def.ID); prior != nil {
		entry.Metadata = prior.Metadata
	}

	entry.Status = StatusRunning
	entry.Error = ""
	entry.StartedAt = timestamp()
	entry.UpdatedAt = entry.StartedAt

	return entry
}

// persist writes the entry through the state store and announces the
// transition on the event bus.
func (engine *Engine) persist(ctx context.Context, request *RunRequest, entry StepState) (*State, error) {
	state, err := engine.states.UpdateStep(ctx, request.UserID, request.ProjectID, request.Asset.ID, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to persist %s transition of step %s: %w", entry.Status, entry.ID, err)
	}

	engine.eventBus.Dispatch(event.StepUpdateEvent, event.StepUpdatePayload{
		UserID:    request.UserID,
		ProjectID: request.ProjectID,
		AssetID:   request.Asset.ID,
		StepID:    entry.ID,
		Status:    string(entry.Status),
	})

	return state, nil
}

// invokeRunner calls the step's runner, converting a panic into a
// regular runner error. A nil result from a well-behaved runner is also
// treated as a runner error.
func (engine *Engine) invokeRunner(ctx context.Context, def *StepDefinition, request *RunRequest, entry StepState, state *State) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Emit(logger.ERROR, "Step %s PANICKED: %v\n%s\n", def.ID, r, debug.Stack())
			result = nil
			err = fmt.Errorf("step runner panicked: %v", r)
		}
	}()

	pc := &Context{
		UserID:    request.UserID,
		ProjectID: request.ProjectID,
		Asset:     request.Asset,
		AssetType: request.Asset.Classify(),
		LocalPath: request.LocalPath,
		Step:      entry,
		State:     state,
		Params:    request.Params,
	}

	result, err = def.Runner(ctx, pc)
	if err == nil && result == nil {
		err = errors.New("step runner returned no result")
	}

	return result, err
}
