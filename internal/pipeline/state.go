package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightfold/darkroom/internal/database"
)

// StateStore persists per-asset pipeline state documents. There is no
// in-process locking; concurrent writers are last-writer-wins, which is
// acceptable because a single worker owns an asset's pipeline run.
type StateStore struct {
	db       database.Manager
	registry *Registry
}

func NewStateStore(db database.Manager, registry *Registry) *StateStore {
	return &StateStore{db: db, registry: registry}
}

// Get returns the pipeline state for an asset. When no document exists
// yet a default document (every registered step idle) is synthesised,
// persisted, and returned. When a document does exist its entries are
// reconciled against the registry: steps the registry no longer knows
// are dropped, steps it has since gained appear as idle. The
// reconciled view is not written back; the next UpdateStep persists it.
func (store *StateStore) Get(ctx context.Context, userID string, projectID string, assetID string) (*State, error) {
	path := database.PipelineStatePath(userID, projectID, assetID)

	persisted := &State{}
	if err := store.db.Get(ctx, path, persisted); err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("failed to read pipeline state for asset %s: %w", assetID, err)
		}

		state := store.defaultState(assetID)
		if err := store.db.Set(ctx, path, state); err != nil {
			return nil, fmt.Errorf("failed to persist default pipeline state for asset %s: %w", assetID, err)
		}

		return state, nil
	}

	return store.reconcile(assetID, persisted), nil
}

// UpdateStep replaces (or appends) one step entry inside the asset's
// state document and writes the document back whole.
func (store *StateStore) UpdateStep(ctx context.Context, userID string, projectID string, assetID string, step StepState) (*State, error) {
	state, err := store.Get(ctx, userID, projectID, assetID)
	if err != nil {
		return nil, err
	}

	replaced := false
	for i := range state.Steps {
		if state.Steps[i].ID == step.ID {
			state.Steps[i] = step
			replaced = true
			break
		}
	}
	if !replaced {
		state.Steps = append(state.Steps, step)
	}

	state.UpdatedAt = timestamp()

	path := database.PipelineStatePath(userID, projectID, assetID)
	if err := store.db.Set(ctx, path, state); err != nil {
		return nil, fmt.Errorf("failed to persist pipeline state for asset %s: %w", assetID, err)
	}

	return state, nil
}

// ListStatesForProject returns the pipeline state of every asset in the
// project, keyed by asset ID. Assets without a state document get the
// synthesised default.
func (store *StateStore) ListStatesForProject(ctx context.Context, userID string, projectID string) (map[string]*State, error) {
	docs, err := store.db.List(ctx, database.AssetsCollection(userID, projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to list assets for project %s: %w", projectID, err)
	}

	states := make(map[string]*State, len(docs))
	for _, doc := range docs {
		state, err := store.Get(ctx, userID, projectID, doc.ID)
		if err != nil {
			return nil, err
		}

		states[doc.ID] = state
	}

	return states, nil
}

func (store *StateStore) defaultState(assetID string) *State {
	defs := store.registry.Steps()
	steps := make([]StepState, 0, len(defs))
	for _, def := range defs {
		steps = append(steps, StepState{ID: def.ID, Label: def.Label, Status: StatusIdle})
	}

	return &State{AssetID: assetID, Steps: steps, UpdatedAt: timestamp()}
}

// reconcile aligns a persisted document with the current registry,
// keeping persisted entries for known steps in registry order.
func (store *StateStore) reconcile(assetID string, persisted *State) *State {
	known := make(map[string]StepState, len(persisted.Steps))
	for _, step := range persisted.Steps {
		known[step.ID] = step
	}

	defs := store.registry.Steps()
	steps := make([]StepState, 0, len(defs))
	for _, def := range defs {
		if step, ok := known[def.ID]; ok {
			steps = append(steps, step)
			continue
		}

		steps = append(steps, StepState{ID: def.ID, Label: def.Label, Status: StatusIdle})
	}

	state := &State{AssetID: persisted.AssetID, Steps: steps, UpdatedAt: persisted.UpdatedAt}
	if state.AssetID == "" {
		state.AssetID = assetID
	}

	return state
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
