package asset

import (
	"context"
	"fmt"
	"time"

	"github.com/lightfold/darkroom/internal/database"
)

// Store persists asset records beneath their owning user and project in
// the document store. All writes stamp updatedAt so record freshness can
// be compared lexicographically.
type Store struct {
	db database.Manager
}

func NewStore(db database.Manager) *Store {
	return &Store{db: db}
}

// Save writes the full asset record, replacing any existing document. The
// uploadedAt/updatedAt stamps are populated if the caller left them empty.
func (store *Store) Save(ctx context.Context, userID string, projectID string, a *Asset) error {
	now := Timestamp()
	if a.UploadedAt == "" {
		a.UploadedAt = now
	}
	a.UpdatedAt = now

	if err := store.db.Set(ctx, database.AssetPath(userID, projectID, a.ID), a); err != nil {
		return fmt.Errorf("failed to save asset %s: %w", a.ID, err)
	}

	return nil
}

// Get reads a single asset record, returning database.ErrNotFound when no
// such asset exists.
func (store *Store) Get(ctx context.Context, userID string, projectID string, assetID string) (*Asset, error) {
	var a Asset
	if err := store.db.Get(ctx, database.AssetPath(userID, projectID, assetID), &a); err != nil {
		return nil, err
	}

	return &a, nil
}

// List returns all assets belonging to the given project.
func (store *Store) List(ctx context.Context, userID string, projectID string) ([]*Asset, error) {
	docs, err := store.db.List(ctx, database.AssetsCollection(userID, projectID))
	if err != nil {
		return nil, err
	}

	assets := make([]*Asset, 0, len(docs))
	for _, doc := range docs {
		var a Asset
		if err := doc.DataTo(&a); err != nil {
			return nil, fmt.Errorf("failed to decode asset %s: %w", doc.ID, err)
		}

		assets = append(assets, &a)
	}

	return assets, nil
}

// Update merges the provided fields into an existing asset record and
// returns the record as it stands after the merge. updatedAt is stamped
// automatically.
func (store *Store) Update(ctx context.Context, userID string, projectID string, assetID string, fields map[string]any) (*Asset, error) {
	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["updatedAt"] = Timestamp()

	path := database.AssetPath(userID, projectID, assetID)
	if err := store.db.Merge(ctx, path, merged); err != nil {
		return nil, fmt.Errorf("failed to update asset %s: %w", assetID, err)
	}

	var a Asset
	if err := store.db.Get(ctx, path, &a); err != nil {
		return nil, err
	}

	return &a, nil
}

// Delete removes the asset record. Deleting an absent asset is not an
// error.
func (store *Store) Delete(ctx context.Context, userID string, projectID string, assetID string) error {
	return store.db.Delete(ctx, database.AssetPath(userID, projectID, assetID))
}

// Timestamp returns the current UTC time formatted the way every record
// in the document store stores it (ISO-8601 with a trailing Z).
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
