// Package database provides the document store gateway. All Darkroom
// persistence (asset records, pipeline state, external job records) lives in
// a hierarchical document database behind the Manager interface; a hosted
// Firestore implementation backs production and an in-memory implementation
// backs tests and local development.
package database

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no document exists at the given path.
var ErrNotFound = errors.New("document not found")

type (
	// Document is one entry returned from a collection listing. DataTo
	// decodes the stored fields into the provided struct pointer.
	Document struct {
		ID     string
		decode func(into any) error
	}

	Manager interface {
		// Get reads the document at path into the provided pointer,
		// returning ErrNotFound when the document does not exist.
		Get(ctx context.Context, path string, into any) error

		// Set writes the document at path as a whole, replacing any
		// existing content.
		Set(ctx context.Context, path string, value any) error

		// Merge performs a last-writer-wins field merge of the provided
		// fields into the document at path, creating it if absent.
		Merge(ctx context.Context, path string, fields map[string]any) error

		// Delete removes the document at path. Deleting a missing
		// document is not an error.
		Delete(ctx context.Context, path string) error

		// List returns the documents directly inside the collection path.
		// Ordering is unspecified unless the implementation says otherwise.
		List(ctx context.Context, collectionPath string) ([]Document, error)

		Close() error
	}
)

func (d Document) DataTo(into any) error {
	return d.decode(into)
}

// Deterministic document paths. Every entity lives under its owning
// user and project.

func ProjectPath(userID string, projectID string) string {
	return fmt.Sprintf("users/%s/projects/%s", userID, projectID)
}

func AssetsCollection(userID string, projectID string) string {
	return fmt.Sprintf("%s/assets", ProjectPath(userID, projectID))
}

func AssetPath(userID string, projectID string, assetID string) string {
	return fmt.Sprintf("%s/%s", AssetsCollection(userID, projectID), assetID)
}

// PipelineStatePath is the singleton pipeline-state document nested under
// its asset.
func PipelineStatePath(userID string, projectID string, assetID string) string {
	return fmt.Sprintf("%s/pipeline/state", AssetPath(userID, projectID, assetID))
}

func JobsCollection(userID string, projectID string, kind string) string {
	return fmt.Sprintf("%s/%s", ProjectPath(userID, projectID), kind)
}

func JobPath(userID string, projectID string, kind string, jobID string) string {
	return fmt.Sprintf("%s/%s", JobsCollection(userID, projectID, kind), jobID)
}
