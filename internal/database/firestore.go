package database

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/lightfold/darkroom/pkg/logger"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var log = logger.Get("DocStore")

type firestoreManager struct {
	client *firestore.Client
}

// Connect opens the hosted document store for the given project. The
// returned manager is safe for concurrent use and must be closed by the
// caller once all services have stopped.
func Connect(ctx context.Context, projectID string) (Manager, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store for project %s: %w", projectID, err)
	}

	log.Emit(logger.SUCCESS, "Document store connection complete (project %s)\n", projectID)
	return &firestoreManager{client: client}, nil
}

func (m *firestoreManager) Get(ctx context.Context, path string, into any) error {
	snap, err := m.client.Doc(path).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}

		return fmt.Errorf("document read %s: %w", path, err)
	}

	if err := snap.DataTo(into); err != nil {
		return fmt.Errorf("document decode %s: %w", path, err)
	}

	return nil
}

func (m *firestoreManager) Set(ctx context.Context, path string, value any) error {
	if _, err := m.client.Doc(path).Set(ctx, value); err != nil {
		return fmt.Errorf("document write %s: %w", path, err)
	}

	return nil
}

func (m *firestoreManager) Merge(ctx context.Context, path string, fields map[string]any) error {
	if _, err := m.client.Doc(path).Set(ctx, fields, firestore.MergeAll); err != nil {
		return fmt.Errorf("document merge %s: %w", path, err)
	}

	return nil
}

func (m *firestoreManager) Delete(ctx context.Context, path string) error {
	if _, err := m.client.Doc(path).Delete(ctx); err != nil {
		return fmt.Errorf("document delete %s: %w", path, err)
	}

	return nil
}

func (m *firestoreManager) List(ctx context.Context, collectionPath string) ([]Document, error) {
	iter := m.client.Collection(collectionPath).Documents(ctx)
	defer iter.Stop()

	docs := make([]Document, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("collection list %s: %w", collectionPath, err)
		}

		docs = append(docs, Document{
			ID:     snap.Ref.ID,
			decode: snap.DataTo,
		})
	}

	return docs, nil
}

func (m *firestoreManager) Close() error {
	return m.client.Close()
}
