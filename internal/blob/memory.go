package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// memoryStore is an in-process Store used by tests and local development.
// Signed URLs are deterministic fakes.
type memoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
	types   map[string]string
}

func NewMemoryStore(bucket string) *memoryStore {
	return &memoryStore{
		bucket:  bucket,
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (store *memoryStore) Upload(_ context.Context, objectName string, r io.Reader, contentType string) (*UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	store.objects[objectName] = data
	store.types[objectName] = contentType

	return &UploadResult{
		GCSUri:     URI(store.bucket, objectName),
		Bucket:     store.bucket,
		ObjectName: objectName,
	}, nil
}

func (store *memoryStore) Download(_ context.Context, uri string) ([]byte, error) {
	_, objectName, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	store.mu.RLock()
	defer store.mu.RUnlock()
	data, ok := store.objects[objectName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, objectName)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (store *memoryStore) DownloadToFile(ctx context.Context, uri string, destPath string) error {
	data, err := store.Download(ctx, uri)
	if err != nil {
		return err
	}

	return os.WriteFile(destPath, data, 0o644)
}

func (store *memoryStore) SignedReadURL(objectName string) (string, error) {
	return fmt.Sprintf("https://storage.example.com/%s/%s?method=GET", store.bucket, objectName), nil
}

func (store *memoryStore) SignedWriteURL(objectName string, contentType string) (string, error) {
	return fmt.Sprintf("https://storage.example.com/%s/%s?method=PUT&contentType=%s", store.bucket, objectName, contentType), nil
}

func (store *memoryStore) Delete(_ context.Context, objectName string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, existed := store.objects[objectName]
	delete(store.objects, objectName)
	delete(store.types, objectName)
	return existed, nil
}

func (store *memoryStore) Exists(_ context.Context, objectName string) (bool, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	_, ok := store.objects[objectName]
	return ok, nil
}

func (store *memoryStore) Bucket() string { return store.bucket }

// ContentType reports the content type recorded for an object; empty when
// the object is absent.
func (store *memoryStore) ContentType(objectName string) string {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.types[objectName]
}
