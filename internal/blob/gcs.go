package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/lightfold/darkroom/pkg/logger"
)

var log = logger.Get("BlobStore")

// gcsStore is the production Store backed by Google Cloud Storage. Signed
// URLs are minted with the V4 scheme against the ambient credentials.
type gcsStore struct {
	client    *storage.Client
	bucket    string
	signedTTL time.Duration
}

// NewGCS connects to Google Cloud Storage and returns a Store scoped to
// the given bucket. signedTTL bounds the lifetime of minted signed URLs.
func NewGCS(ctx context.Context, bucket string, signedTTL time.Duration) (*gcsStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to construct storage client: %w", err)
	}

	log.Emit(logger.NEW, "Blob store initialised against bucket %s (signed URL TTL %s)\n", bucket, signedTTL)
	return &gcsStore{client: client, bucket: bucket, signedTTL: signedTTL}, nil
}

func (store *gcsStore) Upload(ctx context.Context, objectName string, r io.Reader, contentType string) (*UploadResult, error) {
	w := store.client.Bucket(store.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write object %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalise object %s: %w", objectName, err)
	}

	log.Emit(logger.DEBUG, "Uploaded object %s (%s)\n", objectName, contentType)
	return &UploadResult{
		GCSUri:     URI(store.bucket, objectName),
		Bucket:     store.bucket,
		ObjectName: objectName,
	}, nil
}

func (store *gcsStore) Download(ctx context.Context, uri string) ([]byte, error) {
	bucket, objectName, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	r, err := store.client.Bucket(bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, store.wrapObjectErr(objectName, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", objectName, err)
	}

	return data, nil
}

func (store *gcsStore) DownloadToFile(ctx context.Context, uri string, destPath string) error {
	bucket, objectName, err := ParseURI(uri)
	if err != nil {
		return err
	}

	r, err := store.client.Bucket(bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		return store.wrapObjectErr(objectName, err)
	}
	defer r.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", destPath, err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, r); err != nil {
		return fmt.Errorf("failed to stream object %s to %s: %w", objectName, destPath, err)
	}

	return nil
}

func (store *gcsStore) SignedReadURL(objectName string) (string, error) {
	return store.signURL(objectName, http.MethodGet, "")
}

func (store *gcsStore) SignedWriteURL(objectName string, contentType string) (string, error) {
	return store.signURL(objectName, http.MethodPut, contentType)
}

func (store *gcsStore) Delete(ctx context.Context, objectName string) (bool, error) {
	err := store.client.Bucket(store.bucket).Object(objectName).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to delete object %s: %w", objectName, err)
	}

	log.Emit(logger.DEBUG, "Deleted object %s\n", objectName)
	return true, nil
}

func (store *gcsStore) Exists(ctx context.Context, objectName string) (bool, error) {
	_, err := store.client.Bucket(store.bucket).Object(objectName).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to stat object %s: %w", objectName, err)
	}

	return true, nil
}

func (store *gcsStore) Bucket() string { return store.bucket }

func (store *gcsStore) signURL(objectName string, method string, contentType string) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  method,
		Expires: time.Now().Add(store.signedTTL),
	}
	if contentType != "" {
		opts.ContentType = contentType
	}

	url, err := store.client.Bucket(store.bucket).SignedURL(objectName, opts)
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for object %s: %w", objectName, err)
	}

	return url, nil
}

func (store *gcsStore) wrapObjectErr(objectName string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, objectName)
	}

	return fmt.Errorf("failed to open object %s: %w", objectName, err)
}
