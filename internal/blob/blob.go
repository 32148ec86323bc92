// Package blob provides the gateway to the object store holding every
// uploaded asset and every pipeline artifact. All access from the rest of
// the system goes through the Store interface so tests can swap in the
// in-memory implementation.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrMalformedURI is returned when a storage URI does not follow the
	// gs://bucket/object form.
	ErrMalformedURI = errors.New("malformed storage URI")

	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")
)

type (
	// UploadResult describes where an uploaded object landed.
	UploadResult struct {
		GCSUri     string
		Bucket     string
		ObjectName string
	}

	// Store is the object store surface the pipeline depends on. Upload,
	// signing, existence and deletion operate on the deployment bucket;
	// downloads accept any gs:// URI so artifacts in foreign buckets stay
	// readable.
	Store interface {
		// Upload streams r into the deployment bucket under objectName.
		Upload(ctx context.Context, objectName string, r io.Reader, contentType string) (*UploadResult, error)

		// Download fetches the object identified by a gs:// URI.
		Download(ctx context.Context, uri string) ([]byte, error)

		// DownloadToFile streams the object identified by a gs:// URI into
		// the local file at destPath, replacing any existing file.
		DownloadToFile(ctx context.Context, uri string, destPath string) error

		// SignedReadURL returns a time-limited HTTPS URL granting read
		// access to the named object.
		SignedReadURL(objectName string) (string, error)

		// SignedWriteURL returns a time-limited HTTPS URL granting a
		// single PUT of the given content type to the named object.
		SignedWriteURL(objectName string, contentType string) (string, error)

		// Delete removes the named object, reporting whether it existed.
		// Deleting an absent object is not an error.
		Delete(ctx context.Context, objectName string) (bool, error)

		// Exists reports whether the named object is present.
		Exists(ctx context.Context, objectName string) (bool, error)

		// Bucket returns the name of the deployment bucket.
		Bucket() string
	}
)

// ParseURI splits a gs://bucket/object URI into its bucket and object
// name. The scheme must be gs, and both components must be non-empty.
func ParseURI(uri string) (bucket string, objectName string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q does not use the gs:// scheme", ErrMalformedURI, uri)
	}

	bucket, objectName, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || objectName == "" {
		return "", "", fmt.Errorf("%w: %q is missing a bucket or object path", ErrMalformedURI, uri)
	}

	return bucket, objectName, nil
}

// URI assembles the canonical gs:// form for an object.
func URI(bucket string, objectName string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, objectName)
}
