// Package jobs coordinates work delegated to remote media services:
// transcoding, image conversion and speech transcription. Each coordinator
// follows the same shape: normalise the request config, hash it, consult
// the job records for a prior run with the same hash, and only create a
// new remote job when no reusable one exists. Job records live in the
// document store, one collection per kind.
package jobs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/database"
	"github.com/lightfold/darkroom/pkg/logger"
)

var log = logger.Get("Jobs")

// Job record collections under users/{uid}/projects/{pid}/.
const (
	KindTranscode     = "transcodeJobs"
	KindConvert       = "conversionJobs"
	KindTranscription = "transcriptions"
)

type (
	// Status is the lifecycle of a job record. Only completed and error
	// are terminal; pending records exist briefly between creation and
	// remote-job submission.
	Status string

	// Record is one external job. All kinds share this structure; the
	// kind-specific inputs live inside Config, and transcription stores
	// its results in Output.
	Record struct {
		ID        string `json:"id" firestore:"id"`
		UserID    string `json:"userId" firestore:"userId"`
		ProjectID string `json:"projectId" firestore:"projectId"`
		AssetID   string `json:"assetId" firestore:"assetId"`
		AssetName string `json:"assetName,omitempty" firestore:"assetName,omitempty"`
		FileName  string `json:"fileName,omitempty" firestore:"fileName,omitempty"`
		MimeType  string `json:"mimeType,omitempty" firestore:"mimeType,omitempty"`

		InputGcsUri string `json:"inputGcsUri,omitempty" firestore:"inputGcsUri,omitempty"`

		OutputGcsUri     string         `json:"outputGcsUri,omitempty" firestore:"outputGcsUri,omitempty"`
		OutputObjectName string         `json:"outputObjectName,omitempty" firestore:"outputObjectName,omitempty"`
		OutputSignedUrl  string         `json:"outputSignedUrl,omitempty" firestore:"outputSignedUrl,omitempty"`
		OutputFileName   string         `json:"outputFileName,omitempty" firestore:"outputFileName,omitempty"`
		Output           map[string]any `json:"output,omitempty" firestore:"output,omitempty"`

		Status        Status         `json:"status" firestore:"status"`
		RemoteJobName string         `json:"remoteJobName,omitempty" firestore:"remoteJobName,omitempty"`
		Config        map[string]any `json:"config" firestore:"config"`
		Error         string         `json:"error,omitempty" firestore:"error,omitempty"`

		CreatedAt string `json:"createdAt" firestore:"createdAt"`
		UpdatedAt string `json:"updatedAt" firestore:"updatedAt"`
	}

	// Outcome is a coordinator's verdict, translated by the owning
	// pipeline step into its result. Exactly one of the flags is set for
	// non-success verdicts; a zero-flag outcome is a success carrying
	// Metadata for the step, AssetFacts re-probed from a derived output,
	// and UpdatedAsset when the coordinator repointed the asset record
	// (both empty when no repoint happened).
	Outcome struct {
		Job          *Record
		Waiting      bool
		Skipped      bool
		Failed       bool
		Message      string
		Metadata     map[string]any
		AssetFacts   map[string]any
		UpdatedAsset *asset.Asset
	}

	// Store persists job records of one kind.
	Store struct {
		db   database.Manager
		kind string
	}
)

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// ConfigHash derives the 12-character dedup key for a normalised config.
// encoding/json marshals maps with sorted keys and no insignificant
// whitespace, which makes the encoding canonical for hashing.
func ConfigHash(config map[string]any) (string, error) {
	canonical, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("config is not hashable: %w", err)
	}

	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:])[:12], nil
}

func NewStore(db database.Manager, kind string) *Store {
	return &Store{db: db, kind: kind}
}

// Save writes the record whole, minting an ID and creation timestamp
// when absent.
func (store *Store) Save(ctx context.Context, record *Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt == "" {
		record.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	record.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	path := database.JobPath(record.UserID, record.ProjectID, store.kind, record.ID)
	if err := store.db.Set(ctx, path, record); err != nil {
		return fmt.Errorf("failed to save %s record %s: %w", store.kind, record.ID, err)
	}

	return nil
}

func (store *Store) Get(ctx context.Context, userID string, projectID string, jobID string) (*Record, error) {
	record := &Record{}
	path := database.JobPath(userID, projectID, store.kind, jobID)
	if err := store.db.Get(ctx, path, record); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to read %s record %s: %w", store.kind, jobID, err)
	}

	return record, nil
}

// Latest returns the most recently created record for the asset whose
// config hash matches, or nil when no such record exists. An empty
// configHash matches any record for the asset.
func (store *Store) Latest(ctx context.Context, userID string, projectID string, assetID string, configHash string) (*Record, error) {
	docs, err := store.db.List(ctx, database.JobsCollection(userID, projectID, store.kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", store.kind, err)
	}

	var latest *Record
	for _, doc := range docs {
		record := &Record{}
		if err := doc.DataTo(record); err != nil {
			return nil, fmt.Errorf("failed to decode %s record %s: %w", store.kind, doc.ID, err)
		}

		if record.AssetID != assetID {
			continue
		}
		if configHash != "" && record.hash() != configHash {
			continue
		}
		if latest == nil || record.CreatedAt > latest.CreatedAt {
			latest = record
		}
	}

	return latest, nil
}

func (store *Store) Delete(ctx context.Context, userID string, projectID string, jobID string) error {
	return store.db.Delete(ctx, database.JobPath(userID, projectID, store.kind, jobID))
}

func (record *Record) hash() string {
	if record.Config == nil {
		return ""
	}

	hash, _ := record.Config["hash"].(string)
	return hash
}

// markProcessing stamps the remote handle onto the record once the
// remote service has accepted the job.
func (store *Store) markProcessing(ctx context.Context, record *Record, remoteJobName string) error {
	record.Status = StatusProcessing
	record.RemoteJobName = remoteJobName
	return store.Save(ctx, record)
}

// markCompleted transitions the record to its terminal success state.
func (store *Store) markCompleted(ctx context.Context, record *Record) error {
	record.Status = StatusCompleted
	record.Error = ""
	return store.Save(ctx, record)
}

// markError transitions the record to its terminal failure state.
func (store *Store) markError(ctx context.Context, record *Record, message string) error {
	record.Status = StatusError
	record.Error = message
	return store.Save(ctx, record)
}

// succeededOutcome assembles the shared success shape: the job's output
// coordinates plus any extra kind-specific fields.
func succeededOutcome(record *Record, extra map[string]any) *Outcome {
	metadata := map[string]any{
		"jobId":      record.ID,
		"configHash": record.hash(),
	}
	if record.RemoteJobName != "" {
		metadata["remoteJobName"] = record.RemoteJobName
	}
	if record.OutputGcsUri != "" {
		metadata["outputGcsUri"] = record.OutputGcsUri
		metadata["outputObjectName"] = record.OutputObjectName
		metadata["outputSignedUrl"] = record.OutputSignedUrl
		metadata["outputFileName"] = record.OutputFileName
	}
	for k, v := range extra {
		metadata[k] = v
	}

	return &Outcome{Job: record, Metadata: metadata}
}
