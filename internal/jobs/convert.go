package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/lightfold/darkroom/internal/asset"
	"github.com/lightfold/darkroom/internal/blob"
	"github.com/lightfold/darkroom/pkg/logger"
)

const (
	convertCreateJobTemplate = "%s/v1/jobs"
	convertGetJobTemplate    = "%s/v1/jobs/%s"

	defaultConvertPollInterval = 2 * time.Second
	defaultConvertMaxWait      = 5 * time.Minute
)

// The conversion trigger table is closed: only formats browsers cannot
// render are converted. MIME type is consulted first, the file extension
// second.
var (
	convertMimeTriggers = map[string]string{
		"image/heic": "png",
		"image/heif": "png",
	}
	convertExtensionTriggers = map[string]string{
		".heic": "png",
		".heif": "png",
	}
)

type (
	// ConvertJob is the remote-job specification for the conversion
	// service. The service reads the source through SourceURL and writes
	// the result through the pre-signed OutputURL.
	ConvertJob struct {
		SourceURL      string `json:"sourceUrl"`
		SourceMimeType string `json:"sourceMimeType"`
		TargetFormat   string `json:"targetFormat"`
		OutputURL      string `json:"outputUrl"`
		OutputMimeType string `json:"outputMimeType"`
	}

	// ConvertBackend abstracts the remote image-conversion service.
	ConvertBackend interface {
		CreateJob(ctx context.Context, job ConvertJob) (remoteJobID string, err error)
		JobState(ctx context.Context, remoteJobID string) (*RemoteJobState, error)
	}

	// ConvertConfig tunes the coordinator. Zero values take defaults.
	ConvertConfig struct {
		PollInterval time.Duration
		MaxWait      time.Duration
	}

	// ConvertRequest identifies the asset to convert.
	ConvertRequest struct {
		UserID    string
		ProjectID string
		Asset     *asset.Asset
	}

	// ConvertCoordinator drives remote image-conversion jobs with the
	// same dedup/reuse/resume contract as the transcode coordinator.
	ConvertCoordinator struct {
		jobs      *Store
		backend   ConvertBackend
		repointer *Repointer
		blobs     blob.Store
		config    ConvertConfig
	}
)

// ConversionTarget reports the format an asset should be converted to,
// or false when the asset needs no conversion.
func ConversionTarget(mimeType string, fileName string) (string, bool) {
	if target, ok := convertMimeTriggers[strings.ToLower(strings.TrimSpace(mimeType))]; ok {
		return target, true
	}
	if target, ok := convertExtensionTriggers[strings.ToLower(filepath.Ext(fileName))]; ok {
		return target, true
	}

	return "", false
}

func NewConvertCoordinator(jobs *Store, backend ConvertBackend, repointer *Repointer, blobs blob.Store, config ConvertConfig) *ConvertCoordinator {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultConvertPollInterval
	}
	if config.MaxWait <= 0 {
		config.MaxWait = defaultConvertMaxWait
	}

	return &ConvertCoordinator{jobs: jobs, backend: backend, repointer: repointer, blobs: blobs, config: config}
}

// Run converts the asset when its format is in the trigger table,
// following the shared decision table for prior jobs. Assets outside the
// table skip with a "no conversion needed" outcome and no remote job.
func (coordinator *ConvertCoordinator) Run(ctx context.Context, request *ConvertRequest) (*Outcome, error) {
	source := request.Asset
	target, ok := ConversionTarget(source.MimeType, source.FileName)
	if !ok {
		return &Outcome{Skipped: true, Message: "no conversion needed"}, nil
	}
	if source.GCSUri == "" {
		return &Outcome{Failed: true, Message: "asset has no cloud copy to convert"}, nil
	}

	config := map[string]any{
		"inputFormat":  sourceFormat(source),
		"targetFormat": target,
	}
	hash, err := ConfigHash(config)
	if err != nil {
		return nil, err
	}
	config["hash"] = hash

	prior, err := coordinator.jobs.Latest(ctx, request.UserID, request.ProjectID, source.ID, hash)
	if err != nil {
		return nil, err
	}

	switch {
	case prior == nil:
		record, err := coordinator.createRemoteJob(ctx, request, config, target)
		if err != nil {
			return nil, err
		}

		return coordinator.poll(ctx, request, record, target)
	case prior.Status == StatusCompleted:
		log.Emit(logger.DEBUG, "Reusing completed conversion job %s for asset %s (hash %s)\n", prior.ID, source.ID, hash)
		return coordinator.conclude(ctx, request, prior, target, true)
	case prior.Status == StatusError:
		return &Outcome{Job: prior, Failed: true, Message: fmt.Sprintf("previous conversion attempt failed: %s", prior.Error)}, nil
	case prior.RemoteJobName != "":
		log.Emit(logger.INFO, "Resuming poll of in-flight conversion job %s for asset %s\n", prior.RemoteJobName, source.ID)
		return coordinator.poll(ctx, request, prior, target)
	default:
		remoteJobID, err := coordinator.submit(ctx, request, target)
		if err != nil {
			return nil, err
		}
		if err := coordinator.jobs.markProcessing(ctx, prior, remoteJobID); err != nil {
			return nil, err
		}

		return coordinator.poll(ctx, request, prior, target)
	}
}

func (coordinator *ConvertCoordinator) outputObjectName(request *ConvertRequest, target string) string {
	return fmt.Sprintf("%s/%s/converted/%s/%s",
		request.UserID, request.ProjectID, request.Asset.ID, derivedFileName(request.Asset.FileName, target))
}

// submit creates the remote job, granting the conversion service read
// access to the source and a single pre-signed write to the output.
func (coordinator *ConvertCoordinator) submit(ctx context.Context, request *ConvertRequest, target string) (string, error) {
	source := request.Asset
	sourceObject := source.ObjectName
	if sourceObject == "" {
		if _, object, err := blob.ParseURI(source.GCSUri); err == nil {
			sourceObject = object
		}
	}

	sourceURL, err := coordinator.blobs.SignedReadURL(sourceObject)
	if err != nil {
		return "", fmt.Errorf("failed to sign conversion source URL: %w", err)
	}

	outputMime := formatMimeType(target)
	outputURL, err := coordinator.blobs.SignedWriteURL(coordinator.outputObjectName(request, target), outputMime)
	if err != nil {
		return "", fmt.Errorf("failed to sign conversion output URL: %w", err)
	}

	remoteJobID, err := coordinator.backend.CreateJob(ctx, ConvertJob{
		SourceURL:      sourceURL,
		SourceMimeType: source.MimeType,
		TargetFormat:   target,
		OutputURL:      outputURL,
		OutputMimeType: outputMime,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create remote conversion job: %w", err)
	}

	return remoteJobID, nil
}

func (coordinator *ConvertCoordinator) createRemoteJob(ctx context.Context, request *ConvertRequest, config map[string]any, target string) (*Record, error) {
	source := request.Asset
	remoteJobID, err := coordinator.submit(ctx, request, target)
	if err != nil {
		return nil, err
	}

	outputObject := coordinator.outputObjectName(request, target)
	record := &Record{
		UserID:           request.UserID,
		ProjectID:        request.ProjectID,
		AssetID:          source.ID,
		AssetName:        source.DisplayName(),
		FileName:         source.FileName,
		MimeType:         source.MimeType,
		InputGcsUri:      source.GCSUri,
		OutputGcsUri:     blob.URI(coordinator.blobs.Bucket(), outputObject),
		OutputObjectName: outputObject,
		OutputFileName:   derivedFileName(source.FileName, target),
		Status:           StatusProcessing,
		RemoteJobName:    remoteJobID,
		Config:           config,
	}
	if err := coordinator.jobs.Save(ctx, record); err != nil {
		return nil, err
	}

	log.Emit(logger.NEW, "Created remote conversion job %s for asset %s (%s -> %s)\n", remoteJobID, source.ID, config["inputFormat"], target)
	return record, nil
}

func (coordinator *ConvertCoordinator) poll(ctx context.Context, request *ConvertRequest, record *Record, target string) (*Outcome, error) {
	deadline := time.Now().Add(coordinator.config.MaxWait)
	for {
		state, err := coordinator.backend.JobState(ctx, record.RemoteJobName)
		if err != nil {
			return nil, fmt.Errorf("failed to poll conversion job %s: %w", record.RemoteJobName, err)
		}

		switch {
		case state.Done && !state.Failed:
			return coordinator.conclude(ctx, request, record, target, false)
		case state.Failed:
			message := state.Message
			if message == "" {
				message = "remote conversion job reported failure"
			}
			if err := coordinator.jobs.markError(ctx, record, message); err != nil {
				return nil, err
			}

			return &Outcome{Job: record, Failed: true, Message: message}, nil
		}

		if time.Now().After(deadline) {
			message := fmt.Sprintf("conversion job %s did not complete within %s", record.RemoteJobName, coordinator.config.MaxWait)
			if err := coordinator.jobs.markError(ctx, record, message); err != nil {
				return nil, err
			}

			return &Outcome{Job: record, Failed: true, Message: message}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(coordinator.config.PollInterval):
		}
	}
}

func (coordinator *ConvertCoordinator) conclude(ctx context.Context, request *ConvertRequest, record *Record, target string, reused bool) (*Outcome, error) {
	if record.OutputObjectName == "" {
		record.OutputObjectName = coordinator.outputObjectName(request, target)
		record.OutputFileName = derivedFileName(request.Asset.FileName, target)
	}
	if record.OutputGcsUri == "" {
		record.OutputGcsUri = blob.URI(coordinator.blobs.Bucket(), record.OutputObjectName)
	}

	signedURL, err := coordinator.blobs.SignedReadURL(record.OutputObjectName)
	if err != nil {
		return nil, fmt.Errorf("failed to sign conversion output URL: %w", err)
	}
	record.OutputSignedUrl = signedURL

	if err := coordinator.jobs.markCompleted(ctx, record); err != nil {
		return nil, err
	}

	outcome := succeededOutcome(record, map[string]any{"reused": reused, "targetFormat": target})
	if request.Asset.GCSUri != record.OutputGcsUri {
		updated, facts, err := coordinator.repointer.Repoint(ctx, request.UserID, request.ProjectID, request.Asset, RepointTarget{
			Kind:       KindConvert,
			GCSUri:     record.OutputGcsUri,
			ObjectName: record.OutputObjectName,
			MimeType:   formatMimeType(target),
			FileName:   record.OutputFileName,
		})
		if err != nil {
			return nil, err
		}

		outcome.UpdatedAsset = updated
		outcome.AssetFacts = facts
	}

	return outcome, nil
}

// sourceFormat names the input format for the dedup config, preferring
// the file extension over the MIME subtype.
func sourceFormat(source *asset.Asset) string {
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(source.FileName)), "."); ext != "" {
		return ext
	}
	if _, subtype, ok := strings.Cut(strings.ToLower(source.MimeType), "/"); ok {
		return subtype
	}

	return "unknown"
}

func formatMimeType(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	default:
		return "image/" + format
	}
}

// httpConvertBackend talks to the conversion service's HTTP job API.
type httpConvertBackend struct {
	endpoint string
	client   *http.Client
}

type (
	convertJobResponse struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}

	convertErrorResponse struct {
		Error string `json:"error"`
	}
)

func NewHTTPConvertBackend(endpoint string) ConvertBackend {
	return &httpConvertBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (backend *httpConvertBackend) CreateJob(ctx context.Context, job ConvertJob) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", &ConvertRequestError{message: fmt.Sprintf("job specification could not be encoded: %s", err)}
	}

	var response convertJobResponse
	path := fmt.Sprintf(convertCreateJobTemplate, backend.endpoint)
	if err := backend.httpJSONRequest(ctx, http.MethodPost, path, bytes.NewReader(body), &response); err != nil {
		return "", err
	}
	if response.JobID == "" {
		return "", &ConvertRequestError{message: "conversion service accepted the job but returned no job ID"}
	}

	return response.JobID, nil
}

func (backend *httpConvertBackend) JobState(ctx context.Context, remoteJobID string) (*RemoteJobState, error) {
	var response convertJobResponse
	path := fmt.Sprintf(convertGetJobTemplate, backend.endpoint, remoteJobID)
	if err := backend.httpJSONRequest(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}

	switch response.Status {
	case "completed":
		return &RemoteJobState{Done: true}, nil
	case "failed", "error":
		return &RemoteJobState{Done: true, Failed: true, Message: response.Error}, nil
	default:
		return &RemoteJobState{}, nil
	}
}

func (backend *httpConvertBackend) httpJSONRequest(ctx context.Context, method string, path string, body io.Reader, target any) error {
	request, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return &ConvertRequestError{message: err.Error()}
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := backend.client.Do(request)
	if err != nil {
		return &ConvertRequestError{message: fmt.Sprintf("failed to perform %s(%s): %s", method, path, err)}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return &ConvertRequestError{message: fmt.Sprintf("failed to read response body: %s", err)}
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		var serviceError convertErrorResponse
		if err := json.Unmarshal(responseBody, &serviceError); err != nil || serviceError.Error == "" {
			return &ConvertFailedRequestError{httpCode: response.StatusCode, message: "non-OK response could not be unmarshalled"}
		}

		return &ConvertFailedRequestError{httpCode: response.StatusCode, message: serviceError.Error}
	}

	if err := json.Unmarshal(responseBody, target); err != nil {
		return &ConvertRequestError{message: fmt.Sprintf("response JSON could not be unmarshalled: %s", err)}
	}

	return nil
}

type (
	ConvertRequestError       struct{ message string }
	ConvertFailedRequestError struct {
		httpCode int
		message  string
	}
)

func (err *ConvertRequestError) Error() string {
	return fmt.Sprintf("conversion service request failed: %s", err.message)
}

func (err *ConvertFailedRequestError) Error() string {
	return fmt.Sprintf("conversion service request failure (HTTP %d): %s", err.httpCode, err.message)
}
