package publish_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightfold/darkroom/internal/event"
	"github.com/lightfold/darkroom/internal/publish"
	"github.com/lightfold/darkroom/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type publishedMessage struct {
	data       []byte
	attributes map[string]string
}

// capturingSink records every publish attempt. A non-nil err is returned
// from each attempt; a non-nil block channel holds attempts open until
// it's closed.
type capturingSink struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
	block    chan struct{}
}

func (sink *capturingSink) Publish(_ context.Context, data []byte, attributes map[string]string) error {
	if sink.block != nil {
		<-sink.block
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.messages = append(sink.messages, publishedMessage{data: data, attributes: attributes})
	return sink.err
}

func (sink *capturingSink) count() int {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return len(sink.messages)
}

func (sink *capturingSink) message(index int) publishedMessage {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return sink.messages[index]
}

func startPublishService(t *testing.T, sink *capturingSink, bus event.EventCoordinator) context.CancelFunc {
	service := publish.New(sink, bus)

	wg := &sync.WaitGroup{}
	ctx, cancel := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, service.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return cancel
}

func completionPayload(failed bool) event.PipelineCompletePayload {
	return event.PipelineCompletePayload{
		UserID:    "user-1",
		ProjectID: "project-1",
		AssetID:   "asset-1",
		AssetName: "Launch Teaser",
		Failed:    failed,
		Steps: []event.StepSummary{
			{ID: "metadata", Label: "Metadata", Status: "succeeded"},
			{ID: "thumbnail", Label: "Thumbnail", Status: "failed", Error: "no video stream"},
		},
		Metadata: map[string]any{"source": "upload"},
	}
}

func Test_PipelineComplete_PublishesCompletedEvent(t *testing.T) {
	t.Parallel()

	bus := event.New()
	sink := &capturingSink{}
	startPublishService(t, sink, bus)

	bus.Dispatch(event.PipelineCompleteEvent, completionPayload(false))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, 1, sink.count())
	}, time.Second*2, time.Millisecond*10)

	published := sink.message(0)

	var message publish.Message
	require.NoError(t, json.Unmarshal(published.data, &message))
	assert.Equal(t, publish.TypeCompleted, message.Type)
	assert.Equal(t, "user-1", message.UserID)
	assert.Equal(t, "project-1", message.ProjectID)
	assert.Equal(t, "asset-1", message.AssetID)
	assert.Equal(t, "Launch Teaser", message.AssetName)
	assert.Len(t, message.StepsSummary, 2)
	assert.Equal(t, "thumbnail", message.StepsSummary[1].ID)
	assert.Equal(t, "no video stream", message.StepsSummary[1].Error)
	assert.Equal(t, map[string]any{"source": "upload"}, message.Metadata)

	timestamp, err := time.Parse(time.RFC3339, message.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), timestamp, time.Minute)

	assert.Equal(t, publish.TypeCompleted, published.attributes["type"])
	assert.Equal(t, "user-1", published.attributes["userId"])
	assert.Equal(t, "asset-1", published.attributes["assetId"])
}

func Test_PipelineFailure_PublishesFailedEvent(t *testing.T) {
	t.Parallel()

	bus := event.New()
	sink := &capturingSink{}
	startPublishService(t, sink, bus)

	payload := completionPayload(true)
	payload.Steps = nil
	payload.Metadata = nil
	bus.Dispatch(event.PipelineCompleteEvent, payload)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, 1, sink.count())
	}, time.Second*2, time.Millisecond*10)

	published := sink.message(0)

	var message publish.Message
	require.NoError(t, json.Unmarshal(published.data, &message))
	assert.Equal(t, publish.TypeFailed, message.Type)
	assert.Empty(t, message.StepsSummary)

	// The summary must serialize as an empty list, never null.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(published.data, &raw))
	assert.JSONEq(t, "[]", string(raw["stepsSummary"]))
	assert.NotContains(t, raw, "metadata")

	assert.Equal(t, publish.TypeFailed, published.attributes["type"])
}

func Test_SinkFailure_DoesNotStopPublisher(t *testing.T) {
	t.Parallel()

	bus := event.New()
	sink := &capturingSink{err: errors.New("topic unavailable")}
	startPublishService(t, sink, bus)

	bus.Dispatch(event.PipelineCompleteEvent, completionPayload(false))
	bus.Dispatch(event.PipelineCompleteEvent, completionPayload(true))

	// Both events are attempted despite the sink failing each time; the
	// service keeps running and its Run exits cleanly via the harness.
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, 2, sink.count())
	}, time.Second*2, time.Millisecond*10)
}

func Test_Shutdown_DrainsBufferedEvents(t *testing.T) {
	t.Parallel()

	bus := event.New()
	release := make(chan struct{})
	sink := &capturingSink{block: release}
	cancel := startPublishService(t, sink, bus)

	bus.Dispatch(event.PipelineCompleteEvent, completionPayload(false))
	bus.Dispatch(event.PipelineCompleteEvent, completionPayload(true))

	// Stop the service while the sink holds the first publish open; the
	// second event is still sitting in the handler channel and must be
	// delivered by the shutdown drain.
	cancel()
	close(release)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, 2, sink.count())
	}, time.Second*2, time.Millisecond*10)
}
