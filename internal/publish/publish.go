// Package publish bridges the in-process event bus to the deployment's
// pipeline event topic. Downstream automation subscribes to the topic
// rather than polling pipeline state documents.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/lightfold/darkroom/internal/event"
	"github.com/lightfold/darkroom/pkg/logger"
)

var log = logger.Get("Publish")

const (
	TypeCompleted = "pipeline.completed"
	TypeFailed    = "pipeline.failed"

	handlerBuffer  = 100
	publishTimeout = 30 * time.Second
)

type (
	// Message is the JSON body of one completion event as it appears on
	// the topic.
	Message struct {
		Type         string              `json:"type"`
		UserID       string              `json:"userId"`
		ProjectID    string              `json:"projectId"`
		AssetID      string              `json:"assetId"`
		AssetName    string              `json:"assetName"`
		StepsSummary []event.StepSummary `json:"stepsSummary"`
		Metadata     map[string]any      `json:"metadata,omitempty"`
		Timestamp    string              `json:"timestamp"`
	}

	eventSink interface {
		Publish(ctx context.Context, data []byte, attributes map[string]string) error
	}

	// publishService forwards pipeline completion events from the bus to
	// the sink. Sink failures are logged and swallowed; the pipeline's
	// outcome never hinges on the event making it out.
	publishService struct {
		sink        eventSink
		messageChan chan event.HandlerEvent
	}

	topicSink struct {
		topic *pubsub.Topic
	}
)

// New subscribes to pipeline completion events immediately so anything
// dispatched before Run starts is buffered rather than lost.
func New(sink eventSink, eventBus event.EventHandler) *publishService {
	service := &publishService{
		sink:        sink,
		messageChan: make(chan event.HandlerEvent, handlerBuffer),
	}
	eventBus.RegisterHandlerChannel(service.messageChan, event.PipelineCompleteEvent)

	return service
}

// NewTopicSink adapts a pub/sub topic to the publisher's sink. Each
// publish blocks until the service acknowledges the message.
func NewTopicSink(topic *pubsub.Topic) *topicSink {
	return &topicSink{topic: topic}
}

func (sink *topicSink) Publish(ctx context.Context, data []byte, attributes map[string]string) error {
	result := sink.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", sink.topic.String(), err)
	}

	return nil
}

// Run forwards completion events until the context is cancelled, then
// drains whatever the handler channel still buffers before returning.
func (service *publishService) Run(ctx context.Context) error {
	log.Emit(logger.NEW, "Completion publisher started\n")
	for {
		select {
		case ev := <-service.messageChan:
			service.handleEvent(ctx, ev)
		case <-ctx.Done():
			service.drain(ctx)
			log.Emit(logger.STOP, "Completion publisher closed\n")
			return nil
		}
	}
}

func (service *publishService) drain(ctx context.Context) {
	for {
		select {
		case ev := <-service.messageChan:
			service.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

func (service *publishService) handleEvent(ctx context.Context, ev event.HandlerEvent) {
	payload, ok := ev.Payload.(event.PipelineCompletePayload)
	if !ok {
		log.Emit(logger.ERROR, "Illegal payload for %s event (expected PipelineCompletePayload)\n", ev.Event)
		return
	}

	if err := service.publish(ctx, &payload); err != nil {
		log.Emit(logger.ERROR, "Failed to publish completion of asset %s: %v\n", payload.AssetID, err)
	}
}

func (service *publishService) publish(ctx context.Context, payload *event.PipelineCompletePayload) error {
	message := Message{
		Type:         TypeCompleted,
		UserID:       payload.UserID,
		ProjectID:    payload.ProjectID,
		AssetID:      payload.AssetID,
		AssetName:    payload.AssetName,
		StepsSummary: payload.Steps,
		Metadata:     payload.Metadata,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if payload.Failed {
		message.Type = TypeFailed
	}
	if message.StepsSummary == nil {
		message.StepsSummary = []event.StepSummary{}
	}

	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode completion event: %w", err)
	}

	// Publishes outlive cancellation so the drain on shutdown still
	// delivers, but never block past the timeout.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := service.sink.Publish(publishCtx, encoded, map[string]string{
		"type":      message.Type,
		"userId":    message.UserID,
		"projectId": message.ProjectID,
		"assetId":   message.AssetID,
	}); err != nil {
		return err
	}

	log.Emit(logger.INFO, "Published %s event for asset %s\n", message.Type, message.AssetID)
	return nil
}
