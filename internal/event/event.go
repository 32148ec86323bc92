// A collection of event names and common methods used to handle the events,
// typically redirecting the handling to a service method via the `Handler`
// interface.
package event

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/lightfold/darkroom/pkg/logger"
)

var log = logger.Get("Event")

// Events emitted by various parts of Darkroom that should be handled by
// another, silo'd part of the architecture. Each service listens for the
// specific events which indicate an item is ready for processing by it.
type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}

	// StepUpdatePayload accompanies StepUpdateEvent and identifies the
	// pipeline step whose persisted state just changed.
	StepUpdatePayload struct {
		UserID    string
		ProjectID string
		AssetID   string
		StepID    string
		Status    string
	}

	// StepSummary is the terse per-step digest carried on completion events.
	StepSummary struct {
		ID     string `json:"id"`
		Label  string `json:"label"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	// PipelineCompletePayload accompanies PipelineCompleteEvent, emitted by
	// the worker service when an asset's pipeline run reaches a terminal
	// outcome.
	PipelineCompletePayload struct {
		UserID    string
		ProjectID string
		AssetID   string
		AssetName string
		Failed    bool
		Steps     []StepSummary
		Metadata  map[string]any
	}
)

const (
	StepUpdateEvent       Event = "pipeline:step:update"
	PipelineCompleteEvent Event = "pipeline:complete"
	TaskStatusEvent       Event = "task:status"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send
// Event messages on the channel any time a Dispatch for the provided event
// occurs. This method can be used multiple times for different events on the
// same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message
// on the handler channel, then the thread dispatching the event will also be
// BLOCKED. It is recommended to buffer the handler channels appropriately to
// avoid dispatcher-side blocking.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which will
// be stored and called with the payload for the event whenever it is
// dispatched. The handle provided should be guaranteed to return quickly,
// else other threads calling Dispatch on this event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction accepts an Event and a HandlerMethod which
// will be stored and called inside of a goroutine when the event is handled.
// The speed at which this handle runs is not important to the event bus,
// unlike RegisterHandlerFunction.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

// registerHandlerMethod is the internal implementation for both
// RegisterHandlerFunction and RegisterAsyncHandlerFunction.
func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and dispatches the payload to
// the handlers registered for the event type provided.
// Note that this method WILL block if a synchronous handler function is
// blocking, or if channel handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := handler.validatePayload(event, payload); err != nil {
		log.Emit(logger.FATAL, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	if handles, ok := handler.fnHandlers[event]; ok {
		for _, handle := range handles {
			if handle.async {
				go handle.handle(event, payload)
			} else {
				handle.handle(event, payload)
			}
		}
	}

	if handles, ok := handler.chanHandlers[event]; ok {
		payload := HandlerEvent{event, payload}
		for _, handle := range handles {
			handle <- payload
		}
	}
}

// validatePayload ensures that the payload provided is valid for the event
// specified. An error is returned if the payload is not valid, and the event
// is not sent to the registered handlers in this case.
func (handler *eventHandler) validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case StepUpdateEvent:
		if _, ok := payload.(StepUpdatePayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected StepUpdatePayload", payloadTypeName, event)
		}

		return nil
	case PipelineCompleteEvent:
		if _, ok := payload.(PipelineCompletePayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected PipelineCompletePayload", payloadTypeName, event)
		}

		return nil
	case TaskStatusEvent:
		if _, ok := payload.(string); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected task ID string", payloadTypeName, event)
		}

		return nil
	}

	return errors.New("event type not recognized for validation")
}
