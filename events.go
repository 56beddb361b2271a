package modkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventType constants for the runtime's signal vocabulary, in reverse-domain
// CloudEvents notation. Each carries the moduleId and a timestamp.
const (
	// EventTypeModuleRegistered fires when a manifest is accepted into the
	// registry (insert or update).
	EventTypeModuleRegistered = "com.modkit.module.registered"

	// EventTypeModuleInitialized fires when a module's sandbox has been
	// created and its entry point loaded.
	EventTypeModuleInitialized = "com.modkit.module.initialized"

	// EventTypeModuleExecuted fires after each sandboxed execution of
	// module code, successful or not.
	EventTypeModuleExecuted = "com.modkit.module.executed"

	// EventTypeModuleAssigned fires when a module is assigned to or removed
	// from the active module set.
	EventTypeModuleAssigned = "com.modkit.module.assigned"
)

// Observer receives runtime signals. Observers should return quickly; slow
// consumers are expected to queue internally.
type Observer interface {
	// OnEvent is called for each signal the observer subscribed to.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier used for registration tracking.
	ObserverID() string
}

// SignalEmitter fans runtime signals out to registered observers, encoded in
// the CloudEvents format so the surrounding observability and audit layers can
// consume them directly; the runtime emits signals but never persists them.
// A nil *SignalEmitter is valid and emits nothing, so components can hold one
// unconditionally.
type SignalEmitter struct {
	mu        sync.RWMutex
	observers map[string]*observerRegistration
	logger    Logger
}

type observerRegistration struct {
	observer   Observer
	eventTypes map[string]bool
}

// NewSignalEmitter creates an emitter with no observers registered.
func NewSignalEmitter(logger Logger) *SignalEmitter {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &SignalEmitter{
		observers: make(map[string]*observerRegistration),
		logger:    logger,
	}
}

// RegisterObserver subscribes an observer, optionally filtered to specific
// event types. No filter means all events.
func (e *SignalEmitter) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return fmt.Errorf("observer is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	e.observers[observer.ObserverID()] = &observerRegistration{
		observer:   observer,
		eventTypes: types,
	}
	return nil
}

// UnregisterObserver removes an observer. It is idempotent.
func (e *SignalEmitter) UnregisterObserver(observer Observer) {
	if observer == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.observers, observer.ObserverID())
}

// Emit builds a CloudEvent for the given signal and notifies observers.
// Observer errors and panics are logged, never propagated: a misbehaving
// consumer cannot disturb the runtime.
func (e *SignalEmitter) Emit(ctx context.Context, eventType, moduleID string) {
	if e == nil {
		return
	}

	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource("modkit")
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	_ = event.SetData(cloudevents.ApplicationJSON, map[string]any{
		"moduleId":  moduleID,
		"timestamp": event.Time().Format(time.RFC3339Nano),
	})

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, reg := range e.observers {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[eventType] {
			continue
		}
		reg := reg
		go func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Observer panicked", "observerID", reg.observer.ObserverID(), "event", eventType, "panic", r)
				}
			}()
			if err := reg.observer.OnEvent(ctx, event); err != nil {
				e.logger.Error("Observer error", "observerID", reg.observer.ObserverID(), "event", eventType, "error", err)
			}
		}()
	}
}

// FunctionalObserver wraps a handler function as an Observer for quick
// subscriptions without a dedicated type.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer backed by the given function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) *FunctionalObserver {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

// newEventID generates a time-ordered unique id for CloudEvents.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
