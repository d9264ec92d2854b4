package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher for supervisor event broadcasting.
// Each supervisor owns its own bus, so independent supervisors in one
// process do not observe each other's events.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Close releases the dispatcher's resources
func (b *Bus) Close() error {
	return b.dispatcher.Close()
}

// Publish publishes an event to all subscribers.
// Usage: bus.Publish(ProcessStartedEvent{...})
func (b *Bus) Publish(ev Event) {
	// The generic Publish needs the concrete type
	switch e := ev.(type) {
	case ProcessStartedEvent:
		event.Publish(b.dispatcher, e)
	case ProcessExitedEvent:
		event.Publish(b.dispatcher, e)
	case ProcessRestartingEvent:
		event.Publish(b.dispatcher, e)
	case MemoryLimitExceededEvent:
		event.Publish(b.dispatcher, e)
	case WatchTriggeredEvent:
		event.Publish(b.dispatcher, e)
	case StatusSampleEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function. The handler's
// parameter type selects which events it receives. Returns an unsubscribe
// function.
// Usage: unsub := bus.Subscribe(func(e ProcessExitedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(ProcessStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ProcessExitedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ProcessRestartingEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(MemoryLimitExceededEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WatchTriggeredEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StatusSampleEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
