package events

import "context"

// EventPublisher is the interface for publishing bridge events.
type EventPublisher interface {
	PublishSessionChanged(ctx context.Context, event *SessionChangedEvent) error
	PublishResourceCreated(ctx context.Context, event *ResourceCreatedEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (when no event bus is configured).
type NoOpPublisher struct{}

// PublishSessionChanged is a no-op.
func (p *NoOpPublisher) PublishSessionChanged(_ context.Context, _ *SessionChangedEvent) error {
	return nil
}

// PublishResourceCreated is a no-op.
func (p *NoOpPublisher) PublishResourceCreated(_ context.Context, _ *ResourceCreatedEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls callback functions (for
// tests and the in-process status page). Nil callbacks are skipped.
type CallbackPublisher struct {
	onSession  func(ctx context.Context, event *SessionChangedEvent) error
	onResource func(ctx context.Context, event *ResourceCreatedEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(
	onSession func(ctx context.Context, event *SessionChangedEvent) error,
	onResource func(ctx context.Context, event *ResourceCreatedEvent) error,
) *CallbackPublisher {
	return &CallbackPublisher{onSession: onSession, onResource: onResource}
}

// PublishSessionChanged calls the session callback.
func (p *CallbackPublisher) PublishSessionChanged(ctx context.Context, event *SessionChangedEvent) error {
	if p.onSession == nil {
		return nil
	}
	return p.onSession(ctx, event)
}

// PublishResourceCreated calls the resource callback.
func (p *CallbackPublisher) PublishResourceCreated(ctx context.Context, event *ResourceCreatedEvent) error {
	if p.onResource == nil {
		return nil
	}
	return p.onResource(ctx, event)
}

// MultiPublisher fans an event out to several publishers. The first error is
// returned after every publisher has been called.
type MultiPublisher []EventPublisher

// PublishSessionChanged publishes to every publisher.
func (m MultiPublisher) PublishSessionChanged(ctx context.Context, event *SessionChangedEvent) error {
	var first error
	for _, p := range m {
		if err := p.PublishSessionChanged(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublishResourceCreated publishes to every publisher.
func (m MultiPublisher) PublishResourceCreated(ctx context.Context, event *ResourceCreatedEvent) error {
	var first error
	for _, p := range m {
		if err := p.PublishResourceCreated(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
