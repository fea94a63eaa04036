package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/hostbridge/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// EventSubject overrides the base event subject (e.g. from BRIDGE_EVENT_SUBJECT).
	EventSubject string
}

// CommsPublisher publishes bridge events to COMMS subjects.
type CommsPublisher struct {
	nc           *comms.Conn
	eventSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	base := commsutil.SubjectEvents
	if opts != nil && opts.EventSubject != "" {
		base = opts.EventSubject
	}
	return &CommsPublisher{nc: nc, eventSubject: base}
}

// PublishSessionChanged publishes to <base>.session.changed and to <base>.
func (p *CommsPublisher) PublishSessionChanged(_ context.Context, event *SessionChangedEvent) error {
	return p.publish(commsutil.EventSessionChanged, event)
}

// PublishResourceCreated publishes to <base>.resource.created and to <base>.
func (p *CommsPublisher) PublishResourceCreated(_ context.Context, event *ResourceCreatedEvent) error {
	return p.publish(commsutil.EventResourceStored, event)
}

func (p *CommsPublisher) publish(kind string, event interface{}) error {
	data, err := commsutil.EncodePayload(map[string]interface{}{"event": kind, "data": event})
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	granular := commsutil.BuildEventSubject(p.eventSubject, kind)
	if err := p.nc.Publish(granular, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granular, err))
		return err
	}

	if err := p.nc.Publish(p.eventSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.eventSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event", commsPublisherLogPrefix, kind))
	return nil
}
