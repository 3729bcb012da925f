// Package eventsource delivers inbound audit events to the Dispatcher. Events
// arrive over NATS JetStream or from a Kafka topic.
package eventsource

import (
	"context"
	"time"
)

// HeaderKey carries the event header in NATS and Kafka message headers.
const HeaderKey = "Propd-Event-Header"

// Event is one audit event: an opaque header and body.
type Event struct {
	Header     string
	Body       string
	ReceivedAt time.Time
}

// Sink accepts events. It must not block.
type Sink func(Event)

// Source runs until ctx is cancelled, passing every received event to sink.
type Source interface {
	Run(ctx context.Context, sink Sink) error
	Name() string
}
