package eventsource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/propd/transport"
)

// NATSSource consumes events published on propd.events.>.
type NATSSource struct {
	js      jetstream.JetStream
	durable string
	logger  *slog.Logger
}

// NewNATSSource creates a source reading with the given durable consumer name.
func NewNATSSource(js jetstream.JetStream, durable string, logger *slog.Logger) *NATSSource {
	if durable == "" {
		durable = "propd-dispatcher-events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSource{js: js, durable: durable, logger: logger}
}

// Name identifies the source in logs.
func (s *NATSSource) Name() string { return "nats" }

// Run consumes events until ctx is cancelled.
func (s *NATSSource) Run(ctx context.Context, sink Sink) error {
	return transport.Consume(ctx, s.js, transport.ConsumerConfig{
		Durable:       s.durable,
		FilterSubject: transport.SubjectEventsAll,
	}, func(_ context.Context, msg jetstream.Msg) error {
		header := ""
		if h := msg.Headers(); h != nil {
			header = h.Get(HeaderKey)
		}
		if header == "" {
			header = strings.TrimPrefix(msg.Subject(), transport.SubjectEventPrefix)
		}
		sink(Event{Header: header, Body: string(msg.Data()), ReceivedAt: time.Now()})
		return nil
	}, s.logger)
}

// PublishEvent sends an audit event to the Dispatcher.
func PublishEvent(ctx context.Context, js jetstream.JetStream, header, body string) error {
	subject := transport.SubjectEventPrefix + "audit"
	msg := &nats.Msg{
		Subject: subject,
		Data:    []byte(body),
		Header:  nats.Header{},
	}
	msg.Header.Set(HeaderKey, header)
	if _, err := js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
