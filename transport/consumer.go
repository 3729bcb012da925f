package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/jpillora/backoff"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/propd/wire"
)

// Handler processes one message. Returning nil acks it. Returning an error
// matching wire.ErrMessageFormat, or one marked retry.NonRetryable, acks and
// drops it. Any other error naks it for redelivery.
type Handler func(ctx context.Context, msg jetstream.Msg) error

// Publisher is the subset of jetstream.JetStream used to send messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// ConsumerConfig describes a durable pull consumer.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	FilterSubject string
	AckWait       time.Duration
	MaxDeliver    int

	// FetchWait bounds one fetch round; it is also the worst case shutdown latency.
	FetchWait time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Stream == "" {
		c.Stream = StreamName
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = -1
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	return c
}

// Consume creates the durable consumer and feeds every fetched message to h
// until ctx is cancelled. Fetch failures back off instead of spinning.
func Consume(ctx context.Context, js jetstream.JetStream, cfg ConsumerConfig, h Handler, logger *slog.Logger) error {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	logger.Debug("Consumer started", "durable", cfg.Durable, "subject", cfg.FilterSubject)

	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(cfg.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.Duration()
			logger.Warn("Fetch failed", "durable", cfg.Durable, "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		for msg := range msgs.Messages() {
			handle(ctx, msg, h, logger)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			logger.Debug("Fetch ended with error", "durable", cfg.Durable, "error", err)
		}
	}
}

func handle(ctx context.Context, msg jetstream.Msg, h Handler, logger *slog.Logger) {
	err := h(ctx, msg)
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Warn("Failed to ACK message", "subject", msg.Subject(), "error", ackErr)
		}
	case errors.Is(err, wire.ErrMessageFormat) || retry.IsNonRetryable(err):
		logger.Warn("Dropping message", "subject", msg.Subject(), "error", err)
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Warn("Failed to ACK message", "subject", msg.Subject(), "error", ackErr)
		}
	default:
		logger.Warn("Message handling failed, will redeliver", "subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			logger.Warn("Failed to NAK message", "subject", msg.Subject(), "error", nakErr)
		}
	}
}
