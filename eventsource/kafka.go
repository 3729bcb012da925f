package eventsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	kgo "github.com/segmentio/kafka-go"
)

// KafkaConfig selects the topic events are read from.
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaSource consumes events from a Kafka topic with manual commits.
type KafkaSource struct {
	reader kafkaReader
	logger *slog.Logger
}

// NewKafkaSource creates a consumer-group reader for cfg.
func NewKafkaSource(cfg KafkaConfig, logger *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka source requires brokers and topic")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "propd-dispatcher"
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return newKafkaSource(r, logger), nil
}

func newKafkaSource(r kafkaReader, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{reader: r, logger: logger}
}

// Name identifies the source in logs.
func (s *KafkaSource) Name() string { return "kafka" }

// Run reads events until ctx is cancelled, then closes the reader. Each
// message is committed after it has been handed to the sink.
func (s *KafkaSource) Run(ctx context.Context, sink Sink) error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			s.logger.Warn("Failed to close kafka reader", "error", err)
		}
	}()

	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			wait := b.Duration()
			s.logger.Warn("Kafka fetch failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		sink(Event{Header: kafkaHeader(m), Body: string(m.Value), ReceivedAt: time.Now()})

		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := s.reader.CommitMessages(cctx, m); err != nil {
			s.logger.Warn("Kafka commit failed", "offset", m.Offset, "error", err)
		}
		cancel()
	}
}

func kafkaHeader(m kgo.Message) string {
	for _, h := range m.Headers {
		if h.Key == HeaderKey {
			return string(h.Value)
		}
	}
	return string(m.Key)
}
