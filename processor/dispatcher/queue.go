package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/propd/transport"
	"github.com/c360studio/propd/wire"
)

var (
	// ErrQueueClosed is returned for sends on a closed engine queue.
	ErrQueueClosed = errors.New("engine queue closed")

	// ErrQueueFull is returned when the engine outbox cannot take more messages.
	ErrQueueFull = errors.New("engine queue full")
)

type outboxItem struct {
	payload string
	done    func(error)
}

// EngineQueue is the outbound channel to one Engine. Messages are published
// by a single goroutine so sends to one Engine never run concurrently.
type EngineQueue struct {
	id             int
	subject        string
	pub            transport.Publisher
	publishTimeout time.Duration
	logger         *slog.Logger

	outbox chan outboxItem
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewEngineQueue starts the sender goroutine of the engine's queue.
func NewEngineQueue(engineID int, pub transport.Publisher, outboxSize int, publishTimeout time.Duration, logger *slog.Logger) *EngineQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if outboxSize < 1 {
		outboxSize = 1
	}
	if publishTimeout <= 0 {
		publishTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &EngineQueue{
		id:             engineID,
		subject:        transport.EngineSubject(engineID),
		pub:            pub,
		publishTimeout: publishTimeout,
		logger:         logger.With("engine_id", engineID),
		outbox:         make(chan outboxItem, outboxSize),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go q.run()
	return q
}

// ID returns the engine id the queue delivers to.
func (q *EngineQueue) ID() int { return q.id }

// SendTask queues a task payload (without the engine prefix) for publishing.
// done, if not nil, is called from the sender goroutine with the publish
// outcome. SendTask never blocks.
func (q *EngineQueue) SendTask(payload string, done func(error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.outbox <- outboxItem{payload: wire.WithEnginePrefix(q.id, payload), done: done}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the sender. Messages still in the outbox are failed with ErrQueueClosed.
func (q *EngineQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	<-q.done
}

func (q *EngineQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			q.drain()
			return
		case item := <-q.outbox:
			err := q.publish(item.payload)
			if err != nil {
				q.logger.Warn("Failed to publish task message", "error", err)
			}
			if item.done != nil {
				item.done(err)
			}
		}
	}
}

func (q *EngineQueue) drain() {
	for {
		select {
		case item := <-q.outbox:
			if item.done != nil {
				item.done(ErrQueueClosed)
			}
		default:
			return
		}
	}
}

func (q *EngineQueue) publish(payload string) error {
	msgID := uuid.NewString()
	return retry.Do(q.ctx, retry.DefaultConfig(), func() error {
		ctx, cancel := context.WithTimeout(q.ctx, q.publishTimeout)
		defer cancel()
		if _, err := q.pub.Publish(ctx, q.subject, []byte(payload), jetstream.WithMsgID(msgID)); err != nil {
			if q.ctx.Err() != nil {
				return retry.NonRetryable(ErrQueueClosed)
			}
			return fmt.Errorf("publish to %s: %w", q.subject, err)
		}
		return nil
	})
}
