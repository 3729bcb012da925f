package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/raulk/clock"

	"github.com/c360studio/propd/task"
	"github.com/c360studio/propd/transport"
	"github.com/c360studio/propd/wire"
)

// Reporter sends the engine's control messages to the dispatcher on the
// system subject. Status and result reports are best effort.
type Reporter struct {
	engineID int
	pub      transport.Publisher
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	// registerBackoff is swapped by tests for a fast one.
	registerBackoff *backoff.Backoff
}

// NewReporter creates a reporter publishing through pub.
func NewReporter(engineID int, pub transport.Publisher, timeout time.Duration, clk clock.Clock, logger *slog.Logger) *Reporter {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		engineID:        engineID,
		pub:             pub,
		timeout:         timeout,
		clock:           clk,
		logger:          logger,
		registerBackoff: &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true},
	}
}

// Register announces the engine, retrying with back-off until the dispatcher's
// stream accepts the message or ctx ends.
func (r *Reporter) Register(ctx context.Context) error {
	b := r.registerBackoff
	b.Reset()
	for {
		err := r.send(ctx, wire.Register(r.engineID))
		if err == nil {
			r.logger.Info("Engine registered with dispatcher", "engine_id", r.engineID)
			return nil
		}
		wait := b.Duration()
		r.logger.Warn("Registration failed, retrying", "engine_id", r.engineID, "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return fmt.Errorf("register engine %d: %w", r.engineID, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Goodbye tells the dispatcher the engine is leaving.
func (r *Reporter) Goodbye(ctx context.Context) error {
	if err := r.send(ctx, wire.Goodbye(r.engineID)); err != nil {
		return fmt.Errorf("send goodbye: %w", err)
	}
	return nil
}

// TaskStatus reports a status transition of t.
func (r *Reporter) TaskStatus(ctx context.Context, t *task.Task, status task.Status) {
	line := wire.TaskStatus(r.engineID, t.ID, status, r.clock.Now())
	if err := r.send(ctx, line); err != nil {
		r.logger.Warn("Failed to report task status", "task_id", t.ID, "status", status, "error", err)
	}
}

// TaskResult reports the outcome of one send task.
func (r *Reporter) TaskResult(ctx context.Context, s *task.SendTask) {
	line, err := wire.TaskResult(r.engineID, task.ResultFor(s, r.engineID, r.clock.Now()))
	if err == nil {
		err = r.send(ctx, line)
	}
	if err != nil {
		r.logger.Warn("Failed to report task result", "task_id", s.Task.ID,
			"destination", s.Destination.Destination, "error", err)
	}
}

func (r *Reporter) send(ctx context.Context, line string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	_, err := r.pub.Publish(ctx, transport.SubjectSystem, []byte(line), jetstream.WithMsgID(uuid.NewString()))
	return err
}
