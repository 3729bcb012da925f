package engine

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/transport"
	"github.com/c360studio/propd/wire"
)

// TaskReceiver consumes the engine's task subject and feeds the pool.
type TaskReceiver struct {
	engineID int
	js       jetstream.JetStream
	pool     *SchedulingPool
	metrics  *metrics.Engine
	logger   *slog.Logger
}

// Run consumes task messages until ctx is cancelled.
func (r *TaskReceiver) Run(ctx context.Context) error {
	return transport.Consume(ctx, r.js, transport.ConsumerConfig{
		Durable:       transport.EngineConsumer(r.engineID),
		FilterSubject: transport.EngineSubject(r.engineID),
	}, func(_ context.Context, msg jetstream.Msg) error {
		return r.HandleMessage(string(msg.Data()))
	}, r.logger)
}

// HandleMessage decodes one task message and adds its task to the pool.
// Malformed messages return a wire.ErrMessageFormat error.
func (r *TaskReceiver) HandleMessage(line string) error {
	msg, err := wire.DecodeTaskMessage(line)
	if err != nil {
		return err
	}
	if msg.EngineID != r.engineID {
		r.logger.Warn("Ignoring task addressed to another engine", "task_id", msg.TaskID, "engine_id", msg.EngineID)
		return nil
	}

	t := msg.Task()
	if r.pool.AddTask(t) {
		r.logger.Info("Task replaced by newer message", "task_id", t.ID)
	}
	r.metrics.TasksReceived.Inc()
	r.logger.Debug("Task received", "task_id", t.ID, "service", t.Service.Name,
		"facility", t.Facility.Name, "forced", t.PropagationForced, "destinations", len(t.Destinations))
	return nil
}
