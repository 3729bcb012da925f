package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/task"
	"github.com/c360studio/propd/transport"
	"github.com/c360studio/propd/wire"
)

// SystemConsumer is the durable consumer of the system subject.
const SystemConsumer = "propd-dispatcher-system"

// SystemQueueProcessor handles the control messages Engines send on the
// shared system subject.
type SystemQueueProcessor struct {
	js         jetstream.JetStream
	pub        transport.Publisher
	pool       *SchedulingPool
	queues     *QueuePool
	matcher    *SmartMatcher
	maintainer *PropagationMaintainer

	outboxSize     int
	publishTimeout time.Duration

	metrics *metrics.Dispatcher
	logger  *slog.Logger
}

// NewSystemQueueProcessor creates the processor. Engine queues it creates
// publish through pub.
func NewSystemQueueProcessor(cfg Config, js jetstream.JetStream, pub transport.Publisher, pool *SchedulingPool, queues *QueuePool, matcher *SmartMatcher, maintainer *PropagationMaintainer, m *metrics.Dispatcher, logger *slog.Logger) *SystemQueueProcessor {
	if m == nil {
		m = metrics.NewDispatcher(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemQueueProcessor{
		js:             js,
		pub:            pub,
		pool:           pool,
		queues:         queues,
		matcher:        matcher,
		maintainer:     maintainer,
		outboxSize:     cfg.OutboxSize,
		publishTimeout: cfg.GetPublishTimeout(),
		metrics:        m,
		logger:         logger,
	}
}

// Run consumes the system subject until ctx is cancelled.
func (p *SystemQueueProcessor) Run(ctx context.Context) error {
	return transport.Consume(ctx, p.js, transport.ConsumerConfig{
		Durable:       SystemConsumer,
		FilterSubject: transport.SubjectSystem,
	}, func(ctx context.Context, msg jetstream.Msg) error {
		return p.HandleMessage(ctx, string(msg.Data()))
	}, p.logger)
}

// HandleMessage applies one control message. Malformed messages return a
// wire.ErrMessageFormat error.
func (p *SystemQueueProcessor) HandleMessage(ctx context.Context, line string) error {
	c, err := wire.ParseControl(line)
	if err != nil {
		p.metrics.ControlMessages.WithLabelValues("malformed").Inc()
		return err
	}
	p.metrics.ControlMessages.WithLabelValues(string(c.Kind)).Inc()

	switch c.Kind {
	case wire.KindRegister:
		p.register(ctx, c.EngineID)
	case wire.KindGoodbye:
		p.goodbye(ctx, c.EngineID)
	case wire.KindTask:
		p.updateStatus(ctx, c)
	case wire.KindTaskResult:
		if err := p.pool.SaveResult(ctx, c.Result); err != nil {
			return fmt.Errorf("save result of task %d: %w", c.TaskID, err)
		}
		p.logger.Debug("Task result stored", "task_id", c.TaskID,
			"destination", c.Result.Destination, "status", c.Result.Status)
	}
	return nil
}

func (p *SystemQueueProcessor) register(ctx context.Context, engineID int) {
	if p.queues.IsRegistered(engineID) {
		// A known engine registering again has restarted and lost its tasks.
		p.logger.Info("Engine re-registered", "engine_id", engineID)
		p.loadRules(engineID)
		p.maintainer.CloseTasksForEngine(ctx, engineID)
		return
	}

	q := NewEngineQueue(engineID, p.pub, p.outboxSize, p.publishTimeout, p.logger)
	if old := p.queues.Add(q); old != nil {
		old.Close()
	}
	p.loadRules(engineID)
	p.metrics.EnginesConnected.Set(float64(p.queues.Len()))
	p.logger.Info("Engine registered", "engine_id", engineID, "engines", p.queues.Len())
}

func (p *SystemQueueProcessor) loadRules(engineID int) {
	if err := p.matcher.LoadRules(engineID); err != nil {
		p.logger.Warn("Failed to load routing rules", "engine_id", engineID, "error", err)
	}
}

func (p *SystemQueueProcessor) goodbye(ctx context.Context, engineID int) {
	p.maintainer.CloseTasksForEngine(ctx, engineID)
	if q := p.queues.Remove(engineID); q != nil {
		q.Close()
	}
	p.matcher.RemoveRules(engineID)
	p.metrics.EnginesConnected.Set(float64(p.queues.Len()))
	p.logger.Info("Engine said goodbye", "engine_id", engineID, "engines", p.queues.Len())
}

func (p *SystemQueueProcessor) updateStatus(ctx context.Context, c *wire.Control) {
	found := p.pool.WithTask(c.TaskID, func(t *task.Task) {
		if assigned := p.pool.EngineFor(t.ID); assigned != c.EngineID {
			p.logger.Warn("Ignoring status from engine not owning the task",
				"task_id", t.ID, "from_engine", c.EngineID, "assigned_engine", assigned, "status", c.Status)
			return
		}

		at := task.TimePtr(c.Timestamp)
		switch c.Status {
		case task.StatusGenerating:
			t.GenStartTime = at
		case task.StatusGenerated:
			t.GenEndTime = at
		case task.StatusGenError:
			t.GenEndTime = at
			t.EndTime = at
		case task.StatusSending:
			t.SendStartTime = at
		case task.StatusDone, task.StatusSendError:
			t.SendEndTime = at
			t.EndTime = at
		case task.StatusError:
			t.EndTime = at
		}
		t.Status = c.Status
		if c.Status == task.StatusDone {
			t.Recurrence = 0
		}

		p.logger.Debug("Task status updated", "task_id", t.ID, "engine_id", c.EngineID, "status", c.Status)

		terminal := c.Status == task.StatusDone || c.Status.Failed()
		if terminal && t.SourceUpdated {
			p.logger.Info("Source changed during propagation, rescheduling", "task_id", t.ID)
			if err := p.pool.ScheduleTask(ctx, t, -1, false); err != nil {
				p.logger.Warn("Failed to persist rescheduled task", "task_id", t.ID, "error", err)
			}
			return
		}
		if err := p.pool.Persist(ctx, t); err != nil {
			p.logger.Warn("Failed to persist task status", "task_id", t.ID, "error", err)
		}
	})
	if !found {
		p.logger.Warn("Status for unknown task", "task_id", c.TaskID, "engine_id", c.EngineID, "status", c.Status)
	}
}
