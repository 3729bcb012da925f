package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/raulk/clock"

	"github.com/c360studio/propd/directory"
	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/task"
	"github.com/c360studio/propd/wire"
)

// Outcome is the result of one scheduling attempt.
type Outcome string

const (
	OutcomeSuccess    Outcome = "SUCCESS"
	OutcomeDenied     Outcome = "DENIED"
	OutcomeQueueError Outcome = "QUEUE_ERROR"
	OutcomeDBError    Outcome = "DB_ERROR"
	OutcomeError      Outcome = "ERROR"

	// OutcomeRemoved means the task's facility or service vanished and the
	// task was dropped from the pool.
	OutcomeRemoved Outcome = "REMOVED"
)

// Retried reports whether the caller re-enqueues the task after this outcome.
func (o Outcome) Retried() bool {
	return o == OutcomeQueueError || o == OutcomeDBError || o == OutcomeError
}

// TaskScheduler drains the delay queues and sends ready tasks to their engines.
type TaskScheduler struct {
	pool     *SchedulingPool
	dir      directory.Directory
	queues   *QueuePool
	clock    clock.Clock
	pollWait time.Duration
	metrics  *metrics.Dispatcher
	logger   *slog.Logger
}

// NewTaskScheduler creates a scheduler over pool.
func NewTaskScheduler(cfg Config, pool *SchedulingPool, dir directory.Directory, queues *QueuePool, clk clock.Clock, m *metrics.Dispatcher, logger *slog.Logger) *TaskScheduler {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.NewDispatcher(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskScheduler{
		pool:     pool,
		dir:      dir,
		queues:   queues,
		clock:    clk,
		pollWait: cfg.GetNormalPollWait(),
		metrics:  m,
		logger:   logger,
	}
}

// Run schedules tasks until ctx is cancelled. A ready forced task is always
// taken before a ready normal one.
func (s *TaskScheduler) Run(ctx context.Context) error {
	s.logger.Info("Task scheduler started", "poll_wait", s.pollWait)
	for {
		if ctx.Err() != nil {
			return nil
		}
		sch, err := s.next(ctx)
		if err != nil {
			return nil
		}
		if sch != nil {
			s.handle(ctx, sch)
		}
	}
}

// next returns a ready forced schedule, else waits on the normal queue. It
// returns nil when the wait ends without work.
func (s *TaskScheduler) next(ctx context.Context) (*TaskSchedule, error) {
	if sch := s.pool.forced.TryPoll(); sch != nil {
		return sch, nil
	}
	return s.pool.normal.Poll(ctx, s.pollWait)
}

func (s *TaskScheduler) handle(ctx context.Context, sch *TaskSchedule) {
	found := s.pool.WithTask(sch.Task.ID, func(t *task.Task) {
		if t != sch.Task || t.Status != task.StatusWaiting {
			s.logger.Debug("Skipping stale schedule", "task_id", t.ID, "status", t.Status)
			return
		}

		if t.SourceUpdated && sch.DelayCount > 0 {
			s.logger.Debug("Source still changing, delaying task",
				"task_id", t.ID, "remaining_delays", sch.DelayCount-1)
			if err := s.pool.ScheduleTask(ctx, t, sch.DelayCount-1, true); err != nil {
				s.logger.Warn("Failed to persist delayed task", "task_id", t.ID, "error", err)
			}
			return
		}

		outcome := s.scheduleTask(ctx, t)
		s.metrics.TasksScheduled.WithLabelValues(string(outcome)).Inc()
		if outcome.Retried() {
			s.logger.Info("Scheduling failed, task re-enqueued", "task_id", t.ID, "outcome", outcome)
			if err := s.pool.ScheduleTask(ctx, t, -1, false); err != nil {
				s.logger.Warn("Failed to persist re-enqueued task", "task_id", t.ID, "error", err)
			}
		}
	})
	if !found {
		s.logger.Debug("Scheduled task no longer in pool", "task_id", sch.Task.ID)
	}
}

// scheduleTask evaluates one ready task and hands it to its engine queue.
// The caller holds the task's key lock.
func (s *TaskScheduler) scheduleTask(ctx context.Context, t *task.Task) Outcome {
	q, err := s.pool.QueueForTask(t)
	if err != nil {
		q = s.queues.AvailableQueue()
		if q == nil {
			s.logger.Warn("No engine available for task", "task_id", t.ID)
			return OutcomeQueueError
		}
		s.logger.Debug("Task assigned to engine", "task_id", t.ID, "engine_id", q.ID(), "reason", err)
		if err := s.pool.SetQueueForTask(ctx, t, q); err != nil {
			s.logger.Warn("Failed to persist engine assignment", "task_id", t.ID, "error", err)
		}
	}

	fac, err := s.dir.GetFacility(ctx, t.Facility.ID)
	if err != nil {
		return s.lookupFailed(ctx, t, "facility", err)
	}
	svc, err := s.dir.GetService(ctx, t.Service.ID)
	if err != nil {
		return s.lookupFailed(ctx, t, "service", err)
	}
	t.Facility = fac
	t.Service = svc
	t.Delay = svc.Delay

	denied := !svc.Enabled
	if !denied {
		denied, err = s.dir.IsServiceDeniedOnFacility(ctx, svc.ID, fac.ID)
		if err != nil {
			return s.lookupFailed(ctx, t, "denial", err)
		}
	}
	if denied {
		s.logger.Info("Service disabled or denied, task not propagated", "task_id", t.ID,
			"service", svc.Name, "facility", fac.Name)
		s.markError(ctx, t)
		return OutcomeDenied
	}

	if t.SourceUpdated || len(t.Destinations) == 0 {
		dests, err := s.dir.GetDestinations(ctx, fac.ID, svc.ID)
		if err != nil {
			return s.lookupFailed(ctx, t, "destinations", err)
		}
		t.Destinations = dests
	}

	payload, err := wire.EncodeTask(t, nil)
	if err != nil {
		s.logger.Error("Failed to encode task", "task_id", t.ID, "error", err)
		s.markError(ctx, t)
		return OutcomeError
	}

	now := s.clock.Now()
	t.Status = task.StatusPlanned
	t.StartTime = task.TimePtr(now)
	t.EndTime = nil
	t.GenStartTime, t.GenEndTime = nil, nil
	t.SendStartTime, t.SendEndTime = nil, nil
	t.SourceUpdated = false
	if err := s.pool.Persist(ctx, t); err != nil {
		s.logger.Warn("Failed to persist planned task", "task_id", t.ID, "error", err)
	}

	taskID, engineID := t.ID, q.ID()
	if err := q.SendTask(payload, func(err error) {
		if err != nil {
			s.sendFailed(taskID, engineID, err)
		}
	}); err != nil {
		s.logger.Warn("Engine queue rejected task", "task_id", t.ID, "engine_id", engineID, "error", err)
		if errors.Is(err, ErrQueueClosed) {
			if err := s.pool.SetQueueForTask(ctx, t, nil); err != nil {
				s.logger.Warn("Failed to clear engine assignment", "task_id", t.ID, "error", err)
			}
		}
		return OutcomeQueueError
	}

	s.logger.Debug("Task sent to engine", "task_id", t.ID, "engine_id", engineID,
		"destinations", len(t.Destinations), "forced", t.PropagationForced)
	return OutcomeSuccess
}

// lookupFailed handles a directory failure during evaluation: vanished
// facilities or services remove the task, other failures mark it ERROR.
func (s *TaskScheduler) lookupFailed(ctx context.Context, t *task.Task, what string, err error) Outcome {
	if directory.IsNotExists(err) {
		s.logger.Info("Task binding no longer exists, removing task", "task_id", t.ID, "lookup", what, "error", err)
		if rmErr := s.pool.RemoveTask(ctx, t); rmErr != nil {
			s.logger.Warn("Failed to remove task", "task_id", t.ID, "error", rmErr)
		}
		return OutcomeRemoved
	}
	s.logger.Warn("Directory lookup failed", "task_id", t.ID, "lookup", what, "error", err)
	s.markError(ctx, t)
	return OutcomeDBError
}

func (s *TaskScheduler) markError(ctx context.Context, t *task.Task) {
	t.Status = task.StatusError
	t.EndTime = task.TimePtr(s.clock.Now())
	if err := s.pool.Persist(ctx, t); err != nil {
		s.logger.Warn("Failed to persist task error", "task_id", t.ID, "error", err)
	}
}

// sendFailed re-enqueues a task whose message could not be published, unless
// it moved on in the meantime.
func (s *TaskScheduler) sendFailed(taskID, engineID int, sendErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.pool.WithTask(taskID, func(t *task.Task) {
		if t.Status != task.StatusPlanned || s.pool.EngineFor(taskID) != engineID {
			return
		}
		s.logger.Warn("Task message not delivered, re-enqueuing", "task_id", taskID, "engine_id", engineID, "error", sendErr)
		if errors.Is(sendErr, ErrQueueClosed) {
			if err := s.pool.SetQueueForTask(ctx, t, nil); err != nil {
				s.logger.Warn("Failed to clear engine assignment", "task_id", taskID, "error", err)
			}
		}
		if err := s.pool.ScheduleTask(ctx, t, -1, false); err != nil {
			s.logger.Warn("Failed to persist re-enqueued task", "task_id", taskID, "error", err)
		}
	})
}
