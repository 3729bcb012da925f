package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/raulk/clock"

	"github.com/c360studio/propd/directory"
	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/task"
)

// PropagationMaintainer periodically reconciles task states: it retries
// failed tasks with back-off, fails tasks stuck on an engine and refreshes
// old DONE tasks.
type PropagationMaintainer struct {
	pool           *SchedulingPool
	dir            directory.Directory
	clock          clock.Clock
	interval       time.Duration
	stuckThreshold time.Duration
	doneAge        time.Duration
	giveUpWindow   time.Duration
	metrics        *metrics.Dispatcher
	logger         *slog.Logger
}

// NewPropagationMaintainer creates a maintainer over pool.
func NewPropagationMaintainer(cfg Config, pool *SchedulingPool, dir directory.Directory, clk clock.Clock, m *metrics.Dispatcher, logger *slog.Logger) *PropagationMaintainer {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.NewDispatcher(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PropagationMaintainer{
		pool:           pool,
		dir:            dir,
		clock:          clk,
		interval:       cfg.GetMaintainerInterval(),
		stuckThreshold: cfg.GetStuckThreshold(),
		doneAge:        cfg.GetDoneRescheduleAge(),
		giveUpWindow:   cfg.GetGiveUpWindow(),
		metrics:        m,
		logger:         logger,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (m *PropagationMaintainer) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Propagation maintainer started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs the three reconciliation passes once.
func (m *PropagationMaintainer) Sweep(ctx context.Context) {
	m.endStuckTasks(ctx)
	m.rescheduleErrorTasks(ctx)
	m.rescheduleOldDoneTasks(ctx)
}

func (m *PropagationMaintainer) action(name string) {
	m.metrics.MaintainerAction.WithLabelValues(name).Inc()
}

// rescheduleErrorTasks retries failed tasks once their back-off elapsed,
// gives up on tasks that exhausted their recurrence and drops tasks whose
// service is no longer assigned to the facility.
func (m *PropagationMaintainer) rescheduleErrorTasks(ctx context.Context) {
	now := m.clock.Now()
	m.pool.Visit(func(t *task.Task) {
		if t.EndTime == nil || t.EndTime.After(now) {
			repaired := now.Add(-time.Duration(t.Delay+1) * time.Minute)
			m.logger.Warn("Failed task has inconsistent end time, repairing",
				"task_id", t.ID, "end_time", t.EndTime, "repaired", repaired)
			t.EndTime = task.TimePtr(repaired)
			if err := m.pool.Persist(ctx, t); err != nil {
				m.logger.Warn("Failed to persist repaired end time", "task_id", t.ID, "error", err)
			}
			m.action("end_time_repaired")
		}
		elapsed := int(now.Sub(*t.EndTime) / time.Minute)
		giveUpMinutes := int(m.giveUpWindow / time.Minute)

		if t.Recurrence+1 > t.Service.Recurrence && elapsed < giveUpMinutes && !t.SourceUpdated {
			m.logger.Debug("Task exhausted its retries", "task_id", t.ID,
				"recurrence", t.Recurrence, "max", t.Service.Recurrence, "elapsed_min", elapsed)
			return
		}
		if elapsed < (t.Recurrence+1)*t.Delay && !t.SourceUpdated {
			return
		}

		assigned, err := m.dir.IsServiceAssigned(ctx, t.Service.ID, t.Facility.ID)
		if err != nil && !directory.IsNotExists(err) {
			m.logger.Warn("Failed to check service assignment", "task_id", t.ID, "error", err)
			return
		}
		if !assigned || err != nil {
			m.logger.Info("Service no longer assigned, removing task", "task_id", t.ID,
				"service", t.Service.Name, "facility", t.Facility.Name)
			if err := m.pool.RemoveTask(ctx, t); err != nil {
				m.logger.Warn("Failed to remove task", "task_id", t.ID, "error", err)
			}
			m.action("removed")
			return
		}

		t.Recurrence++
		m.logger.Info("Retrying failed task", "task_id", t.ID, "status", t.Status,
			"recurrence", t.Recurrence, "elapsed_min", elapsed, "source_updated", t.SourceUpdated)
		if err := m.pool.ScheduleTask(ctx, t, -1, false); err != nil {
			m.logger.Warn("Failed to persist retried task", "task_id", t.ID, "error", err)
		}
		m.action("retried")
	}, task.StatusError, task.StatusGenError, task.StatusSendError)
}

// endStuckTasks fails tasks that stayed GENERATING or SENDING past the stuck
// threshold and returns tasks stuck in PLANNED to the queues.
func (m *PropagationMaintainer) endStuckTasks(ctx context.Context) {
	now := m.clock.Now()
	limit := now.Add(-m.stuckThreshold)
	m.pool.Visit(func(t *task.Task) {
		var started *time.Time
		switch t.Status {
		case task.StatusGenerating:
			started = t.GenStartTime
		case task.StatusSending:
			started = t.SendStartTime
		case task.StatusPlanned:
			started = t.StartTime
		}
		if started != nil && !started.Before(limit) {
			return
		}

		if t.Status == task.StatusPlanned {
			m.logger.Warn("Task never picked up by its engine, rescheduling", "task_id", t.ID,
				"engine_id", m.pool.EngineFor(t.ID))
			if err := m.pool.SetQueueForTask(ctx, t, nil); err != nil {
				m.logger.Warn("Failed to clear engine assignment", "task_id", t.ID, "error", err)
			}
			if err := m.pool.ScheduleTask(ctx, t, -1, false); err != nil {
				m.logger.Warn("Failed to persist rescheduled task", "task_id", t.ID, "error", err)
			}
			m.action("planned_rescheduled")
			return
		}

		m.logger.Warn("Task stuck, switching to ERROR", "task_id", t.ID, "status", t.Status, "started", started)
		t.Status = task.StatusError
		t.EndTime = task.TimePtr(now)
		if err := m.pool.Persist(ctx, t); err != nil {
			m.logger.Warn("Failed to persist stuck task", "task_id", t.ID, "error", err)
		}
		m.action("stuck")
	}, task.StatusGenerating, task.StatusSending, task.StatusPlanned)
}

// rescheduleOldDoneTasks propagates DONE tasks again when their source
// changed or their last propagation is older than the refresh age.
func (m *PropagationMaintainer) rescheduleOldDoneTasks(ctx context.Context) {
	limit := m.clock.Now().Add(-m.doneAge)
	m.pool.Visit(func(t *task.Task) {
		switch {
		case t.SourceUpdated:
			m.logger.Info("DONE task has updated source, rescheduling", "task_id", t.ID)
		case t.EndTime == nil:
			m.logger.Warn("DONE task has no end time, rescheduling", "task_id", t.ID)
		case t.EndTime.Before(limit):
			m.logger.Info("DONE task is old, rescheduling", "task_id", t.ID, "end_time", t.EndTime)
		default:
			return
		}
		if err := m.pool.ScheduleTask(ctx, t, -1, false); err != nil {
			m.logger.Warn("Failed to persist rescheduled task", "task_id", t.ID, "error", err)
		}
		m.action("done_rescheduled")
	}, task.StatusDone)
}

// CloseTasksForEngine fails every in-flight task assigned to the engine and
// clears its assignment so the scheduler picks another engine.
func (m *PropagationMaintainer) CloseTasksForEngine(ctx context.Context, engineID int) int {
	now := m.clock.Now()
	closed := 0
	m.pool.Visit(func(t *task.Task) {
		if m.pool.EngineFor(t.ID) != engineID {
			return
		}
		t.Status = task.StatusError
		t.EndTime = task.TimePtr(now)
		if err := m.pool.SetQueueForTask(ctx, t, nil); err != nil {
			m.logger.Warn("Failed to persist closed task", "task_id", t.ID, "error", err)
		}
		closed++
	}, task.StatusPlanned, task.StatusGenerating, task.StatusGenerated, task.StatusSending)

	if closed > 0 {
		m.logger.Info("Closed tasks of engine", "engine_id", engineID, "count", closed)
		m.metrics.MaintainerAction.WithLabelValues("engine_closed").Add(float64(closed))
	}
	return closed
}
