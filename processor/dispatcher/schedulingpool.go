package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/storage"
	"github.com/c360studio/propd/task"
)

// ErrNoAssignment is returned when a task has no usable engine queue.
var ErrNoAssignment = errors.New("task has no engine assignment")

// SchedulingPool is the single source of truth for the Dispatcher's tasks:
// it owns the task store, the normal and forced delay queues, the task to
// engine assignment and the persistence of every change.
//
// Mutating a task requires holding its key lock (Lock or WithKeyLock).
// Pool methods taking a *task.Task expect the caller to hold it.
type SchedulingPool struct {
	store  *task.Store
	repo   storage.TaskRepository
	queues *QueuePool
	keys   *keyLock

	normal *DelayQueue
	forced *DelayQueue

	newTaskDelay time.Duration
	delayCount   int

	clock   clock.Clock
	metrics *metrics.Dispatcher
	logger  *slog.Logger

	mu         sync.RWMutex
	assignment map[int]int
}

// NewSchedulingPool creates an empty pool. The two delay queues share one
// wake channel so a consumer waiting on the normal queue notices forced work.
func NewSchedulingPool(cfg Config, repo storage.TaskRepository, queues *QueuePool, clk clock.Clock, m *metrics.Dispatcher, logger *slog.Logger) *SchedulingPool {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.NewDispatcher(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	wake := make(chan struct{}, 1)
	return &SchedulingPool{
		store:        task.NewStore(),
		repo:         repo,
		queues:       queues,
		keys:         newKeyLock(),
		normal:       NewDelayQueue(clk, wake),
		forced:       NewDelayQueue(clk, wake),
		newTaskDelay: cfg.GetNewTaskDelay(),
		delayCount:   cfg.DelayCount,
		clock:        clk,
		metrics:      m,
		logger:       logger,
		assignment:   make(map[int]int),
	}
}

// Lock takes the key lock of the (facility, service) pair.
func (p *SchedulingPool) Lock(k task.Key) func() {
	return p.keys.Lock(k)
}

// WithKeyLock runs fn holding the key lock of the pair.
func (p *SchedulingPool) WithKeyLock(k task.Key, fn func()) {
	unlock := p.keys.Lock(k)
	defer unlock()
	fn()
}

// WithTask runs fn on the live task with the given id while holding its key
// lock. It reports false when the task is not (or no longer) in the pool.
func (p *SchedulingPool) WithTask(id int, fn func(t *task.Task)) bool {
	k, ok := p.store.KeyOf(id)
	if !ok {
		return false
	}
	unlock := p.keys.Lock(k)
	defer unlock()
	t := p.store.ByID(id)
	if t == nil {
		return false
	}
	fn(t)
	return true
}

// Visit calls fn, under the key lock, for every task currently in one of the
// statuses (all tasks when none are given). The status is re-checked after
// the lock is taken.
func (p *SchedulingPool) Visit(fn func(t *task.Task), statuses ...task.Status) {
	for _, id := range p.store.IDs() {
		p.WithTask(id, func(t *task.Task) {
			if len(statuses) == 0 || slices.Contains(statuses, t.Status) {
				fn(t)
			}
		})
	}
}

// AddToPool inserts the task and records its engine assignment (q may be
// nil). A task without an id is persisted first to obtain one; otherwise its
// row is updated. Returns the pool size.
func (p *SchedulingPool) AddToPool(ctx context.Context, t *task.Task, q *EngineQueue) (int, error) {
	engineID := storage.NoEngine
	if q != nil {
		engineID = q.ID()
	}

	created := false
	if t.ID == 0 {
		id, err := p.repo.ScheduleNewTask(ctx, t, engineID)
		if err != nil {
			return p.store.Len(), fmt.Errorf("persist new task: %w", err)
		}
		t.ID = id
		created = true
	} else if err := p.repo.UpdateTask(ctx, t, engineID); err != nil {
		return p.store.Len(), fmt.Errorf("persist task %d: %w", t.ID, err)
	}

	if err := p.store.Add(t); err != nil {
		if created {
			if rmErr := p.repo.RemoveTask(ctx, t.ID); rmErr != nil {
				p.logger.Warn("Failed to remove rejected task row", "task_id", t.ID, "error", rmErr)
			}
		}
		return p.store.Len(), err
	}

	p.setAssignment(t.ID, engineID)
	p.refreshGauges()
	return p.store.Len(), nil
}

// ScheduleTask marks the task WAITING and puts it into the forced queue
// (immediately ready) or the normal queue (new_task_delay). A delayCount
// below zero uses the configured delay_count. The task is enqueued even when
// persisting the new state fails; that error is returned.
func (p *SchedulingPool) ScheduleTask(ctx context.Context, t *task.Task, delayCount int, resetSourceUpdated bool) error {
	if resetSourceUpdated {
		t.SourceUpdated = false
	}
	if delayCount < 0 {
		delayCount = p.delayCount
	}
	now := p.clock.Now()
	t.Status = task.StatusWaiting
	t.Schedule = task.TimePtr(now)

	if t.PropagationForced {
		p.normal.Remove(t.ID)
		p.forced.Put(&TaskSchedule{Task: t, Base: now, DelayCount: delayCount})
	} else {
		p.forced.Remove(t.ID)
		p.normal.Put(&TaskSchedule{Task: t, Base: now, Delay: p.newTaskDelay, DelayCount: delayCount})
	}
	p.refreshGauges()

	if err := p.Persist(ctx, t); err != nil {
		return err
	}
	return nil
}

// scheduleNow enqueues the task with zero delay without touching its state.
func (p *SchedulingPool) scheduleNow(t *task.Task) {
	s := &TaskSchedule{Task: t, Base: p.clock.Now(), DelayCount: p.delayCount}
	if t.PropagationForced {
		p.forced.Put(s)
	} else {
		p.normal.Put(s)
	}
}

// ReloadTasks replaces all in-memory state with the persisted tasks. Every
// task comes back WAITING with its engine assignment and is scheduled with
// zero delay.
func (p *SchedulingPool) ReloadTasks(ctx context.Context) (int, error) {
	records, err := p.repo.ListAllTasksAndEngines(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persisted tasks: %w", err)
	}

	p.normal.Clear()
	p.forced.Clear()
	p.store.Clear()
	p.mu.Lock()
	p.assignment = make(map[int]int)
	p.mu.Unlock()

	for _, rec := range records {
		t := rec.Task
		unlock := p.keys.Lock(t.Key())
		t.Status = task.StatusWaiting
		if err := p.store.Add(t); err != nil {
			unlock()
			p.logger.Warn("Skipping persisted task", "task_id", t.ID, "error", err)
			continue
		}
		p.setAssignment(t.ID, rec.EngineID)
		if err := p.Persist(ctx, t); err != nil {
			p.logger.Warn("Failed to persist reloaded task", "task_id", t.ID, "error", err)
		}
		p.scheduleNow(t)
		unlock()
	}
	p.refreshGauges()

	p.logger.Info("Tasks reloaded", "count", p.store.Len())
	return p.store.Len(), nil
}

// QueueForTask returns the queue of the engine the task is assigned to.
// ErrNoAssignment means the task is unassigned or its engine is gone.
func (p *SchedulingPool) QueueForTask(t *task.Task) (*EngineQueue, error) {
	engineID := p.EngineFor(t.ID)
	if engineID == storage.NoEngine {
		return nil, ErrNoAssignment
	}
	q := p.queues.Get(engineID)
	if q == nil {
		return nil, fmt.Errorf("%w: engine %d not registered", ErrNoAssignment, engineID)
	}
	return q, nil
}

// SetQueueForTask assigns the task to q (nil clears the assignment) and persists it.
func (p *SchedulingPool) SetQueueForTask(ctx context.Context, t *task.Task, q *EngineQueue) error {
	engineID := storage.NoEngine
	if q != nil {
		engineID = q.ID()
	}
	p.setAssignment(t.ID, engineID)
	return p.Persist(ctx, t)
}

// EngineFor returns the engine id the task is assigned to, or storage.NoEngine.
func (p *SchedulingPool) EngineFor(taskID int) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.assignment[taskID]
}

func (p *SchedulingPool) setAssignment(taskID, engineID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if engineID == storage.NoEngine {
		delete(p.assignment, taskID)
		return
	}
	p.assignment[taskID] = engineID
}

// Persist writes the task and its current assignment to the repository.
func (p *SchedulingPool) Persist(ctx context.Context, t *task.Task) error {
	if err := p.repo.UpdateTask(ctx, t, p.EngineFor(t.ID)); err != nil {
		return fmt.Errorf("persist task %d: %w", t.ID, err)
	}
	return nil
}

// RemoveTask drops the task from memory, both queues, its assignment and the repository.
func (p *SchedulingPool) RemoveTask(ctx context.Context, t *task.Task) error {
	p.store.Remove(t)
	p.normal.Remove(t.ID)
	p.forced.Remove(t.ID)
	p.setAssignment(t.ID, storage.NoEngine)
	p.refreshGauges()
	if err := p.repo.RemoveTask(ctx, t.ID); err != nil {
		return fmt.Errorf("remove task %d: %w", t.ID, err)
	}
	return nil
}

// TaskByKey returns the live task of the pair, or nil. Callers mutating it
// must hold the key lock.
func (p *SchedulingPool) TaskByKey(k task.Key) *task.Task {
	return p.store.ByKey(k)
}

// Len returns the number of tasks in the pool.
func (p *SchedulingPool) Len() int {
	return p.store.Len()
}

// Snapshot returns copies of the tasks in the given statuses with their
// assigned engines, ordered by id.
func (p *SchedulingPool) Snapshot(statuses ...task.Status) []storage.TaskRecord {
	var out []storage.TaskRecord
	p.Visit(func(t *task.Task) {
		out = append(out, storage.TaskRecord{Task: t.Clone(), EngineID: p.EngineFor(t.ID)})
	}, statuses...)
	return out
}

// Get returns a copy of the task with its assigned engine.
func (p *SchedulingPool) Get(id int) (storage.TaskRecord, bool) {
	var rec storage.TaskRecord
	ok := p.WithTask(id, func(t *task.Task) {
		rec = storage.TaskRecord{Task: t.Clone(), EngineID: p.EngineFor(t.ID)}
	})
	return rec, ok
}

// SaveResult persists a per-destination result reported by an engine.
func (p *SchedulingPool) SaveResult(ctx context.Context, r *task.Result) error {
	return p.repo.SaveTaskResult(ctx, r)
}

// Results returns the persisted per-destination results of the task.
func (p *SchedulingPool) Results(ctx context.Context, taskID int) ([]*task.Result, error) {
	return p.repo.ListTaskResults(ctx, taskID)
}

// CheckConsistency verifies the store indices.
func (p *SchedulingPool) CheckConsistency() error {
	return p.store.CheckConsistency()
}

func (p *SchedulingPool) refreshGauges() {
	p.metrics.PoolSize.Set(float64(p.store.Len()))
	p.metrics.QueuedTasks.WithLabelValues("normal").Set(float64(p.normal.Len()))
	p.metrics.QueuedTasks.WithLabelValues("forced").Set(float64(p.forced.Len()))
}
