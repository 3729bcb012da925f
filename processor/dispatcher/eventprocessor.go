package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/raulk/clock"

	"github.com/c360studio/propd/directory"
	"github.com/c360studio/propd/eventsource"
	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/task"
)

// ForcePropagationMarker in an event body makes the resulting tasks forced.
const ForcePropagationMarker = "force propagation:"

// EventProcessor turns audit events into new or updated tasks. Events are
// buffered in an unbounded queue and handled by a single consumer.
type EventProcessor struct {
	pool    *SchedulingPool
	dir     directory.Directory
	matcher *SmartMatcher
	queues  *QueuePool
	clock   clock.Clock
	metrics *metrics.Dispatcher
	logger  *slog.Logger

	mu      sync.Mutex
	pending []eventsource.Event
	notify  chan struct{}
}

// NewEventProcessor creates an event processor feeding pool.
func NewEventProcessor(pool *SchedulingPool, dir directory.Directory, matcher *SmartMatcher, queues *QueuePool, clk clock.Clock, m *metrics.Dispatcher, logger *slog.Logger) *EventProcessor {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.NewDispatcher(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventProcessor{
		pool:    pool,
		dir:     dir,
		matcher: matcher,
		queues:  queues,
		clock:   clk,
		metrics: m,
		logger:  logger,
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue buffers an event. It never blocks and can be used as an eventsource.Sink.
func (p *EventProcessor) Enqueue(e eventsource.Event) {
	p.mu.Lock()
	p.pending = append(p.pending, e)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of buffered events.
func (p *EventProcessor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *EventProcessor) take(ctx context.Context) (eventsource.Event, error) {
	for {
		p.mu.Lock()
		if len(p.pending) > 0 {
			e := p.pending[0]
			p.pending[0] = eventsource.Event{}
			p.pending = p.pending[1:]
			p.mu.Unlock()
			return e, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return eventsource.Event{}, ctx.Err()
		case <-p.notify:
		}
	}
}

// Run handles buffered events until ctx is cancelled.
func (p *EventProcessor) Run(ctx context.Context) error {
	p.logger.Info("Event processor started")
	for {
		e, err := p.take(ctx)
		if err != nil {
			return nil
		}
		if err := p.ProcessEvent(ctx, e); err != nil {
			p.logger.Warn("Dropping event", "header", e.Header, "error", err)
		}
	}
}

// ProcessEvent resolves the event to (facility, service) pairs and adds or
// updates one task per enabled, not denied pair.
func (p *EventProcessor) ProcessEvent(ctx context.Context, e eventsource.Event) error {
	bindings, err := p.dir.Resolve(ctx, e.Body)
	if err != nil {
		p.metrics.EventsProcessed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("resolve event: %w", err)
	}
	forced := strings.Contains(e.Body, ForcePropagationMarker)

	p.logger.Debug("Event resolved", "header", e.Header, "facilities", len(bindings), "forced", forced)

	for _, b := range bindings {
		for _, svc := range b.Services {
			if !svc.Enabled {
				p.logger.Debug("Service disabled, skipping", "service", svc.Name, "facility", b.Facility.Name)
				continue
			}
			denied, err := p.dir.IsServiceDeniedOnFacility(ctx, svc.ID, b.Facility.ID)
			if err != nil {
				p.logger.Warn("Failed to check denial", "service", svc.Name, "facility", b.Facility.Name, "error", err)
				continue
			}
			if denied {
				p.logger.Debug("Service denied on facility, skipping", "service", svc.Name, "facility", b.Facility.Name)
				continue
			}
			if err := p.addOrUpdate(ctx, e, b.Facility, svc, forced); err != nil {
				p.logger.Warn("Failed to add task for event",
					"service", svc.Name, "facility", b.Facility.Name, "error", err)
			}
		}
	}
	p.metrics.EventsProcessed.WithLabelValues("ok").Inc()
	return nil
}

func (p *EventProcessor) addOrUpdate(ctx context.Context, e eventsource.Event, fac task.Facility, svc task.Service, forced bool) error {
	k := task.Key{FacilityID: fac.ID, ServiceID: svc.ID}
	unlock := p.pool.Lock(k)
	defer unlock()

	if t := p.pool.TaskByKey(k); t != nil {
		t.SourceUpdated = true
		t.Destinations = nil
		t.PropagationForced = forced
		t.Recurrence = 0
		t.Facility = fac
		t.Service = svc
		t.Delay = svc.Delay

		// An engine owns the task; it is rescheduled when the engine reports back.
		if t.Status.InFlight() {
			p.logger.Debug("Task in flight, marked source updated", "task_id", t.ID, "status", t.Status)
			return p.pool.Persist(ctx, t)
		}
		p.logger.Debug("Task updated by event", "task_id", t.ID, "forced", forced)
		return p.pool.ScheduleTask(ctx, t, -1, false)
	}

	var q *EngineQueue
	if p.matcher != nil && p.matcher.Enforced() {
		q = p.queues.AvailableQueueWhere(func(q *EngineQueue) bool {
			return p.matcher.DoesItMatch(e.Header, q.ID())
		})
		if q == nil {
			p.metrics.EventsProcessed.WithLabelValues("unrouted").Inc()
			p.logger.Info("No engine accepts event, dropping pair",
				"header", e.Header, "service", svc.Name, "facility", fac.Name)
			return nil
		}
	}

	t := task.New(fac, svc, p.clock.Now())
	t.PropagationForced = forced
	size, err := p.pool.AddToPool(ctx, t, q)
	if err != nil {
		return err
	}
	p.logger.Info("Task created", "task_id", t.ID, "facility", fac.Name, "service", svc.Name,
		"forced", forced, "pool_size", size)
	return p.pool.ScheduleTask(ctx, t, -1, false)
}
