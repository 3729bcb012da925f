// Package dispatcher implements the propd Dispatcher: it turns audit events
// into propagation tasks, schedules them onto registered Engines and
// reconciles their lifecycle from the status the Engines report back.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/propd/directory"
	"github.com/c360studio/propd/eventsource"
	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/storage"
	"github.com/c360studio/propd/transport"
)

// Deps are the collaborators of the Dispatcher.
type Deps struct {
	JS        jetstream.JetStream
	Repo      storage.TaskRepository
	Directory directory.Directory

	// Events overrides the event source selected by Config.EventSource.
	Events eventsource.Source

	Metrics *metrics.Dispatcher
	Clock   clock.Clock
	Logger  *slog.Logger
}

// directoryWatcher is implemented by directories that can reload themselves.
type directoryWatcher interface {
	Watch(ctx context.Context, debounce time.Duration, logger *slog.Logger) error
}

// Component is the Dispatcher.
type Component struct {
	name   string
	config Config
	deps   Deps
	logger *slog.Logger

	pool       *SchedulingPool
	queues     *QueuePool
	matcher    *SmartMatcher
	events     *EventProcessor
	scheduler  *TaskScheduler
	maintainer *PropagationMaintainer
	system     *SystemQueueProcessor
	source     eventsource.Source

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error

	eventsReceived atomic.Int64
}

// New assembles a Dispatcher from its configuration and collaborators.
func New(cfg Config, deps Deps) (*Component, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.JS == nil {
		return nil, fmt.Errorf("JetStream context required")
	}
	if deps.Repo == nil {
		return nil, fmt.Errorf("task repository required")
	}
	if deps.Directory == nil {
		return nil, fmt.Errorf("directory required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewDispatcher(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "dispatcher")

	source := deps.Events
	if source == nil {
		switch cfg.EventSource {
		case EventSourceKafka:
			ks, err := eventsource.NewKafkaSource(cfg.Kafka, logger)
			if err != nil {
				return nil, fmt.Errorf("create kafka event source: %w", err)
			}
			source = ks
		default:
			source = eventsource.NewNATSSource(deps.JS, "", logger)
		}
	}

	var rules RuleSource = StaticRules(cfg.RoutingRules)
	if cfg.RoutingRulesFile != "" {
		rules = FileRules{Path: cfg.RoutingRulesFile}
	}

	queues := NewQueuePool()
	matcher := NewSmartMatcher(cfg.EnforceRules, rules, logger)
	pool := NewSchedulingPool(cfg, deps.Repo, queues, deps.Clock, deps.Metrics, logger)
	maintainer := NewPropagationMaintainer(cfg, pool, deps.Directory, deps.Clock, deps.Metrics, logger)

	return &Component{
		name:       "dispatcher",
		config:     cfg,
		deps:       deps,
		logger:     logger,
		pool:       pool,
		queues:     queues,
		matcher:    matcher,
		events:     NewEventProcessor(pool, deps.Directory, matcher, queues, deps.Clock, deps.Metrics, logger),
		scheduler:  NewTaskScheduler(cfg, pool, deps.Directory, queues, deps.Clock, deps.Metrics, logger),
		maintainer: maintainer,
		system:     NewSystemQueueProcessor(cfg, deps.JS, deps.JS, pool, queues, matcher, maintainer, deps.Metrics, logger),
		source:     source,
	}, nil
}

// Start prepares the stream, reloads persisted tasks and starts every runner.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	c.mu.Unlock()

	if _, err := transport.EnsureStream(ctx, c.deps.JS, transport.StreamConfig{}); err != nil {
		return err
	}
	count, err := c.pool.ReloadTasks(ctx)
	if err != nil {
		return fmt.Errorf("reload tasks: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(subCtx)

	g.Go(func() error {
		return c.source.Run(gctx, func(e eventsource.Event) {
			c.eventsReceived.Add(1)
			c.events.Enqueue(e)
		})
	})
	g.Go(func() error { return c.events.Run(gctx) })
	g.Go(func() error { return c.scheduler.Run(gctx) })
	g.Go(func() error { return c.maintainer.Run(gctx) })
	g.Go(func() error { return c.system.Run(gctx) })

	if w, ok := c.deps.Directory.(directoryWatcher); ok && c.config.WatchDirectory {
		g.Go(func() error { return w.Watch(gctx, 500*time.Millisecond, c.logger) })
	}

	c.running = true
	c.startTime = time.Now()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.runErr = nil

	go func() {
		err := g.Wait()
		c.queues.CloseAll()
		c.mu.Lock()
		c.runErr = err
		c.running = false
		c.mu.Unlock()
		close(c.done)
	}()

	c.logger.Info("dispatcher started",
		"reloaded_tasks", count,
		"event_source", c.source.Name(),
		"enforce_rules", c.config.EnforceRules)
	return nil
}

// Wait blocks until every runner stopped and returns the first runner error.
func (c *Component) Wait() error {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	if done == nil {
		return nil
	}
	<-done
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runErr
}

// Stop cancels the runners and waits up to timeout for them to finish.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("dispatcher did not stop within %s", timeout)
	}

	c.logger.Info("dispatcher stopped",
		"events_received", c.eventsReceived.Load(),
		"tasks", c.pool.Len())

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.runErr != nil && !errors.Is(c.runErr, context.Canceled) {
		return c.runErr
	}
	return nil
}

// Health reports the state of the Dispatcher.
type Health struct {
	Healthy       bool          `json:"healthy"`
	Uptime        time.Duration `json:"uptime"`
	Tasks         int           `json:"tasks"`
	Engines       []int         `json:"engines"`
	PendingEvents int           `json:"pending_events"`
	EventsSeen    int64         `json:"events_received"`
}

// Health returns the current health status.
func (c *Component) Health() Health {
	c.mu.RLock()
	running, start := c.running, c.startTime
	c.mu.RUnlock()

	h := Health{
		Healthy:       running,
		Tasks:         c.pool.Len(),
		Engines:       c.queues.IDs(),
		PendingEvents: c.events.Pending(),
		EventsSeen:    c.eventsReceived.Load(),
	}
	if running {
		h.Uptime = time.Since(start)
	}
	return h
}

// Pool returns the scheduling pool.
func (c *Component) Pool() *SchedulingPool { return c.pool }

// Queues returns the engine queue pool.
func (c *Component) Queues() *QueuePool { return c.queues }

// Maintainer returns the propagation maintainer.
func (c *Component) Maintainer() *PropagationMaintainer { return c.maintainer }
