// Package engine implements the propd Engine: it receives tasks from the
// Dispatcher, runs their generate script and then one send script per
// destination on bounded worker pools, and reports every transition back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/propd/execsvc"
	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/transport"
)

// Deps are the collaborators of the Engine.
type Deps struct {
	JS jetstream.JetStream

	// Runner overrides the subprocess runner built from Config.ScriptTimeout.
	Runner ScriptRunner

	Metrics *metrics.Engine
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Component is the Engine.
type Component struct {
	name   string
	config Config
	deps   Deps
	logger *slog.Logger

	pool     *SchedulingPool
	reporter *Reporter
	receiver *TaskReceiver
	gen      *CompletionService[genOutcome]
	send     *CompletionService[sendOutcome]
	runners  []func(context.Context) error

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
}

// New assembles an Engine from its configuration and collaborators.
func New(cfg Config, deps Deps) (*Component, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.JS == nil {
		return nil, fmt.Errorf("JetStream context required")
	}
	if deps.Runner == nil {
		deps.Runner = execsvc.NewRunner(cfg.GetScriptTimeout())
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewEngine(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "engine", "engine_id", cfg.ID)

	pool := NewSchedulingPool()
	reporter := NewReporter(cfg.ID, deps.JS, cfg.GetReportTimeout(), deps.Clock, logger)
	sc := scripts{runner: deps.Runner, dir: cfg.ScriptsDir, workDir: cfg.WorkDir}
	st := stage{pool: pool, reporter: reporter, clock: deps.Clock, metrics: deps.Metrics, logger: logger}
	gen := NewCompletionService[genOutcome](cfg.GenPoolSize)
	send := NewCompletionService[sendOutcome](cfg.SendPoolSize)

	c := &Component{
		name:     "engine",
		config:   cfg,
		deps:     deps,
		logger:   logger,
		pool:     pool,
		reporter: reporter,
		receiver: &TaskReceiver{engineID: cfg.ID, js: deps.JS, pool: pool, metrics: deps.Metrics, logger: logger},
		gen:      gen,
		send:     send,
	}
	c.runners = []func(context.Context) error{
		c.receiver.Run,
		(&GenPlanner{stage: st, gen: gen, scripts: sc}).Run,
		(&GenCollector{stage: st, gen: gen}).Run,
		(&SendPlanner{stage: st, send: send, scripts: sc}).Run,
		(&SendCollector{stage: st, send: send}).Run,
	}
	return c, nil
}

// Start prepares the stream, registers with the Dispatcher and starts the pipeline.
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
	if err := c.reporter.Register(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(subCtx)
	for _, run := range c.runners {
		g.Go(func() error { return run(gctx) })
	}

	c.running = true
	c.startTime = time.Now()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.runErr = nil

	go func() {
		err := g.Wait()
		c.mu.Lock()
		c.runErr = err
		c.running = false
		c.mu.Unlock()
		close(c.done)
	}()

	c.logger.Info("engine started",
		"scripts_dir", c.config.ScriptsDir,
		"gen_pool", c.config.GenPoolSize,
		"send_pool", c.config.SendPoolSize)
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

// Stop cancels the runners, waits up to timeout for them and says goodbye
// to the Dispatcher.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	// Never started or already stopped: nothing to say goodbye for.
	if cancel == nil {
		return nil
	}

	// The runners may already have ended with their context; the goodbye is
	// sent regardless.
	cancel()
	var stopErr error
	select {
	case <-done:
	case <-time.After(timeout):
		stopErr = fmt.Errorf("engine did not stop within %s", timeout)
	}

	ctx, cancelBye := context.WithTimeout(context.Background(), c.config.GetReportTimeout())
	defer cancelBye()
	if err := c.reporter.Goodbye(ctx); err != nil {
		c.logger.Warn("Failed to say goodbye", "error", err)
	}

	c.logger.Info("engine stopped", "tasks_left", c.pool.Len())
	if stopErr != nil {
		return stopErr
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.runErr != nil && !errors.Is(c.runErr, context.Canceled) {
		return c.runErr
	}
	return nil
}

// Health reports the state of the Engine.
type Health struct {
	Healthy      bool          `json:"healthy"`
	Uptime       time.Duration `json:"uptime"`
	Tasks        int           `json:"tasks"`
	Generating   int           `json:"generating"`
	Sending      int           `json:"sending"`
	WaitingGen   int           `json:"waiting_gen"`
	WaitingSend  int           `json:"waiting_send"`
	GenPoolSize  int           `json:"gen_pool_size"`
	SendPoolSize int           `json:"send_pool_size"`
}

// Health returns the current health status.
func (c *Component) Health() Health {
	c.mu.RLock()
	running, start := c.running, c.startTime
	c.mu.RUnlock()

	h := Health{
		Healthy:      running,
		Tasks:        c.pool.Len(),
		Generating:   c.gen.Admitted(),
		Sending:      c.send.Admitted(),
		WaitingGen:   c.pool.newTasks.Len(),
		WaitingSend:  c.pool.generated.Len(),
		GenPoolSize:  c.gen.Limit(),
		SendPoolSize: c.send.Limit(),
	}
	if running {
		h.Uptime = time.Since(start)
	}
	return h
}

// Pool returns the scheduling pool.
func (c *Component) Pool() *SchedulingPool { return c.pool }
