package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/propd/execsvc"
	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/task"
	"github.com/c360studio/propd/wire"
)

// fakePublisher records control messages. The first failures publishes fail.
type fakePublisher struct {
	mu       sync.Mutex
	lines    []string
	failures int
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return nil, context.DeadlineExceeded
	}
	p.lines = append(p.lines, string(payload))
	return &jetstream.PubAck{Stream: "PROPD", Sequence: uint64(len(p.lines))}, nil
}

func (p *fakePublisher) controls(t *testing.T) []*wire.Control {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*wire.Control, 0, len(p.lines))
	for _, l := range p.lines {
		c, err := wire.ParseControl(l)
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

// statuses returns the task statuses reported for taskID, in order.
func (p *fakePublisher) statuses(t *testing.T, taskID int) []task.Status {
	t.Helper()
	var out []task.Status
	for _, c := range p.controls(t) {
		if c.Kind == wire.KindTask && c.TaskID == taskID {
			out = append(out, c.Status)
		}
	}
	return out
}

func (p *fakePublisher) results(t *testing.T, taskID int) []*task.Result {
	t.Helper()
	var out []*task.Result
	for _, c := range p.controls(t) {
		if c.Kind == wire.KindTaskResult && c.TaskID == taskID {
			out = append(out, c.Result)
		}
	}
	return out
}

// fakeRunner answers every command through respond and records the calls.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []execsvc.Command
	respond func(ctx context.Context, cmd execsvc.Command) execsvc.Result
}

func (r *fakeRunner) Run(ctx context.Context, cmd execsvc.Command) execsvc.Result {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	respond := r.respond
	r.mu.Unlock()
	if respond == nil {
		return execsvc.Result{Stdout: "ok", Duration: time.Millisecond}
	}
	return respond(ctx, cmd)
}

func (r *fakeRunner) commands(phase string) []execsvc.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []execsvc.Command
	for _, c := range r.calls {
		if filepath.Base(filepath.Dir(c.Path)) == phase {
			out = append(out, c)
		}
	}
	return out
}

// pipeline runs the four stages over a pool without NATS.
type pipeline struct {
	pool    *SchedulingPool
	pub     *fakePublisher
	runner  *fakeRunner
	metrics *metrics.Engine
	clock   *clock.Mock
}

func newPipeline(t *testing.T, runner *fakeRunner) *pipeline {
	t.Helper()
	p := newPipelineWith(t, runner, "/opt/propd/scripts")
	p.runner = runner
	return p
}

// newPipelineWith runs the stages with any runner over scripts in dir.
func newPipelineWith(t *testing.T, runner ScriptRunner, dir string) *pipeline {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	p := &pipeline{
		pool:    NewSchedulingPool(),
		pub:     &fakePublisher{},
		metrics: metrics.NewEngine(nil),
		clock:   clk,
	}
	reporter := NewReporter(1, p.pub, time.Second, clk, nil)
	reporter.registerBackoff = &backoff.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond}
	st := stage{pool: p.pool, reporter: reporter, clock: clk, metrics: p.metrics, logger: reporter.logger}
	sc := scripts{runner: runner, dir: dir}
	gen := NewCompletionService[genOutcome](2)
	send := NewCompletionService[sendOutcome](3)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{
		(&GenPlanner{stage: st, gen: gen, scripts: sc}).Run,
		(&GenCollector{stage: st, gen: gen}).Run,
		(&SendPlanner{stage: st, send: send, scripts: sc}).Run,
		(&SendCollector{stage: st, send: send}).Run,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return p
}

func testTask(id int, destinations ...string) *task.Task {
	t := &task.Task{
		ID:       id,
		Status:   task.StatusPlanned,
		Facility: task.Facility{ID: 10, Name: "cluster-a"},
		Service:  task.Service{ID: 1, Name: "passwd", Enabled: true, Script: "passwd"},
	}
	for i, d := range destinations {
		t.Destinations = append(t.Destinations, task.Destination{ID: 100 + i, Destination: d, Type: "host"})
	}
	return t
}

// waitStatus waits until the last status reported for the task is want.
func (p *pipeline) waitStatus(t *testing.T, taskID int, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := p.pub.statuses(t, taskID)
		return len(got) > 0 && got[len(got)-1] == want
	}, 5*time.Second, 5*time.Millisecond, "task %d never reported %s", taskID, want)
}
