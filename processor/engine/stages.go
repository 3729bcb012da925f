package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/raulk/clock"
	"github.com/samber/lo"

	"github.com/c360studio/propd/execsvc"
	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/task"
)

const (
	phaseGen  = "gen"
	phaseSend = "send"
)

type genOutcome struct {
	task   *task.Task
	result execsvc.Result
}

type sendOutcome struct {
	send   *task.SendTask
	result execsvc.Result
}

// stage carries what every pipeline stage shares.
type stage struct {
	pool     *SchedulingPool
	reporter *Reporter
	clock    clock.Clock
	metrics  *metrics.Engine
	logger   *slog.Logger
}

func (s stage) observe(phase string, r execsvc.Result) {
	status := "ok"
	if !r.Succeeded() {
		status = "error"
	}
	s.metrics.PhaseResults.WithLabelValues(phase, status).Inc()
	s.metrics.ScriptDuration.WithLabelValues(phase).Observe(r.Duration.Seconds())
}

// GenPlanner takes new tasks and submits their generate scripts.
type GenPlanner struct {
	stage
	gen     *CompletionService[genOutcome]
	scripts scripts
}

// Run plans generates until ctx is cancelled.
func (p *GenPlanner) Run(ctx context.Context) error {
	p.logger.Debug("Gen planner started")
	for {
		t, err := p.pool.newTasks.Take(ctx)
		if err != nil {
			return nil
		}
		if err := p.plan(ctx, t); err != nil {
			return nil
		}
	}
}

func (p *GenPlanner) plan(ctx context.Context, t *task.Task) error {
	// Scripts outlive a stop; only a replaced task cancels its generate.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if !p.pool.SetGenerating(t, cancel) {
		cancel()
		return nil
	}
	t.Status = task.StatusGenerating
	t.GenStartTime = task.TimePtr(p.clock.Now())
	p.reporter.TaskStatus(ctx, t, task.StatusGenerating)

	err := p.gen.Submit(ctx, func() genOutcome {
		return genOutcome{task: t, result: p.scripts.generate(jobCtx, t)}
	})
	if err != nil {
		cancel()
		return err
	}
	p.metrics.Running.WithLabelValues(phaseGen).Set(float64(p.gen.Admitted()))
	p.logger.Debug("Generate submitted", "task_id", t.ID, "service", t.Service.Name, "facility", t.Facility.Name)
	return nil
}

// GenCollector takes finished generates and hands successful ones to the send stage.
type GenCollector struct {
	stage
	gen *CompletionService[genOutcome]
}

// Run collects generates until ctx is cancelled.
func (c *GenCollector) Run(ctx context.Context) error {
	c.logger.Debug("Gen collector started")
	for {
		o, err := c.gen.Take(ctx)
		if err != nil {
			return nil
		}
		c.metrics.Running.WithLabelValues(phaseGen).Set(float64(c.gen.Admitted()))
		c.collect(ctx, o)
	}
}

func (c *GenCollector) collect(ctx context.Context, o genOutcome) {
	c.observe(phaseGen, o.result)
	t := o.task
	if !c.pool.GenerateFinished(t) {
		c.logger.Debug("Dropping generate of replaced task", "task_id", t.ID)
		return
	}

	now := task.TimePtr(c.clock.Now())
	t.GenEndTime = now
	if !o.result.Succeeded() {
		t.Status = task.StatusGenError
		t.EndTime = now
		c.logger.Warn("Generate failed", "task_id", t.ID, "service", t.Service.Name,
			"exit_code", o.result.ExitCode, "error", o.result.Err, "stderr", truncateOutput(o.result.Stderr))
		c.reporter.TaskStatus(ctx, t, task.StatusGenError)
		c.pool.RemoveTask(t)
		return
	}

	t.Status = task.StatusGenerated
	c.reporter.TaskStatus(ctx, t, task.StatusGenerated)
	c.pool.AddGenerated(t)
}

// SendPlanner takes generated tasks and submits one send script per destination.
type SendPlanner struct {
	stage
	send    *CompletionService[sendOutcome]
	scripts scripts
}

// Run plans sends until ctx is cancelled.
func (p *SendPlanner) Run(ctx context.Context) error {
	p.logger.Debug("Send planner started")
	for {
		t, err := p.pool.generated.Take(ctx)
		if err != nil {
			return nil
		}
		if err := p.plan(ctx, t); err != nil {
			return nil
		}
	}
}

func (p *SendPlanner) plan(ctx context.Context, t *task.Task) error {
	if !p.pool.IsCurrent(t) {
		return nil
	}
	now := p.clock.Now()
	if len(t.Destinations) == 0 {
		p.logger.Warn("Task has no destinations", "task_id", t.ID, "service", t.Service.Name)
		p.sendError(ctx, t, now)
		return nil
	}
	if err := task.CheckDestinations(t.Destinations); err != nil {
		p.logger.Warn("Task destinations cannot be told apart", "task_id", t.ID,
			"service", t.Service.Name, "error", err)
		p.sendError(ctx, t, now)
		return nil
	}

	sends := lo.Map(t.Destinations, func(d task.Destination, _ int) *task.SendTask {
		return task.NewSendTask(t, d, now)
	})
	if !p.pool.AddSendTasks(t, sends) {
		p.logger.Debug("Dropping send plan of replaced task", "task_id", t.ID)
		return nil
	}
	t.Status = task.StatusSending
	t.SendStartTime = task.TimePtr(now)
	p.reporter.TaskStatus(ctx, t, task.StatusSending)

	jobCtx := context.WithoutCancel(ctx)
	for _, st := range sends {
		err := p.send.Submit(ctx, func() sendOutcome {
			return sendOutcome{send: st, result: p.scripts.send(jobCtx, st)}
		})
		if err != nil {
			return err
		}
		p.metrics.Running.WithLabelValues(phaseSend).Set(float64(p.send.Admitted()))
	}
	p.logger.Debug("Sends submitted", "task_id", t.ID, "destinations", len(sends))
	return nil
}

// sendError ends a task that cannot be sent at all.
func (p *SendPlanner) sendError(ctx context.Context, t *task.Task, now time.Time) {
	t.Status = task.StatusSendError
	t.EndTime = task.TimePtr(now)
	p.reporter.TaskStatus(ctx, t, task.StatusSendError)
	p.pool.RemoveTask(t)
}

// SendCollector takes finished sends, reports each result and completes the
// parent task once all its sends resolved.
type SendCollector struct {
	stage
	send *CompletionService[sendOutcome]
}

// Run collects sends until ctx is cancelled.
func (c *SendCollector) Run(ctx context.Context) error {
	c.logger.Debug("Send collector started")
	for {
		o, err := c.send.Take(ctx)
		if err != nil {
			return nil
		}
		c.metrics.Running.WithLabelValues(phaseSend).Set(float64(c.send.Admitted()))
		c.collect(ctx, o)
	}
}

func (c *SendCollector) collect(ctx context.Context, o sendOutcome) {
	c.observe(phaseSend, o.result)
	st := o.send
	now := c.clock.Now()
	st.EndTime = task.TimePtr(now)
	st.ReturnCode = o.result.ExitCode
	st.Stdout = truncateOutput(o.result.Stdout)
	st.Stderr = truncateOutput(o.result.Stderr)
	st.Status = task.SendStatusSent
	if !o.result.Succeeded() {
		st.Status = task.SendStatusError
		c.logger.Warn("Send failed", "task_id", st.Task.ID, "destination", st.Destination.Destination,
			"exit_code", o.result.ExitCode, "error", o.result.Err)
	}

	resolved, sends := c.pool.CompleteSendTask(st)
	if !resolved && !c.pool.IsCurrent(st.Task) {
		c.logger.Debug("Dropping send of replaced task", "task_id", st.Task.ID)
		return
	}
	c.reporter.TaskResult(ctx, st)
	if !resolved {
		return
	}

	t := st.Task
	allSent := lo.EveryBy(sends, func(s *task.SendTask) bool { return s.Status == task.SendStatusSent })
	t.SendEndTime = task.TimePtr(now)
	t.EndTime = task.TimePtr(now)
	t.Status = task.StatusDone
	if !allSent {
		t.Status = task.StatusSendError
	}
	c.logger.Info("Task propagated", "task_id", t.ID, "service", t.Service.Name,
		"facility", t.Facility.Name, "status", t.Status, "destinations", len(sends))
	c.reporter.TaskStatus(ctx, t, t.Status)
	c.pool.RemoveTask(t)
}
