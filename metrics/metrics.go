// Package metrics defines the Prometheus collectors of the Dispatcher and the
// Engine. Each daemon registers its collectors on a private registry that the
// status API exposes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "propd"

// Dispatcher holds the Dispatcher collectors.
type Dispatcher struct {
	EventsProcessed  *prometheus.CounterVec
	TasksScheduled   *prometheus.CounterVec
	PoolSize         prometheus.Gauge
	QueuedTasks      *prometheus.GaugeVec
	EnginesConnected prometheus.Gauge
	MaintainerAction *prometheus.CounterVec
	ControlMessages  *prometheus.CounterVec
}

// NewDispatcher creates the Dispatcher collectors and registers them on reg.
// A nil reg leaves them unregistered, which tests use.
func NewDispatcher(reg prometheus.Registerer) *Dispatcher {
	m := &Dispatcher{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "events_processed_total",
			Help:      "Audit events processed, by result.",
		}, []string{"result"}),
		TasksScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "tasks_scheduled_total",
			Help:      "Scheduling attempts, by outcome.",
		}, []string{"outcome"}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "pool_tasks",
			Help:      "Tasks held in the scheduling pool.",
		}),
		QueuedTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "queued_tasks",
			Help:      "Tasks waiting in a delay queue.",
		}, []string{"queue"}),
		EnginesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "engines_registered",
			Help:      "Engines with a registered queue.",
		}),
		MaintainerAction: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "maintainer_actions_total",
			Help:      "Task transitions made by the propagation maintainer, by action.",
		}, []string{"action"}),
		ControlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "control_messages_total",
			Help:      "Engine control messages received, by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsProcessed, m.TasksScheduled, m.PoolSize, m.QueuedTasks,
			m.EnginesConnected, m.MaintainerAction, m.ControlMessages,
		)
	}
	return m
}

// Engine holds the Engine collectors.
type Engine struct {
	TasksReceived  prometheus.Counter
	PhaseResults   *prometheus.CounterVec
	ScriptDuration *prometheus.HistogramVec
	Running        *prometheus.GaugeVec
}

// NewEngine creates the Engine collectors and registers them on reg.
func NewEngine(reg prometheus.Registerer) *Engine {
	m := &Engine{
		TasksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tasks_received_total",
			Help:      "Task messages accepted from the dispatcher.",
		}),
		PhaseResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "phase_results_total",
			Help:      "Finished generate and send executions, by phase and status.",
		}, []string{"phase", "status"}),
		ScriptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "script_duration_seconds",
			Help:      "Wall time of generate and send scripts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"phase"}),
		Running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "running_scripts",
			Help:      "Scripts currently admitted to a worker pool, by phase.",
		}, []string{"phase"}),
	}
	if reg != nil {
		reg.MustRegister(m.TasksReceived, m.PhaseResults, m.ScriptDuration, m.Running)
	}
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
