// Package storage persists Dispatcher tasks, their engine assignment and the
// per-destination results reported by Engines. Two backends are provided: a
// NATS KV backend and a SQLite backend.
package storage

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/propd/task"
)

// NoEngine is the engine id stored for a task without an assignment.
const NoEngine = 0

// TaskRecord is a persisted task with its assigned engine.
type TaskRecord struct {
	Task     *task.Task `json:"task"`
	EngineID int        `json:"engine_id"`
}

// TaskRepository is the durable task store read in full on Dispatcher start.
type TaskRepository interface {
	// ScheduleNewTask persists a task without an id and returns the assigned id.
	ScheduleNewTask(ctx context.Context, t *task.Task, engineID int) (int, error)

	// UpdateTask overwrites the persisted task and its engine assignment.
	UpdateTask(ctx context.Context, t *task.Task, engineID int) error

	// GetTaskByID returns ErrNotFound for unknown ids.
	GetTaskByID(ctx context.Context, id int) (*TaskRecord, error)

	// ListAllTasksAndEngines returns every persisted task ordered by id.
	ListAllTasksAndEngines(ctx context.Context) ([]TaskRecord, error)

	// RemoveTask deletes a task and its results. Removing an unknown id is not an error.
	RemoveTask(ctx context.Context, id int) error

	// SaveTaskResult stores the latest result per (task, destination).
	SaveTaskResult(ctx context.Context, r *task.Result) error

	// ListTaskResults returns the results of a task ordered by destination id.
	ListTaskResults(ctx context.Context, taskID int) ([]*task.Result, error)

	Close() error
}

// Backend names accepted by Open.
const (
	BackendKV     = "kv"
	BackendSQLite = "sqlite"
)

// Options selects and configures a repository backend.
type Options struct {
	Backend    string
	SQLitePath string
}

// Open creates the repository selected by opts. js is only used by the KV backend.
func Open(ctx context.Context, opts Options, js jetstream.JetStream) (TaskRepository, error) {
	switch opts.Backend {
	case BackendKV, "":
		if js == nil {
			return nil, fmt.Errorf("kv backend requires a JetStream context")
		}
		return NewKVRepository(ctx, js)
	case BackendSQLite:
		return NewSQLRepository(ctx, opts.SQLitePath)
	}
	return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
}
