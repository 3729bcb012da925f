package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"

	"github.com/c360studio/propd/task"
)

var ddls = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		facility_id INTEGER NOT NULL,
		service_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		engine_id INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS tasks_status_index ON tasks (status)`,

	`CREATE TABLE IF NOT EXISTS task_results (
		task_id INTEGER NOT NULL,
		destination_id INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (task_id, destination_id)
	)`,
}

const (
	insertTask    = `INSERT INTO tasks (facility_id, service_id, status, engine_id, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	updateTask    = `UPDATE tasks SET facility_id = ?, service_id = ?, status = ?, engine_id = ?, data = ?, updated_at = ? WHERE id = ?`
	selectTask    = `SELECT engine_id, data FROM tasks WHERE id = ?`
	selectTasks   = `SELECT id, engine_id, data FROM tasks ORDER BY id`
	deleteTask    = `DELETE FROM tasks WHERE id = ?`
	deleteResults = `DELETE FROM task_results WHERE task_id = ?`
	upsertResult  = `INSERT INTO task_results (task_id, destination_id, data) VALUES (?, ?, ?) ON CONFLICT (task_id, destination_id) DO UPDATE SET data = excluded.data`
	selectResults = `SELECT data FROM task_results WHERE task_id = ? ORDER BY destination_id`
)

// SQLRepository is a TaskRepository backed by a SQLite database.
type SQLRepository struct {
	db *sql.DB

	stmtInsertTask    *sql.Stmt
	stmtUpdateTask    *sql.Stmt
	stmtSelectTask    *sql.Stmt
	stmtSelectTasks   *sql.Stmt
	stmtDeleteTask    *sql.Stmt
	stmtDeleteResults *sql.Stmt
	stmtUpsertResult  *sql.Stmt
	stmtSelectResults *sql.Stmt
}

// NewSQLRepository opens (creating if needed) the SQLite database at path.
func NewSQLRepository(ctx context.Context, path string) (*SQLRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, ddl := range ddls {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init task db: %w", err)
		}
	}

	r := &SQLRepository{db: db}
	if err := r.initStatements(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("prepare task db statements: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initStatements() error {
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&r.stmtInsertTask, insertTask},
		{&r.stmtUpdateTask, updateTask},
		{&r.stmtSelectTask, selectTask},
		{&r.stmtSelectTasks, selectTasks},
		{&r.stmtDeleteTask, deleteTask},
		{&r.stmtDeleteResults, deleteResults},
		{&r.stmtUpsertResult, upsertResult},
		{&r.stmtSelectResults, selectResults},
	}
	for _, s := range stmts {
		stmt, err := r.db.Prepare(s.query)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", s.query, err)
		}
		*s.dst = stmt
	}
	return nil
}

// ScheduleNewTask inserts the task and sets its id from the new row.
func (r *SQLRepository) ScheduleNewTask(ctx context.Context, t *task.Task, engineID int) (int, error) {
	if r.db == nil {
		return 0, ErrClosed
	}
	data, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("marshal task: %w", err)
	}
	res, err := r.stmtInsertTask.ExecContext(ctx,
		t.Facility.ID, t.Service.ID, string(t.Status), engineID, string(data), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read task id: %w", err)
	}
	// The stored document must carry the id too.
	stored := t.Clone()
	stored.ID = int(id)
	if err := r.UpdateTask(ctx, stored, engineID); err != nil {
		if rmErr := r.RemoveTask(ctx, stored.ID); rmErr != nil {
			err = multierr.Append(err, rmErr)
		}
		return 0, err
	}
	t.ID = stored.ID
	return t.ID, nil
}

// UpdateTask overwrites the row of the task.
func (r *SQLRepository) UpdateTask(ctx context.Context, t *task.Task, engineID int) error {
	if r.db == nil {
		return ErrClosed
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	res, err := r.stmtUpdateTask.ExecContext(ctx,
		t.Facility.ID, t.Service.ID, string(t.Status), engineID, string(data), time.Now().UnixMilli(), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update task %d: %w", t.ID, ErrNotFound)
	}
	return nil
}

// GetTaskByID reads one task row.
func (r *SQLRepository) GetTaskByID(ctx context.Context, id int) (*TaskRecord, error) {
	if r.db == nil {
		return nil, ErrClosed
	}
	var (
		engineID int
		data     string
	)
	if err := r.stmtSelectTask.QueryRowContext(ctx, id).Scan(&engineID, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	t.ID = id
	return &TaskRecord{Task: &t, EngineID: engineID}, nil
}

// ListAllTasksAndEngines reads every task row.
func (r *SQLRepository) ListAllTasksAndEngines(ctx context.Context) ([]TaskRecord, error) {
	if r.db == nil {
		return nil, ErrClosed
	}
	rows, err := r.stmtSelectTasks.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []TaskRecord
	for rows.Next() {
		var (
			id, engineID int
			data         string
		)
		if err := rows.Scan(&id, &engineID, &data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t task.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			continue
		}
		t.ID = id
		records = append(records, TaskRecord{Task: &t, EngineID: engineID})
	}
	return records, rows.Err()
}

// RemoveTask deletes the task row and its results in one transaction.
func (r *SQLRepository) RemoveTask(ctx context.Context, id int) error {
	if r.db == nil {
		return ErrClosed
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.StmtContext(ctx, r.stmtDeleteResults).ExecContext(ctx, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete results: %w", err)
	}
	if _, err := tx.StmtContext(ctx, r.stmtDeleteTask).ExecContext(ctx, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

// SaveTaskResult upserts the result for its (task, destination).
func (r *SQLRepository) SaveTaskResult(ctx context.Context, res *task.Result) error {
	if r.db == nil {
		return ErrClosed
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := r.stmtUpsertResult.ExecContext(ctx, res.TaskID, res.DestinationID, string(data)); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// ListTaskResults reads the results of a task.
func (r *SQLRepository) ListTaskResults(ctx context.Context, taskID int) ([]*task.Result, error) {
	if r.db == nil {
		return nil, ErrClosed
	}
	rows, err := r.stmtSelectResults.QueryContext(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]*task.Result, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var res task.Result
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			continue
		}
		results = append(results, &res)
	}
	return results, rows.Err()
}

// Close releases the statements and the database.
func (r *SQLRepository) Close() error {
	if r.db == nil {
		return nil
	}
	for _, stmt := range []*sql.Stmt{
		r.stmtInsertTask, r.stmtUpdateTask, r.stmtSelectTask, r.stmtSelectTasks,
		r.stmtDeleteTask, r.stmtDeleteResults, r.stmtUpsertResult, r.stmtSelectResults,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	err := r.db.Close()
	r.db = nil
	return err
}
