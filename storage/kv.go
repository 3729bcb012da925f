package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/propd/task"
)

// Bucket names for each record type.
const (
	BucketTasks   = "PROPD_TASKS"
	BucketResults = "PROPD_TASK_RESULTS"
)

const (
	taskKeyPrefix = "task."
	sequenceKey   = "meta.sequence"
)

// KVRepository is a TaskRepository backed by NATS KV buckets.
type KVRepository struct {
	tasks   jetstream.KeyValue
	results jetstream.KeyValue
}

// NewKVRepository opens the task buckets, creating them if they don't exist.
func NewKVRepository(ctx context.Context, js jetstream.JetStream) (*KVRepository, error) {
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}

	results, err := getOrCreateBucket(ctx, js, BucketResults)
	if err != nil {
		return nil, fmt.Errorf("create results bucket: %w", err)
	}

	return &KVRepository{tasks: tasks, results: results}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("propd %s storage", strings.ToLower(name)),
		History:     5,
	})
}

func taskKey(id int) string {
	return taskKeyPrefix + strconv.Itoa(id)
}

func resultKey(taskID, destinationID int) string {
	return fmt.Sprintf("%d.%d", taskID, destinationID)
}

// nextID allocates the next task id with a compare-and-set on the sequence key.
func (r *KVRepository) nextID(ctx context.Context) (int, error) {
	var id int
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		entry, err := r.tasks.Get(ctx, sequenceKey)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := r.tasks.Create(ctx, sequenceKey, []byte("1")); err != nil {
				return fmt.Errorf("init sequence: %w", err)
			}
			id = 1
			return nil
		}
		if err != nil {
			return fmt.Errorf("read sequence: %w", err)
		}

		current, err := strconv.Atoi(string(entry.Value()))
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("corrupt sequence value %q", entry.Value()))
		}
		next := current + 1
		if _, err := r.tasks.Update(ctx, sequenceKey, []byte(strconv.Itoa(next)), entry.Revision()); err != nil {
			return fmt.Errorf("advance sequence: %w", err)
		}
		id = next
		return nil
	})
	return id, err
}

// ScheduleNewTask assigns an id to the task and stores it.
func (r *KVRepository) ScheduleNewTask(ctx context.Context, t *task.Task, engineID int) (int, error) {
	id, err := r.nextID(ctx)
	if err != nil {
		return 0, err
	}
	// The caller's task only gets the id once it is stored.
	stored := t.Clone()
	stored.ID = id

	data, err := json.Marshal(TaskRecord{Task: stored, EngineID: engineID})
	if err != nil {
		return 0, fmt.Errorf("marshal task: %w", err)
	}
	if _, err := r.tasks.Create(ctx, taskKey(id), data); err != nil {
		return 0, fmt.Errorf("store task: %w", err)
	}
	t.ID = id
	return id, nil
}

// UpdateTask overwrites the stored task.
func (r *KVRepository) UpdateTask(ctx context.Context, t *task.Task, engineID int) error {
	data, err := json.Marshal(TaskRecord{Task: t, EngineID: engineID})
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := r.tasks.Put(ctx, taskKey(t.ID), data); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// GetTaskByID retrieves a task by id.
func (r *KVRepository) GetTaskByID(ctx context.Context, id int) (*TaskRecord, error) {
	entry, err := r.tasks.Get(ctx, taskKey(id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var rec TaskRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &rec, nil
}

// ListAllTasksAndEngines returns all stored tasks. Undecodable entries are skipped.
func (r *KVRepository) ListAllTasksAndEngines(ctx context.Context) ([]TaskRecord, error) {
	keys, err := r.tasks.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	records := make([]TaskRecord, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, taskKeyPrefix) {
			continue
		}
		entry, err := r.tasks.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec TaskRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil || rec.Task == nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Task.ID < records[j].Task.ID })
	return records, nil
}

// RemoveTask deletes the task and its results.
func (r *KVRepository) RemoveTask(ctx context.Context, id int) error {
	if err := r.tasks.Delete(ctx, taskKey(id)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete task: %w", err)
	}

	keys, err := r.resultKeys(ctx, id)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := r.results.Delete(ctx, key); err != nil && !isNotFound(err) {
			return fmt.Errorf("delete result %s: %w", key, err)
		}
	}
	return nil
}

// SaveTaskResult stores the result under its (task, destination) key.
func (r *KVRepository) SaveTaskResult(ctx context.Context, res *task.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := r.results.Put(ctx, resultKey(res.TaskID, res.DestinationID), data); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// ListTaskResults returns the stored results of a task.
func (r *KVRepository) ListTaskResults(ctx context.Context, taskID int) ([]*task.Result, error) {
	keys, err := r.resultKeys(ctx, taskID)
	if err != nil {
		return nil, err
	}

	results := make([]*task.Result, 0, len(keys))
	for _, key := range keys {
		entry, err := r.results.Get(ctx, key)
		if err != nil {
			continue
		}
		var res task.Result
		if err := json.Unmarshal(entry.Value(), &res); err != nil {
			continue
		}
		results = append(results, &res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].DestinationID < results[j].DestinationID })
	return results, nil
}

func (r *KVRepository) resultKeys(ctx context.Context, taskID int) ([]string, error) {
	keys, err := r.results.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list result keys: %w", err)
	}
	prefix := strconv.Itoa(taskID) + "."
	var out []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Close is a no-op; the JetStream connection is owned by the caller.
func (r *KVRepository) Close() error {
	return nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
