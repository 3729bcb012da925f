package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/propd/storage"
	"github.com/c360studio/propd/task"
)

type fakeTasks struct {
	records    []storage.TaskRecord
	gotFilter  []task.Status
	results    []*task.Result
	resultsErr error
}

func (f *fakeTasks) Snapshot(statuses ...task.Status) []storage.TaskRecord {
	f.gotFilter = statuses
	if len(statuses) == 0 {
		return f.records
	}
	var out []storage.TaskRecord
	for _, r := range f.records {
		for _, s := range statuses {
			if r.Task.Status == s {
				out = append(out, r)
			}
		}
	}
	return out
}

func (f *fakeTasks) Get(id int) (storage.TaskRecord, bool) {
	for _, r := range f.records {
		if r.Task.ID == id {
			return r, true
		}
	}
	return storage.TaskRecord{}, false
}

func (f *fakeTasks) Results(_ context.Context, _ int) ([]*task.Result, error) {
	return f.results, f.resultsErr
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{records: []storage.TaskRecord{
		{Task: &task.Task{ID: 1, Status: task.StatusDone, Service: task.Service{Name: "passwd"}}, EngineID: 2},
		{Task: &task.Task{ID: 2, Status: task.StatusError}, EngineID: storage.NoEngine},
		{Task: &task.Task{ID: 3, Status: task.StatusWaiting}, EngineID: storage.NoEngine},
	}}
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	healthy := true
	r := NewRouter(Options{Health: func() (any, bool) {
		return map[string]any{"healthy": healthy, "tasks": 4}, healthy
	}})

	rec, body := get(t, r, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4.0, body["tasks"])

	healthy = false
	rec, _ = get(t, r, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "propd_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec, _ := get(t, NewRouter(Options{Gatherer: reg}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "propd_test_total 1")
}

func TestTasks_List(t *testing.T) {
	tasks := newFakeTasks()
	r := NewRouter(Options{Tasks: tasks})

	rec, body := get(t, r, "/tasks")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3.0, body["count"])

	rec, body = get(t, r, "/tasks?status=error,done,ERROR")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["count"])
	assert.Equal(t, []task.Status{task.StatusError, task.StatusDone}, tasks.gotFilter)

	rec, _ = get(t, r, "/tasks?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTasks_Get(t *testing.T) {
	tasks := newFakeTasks()
	tasks.results = []*task.Result{{TaskID: 1, Destination: "node1", Status: task.SendStatusSent}}
	r := NewRouter(Options{Tasks: tasks})

	rec, body := get(t, r, "/tasks/1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["engine_id"])
	require.Len(t, body["results"], 1)

	rec, _ = get(t, r, "/tasks/99")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = get(t, r, "/tasks/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tasks.resultsErr = errors.New("db down")
	rec, _ = get(t, r, "/tasks/1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTaskRoutesDisabledWithoutSource(t *testing.T) {
	rec, _ := get(t, NewRouter(Options{}), "/tasks")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RunStopsWithContext(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewRouter(Options{}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
