package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/propd/storage"
	"github.com/c360studio/propd/task"
	"github.com/c360studio/propd/wire"
)

func TestSystemQueue_RegisterCreatesQueue(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, 3)
	e.register(t, 1)

	assert.Equal(t, []int{1, 3}, e.queues.IDs())
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.EnginesConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.ControlMessages.WithLabelValues("register")))
}

func TestSystemQueue_ReRegisterClosesEngineTasks(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, 1)
	q := e.queues.Get(1)
	require.NotNil(t, q)

	tk := e.newTask(t, facA, svcPasswd, task.StatusSending, 1)
	e.register(t, 1)

	got := e.queues.Get(1)
	require.NotNil(t, got)
	assert.Same(t, q, got, "a restarted engine keeps its queue")
	assert.Equal(t, task.StatusError, e.snapshot(t, tk.ID).Status)
	assert.Equal(t, storage.NoEngine, e.pool.EngineFor(tk.ID))
}

// After goodbye the engine's tasks fail and the engine is never
// chosen again.
func TestSystemQueue_GoodbyeRemovesEngine(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, 1)
	e.register(t, 2)
	tk := e.newTask(t, facA, svcPasswd, task.StatusGenerating, 2)

	require.NoError(t, e.system.HandleMessage(context.Background(), wire.Goodbye(2)))

	assert.False(t, e.queues.IsRegistered(2))
	assert.Equal(t, task.StatusError, e.snapshot(t, tk.ID).Status)
	assert.Equal(t, storage.NoEngine, e.pool.EngineFor(tk.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.EnginesConnected))
	for i := 0; i < 5; i++ {
		q := e.queues.AvailableQueue()
		require.NotNil(t, q)
		assert.Equal(t, 1, q.ID())
	}
}

func TestSystemQueue_GoodbyeUnknownEngine(t *testing.T) {
	e := newTestEnv(t)
	assert.NoError(t, e.system.HandleMessage(context.Background(), wire.Goodbye(42)))
	assert.Equal(t, 0, e.queues.Len())
}

func TestSystemQueue_StatusUpdatesTimestamps(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, 1)
	tk := e.newTask(t, facA, svcPasswd, task.StatusPlanned, 1)
	e.set(t, tk.ID, func(tk *task.Task) { tk.Recurrence = 3 })
	ctx := context.Background()

	genStart := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	genEnd := genStart.Add(10 * time.Second)
	sendStart := genEnd.Add(time.Second)
	done := sendStart.Add(20 * time.Second)

	steps := []struct {
		status task.Status
		at     time.Time
	}{
		{task.StatusGenerating, genStart},
		{task.StatusGenerated, genEnd},
		{task.StatusSending, sendStart},
		{task.StatusDone, done},
	}
	for _, s := range steps {
		require.NoError(t, e.system.HandleMessage(ctx, wire.TaskStatus(1, tk.ID, s.status, s.at)))
		assert.Equal(t, s.status, e.snapshot(t, tk.ID).Status)
	}

	got := e.snapshot(t, tk.ID)
	assert.True(t, genStart.Equal(*got.GenStartTime))
	assert.True(t, genEnd.Equal(*got.GenEndTime))
	assert.True(t, sendStart.Equal(*got.SendStartTime))
	assert.True(t, done.Equal(*got.SendEndTime))
	assert.True(t, done.Equal(*got.EndTime))
	assert.Equal(t, 0, got.Recurrence, "DONE resets recurrence")

	rec, ok := e.repo.row(tk.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusDone, rec.Task.Status)
}

func TestSystemQueue_StatusFromOtherEngineIgnored(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, 1)
	e.register(t, 2)
	tk := e.newTask(t, facA, svcPasswd, task.StatusPlanned, 1)

	require.NoError(t, e.system.HandleMessage(context.Background(),
		wire.TaskStatus(2, tk.ID, task.StatusDone, e.clock.Now())))

	assert.Equal(t, task.StatusPlanned, e.snapshot(t, tk.ID).Status)
}

func TestSystemQueue_TerminalStatusReschedulesUpdatedSource(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, 1)
	tk := e.newTask(t, facA, svcPasswd, task.StatusSending, 1)
	e.set(t, tk.ID, func(tk *task.Task) { tk.SourceUpdated = true })

	require.NoError(t, e.system.HandleMessage(context.Background(),
		wire.TaskStatus(1, tk.ID, task.StatusSendError, e.clock.Now())))

	assert.Equal(t, task.StatusWaiting, e.snapshot(t, tk.ID).Status)
	assert.True(t, e.pool.normal.Contains(tk.ID))
}

func TestSystemQueue_StatusForUnknownTask(t *testing.T) {
	e := newTestEnv(t)
	assert.NoError(t, e.system.HandleMessage(context.Background(),
		wire.TaskStatus(1, 999, task.StatusDone, e.clock.Now())))
}

func TestSystemQueue_MalformedMessages(t *testing.T) {
	e := newTestEnv(t)
	for _, line := range []string{
		"",
		"register",
		"register:abc",
		"hello:1",
		"task:1:2:DONE",
		"task:1:2:BOGUS:1700000000000",
		"taskresult:1:",
		"taskresult:1:{not json",
	} {
		err := e.system.HandleMessage(context.Background(), line)
		assert.ErrorIs(t, err, wire.ErrMessageFormat, "line %q", line)
	}
	assert.Equal(t, 8.0, testutil.ToFloat64(e.metrics.ControlMessages.WithLabelValues("malformed")))
}

func TestSystemQueue_TaskResultStored(t *testing.T) {
	e := newTestEnv(t)
	tk := e.newTask(t, facA, svcPasswd, task.StatusSending, 1)

	line, err := wire.TaskResult(1, &task.Result{
		TaskID:        tk.ID,
		DestinationID: 100,
		Destination:   "node1.example.org",
		ServiceName:   "passwd",
		Status:        task.SendStatusSent,
		Timestamp:     e.clock.Now(),
		EngineID:      1,
	})
	require.NoError(t, err)
	require.NoError(t, e.system.HandleMessage(context.Background(), line))

	results, err := e.pool.Results(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "node1.example.org", results[0].Destination)
	assert.Equal(t, task.SendStatusSent, results[0].Status)
}
