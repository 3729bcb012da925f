package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/propd/eventsource"
	"github.com/c360studio/propd/task"
)

func event(body string) eventsource.Event {
	return eventsource.Event{Header: "test", Body: body}
}

// A forced event for an unseen pair creates a forced WAITING
// task scheduled with zero delay.
func TestEventProcessor_ForcedEventCreatesTask(t *testing.T) {
	e := newTestEnv(t)
	err := e.events.ProcessEvent(context.Background(),
		event("Facility:[id=<10>] Service:[id=<1>] force propagation: by admin"))
	require.NoError(t, err)

	tk := e.pool.TaskByKey(task.Key{FacilityID: facA, ServiceID: svcPasswd})
	require.NotNil(t, tk)
	got := e.snapshot(t, tk.ID)
	assert.Equal(t, task.StatusWaiting, got.Status)
	assert.True(t, got.PropagationForced)
	assert.Equal(t, e.clock.Now(), *got.Schedule)

	s := e.pool.forced.TryPoll()
	require.NotNil(t, s)
	assert.Equal(t, time.Duration(0), s.Delay)
	assert.Equal(t, tk.ID, s.Task.ID)
}

func TestEventProcessor_ForceMarkerIsCaseSensitive(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.events.ProcessEvent(context.Background(),
		event("Facility:[id=<10>] Service:[id=<1>] Force Propagation: nope")))

	tk := e.pool.TaskByKey(task.Key{FacilityID: facA, ServiceID: svcPasswd})
	require.NotNil(t, tk)
	assert.False(t, e.snapshot(t, tk.ID).PropagationForced)
	assert.True(t, e.pool.normal.Contains(tk.ID))
}

// The same event again updates the WAITING task in place.
func TestEventProcessor_RepeatedEventUpdatesTask(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	body := "Facility:[id=<10>] Service:[id=<1>] force propagation: by admin"
	require.NoError(t, e.events.ProcessEvent(ctx, event(body)))

	tk := e.pool.TaskByKey(task.Key{FacilityID: facA, ServiceID: svcPasswd})
	require.NotNil(t, tk)
	e.pool.WithTask(tk.ID, func(tk *task.Task) {
		tk.Recurrence = 3
		tk.Destinations = []task.Destination{{ID: 100, Destination: "node1.example.org"}}
	})

	require.NoError(t, e.events.ProcessEvent(ctx, event(body)))

	assert.Equal(t, 1, e.pool.Len())
	got := e.snapshot(t, tk.ID)
	assert.Equal(t, task.StatusWaiting, got.Status)
	assert.True(t, got.SourceUpdated)
	assert.Equal(t, 0, got.Recurrence)
	assert.Empty(t, got.Destinations)
	assert.Equal(t, 1, e.pool.forced.Len())
}

func TestEventProcessor_InFlightTaskOnlyMarked(t *testing.T) {
	e := newTestEnv(t)
	tk := e.newTask(t, facA, svcPasswd, task.StatusSending, 1)

	require.NoError(t, e.events.ProcessEvent(context.Background(), event("Facility:[id=<10>] Service:[id=<1>]")))

	got := e.snapshot(t, tk.ID)
	assert.Equal(t, task.StatusSending, got.Status)
	assert.True(t, got.SourceUpdated)
	assert.Equal(t, 0, e.pool.normal.Len()+e.pool.forced.Len())
}

func TestEventProcessor_SkipsDisabledAndDenied(t *testing.T) {
	e := newTestEnv(t)
	// Facility alone resolves to all three services of cluster-a.
	require.NoError(t, e.events.ProcessEvent(context.Background(), event("Facility:[id=<10>] updated")))

	assert.Equal(t, 1, e.pool.Len())
	assert.NotNil(t, e.pool.TaskByKey(task.Key{FacilityID: facA, ServiceID: svcPasswd}))
	assert.Nil(t, e.pool.TaskByKey(task.Key{FacilityID: facA, ServiceID: svcDisabled}))
	assert.Nil(t, e.pool.TaskByKey(task.Key{FacilityID: facA, ServiceID: svcDenied}))
}

func TestEventProcessor_InvalidEvents(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	assert.Error(t, e.events.ProcessEvent(ctx, event("nothing to see")))
	assert.Error(t, e.events.ProcessEvent(ctx, event("Service:[id=<99>]")))
	assert.Equal(t, 0, e.pool.Len())
}

func TestEventProcessor_EnforcedRulesRouteOrDrop(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.EnforceRules = true
		c.RoutingRules = map[int][]string{1: {"ldap/**"}, 2: {"core/**"}}
	})
	e.register(t, 1)
	e.register(t, 2)
	ctx := context.Background()

	require.NoError(t, e.events.ProcessEvent(ctx, eventsource.Event{Header: "core/facility", Body: "Facility:[id=<11>] Service:[id=<1>]"}))
	tk := e.pool.TaskByKey(task.Key{FacilityID: facB, ServiceID: svcPasswd})
	require.NotNil(t, tk)
	assert.Equal(t, 2, e.pool.EngineFor(tk.ID))

	require.NoError(t, e.events.ProcessEvent(ctx, eventsource.Event{Header: "audit/other", Body: "Facility:[id=<10>] Service:[id=<1>]"}))
	assert.Nil(t, e.pool.TaskByKey(task.Key{FacilityID: facA, ServiceID: svcPasswd}), "no engine accepts the header")
}

func TestEventProcessor_RunDrainsQueue(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.events.Run(ctx) }()

	e.events.Enqueue(event("Facility:[id=<10>] Service:[id=<1>]"))
	e.events.Enqueue(event("garbage"))
	e.events.Enqueue(event("Facility:[id=<11>] Service:[id=<1>]"))

	require.Eventually(t, func() bool { return e.pool.Len() == 2 && e.events.Pending() == 0 },
		5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
