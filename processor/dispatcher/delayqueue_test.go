package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/propd/task"
)

func schedule(clk clock.Clock, id int, delay time.Duration) *TaskSchedule {
	return &TaskSchedule{Task: &task.Task{ID: id}, Base: clk.Now(), Delay: delay}
}

func TestDelayQueue_OrdersByReadyTime(t *testing.T) {
	clk := clock.NewMock()
	q := NewDelayQueue(clk, nil)

	q.Put(schedule(clk, 1, 30*time.Second))
	q.Put(schedule(clk, 2, 10*time.Second))
	q.Put(schedule(clk, 3, 20*time.Second))

	assert.Nil(t, q.TryPoll(), "nothing is ready yet")

	clk.Add(time.Minute)
	var got []int
	for s := q.TryPoll(); s != nil; s = q.TryPoll() {
		got = append(got, s.Task.ID)
	}
	assert.Equal(t, []int{2, 3, 1}, got)
}

func TestDelayQueue_SameReadyTimeKeepsInsertionOrder(t *testing.T) {
	clk := clock.NewMock()
	q := NewDelayQueue(clk, nil)
	for id := 1; id <= 5; id++ {
		q.Put(schedule(clk, id, 0))
	}
	var got []int
	for s := q.TryPoll(); s != nil; s = q.TryPoll() {
		got = append(got, s.Task.ID)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestDelayQueue_PutReplacesSchedule(t *testing.T) {
	clk := clock.NewMock()
	q := NewDelayQueue(clk, nil)

	q.Put(schedule(clk, 1, time.Hour))
	q.Put(schedule(clk, 1, 0))

	assert.Equal(t, 1, q.Len())
	s := q.TryPoll()
	require.NotNil(t, s)
	assert.Equal(t, time.Duration(0), s.Delay)
	assert.Equal(t, 0, q.Len())
}

func TestDelayQueue_RemoveAndClear(t *testing.T) {
	clk := clock.NewMock()
	q := NewDelayQueue(clk, nil)
	q.Put(schedule(clk, 1, 0))
	q.Put(schedule(clk, 2, 0))

	assert.True(t, q.Remove(1))
	assert.False(t, q.Remove(1))
	assert.False(t, q.Contains(1))
	assert.True(t, q.Contains(2))

	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.TryPoll())
}

func TestDelayQueue_PollWaitsForReadyTime(t *testing.T) {
	clk := clock.NewMock()
	q := NewDelayQueue(clk, nil)
	q.Put(schedule(clk, 1, 10*time.Second))
	// Drain the wake signal of the Put above.
	<-q.wake

	got := make(chan *TaskSchedule, 1)
	go func() {
		s, err := q.Poll(context.Background(), time.Minute)
		assert.NoError(t, err)
		got <- s
	}()

	var s *TaskSchedule
	require.Eventually(t, func() bool {
		select {
		case s = <-got:
			return true
		default:
			clk.Add(time.Second)
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
	require.NotNil(t, s)
	assert.Equal(t, 1, s.Task.ID)
}

func TestDelayQueue_PollTimesOutEmpty(t *testing.T) {
	clk := clock.NewMock()
	q := NewDelayQueue(clk, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s, err := q.Poll(context.Background(), 5*time.Second)
		assert.NoError(t, err)
		assert.Nil(t, s)
	}()

	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			clk.Add(time.Second)
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDelayQueue_SharedWakeInterruptsPoll(t *testing.T) {
	clk := clock.NewMock()
	wake := make(chan struct{}, 1)
	normal := NewDelayQueue(clk, wake)
	forced := NewDelayQueue(clk, wake)

	done := make(chan *TaskSchedule, 1)
	go func() {
		s, err := normal.Poll(context.Background(), time.Hour)
		assert.NoError(t, err)
		done <- s
	}()

	forced.Put(schedule(clk, 7, 0))
	select {
	case s := <-done:
		assert.Nil(t, s, "normal queue has nothing; the wake only interrupts the wait")
	case <-time.After(5 * time.Second):
		t.Fatal("poll was not woken")
	}
	assert.NotNil(t, forced.TryPoll())
}

func TestDelayQueue_PollHonoursContext(t *testing.T) {
	q := NewDelayQueue(clock.NewMock(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := q.Poll(ctx, time.Hour)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, context.Canceled)
}
