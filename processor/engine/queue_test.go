package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/propd/task"
)

func TestBlockingDeque_FrontAndBack(t *testing.T) {
	d := NewBlockingDeque[int]()
	d.PushBack(1)
	d.PushBack(2)
	d.PushFront(0)
	d.Push(3, false)
	d.Push(-1, true)

	ctx := context.Background()
	var got []int
	for d.Len() > 0 {
		v, err := d.Take(ctx)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{-1, 0, 1, 2, 3}, got)
}

func TestBlockingDeque_TakeWaitsForPush(t *testing.T) {
	d := NewBlockingDeque[string]()
	got := make(chan string, 1)
	go func() {
		v, err := d.Take(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("take returned on an empty deque")
	case <-time.After(20 * time.Millisecond):
	}
	d.PushBack("x")
	select {
	case v := <-got:
		assert.Equal(t, "x", v)
	case <-time.After(5 * time.Second):
		t.Fatal("take did not wake up")
	}
}

func TestBlockingDeque_TakeHonoursContext(t *testing.T) {
	d := NewBlockingDeque[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlockingDeque_MultipleTakers(t *testing.T) {
	d := NewBlockingDeque[int]()
	const n = 50
	out := make(chan int, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 4; i++ {
		go func() {
			for {
				v, err := d.Take(ctx)
				if err != nil {
					return
				}
				out <- v
			}
		}()
	}
	for i := 0; i < n; i++ {
		d.PushBack(i)
	}
	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		select {
		case v := <-out:
			seen[v] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d items taken", len(seen), n)
		}
	}
	assert.Len(t, seen, n)
}

func TestBlockingDeque_RemoveIf(t *testing.T) {
	d := NewBlockingDeque[int]()
	for i := 0; i < 6; i++ {
		d.PushBack(i)
	}
	assert.Equal(t, 3, d.RemoveIf(func(v int) bool { return v%2 == 0 }))
	assert.Equal(t, 3, d.Len())
	v, err := d.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCompletionService_Backpressure(t *testing.T) {
	cs := NewCompletionService[int](2)
	release := make(chan struct{})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		require.NoError(t, cs.Submit(ctx, func() int { <-release; return i }))
	}
	assert.Equal(t, 2, cs.Admitted())

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cs.Submit(short, func() int { return 3 }), context.DeadlineExceeded)

	close(release)
	first, err := cs.Take(ctx)
	require.NoError(t, err)
	assert.Contains(t, []int{1, 2}, first)
	assert.Equal(t, 1, cs.Admitted())

	require.NoError(t, cs.Submit(ctx, func() int { return 3 }))
	seen := map[int]bool{first: true}
	for i := 0; i < 2; i++ {
		v, err := cs.Take(ctx)
		require.NoError(t, err)
		seen[v] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 0, cs.Admitted())
}

func TestCompletionService_CompletionOrder(t *testing.T) {
	cs := NewCompletionService[string](3)
	slow := make(chan struct{})
	ctx := context.Background()
	require.NoError(t, cs.Submit(ctx, func() string { <-slow; return "slow" }))
	require.NoError(t, cs.Submit(ctx, func() string { return "fast" }))

	v, err := cs.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fast", v)
	close(slow)
	v, err = cs.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "slow", v)
}

func TestSchedulingPool_ForcedTasksFirst(t *testing.T) {
	p := NewSchedulingPool()
	normal := testTask(1)
	forced := testTask(2)
	forced.PropagationForced = true
	p.AddTask(normal)
	p.AddTask(forced)

	first, err := p.newTasks.Take(context.Background())
	require.NoError(t, err)
	assert.Same(t, forced, first)
}

func TestSchedulingPool_ReplaceCancelsGenerate(t *testing.T) {
	p := NewSchedulingPool()
	old := testTask(5)
	p.AddTask(old)
	_, err := p.newTasks.Take(context.Background())
	require.NoError(t, err)

	jobCtx, cancel := context.WithCancel(context.Background())
	require.True(t, p.SetGenerating(old, cancel))

	fresh := testTask(5, "node1")
	assert.True(t, p.AddTask(fresh))
	assert.ErrorIs(t, jobCtx.Err(), context.Canceled)
	assert.False(t, p.GenerateFinished(old))
	assert.True(t, p.IsCurrent(fresh))
	assert.Equal(t, 1, p.newTasks.Len())
	assert.Equal(t, 1, p.Len())
}

func TestSchedulingPool_ReplaceDropsQueuedCopy(t *testing.T) {
	p := NewSchedulingPool()
	p.AddTask(testTask(5))
	p.AddTask(testTask(5))
	assert.Equal(t, 1, p.newTasks.Len())
}

// The parent resolves exactly on its Nth send completion.
func TestSchedulingPool_SendCompletion(t *testing.T) {
	p := NewSchedulingPool()
	parent := testTask(3, "a", "b", "c")
	p.AddTask(parent)
	now := time.Now()
	var sends []*task.SendTask
	for _, d := range parent.Destinations {
		sends = append(sends, task.NewSendTask(parent, d, now))
	}
	require.True(t, p.AddSendTasks(parent, sends))
	assert.Equal(t, 3, p.Outstanding(3))

	for i, s := range []*task.SendTask{sends[2], sends[0]} {
		resolved, _ := p.CompleteSendTask(s)
		assert.False(t, resolved, "completion %d", i)
	}
	resolved, all := p.CompleteSendTask(sends[1])
	require.True(t, resolved)
	assert.Equal(t, []*task.SendTask{sends[0], sends[1], sends[2]}, all)
	assert.Equal(t, 0, p.Outstanding(3))

	again, _ := p.CompleteSendTask(sends[1])
	assert.False(t, again, "a send resolves its parent only once")

	assert.True(t, p.RemoveTask(parent))
	assert.False(t, p.RemoveTask(parent))
	assert.Empty(t, p.IDs())
}

// Sends planned for a task that was replaced meanwhile must not attach to
// the replacement.
func TestSchedulingPool_SendTasksOfReplacedTaskRejected(t *testing.T) {
	p := NewSchedulingPool()
	now := time.Now()
	old := testTask(5, "a", "b")
	p.AddTask(old)
	fresh := testTask(5, "a", "b")
	require.True(t, p.AddTask(fresh))

	var stale []*task.SendTask
	for _, d := range old.Destinations {
		stale = append(stale, task.NewSendTask(old, d, now))
	}
	assert.False(t, p.AddSendTasks(old, stale))
	assert.Equal(t, 0, p.Outstanding(5))

	var sends []*task.SendTask
	for _, d := range fresh.Destinations {
		sends = append(sends, task.NewSendTask(fresh, d, now))
	}
	require.True(t, p.AddSendTasks(fresh, sends))

	resolved, _ := p.CompleteSendTask(stale[0])
	assert.False(t, resolved, "stale sends are unknown to the pool")
	assert.Equal(t, 2, p.Outstanding(5))

	resolved, _ = p.CompleteSendTask(sends[0])
	assert.False(t, resolved)
	resolved, all := p.CompleteSendTask(sends[1])
	assert.True(t, resolved)
	assert.Len(t, all, 2)
}
