package dispatcher

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/c360studio/propd/task"
)

// TaskSchedule is a task waiting in a delay queue: it becomes ready at
// Base+Delay. DelayCount is the remaining debounce budget.
type TaskSchedule struct {
	Task       *task.Task
	Base       time.Time
	Delay      time.Duration
	DelayCount int
}

// ReadyAt returns when the schedule may be taken.
func (s *TaskSchedule) ReadyAt() time.Time {
	return s.Base.Add(s.Delay)
}

type scheduleItem struct {
	schedule *TaskSchedule
	readyAt  time.Time
	seq      uint64
	index    int
}

type scheduleHeap []*scheduleItem

func (h scheduleHeap) Len() int { return len(h) }

func (h scheduleHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h scheduleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scheduleHeap) Push(x any) {
	it := x.(*scheduleItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// DelayQueue orders task schedules by ready time. A task id occupies at most
// one slot; putting it again replaces its schedule.
type DelayQueue struct {
	clock clock.Clock

	mu    sync.Mutex
	items scheduleHeap
	byID  map[int]*scheduleItem
	seq   uint64

	// wake is signalled on every Put. Queues may share it so one consumer
	// waiting on one queue notices work arriving on another.
	wake chan struct{}
}

// NewDelayQueue creates an empty queue. wake may be nil.
func NewDelayQueue(clk clock.Clock, wake chan struct{}) *DelayQueue {
	if clk == nil {
		clk = clock.New()
	}
	if wake == nil {
		wake = make(chan struct{}, 1)
	}
	return &DelayQueue{
		clock: clk,
		byID:  make(map[int]*scheduleItem),
		wake:  wake,
	}
}

// Put adds or replaces the schedule of its task.
func (q *DelayQueue) Put(s *TaskSchedule) {
	q.mu.Lock()
	q.seq++
	if it, ok := q.byID[s.Task.ID]; ok {
		it.schedule = s
		it.readyAt = s.ReadyAt()
		it.seq = q.seq
		heap.Fix(&q.items, it.index)
	} else {
		it := &scheduleItem{schedule: s, readyAt: s.ReadyAt(), seq: q.seq}
		heap.Push(&q.items, it)
		q.byID[s.Task.ID] = it
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// TryPoll returns the earliest ready schedule, or nil when none is ready.
func (q *DelayQueue) TryPoll() *TaskSchedule {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, _ := q.pollLocked(q.clock.Now())
	return s
}

// pollLocked pops the head if it is ready; otherwise it reports how long
// until the head becomes ready (or -1 when the queue is empty).
func (q *DelayQueue) pollLocked(now time.Time) (*TaskSchedule, time.Duration) {
	if len(q.items) == 0 {
		return nil, -1
	}
	head := q.items[0]
	if head.readyAt.After(now) {
		return nil, head.readyAt.Sub(now)
	}
	heap.Pop(&q.items)
	delete(q.byID, head.schedule.Task.ID)
	return head.schedule, 0
}

// Poll waits up to wait for a ready schedule. It returns (nil, nil) when
// the wait elapses or new work is put on a queue sharing the wake channel,
// and ctx.Err() when ctx is cancelled.
func (q *DelayQueue) Poll(ctx context.Context, wait time.Duration) (*TaskSchedule, error) {
	deadline := q.clock.Now().Add(wait)
	for {
		q.mu.Lock()
		now := q.clock.Now()
		s, untilHead := q.pollLocked(now)
		q.mu.Unlock()
		if s != nil {
			return s, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, nil
		}
		if untilHead >= 0 && untilHead < remaining {
			remaining = untilHead
		}

		timer := q.clock.Timer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
}

// Remove drops the schedule of the task. It reports whether one was queued.
func (q *DelayQueue) Remove(taskID int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, taskID)
	return true
}

// Contains reports whether the task has a pending schedule.
func (q *DelayQueue) Contains(taskID int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[taskID]
	return ok
}

// Len returns the number of queued schedules.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every schedule.
func (q *DelayQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.byID = make(map[int]*scheduleItem)
}
