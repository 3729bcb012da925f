package engine

import (
	"context"
	"sync"
)

// BlockingDeque is an unbounded double-ended queue whose Take blocks until an
// item is available.
type BlockingDeque[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

// NewBlockingDeque creates an empty deque.
func NewBlockingDeque[T any]() *BlockingDeque[T] {
	return &BlockingDeque[T]{ready: make(chan struct{}, 1)}
}

// PushBack appends v.
func (d *BlockingDeque[T]) PushBack(v T) {
	d.mu.Lock()
	d.items = append(d.items, v)
	d.mu.Unlock()
	d.signal()
}

// PushFront prepends v so it is taken next.
func (d *BlockingDeque[T]) PushFront(v T) {
	d.mu.Lock()
	d.items = append(d.items, v)
	copy(d.items[1:], d.items)
	d.items[0] = v
	d.mu.Unlock()
	d.signal()
}

// Push prepends v when front is set, else appends it.
func (d *BlockingDeque[T]) Push(v T, front bool) {
	if front {
		d.PushFront(v)
		return
	}
	d.PushBack(v)
}

// Take removes and returns the first item, waiting for one if the deque is empty.
func (d *BlockingDeque[T]) Take(ctx context.Context) (T, error) {
	for {
		d.mu.Lock()
		if len(d.items) > 0 {
			v := d.items[0]
			var zero T
			d.items[0] = zero
			d.items = d.items[1:]
			more := len(d.items) > 0
			d.mu.Unlock()
			if more {
				d.signal()
			}
			return v, nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-d.ready:
		}
	}
}

// RemoveIf drops every item for which match returns true and reports how many were dropped.
func (d *BlockingDeque[T]) RemoveIf(match func(T) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.items[:0]
	removed := 0
	for _, v := range d.items {
		if match(v) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	var zero T
	for i := len(kept); i < len(d.items); i++ {
		d.items[i] = zero
	}
	d.items = kept
	return removed
}

// Len returns the number of queued items.
func (d *BlockingDeque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *BlockingDeque[T]) signal() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}
