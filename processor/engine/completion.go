package engine

import (
	"context"
)

// CompletionService runs submitted jobs concurrently and hands their results
// out in completion order. At most limit jobs may be admitted and not yet
// taken; Submit blocks once that limit is reached.
type CompletionService[T any] struct {
	slots chan struct{}
	done  chan T
}

// NewCompletionService creates a service admitting up to limit jobs.
func NewCompletionService[T any](limit int) *CompletionService[T] {
	if limit < 1 {
		limit = 1
	}
	return &CompletionService[T]{
		slots: make(chan struct{}, limit),
		done:  make(chan T, limit),
	}
}

// Submit waits for a free slot and starts job in its own goroutine.
func (c *CompletionService[T]) Submit(ctx context.Context, job func() T) error {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	go func() {
		c.done <- job()
	}()
	return nil
}

// Take waits for the next finished job and releases its slot.
func (c *CompletionService[T]) Take(ctx context.Context) (T, error) {
	select {
	case r := <-c.done:
		<-c.slots
		return r, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Admitted returns the number of jobs submitted and not yet taken.
func (c *CompletionService[T]) Admitted() int {
	return len(c.slots)
}

// Limit returns the admission limit.
func (c *CompletionService[T]) Limit() int {
	return cap(c.slots)
}
