package schedz

import (
	"context"
	"sync"
)

// Cell is a one-shot synchronization value: exactly one producer fills it
// with a result, and any number of goroutines may Await it. Filling an
// already-filled cell is a no-op — this is the chosen resolution to the
// "worker cancel + event accounting" open question in §9: cancel_task and
// a worker's late completion race to fill the same cell, and only the
// first write may count towards events_pending accounting. Making Fill
// idempotent-on-already-resolved absorbs the second attempt without a
// separate check-then-fill step.
type Cell[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// NewCell returns a ready, unfilled cell.
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{done: make(chan struct{})}
}

// Fill completes the cell with (val, err). It reports whether this call
// performed the fill; a false return means the cell was already resolved
// and this call was a no-op, which is the expected outcome when a
// cancellation races a worker's completion.
func (c *Cell[T]) Fill(val T, err error) bool {
	filled := false
	c.once.Do(func() {
		c.val = val
		c.err = err
		close(c.done)
		filled = true
	})
	return filled
}

// Resolved reports whether the cell has already been filled.
func (c *Cell[T]) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Await blocks until the cell is filled or ctx is done, returning the
// filled value/error or ctx.Err().
func (c *Cell[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitNoCancel blocks until the cell is filled, ignoring context
// cancellation — the specification's await_no_cancel primitive, used when
// a fiber must observe a result regardless of its own cancellation state.
func (c *Cell[T]) AwaitNoCancel() (T, error) {
	<-c.done
	return c.val, c.err
}

// Done returns the channel that closes when the cell is filled, for
// callers composing a select across multiple sources (e.g. racing a
// sleep against a task per §5 Timeouts).
func (c *Cell[T]) Done() <-chan struct{} {
	return c.done
}
