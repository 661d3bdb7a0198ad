package gatt

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrAlreadyFulfilled is returned by completion.fulfill when a collaborator
// callback attempts a second fulfillment of the same pending operation.
var ErrAlreadyFulfilled = errors.New("completion already fulfilled")

// completion is a single-use, single-slot synchronization point that bridges
// a callback-driven asynchronous operation into a synchronous call.
//
// The issuing goroutine allocates a completion, hands its fulfill method to
// the collaborator as the operation callback, and blocks on wait until the
// callback fires from the event-processing goroutine. Exactly one
// fulfillment is permitted per completion; a second fulfillment is a
// protocol violation and is rejected with ErrAlreadyFulfilled.
type completion[T any] struct {
	ch        chan T
	fulfilled atomic.Bool
}

func newCompletion[T any]() *completion[T] {
	return &completion[T]{ch: make(chan T, 1)}
}

// fulfill delivers the operation result. Safe to call from any goroutine.
func (c *completion[T]) fulfill(v T) error {
	if !c.fulfilled.CompareAndSwap(false, true) {
		return ErrAlreadyFulfilled
	}
	c.ch <- v
	return nil
}

// wait blocks until the completion is fulfilled.
func (c *completion[T]) wait() T {
	return <-c.ch
}

// waitContext blocks until the completion is fulfilled or ctx is done.
// There is no built-in operation timeout; callers that need one layer it
// through ctx.
func (c *completion[T]) waitContext(ctx context.Context) (T, error) {
	select {
	case v := <-c.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
