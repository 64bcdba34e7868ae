package netbox

import (
	"context"
	"sync/atomic"
)

// Promise is the result of an asynchronous request.
// It is completed exactly once, with a value or an error.
type Promise[T any] struct {
	done      chan struct{}
	completed atomic.Bool
	val       T
	err       error
}

func newPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// complete stores the result and releases every waiter.
// Completing a promise twice is a bug and panics.
func (p *Promise[T]) complete(val T, err error) {
	if !p.completed.CompareAndSwap(false, true) {
		panic("netbox: promise completed twice")
	}
	p.val = val
	p.err = err
	close(p.done)
}

func (p *Promise[T]) fail(err error) {
	var zero T
	p.complete(zero, err)
}

// Done is closed once the promise is completed.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the promise is completed or ctx is done.
// A ctx failure does not cancel the request.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, wrapContextError("wait", ctx.Err())
	}
}

// Result returns the outcome without blocking. ok is false while the
// promise is pending.
func (p *Promise[T]) Result() (val T, ok bool, err error) {
	select {
	case <-p.done:
		return p.val, true, p.err
	default:
		return val, false, nil
	}
}
