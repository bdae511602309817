package streamflow

import (
	"context"
	"sync"
)

// future is a one-shot settlement cell: resolved with a value or rejected
// with an error, exactly once. Waiters observe the first settlement; later
// settle calls are ignored, which is what lets composite algorithms race
// several termination paths against one result.
type future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

func resolvedFuture[T any](v T) *future[T] {
	f := newFuture[T]()
	f.resolve(v)
	return f
}

func rejectedFuture[T any](err error) *future[T] {
	f := newFuture[T]()
	f.reject(err)
	return f
}

func (f *future[T]) resolve(v T) {
	f.once.Do(func() {
		f.val = v
		close(f.done)
	})
}

func (f *future[T]) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// settled reports whether the future has been resolved or rejected.
func (f *future[T]) settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// await blocks until settlement or ctx cancellation. A ctx error does not
// settle the future; other waiters are unaffected.
func (f *future[T]) await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// wait is await without a value.
func (f *future[T]) wait(ctx context.Context) error {
	_, err := f.await(ctx)
	return err
}
