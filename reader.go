package streamflow

import (
	"context"
)

// readResult is the settlement of one read request.
type readResult[T any] struct {
	value T
	done  bool
	err   error
}

// readRequest is one outstanding default read. The channel has capacity 1
// so fulfillment under the stream mutex never blocks.
type readRequest[T any] struct {
	ch chan readResult[T]
}

func newReadRequest[T any]() *readRequest[T] {
	return &readRequest[T]{ch: make(chan readResult[T], 1)}
}

func (r *readRequest[T]) fulfill(value T, done bool) {
	r.ch <- readResult[T]{value: value, done: done}
}

func (r *readRequest[T]) fail(err error) {
	r.ch <- readResult[T]{err: err}
}

// Reader is the exclusive default lock holder of a readable stream.
// Outstanding reads settle strictly FIFO relative to enqueue order.
type Reader[T any] struct {
	s        *ReadableStream[T]
	released bool
	closed   *future[struct{}]
	requests []*readRequest[T]
}

// Read returns the next chunk. done is true once the stream has closed;
// after that every Read fulfills the same way without invoking the
// producer. A read on an errored stream returns the stored error. The
// context cancels only this read, not the stream.
func (r *Reader[T]) Read(ctx context.Context) (T, bool, error) {
	var zero T
	s := r.s
	s.mu.Lock()
	if r.released {
		s.mu.Unlock()
		return zero, false, NewError(ErrReaderReleased, "read on released reader")
	}
	s.disturbed = true
	switch s.state {
	case StateClosedR:
		s.mu.Unlock()
		return zero, true, nil
	case StateErroredR:
		err := s.storedErr
		s.mu.Unlock()
		return zero, false, err
	}
	req := newReadRequest[T]()
	s.ctrl.pullSteps(req)
	s.mu.Unlock()

	select {
	case res := <-req.ch:
		return res.value, res.done, res.err
	case <-ctx.Done():
		s.mu.Lock()
		removed := r.removeRequest(req)
		s.mu.Unlock()
		if removed {
			return zero, false, ctx.Err()
		}
		// Settled concurrently with cancellation; the result is already
		// buffered and must not be dropped.
		res := <-req.ch
		return res.value, res.done, res.err
	}
}

// Closed blocks until the stream closes (nil) or errors (the stored
// error). Releasing the reader before a terminal state rejects it with a
// usage error.
func (r *Reader[T]) Closed(ctx context.Context) error {
	return r.closed.wait(ctx)
}

// Cancel cancels the owning stream through this reader. See
// [ReadableStream.Cancel].
func (r *Reader[T]) Cancel(ctx context.Context, reason error) error {
	s := r.s
	s.mu.Lock()
	if r.released {
		s.mu.Unlock()
		return NewError(ErrReaderReleased, "cancel on released reader")
	}
	f := s.cancelInternal(reason)
	s.mu.Unlock()
	return f.wait(ctx)
}

// Release gives up the stream lock. Outstanding reads reject with a usage
// error; a closed signal whose terminal outcome is already known keeps it.
func (r *Reader[T]) Release() {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	relErr := NewError(ErrReaderReleased, "reader was released")
	for _, req := range r.requests {
		req.fail(relErr)
	}
	r.requests = nil
	r.closed.reject(relErr)
	s.releaseLock()
}

// park appends a read request to the FIFO. Runs under s.mu.
func (r *Reader[T]) park(req *readRequest[T]) {
	r.requests = append(r.requests, req)
}

// numRequests runs under s.mu.
func (r *Reader[T]) numRequests() int { return len(r.requests) }

// fulfillNext settles the oldest outstanding read. Runs under s.mu.
func (r *Reader[T]) fulfillNext(value T, done bool) {
	invariant(len(r.requests) > 0, "fulfill with no outstanding read")
	req := r.requests[0]
	r.requests[0] = nil
	r.requests = r.requests[1:]
	req.fulfill(value, done)
}

// removeRequest drops a still-pending request from the FIFO, returning
// false if it was already settled. Runs under s.mu.
func (r *Reader[T]) removeRequest(req *readRequest[T]) bool {
	for i, q := range r.requests {
		if q == req {
			r.requests = append(r.requests[:i], r.requests[i+1:]...)
			return true
		}
	}
	return false
}

// onClose fulfills all outstanding reads as done and resolves the closed
// signal. Runs under s.mu.
func (r *Reader[T]) onClose() {
	var zero T
	for _, req := range r.requests {
		req.fulfill(zero, true)
	}
	r.requests = nil
	r.closed.resolve(struct{}{})
}

// onError rejects all outstanding reads and the closed signal. Runs under
// s.mu.
func (r *Reader[T]) onError(err error) {
	for _, req := range r.requests {
		req.fail(err)
	}
	r.requests = nil
	r.closed.reject(err)
}
