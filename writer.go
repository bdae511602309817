package streamflow

import "context"

// Writer is the exclusive handle for producing into a writable stream.
// Acquire one with WritableStream.AcquireWriter; while held, the stream
// rejects direct Close and Abort calls from other holders.
type Writer[T any] struct {
	s        *WritableStream[T]
	released bool
	closed   *future[struct{}]
	ready    *future[struct{}]
}

// Write queues chunk and blocks until the sink has processed it or the
// stream reaches a terminal state. Cancelling ctx abandons the wait only;
// the chunk stays queued.
//
// Writing without awaiting Ready is allowed and simply queues beyond the
// high water mark.
func (w *Writer[T]) Write(ctx context.Context, chunk T) error {
	return w.writeChunk(chunk).wait(ctx)
}

// writeChunk queues chunk and returns its settlement without waiting, so
// the piping loop can keep reading while the sink drains.
func (w *Writer[T]) writeChunk(chunk T) *future[struct{}] {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.released {
		return rejectedFuture[struct{}](NewError(ErrWriterReleased, "write on released writer"))
	}
	s := w.s
	switch {
	case s.state == wErrored || s.state == wErroring:
		return rejectedFuture[struct{}](s.storedErr)
	case s.state == wClosed || s.closeRequested:
		return rejectedFuture[struct{}](NewError(ErrStreamClosing, "write on closing stream"))
	}
	return s.ctrl.write(chunk)
}

// Ready blocks until the stream is accepting writes without backpressure.
// It returns nil immediately when desired size is positive, and the
// stream's terminal error once writing is no longer possible.
func (w *Writer[T]) Ready(ctx context.Context) error {
	w.s.mu.Lock()
	if w.released {
		w.s.mu.Unlock()
		return NewError(ErrWriterReleased, "ready on released writer")
	}
	f := w.ready
	w.s.mu.Unlock()
	return f.wait(ctx)
}

// Closed blocks until the stream closes cleanly, returning nil, or reaches
// an errored state, returning the stored error.
func (w *Writer[T]) Closed(ctx context.Context) error {
	w.s.mu.Lock()
	if w.released {
		w.s.mu.Unlock()
		return NewError(ErrWriterReleased, "closed wait on released writer")
	}
	f := w.closed
	w.s.mu.Unlock()
	return f.wait(ctx)
}

// Close requests a graceful close through the held lock. See
// WritableStream.Close.
func (w *Writer[T]) Close(ctx context.Context) error {
	w.s.mu.Lock()
	if w.released {
		w.s.mu.Unlock()
		return NewError(ErrWriterReleased, "close on released writer")
	}
	f, err := w.s.closeInternal()
	w.s.mu.Unlock()
	if err != nil {
		return err
	}
	return f.wait(ctx)
}

// Abort aborts the stream through the held lock. See WritableStream.Abort.
func (w *Writer[T]) Abort(ctx context.Context, reason error) error {
	w.s.mu.Lock()
	if w.released {
		w.s.mu.Unlock()
		return NewError(ErrWriterReleased, "abort on released writer")
	}
	f := w.s.abortInternal(reason)
	w.s.mu.Unlock()
	return f.wait(ctx)
}

// DesiredSize reports the room left in the queue. ok is false once the
// stream is errored or the writer released; a closing or closed stream
// reports zero.
func (w *Writer[T]) DesiredSize() (float64, bool) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.released {
		return 0, false
	}
	switch w.s.state {
	case wErrored, wErroring:
		return 0, false
	case wClosed:
		return 0, true
	}
	if w.s.closeRequested {
		return 0, true
	}
	return w.s.ctrl.desiredSizeLocked(), true
}

// Release returns the lock to the stream without affecting its state.
// Pending Ready and Closed waits reject; further writer calls error.
func (w *Writer[T]) Release() {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.released {
		return
	}
	w.released = true
	err := NewError(ErrWriterReleased, "writer released")
	w.ready.reject(err)
	w.closed.reject(err)
	w.s.releaseWriter()
}
