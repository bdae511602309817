package streamflow

import "context"

// Controller is the queue-plus-backpressure state machine of an ordinary
// readable stream. Producers receive it in their callbacks and feed the
// stream through it; all methods are safe for use from any goroutine.
type Controller[T any] struct {
	s        *ReadableStream[T]
	queue    sizedQueue[T]
	strategy Strategy[T]

	pullFn   func(ctx context.Context, c *Controller[T]) error
	cancelFn func(ctx context.Context, reason error) error

	started        bool
	pulling        bool
	pullAgain      bool
	closeRequested bool
}

// start runs the source's Start algorithm off the stream mutex; the
// single-flight pull machinery only engages once it settles.
func (c *Controller[T]) start(startFn func(ctx context.Context, c *Controller[T]) error) {
	if startFn == nil {
		c.s.mu.Lock()
		c.started = true
		c.callPullIfNeeded()
		c.s.mu.Unlock()
		return
	}
	go func() {
		err := startFn(c.s.ctx, c)
		c.s.mu.Lock()
		defer c.s.mu.Unlock()
		if err != nil {
			c.errorLocked(err)
			return
		}
		c.started = true
		c.callPullIfNeeded()
	}()
}

// Enqueue makes a chunk available to the consumer. If a read request is
// already outstanding the chunk bypasses the queue and settles the oldest
// request directly. A size function failure errors the whole stream and is
// also returned. Enqueueing after Close or on a terminal stream is a usage
// error.
func (c *Controller[T]) Enqueue(chunk T) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closeRequested {
		return NewError(ErrStreamClosing, "enqueue after close was requested")
	}
	if c.s.state != StateReadable {
		return NewError(ErrInvalidState, "enqueue on "+c.s.state.String()+" stream")
	}

	if r, ok := c.s.lock.(*Reader[T]); ok && r.numRequests() > 0 {
		r.fulfillNext(chunk, false)
	} else {
		size, err := c.strategy.measure(chunk)
		if err != nil {
			c.errorLocked(err)
			return err
		}
		c.queue.push(chunk, size)
		collector().ChunkMoved("readable", size)
	}
	c.callPullIfNeeded()
	return nil
}

// Close signals that the producer has no more chunks. Queued chunks remain
// readable; the stream closes once the queue drains.
func (c *Controller[T]) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closeRequested {
		return NewError(ErrStreamClosing, "close already requested")
	}
	if c.s.state != StateReadable {
		return NewError(ErrInvalidState, "close on "+c.s.state.String()+" stream")
	}
	c.closeRequested = true
	if c.queue.len() == 0 {
		c.clearAlgorithms()
		c.s.closeInternal()
	}
	return nil
}

// Error moves the stream to errored with the given cause, discarding the
// queue and rejecting all pending and future reads with it.
func (c *Controller[T]) Error(err error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.errorLocked(err)
}

// DesiredSize returns highWaterMark − queueTotalSize. ok is false once the
// stream is errored; a closed stream reports 0.
func (c *Controller[T]) DesiredSize() (float64, bool) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.desiredSize()
}

func (c *Controller[T]) desiredSize() (float64, bool) {
	switch c.s.state {
	case StateErroredR:
		return 0, false
	case StateClosedR:
		return 0, true
	}
	return c.strategy.HighWaterMark - c.queue.total, true
}

// errorLocked runs under s.mu.
func (c *Controller[T]) errorLocked(err error) {
	if c.s.state != StateReadable {
		return
	}
	c.queue.reset()
	c.clearAlgorithms()
	c.s.errorInternal(err)
}

// clearAlgorithms drops producer callbacks so a terminal stream does not
// retain them.
func (c *Controller[T]) clearAlgorithms() {
	c.pullFn = nil
	c.cancelFn = nil
}

// shouldCallPull runs under s.mu.
func (c *Controller[T]) shouldCallPull() bool {
	if !c.started || c.closeRequested || c.s.state != StateReadable || c.pullFn == nil {
		return false
	}
	if r, ok := c.s.lock.(*Reader[T]); ok && r.numRequests() > 0 {
		return true
	}
	desired, ok := c.desiredSize()
	return ok && desired > 0
}

// callPullIfNeeded re-evaluates the pull schedule after every queue or
// state change. At most one Pull is in flight; a wanted pull arriving while
// one runs is latched and replayed on settlement. Runs under s.mu.
func (c *Controller[T]) callPullIfNeeded() {
	if !c.shouldCallPull() {
		return
	}
	if c.pulling {
		c.pullAgain = true
		return
	}
	c.pulling = true
	pull := c.pullFn
	go func() {
		err := pull(c.s.ctx, c)
		c.s.mu.Lock()
		defer c.s.mu.Unlock()
		c.pulling = false
		if err != nil {
			c.errorLocked(err)
			return
		}
		if c.pullAgain {
			c.pullAgain = false
			c.callPullIfNeeded()
		}
	}()
}

// pullSteps services one default read request under s.mu.
func (c *Controller[T]) pullSteps(req *readRequest[T]) {
	if c.queue.len() > 0 {
		chunk := c.queue.pop()
		if c.closeRequested && c.queue.len() == 0 {
			c.clearAlgorithms()
			c.s.closeInternal()
		} else {
			c.callPullIfNeeded()
		}
		req.fulfill(chunk, false)
		return
	}
	r, ok := c.s.lock.(*Reader[T])
	invariant(ok, "read request without a default reader lock")
	if ok {
		r.park(req)
	}
	c.callPullIfNeeded()
}

// cancelSteps runs under s.mu.
func (c *Controller[T]) cancelSteps(reason error) *future[struct{}] {
	c.queue.reset()
	cancelFn := c.cancelFn
	c.clearAlgorithms()
	if cancelFn == nil {
		return resolvedFuture(struct{}{})
	}
	f := newFuture[struct{}]()
	ctx := c.s.ctx
	go func() {
		if err := cancelFn(ctx, reason); err != nil {
			f.reject(err)
			return
		}
		f.resolve(struct{}{})
	}()
	return f
}
