package streamflow

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WritableState is the lifecycle state of a writable stream.
type WritableState int

const (
	// StateOpen accepts writes.
	StateOpen WritableState = iota
	// StateClosing has a close requested; queued writes still drain.
	StateClosing
	// StateErroring waits for the in-flight operation before erroring.
	StateErroring
	// StateClosedW is terminal after a successful close.
	StateClosedW
	// StateErroredW is terminal; all operations reject with the stored
	// error.
	StateErroredW
)

// String implements fmt.Stringer.
func (s WritableState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateErroring:
		return "erroring"
	case StateClosedW:
		return "closed"
	case StateErroredW:
		return "errored"
	}
	return "unknown"
}

// wState is the internal four-state machine; the public closing state is
// open plus a requested close.
type wState int

const (
	wOpen wState = iota
	wErroring
	wErrored
	wClosed
)

// Sink supplies the consumer algorithms for a writable stream. All
// callbacks are optional and single-flight: Write and Close are never
// invoked while a previous invocation is unfinished. The context passed to
// Write and Close is cancelled when the stream starts erroring, so slow
// sinks can observe aborts.
type Sink[T any] struct {
	Start func(ctx context.Context, c *WritableController[T]) error
	Write func(ctx context.Context, chunk T, c *WritableController[T]) error
	Close func(ctx context.Context) error
	Abort func(ctx context.Context, reason error) error
}

// WritableOptions configures NewWritable. The zero value is usable.
type WritableOptions[T any] struct {
	// Strategy sets the queuing strategy. Nil means count strategy with a
	// high water mark of 1.
	Strategy *Strategy[T]
	// Logger receives debug-level lifecycle events. Nil means no logging.
	Logger *zap.Logger
}

// writeEntry is one queued operation: a chunk or the close sentinel. The
// future settles when the sink finishes processing it.
type writeEntry[T any] struct {
	chunk T
	close bool
	fut   *future[struct{}]
}

// WritableStream is the consumer-facing endpoint of a pipe: writes queue
// until the Sink processes them, with backpressure exposed to the writer as
// a ready signal rather than as rejections.
type WritableStream[T any] struct {
	mu        sync.Mutex
	id        string
	state     wState
	storedErr error
	writer    *Writer[T]
	ctrl      *WritableController[T]
	logger    *zap.Logger

	closeRequested bool
	inFlightWrite  bool
	inFlightClose  bool
	closeFut       *future[struct{}]
	pendingAbort   *pendingAbort

	backpressure bool

	ctx       context.Context
	cancelCtx context.CancelFunc
}

type pendingAbort struct {
	fut                *future[struct{}]
	reason             error
	wasAlreadyErroring bool
}

// WritableController is the queue-plus-backpressure state machine of a
// writable stream, handed to Sink callbacks.
type WritableController[T any] struct {
	s        *WritableStream[T]
	queue    sizedQueue[writeEntry[T]]
	strategy Strategy[T]

	writeFn func(ctx context.Context, chunk T, c *WritableController[T]) error
	closeFn func(ctx context.Context) error
	abortFn func(ctx context.Context, reason error) error

	started bool

	// opCtx is handed to Write/Close; cancelled when erroring starts so
	// in-flight sink work can bail out cooperatively.
	opCtx       context.Context
	cancelOpCtx context.CancelFunc
}

// NewWritable creates a writable stream draining into the given sink.
func NewWritable[T any](sink Sink[T], opts *WritableOptions[T]) (*WritableStream[T], error) {
	strategy := CountStrategy[T](1)
	logger := zap.NewNop()
	if opts != nil {
		if opts.Strategy != nil {
			strategy = *opts.Strategy
		}
		if opts.Logger != nil {
			logger = opts.Logger
		}
	}
	if err := strategy.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	opCtx, cancelOp := context.WithCancel(ctx)
	s := &WritableStream[T]{
		id:        uuid.NewString(),
		logger:    logger.With(zap.String("component", "writable")),
		ctx:       ctx,
		cancelCtx: cancel,
	}
	c := &WritableController[T]{
		s:           s,
		strategy:    strategy,
		writeFn:     sink.Write,
		closeFn:     sink.Close,
		abortFn:     sink.Abort,
		opCtx:       opCtx,
		cancelOpCtx: cancelOp,
	}
	s.ctrl = c
	s.backpressure = strategy.HighWaterMark <= 0
	collector().StreamCreated("writable")

	c.start(sink.Start)
	return s, nil
}

// ID returns the stream's correlation ID used in logs and metrics.
func (s *WritableStream[T]) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *WritableStream[T]) State() WritableState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicState()
}

func (s *WritableStream[T]) publicState() WritableState {
	switch s.state {
	case wOpen:
		if s.closeRequested {
			return StateClosing
		}
		return StateOpen
	case wErroring:
		return StateErroring
	case wErrored:
		return StateErroredW
	}
	return StateClosedW
}

// Locked reports whether a writer currently holds the stream.
func (s *WritableStream[T]) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer != nil
}

// AcquireWriter locks the stream and returns its exclusive writer.
func (s *WritableStream[T]) AcquireWriter() (*Writer[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return nil, NewError(ErrStreamLocked, "stream already has a writer")
	}
	w := &Writer[T]{s: s, closed: newFuture[struct{}](), ready: newFuture[struct{}]()}
	switch s.state {
	case wClosed:
		w.closed.resolve(struct{}{})
		w.ready.resolve(struct{}{})
	case wErrored:
		w.closed.reject(s.storedErr)
		w.ready.reject(s.storedErr)
	case wErroring:
		w.ready.reject(s.storedErr)
	default:
		if !s.backpressure {
			w.ready.resolve(struct{}{})
		}
	}
	s.writer = w
	return w, nil
}

// Abort short-circuits the stream with reason: queued writes reject, and
// once any in-flight operation settles the sink's Abort runs. Abort
// returns when that has finished. Aborting a closed or errored stream is a
// no-op.
func (s *WritableStream[T]) Abort(ctx context.Context, reason error) error {
	s.mu.Lock()
	if s.writer != nil {
		s.mu.Unlock()
		return NewError(ErrStreamLocked, "abort on locked stream")
	}
	f := s.abortInternal(reason)
	s.mu.Unlock()
	return f.wait(ctx)
}

// abortInternal runs under s.mu.
func (s *WritableStream[T]) abortInternal(reason error) *future[struct{}] {
	if s.state == wClosed || s.state == wErrored {
		return resolvedFuture(struct{}{})
	}
	if s.pendingAbort != nil {
		return s.pendingAbort.fut
	}
	wasErroring := s.state == wErroring
	if wasErroring {
		reason = nil
	}
	// startErroring can finish erroring synchronously, which consumes
	// s.pendingAbort, so hold on to the future before triggering it.
	pa := &pendingAbort{
		fut:                newFuture[struct{}](),
		reason:             reason,
		wasAlreadyErroring: wasErroring,
	}
	s.pendingAbort = pa
	if !wasErroring {
		s.startErroring(NewError(ErrStreamAborted, "stream aborted").WithCause(reason))
	}
	return pa.fut
}

// Close requests a graceful close: queued writes drain, then the sink's
// Close runs. Close returns once that settles. Closing twice or closing an
// errored stream is a usage error surfaced through the returned error.
func (s *WritableStream[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.writer != nil {
		s.mu.Unlock()
		return NewError(ErrStreamLocked, "close on locked stream")
	}
	f, err := s.closeInternal()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return f.wait(ctx)
}

// closeInternal runs under s.mu.
func (s *WritableStream[T]) closeInternal() (*future[struct{}], error) {
	if s.state == wClosed || s.state == wErrored {
		return nil, NewError(ErrInvalidState, "close on "+s.publicState().String()+" stream")
	}
	if s.closeRequested {
		return nil, NewError(ErrStreamClosing, "close already requested")
	}
	if s.state == wErroring {
		return nil, s.storedErr
	}
	s.closeRequested = true
	s.closeFut = newFuture[struct{}]()
	if s.writer != nil && s.backpressure {
		// No further writes are admissible; unblock a writer waiting on
		// the ready signal so it can observe the close.
		s.writer.ready.resolve(struct{}{})
	}
	s.ctrl.queue.push(writeEntry[T]{close: true}, 0)
	s.ctrl.advanceQueueIfNeeded()
	return s.closeFut, nil
}

// startErroring runs under s.mu.
func (s *WritableStream[T]) startErroring(reason error) {
	invariant(s.state == wOpen, "start erroring from non-open state")
	s.state = wErroring
	s.storedErr = reason
	s.logger.Debug("stream erroring", zap.String("stream_id", s.id), zap.Error(reason))
	s.ctrl.cancelOpCtx()
	if s.writer != nil {
		s.writer.ready.reject(reason)
	}
	if !s.inFlightWrite && !s.inFlightClose && s.ctrl.started {
		s.finishErroring()
	}
}

// finishErroring runs under s.mu once no operation is in flight.
func (s *WritableStream[T]) finishErroring() {
	invariant(s.state == wErroring, "finish erroring from non-erroring state")
	invariant(!s.inFlightWrite && !s.inFlightClose, "finish erroring with an operation in flight")
	s.state = wErrored
	collector().StreamErrored("writable")
	storedErr := s.storedErr

	// Queued operations reject with the terminal cause; they were never
	// handed to the sink.
	for _, e := range s.ctrl.queue.entries {
		if e.chunk.fut != nil {
			e.chunk.fut.reject(storedErr)
		}
	}
	s.ctrl.queue.reset()

	abort := s.pendingAbort
	s.pendingAbort = nil
	if abort == nil {
		s.rejectCloseAndClosed(storedErr)
		return
	}
	if abort.wasAlreadyErroring {
		abort.fut.reject(storedErr)
		s.rejectCloseAndClosed(storedErr)
		return
	}
	abortFn := s.ctrl.abortFn
	s.ctrl.clearAlgorithms()
	reason := abort.reason
	ctx := s.ctx
	go func() {
		var err error
		if abortFn != nil {
			err = abortFn(ctx, reason)
		}
		s.mu.Lock()
		s.rejectCloseAndClosed(storedErr)
		s.mu.Unlock()
		if err != nil {
			abort.fut.reject(err)
			return
		}
		abort.fut.resolve(struct{}{})
	}()
}

// rejectCloseAndClosed runs under s.mu.
func (s *WritableStream[T]) rejectCloseAndClosed(err error) {
	if s.closeFut != nil {
		s.closeFut.reject(err)
	}
	if s.writer != nil {
		s.writer.closed.reject(err)
	}
	s.cancelCtx()
}

// dealWithRejection handles a sink Write/Close failure under s.mu.
func (s *WritableStream[T]) dealWithRejection(err error) {
	if s.state == wOpen {
		s.startErroring(err)
		return
	}
	invariant(s.state == wErroring, "sink rejection in state "+s.publicState().String())
	s.finishErroring()
}

// updateBackpressure runs under s.mu.
func (s *WritableStream[T]) updateBackpressure() {
	if s.state != wOpen || s.closeRequested {
		return
	}
	bp := s.ctrl.desiredSizeLocked() <= 0
	if bp == s.backpressure {
		return
	}
	s.backpressure = bp
	if s.writer == nil {
		return
	}
	if bp {
		s.writer.ready = newFuture[struct{}]()
	} else {
		s.writer.ready.resolve(struct{}{})
	}
}

// releaseWriter runs under s.mu.
func (s *WritableStream[T]) releaseWriter() {
	s.writer = nil
}

func (c *WritableController[T]) start(startFn func(ctx context.Context, c *WritableController[T]) error) {
	if startFn == nil {
		c.s.mu.Lock()
		c.started = true
		c.advanceQueueIfNeeded()
		c.s.mu.Unlock()
		return
	}
	go func() {
		err := startFn(c.s.ctx, c)
		c.s.mu.Lock()
		defer c.s.mu.Unlock()
		c.started = true
		if err != nil {
			if c.s.state == wOpen {
				c.errorLocked(err)
				return
			}
		}
		c.advanceQueueIfNeeded()
	}()
}

// Error moves the stream toward errored with the given cause. Safe to call
// from sink callbacks.
func (c *WritableController[T]) Error(err error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.errorLocked(err)
}

// errorLocked runs under s.mu.
func (c *WritableController[T]) errorLocked(err error) {
	if c.s.state != wOpen {
		return
	}
	c.s.startErroring(err)
}

func (c *WritableController[T]) clearAlgorithms() {
	c.writeFn = nil
	c.closeFn = nil
	c.abortFn = nil
}

func (c *WritableController[T]) desiredSizeLocked() float64 {
	return c.strategy.HighWaterMark - c.queue.total
}

// write queues one chunk under s.mu and returns its settlement.
func (c *WritableController[T]) write(chunk T) *future[struct{}] {
	size, err := c.strategy.measure(chunk)
	if err != nil {
		c.errorLocked(err)
		return rejectedFuture[struct{}](err)
	}
	fut := newFuture[struct{}]()
	c.queue.push(writeEntry[T]{chunk: chunk, fut: fut}, size)
	collector().ChunkMoved("writable", size)
	c.s.updateBackpressure()
	c.advanceQueueIfNeeded()
	return fut
}

// advanceQueueIfNeeded starts the next queued operation if the sink is
// idle. Runs under s.mu.
func (c *WritableController[T]) advanceQueueIfNeeded() {
	if !c.started || c.s.inFlightWrite || c.s.inFlightClose {
		return
	}
	if c.s.state == wErroring {
		c.s.finishErroring()
		return
	}
	if c.s.state != wOpen || c.queue.len() == 0 {
		return
	}
	entry := c.queue.peek()
	if entry.close {
		c.processClose()
	} else {
		c.processWrite(entry)
	}
}

func (c *WritableController[T]) processClose() {
	s := c.s
	s.inFlightClose = true
	c.queue.pop()
	invariant(c.queue.len() == 0, "close sentinel was not the last queued operation")
	closeFn := c.closeFn
	c.clearAlgorithms()
	ctx := c.opCtx
	go func() {
		var err error
		if closeFn != nil {
			err = closeFn(ctx)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.inFlightClose = false
		if err != nil {
			if s.pendingAbort != nil {
				s.pendingAbort.fut.reject(err)
				s.pendingAbort = nil
			}
			if s.closeFut != nil {
				s.closeFut.reject(err)
			}
			s.dealWithRejection(err)
			return
		}
		s.finishClose()
	}()
}

// finishClose runs under s.mu after the sink's Close succeeded.
func (s *WritableStream[T]) finishClose() {
	invariant(s.state == wOpen || s.state == wErroring, "finish close in state "+s.publicState().String())
	s.state = wClosed
	s.storedErr = nil
	collector().StreamClosed("writable")
	s.logger.Debug("stream closed", zap.String("stream_id", s.id))
	if s.pendingAbort != nil {
		// The close raced an abort and won; the abort is moot.
		s.pendingAbort.fut.resolve(struct{}{})
		s.pendingAbort = nil
	}
	if s.closeFut != nil {
		s.closeFut.resolve(struct{}{})
	}
	if s.writer != nil {
		s.writer.closed.resolve(struct{}{})
	}
	s.cancelCtx()
}

func (c *WritableController[T]) processWrite(entry writeEntry[T]) {
	s := c.s
	s.inFlightWrite = true
	writeFn := c.writeFn
	ctx := c.opCtx
	go func() {
		var err error
		if writeFn != nil {
			err = writeFn(ctx, entry.chunk, c)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.inFlightWrite = false
		if err != nil {
			entry.fut.reject(err)
			s.dealWithRejection(err)
			return
		}
		entry.fut.resolve(struct{}{})
		c.queue.pop()
		if !s.closeRequested && s.state == wOpen {
			s.updateBackpressure()
		}
		c.advanceQueueIfNeeded()
	}()
}
