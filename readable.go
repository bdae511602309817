package streamflow

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReadableState is the lifecycle state of a readable stream.
type ReadableState int

const (
	// StateReadable accepts enqueues and reads.
	StateReadable ReadableState = iota
	// StateClosedR is terminal; reads fulfill as done.
	StateClosedR
	// StateErroredR is terminal; reads reject with the stored error.
	StateErroredR
)

// String implements fmt.Stringer.
func (s ReadableState) String() string {
	switch s {
	case StateReadable:
		return "readable"
	case StateClosedR:
		return "closed"
	case StateErroredR:
		return "errored"
	}
	return "unknown"
}

// Source supplies the producer algorithms for a readable stream. All
// callbacks are optional. Start runs once before any Pull; Pull is invoked
// whenever the controller wants more data and is never re-entered while a
// previous invocation is unfinished; Cancel receives the consumer's reason
// when the stream is cancelled.
type Source[T any] struct {
	Start  func(ctx context.Context, c *Controller[T]) error
	Pull   func(ctx context.Context, c *Controller[T]) error
	Cancel func(ctx context.Context, reason error) error
}

// ReadableOptions configures NewReadable. The zero value is usable.
type ReadableOptions[T any] struct {
	// Strategy sets the queuing strategy. Nil means count strategy with a
	// high water mark of 1.
	Strategy *Strategy[T]
	// Logger receives debug-level lifecycle events. Nil means no logging.
	Logger *zap.Logger
}

// ReadableStream is the producer-facing endpoint of a pipe: chunks pulled
// from its Source accumulate in a bounded, size-aware queue until a reader
// consumes them. At most one reader may hold the stream's lock at a time.
type ReadableStream[T any] struct {
	mu        sync.Mutex
	id        string
	state     ReadableState
	storedErr error
	disturbed bool
	lock      streamLock[T]
	ctrl      readableController[T]
	logger    *zap.Logger

	// ctx is handed to producer callbacks; cancelled once the stream is
	// errored or a cancellation has fully settled.
	ctx       context.Context
	cancelCtx context.CancelFunc
}

// streamLock is the reader currently holding the stream's exclusive lock.
type streamLock[T any] interface {
	// onClose and onError run under the stream mutex when the stream
	// reaches a terminal state.
	onClose()
	onError(err error)
}

// readableController is the controller half owned by the stream; the
// default and byte controllers both implement it.
type readableController[T any] interface {
	// pullSteps services one default-reader read request, either
	// fulfilling it immediately from the queue or parking it. Runs under
	// the stream mutex.
	pullSteps(req *readRequest[T])
	// cancelSteps discards buffered state and starts the producer's
	// cancel algorithm, returning its settlement. Runs under the stream
	// mutex.
	cancelSteps(reason error) *future[struct{}]
}

// NewReadable creates a readable stream driven by the given source.
func NewReadable[T any](src Source[T], opts *ReadableOptions[T]) (*ReadableStream[T], error) {
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
	s := &ReadableStream[T]{
		id:        uuid.NewString(),
		logger:    logger.With(zap.String("component", "readable")),
		ctx:       ctx,
		cancelCtx: cancel,
	}
	c := &Controller[T]{
		s:        s,
		strategy: strategy,
		pullFn:   src.Pull,
		cancelFn: src.Cancel,
	}
	s.ctrl = c
	collector().StreamCreated("readable")

	c.start(src.Start)
	return s, nil
}

// ID returns the stream's correlation ID used in logs and metrics.
func (s *ReadableStream[T]) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *ReadableStream[T]) State() ReadableState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Locked reports whether a reader currently holds the stream.
func (s *ReadableStream[T]) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock != nil
}

// Disturbed reports whether the stream has ever been read from or
// cancelled.
func (s *ReadableStream[T]) Disturbed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disturbed
}

// AcquireReader locks the stream and returns its exclusive default reader.
// Acquiring while a reader or zero-copy reader is live is a usage error and
// leaves the existing lock untouched.
func (s *ReadableStream[T]) AcquireReader() (*Reader[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		return nil, NewError(ErrStreamLocked, "stream already has a reader")
	}
	r := &Reader[T]{s: s, closed: newFuture[struct{}]()}
	switch s.state {
	case StateClosedR:
		r.closed.resolve(struct{}{})
	case StateErroredR:
		r.closed.reject(s.storedErr)
	}
	s.lock = r
	return r, nil
}

// Cancel signals that the consumer has lost interest: the queue is
// discarded, the stream closes, and the source's Cancel algorithm runs with
// the given reason. Cancel returns once that algorithm settles; its
// resolved value is discarded, its failure is returned. Cancelling a locked
// stream is a usage error; use the reader's Cancel instead.
func (s *ReadableStream[T]) Cancel(ctx context.Context, reason error) error {
	s.mu.Lock()
	if s.lock != nil {
		s.mu.Unlock()
		return NewError(ErrStreamLocked, "cannot cancel a locked stream")
	}
	f := s.cancelInternal(reason)
	s.mu.Unlock()
	return f.wait(ctx)
}

// cancelInternal runs under s.mu and returns the settlement of the cancel
// algorithm.
func (s *ReadableStream[T]) cancelInternal(reason error) *future[struct{}] {
	s.disturbed = true
	switch s.state {
	case StateClosedR:
		return resolvedFuture(struct{}{})
	case StateErroredR:
		return rejectedFuture[struct{}](s.storedErr)
	}
	s.closeInternal()
	f := s.ctrl.cancelSteps(reason)
	go func() {
		<-f.done
		s.cancelCtx()
	}()
	return f
}

// closeInternal transitions to closed under s.mu. Pending default reads are
// fulfilled as done, in issue order.
func (s *ReadableStream[T]) closeInternal() {
	invariant(s.state == StateReadable, "close of non-readable stream")
	s.state = StateClosedR
	s.logger.Debug("stream closed", zap.String("stream_id", s.id))
	collector().StreamClosed("readable")
	if s.lock != nil {
		s.lock.onClose()
	}
}

// errorInternal transitions to errored under s.mu. Pending operations and
// the closed signal reject with err; the queue has already been discarded
// by the controller.
func (s *ReadableStream[T]) errorInternal(err error) {
	if s.state != StateReadable {
		return
	}
	s.state = StateErroredR
	s.storedErr = err
	s.logger.Debug("stream errored", zap.String("stream_id", s.id), zap.Error(err))
	collector().StreamErrored("readable")
	if s.lock != nil {
		s.lock.onError(err)
	}
	s.cancelCtx()
}

// releaseLock clears the lock holder under s.mu.
func (s *ReadableStream[T]) releaseLock() {
	s.lock = nil
}
