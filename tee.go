package streamflow

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// teeState coordinates two branch streams over one shared reader.
type teeState[T any] struct {
	mu        sync.Mutex
	reader    *Reader[T]
	reading   bool
	canceled  [2]bool
	reasons   [2]error
	cancelFut *future[struct{}]
	branches  [2]*Controller[T]

	// ready gates the first shared read until both branch controllers are
	// registered, so an eager first pull cannot drop a chunk for the
	// not-yet-built branch.
	ready chan struct{}
}

// Tee locks the stream and splits it into two independent branches that
// observe the same chunks. Chunks are shared by value, not cloned; byte
// slice chunks alias the same backing array in both branches.
//
// The source is cancelled only when both branches have been cancelled, with
// a CompositeError holding both reasons in branch order. A branch Cancel
// blocks until that composite cancellation settles, so cancelling a single
// branch waits on the other unless its context fires first.
func (s *ReadableStream[T]) Tee() (*ReadableStream[T], *ReadableStream[T], error) {
	r, err := s.AcquireReader()
	if err != nil {
		return nil, nil, err
	}
	t := &teeState[T]{
		reader:    r,
		cancelFut: newFuture[struct{}](),
		ready:     make(chan struct{}),
	}

	makeBranch := func(idx int) (*ReadableStream[T], error) {
		return NewReadable(Source[T]{
			Pull: func(ctx context.Context, _ *Controller[T]) error {
				t.pullShared(ctx)
				return nil
			},
			Cancel: func(ctx context.Context, reason error) error {
				return t.cancelBranch(ctx, idx, reason)
			},
		}, nil)
	}

	b1, err := makeBranch(0)
	if err != nil {
		r.Release()
		return nil, nil, err
	}
	b2, err := makeBranch(1)
	if err != nil {
		r.Release()
		return nil, nil, err
	}
	t.mu.Lock()
	t.branches[0] = b1.ctrl.(*Controller[T])
	t.branches[1] = b2.ctrl.(*Controller[T])
	t.mu.Unlock()
	close(t.ready)

	// Spontaneous source failure propagates even while no branch is
	// pulling. A terminal source also settles the composite cancel so a
	// lone branch cancel does not park forever.
	go func() {
		if err := r.Closed(context.Background()); err != nil {
			t.errorBranches(err)
			t.cancelFut.reject(err)
			return
		}
		t.cancelFut.resolve(struct{}{})
	}()

	collector().TeeStarted()
	s.logger.Debug("stream teed",
		zap.String("stream_id", s.id),
		zap.String("branch1_id", b1.id),
		zap.String("branch2_id", b2.id))
	return b1, b2, nil
}

// pullShared performs at most one source read at a time and fans the chunk
// out to every non-cancelled branch.
func (t *teeState[T]) pullShared(ctx context.Context) {
	select {
	case <-t.ready:
	case <-ctx.Done():
		return
	}
	t.mu.Lock()
	if t.reading {
		t.mu.Unlock()
		return
	}
	t.reading = true
	t.mu.Unlock()

	chunk, done, err := t.reader.Read(ctx)

	t.mu.Lock()
	t.reading = false
	if err != nil {
		t.mu.Unlock()
		t.errorBranches(err)
		return
	}
	if done {
		for i, c := range t.branches {
			if !t.canceled[i] && c != nil {
				c.Close() //nolint:errcheck
			}
		}
		t.mu.Unlock()
		return
	}
	for i, c := range t.branches {
		if !t.canceled[i] && c != nil {
			c.Enqueue(chunk) //nolint:errcheck
		}
	}
	t.mu.Unlock()
}

func (t *teeState[T]) errorBranches(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.branches {
		if !t.canceled[i] && c != nil {
			c.Error(err)
		}
	}
}

// cancelBranch records one branch's cancellation; the second one triggers
// the composite source cancel. Both branches settle with that shared
// outcome.
func (t *teeState[T]) cancelBranch(ctx context.Context, idx int, reason error) error {
	t.mu.Lock()
	t.canceled[idx] = true
	t.reasons[idx] = reason
	if t.canceled[0] && t.canceled[1] {
		comp := &CompositeError{Reasons: []error{t.reasons[0], t.reasons[1]}}
		reader := t.reader
		fut := t.cancelFut
		t.mu.Unlock()
		go func() {
			if err := reader.Cancel(context.Background(), comp); err != nil {
				fut.reject(err)
				return
			}
			fut.resolve(struct{}{})
		}()
		return fut.wait(ctx)
	}
	fut := t.cancelFut
	t.mu.Unlock()
	return fut.wait(ctx)
}
