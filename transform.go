package streamflow

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Transformer supplies the per-chunk and end-of-stream algorithms of a
// transform stream. All callbacks are optional; a nil Transform forwards
// chunks unchanged only when I and O are the same type, so identity
// transforms should set Transform explicitly.
type Transformer[I, O any] struct {
	Start     func(ctx context.Context, c *TransformController[I, O]) error
	Transform func(ctx context.Context, chunk I, c *TransformController[I, O]) error
	Flush     func(ctx context.Context, c *TransformController[I, O]) error
}

// TransformOptions configures NewTransform. The zero value uses a count
// strategy with high water mark 1 on both sides.
type TransformOptions[I, O any] struct {
	WritableStrategy *Strategy[I]
	ReadableStrategy *Strategy[O]
	Logger           *zap.Logger
}

// TransformStream couples a writable side to a readable side through a
// Transformer. Chunks written to the writable side pass through Transform,
// whose enqueued results appear on the readable side; readable-side
// backpressure defers write completion, so flow control crosses the
// transform transitively.
type TransformStream[I, O any] struct {
	writable *WritableStream[I]
	readable *ReadableStream[O]
	ctrl     *TransformController[I, O]
}

// TransformController is the handle Transformer callbacks use to produce
// results and to terminate the stream.
type TransformController[I, O any] struct {
	mu sync.Mutex
	rc *Controller[O]
	wc *WritableController[I]

	// backpressure starts true so the first write waits for the first
	// pull.
	backpressure bool
	bpChanged    *future[struct{}]
}

// NewTransform builds a transform stream around the given transformer.
func NewTransform[I, O any](tr Transformer[I, O], opts *TransformOptions[I, O]) (*TransformStream[I, O], error) {
	var wStrategy *Strategy[I]
	var rStrategy *Strategy[O]
	var logger *zap.Logger
	if opts != nil {
		wStrategy = opts.WritableStrategy
		rStrategy = opts.ReadableStrategy
		logger = opts.Logger
	}

	tc := &TransformController[I, O]{
		backpressure: true,
		bpChanged:    newFuture[struct{}](),
	}

	readable, err := NewReadable(Source[O]{
		Pull: func(_ context.Context, _ *Controller[O]) error {
			tc.setBackpressure(false)
			return nil
		},
		Cancel: func(_ context.Context, reason error) error {
			tc.errorWritable(reason)
			return nil
		},
	}, &ReadableOptions[O]{Strategy: rStrategy, Logger: logger})
	if err != nil {
		return nil, err
	}
	tc.rc = readable.ctrl.(*Controller[O])

	writable, err := NewWritable(Sink[I]{
		Start: func(ctx context.Context, _ *WritableController[I]) error {
			if tr.Start == nil {
				return nil
			}
			return tr.Start(ctx, tc)
		},
		Write: func(ctx context.Context, chunk I, _ *WritableController[I]) error {
			if err := tc.awaitCapacity(ctx); err != nil {
				return err
			}
			if tr.Transform == nil {
				return tc.enqueueRaw(chunk)
			}
			if err := tr.Transform(ctx, chunk, tc); err != nil {
				tc.Error(err)
				return err
			}
			return nil
		},
		Close: func(ctx context.Context) error {
			if tr.Flush != nil {
				if err := tr.Flush(ctx, tc); err != nil {
					tc.Error(err)
					return err
				}
			}
			tc.rc.Close() //nolint:errcheck
			return nil
		},
		Abort: func(_ context.Context, reason error) error {
			tc.rc.Error(reason)
			return nil
		},
	}, &WritableOptions[I]{Strategy: wStrategy, Logger: logger})
	if err != nil {
		return nil, err
	}
	tc.mu.Lock()
	tc.wc = writable.ctrl
	tc.mu.Unlock()

	return &TransformStream[I, O]{
		writable: writable,
		readable: readable,
		ctrl:     tc,
	}, nil
}

// Writable returns the input side.
func (t *TransformStream[I, O]) Writable() *WritableStream[I] { return t.writable }

// Readable returns the output side.
func (t *TransformStream[I, O]) Readable() *ReadableStream[O] { return t.readable }

// Enqueue pushes a result onto the readable side. Enqueueing past the
// readable high water mark raises backpressure for subsequent writes.
func (c *TransformController[I, O]) Enqueue(chunk O) error {
	if err := c.rc.Enqueue(chunk); err != nil {
		c.Error(err)
		return err
	}
	if d, ok := c.rc.DesiredSize(); ok && d <= 0 {
		c.setBackpressure(true)
	}
	return nil
}

// DesiredSize reports the readable side's remaining capacity.
func (c *TransformController[I, O]) DesiredSize() (float64, bool) {
	return c.rc.DesiredSize()
}

// Error moves both sides to errored with the given cause.
func (c *TransformController[I, O]) Error(err error) {
	c.rc.Error(err)
	c.errorWritable(err)
}

// Terminate closes the readable side and errors the writable side, ending
// the stream without a flush.
func (c *TransformController[I, O]) Terminate() {
	c.rc.Close() //nolint:errcheck
	c.errorWritable(NewError(ErrStreamAborted, "transform stream terminated"))
}

func (c *TransformController[I, O]) errorWritable(err error) {
	c.mu.Lock()
	wc := c.wc
	c.mu.Unlock()
	if wc != nil {
		wc.Error(err)
	}
	// A write blocked on capacity must observe the failure.
	c.setBackpressure(false)
}

// enqueueRaw forwards an input chunk unchanged when no Transform callback
// is set. It only succeeds when I and O are the same concrete type.
func (c *TransformController[I, O]) enqueueRaw(chunk I) error {
	out, ok := any(chunk).(O)
	if !ok {
		err := NewError(ErrInvalidState, "transform callback required for differing chunk types")
		c.Error(err)
		return err
	}
	return c.Enqueue(out)
}

func (c *TransformController[I, O]) setBackpressure(bp bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bp == c.backpressure {
		return
	}
	c.backpressure = bp
	if bp {
		c.bpChanged = newFuture[struct{}]()
	} else {
		c.bpChanged.resolve(struct{}{})
	}
}

// awaitCapacity blocks while the readable side is over its high water
// mark.
func (c *TransformController[I, O]) awaitCapacity(ctx context.Context) error {
	for {
		c.mu.Lock()
		if !c.backpressure {
			c.mu.Unlock()
			return nil
		}
		f := c.bpChanged
		c.mu.Unlock()
		if err := f.wait(ctx); err != nil {
			return err
		}
	}
}
