package streamflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/streamflow/testutil"
)

func TestPipeTransfersAllChunks(t *testing.T) {
	src, err := NewReadable(fixedSource(1, 2, 3, 4), nil)
	require.NoError(t, err)
	rs := &recordingSink[int]{}
	dst, err := NewWritable(rs.sink(), nil)
	require.NoError(t, err)

	require.NoError(t, src.PipeTo(testutil.Context(t), dst, nil))

	assert.Equal(t, []int{1, 2, 3, 4}, rs.snapshot())
	assert.True(t, rs.wasClosed(), "source close propagates")
	assert.Equal(t, StateClosedR, src.State())
	assert.Equal(t, StateClosedW, dst.State())
	assert.False(t, src.Locked(), "locks release after the pipe settles")
	assert.False(t, dst.Locked())
}

func TestPipeSourceErrorAbortsDest(t *testing.T) {
	boom := errors.New("upstream failure")
	src, err := NewReadable(Source[int]{
		Start: func(_ context.Context, c *Controller[int]) error {
			if err := c.Enqueue(1); err != nil {
				return err
			}
			return boom
		},
	}, nil)
	require.NoError(t, err)
	rs := &recordingSink[int]{}
	dst, err := NewWritable(rs.sink(), nil)
	require.NoError(t, err)

	err = src.PipeTo(testutil.Context(t), dst, nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, rs.abortReason(), boom)
	assert.Equal(t, StateErroredW, dst.State())
}

func TestPipeSourceErrorPreventAbort(t *testing.T) {
	boom := errors.New("upstream failure")
	src, err := NewReadable(Source[int]{
		Start: func(_ context.Context, c *Controller[int]) error {
			return boom
		},
	}, nil)
	require.NoError(t, err)
	rs := &recordingSink[int]{}
	dst, err := NewWritable(rs.sink(), nil)
	require.NoError(t, err)

	err = src.PipeTo(testutil.Context(t), dst, &PipeOptions{PreventAbort: true})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, rs.abortReason())
	assert.Equal(t, StateOpen, dst.State(), "destination stays usable")
}

func TestPipeDestErrorCancelsSource(t *testing.T) {
	boom := errors.New("sink failure")
	cancelled := make(chan error, 1)
	src, err := NewReadable(Source[int]{
		Pull: func(_ context.Context, c *Controller[int]) error {
			return c.Enqueue(7)
		},
		Cancel: func(_ context.Context, reason error) error {
			cancelled <- reason
			return nil
		},
	}, nil)
	require.NoError(t, err)
	dst, err := NewWritable(Sink[int]{
		Write: func(_ context.Context, _ int, _ *WritableController[int]) error {
			return boom
		},
	}, nil)
	require.NoError(t, err)

	err = src.PipeTo(testutil.Context(t), dst, nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, <-cancelled, boom)
	assert.Equal(t, StateClosedR, src.State())
}

func TestPipeDestErrorPreventCancel(t *testing.T) {
	boom := errors.New("sink failure")
	src, err := NewReadable(Source[int]{
		Pull: func(_ context.Context, c *Controller[int]) error {
			return c.Enqueue(7)
		},
	}, nil)
	require.NoError(t, err)
	dst, err := NewWritable(Sink[int]{
		Write: func(_ context.Context, _ int, _ *WritableController[int]) error {
			return boom
		},
	}, nil)
	require.NoError(t, err)

	err = src.PipeTo(testutil.Context(t), dst, &PipeOptions{PreventCancel: true})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateReadable, src.State(), "source stays readable")
}

func TestPipePreventCloseAwaitsWrites(t *testing.T) {
	src, err := NewReadable(fixedSource("x", "y"), nil)
	require.NoError(t, err)
	rs := &recordingSink[string]{}
	dst, err := NewWritable(rs.sink(), &WritableOptions[string]{
		Strategy: ptrStrategy(CountStrategy[string](10)),
	})
	require.NoError(t, err)

	require.NoError(t, src.PipeTo(testutil.Context(t), dst, &PipeOptions{PreventClose: true}))

	assert.Equal(t, []string{"x", "y"}, rs.snapshot(), "queued writes drain before the pipe returns")
	assert.False(t, rs.wasClosed())
	assert.Equal(t, StateOpen, dst.State())

	// The destination is handed back usable.
	w, err := dst.AcquireWriter()
	require.NoError(t, err)
	require.NoError(t, w.Write(testutil.Context(t), "z"))
}

func TestPipeDestAlreadyClosed(t *testing.T) {
	cancelled := make(chan error, 1)
	src, err := NewReadable(Source[int]{
		Cancel: func(_ context.Context, reason error) error {
			cancelled <- reason
			return nil
		},
	}, nil)
	require.NoError(t, err)
	dst, err := NewWritable(Sink[int]{}, nil)
	require.NoError(t, err)
	require.NoError(t, dst.Close(testutil.Context(t)))

	err = src.PipeTo(testutil.Context(t), dst, nil)
	assert.Equal(t, ErrDestinationClosed, GetErrorCode(err))
	assert.Equal(t, ErrDestinationClosed, GetErrorCode(<-cancelled))
}

func TestPipePreCancelledContext(t *testing.T) {
	var pulled bool
	cancelled := make(chan error, 1)
	src, err := NewReadable(Source[int]{
		Pull: func(_ context.Context, c *Controller[int]) error {
			pulled = true
			return c.Enqueue(1)
		},
		Cancel: func(_ context.Context, reason error) error {
			cancelled <- reason
			return nil
		},
	}, &ReadableOptions[int]{Strategy: ptrStrategy(CountStrategy[int](0))})
	require.NoError(t, err)
	rs := &recordingSink[int]{}
	dst, err := NewWritable(rs.sink(), nil)
	require.NoError(t, err)

	err = src.PipeTo(testutil.CancelledContext(), dst, nil)
	assert.ErrorIs(t, err, context.Canceled)

	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.ErrorIs(t, rs.abortReason(), context.Canceled)
	assert.Empty(t, rs.snapshot(), "no chunk moves under a pre-cancelled context")
	assert.False(t, pulled, "the source is never pulled")
}

func TestPipeContextCancelMidFlight(t *testing.T) {
	ctrlCh := make(chan *Controller[int], 1)
	cancelled := make(chan error, 1)
	src, err := NewReadable(Source[int]{
		Start: func(_ context.Context, c *Controller[int]) error {
			ctrlCh <- c
			return nil
		},
		Cancel: func(_ context.Context, reason error) error {
			cancelled <- reason
			return nil
		},
	}, nil)
	require.NoError(t, err)
	rs := &recordingSink[int]{}
	dst, err := NewWritable(rs.sink(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.PipeTo(ctx, dst, nil) }()

	c := <-ctrlCh
	require.NoError(t, c.Enqueue(1))
	testutil.Eventually(t, func() bool {
		return len(rs.snapshot()) == 1
	}, time.Second, "first chunk should flow")

	cancel()
	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.ErrorIs(t, rs.abortReason(), context.Canceled)
}

func TestPipeSourceLockedFails(t *testing.T) {
	src, err := NewReadable(fixedSource(1), nil)
	require.NoError(t, err)
	_, err = src.AcquireReader()
	require.NoError(t, err)
	dst, err := NewWritable(Sink[int]{}, nil)
	require.NoError(t, err)

	err = src.PipeTo(testutil.Context(t), dst, nil)
	assert.Equal(t, ErrStreamLocked, GetErrorCode(err))
}

func TestPipeThroughTransforms(t *testing.T) {
	src, err := NewReadable(fixedSource(1, 2, 3), nil)
	require.NoError(t, err)

	double, err := NewTransform(Transformer[int, int]{
		Transform: func(_ context.Context, chunk int, c *TransformController[int, int]) error {
			return c.Enqueue(chunk * 2)
		},
	}, nil)
	require.NoError(t, err)

	ctx := testutil.Context(t)
	out := PipeThrough(ctx, src, double, nil)

	var got []int
	for v, err := range out.Values(ctx, nil) {
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{2, 4, 6}, got)
}
