package streamflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/streamflow/buffer"
	"github.com/BaSui01/streamflow/testutil"
)

// byteSourceWithController hands the controller to the test and never
// produces on its own.
func byteSourceWithController(ctrlCh chan *ByteController, autoAlloc int) ByteSource {
	return ByteSource{
		Start: func(_ context.Context, c *ByteController) error {
			ctrlCh <- c
			return nil
		},
		AutoAllocateChunkSize: autoAlloc,
	}
}

func TestByteStreamDefaultRead(t *testing.T) {
	ctrlCh := make(chan *ByteController, 1)
	s, err := NewReadableByteStream(byteSourceWithController(ctrlCh, 0), nil)
	require.NoError(t, err)

	c := <-ctrlCh
	require.NoError(t, c.Enqueue([]byte("abc")))
	require.NoError(t, c.Close())

	ctx := testutil.Context(t)
	r, err := s.AcquireReader()
	require.NoError(t, err)
	defer r.Release()

	chunk, done, err := r.Read(ctx)
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, []byte("abc"), chunk)

	_, done, err = r.Read(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestBYOBReadZeroCopy(t *testing.T) {
	ctrlCh := make(chan *ByteController, 1)
	s, err := NewReadableByteStream(byteSourceWithController(ctrlCh, 0), nil)
	require.NoError(t, err)

	ctx := testutil.Context(t)
	r, err := AcquireBYOBReader(s)
	require.NoError(t, err)
	defer r.Release()

	type result struct {
		view *buffer.View
		done bool
		err  error
	}
	got := make(chan result, 1)
	go func() {
		v, err := buffer.NewView(buffer.New(16), 0, 16)
		if err != nil {
			got <- result{err: err}
			return
		}
		view, done, err := r.ReadInto(ctx, v)
		got <- result{view: view, done: done, err: err}
	}()

	c := <-ctrlCh
	var req *BYOBRequest
	testutil.Eventually(t, func() bool {
		req = c.BYOBRequest()
		return req != nil
	}, time.Second, "fill request should surface to the producer")

	// The producer writes directly into the consumer's buffer.
	p, err := req.View().Bytes()
	require.NoError(t, err)
	require.Len(t, p, 16)
	copy(p, "stream")
	require.NoError(t, req.Respond(6))

	res := <-got
	require.NoError(t, res.err)
	require.False(t, res.done)
	assert.Equal(t, 6, res.view.Len())
	b, err := res.view.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("stream"), b)
}

func TestBYOBElementAlignment(t *testing.T) {
	// A 4-byte element view filled with 4 then 6 bytes must settle only at
	// the 8-byte element boundary, keeping the 2-byte remainder queued.
	ctrlCh := make(chan *ByteController, 1)
	s, err := NewReadableByteStream(byteSourceWithController(ctrlCh, 0), nil)
	require.NoError(t, err)

	ctx := testutil.Context(t)
	r, err := AcquireBYOBReader(s)
	require.NoError(t, err)
	defer r.Release()

	got := make(chan *buffer.View, 1)
	go func() {
		v, _ := buffer.NewTypedView(buffer.New(12), 0, 12, 4)
		view, _, err := r.ReadInto(ctx, v)
		if err == nil {
			got <- view
		}
	}()

	c := <-ctrlCh
	var req *BYOBRequest
	testutil.Eventually(t, func() bool {
		req = c.BYOBRequest()
		return req != nil
	}, time.Second, "fill request should surface")

	p, err := req.View().Bytes()
	require.NoError(t, err)
	copy(p, []byte{1, 2})
	require.NoError(t, req.Respond(2))

	// Two bytes complete no element, so the read stays pending and the
	// next fill request covers the remaining region.
	select {
	case <-got:
		t.Fatal("read settled below the element boundary")
	case <-time.After(20 * time.Millisecond):
	}

	req = c.BYOBRequest()
	require.NotNil(t, req)
	p, err = req.View().Bytes()
	require.NoError(t, err)
	require.Len(t, p, 10)
	copy(p, []byte{3, 4, 5, 6, 7, 8, 9, 10})
	require.NoError(t, req.Respond(8))

	view := <-got
	assert.Equal(t, 8, view.Len(), "only whole elements are delivered")
	assert.Equal(t, 4, view.ElemSize())
	b, err := view.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, b)

	// The 2-byte remainder feeds the next read.
	got2 := make(chan *buffer.View, 1)
	go func() {
		v, _ := buffer.NewView(buffer.New(8), 0, 8)
		view, _, err := r.ReadInto(ctx, v)
		if err == nil {
			got2 <- view
		}
	}()
	view2 := <-got2
	assert.Equal(t, 2, view2.Len())
	b, err = view2.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 10}, b)
}

func TestBYOBFillComposedFromEnqueues(t *testing.T) {
	// A 10-byte single-element request is filled from two enqueues of 4
	// and 6 bytes. The first leaves the element partial and the read
	// pending; the second completes it exactly, settling the read and
	// draining the queue.
	ctrlCh := make(chan *ByteController, 1)
	s, err := NewReadableByteStream(byteSourceWithController(ctrlCh, 0), &ByteStreamOptions{
		HighWaterMark: 16,
	})
	require.NoError(t, err)

	ctx := testutil.Context(t)
	r, err := AcquireBYOBReader(s)
	require.NoError(t, err)
	defer r.Release()

	got := make(chan *buffer.View, 1)
	go func() {
		v, _ := buffer.NewTypedView(buffer.New(10), 0, 10, 10)
		view, _, err := r.ReadInto(ctx, v)
		if err == nil {
			got <- view
		}
	}()

	c := <-ctrlCh
	testutil.Eventually(t, func() bool {
		return c.BYOBRequest() != nil
	}, time.Second, "fill request should surface")

	require.NoError(t, c.Enqueue([]byte{1, 2, 3, 4}))
	select {
	case <-got:
		t.Fatal("read settled below the element boundary")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, c.Enqueue([]byte{5, 6, 7, 8, 9, 10}))

	view := <-got
	require.Equal(t, 10, view.Len())
	b, err := view.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, b)

	desired, ok := c.DesiredSize()
	require.True(t, ok)
	assert.Equal(t, 16.0, desired, "queue should hold no residue")
}

func TestBYOBReadServedFromQueue(t *testing.T) {
	ctrlCh := make(chan *ByteController, 1)
	s, err := NewReadableByteStream(byteSourceWithController(ctrlCh, 0), nil)
	require.NoError(t, err)

	c := <-ctrlCh
	require.NoError(t, c.Enqueue([]byte{1, 2, 3, 4, 5}))

	ctx := testutil.Context(t)
	r, err := AcquireBYOBReader(s)
	require.NoError(t, err)
	defer r.Release()

	v, err := buffer.NewView(buffer.New(3), 0, 3)
	require.NoError(t, err)
	view, done, err := r.ReadInto(ctx, v)
	require.NoError(t, err)
	require.False(t, done)
	b, err := view.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	v2, err := buffer.NewView(buffer.New(8), 0, 8)
	require.NoError(t, err)
	view2, done, err := r.ReadInto(ctx, v2)
	require.NoError(t, err)
	require.False(t, done)
	b, err = view2.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, b)
}

func TestReadIntoTransfersOwnership(t *testing.T) {
	ctrlCh := make(chan *ByteController, 1)
	s, err := NewReadableByteStream(byteSourceWithController(ctrlCh, 0), nil)
	require.NoError(t, err)

	c := <-ctrlCh
	require.NoError(t, c.Enqueue([]byte{9}))

	ctx := testutil.Context(t)
	r, err := AcquireBYOBReader(s)
	require.NoError(t, err)
	defer r.Release()

	buf := buffer.New(4)
	v, err := buffer.NewView(buf, 0, 4)
	require.NoError(t, err)
	_, _, err = r.ReadInto(ctx, v)
	require.NoError(t, err)

	// The caller's handle was consumed by the read.
	assert.True(t, buf.Detached())

	_, _, err = r.ReadInto(ctx, v)
	assert.Equal(t, ErrBufferDetached, GetErrorCode(err))
}

func TestAutoAllocateServesDefaultReads(t *testing.T) {
	s, err := NewReadableByteStream(ByteSource{
		Pull: func(_ context.Context, c *ByteController) error {
			req := c.BYOBRequest()
			if req == nil {
				return errors.New("expected an auto-allocated fill request")
			}
			p, err := req.View().Bytes()
			if err != nil {
				return err
			}
			copy(p, "xyz")
			return req.Respond(3)
		},
		AutoAllocateChunkSize: 64,
	}, nil)
	require.NoError(t, err)

	ctx := testutil.Context(t)
	r, err := s.AcquireReader()
	require.NoError(t, err)
	defer r.Release()

	chunk, done, err := r.Read(ctx)
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, []byte("xyz"), chunk)
}

func TestCloseWithPartialFillIsProtocolViolation(t *testing.T) {
	ctrlCh := make(chan *ByteController, 1)
	s, err := NewReadableByteStream(byteSourceWithController(ctrlCh, 0), nil)
	require.NoError(t, err)

	ctx := testutil.Context(t)
	r, err := AcquireBYOBReader(s)
	require.NoError(t, err)
	defer r.Release()

	errCh := make(chan error, 1)
	go func() {
		v, _ := buffer.NewTypedView(buffer.New(8), 0, 8, 4)
		_, _, err := r.ReadInto(ctx, v)
		errCh <- err
	}()

	c := <-ctrlCh
	var req *BYOBRequest
	testutil.Eventually(t, func() bool {
		req = c.BYOBRequest()
		return req != nil
	}, time.Second, "fill request should surface")

	p, err := req.View().Bytes()
	require.NoError(t, err)
	copy(p, []byte{1, 2})
	require.NoError(t, req.Respond(2))

	err = c.Close()
	assert.Equal(t, ErrProtocolViolation, GetErrorCode(err))
	assert.Equal(t, ErrProtocolViolation, GetErrorCode(<-errCh))
}

func TestRespondZeroOnClosedCommitsDone(t *testing.T) {
	ctrlCh := make(chan *ByteController, 1)
	s, err := NewReadableByteStream(byteSourceWithController(ctrlCh, 0), nil)
	require.NoError(t, err)

	ctx := testutil.Context(t)
	r, err := AcquireBYOBReader(s)
	require.NoError(t, err)
	defer r.Release()

	type result struct {
		done bool
		err  error
	}
	got := make(chan result, 1)
	go func() {
		v, _ := buffer.NewView(buffer.New(4), 0, 4)
		_, done, err := r.ReadInto(ctx, v)
		got <- result{done: done, err: err}
	}()

	c := <-ctrlCh
	testutil.Eventually(t, func() bool {
		return c.BYOBRequest() != nil
	}, time.Second, "fill request should surface")

	require.NoError(t, c.Close())

	res := <-got
	require.NoError(t, res.err)
	assert.True(t, res.done)
}

func TestReadIntoEmptyViewRejected(t *testing.T) {
	s, err := NewReadableByteStream(ByteSource{}, nil)
	require.NoError(t, err)

	r, err := AcquireBYOBReader(s)
	require.NoError(t, err)
	defer r.Release()

	v, err := buffer.NewView(buffer.New(4), 0, 0)
	require.NoError(t, err)
	_, _, err = r.ReadInto(testutil.Context(t), v)
	assert.Error(t, err)
}

func TestAcquireBYOBReaderOnPlainStreamFails(t *testing.T) {
	s, err := NewReadable(fixedSource([]byte("a")), nil)
	require.NoError(t, err)

	_, err = AcquireBYOBReader(s)
	assert.Equal(t, ErrInvalidState, GetErrorCode(err))
}

func TestByteStreamCancelDiscardsQueue(t *testing.T) {
	ctrlCh := make(chan *ByteController, 1)
	reasonCh := make(chan error, 1)
	s, err := NewReadableByteStream(ByteSource{
		Start: func(_ context.Context, c *ByteController) error {
			ctrlCh <- c
			return nil
		},
		Cancel: func(_ context.Context, reason error) error {
			reasonCh <- reason
			return nil
		},
	}, &ByteStreamOptions{HighWaterMark: 64})
	require.NoError(t, err)

	c := <-ctrlCh
	require.NoError(t, c.Enqueue([]byte("pending")))

	why := errors.New("stop")
	require.NoError(t, s.Cancel(testutil.Context(t), why))
	assert.Equal(t, why, <-reasonCh)
	assert.Equal(t, StateClosedR, s.State())
}
