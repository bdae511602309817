package streamflow

import (
	"context"

	"github.com/BaSui01/streamflow/buffer"
)

// readIntoResult is the settlement of one zero-copy read request.
type readIntoResult struct {
	view *buffer.View
	done bool
	err  error
}

type readIntoRequest struct {
	ch chan readIntoResult
}

func newReadIntoRequest() *readIntoRequest {
	return &readIntoRequest{ch: make(chan readIntoResult, 1)}
}

func (r *readIntoRequest) fulfill(view *buffer.View, done bool) {
	r.ch <- readIntoResult{view: view, done: done}
}

func (r *readIntoRequest) fail(err error) {
	r.ch <- readIntoResult{err: err}
}

// BYOBReader is the exclusive zero-copy lock holder of a readable byte
// stream: reads fill caller-supplied views directly, with the view's
// backing buffer owned by the engine from request to settlement.
type BYOBReader struct {
	s        *ReadableByteStream
	released bool
	closed   *future[struct{}]
	requests []*readIntoRequest
}

// AcquireBYOBReader locks a readable byte stream for zero-copy reading.
// Acquiring while any reader is live is a usage error.
func AcquireBYOBReader(s *ReadableByteStream) (*BYOBReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ctrl.(*ByteController); !ok {
		return nil, NewError(ErrInvalidState, "zero-copy reader requires a byte stream")
	}
	if s.lock != nil {
		return nil, NewError(ErrStreamLocked, "stream already has a reader")
	}
	r := &BYOBReader{s: s, closed: newFuture[struct{}]()}
	switch s.state {
	case StateClosedR:
		r.closed.resolve(struct{}{})
	case StateErroredR:
		r.closed.reject(s.storedErr)
	}
	s.lock = r
	return r, nil
}

// ReadInto requests bytes directly into view. Ownership of view's backing
// buffer transfers to the engine at call time — the caller's handle is
// detached — and a fresh view over the (possibly partially) filled region
// comes back on settlement. done is true once the stream has closed; a
// close before any byte was filled yields an empty view.
func (r *BYOBReader) ReadInto(ctx context.Context, view *buffer.View) (*buffer.View, bool, error) {
	if view == nil || view.Len() == 0 {
		return nil, false, NewError(ErrInvalidState, "zero-copy read requires a non-empty view")
	}
	s := r.s
	s.mu.Lock()
	if r.released {
		s.mu.Unlock()
		return nil, false, NewError(ErrReaderReleased, "read on released reader")
	}
	s.disturbed = true
	if s.state == StateErroredR {
		err := s.storedErr
		s.mu.Unlock()
		return nil, false, err
	}

	owned, err := view.Buffer().Transfer()
	if err != nil {
		s.mu.Unlock()
		return nil, false, NewError(ErrBufferDetached, "view buffer was already transferred").WithCause(err)
	}
	d := &pullIntoDescriptor{
		buf:        owned,
		byteOffset: view.ByteOffset(),
		byteLength: view.Len(),
		elemSize:   view.ElemSize(),
		kind:       pullIntoBYOB,
	}

	if s.state == StateClosedR {
		s.mu.Unlock()
		empty, verr := buffer.NewTypedView(owned, d.byteOffset, 0, d.elemSize)
		if verr != nil {
			return nil, false, verr
		}
		return empty, true, nil
	}

	c := s.ctrl.(*ByteController)
	req := newReadIntoRequest()
	c.pullInto(d, req)
	s.mu.Unlock()

	select {
	case res := <-req.ch:
		return res.view, res.done, res.err
	case <-ctx.Done():
		s.mu.Lock()
		removed := r.removeRequest(req)
		s.mu.Unlock()
		if removed {
			return nil, false, ctx.Err()
		}
		res := <-req.ch
		return res.view, res.done, res.err
	}
}

// Closed blocks until the stream closes (nil) or errors (the stored
// error).
func (r *BYOBReader) Closed(ctx context.Context) error {
	return r.closed.wait(ctx)
}

// Cancel cancels the owning stream through this reader.
func (r *BYOBReader) Cancel(ctx context.Context, reason error) error {
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

// Release gives up the stream lock, rejecting outstanding reads. A closed
// signal whose terminal outcome is already known keeps it.
func (r *BYOBReader) Release() {
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

// park runs under s.mu.
func (r *BYOBReader) park(req *readIntoRequest) {
	r.requests = append(r.requests, req)
}

// numRequests runs under s.mu.
func (r *BYOBReader) numRequests() int { return len(r.requests) }

// fulfillNext settles the oldest outstanding read. Runs under s.mu.
func (r *BYOBReader) fulfillNext(view *buffer.View, done bool) {
	invariant(len(r.requests) > 0, "fulfill with no outstanding read-into")
	req := r.requests[0]
	r.requests[0] = nil
	r.requests = r.requests[1:]
	req.fulfill(view, done)
}

// removeRequest runs under s.mu.
func (r *BYOBReader) removeRequest(req *readIntoRequest) bool {
	for i, q := range r.requests {
		if q == req {
			r.requests = append(r.requests[:i], r.requests[i+1:]...)
			return true
		}
	}
	return false
}

// onClose runs under s.mu. Requests whose descriptors were committed as
// done/empty have already settled; anything left fulfills as done without
// a view.
func (r *BYOBReader) onClose() {
	for _, req := range r.requests {
		req.fulfill(nil, true)
	}
	r.requests = nil
	r.closed.resolve(struct{}{})
}

// onError runs under s.mu.
func (r *BYOBReader) onError(err error) {
	for _, req := range r.requests {
		req.fail(err)
	}
	r.requests = nil
	r.closed.reject(err)
}

// BYOBRequest is the transient producer-facing handle for the head
// zero-copy fill request: a view over the unfilled remainder of the
// requested region. It is invalidated once responded to or once the
// underlying request is consumed by another path.
type BYOBRequest struct {
	c           *ByteController
	desc        *pullIntoDescriptor
	view        *buffer.View
	invalidated bool
}

// View returns the fillable remaining region.
func (r *BYOBRequest) View() *buffer.View { return r.view }

// Respond reports that the producer wrote n bytes into the request view. A
// response completing at least one element fulfills the waiting read; a
// smaller response re-issues a shrunken remaining view. On a closed stream
// only Respond(0) is valid and commits pending requests as done.
func (r *BYOBRequest) Respond(n int) error {
	if n < 0 {
		return NewError(ErrInvalidState, "negative respond size")
	}
	c := r.c
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if r.invalidated {
		return NewError(ErrInvalidState, "respond on an invalidated request")
	}
	if err := c.respond(n); err != nil {
		return err
	}
	c.callPullIfNeeded()
	return nil
}

// RespondWithNewView substitutes a producer-allocated view for the request
// region and responds with its length. The new view must start where the
// fill left off and fit in the remaining region; its buffer is transferred
// to the engine.
func (r *BYOBRequest) RespondWithNewView(view *buffer.View) error {
	c := r.c
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if r.invalidated {
		return NewError(ErrInvalidState, "respond on an invalidated request")
	}
	d := r.desc
	if view.ByteOffset() != d.byteOffset+d.bytesFilled {
		return NewError(ErrInvalidState, "replacement view offset does not continue the fill")
	}
	if view.Len() > d.remaining() {
		return NewError(ErrInvalidState, "replacement view exceeds the remaining region")
	}
	owned, err := view.Buffer().Transfer()
	if err != nil {
		return NewError(ErrBufferDetached, "replacement view buffer was already transferred").WithCause(err)
	}
	d.buf = owned
	if err := c.respond(view.Len()); err != nil {
		return err
	}
	c.callPullIfNeeded()
	return nil
}
