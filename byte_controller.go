package streamflow

import (
	"context"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/streamflow/buffer"
)

// ReadableByteStream is a readable stream of byte chunks whose controller
// supports zero-copy fill requests.
type ReadableByteStream = ReadableStream[[]byte]

// ByteSource supplies the producer algorithms for a readable byte stream.
// Producers may enqueue whole chunks or serve the controller's zero-copy
// request (see [ByteController.BYOBRequest]).
type ByteSource struct {
	Start  func(ctx context.Context, c *ByteController) error
	Pull   func(ctx context.Context, c *ByteController) error
	Cancel func(ctx context.Context, reason error) error

	// AutoAllocateChunkSize, when positive, makes ordinary reads allocate
	// a scratch buffer of this size and register it as a fill request, so
	// producers can use the zero-copy path uniformly.
	AutoAllocateChunkSize int
}

// ByteStreamOptions configures NewReadableByteStream. The zero value is
// usable: byte streams default to a high water mark of 0 and size chunks by
// byte length; a size function cannot be supplied.
type ByteStreamOptions struct {
	HighWaterMark float64
	Logger        *zap.Logger
}

// NewReadableByteStream creates a readable byte stream driven by the given
// source.
func NewReadableByteStream(src ByteSource, opts *ByteStreamOptions) (*ReadableByteStream, error) {
	hwm := 0.0
	logger := zap.NewNop()
	if opts != nil {
		hwm = opts.HighWaterMark
		if opts.Logger != nil {
			logger = opts.Logger
		}
	}
	if math.IsNaN(hwm) || hwm < 0 {
		return nil, NewError(ErrInvalidStrategy, "high water mark must be a non-negative number")
	}
	if src.AutoAllocateChunkSize < 0 {
		return nil, NewError(ErrInvalidStrategy, "auto-allocate chunk size must not be negative")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ReadableByteStream{
		id:        uuid.NewString(),
		logger:    logger.With(zap.String("component", "readable_bytes")),
		ctx:       ctx,
		cancelCtx: cancel,
	}
	c := &ByteController{
		s:         s,
		hwm:       hwm,
		autoAlloc: src.AutoAllocateChunkSize,
		pullFn:    src.Pull,
		cancelFn:  src.Cancel,
	}
	s.ctrl = c
	collector().StreamCreated("readable_bytes")

	c.start(src.Start)
	return s, nil
}

// pullIntoKind distinguishes who asked for a buffer fill.
type pullIntoKind int

const (
	pullIntoDefault pullIntoKind = iota // auto-allocated for an ordinary read
	pullIntoBYOB                        // caller-supplied zero-copy view
)

// pullIntoDescriptor tracks one outstanding buffer-fill request. The
// controller exclusively owns buf from request issue until fulfillment or
// cancellation.
type pullIntoDescriptor struct {
	buf         *buffer.Buffer
	byteOffset  int
	byteLength  int
	bytesFilled int
	elemSize    int
	kind        pullIntoKind
}

// remaining returns the unfilled byte count.
func (d *pullIntoDescriptor) remaining() int { return d.byteLength - d.bytesFilled }

// ByteController is the queue-plus-backpressure state machine of a readable
// byte stream. In addition to whole-chunk enqueues it manages zero-copy
// fill requests: ordered pull-into descriptors whose head is surfaced to
// the producer as a transient BYOBRequest.
type ByteController struct {
	s          *ReadableByteStream
	queue      [][]byte
	queueTotal int
	hwm        float64
	autoAlloc  int

	pullFn   func(ctx context.Context, c *ByteController) error
	cancelFn func(ctx context.Context, reason error) error

	started        bool
	pulling        bool
	pullAgain      bool
	closeRequested bool

	pendingPullIntos []*pullIntoDescriptor
	byobReq          *BYOBRequest // cached transient view over the head descriptor
}

func (c *ByteController) start(startFn func(ctx context.Context, c *ByteController) error) {
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

// Enqueue makes a chunk of bytes available to the consumer. The controller
// takes ownership of the slice; the caller must not reuse it. Outstanding
// zero-copy requests are filled from the new bytes first, in order.
func (c *ByteController) Enqueue(chunk []byte) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closeRequested {
		return NewError(ErrStreamClosing, "enqueue after close was requested")
	}
	if c.s.state != StateReadable {
		return NewError(ErrInvalidState, "enqueue on "+c.s.state.String()+" stream")
	}
	c.invalidateBYOBRequest()

	if r, ok := c.s.lock.(*Reader[[]byte]); ok && r.numRequests() > 0 {
		invariant(c.queueTotal == 0, "queued bytes while reads are outstanding")
		// The oldest read bypasses the queue. Its auto-allocated scratch
		// descriptor, if any, is no longer needed.
		if len(c.pendingPullIntos) > 0 && c.pendingPullIntos[0].kind == pullIntoDefault {
			c.shiftPendingPullInto()
		}
		r.fulfillNext(chunk, false)
		collector().ChunkMoved("readable_bytes", float64(len(chunk)))
	} else {
		c.enqueueChunk(chunk)
		if _, ok := c.s.lock.(*BYOBReader); ok {
			c.processPullIntosUsingQueue()
		}
	}
	c.callPullIfNeeded()
	return nil
}

// Close signals end of stream. Queued bytes remain readable. Closing while
// the head fill request is partially filled is a protocol violation that
// errors the stream; zero-filled requests are fulfilled as done with empty
// views.
func (c *ByteController) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closeRequested {
		return NewError(ErrStreamClosing, "close already requested")
	}
	if c.s.state != StateReadable {
		return NewError(ErrInvalidState, "close on "+c.s.state.String()+" stream")
	}
	if c.queueTotal > 0 {
		c.closeRequested = true
		return nil
	}
	return c.closeNow()
}

// closeNow runs under s.mu with an empty queue. A partially filled head
// fill request is a protocol violation that errors the stream instead;
// zero-filled requests are committed as done with empty views.
func (c *ByteController) closeNow() error {
	if len(c.pendingPullIntos) > 0 && c.pendingPullIntos[0].bytesFilled > 0 {
		err := NewError(ErrProtocolViolation, "stream closed with a partially filled zero-copy request")
		c.errorLocked(err)
		return err
	}
	c.invalidateBYOBRequest()
	for len(c.pendingPullIntos) > 0 {
		d := c.shiftPendingPullInto()
		c.commitPullIntoDescriptor(d, true)
	}
	c.clearAlgorithms()
	c.s.closeInternal()
	return nil
}

// Error moves the stream to errored with the given cause, discarding queued
// bytes and all pending requests.
func (c *ByteController) Error(err error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.errorLocked(err)
}

// DesiredSize returns highWaterMark − queued byte count. ok is false once
// the stream is errored; a closed stream reports 0.
func (c *ByteController) DesiredSize() (float64, bool) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.desiredSize()
}

func (c *ByteController) desiredSize() (float64, bool) {
	switch c.s.state {
	case StateErroredR:
		return 0, false
	case StateClosedR:
		return 0, true
	}
	return c.hwm - float64(c.queueTotal), true
}

// BYOBRequest returns the transient fill request for the head pull-into
// descriptor, or nil when no request is outstanding. The request is
// invalidated once it is responded to or the descriptor is consumed.
func (c *ByteController) BYOBRequest() *BYOBRequest {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.byobReq == nil && len(c.pendingPullIntos) > 0 {
		d := c.pendingPullIntos[0]
		v, err := buffer.NewView(d.buf, d.byteOffset+d.bytesFilled, d.remaining())
		invariant(err == nil, "building view over owned descriptor")
		if err != nil {
			return nil
		}
		c.byobReq = &BYOBRequest{c: c, desc: d, view: v}
	}
	return c.byobReq
}

func (c *ByteController) errorLocked(err error) {
	if c.s.state != StateReadable {
		return
	}
	c.queue = nil
	c.queueTotal = 0
	c.invalidateBYOBRequest()
	c.pendingPullIntos = nil
	c.clearAlgorithms()
	c.s.errorInternal(err)
}

func (c *ByteController) clearAlgorithms() {
	c.pullFn = nil
	c.cancelFn = nil
}

func (c *ByteController) invalidateBYOBRequest() {
	if c.byobReq != nil {
		c.byobReq.invalidated = true
		c.byobReq = nil
	}
}

func (c *ByteController) enqueueChunk(chunk []byte) {
	c.queue = append(c.queue, chunk)
	c.queueTotal += len(chunk)
	collector().ChunkMoved("readable_bytes", float64(len(chunk)))
}

func (c *ByteController) shiftPendingPullInto() *pullIntoDescriptor {
	invariant(len(c.pendingPullIntos) > 0, "shift of empty pull-into list")
	c.invalidateBYOBRequest()
	d := c.pendingPullIntos[0]
	c.pendingPullIntos[0] = nil
	c.pendingPullIntos = c.pendingPullIntos[1:]
	return d
}

func (c *ByteController) shouldCallPull() bool {
	if !c.started || c.closeRequested || c.s.state != StateReadable || c.pullFn == nil {
		return false
	}
	if r, ok := c.s.lock.(*Reader[[]byte]); ok && r.numRequests() > 0 {
		return true
	}
	if b, ok := c.s.lock.(*BYOBReader); ok && b.numRequests() > 0 {
		return true
	}
	desired, ok := c.desiredSize()
	return ok && desired > 0
}

func (c *ByteController) callPullIfNeeded() {
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

// handleQueueDrain completes a requested close once the queue empties. Runs
// under s.mu.
func (c *ByteController) handleQueueDrain() {
	invariant(c.s.state == StateReadable, "queue drain on non-readable stream")
	if c.queueTotal == 0 && c.closeRequested {
		_ = c.closeNow()
		return
	}
	c.callPullIfNeeded()
}

// pullSteps services one default (whole-chunk) read request under s.mu.
func (c *ByteController) pullSteps(req *readRequest[[]byte]) {
	if c.queueTotal > 0 {
		invariant(len(c.queue) > 0, "positive total with empty byte queue")
		chunk := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.queueTotal -= len(chunk)
		c.handleQueueDrain()
		req.fulfill(chunk, false)
		return
	}
	if c.autoAlloc > 0 {
		c.pendingPullIntos = append(c.pendingPullIntos, &pullIntoDescriptor{
			buf:        buffer.New(c.autoAlloc),
			byteLength: c.autoAlloc,
			elemSize:   1,
			kind:       pullIntoDefault,
		})
	}
	r, ok := c.s.lock.(*Reader[[]byte])
	invariant(ok, "read request without a default reader lock")
	if ok {
		r.park(req)
	}
	c.callPullIfNeeded()
}

// cancelSteps runs under s.mu.
func (c *ByteController) cancelSteps(reason error) *future[struct{}] {
	if len(c.pendingPullIntos) > 0 {
		c.pendingPullIntos[0].bytesFilled = 0
	}
	c.invalidateBYOBRequest()
	c.pendingPullIntos = nil
	c.queue = nil
	c.queueTotal = 0
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

// pullInto registers a zero-copy fill request under s.mu, filling it from
// queued bytes first. It either settles req synchronously or parks it.
func (c *ByteController) pullInto(d *pullIntoDescriptor, req *readIntoRequest) {
	if len(c.pendingPullIntos) > 0 {
		c.pendingPullIntos = append(c.pendingPullIntos, d)
		c.parkReadInto(req)
		return
	}
	if c.queueTotal > 0 {
		if c.fillPullIntoDescriptorFromQueue(d) {
			view := c.convertPullIntoDescriptor(d)
			c.handleQueueDrain()
			req.fulfill(view, false)
			return
		}
		if c.closeRequested {
			err := NewError(ErrProtocolViolation, "stream closed with a partially filled zero-copy request")
			c.errorLocked(err)
			req.fail(err)
			return
		}
	}
	c.pendingPullIntos = append(c.pendingPullIntos, d)
	c.parkReadInto(req)
	c.callPullIfNeeded()
}

func (c *ByteController) parkReadInto(req *readIntoRequest) {
	b, ok := c.s.lock.(*BYOBReader)
	invariant(ok, "read-into request without a zero-copy reader lock")
	if ok {
		b.park(req)
	}
}

// fillPullIntoDescriptorFromQueue copies queued bytes into the descriptor,
// consuming whole and partial queue entries in order. It reports whether
// the descriptor reached at least one whole element and may be committed.
// Runs under s.mu.
func (c *ByteController) fillPullIntoDescriptorFromQueue(d *pullIntoDescriptor) bool {
	maxBytesToCopy := d.remaining()
	if c.queueTotal < maxBytesToCopy {
		maxBytesToCopy = c.queueTotal
	}
	maxBytesFilled := d.bytesFilled + maxBytesToCopy
	maxAligned := maxBytesFilled - maxBytesFilled%d.elemSize

	toCopy := maxBytesToCopy
	ready := false
	if maxAligned >= d.elemSize {
		toCopy = maxAligned - d.bytesFilled
		ready = true
	}

	dst := bufBytes(d.buf)
	for toCopy > 0 {
		invariant(len(c.queue) > 0, "queue exhausted while bytes remain to copy")
		head := c.queue[0]
		n := len(head)
		if n > toCopy {
			n = toCopy
		}
		copy(dst[d.byteOffset+d.bytesFilled:], head[:n])
		if n == len(head) {
			c.queue[0] = nil
			c.queue = c.queue[1:]
		} else {
			c.queue[0] = head[n:]
		}
		c.queueTotal -= n
		d.bytesFilled += n
		toCopy -= n
	}

	if !ready {
		invariant(c.queueTotal == 0, "descriptor not ready with bytes still queued")
		invariant(d.bytesFilled < d.elemSize, "unready descriptor holds a whole element")
	}
	return ready
}

// processPullIntosUsingQueue commits every descriptor the queued bytes can
// complete, head first. Runs under s.mu.
func (c *ByteController) processPullIntosUsingQueue() {
	for len(c.pendingPullIntos) > 0 && c.queueTotal > 0 {
		d := c.pendingPullIntos[0]
		if !c.fillPullIntoDescriptorFromQueue(d) {
			return
		}
		c.shiftPendingPullInto()
		c.commitPullIntoDescriptor(d, false)
	}
}

// convertPullIntoDescriptor turns a descriptor's filled region into the
// caller-facing view. Runs under s.mu.
func (c *ByteController) convertPullIntoDescriptor(d *pullIntoDescriptor) *buffer.View {
	invariant(d.bytesFilled%d.elemSize == 0, "committing an unaligned fill")
	v, err := buffer.NewTypedView(d.buf, d.byteOffset, d.bytesFilled, d.elemSize)
	invariant(err == nil, "building committed view over owned descriptor")
	return v
}

// commitPullIntoDescriptor fulfills the request waiting on a completed
// descriptor. Runs under s.mu.
func (c *ByteController) commitPullIntoDescriptor(d *pullIntoDescriptor, done bool) {
	view := c.convertPullIntoDescriptor(d)
	switch d.kind {
	case pullIntoDefault:
		r, ok := c.s.lock.(*Reader[[]byte])
		invariant(ok && r.numRequests() > 0, "default descriptor without an outstanding read")
		if ok && r.numRequests() > 0 {
			b, _ := view.Bytes()
			r.fulfillNext(b, done)
		}
	case pullIntoBYOB:
		b, ok := c.s.lock.(*BYOBReader)
		invariant(ok && b.numRequests() > 0, "zero-copy descriptor without an outstanding read")
		if ok && b.numRequests() > 0 {
			b.fulfillNext(view, done)
		}
	}
}

// respond is the producer's answer to the head fill request: n bytes were
// written into the request view. Runs under s.mu.
func (c *ByteController) respond(n int) error {
	if len(c.pendingPullIntos) == 0 {
		return NewError(ErrInvalidState, "respond without a pending zero-copy request")
	}
	d := c.pendingPullIntos[0]
	switch c.s.state {
	case StateClosedR:
		if n != 0 {
			return NewError(ErrInvalidState, "non-zero respond on a closed stream")
		}
		return c.respondInClosedState()
	case StateErroredR:
		return NewError(ErrInvalidState, "respond on an errored stream")
	}
	if n == 0 {
		return NewError(ErrInvalidState, "respond with zero bytes on a readable stream")
	}
	if d.bytesFilled+n > d.byteLength {
		return NewError(ErrInvalidState, "respond overflows the request view")
	}
	c.invalidateBYOBRequest()
	return c.respondInReadableState(n, d)
}

func (c *ByteController) respondInClosedState() error {
	c.invalidateBYOBRequest()
	for len(c.pendingPullIntos) > 0 {
		d := c.shiftPendingPullInto()
		invariant(d.bytesFilled == 0, "filled descriptor in closed state")
		c.commitPullIntoDescriptor(d, true)
	}
	return nil
}

func (c *ByteController) respondInReadableState(n int, d *pullIntoDescriptor) error {
	d.bytesFilled += n
	if d.bytesFilled < d.elemSize {
		// Partial response below one element: the request stays pending
		// with a smaller remaining view.
		return nil
	}
	c.shiftPendingPullInto()

	remainder := d.bytesFilled % d.elemSize
	if remainder > 0 {
		// Unaligned tail bytes go back on the queue for later reads.
		end := d.byteOffset + d.bytesFilled
		tail := make([]byte, remainder)
		copy(tail, bufBytes(d.buf)[end-remainder:end])
		c.enqueueChunk(tail)
		d.bytesFilled -= remainder
	}
	c.commitPullIntoDescriptor(d, false)
	c.processPullIntosUsingQueue()
	return nil
}

// bufBytes reads an owned buffer's bytes; the controller never holds a
// detached handle.
func bufBytes(b *buffer.Buffer) []byte {
	p, err := b.Bytes()
	invariant(err == nil, "controller holds a detached buffer")
	return p
}
