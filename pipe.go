package streamflow

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PipeOptions tunes the shutdown behavior of PipeTo. The zero value
// propagates every signal: source errors abort the destination, destination
// errors cancel the source, and source close closes the destination.
type PipeOptions struct {
	// PreventClose leaves the destination open after the source closes.
	PreventClose bool
	// PreventAbort leaves the destination alone after the source errors.
	PreventAbort bool
	// PreventCancel leaves the source alone after the destination fails.
	PreventCancel bool
	// Logger receives debug-level pipe lifecycle events. Nil means no
	// logging.
	Logger *zap.Logger
}

// pipe event kinds, reported by the copy loop to the coordinator.
const (
	evSourceClosed = iota
	evSourceErrored
	evDestFailed
	evLoopCancelled
)

type pipeEvent struct {
	kind int
	err  error
}

// PipeTo moves every chunk from s into dest, honoring dest's backpressure,
// and blocks until the transfer settles. Both endpoints are locked for the
// duration. Cancelling ctx stops the transfer and, unless prevented, aborts
// the destination and cancels the source with the context's cause.
//
// The error reflects the first terminal event per the shutdown rules in
// PipeOptions; a clean source close with a clean destination close returns
// nil.
func (s *ReadableStream[T]) PipeTo(ctx context.Context, dest *WritableStream[T], opts *PipeOptions) error {
	if opts == nil {
		opts = &PipeOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("component", "pipe"),
		zap.String("source_id", s.id),
		zap.String("dest_id", dest.id),
	)

	r, err := s.AcquireReader()
	if err != nil {
		return err
	}
	w, err := dest.AcquireWriter()
	if err != nil {
		r.Release()
		return err
	}
	defer w.Release()
	defer r.Release()

	start := time.Now()
	outcome, err := pipeLoop(ctx, r, w, opts, logger)
	collector().PipeFinished(outcome, time.Since(start))
	logger.Debug("pipe finished",
		zap.String("outcome", outcome),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return err
}

// PipeThrough pipes src into the transform's writable side and returns the
// readable side immediately. The pipe runs in the background; its outcome
// surfaces through the returned stream's terminal state.
func PipeThrough[I, O any](ctx context.Context, src *ReadableStream[I], t *TransformStream[I, O], opts *PipeOptions) *ReadableStream[O] {
	go func() {
		src.PipeTo(ctx, t.Writable(), opts) //nolint:errcheck
	}()
	return t.Readable()
}

func pipeLoop[T any](ctx context.Context, r *Reader[T], w *Writer[T], opts *PipeOptions, logger *zap.Logger) (string, error) {
	// Terminal states present at entry resolve before any chunk moves.
	src, dst := r.s, w.s

	src.mu.Lock()
	srcState, srcErr := src.state, src.storedErr
	src.mu.Unlock()
	dst.mu.Lock()
	dstState, dstErr := dst.publicState(), dst.storedErr
	dst.mu.Unlock()

	switch {
	case srcState == StateErroredR:
		return "source_error", shutdownOnSourceError(ctx, w, opts, srcErr)
	case dstState == StateErroredW:
		return "dest_error", shutdownOnDestError(ctx, r, opts, dstErr)
	case srcState == StateClosedR:
		return "completed", shutdownOnSourceClose(ctx, w, opts, nil)
	case dstState == StateClosedW || dstState == StateClosing:
		e := NewError(ErrDestinationClosed, "destination is closing or closed")
		if !opts.PreventCancel {
			if cerr := r.Cancel(ctx, e); cerr != nil {
				logger.Debug("source cancel failed", zap.Error(cerr))
			}
		}
		return "dest_closed", e
	}
	if ctx.Err() != nil {
		return "cancelled", shutdownOnContext(ctx, r, w, opts, logger)
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	var lastWrite *future[struct{}]
	loopDone := make(chan pipeEvent, 1)
	go func() {
		for {
			if err := w.Ready(loopCtx); err != nil {
				if loopCtx.Err() != nil {
					loopDone <- pipeEvent{kind: evLoopCancelled}
				} else {
					loopDone <- pipeEvent{kind: evDestFailed, err: err}
				}
				return
			}
			chunk, done, err := r.Read(loopCtx)
			switch {
			case loopCtx.Err() != nil:
				loopDone <- pipeEvent{kind: evLoopCancelled}
				return
			case err != nil:
				loopDone <- pipeEvent{kind: evSourceErrored, err: err}
				return
			case done:
				loopDone <- pipeEvent{kind: evSourceClosed}
				return
			}
			// Write settlements are not awaited chunk by chunk; the ready
			// check above is the flow control. Only the last settlement is
			// kept so a close can drain behind it.
			lastWrite = w.writeChunk(chunk)
		}
	}()

	// The copy loop blocks in Read while the source idles, so destination
	// failure is watched out of band.
	destFailed := make(chan error, 1)
	go func() {
		if err := w.Closed(context.Background()); err != nil {
			destFailed <- err
		}
	}()

	var ev pipeEvent
	select {
	case ev = <-loopDone:
	case err := <-destFailed:
		cancelLoop()
		<-loopDone
		ev = pipeEvent{kind: evDestFailed, err: err}
	case <-ctx.Done():
		cancelLoop()
		<-loopDone
		return "cancelled", shutdownOnContext(ctx, r, w, opts, logger)
	}

	switch ev.kind {
	case evSourceClosed:
		return "completed", shutdownOnSourceClose(context.Background(), w, opts, lastWrite)
	case evSourceErrored:
		return "source_error", shutdownOnSourceError(context.Background(), w, opts, ev.err)
	case evDestFailed:
		return "dest_error", shutdownOnDestError(context.Background(), r, opts, ev.err)
	}
	// The loop observed loopCtx cancellation before the coordinator did.
	// Either the parent context fired or the destination watcher is about
	// to report.
	if ctx.Err() != nil {
		return "cancelled", shutdownOnContext(ctx, r, w, opts, logger)
	}
	err := <-destFailed
	return "dest_error", shutdownOnDestError(context.Background(), r, opts, err)
}

func shutdownOnSourceError[T any](ctx context.Context, w *Writer[T], opts *PipeOptions, cause error) error {
	if !opts.PreventAbort {
		if err := w.Abort(ctx, cause); err != nil {
			return err
		}
	}
	return cause
}

func shutdownOnDestError[T any](ctx context.Context, r *Reader[T], opts *PipeOptions, cause error) error {
	if !opts.PreventCancel {
		if err := r.Cancel(ctx, cause); err != nil {
			return err
		}
	}
	return cause
}

func shutdownOnSourceClose[T any](ctx context.Context, w *Writer[T], opts *PipeOptions, lastWrite *future[struct{}]) error {
	if opts.PreventClose {
		if lastWrite != nil {
			// Queued chunks still belong to the destination's owner; wait
			// for them so the handoff is clean.
			lastWrite.wait(ctx) //nolint:errcheck
		}
		return nil
	}
	return w.Close(ctx)
}

func shutdownOnContext[T any](ctx context.Context, r *Reader[T], w *Writer[T], opts *PipeOptions, logger *zap.Logger) error {
	cause := context.Cause(ctx)
	var g errgroup.Group
	if !opts.PreventAbort {
		g.Go(func() error { return w.Abort(context.Background(), cause) })
	}
	if !opts.PreventCancel {
		g.Go(func() error { return r.Cancel(context.Background(), cause) })
	}
	if err := g.Wait(); err != nil {
		logger.Debug("pipe shutdown cleanup failed", zap.Error(err))
	}
	return cause
}
