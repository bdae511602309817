package streamflow

import (
	"context"
	"iter"
)

// ValuesOptions tunes Values.
type ValuesOptions struct {
	// PreventCancel keeps the stream alive when the loop body breaks
	// early; the default cancels it.
	PreventCancel bool
}

// Values returns a single-pass iterator over the stream's chunks. The
// stream is locked for the duration of the loop and unlocked when it ends.
// A stream failure is yielded once as the final pair's error. Breaking out
// of the loop cancels the stream unless opts.PreventCancel is set.
//
// The sequence is not restartable; ranging over it twice yields a
// STREAM_LOCKED error on the second pass.
func (s *ReadableStream[T]) Values(ctx context.Context, opts *ValuesOptions) iter.Seq2[T, error] {
	preventCancel := opts != nil && opts.PreventCancel
	return func(yield func(T, error) bool) {
		var zero T
		r, err := s.AcquireReader()
		if err != nil {
			yield(zero, err)
			return
		}
		for {
			chunk, done, err := r.Read(ctx)
			if err != nil {
				r.Release()
				yield(zero, err)
				return
			}
			if done {
				r.Release()
				return
			}
			if !yield(chunk, nil) {
				if !preventCancel {
					r.Cancel(context.Background(), nil) //nolint:errcheck
				}
				r.Release()
				return
			}
		}
	}
}
