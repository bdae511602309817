package streamflow

import "math"

// Strategy controls queuing for one stream endpoint: the high water mark
// above which the controller stops requesting input, and the size function
// applied to each chunk. A nil Size counts every chunk as 1.
type Strategy[T any] struct {
	HighWaterMark float64
	Size          func(chunk T) float64
}

// CountStrategy counts each chunk as size 1 with the given high water mark.
func CountStrategy[T any](highWaterMark float64) Strategy[T] {
	return Strategy[T]{HighWaterMark: highWaterMark}
}

// ByteLengthStrategy sizes each chunk by its byte length.
func ByteLengthStrategy(highWaterMark float64) Strategy[[]byte] {
	return Strategy[[]byte]{
		HighWaterMark: highWaterMark,
		Size:          func(chunk []byte) float64 { return float64(len(chunk)) },
	}
}

// validate rejects high water marks that cannot order a queue.
func (s Strategy[T]) validate() error {
	if math.IsNaN(s.HighWaterMark) || s.HighWaterMark < 0 {
		return NewError(ErrInvalidStrategy, "high water mark must be a non-negative number")
	}
	return nil
}

// measure applies the size function to a chunk. A NaN, infinite or negative
// result is a protocol violation; the caller errors the stream with the
// returned error.
func (s Strategy[T]) measure(chunk T) (float64, error) {
	if s.Size == nil {
		return 1, nil
	}
	size := s.Size(chunk)
	if math.IsNaN(size) || math.IsInf(size, 0) || size < 0 {
		return 0, NewError(ErrProtocolViolation, "size function returned an invalid chunk size")
	}
	return size, nil
}
