package streamflow

// queueEntry pairs a chunk with the size its strategy reported at enqueue
// time, so dequeue subtracts exactly what enqueue added even if the strategy
// is not a pure function.
type queueEntry[T any] struct {
	chunk T
	size  float64
}

// sizedQueue is a FIFO of sized chunks with a running total. The total is
// floored at zero on removal to absorb floating-point drift from fractional
// sizes; a materially negative total would indicate a bookkeeping bug and
// trips the debug assertion instead.
type sizedQueue[T any] struct {
	entries []queueEntry[T]
	total   float64
}

func (q *sizedQueue[T]) len() int { return len(q.entries) }

func (q *sizedQueue[T]) push(chunk T, size float64) {
	q.entries = append(q.entries, queueEntry[T]{chunk: chunk, size: size})
	q.total += size
}

// pop removes and returns the head chunk.
func (q *sizedQueue[T]) pop() T {
	invariant(len(q.entries) > 0, "pop from empty queue")
	head := q.entries[0]
	q.entries[0] = queueEntry[T]{}
	q.entries = q.entries[1:]
	q.total -= head.size
	invariant(q.total > -1e-9, "queue total went negative")
	if q.total < 0 {
		q.total = 0
	}
	return head.chunk
}

// peek returns the head chunk without removing it.
func (q *sizedQueue[T]) peek() T {
	invariant(len(q.entries) > 0, "peek at empty queue")
	return q.entries[0].chunk
}

// reset discards all entries and zeroes the total.
func (q *sizedQueue[T]) reset() {
	q.entries = nil
	q.total = 0
}
