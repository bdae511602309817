package streamflow

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/streamflow/buffer"
)

// TestZeroCopySegmentationRoundTrip drives a byte stream with arbitrary
// data through BYOB reads of arbitrary buffer sizes. However the transfer
// is segmented, the consumer must reassemble exactly the produced bytes.
func TestZeroCopySegmentationRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "data")

		remaining := data
		s, err := NewReadableByteStream(ByteSource{
			Pull: func(_ context.Context, c *ByteController) error {
				req := c.BYOBRequest()
				if req == nil {
					return nil
				}
				if len(remaining) == 0 {
					return c.Close()
				}
				p, err := req.View().Bytes()
				if err != nil {
					return err
				}
				n := copy(p, remaining)
				remaining = remaining[n:]
				return req.Respond(n)
			},
		}, nil)
		require.NoError(t, err)

		r, err := AcquireBYOBReader(s)
		require.NoError(t, err)
		defer r.Release()

		var got []byte
		for {
			size := rapid.IntRange(1, 64).Draw(t, "bufsize")
			v, err := buffer.NewView(buffer.New(size), 0, size)
			require.NoError(t, err)

			view, done, err := r.ReadInto(context.Background(), v)
			require.NoError(t, err)
			if done {
				break
			}
			b, err := view.Bytes()
			require.NoError(t, err)
			got = append(got, b...)
		}

		require.True(t, bytes.Equal(data, got), "reassembled bytes differ from produced bytes")
	})
}

// TestPipeTransfersArbitraryChunks pipes arbitrary chunk sequences across
// arbitrary queue capacities and checks the sink sees the exact sequence.
func TestPipeTransfersArbitraryChunks(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chunks := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 32), 0, 32).Draw(t, "chunks")
		srcHWM := rapid.Float64Range(0, 8).Draw(t, "src_hwm")
		// A zero high water mark keeps the destination permanently
		// backpressured, so the pipe would stall by design.
		dstHWM := rapid.Float64Range(1, 8).Draw(t, "dst_hwm")

		src, err := NewReadable(fixedSource(chunks...), &ReadableOptions[[]byte]{
			Strategy: ptrStrategy(CountStrategy[[]byte](srcHWM)),
		})
		require.NoError(t, err)

		rs := &recordingSink[[]byte]{}
		dst, err := NewWritable(rs.sink(), &WritableOptions[[]byte]{
			Strategy: ptrStrategy(CountStrategy[[]byte](dstHWM)),
		})
		require.NoError(t, err)

		require.NoError(t, src.PipeTo(context.Background(), dst, nil))

		got := rs.snapshot()
		require.Len(t, got, len(chunks))
		for i := range chunks {
			require.True(t, bytes.Equal(chunks[i], got[i]), "chunk %d differs", i)
		}
		require.True(t, rs.wasClosed())
	})
}
