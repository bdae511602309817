// Package buffer provides byte buffer handles with explicit ownership
// transfer, modeled after transferable array buffers: once a handle is
// transferred, the original becomes detached and every further access
// through it fails.
package buffer

import "fmt"

// ErrDetached is returned when a detached buffer handle is used.
type DetachedError struct {
	Op string
}

func (e *DetachedError) Error() string {
	return fmt.Sprintf("buffer: %s on detached buffer", e.Op)
}

// Buffer is an owning handle to a byte slab. At most one live handle owns
// the slab; Transfer moves ownership to a fresh handle and detaches the
// receiver.
type Buffer struct {
	data     []byte
	detached bool
}

// New allocates a buffer of the given length.
func New(n int) *Buffer {
	return &Buffer{data: make([]byte, n)}
}

// Of wraps an existing byte slice without copying. The caller must not use
// the slice directly afterwards.
func Of(p []byte) *Buffer {
	return &Buffer{data: p}
}

// Len returns the buffer length, or 0 if detached.
func (b *Buffer) Len() int {
	if b.detached {
		return 0
	}
	return len(b.data)
}

// Detached reports whether ownership has been moved away from this handle.
func (b *Buffer) Detached() bool { return b.detached }

// Transfer moves ownership of the slab to a new handle and detaches the
// receiver. Transferring an already-detached handle fails.
func (b *Buffer) Transfer() (*Buffer, error) {
	if b.detached {
		return nil, &DetachedError{Op: "Transfer"}
	}
	nb := &Buffer{data: b.data}
	b.data = nil
	b.detached = true
	return nb, nil
}

// Bytes returns the underlying slab. It fails on a detached handle.
func (b *Buffer) Bytes() ([]byte, error) {
	if b.detached {
		return nil, &DetachedError{Op: "Bytes"}
	}
	return b.data, nil
}

// bytes is the internal accessor for code that has already validated the
// handle. Calling it on a detached handle is an implementation bug.
func (b *Buffer) bytes() []byte {
	if b.detached {
		panic("buffer: internal access to detached buffer")
	}
	return b.data
}

// View is a typed window over a region of a Buffer: a byte offset, a byte
// length and an element size. Element size 1 describes a plain byte view;
// larger sizes describe fixed-width element views whose fills must align to
// element boundaries.
type View struct {
	buf      *Buffer
	off      int
	length   int
	elemSize int
}

// NewView creates a byte view (element size 1) over buf[off : off+length].
func NewView(buf *Buffer, off, length int) (*View, error) {
	return NewTypedView(buf, off, length, 1)
}

// NewTypedView creates a view with the given element size. The byte length
// must be a multiple of elemSize and the region must lie within the buffer.
func NewTypedView(buf *Buffer, off, length, elemSize int) (*View, error) {
	if buf == nil {
		return nil, fmt.Errorf("buffer: nil buffer")
	}
	if buf.detached {
		return nil, &DetachedError{Op: "NewTypedView"}
	}
	if elemSize <= 0 {
		return nil, fmt.Errorf("buffer: element size %d must be positive", elemSize)
	}
	if off < 0 || length < 0 || off+length > len(buf.data) {
		return nil, fmt.Errorf("buffer: view [%d:%d) out of range for buffer of %d bytes", off, off+length, len(buf.data))
	}
	if length%elemSize != 0 {
		return nil, fmt.Errorf("buffer: view length %d is not a multiple of element size %d", length, elemSize)
	}
	return &View{buf: buf, off: off, length: length, elemSize: elemSize}, nil
}

// ViewOf wraps a byte slice in a fresh buffer and returns a byte view
// covering it.
func ViewOf(p []byte) *View {
	v, _ := NewView(Of(p), 0, len(p))
	return v
}

// Buffer returns the backing buffer handle.
func (v *View) Buffer() *Buffer { return v.buf }

// ByteOffset returns the view's byte offset into its buffer.
func (v *View) ByteOffset() int { return v.off }

// Len returns the view's byte length.
func (v *View) Len() int { return v.length }

// ElemSize returns the view's element size in bytes.
func (v *View) ElemSize() int { return v.elemSize }

// ElemLen returns the number of whole elements in the view.
func (v *View) ElemLen() int { return v.length / v.elemSize }

// Bytes returns the bytes covered by the view. It fails if the backing
// buffer has been detached.
func (v *View) Bytes() ([]byte, error) {
	if v.buf.detached {
		return nil, &DetachedError{Op: "Bytes"}
	}
	return v.buf.data[v.off : v.off+v.length], nil
}
