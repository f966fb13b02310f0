// Package buffer provides a growable byte region with independent read and
// write cursors, used as TLS ciphertext scratch space by tlspump.
package buffer

// Buffer is a growable byte region with independent read and write cursors.
//
// Data accumulates at the write cursor and is drained from the read cursor.
// Once the read cursor catches the write cursor, both reset to the start so
// the backing array can be reused without reallocating.
type Buffer struct {
	data []byte
	r, w int
}

// New returns an empty Buffer with the given initial capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Grow ensures at least n bytes of space are available at the write cursor,
// reallocating and compacting as needed.
func (b *Buffer) Grow(n int) {
	if b.Space() >= n {
		return
	}
	// Compact first: if the read cursor has advanced, sliding the unread
	// tail to the front may free enough space without allocating.
	if b.r > 0 {
		copy(b.data, b.data[b.r:b.w])
		b.w -= b.r
		b.r = 0
	}
	if b.Space() >= n {
		return
	}
	need := b.w + n
	grown := make([]byte, need)
	copy(grown, b.data[:b.w])
	b.data = grown
}

// WritePtr returns the slice of unwritten, available capacity starting at
// the write cursor. Callers fill some prefix of it then call Append.
func (b *Buffer) WritePtr() []byte {
	return b.data[b.w:]
}

// Append advances the write cursor by n bytes, claiming bytes a caller
// already wrote into WritePtr's slice.
func (b *Buffer) Append(n int) {
	b.w += n
}

// ReadPtr returns the slice of unread, pending bytes starting at the read
// cursor.
func (b *Buffer) ReadPtr() []byte {
	return b.data[b.r:b.w]
}

// Consume advances the read cursor by n bytes, and resets both cursors to
// zero once every pending byte has been consumed.
func (b *Buffer) Consume(n int) {
	b.r += n
	if b.r >= b.w {
		b.r, b.w = 0, 0
	}
}

// Size returns the number of unread, pending bytes.
func (b *Buffer) Size() int {
	return b.w - b.r
}

// Space returns the number of bytes available at the write cursor without
// growing.
func (b *Buffer) Space() int {
	return len(b.data) - b.w
}

// Empty reports whether there are no pending bytes to read.
func (b *Buffer) Empty() bool {
	return b.r >= b.w
}

// Reset discards all pending data, resetting both cursors to zero.
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}
