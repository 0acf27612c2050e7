// Package ring keeps the most recent output of a session so a client that
// reattaches sees the screen it left instead of a blank terminal.
package ring

// DefaultSize is the replay window used when none is configured.
const DefaultSize = 64 * 1024

// Buffer is a circular byte buffer. Oldest data is silently overwritten
// when the buffer is full. It is not safe for concurrent use; the
// supervisor loop is its only user.
type Buffer struct {
	buf  []byte
	pos  int  // next write position
	full bool // buffer has wrapped at least once
}

// New returns a buffer holding at most size bytes. A size of zero or less
// returns nil, and a nil *Buffer records nothing.
func New(size int) *Buffer {
	if size <= 0 {
		return nil
	}
	return &Buffer{buf: make([]byte, size)}
}

// Write appends data, overwriting the oldest bytes once full. It never
// fails.
func (r *Buffer) Write(data []byte) (int, error) {
	if r == nil {
		return len(data), nil
	}
	n := len(data)
	// Only the tail can survive a write larger than the buffer.
	if len(data) > len(r.buf) {
		data = data[len(data)-len(r.buf):]
		r.full = true
	}
	for len(data) > 0 {
		copied := copy(r.buf[r.pos:], data)
		data = data[copied:]
		r.pos += copied
		if r.pos >= len(r.buf) {
			r.pos = 0
			r.full = true
		}
	}
	return n, nil
}

// Len returns the number of bytes currently held.
func (r *Buffer) Len() int {
	if r == nil {
		return 0
	}
	if r.full {
		return len(r.buf)
	}
	return r.pos
}

// Contents returns the buffered bytes oldest first in a new slice. If the
// buffer has wrapped, leading orphaned UTF-8 continuation bytes are
// skipped so the replay starts on a character boundary.
func (r *Buffer) Contents() []byte {
	if r == nil {
		return nil
	}
	if !r.full {
		out := make([]byte, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	// [pos..size) is oldest, [0..pos) is newest.
	out := make([]byte, len(r.buf))
	n := copy(out, r.buf[r.pos:])
	copy(out[n:], r.buf[:r.pos])
	return skipLeadingContinuationBytes(out)
}

// skipLeadingContinuationBytes skips orphaned UTF-8 continuation bytes
// (10xxxxxx) at the start of data. These occur when a wrap overwrites the
// start byte of a multi-byte character.
func skipLeadingContinuationBytes(data []byte) []byte {
	i := 0
	for i < len(data) && i < 4 && data[i]&0xC0 == 0x80 {
		i++
	}
	return data[i:]
}
