package buffer

import "fmt"

// Ring is a single-producer/single-consumer circular byte buffer used by the
// streaming frame decoder. Wrap-around is hidden behind PeekBytes; the caller
// never sees the split. Not safe for concurrent use.
type Ring struct {
	buf    []byte
	head   int // read position
	size   int // bytes currently stored
	maxCap int // grow limit; 0 = unbounded
}

// NewRing creates a ring buffer with the given initial capacity.
// maxCap bounds growth; Write fails once the stored size would exceed it.
func NewRing(initialCap, maxCap int) *Ring {
	if initialCap <= 0 {
		initialCap = 4096
	}
	return &Ring{
		buf:    make([]byte, initialCap),
		maxCap: maxCap,
	}
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int { return r.size }

// Cap returns the current capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Write appends p, growing the backing array (up to maxCap) when needed.
func (r *Ring) Write(p []byte) error {
	need := r.size + len(p)
	if r.maxCap > 0 && need > r.maxCap {
		return fmt.Errorf("ring buffer overflow: need %d, max %d", need, r.maxCap)
	}
	if need > len(r.buf) {
		r.grow(need)
	}
	tail := (r.head + r.size) % len(r.buf)
	n := copy(r.buf[tail:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.size += len(p)
	return nil
}

// PeekBytes copies length bytes starting at offset (relative to the read
// position) into dst without consuming them. dst must hold length bytes.
func (r *Ring) PeekBytes(offset, length int, dst []byte) error {
	if offset+length > r.size {
		return fmt.Errorf("ring peek out of range: offset %d + len %d > size %d", offset, length, r.size)
	}
	start := (r.head + offset) % len(r.buf)
	n := copy(dst[:length], r.buf[start:min(start+length, len(r.buf))])
	if n < length {
		copy(dst[n:length], r.buf)
	}
	return nil
}

// Advance consumes n bytes without reading them.
func (r *Ring) Advance(n int) error {
	if n > r.size {
		return fmt.Errorf("ring advance out of range: %d > size %d", n, r.size)
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return nil
}

// Consume copies n bytes into dst and advances past them.
func (r *Ring) Consume(n int, dst []byte) error {
	if err := r.PeekBytes(0, n, dst); err != nil {
		return err
	}
	return r.Advance(n)
}

// Reset discards all buffered bytes.
func (r *Ring) Reset() {
	r.head = 0
	r.size = 0
}

func (r *Ring) grow(need int) {
	newCap := len(r.buf) * 2
	for newCap < need {
		newCap *= 2
	}
	if r.maxCap > 0 && newCap > r.maxCap {
		newCap = r.maxCap
	}
	nb := make([]byte, newCap)
	// Linearize into the new array.
	n := copy(nb, r.buf[r.head:min(r.head+r.size, len(r.buf))])
	if n < r.size {
		copy(nb[n:], r.buf[:r.size-n])
	}
	r.buf = nb
	r.head = 0
}
