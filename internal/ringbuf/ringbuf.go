// Package ringbuf implements the lock-free byte queue that sits between the
// capture and render loops of a bridge session.
//
// Exactly one goroutine may call Write and exactly one goroutine may call
// Read. Available and Free may be called from either side; they are
// snapshots, good for pacing decisions but not a guarantee against the
// other side racing ahead.
package ringbuf

import "sync/atomic"

// cacheLinePad keeps the two cursors on separate cache lines.
type cacheLinePad [56]byte

// Ring is a fixed-capacity single-producer single-consumer byte queue.
//
// Both cursors increase monotonically and are never reset. The buffer index
// is cursor % capacity, and write - read never exceeds capacity. Writes and
// reads are all-or-nothing.
type Ring struct {
	write atomic.Uint64
	_     cacheLinePad
	read  atomic.Uint64
	_     cacheLinePad

	buf []byte
	cap uint64
}

// New creates a ring holding capacity bytes. capacity must be positive.
func New(capacity int) *Ring {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	return &Ring{
		buf: make([]byte, capacity),
		cap: uint64(capacity),
	}
}

// Cap returns the fixed capacity in bytes.
func (r *Ring) Cap() int {
	return int(r.cap)
}

// Write enqueues all of p, or nothing. Returns len(p) on success and 0 when
// fewer than len(p) bytes are free. Never blocks. Producer side only.
func (r *Ring) Write(p []byte) int {
	n := uint64(len(p))
	if n == 0 {
		return 0
	}

	w := r.write.Load()
	rd := r.read.Load() // acquire: slots below rd are free to overwrite
	if n > r.cap-(w-rd) {
		return 0
	}

	pos := w % r.cap
	first := min(n, r.cap-pos)
	copy(r.buf[pos:pos+first], p[:first])
	if first < n {
		copy(r.buf[:n-first], p[first:])
	}

	// release: payload is in place before the cursor moves
	r.write.Store(w + n)
	return int(n)
}

// Read dequeues exactly len(p) bytes into p, or nothing. Returns len(p) on
// success and 0 when fewer than len(p) bytes are available. Never blocks.
// Consumer side only.
func (r *Ring) Read(p []byte) int {
	n := uint64(len(p))
	if n == 0 {
		return 0
	}

	rd := r.read.Load()
	w := r.write.Load() // acquire: bytes below w are published
	if w-rd < n {
		return 0
	}

	pos := rd % r.cap
	first := min(n, r.cap-pos)
	copy(p[:first], r.buf[pos:pos+first])
	if first < n {
		copy(p[first:], r.buf[:n-first])
	}

	r.read.Store(rd + n)
	return int(n)
}

// Available returns the number of readable bytes.
func (r *Ring) Available() int {
	w := r.write.Load()
	rd := r.read.Load()
	// An observer outside both sides can see the reader pass a stale w.
	diff := int64(w - rd)
	switch {
	case diff < 0:
		return 0
	case uint64(diff) > r.cap:
		return int(r.cap)
	}
	return int(diff)
}

// Free returns the number of writable bytes.
func (r *Ring) Free() int {
	return int(r.cap) - r.Available()
}
