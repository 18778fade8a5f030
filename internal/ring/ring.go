// Package ring implements the fixed-capacity byte ring that backs replay:
// every byte the PTY produces is appended here, and any reader can ask for
// everything since an absolute offset without taking a writer's lock for
// longer than a copy.
package ring

import "sync"

// Ring is a fixed-capacity byte ring with a monotonic write counter. One
// writer, many readers; grounded on the teacher's replayBuffer
// (internal/egg/server.go) but overwrite-on-full instead of backpressuring,
// per the bounded-ring contract this spec calls for.
type Ring struct {
	mu    sync.RWMutex
	buf   []byte
	cap   int
	head  int // next write position in buf
	total uint64
	full  bool
}

// New creates a Ring with the given byte capacity. A capacity <= 0 falls
// back to 1 MiB.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1 << 20
	}
	return &Ring{buf: make([]byte, capacity), cap: capacity}
}

// Write appends data, overwriting the oldest bytes once the ring is full.
func (r *Ring) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(data) >= r.cap {
		// Only the tail fits; the whole ring is now this slice's end.
		copy(r.buf, data[len(data)-r.cap:])
		r.head = 0
		r.full = true
		r.total += uint64(len(data))
		return
	}

	n := copy(r.buf[r.head:], data)
	if n < len(data) {
		copy(r.buf, data[n:])
	}
	r.head = (r.head + len(data)) % r.cap
	r.total += uint64(len(data))
	if r.total >= uint64(r.cap) {
		r.full = true
	}
}

// TotalWritten returns the monotonic count of bytes ever written.
func (r *Ring) TotalWritten() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// OldestOffset returns the absolute offset of the oldest byte still
// resident in the ring.
func (r *Ring) OldestOffset() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.oldestOffsetLocked()
}

func (r *Ring) oldestOffsetLocked() uint64 {
	if uint64(r.cap) > r.total {
		return 0
	}
	return r.total - uint64(r.cap)
}

// ReadFrom returns the bytes resident in [max(offset, oldestOffset),
// totalWritten) as up to two slices to accommodate wrap-around: a is the
// older contiguous run, b (possibly empty) continues where a left off. ok is
// false only when the ring is empty or offset is beyond total_written.
func (r *Ring) ReadFrom(offset uint64) (a, b []byte, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.total == 0 || offset > r.total {
		return nil, nil, false
	}
	start := offset
	if oldest := r.oldestOffsetLocked(); start < oldest {
		start = oldest
	}
	n := int(r.total - start)
	if n == 0 {
		return []byte{}, nil, true
	}

	// The resident window ends at r.head (exclusive) and is `min(total,cap)`
	// bytes long, starting at r.head when full, or at 0 when not yet full.
	var windowStart int
	if r.full {
		windowStart = r.head
	} else {
		windowStart = 0
	}
	resident := int(r.total - r.oldestOffsetLocked())
	// Position of `start` within the resident window, counted from its head.
	skip := int(start - r.oldestOffsetLocked())
	from := (windowStart + skip) % r.cap
	remaining := resident - skip
	if remaining > n {
		remaining = n
	}

	if from+remaining <= r.cap {
		out := make([]byte, remaining)
		copy(out, r.buf[from:from+remaining])
		return out, nil, true
	}
	firstLen := r.cap - from
	first := make([]byte, firstLen)
	copy(first, r.buf[from:])
	second := make([]byte, remaining-firstLen)
	copy(second, r.buf[:remaining-firstLen])
	return first, second, true
}

// Bytes returns a single contiguous copy of everything resident, oldest
// first. Convenience wrapper over ReadFrom(OldestOffset()).
func (r *Ring) Bytes() []byte {
	a, b, ok := r.ReadFrom(r.OldestOffset())
	if !ok {
		return nil
	}
	return append(a, b...)
}

// Capacity returns the ring's fixed byte capacity.
func (r *Ring) Capacity() int {
	return r.cap
}
