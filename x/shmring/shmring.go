package shmring

import "sync/atomic"

// Ring is a single-producer, single-consumer byte ring of power-of-two size.
// Producer and consumer may run in different goroutines without a lock;
// callers that share either side must serialise that side themselves.
type Ring struct {
	buf  []byte
	mask uint32
	rd   atomic.Uint32 // consumer index (monotonic)
	wr   atomic.Uint32 // producer index (monotonic)

	readable chan struct{} // empty->non-empty edge
}

func New(size int) *Ring {
	if size < 2 || (size&(size-1)) != 0 {
		panic("shmring: size must be power of two >= 2")
	}
	return &Ring{
		buf:      make([]byte, size),
		mask:     uint32(size - 1),
		readable: make(chan struct{}, 1),
	}
}

func (r *Ring) size() uint32 { return uint32(len(r.buf)) }

func (r *Ring) Space() int {
	rd := r.rd.Load()
	wr := r.wr.Load()
	return int(r.size() - (wr - rd))
}

func (r *Ring) Available() int {
	rd := r.rd.Load()
	wr := r.wr.Load()
	return int(wr - rd)
}

func (r *Ring) Full() bool { return r.Space() == 0 }

// Producer side

// Put appends one byte. It returns false when the ring is full.
func (r *Ring) Put(b byte) bool {
	rd := r.rd.Load()
	wr := r.wr.Load()
	if wr-rd >= r.size() {
		return false
	}
	r.buf[wr&r.mask] = b
	r.wr.Store(wr + 1)
	if wr == rd {
		r.signal()
	}
	return true
}

// Consumer side

// Peek returns the oldest byte without consuming it.
func (r *Ring) Peek() (byte, bool) {
	rd := r.rd.Load()
	if r.wr.Load() == rd {
		return 0, false
	}
	return r.buf[rd&r.mask], true
}

func (r *Ring) ReadInto(dst []byte) (n int) {
	if len(dst) == 0 {
		return 0
	}
	rd := r.rd.Load()
	wr := r.wr.Load() // acquire
	avail := int(wr - rd)
	if avail <= 0 {
		return 0
	}
	if len(dst) < avail {
		avail = len(dst)
	}
	n = avail

	size := r.size()
	rdIdx := rd & r.mask
	first := int(size - rdIdx)
	if first > n {
		first = n
	}
	copy(dst[:first], r.buf[rdIdx:rdIdx+uint32(first)])
	if second := n - first; second > 0 {
		copy(dst[first:n], r.buf[:second])
	}
	r.rd.Store(rd + uint32(n)) // release
	return n
}

// Reset discards all buffered bytes. Only safe when neither side is active.
func (r *Ring) Reset() {
	r.rd.Store(r.wr.Load())
}

// Readable fires once each time the ring goes from empty to non-empty. A
// receive may find the bytes already taken; callers re-check.
func (r *Ring) Readable() <-chan struct{} { return r.readable }

func (r *Ring) signal() {
	select {
	case r.readable <- struct{}{}:
	default:
	}
}
