package runner

// RingBuffer is an io.Writer that keeps only the last bytes written, up to
// its capacity. The runner stores these tails with each run.
type RingBuffer struct {
	buf     []byte
	next    int // index of the next byte to write
	wrapped bool
	total   int64
}

// NewRingBuffer creates a RingBuffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, max(size, 1))}
}

// Write never fails and always reports len(p).
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	rb.total += int64(n)
	if len(p) > len(rb.buf) {
		p = p[len(p)-len(rb.buf):]
	}
	for len(p) > 0 {
		c := copy(rb.buf[rb.next:], p)
		p = p[c:]
		rb.next += c
		if rb.next == len(rb.buf) {
			rb.next = 0
			rb.wrapped = true
		}
	}
	return n, nil
}

// Truncated reports whether older output was discarded.
func (rb *RingBuffer) Truncated() bool {
	return rb.total > int64(len(rb.buf))
}

// String returns the retained bytes oldest first.
func (rb *RingBuffer) String() string {
	if !rb.wrapped {
		return string(rb.buf[:rb.next])
	}
	return string(rb.buf[rb.next:]) + string(rb.buf[:rb.next])
}
