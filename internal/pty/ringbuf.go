package pty

import "sync"

// ringBuffer keeps the most recent PTY output, bounded by bytes.
// Old data is discarded by shifting left within the same backing
// array, so steady-state appends allocate nothing.
type ringBuffer struct {
	mu    sync.Mutex
	data  []byte
	limit int
}

func newRingBuffer(limit int) *ringBuffer {
	if limit <= 0 {
		limit = 64 * 1024
	}
	return &ringBuffer{
		data:  make([]byte, 0, limit),
		limit: limit,
	}
}

func (rb *ringBuffer) Write(p []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, p...)
	if len(rb.data) > rb.limit {
		excess := len(rb.data) - rb.limit
		n := copy(rb.data, rb.data[excess:])
		rb.data = rb.data[:n]
	}
}

// Bytes returns a copy of the buffered output.
func (rb *ringBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, len(rb.data))
	copy(out, rb.data)
	return out
}

func (rb *ringBuffer) String() string {
	return string(rb.Bytes())
}

// Tail returns up to n trailing bytes of the buffer.
func (rb *ringBuffer) Tail(n int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n <= 0 || n > len(rb.data) {
		n = len(rb.data)
	}
	out := make([]byte, n)
	copy(out, rb.data[len(rb.data)-n:])
	return out
}

func (rb *ringBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.data = rb.data[:0]
}
