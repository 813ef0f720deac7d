package audio

import "sync"

// RingBuffer is a fixed-capacity FIFO of samples shared between a producer
// and a consumer. Writes never block and drop whatever does not fit.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []float32
	read  int
	write int
	count int
}

// NewRingBuffer allocates a buffer holding at most capacity samples.
// A non-positive capacity yields a buffer that accepts nothing.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer{buf: make([]float32, capacity)}
}

// Write copies as many samples as fit into the free space and returns how
// many were accepted. The tail of samples beyond the free space is dropped.
func (r *RingBuffer) Write(samples Samples) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.buf)
	n := min(len(samples), size-r.count)
	if n <= 0 {
		return 0
	}
	first := min(n, size-r.write)
	copy(r.buf[r.write:r.write+first], samples[:first])
	if first < n {
		copy(r.buf[:n-first], samples[first:n])
	}
	r.write = (r.write + n) % size
	r.count += n
	return n
}

// Read removes and returns up to n samples. It returns nil when empty.
func (r *RingBuffer) Read(n int) Samples {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.buf)
	n = min(n, r.count)
	if n <= 0 {
		return nil
	}
	out := make(Samples, n)
	first := min(n, size-r.read)
	copy(out[:first], r.buf[r.read:r.read+first])
	if first < n {
		copy(out[first:], r.buf[:n-first])
	}
	r.read = (r.read + n) % size
	r.count -= n
	return out
}

// Available is the number of samples waiting to be read.
func (r *RingBuffer) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// FreeSpace is the number of samples Write would currently accept.
func (r *RingBuffer) FreeSpace() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.count
}

// Cap returns the fixed capacity.
func (r *RingBuffer) Cap() int { return len(r.buf) }

// Clear discards buffered samples. Storage is kept.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read, r.write, r.count = 0, 0, 0
}
