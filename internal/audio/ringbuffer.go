package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer for audio samples
type RingBuffer struct {
	mu       sync.RWMutex
	data     []float64
	size     int
	writePos int
	readPos  int
	count    int
}

// NewRingBuffer creates a new ring buffer with the specified capacity
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		data: make([]float64, capacity),
		size: capacity,
	}
}

// Write writes samples to the buffer. When full, the oldest samples are
// overwritten.
func (rb *RingBuffer) Write(samples []float64) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for _, s := range samples {
		rb.data[rb.writePos] = s
		rb.writePos = (rb.writePos + 1) % rb.size
		written++

		if rb.count < rb.size {
			rb.count++
		} else {
			// Overwrite oldest data
			rb.readPos = (rb.readPos + 1) % rb.size
		}
	}

	return written
}

// Read reads up to n samples from the buffer
func (rb *RingBuffer) Read(n int) []float64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n > rb.count {
		n = rb.count
	}

	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		samples[i] = rb.data[rb.readPos]
		rb.readPos = (rb.readPos + 1) % rb.size
		rb.count--
	}

	return samples
}

// Peek reads n samples without removing them
func (rb *RingBuffer) Peek(n int) []float64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}

	samples := make([]float64, n)
	pos := rb.readPos
	for i := 0; i < n; i++ {
		samples[i] = rb.data[pos]
		pos = (pos + 1) % rb.size
	}

	return samples
}

// Discard drops up to n of the oldest samples and returns how many were
// dropped.
func (rb *RingBuffer) Discard(n int) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n > rb.count {
		n = rb.count
	}
	rb.readPos = (rb.readPos + n) % rb.size
	rb.count -= n
	return n
}

// Len returns the number of samples in the buffer
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Free returns how many samples can be written without overwriting.
func (rb *RingBuffer) Free() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size - rb.count
}

// Cap returns the capacity of the buffer
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.readPos = 0
	rb.writePos = 0
	rb.count = 0
}
