// Package pipeline buffers recent sensor readings per (device, capability)
// in fixed-size ring buffers, aggregates them over time windows, and
// periodically flushes to disk.
package pipeline

// Reading is one recorded sample.
type Reading struct {
	Value float64 `json:"value"`
	TS    float64 `json:"ts"`
}

// RingBuffer holds the most recent readings up to a fixed capacity.
// Append is O(1); the oldest reading is evicted when full.
type RingBuffer struct {
	buf   []Reading
	head  int // next write position
	count int
}

// NewRingBuffer creates a buffer holding at most capacity readings.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]Reading, capacity)}
}

// Append records a reading, evicting the oldest when the buffer is full.
func (rb *RingBuffer) Append(r Reading) {
	rb.buf[rb.head] = r
	rb.head = (rb.head + 1) % len(rb.buf)
	if rb.count < len(rb.buf) {
		rb.count++
	}
}

// Len returns the number of live readings.
func (rb *RingBuffer) Len() int {
	return rb.count
}

// Snapshot returns the readings oldest-first.
func (rb *RingBuffer) Snapshot() []Reading {
	out := make([]Reading, 0, rb.count)
	start := rb.head - rb.count
	if start < 0 {
		start += len(rb.buf)
	}
	for i := 0; i < rb.count; i++ {
		out = append(out, rb.buf[(start+i)%len(rb.buf)])
	}
	return out
}
