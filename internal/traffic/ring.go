package traffic

// RingBuffer holds a sliding window of values, overwriting the oldest once
// full. It is not safe for concurrent use.
type RingBuffer[T any] struct {
	data   []T
	head   int
	isFull bool
}

// NewRingBuffer creates a ring buffer holding up to size values.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{data: make([]T, size)}
}

// Add inserts a value, overwriting the oldest if full.
func (r *RingBuffer[T]) Add(v T) {
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
	if r.head == 0 {
		r.isFull = true
	}
}

// Snapshot returns the values ordered from oldest to newest.
func (r *RingBuffer[T]) Snapshot() []T {
	out := make([]T, 0, r.Len())
	if r.isFull {
		out = append(out, r.data[r.head:]...)
	}
	return append(out, r.data[:r.head]...)
}

// Len returns the number of values currently held.
func (r *RingBuffer[T]) Len() int {
	if r.isFull {
		return len(r.data)
	}
	return r.head
}
