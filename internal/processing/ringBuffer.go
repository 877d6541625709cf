package processing

// RingBuffer is a fixed-capacity FIFO of (time, value) pairs for one channel. Once full,
// every Push overwrites the oldest pair.
type RingBuffer struct {
	times  []float64
	values []float64
	head   int // index of the oldest pair
	length int
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		times:  make([]float64, capacity),
		values: make([]float64, capacity),
	}
}

func (r *RingBuffer) Len() int {
	return r.length
}

func (r *RingBuffer) Cap() int {
	return len(r.times)
}

// Push appends a pair and reports whether the oldest pair was evicted to make room.
func (r *RingBuffer) Push(t, v float64) bool {
	capacity := len(r.times)
	if r.length < capacity {
		idx := (r.head + r.length) % capacity
		r.times[idx] = t
		r.values[idx] = v
		r.length++
		return false
	}

	r.times[r.head] = t
	r.values[r.head] = v
	r.head = (r.head + 1) % capacity
	return true
}

// CopyTo writes the pairs oldest first into times and values, which must hold Len() elements.
func (r *RingBuffer) CopyTo(times, values []float64) {
	capacity := len(r.times)
	first := r.length
	if r.head+first > capacity {
		first = capacity - r.head
	}

	copy(times, r.times[r.head:r.head+first])
	copy(values, r.values[r.head:r.head+first])
	copy(times[first:], r.times[:r.length-first])
	copy(values[first:], r.values[:r.length-first])
}
