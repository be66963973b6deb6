package timeseries

// ring is a fixed-capacity FIFO of frames. Pushing into a full ring is
// refused; the caller evicts explicitly.
type ring[T any] struct {
	items []T
	head  int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) Len() int {
	return r.size
}

func (r *ring[T]) Full() bool {
	return r.size == len(r.items)
}

func (r *ring[T]) Push(v T) bool {
	if r.Full() {
		return false
	}
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	return true
}

// PopFront removes and returns the oldest item
func (r *ring[T]) PopFront() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

// At returns the i-th item counted from the oldest
func (r *ring[T]) At(i int) T {
	return r.items[(r.head+i)%len(r.items)]
}

// Set replaces the i-th item counted from the oldest
func (r *ring[T]) Set(i int, v T) {
	r.items[(r.head+i)%len(r.items)] = v
}
