package logbus

// ring is a fixed-capacity FIFO that overwrites its oldest item when full.
// It is not safe for concurrent use; callers hold their own lock.
type ring[T any] struct {
	items []T
	head  int // next write position
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

// push appends item and reports whether the oldest item was overwritten.
func (r *ring[T]) push(item T) bool {
	dropped := r.size == len(r.items)
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	if !dropped {
		r.size++
	}
	return dropped
}

// pop removes and returns the oldest item.
func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	tail := (r.head - r.size + len(r.items)) % len(r.items)
	item := r.items[tail]
	r.items[tail] = zero
	r.size--
	return item, true
}

// each calls fn for every item from oldest to newest.
func (r *ring[T]) each(fn func(T)) {
	tail := (r.head - r.size + len(r.items)) % len(r.items)
	for i := 0; i < r.size; i++ {
		fn(r.items[(tail+i)%len(r.items)])
	}
}

func (r *ring[T]) len() int {
	return r.size
}
