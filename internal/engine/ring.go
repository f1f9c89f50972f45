package engine

// ring is a fixed-capacity FIFO that overwrites its oldest element when full.
type ring[T any] struct {
	buf   []T
	first int
	n     int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

// PushKick appends v, evicting the oldest element if the ring is full.
func (r *ring[T]) PushKick(v T) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.first+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.first] = v
	r.first = (r.first + 1) % len(r.buf)
}

func (r *ring[T]) Len() int { return r.n }

// At returns the i-th element, 0 being the oldest.
func (r *ring[T]) At(i int) T {
	return r.buf[(r.first+i)%len(r.buf)]
}

// Last returns the newest element, or the zero value when empty.
func (r *ring[T]) Last() T {
	if r.n == 0 {
		var zero T
		return zero
	}
	return r.At(r.n - 1)
}

// Slice copies the contents oldest-first.
func (r *ring[T]) Slice() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// Reversed copies the contents newest-first.
func (r *ring[T]) Reversed() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.At(r.n - 1 - i)
	}
	return out
}
