// Package ring provides a fixed-size circular buffer.
package ring

// Buffer is a fixed-size circular buffer that overwrites its oldest entry
// when full. It is not safe for concurrent use.
type Buffer[T any] struct {
	entries []T
	head    int
	count   int
	size    int
}

// New creates a ring buffer with the given capacity. A non-positive size
// is treated as 1.
func New[T any](size int) *Buffer[T] {
	if size <= 0 {
		size = 1
	}
	return &Buffer[T]{
		entries: make([]T, size),
		size:    size,
	}
}

// Push appends v, overwriting the oldest entry if full. It returns the
// evicted entry, if any.
func (r *Buffer[T]) Push(v T) (evicted T, ok bool) {
	idx := (r.head + r.count) % r.size
	if r.count == r.size {
		// Full: overwrite oldest, advance head.
		idx = r.head
		evicted, ok = r.entries[idx], true
		r.head = (r.head + 1) % r.size
	} else {
		r.count++
	}
	r.entries[idx] = v
	return evicted, ok
}

// At returns the i-th retained entry, oldest first.
func (r *Buffer[T]) At(i int) (T, bool) {
	var zero T
	if i < 0 || i >= r.count {
		return zero, false
	}
	return r.entries[(r.head+i)%r.size], true
}

// Oldest returns the oldest retained entry.
func (r *Buffer[T]) Oldest() (T, bool) { return r.At(0) }

// Newest returns the most recently pushed entry.
func (r *Buffer[T]) Newest() (T, bool) { return r.At(r.count - 1) }

// Last returns up to n of the newest entries, oldest first.
func (r *Buffer[T]) Last(n int) []T {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return []T{}
	}
	out := make([]T, n)
	start := r.count - n
	for i := range out {
		out[i] = r.entries[(r.head+start+i)%r.size]
	}
	return out
}

// Slice returns a copy of every retained entry, oldest first.
func (r *Buffer[T]) Slice() []T { return r.Last(r.count) }

// Len returns the number of retained entries.
func (r *Buffer[T]) Len() int { return r.count }

// Cap returns the capacity.
func (r *Buffer[T]) Cap() int { return r.size }

// Clear drops every entry and keeps the capacity.
func (r *Buffer[T]) Clear() {
	clear(r.entries)
	r.head = 0
	r.count = 0
}
