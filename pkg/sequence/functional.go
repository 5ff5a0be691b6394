// Package sequence provides a small chainable iterator over slices, used
// by the sync core for record filtering and lookup.
package sequence

import (
	"iter"
	"sort"
)

// Iterator is a generic, immutable, chainable iterator for any type T.
type Iterator[T any] struct {
	seq iter.Seq[T]
}

// From creates a new Iterator from a slice of T.
func From[T any](data []T) *Iterator[T] {
	return &Iterator[T]{
		seq: func(yield func(T) bool) {
			for _, v := range data {
				if !yield(v) {
					return
				}
			}
		},
	}
}

// Collect exhausts the iterator and returns a slice of all elements.
func (i *Iterator[T]) Collect() []T {
	var out []T
	i.seq(func(v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Filter returns a new Iterator containing only elements that satisfy the predicate.
func (i *Iterator[T]) Filter(pred func(T) bool) *Iterator[T] {
	return &Iterator[T]{
		seq: func(yield func(T) bool) {
			i.seq(func(v T) bool {
				if pred(v) {
					return yield(v)
				}
				return true
			})
		},
	}
}

// Find returns the first element matching the predicate, or false if not found.
func (i *Iterator[T]) Find(pred func(T) bool) (T, bool) {
	var zero T
	found := false
	i.seq(func(v T) bool {
		if pred(v) {
			zero = v
			found = true
			return false
		}
		return true
	})
	return zero, found
}

// Partition splits elements into two slices based on a predicate.
func (i *Iterator[T]) Partition(pred func(T) bool) (matches, rest []T) {
	i.seq(func(v T) bool {
		if pred(v) {
			matches = append(matches, v)
		} else {
			rest = append(rest, v)
		}
		return true
	})
	return
}

// Sort returns a new Iterator with elements sorted according to the provided
// less function. The less function should return true if a < b.
func (i *Iterator[T]) Sort(less func(a, b T) bool) *Iterator[T] {
	data := i.Collect()
	sort.SliceStable(data, func(a, b int) bool {
		return less(data[a], data[b])
	})
	return From(data)
}
