// Package iterx provides some utilities to work with iterators.
package iterx

import "iter"

// Enumerate takes a sequence iterator and returns a new iterator
// that yields the index along with the value.
// This is similar to ranging over a slice in Go.
func Enumerate[T any](in iter.Seq[T]) iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		var i int
		for v := range in {
			if !yield(i, v) {
				break
			}
			i++
		}
	}
}

// Collect drains the sequence into a slice.
func Collect[T any](in iter.Seq[T]) []T {
	var out []T
	for v := range in {
		out = append(out, v)
	}
	return out
}

// LazyError carries an error produced while an iterator is being consumed.
// The caller checks it after the loop is done.
type LazyError struct {
	err error
}

// NewLazyError creates a new LazyError.
func NewLazyError() *LazyError {
	return &LazyError{}
}

// Add records an error unless one was recorded before.
func (le *LazyError) Add(err error) {
	if le.err == nil {
		le.err = err
	}
}

// Check returns the recorded error if any.
func (le *LazyError) Check() error {
	return le.err
}
