// Package btree wraps an existing B-Tree library with a simpler generic map API.
package btree

import (
	"iter"

	"github.com/tidwall/btree"
)

type entry[K, V any] struct {
	K K
	V V
}

// Map is an ordered map backed by a B-Tree.
type Map[K, V any] struct {
	hint btree.PathHint
	tr   *btree.BTreeG[entry[K, V]]
	cmp  func(K, K) int
}

// New creates a new ordered map with the given degree and comparison function.
func New[K, V any](degree int, cmp func(K, K) int) *Map[K, V] {
	tr := btree.NewBTreeGOptions(
		func(a, b entry[K, V]) bool {
			return cmp(a.K, b.K) < 0
		},
		btree.Options{
			NoLocks: true,
			Degree:  degree,
		},
	)

	return &Map[K, V]{
		tr:  tr,
		cmp: cmp,
	}
}

// Set key k to value v.
func (b *Map[K, V]) Set(k K, v V) (replaced bool) {
	_, replaced = b.tr.SetHint(entry[K, V]{K: k, V: v}, &b.hint)
	return replaced
}

// Swap is like Set but returns the previous value if any.
func (b *Map[K, V]) Swap(k K, v V) (prev V, replaced bool) {
	old, replaced := b.tr.SetHint(entry[K, V]{K: k, V: v}, &b.hint)
	return old.V, replaced
}

// Delete key k.
func (b *Map[K, V]) Delete(k K) (deleted bool) {
	_, deleted = b.tr.DeleteHint(entry[K, V]{K: k}, &b.hint)
	return deleted
}

// Get the value by key k.
func (b *Map[K, V]) Get(k K) (v V, ok bool) {
	b.tr.AscendHint(entry[K, V]{K: k}, func(item entry[K, V]) bool {
		if b.cmp(item.K, k) == 0 {
			v = item.V
			ok = true
		}
		return false
	}, &b.hint)

	return v, ok
}

// GetMaybe returns the value at k, or a zero value if k is not set.
// Use Get to distinguish between the zero value and a missing key.
func (b *Map[K, V]) GetMaybe(k K) (v V) {
	v, _ = b.Get(k)
	return v
}

// GetAt returns the key-value pair at position idx in key order.
func (b *Map[K, V]) GetAt(idx int) (k K, v V, ok bool) {
	e, ok := b.tr.GetAt(idx)
	return e.K, e.V, ok
}

// Len returns the number of entries in the map.
func (b *Map[K, V]) Len() int {
	if b == nil {
		return 0
	}
	return b.tr.Len()
}

// Items iterates over all entries in key order.
func (b *Map[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		b.tr.AscendHint(entry[K, V]{}, func(item entry[K, V]) bool {
			return yield(item.K, item.V)
		}, &b.hint)
	}
}

// Seek iterates over entries with keys >= k.
func (b *Map[K, V]) Seek(k K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		b.tr.AscendHint(entry[K, V]{K: k}, func(item entry[K, V]) bool {
			return yield(item.K, item.V)
		}, &b.hint)
	}
}

// SeekReverse iterates over entries with keys <= k in descending order.
func (b *Map[K, V]) SeekReverse(k K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		b.tr.DescendHint(entry[K, V]{K: k}, func(item entry[K, V]) bool {
			return yield(item.K, item.V)
		}, &b.hint)
	}
}

// Keys iterates over keys in order.
func (b *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		if b == nil {
			return
		}

		for k := range b.Items() {
			if !yield(k) {
				break
			}
		}
	}
}

// Values iterates over values in key order.
func (b *Map[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		if b == nil {
			return
		}

		for _, v := range b.Items() {
			if !yield(v) {
				break
			}
		}
	}
}

// Clear removes all entries.
func (b *Map[K, V]) Clear() {
	b.tr.Clear()
}

// Copy performs an efficient structural copy of the map.
func (b *Map[K, V]) Copy() *Map[K, V] {
	return &Map[K, V]{
		tr:  b.tr.Copy(),
		cmp: b.cmp,
	}
}
