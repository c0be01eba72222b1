package state

import (
	"fmt"

	"roci.dev/fracdex"

	"weft/crdt/version"
	"weft/util/btree"
)

var errCausalityViolation = fmt.Errorf("causality violation")

// seqItem is one element of a sequence container.
// Deleted elements stay addressable as tombstones.
type seqItem[T any] struct {
	ID      version.ID
	Ref     version.OpID
	Value   T
	Deleted bool
}

// seqState is an RGA-style sequence CRDT state shared by text and list
// containers. Elements are kept in a B-Tree ordered by fractional index,
// with a separate index from op ID to fractional index.
type seqState[T any] struct {
	applied *btree.Map[version.OpID, string] // opID => fracdex
	items   *btree.Map[string, seqItem[T]]   // fracdex => item
}

func newSeqState[T any]() *seqState[T] {
	return &seqState[T]{
		applied: btree.New[version.OpID, string](8, version.OpID.Compare),
		items:   btree.New[string, seqItem[T]](8, compareFracdex),
	}
}

func compareFracdex(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (s *seqState[T]) copy() *seqState[T] {
	return &seqState[T]{
		applied: s.applied.Copy(),
		items:   s.items.Copy(),
	}
}

// integrate places a new element after its origin, ordering concurrent
// same-origin insertions by the fixed (Lamport, Peer) tie-break:
// a greater ID lands closer to the origin.
func (s *seqState[T]) integrate(id version.ID, ref version.OpID, v T) error {
	if _, ok := s.applied.Get(id.OpID()); ok {
		return fmt.Errorf("duplicate op ID %s in the sequence", id.OpID())
	}

	var left string
	if !ref.IsZero() {
		refFracdex, ok := s.applied.Get(ref)
		if !ok {
			return fmt.Errorf("%w: origin op %s is not found", errCausalityViolation, ref)
		}
		left = refFracdex
	}

	var right string
	for k, item := range s.items.Seek(left) {
		// Seek yields the pivot item first.
		if k == left {
			continue
		}

		// Skip over elements with a greater ID to the right of the
		// insertion point, so that all replicas order concurrent
		// insertions identically.
		if item.ID.Compare(id) > 0 {
			left = k
			continue
		}

		right = k
		break
	}

	pos, err := fracdex.KeyBetween(left, right)
	if err != nil {
		return err
	}

	if s.items.Set(pos, seqItem[T]{ID: id, Ref: ref, Value: v}) {
		panic("BUG: duplicate fracdex")
	}
	if s.applied.Set(id.OpID(), pos) {
		panic("BUG: duplicate op ID")
	}

	return nil
}

// tombstone marks a contiguous span of elements as deleted.
// Deleting an already deleted element is a no-op, because concurrent
// deletions of the same element are legal.
func (s *seqState[T]) tombstone(span version.IDSpan) error {
	for c := span.Counter; c < span.End(); c++ {
		target := version.OpID{Peer: span.Peer, Counter: c}

		pos, ok := s.applied.Get(target)
		if !ok {
			return fmt.Errorf("%w: delete target %s is not found", errCausalityViolation, target)
		}

		item := s.items.GetMaybe(pos)
		item.Deleted = true
		s.items.Set(pos, item)
	}
	return nil
}

// visibleLen returns the number of non-deleted elements.
func (s *seqState[T]) visibleLen() int {
	var n int
	for _, item := range s.items.Items() {
		if !item.Deleted {
			n++
		}
	}
	return n
}

// values returns the visible elements in order.
func (s *seqState[T]) values() []T {
	out := make([]T, 0, s.items.Len())
	for _, item := range s.items.Items() {
		if !item.Deleted {
			out = append(out, item.Value)
		}
	}
	return out
}

// originAt returns the ID of the visible element at index idx,
// or the zero ID for idx < 0 (insertion at the very beginning).
func (s *seqState[T]) originAt(idx int) (version.OpID, error) {
	if idx < 0 {
		return version.OpID{}, nil
	}

	var i int
	for _, item := range s.items.Items() {
		if item.Deleted {
			continue
		}
		if i == idx {
			return item.ID.OpID(), nil
		}
		i++
	}

	return version.OpID{}, fmt.Errorf("index %d is out of range", idx)
}

// idsInRange collects the IDs of n visible elements starting at index pos,
// grouped into contiguous counter spans.
func (s *seqState[T]) idsInRange(pos, n int) ([]version.IDSpan, error) {
	var (
		out  []version.IDSpan
		i    int
		left = n
	)

	for _, item := range s.items.Items() {
		if left == 0 {
			break
		}
		if item.Deleted {
			continue
		}
		if i < pos {
			i++
			continue
		}
		i++
		left--

		id := item.ID
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Peer == id.Peer && last.End() == id.Counter {
				last.Len++
				continue
			}
		}
		out = append(out, version.IDSpan{Peer: id.Peer, Counter: id.Counter, Len: 1})
	}

	if left > 0 {
		return nil, fmt.Errorf("range [%d, %d) is out of bounds", pos, pos+n)
	}

	return out, nil
}
