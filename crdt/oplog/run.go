// Package oplog implements the append-only operation log:
// run-length-encoded operations, causal dependency tracking,
// and dependency-ordered export of history.
package oplog

import (
	"fmt"

	"weft/crdt/container"
	"weft/crdt/version"
)

// Kind is the operation type tag of a run.
type Kind byte

// Supported operation kinds.
const (
	KindTextInsert Kind = iota + 1
	KindListInsert
	KindSeqDelete
	KindMapSet
	KindMapDelete
	KindTreeMove
	KindCounterIncr
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindTextInsert:
		return "TextInsert"
	case KindListInsert:
		return "ListInsert"
	case KindSeqDelete:
		return "SeqDelete"
	case KindMapSet:
		return "MapSet"
	case KindMapDelete:
		return "MapDelete"
	case KindTreeMove:
		return "TreeMove"
	case KindCounterIncr:
		return "CounterIncr"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(k))
	}
}

// Payload is the content of a run: one or more atomic operations
// of the same kind from the same peer with contiguous counters.
type Payload interface {
	Kind() Kind

	// Len is the number of atomic operations in the payload.
	Len() int

	// slice returns the [from, to) portion of the payload.
	// prev is the ID of the element immediately before the slice,
	// which becomes the origin of sliced sequence insertions.
	slice(from, to int, prev version.OpID) Payload

	// canAppend checks whether next is the immediate contiguous
	// continuation of this payload. lastID is the ID of the last
	// atomic op of this payload.
	canAppend(next Payload, lastID version.OpID) bool

	// append merges next into this payload and returns the result.
	append(next Payload) Payload
}

// TextInsert inserts text after the element identified by Origin.
// Each inserted code point is one atomic op; code points after the first
// implicitly originate from their predecessor within the run.
type TextInsert struct {
	Origin version.OpID
	Text   []rune
}

// Kind implements Payload.
func (p TextInsert) Kind() Kind { return KindTextInsert }

// Len implements Payload.
func (p TextInsert) Len() int { return len(p.Text) }

func (p TextInsert) slice(from, to int, prev version.OpID) Payload {
	origin := p.Origin
	if from > 0 {
		origin = prev
	}
	return TextInsert{Origin: origin, Text: p.Text[from:to]}
}

func (p TextInsert) canAppend(next Payload, lastID version.OpID) bool {
	n, ok := next.(TextInsert)
	return ok && n.Origin == lastID
}

func (p TextInsert) append(next Payload) Payload {
	n := next.(TextInsert)
	return TextInsert{Origin: p.Origin, Text: append(p.Text[:len(p.Text):len(p.Text)], n.Text...)}
}

// ListInsert inserts values after the element identified by Origin.
type ListInsert struct {
	Origin version.OpID
	Values []container.Value
}

// Kind implements Payload.
func (p ListInsert) Kind() Kind { return KindListInsert }

// Len implements Payload.
func (p ListInsert) Len() int { return len(p.Values) }

func (p ListInsert) slice(from, to int, prev version.OpID) Payload {
	origin := p.Origin
	if from > 0 {
		origin = prev
	}
	return ListInsert{Origin: origin, Values: p.Values[from:to]}
}

func (p ListInsert) canAppend(next Payload, lastID version.OpID) bool {
	n, ok := next.(ListInsert)
	return ok && n.Origin == lastID
}

func (p ListInsert) append(next Payload) Payload {
	n := next.(ListInsert)
	return ListInsert{Origin: p.Origin, Values: append(p.Values[:len(p.Values):len(p.Values)], n.Values...)}
}

// SeqDelete tombstones a contiguous span of sequence elements.
// Each deleted element is one atomic op.
type SeqDelete struct {
	Target version.IDSpan
}

// Kind implements Payload.
func (p SeqDelete) Kind() Kind { return KindSeqDelete }

// Len implements Payload.
func (p SeqDelete) Len() int { return int(p.Target.Len) }

func (p SeqDelete) slice(from, to int, prev version.OpID) Payload {
	return SeqDelete{Target: version.IDSpan{
		Peer:    p.Target.Peer,
		Counter: p.Target.Counter + version.Counter(from),
		Len:     int64(to - from),
	}}
}

func (p SeqDelete) canAppend(next Payload, lastID version.OpID) bool {
	n, ok := next.(SeqDelete)
	return ok && n.Target.Peer == p.Target.Peer && n.Target.Counter == p.Target.End()
}

func (p SeqDelete) append(next Payload) Payload {
	n := next.(SeqDelete)
	return SeqDelete{Target: version.IDSpan{
		Peer:    p.Target.Peer,
		Counter: p.Target.Counter,
		Len:     p.Target.Len + n.Target.Len,
	}}
}

// MapSet writes a value for a key. Writing a nested container value
// defines a new container whose ID derives from this op.
type MapSet struct {
	Key   string
	Value container.Value
}

// Kind implements Payload.
func (p MapSet) Kind() Kind { return KindMapSet }

// Len implements Payload.
func (p MapSet) Len() int { return 1 }

func (p MapSet) slice(from, to int, prev version.OpID) Payload { return p }

func (p MapSet) canAppend(next Payload, lastID version.OpID) bool { return false }

func (p MapSet) append(next Payload) Payload { panic("BUG: map set ops don't merge") }

// MapDelete removes a key.
type MapDelete struct {
	Key string
}

// Kind implements Payload.
func (p MapDelete) Kind() Kind { return KindMapDelete }

// Len implements Payload.
func (p MapDelete) Len() int { return 1 }

func (p MapDelete) slice(from, to int, prev version.OpID) Payload { return p }

func (p MapDelete) canAppend(next Payload, lastID version.OpID) bool { return false }

func (p MapDelete) append(next Payload) Payload { panic("BUG: map delete ops don't merge") }

// TreeMove reparents a tree node. A move whose target equals the ID of the
// op itself creates the node. Moving under [container.TrashTreeNode]
// deletes the subtree.
type TreeMove struct {
	Target container.TreeNodeID
	Parent container.TreeNodeID
}

// Kind implements Payload.
func (p TreeMove) Kind() Kind { return KindTreeMove }

// Len implements Payload.
func (p TreeMove) Len() int { return 1 }

func (p TreeMove) slice(from, to int, prev version.OpID) Payload { return p }

func (p TreeMove) canAppend(next Payload, lastID version.OpID) bool { return false }

func (p TreeMove) append(next Payload) Payload { panic("BUG: tree move ops don't merge") }

// CounterIncr adds a delta to a counter.
type CounterIncr struct {
	Delta float64
}

// Kind implements Payload.
func (p CounterIncr) Kind() Kind { return KindCounterIncr }

// Len implements Payload.
func (p CounterIncr) Len() int { return 1 }

func (p CounterIncr) slice(from, to int, prev version.OpID) Payload { return p }

func (p CounterIncr) canAppend(next Payload, lastID version.OpID) bool { return false }

func (p CounterIncr) append(next Payload) Payload { panic("BUG: counter ops don't merge") }

// Run is a maximal run of operations from one peer targeting one container,
// with contiguous counters and Lamport timestamps and a mergeable payload.
// It's a storage and transfer optimization: splitting and merging runs is
// loss-free and preserves per-element addressability.
type Run struct {
	Peer      version.PeerID
	Counter   version.Counter // counter of the first op
	Lamport   version.Lamport // Lamport timestamp of the first op
	Container container.ID
	Deps      []version.OpID // causal dependencies of the first op
	Payload   Payload
}

// Len returns the number of atomic ops in the run.
func (r *Run) Len() int { return r.Payload.Len() }

// Span returns the counter span covered by the run.
func (r *Run) Span() version.IDSpan {
	return version.IDSpan{Peer: r.Peer, Counter: r.Counter, Len: int64(r.Len())}
}

// IDAt returns the full ID of the atomic op at index i within the run.
func (r *Run) IDAt(i int) version.ID {
	if i < 0 || i >= r.Len() {
		panic("BUG: run index out of range")
	}
	return version.ID{
		Peer:    r.Peer,
		Counter: r.Counter + version.Counter(i),
		Lamport: r.Lamport + version.Lamport(i),
	}
}

// FirstID returns the full ID of the first op.
func (r *Run) FirstID() version.ID { return r.IDAt(0) }

// LastID returns the full ID of the last op.
func (r *Run) LastID() version.ID { return r.IDAt(r.Len() - 1) }

// LastOpID returns the permanent ID of the last op.
func (r *Run) LastOpID() version.OpID { return r.LastID().OpID() }

// Slice returns the [from, to) portion of the run as a new run.
// Slicing at a non-zero offset replaces the dependencies with the
// implied predecessor within the original run.
func (r *Run) Slice(from, to int) *Run {
	if from < 0 || to > r.Len() || from >= to {
		panic(fmt.Sprintf("BUG: invalid run slice [%d, %d) of %d", from, to, r.Len()))
	}

	if from == 0 && to == r.Len() {
		return r
	}

	out := &Run{
		Peer:      r.Peer,
		Counter:   r.Counter + version.Counter(from),
		Lamport:   r.Lamport + version.Lamport(from),
		Container: r.Container,
		Deps:      r.Deps,
	}

	var prev version.OpID
	if from > 0 {
		prev = version.OpID{Peer: r.Peer, Counter: r.Counter + version.Counter(from-1)}
		out.Deps = []version.OpID{prev}
	}

	out.Payload = r.Payload.slice(from, to, prev)
	return out
}

// TryMerge absorbs next into r if next is the immediate contiguous
// continuation: same peer, same container, adjacent counters and Lamports,
// and a chaining payload. Reports whether the merge happened.
func (r *Run) TryMerge(next *Run) bool {
	if next.Peer != r.Peer || next.Container != r.Container {
		return false
	}
	if next.Counter != r.Counter+version.Counter(r.Len()) {
		return false
	}
	if next.Lamport != r.Lamport+version.Lamport(r.Len()) {
		return false
	}
	if !r.Payload.canAppend(next.Payload, r.LastOpID()) {
		return false
	}

	r.Payload = r.Payload.append(next.Payload)
	return true
}

// String implements fmt.Stringer.
func (r *Run) String() string {
	return fmt.Sprintf("%s %s %s", r.Span(), r.Payload.Kind(), r.Container)
}
