// Package version defines replica identity and versioning primitives:
// peer IDs, per-peer counters, Lamport timestamps, operation IDs,
// version vectors and frontiers.
package version

import (
	"cmp"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/maps"
)

// PeerID is a process-wide unique identifier of a replica.
// It's chosen randomly at document creation or import time,
// and stays stable for the lifetime of the replica's identity.
type PeerID uint64

// NewPeerID generates a random non-zero peer ID.
func NewPeerID() PeerID {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(err)
		}
		p := PeerID(binary.BigEndian.Uint64(buf[:]))
		if p != 0 {
			return p
		}
	}
}

// Counter is a per-peer monotonically increasing sequence number.
// The pair (PeerID, Counter) identifies an operation globally and permanently.
type Counter int64

// Lamport is a logical timestamp. An operation's Lamport timestamp is greater
// than the timestamps of all its causal dependencies.
type Lamport uint64

// OpID is the permanent identity of an operation.
type OpID struct {
	Peer    PeerID
	Counter Counter
}

// String implements fmt.Stringer.
func (o OpID) String() string {
	return fmt.Sprintf("%d@%d", o.Counter, o.Peer)
}

// IsZero reports whether the ID is the zero value,
// which is used as a "no reference" marker.
func (o OpID) IsZero() bool {
	return o == OpID{}
}

// Compare orders IDs by counter, then by peer.
// This is an arbitrary total order used to break symmetry in data structures.
// It does NOT imply causal precedence.
func (o OpID) Compare(oo OpID) int {
	if c := cmp.Compare(o.Counter, oo.Counter); c != 0 {
		return c
	}
	return cmp.Compare(o.Peer, oo.Peer)
}

// ID is an OpID extended with the operation's Lamport timestamp.
// Materialized elements carry full IDs, because conflict resolution
// is defined in terms of Lamport order.
type ID struct {
	Peer    PeerID
	Counter Counter
	Lamport Lamport
}

// OpID returns the permanent part of the ID.
func (i ID) OpID() OpID {
	return OpID{Peer: i.Peer, Counter: i.Counter}
}

// IsZero reports whether the ID is the zero value.
func (i ID) IsZero() bool {
	return i == ID{}
}

// Compare orders IDs by Lamport timestamp, then by peer.
// This is the fixed tie-break rule for concurrent operations:
// higher Lamport wins, and among equal Lamports the higher peer wins.
// All replicas must use the same rule, otherwise they won't converge.
func (i ID) Compare(ii ID) int {
	if c := cmp.Compare(i.Lamport, ii.Lamport); c != 0 {
		return c
	}
	return cmp.Compare(i.Peer, ii.Peer)
}

// IDSpan is a contiguous run of counters from a single peer.
// The span is right-open: [Counter, Counter+Len).
type IDSpan struct {
	Peer    PeerID
	Counter Counter
	Len     int64
}

// End returns the first counter after the span.
func (s IDSpan) End() Counter {
	return s.Counter + Counter(s.Len)
}

// Contains checks whether the given ID is inside the span.
func (s IDSpan) Contains(id OpID) bool {
	return id.Peer == s.Peer && id.Counter >= s.Counter && id.Counter < s.End()
}

// String implements fmt.Stringer.
func (s IDSpan) String() string {
	return fmt.Sprintf("%d..%d@%d", s.Counter, s.End(), s.Peer)
}

// Vector is a version vector: a mapping from peer to the number of
// operations known from that peer. It's a right-open interval, i.e.
// a vector of {A: 2} means ops 0 and 1 of peer A are known,
// and (A, 2) is outside of the range.
type Vector map[PeerID]Counter

// Get returns the first counter NOT included in the vector for the given peer.
func (v Vector) Get(p PeerID) Counter {
	return v[p]
}

// Includes checks whether the given op is inside the vector.
func (v Vector) Includes(id OpID) bool {
	return id.Counter < v[id.Peer]
}

// ExtendToInclude advances the vector to include the given span.
// The vector never decreases.
func (v Vector) ExtendToInclude(s IDSpan) {
	if end := s.End(); end > v[s.Peer] {
		v[s.Peer] = end
	}
}

// Merge extends the vector to include everything the other vector includes.
func (v Vector) Merge(other Vector) {
	for p, c := range other {
		if c > v[p] {
			v[p] = c
		}
	}
}

// Copy returns an independent copy of the vector.
func (v Vector) Copy() Vector {
	out := make(Vector, len(v))
	maps.Copy(out, v)
	return out
}

// Relation is the outcome of comparing two versions.
type Relation byte

// Possible version relations.
const (
	Equal Relation = iota
	Before
	After
	Concurrent
)

// String implements fmt.Stringer.
func (r Relation) String() string {
	switch r {
	case Equal:
		return "Equal"
	case Before:
		return "Before"
	case After:
		return "After"
	case Concurrent:
		return "Concurrent"
	default:
		panic("BUG: unknown relation")
	}
}

// Compare returns the causal relation of v with respect to other.
func (v Vector) Compare(other Vector) Relation {
	var less, greater bool

	for p, c := range v {
		oc := other[p]
		if c < oc {
			less = true
		} else if c > oc {
			greater = true
		}
	}

	for p, oc := range other {
		if _, ok := v[p]; !ok && oc > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Frontier is the minimal set of op IDs such that every known operation
// is causally before or equal to some member. It's a compact alternative
// to the version vector when the dependency structure is non-linear.
// Frontiers are kept sorted by OpID.Compare and deduplicated.
type Frontier []OpID

// NewFrontier creates a normalized frontier from the given IDs.
func NewFrontier(ids ...OpID) Frontier {
	set := mapset.NewThreadUnsafeSet(ids...)
	out := Frontier(set.ToSlice())
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Equal checks two frontiers for equality.
func (f Frontier) Equal(other Frontier) bool {
	if len(f) != len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

// Contains checks whether the given ID is one of the frontier heads.
func (f Frontier) Contains(id OpID) bool {
	for _, h := range f {
		if h == id {
			return true
		}
	}
	return false
}

// Union returns a frontier containing heads of both inputs.
// Note that the result is a plain set union: reducing redundant heads
// requires dependency information and is done by the op log.
func (f Frontier) Union(other Frontier) Frontier {
	a := mapset.NewThreadUnsafeSet(f...)
	a.Append(other...)
	return NewFrontier(a.ToSlice()...)
}
