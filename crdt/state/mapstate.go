package state

import (
	"strings"

	"weft/crdt/container"
	"weft/crdt/version"
	"weft/util/btree"
)

// mapEntry is the winning write for a key.
type mapEntry struct {
	ID      version.ID
	Value   container.Value
	Deleted bool
}

// mapState is a last-writer-wins map CRDT: concurrent writes to the same
// key are resolved by the (Lamport, Peer) tie-break, the higher ID wins.
// A delete is just a write of a tombstone, resolved by the same rule.
type mapState struct {
	entries *btree.Map[string, mapEntry]
}

func newMapState() *mapState {
	return &mapState{
		entries: btree.New[string, mapEntry](8, strings.Compare),
	}
}

func (s *mapState) copy() *mapState {
	return &mapState{entries: s.entries.Copy()}
}

func (s *mapState) set(id version.ID, key string, v container.Value, deleted bool) {
	if cur, ok := s.entries.Get(key); ok && id.Compare(cur.ID) <= 0 {
		return // The current write wins.
	}
	s.entries.Set(key, mapEntry{ID: id, Value: v, Deleted: deleted})
}

func (s *mapState) get(key string) (container.Value, bool) {
	e, ok := s.entries.Get(key)
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}
