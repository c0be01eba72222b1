package state

import (
	"weft/crdt/container"
	"weft/crdt/version"
	"weft/util/btree"
	"weft/util/colx"
)

// moveRecord is a tree move operation as recorded in the move log.
type moveRecord struct {
	ID     version.ID
	Target container.TreeNodeID
	Parent container.TreeNodeID
}

type treeNode struct {
	Parent container.TreeNodeID
}

// treeState is a move-capable tree CRDT. All moves ever seen are kept in
// a log ordered by (Lamport, Peer); the visible tree is the result of
// replaying the log in that order, skipping moves that would create a
// cycle at the time of application. Because the replay order is a fixed
// total order, all replicas skip the same moves and converge.
type treeState struct {
	log   *btree.Map[version.ID, moveRecord]
	nodes *btree.Map[container.TreeNodeID, treeNode]

	// rejected holds moves that were skipped as cycle-creating.
	// They remain in the log for future causal reference.
	rejected colx.HashSet[version.OpID]

	// maxApplied is the greatest move ID reflected in nodes.
	// A new move above it can be applied incrementally; anything else
	// forces a deterministic replay of the whole log.
	maxApplied version.ID
}

func newTreeState() *treeState {
	return &treeState{
		log:      btree.New[version.ID, moveRecord](8, version.ID.Compare),
		nodes:    btree.New[container.TreeNodeID, treeNode](8, version.OpID.Compare),
		rejected: colx.HashSet[version.OpID]{},
	}
}

func (s *treeState) copy() *treeState {
	cpy := &treeState{
		log:        s.log.Copy(),
		nodes:      s.nodes.Copy(),
		rejected:   colx.HashSet[version.OpID]{},
		maxApplied: s.maxApplied,
	}
	for id := range s.rejected {
		cpy.rejected.Put(id)
	}
	return cpy
}

// isAncestor checks if a is an ancestor of b (or the same node)
// in the visible tree.
func (s *treeState) isAncestor(a, b container.TreeNodeID) bool {
	for {
		if a == b {
			return true
		}
		if b == container.RootTreeNode || b == container.TrashTreeNode {
			return false
		}
		n, ok := s.nodes.Get(b)
		if !ok {
			return false
		}
		b = n.Parent
	}
}

// integrate records a move in the log and updates the visible tree.
func (s *treeState) integrate(mr moveRecord) {
	if _, ok := s.log.Get(mr.ID); ok {
		panic("BUG: duplicate move op " + mr.ID.OpID().String())
	}
	s.log.Set(mr.ID, mr)

	if s.maxApplied.Compare(mr.ID) < 0 {
		s.applyVisible(mr)
		s.maxApplied = mr.ID
		return
	}

	// A concurrent move sorted before something already applied:
	// earlier moves may now win or lose differently, so re-derive
	// the visible tree from the log.
	s.replay()
}

func (s *treeState) applyVisible(mr moveRecord) {
	creation := mr.Target == mr.ID.OpID()

	if !creation {
		if _, ok := s.nodes.Get(mr.Target); !ok {
			// The target was never created: malformed move recorded
			// in the log but invisible.
			s.rejected.Put(mr.ID.OpID())
			return
		}

		// Reject the move if it would create a cycle: walk ancestry
		// from the proposed new parent up to the root.
		if s.isAncestor(mr.Target, mr.Parent) {
			s.rejected.Put(mr.ID.OpID())
			return
		}
	}

	s.nodes.Set(mr.Target, treeNode{Parent: mr.Parent})
}

func (s *treeState) replay() {
	s.nodes.Clear()
	s.rejected = colx.HashSet[version.OpID]{}
	s.maxApplied = version.ID{}

	for _, mr := range s.log.Items() {
		s.applyVisible(mr)
		s.maxApplied = mr.ID
	}
}

// isDeleted checks whether the node is in the trash subtree.
func (s *treeState) isDeleted(node container.TreeNodeID) bool {
	for {
		n, ok := s.nodes.Get(node)
		if !ok {
			return true
		}
		switch n.Parent {
		case container.TrashTreeNode:
			return true
		case container.RootTreeNode:
			return false
		}
		node = n.Parent
	}
}

// parentOf returns the current parent of a visible node.
func (s *treeState) parentOf(node container.TreeNodeID) (container.TreeNodeID, bool) {
	n, ok := s.nodes.Get(node)
	if !ok || s.isDeleted(node) {
		return container.TreeNodeID{}, false
	}
	return n.Parent, true
}

// children returns the visible children of the given parent in ID order.
func (s *treeState) children(parent container.TreeNodeID) []container.TreeNodeID {
	var out []container.TreeNodeID
	for id, n := range s.nodes.Items() {
		if n.Parent == parent && !s.isDeleted(id) {
			out = append(out, id)
		}
	}
	return out
}
