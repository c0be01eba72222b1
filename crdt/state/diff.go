package state

import (
	"weft/crdt/container"
)

// Delta is one step of a sequence diff. Exactly one field is meaningful:
// retain skips over unchanged elements, delete removes elements at the
// current position, insert adds new ones. Positions are relative to the
// previous materialized value.
type Delta struct {
	Retain int
	Delete int

	// Insert is a string for text containers
	// and a []container.Value for list containers.
	Insert container.Value
}

// TextDiff describes a text transition.
type TextDiff []Delta

// ListDiff describes a list transition.
type ListDiff []Delta

// MapChange describes a single key transition.
type MapChange struct {
	Old     container.Value
	New     container.Value
	Deleted bool
}

// MapDiff describes a map transition per key.
type MapDiff map[string]MapChange

// TreeChange describes one node transition.
type TreeChange struct {
	Node      container.TreeNodeID
	OldParent container.TreeNodeID
	NewParent container.TreeNodeID
	Created   bool
	Deleted   bool
}

// TreeDiff describes a tree transition.
type TreeDiff []TreeChange

// CounterDiff is the total counter delta of a transition.
type CounterDiff float64

// ContainerDiff is the structured diff of one container's transition.
type ContainerDiff struct {
	Container container.ID

	// Diff is one of TextDiff, ListDiff, MapDiff, TreeDiff, CounterDiff.
	Diff any
}

// Diff computes structured diffs for the given containers between two
// snapshots of the state. The before snapshot must be an ancestor of
// after (tombstones never disappear between the two).
func Diff(before, after *DocState, ids []container.ID) []ContainerDiff {
	out := make([]ContainerDiff, 0, len(ids))

	for _, id := range ids {
		cs, ok := after.containers.Get(id)
		if !ok {
			continue
		}

		var diff any
		switch a := cs.(type) {
		case textState:
			diff = textDelta(seqStateOf[rune](before, id), a.seqState)
		case listState:
			diff = listDelta(seqStateOf[container.Value](before, id), a.seqState)
		case *mapState:
			diff = mapDelta(before, id, a)
		case *treeState:
			diff = treeDelta(before, id, a)
		case *counterState:
			var prev float64
			if b, ok := before.containers.Get(id); ok {
				prev = b.(*counterState).total
			}
			if a.total == prev {
				continue
			}
			diff = CounterDiff(a.total - prev)
		default:
			panic("BUG: unknown container state type")
		}

		if empty(diff) {
			continue
		}

		out = append(out, ContainerDiff{Container: id, Diff: diff})
	}

	return out
}

func empty(diff any) bool {
	switch d := diff.(type) {
	case TextDiff:
		return len(d) == 0
	case ListDiff:
		return len(d) == 0
	case MapDiff:
		return len(d) == 0
	case TreeDiff:
		return len(d) == 0
	default:
		return false
	}
}

func seqStateOf[T any](ds *DocState, id container.ID) *seqState[T] {
	cs, ok := ds.containers.Get(id)
	if !ok {
		return newSeqState[T]()
	}
	switch s := cs.(type) {
	case textState:
		return any(s.seqState).(*seqState[T])
	case listState:
		return any(s.seqState).(*seqState[T])
	default:
		panic("BUG: container is not a sequence")
	}
}

type seqEdit[T any] struct {
	retain  int
	deleted int
	insert  []T
}

// seqDelta walks the element order of the after state (a superset of the
// before state: tombstones persist and elements are never removed)
// and classifies every element by its visibility transition.
func seqDelta[T any](before, after *seqState[T]) []seqEdit[T] {
	var (
		out []seqEdit[T]
		cur seqEdit[T]
	)

	flushIf := func(changed bool) {
		if changed && (cur.retain > 0 || cur.deleted > 0 || len(cur.insert) > 0) {
			out = append(out, cur)
			cur = seqEdit[T]{}
		}
	}

	for pos, item := range after.items.Items() {
		visibleNow := !item.Deleted

		var visibleBefore bool
		if prev, ok := before.items.Get(pos); ok {
			visibleBefore = !prev.Deleted
		}

		switch {
		case visibleBefore && visibleNow:
			flushIf(cur.deleted > 0 || len(cur.insert) > 0)
			cur.retain++
		case visibleBefore && !visibleNow:
			flushIf(cur.retain > 0 || len(cur.insert) > 0)
			cur.deleted++
		case !visibleBefore && visibleNow:
			flushIf(cur.retain > 0 || cur.deleted > 0)
			cur.insert = append(cur.insert, item.Value)
		}
	}
	flushIf(true)

	// A trailing pure retain carries no information.
	if n := len(out); n > 0 && out[n-1].deleted == 0 && len(out[n-1].insert) == 0 {
		out = out[:n-1]
	}

	return out
}

func textDelta(before, after *seqState[rune]) TextDiff {
	edits := seqDelta(before, after)
	out := make(TextDiff, len(edits))
	for i, e := range edits {
		out[i] = Delta{Retain: e.retain, Delete: e.deleted}
		if len(e.insert) > 0 {
			out[i].Insert = string(e.insert)
		}
	}
	return out
}

func listDelta(before, after *seqState[container.Value]) ListDiff {
	edits := seqDelta(before, after)
	out := make(ListDiff, len(edits))
	for i, e := range edits {
		out[i] = Delta{Retain: e.retain, Delete: e.deleted}
		if len(e.insert) > 0 {
			out[i].Insert = e.insert
		}
	}
	return out
}

func mapDelta(before *DocState, id container.ID, after *mapState) MapDiff {
	var prev *mapState
	if b, ok := before.containers.Get(id); ok {
		prev = b.(*mapState)
	} else {
		prev = newMapState()
	}

	out := make(MapDiff)
	for k, e := range after.entries.Items() {
		pe, ok := prev.entries.Get(k)
		if ok && pe.ID == e.ID {
			continue
		}

		ch := MapChange{New: e.Value, Deleted: e.Deleted}
		if ok && !pe.Deleted {
			ch.Old = pe.Value
		}
		if e.Deleted {
			ch.New = nil
		}
		out[k] = ch
	}
	return out
}

func treeDelta(before *DocState, id container.ID, after *treeState) TreeDiff {
	var prev *treeState
	if b, ok := before.containers.Get(id); ok {
		prev = b.(*treeState)
	} else {
		prev = newTreeState()
	}

	var out TreeDiff
	for node, n := range after.nodes.Items() {
		pn, existed := prev.nodes.Get(node)
		if existed && pn.Parent == n.Parent {
			continue
		}

		ch := TreeChange{
			Node:      node,
			NewParent: n.Parent,
			Created:   !existed,
			Deleted:   after.isDeleted(node),
		}
		if existed {
			ch.OldParent = pn.Parent
		}
		out = append(out, ch)
	}
	return out
}
