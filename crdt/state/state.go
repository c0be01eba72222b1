// Package state maintains the materialized document state:
// the live, queryable value of every container, derived purely from
// op log content. It's a cache over the log, never the source of truth:
// a full rebuild from genesis must produce state identical to the
// incrementally maintained one.
package state

import (
	"fmt"

	"weft/crdt/container"
	"weft/crdt/oplog"
	"weft/crdt/version"
	"weft/util/btree"
	"weft/util/iterx"
)

// containerState is the capability set shared by all container types.
type containerState interface {
	// apply reflects a causally-ready run in the state. Applying a set of
	// causally-ready runs in any relative order yields the same state.
	apply(r *oplog.Run) error
}

// textState is a sequence CRDT over code points.
type textState struct {
	*seqState[rune]
}

func (s textState) apply(r *oplog.Run) error {
	switch p := r.Payload.(type) {
	case oplog.TextInsert:
		ref := p.Origin
		for i, ch := range p.Text {
			if err := s.integrate(r.IDAt(i), ref, ch); err != nil {
				return err
			}
			ref = r.IDAt(i).OpID()
		}
		return nil
	case oplog.SeqDelete:
		return s.tombstone(p.Target)
	default:
		return fmt.Errorf("%s op targets a text container", r.Payload.Kind())
	}
}

// listState is a sequence CRDT over arbitrary values.
type listState struct {
	*seqState[container.Value]
}

func (s listState) apply(r *oplog.Run) error {
	switch p := r.Payload.(type) {
	case oplog.ListInsert:
		ref := p.Origin
		for i, v := range p.Values {
			if err := s.integrate(r.IDAt(i), ref, v); err != nil {
				return err
			}
			ref = r.IDAt(i).OpID()
		}
		return nil
	case oplog.SeqDelete:
		return s.tombstone(p.Target)
	default:
		return fmt.Errorf("%s op targets a list container", r.Payload.Kind())
	}
}

func (s *mapState) apply(r *oplog.Run) error {
	switch p := r.Payload.(type) {
	case oplog.MapSet:
		s.set(r.FirstID(), p.Key, p.Value, false)
		return nil
	case oplog.MapDelete:
		s.set(r.FirstID(), p.Key, nil, true)
		return nil
	default:
		return fmt.Errorf("%s op targets a map container", r.Payload.Kind())
	}
}

func (s *treeState) apply(r *oplog.Run) error {
	p, ok := r.Payload.(oplog.TreeMove)
	if !ok {
		return fmt.Errorf("%s op targets a tree container", r.Payload.Kind())
	}
	s.integrate(moveRecord{ID: r.FirstID(), Target: p.Target, Parent: p.Parent})
	return nil
}

// counterState is a commutative counter: the value is the sum of all deltas.
type counterState struct {
	total float64
}

func (s *counterState) apply(r *oplog.Run) error {
	p, ok := r.Payload.(oplog.CounterIncr)
	if !ok {
		return fmt.Errorf("%s op targets a counter container", r.Payload.Kind())
	}
	s.total += p.Delta
	return nil
}

// DocState is the materialized value tree of a document up to some frontier.
type DocState struct {
	containers *btree.Map[container.ID, containerState]
}

// New creates an empty document state.
func New() *DocState {
	return &DocState{
		containers: btree.New[container.ID, containerState](8, container.ID.Compare),
	}
}

// Copy returns a snapshot of the state sharing structure with the original.
// Mutating the original doesn't affect the copy.
func (ds *DocState) Copy() *DocState {
	cpy := New()
	for id, cs := range ds.containers.Items() {
		switch s := cs.(type) {
		case textState:
			cpy.containers.Set(id, textState{s.seqState.copy()})
		case listState:
			cpy.containers.Set(id, listState{s.seqState.copy()})
		case *mapState:
			cpy.containers.Set(id, s.copy())
		case *treeState:
			cpy.containers.Set(id, s.copy())
		case *counterState:
			c := *s
			cpy.containers.Set(id, &c)
		default:
			panic("BUG: unknown container state type")
		}
	}
	return cpy
}

func newContainerState(typ container.Type) containerState {
	switch typ {
	case container.TypeText:
		return textState{newSeqState[rune]()}
	case container.TypeList:
		return listState{newSeqState[container.Value]()}
	case container.TypeMap:
		return newMapState()
	case container.TypeTree:
		return newTreeState()
	case container.TypeCounter:
		return &counterState{}
	default:
		panic(fmt.Sprintf("BUG: invalid container type %d", typ))
	}
}

func (ds *DocState) getOrCreate(id container.ID) containerState {
	if cs, ok := ds.containers.Get(id); ok {
		return cs
	}
	cs := newContainerState(id.Type)
	ds.containers.Set(id, cs)
	return cs
}

// Has checks whether the container has materialized state.
func (ds *DocState) Has(id container.ID) bool {
	_, ok := ds.containers.Get(id)
	return ok
}

// ApplyRun applies a causally-ready run to the state,
// creating the target container lazily when first touched.
func (ds *DocState) ApplyRun(r *oplog.Run) error {
	if err := ds.getOrCreate(r.Container).apply(r); err != nil {
		return fmt.Errorf("failed to apply run %s: %w", r, err)
	}
	return nil
}

// Rebuild materializes a fresh state from the complete history of the log.
func Rebuild(log *oplog.OpLog) (*DocState, error) {
	ds := New()
	for _, r := range log.AllRuns() {
		if err := ds.ApplyRun(r); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// GetValue returns the deeply materialized value of a container:
// nested container references are resolved into their values.
func (ds *DocState) GetValue(id container.ID) (container.Value, error) {
	cs, ok := ds.containers.Get(id)
	if !ok {
		return nil, fmt.Errorf("container %s has no state", id)
	}
	return ds.materialize(id, cs, make(map[container.ID]struct{})), nil
}

func (ds *DocState) resolveValue(v container.Value, visiting map[container.ID]struct{}) container.Value {
	cid, ok := v.(container.ID)
	if !ok {
		return v
	}

	cs, found := ds.containers.Get(cid)
	if !found {
		// A referenced container with no ops yet materializes as empty.
		cs = newContainerState(cid.Type)
	}
	return ds.materialize(cid, cs, visiting)
}

func (ds *DocState) materialize(id container.ID, cs containerState, visiting map[container.ID]struct{}) container.Value {
	if _, ok := visiting[id]; ok {
		// Containers form a DAG, but a malicious history could still
		// produce a cycle of references. Break it deterministically.
		return nil
	}
	visiting[id] = struct{}{}
	defer delete(visiting, id)

	switch s := cs.(type) {
	case textState:
		return string(s.values())
	case listState:
		vals := s.values()
		out := make([]container.Value, len(vals))
		for i, v := range vals {
			out[i] = ds.resolveValue(v, visiting)
		}
		return out
	case *mapState:
		out := make(map[string]container.Value)
		for k, e := range s.entries.Items() {
			if e.Deleted {
				continue
			}
			out[k] = ds.resolveValue(e.Value, visiting)
		}
		return out
	case *treeState:
		return ds.treeValue(s, container.RootTreeNode)
	case *counterState:
		return s.total
	default:
		panic("BUG: unknown container state type")
	}
}

func (ds *DocState) treeValue(s *treeState, parent container.TreeNodeID) container.Value {
	children := s.children(parent)
	out := make([]container.Value, 0, len(children))
	for _, node := range children {
		out = append(out, map[string]container.Value{
			"id":       node.String(),
			"children": ds.treeValue(s, node),
		})
	}
	return out
}

// Containers returns the IDs of all materialized containers in ID order.
func (ds *DocState) Containers() []container.ID {
	return iterx.Collect(ds.containers.Keys())
}

// ShallowValue materializes a single container without resolving nested
// container references: children appear as container.ID values.
func (ds *DocState) ShallowValue(id container.ID) (container.Value, error) {
	cs, ok := ds.containers.Get(id)
	if !ok {
		return nil, fmt.Errorf("container %s has no state", id)
	}

	switch s := cs.(type) {
	case textState:
		return string(s.values()), nil
	case listState:
		vals := s.values()
		out := make([]container.Value, len(vals))
		copy(out, vals)
		return out, nil
	case *mapState:
		out := make(map[string]container.Value)
		for k, e := range s.entries.Items() {
			if !e.Deleted {
				out[k] = e.Value
			}
		}
		return out, nil
	case *treeState:
		return ds.treeValue(s, container.RootTreeNode), nil
	case *counterState:
		return s.total, nil
	default:
		panic("BUG: unknown container state type")
	}
}

// Text-specific accessors used by the local edit API.

func (ds *DocState) textAt(id container.ID) (textState, error) {
	cs := ds.getOrCreate(id)
	s, ok := cs.(textState)
	if !ok {
		return textState{}, fmt.Errorf("container %s is not a text", id)
	}
	return s, nil
}

func (ds *DocState) listAt(id container.ID) (listState, error) {
	cs := ds.getOrCreate(id)
	s, ok := cs.(listState)
	if !ok {
		return listState{}, fmt.Errorf("container %s is not a list", id)
	}
	return s, nil
}

// SeqOriginAt returns the insertion origin for position pos of a sequence
// container: the ID of the visible element at pos-1, or the zero ID.
func (ds *DocState) SeqOriginAt(id container.ID, pos int) (version.OpID, error) {
	switch id.Type {
	case container.TypeText:
		s, err := ds.textAt(id)
		if err != nil {
			return version.OpID{}, err
		}
		return s.originAt(pos - 1)
	case container.TypeList:
		s, err := ds.listAt(id)
		if err != nil {
			return version.OpID{}, err
		}
		return s.originAt(pos - 1)
	default:
		return version.OpID{}, fmt.Errorf("container %s is not a sequence", id)
	}
}

// SeqIDsInRange returns the element ID spans of n visible elements
// starting at index pos of a sequence container.
func (ds *DocState) SeqIDsInRange(id container.ID, pos, n int) ([]version.IDSpan, error) {
	switch id.Type {
	case container.TypeText:
		s, err := ds.textAt(id)
		if err != nil {
			return nil, err
		}
		return s.idsInRange(pos, n)
	case container.TypeList:
		s, err := ds.listAt(id)
		if err != nil {
			return nil, err
		}
		return s.idsInRange(pos, n)
	default:
		return nil, fmt.Errorf("container %s is not a sequence", id)
	}
}

// SeqVisibleLen returns the number of visible elements of a sequence container.
func (ds *DocState) SeqVisibleLen(id container.ID) (int, error) {
	switch id.Type {
	case container.TypeText:
		s, err := ds.textAt(id)
		if err != nil {
			return 0, err
		}
		return s.visibleLen(), nil
	case container.TypeList:
		s, err := ds.listAt(id)
		if err != nil {
			return 0, err
		}
		return s.visibleLen(), nil
	default:
		return 0, fmt.Errorf("container %s is not a sequence", id)
	}
}

// MapGet returns the current value for a key of a map container.
func (ds *DocState) MapGet(id container.ID, key string) (container.Value, bool, error) {
	cs := ds.getOrCreate(id)
	s, ok := cs.(*mapState)
	if !ok {
		return nil, false, fmt.Errorf("container %s is not a map", id)
	}
	v, ok := s.get(key)
	return v, ok, nil
}

// TreeNodeExists checks whether the tree node is created and visible.
func (ds *DocState) TreeNodeExists(id container.ID, node container.TreeNodeID) (bool, error) {
	cs := ds.getOrCreate(id)
	s, ok := cs.(*treeState)
	if !ok {
		return false, fmt.Errorf("container %s is not a tree", id)
	}
	_, visible := s.parentOf(node)
	return visible, nil
}

// TreeChildren returns the visible children of a tree node in ID order.
func (ds *DocState) TreeChildren(id container.ID, node container.TreeNodeID) ([]container.TreeNodeID, error) {
	cs := ds.getOrCreate(id)
	s, ok := cs.(*treeState)
	if !ok {
		return nil, fmt.Errorf("container %s is not a tree", id)
	}
	return s.children(node), nil
}

// TreeParent returns the current parent of a visible tree node.
func (ds *DocState) TreeParent(id container.ID, node container.TreeNodeID) (container.TreeNodeID, bool, error) {
	cs := ds.getOrCreate(id)
	s, ok := cs.(*treeState)
	if !ok {
		return container.TreeNodeID{}, false, fmt.Errorf("container %s is not a tree", id)
	}
	p, visible := s.parentOf(node)
	return p, visible, nil
}

// TreeWouldCycle checks whether reparenting node under parent would
// create a cycle in the current visible tree.
func (ds *DocState) TreeWouldCycle(id container.ID, node, parent container.TreeNodeID) (bool, error) {
	cs := ds.getOrCreate(id)
	s, ok := cs.(*treeState)
	if !ok {
		return false, fmt.Errorf("container %s is not a tree", id)
	}
	return s.isAncestor(node, parent), nil
}

// CounterValue returns the current value of a counter container.
func (ds *DocState) CounterValue(id container.ID) (float64, error) {
	cs := ds.getOrCreate(id)
	s, ok := cs.(*counterState)
	if !ok {
		return 0, fmt.Errorf("container %s is not a counter", id)
	}
	return s.total, nil
}
