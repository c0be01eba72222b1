package doc

import (
	"fmt"

	"weft/crdt/container"
	"weft/crdt/oplog"
)

// handle is the common part of all typed container handles.
// Handles are stable for the lifetime of the document.
type handle struct {
	doc *Document
	id  container.ID
}

// ID returns the stable container ID behind the handle.
func (h handle) ID() container.ID { return h.id }

// Value returns the deeply materialized value of the container.
func (h handle) Value() (container.Value, error) {
	return h.doc.Value(h.id)
}

func (d *Document) typedHandle(id container.ID, typ container.Type) (handle, error) {
	if id.Type != typ {
		return handle{}, fmt.Errorf("%w: %s is not a %s", ErrUnknownContainer, id, typ)
	}
	if !id.Root && !d.log.KnowsContainer(id) {
		return handle{}, fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}
	return handle{doc: d, id: id}, nil
}

// Text is a handle to a text container.
type Text struct{ handle }

// Text returns a handle to the named root text container.
func (d *Document) Text(name string) *Text {
	return &Text{handle{doc: d, id: container.RootID(container.TypeText, name)}}
}

// TextAt returns a handle to an existing text container.
func (d *Document) TextAt(id container.ID) (*Text, error) {
	h, err := d.typedHandle(id, container.TypeText)
	if err != nil {
		return nil, err
	}
	return &Text{h}, nil
}

// String returns the current text content.
func (t *Text) String() string {
	v, err := t.Value()
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Len returns the text length in code points.
func (t *Text) Len() int {
	n, err := t.doc.state.SeqVisibleLen(t.id)
	if err != nil {
		return 0
	}
	return n
}

// Insert inserts s at code point position pos.
func (t *Text) Insert(pos int, s string) error {
	if s == "" {
		return nil
	}

	n, err := t.doc.state.SeqVisibleLen(t.id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	}
	if pos < 0 || pos > n {
		return fmt.Errorf("%w: insert at %d in text of length %d", ErrInvalidPosition, pos, n)
	}

	origin, err := t.doc.state.SeqOriginAt(t.id, pos)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	}

	return t.doc.applyLocal(t.id, oplog.TextInsert{Origin: origin, Text: []rune(s)})
}

// Delete removes n code points starting at position pos.
func (t *Text) Delete(pos, n int) error {
	return deleteRange(t.doc, t.id, pos, n)
}

// List is a handle to a list container.
type List struct{ handle }

// List returns a handle to the named root list container.
func (d *Document) List(name string) *List {
	return &List{handle{doc: d, id: container.RootID(container.TypeList, name)}}
}

// ListAt returns a handle to an existing list container.
func (d *Document) ListAt(id container.ID) (*List, error) {
	h, err := d.typedHandle(id, container.TypeList)
	if err != nil {
		return nil, err
	}
	return &List{h}, nil
}

// Len returns the number of list elements.
func (l *List) Len() int {
	n, err := l.doc.state.SeqVisibleLen(l.id)
	if err != nil {
		return 0
	}
	return n
}

// Insert inserts values at position pos.
func (l *List) Insert(pos int, values ...any) error {
	if len(values) == 0 {
		return nil
	}

	norm := make([]container.Value, len(values))
	for i, v := range values {
		nv, err := container.NormalizeValue(v)
		if err != nil {
			return err
		}
		norm[i] = nv
	}

	n, err := l.doc.state.SeqVisibleLen(l.id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	}
	if pos < 0 || pos > n {
		return fmt.Errorf("%w: insert at %d in list of length %d", ErrInvalidPosition, pos, n)
	}

	origin, err := l.doc.state.SeqOriginAt(l.id, pos)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	}

	return l.doc.applyLocal(l.id, oplog.ListInsert{Origin: origin, Values: norm})
}

// Delete removes n elements starting at position pos.
func (l *List) Delete(pos, n int) error {
	return deleteRange(l.doc, l.id, pos, n)
}

// InsertContainer inserts a new nested container of the given type
// at position pos and returns its ID.
func (l *List) InsertContainer(pos int, typ container.Type) (container.ID, error) {
	if !typ.Valid() {
		return container.ID{}, fmt.Errorf("invalid container type %d", typ)
	}

	n, err := l.doc.state.SeqVisibleLen(l.id)
	if err != nil {
		return container.ID{}, fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	}
	if pos < 0 || pos > n {
		return container.ID{}, fmt.Errorf("%w: insert at %d in list of length %d", ErrInvalidPosition, pos, n)
	}

	origin, err := l.doc.state.SeqOriginAt(l.id, pos)
	if err != nil {
		return container.ID{}, fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	}

	// The inserting op itself defines the container.
	cid := container.DerivedID(typ, l.doc.nextOpID())
	if err := l.doc.applyLocal(l.id, oplog.ListInsert{Origin: origin, Values: []container.Value{cid}}); err != nil {
		return container.ID{}, err
	}
	return cid, nil
}

// deleteRange turns a visible range of a sequence container into
// delete payloads, one per contiguous ID span.
func deleteRange(d *Document, id container.ID, pos, n int) error {
	if n == 0 {
		return nil
	}

	total, err := d.state.SeqVisibleLen(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	}
	if pos < 0 || n < 0 || pos+n > total {
		return fmt.Errorf("%w: delete [%d, %d) in sequence of length %d", ErrInvalidPosition, pos, pos+n, total)
	}

	spans, err := d.state.SeqIDsInRange(id, pos, n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	}

	payloads := make([]oplog.Payload, len(spans))
	for i, span := range spans {
		payloads[i] = oplog.SeqDelete{Target: span}
	}
	return d.applyLocal(id, payloads...)
}

// Map is a handle to a map container.
type Map struct{ handle }

// Map returns a handle to the named root map container.
func (d *Document) Map(name string) *Map {
	return &Map{handle{doc: d, id: container.RootID(container.TypeMap, name)}}
}

// MapAt returns a handle to an existing map container.
func (d *Document) MapAt(id container.ID) (*Map, error) {
	h, err := d.typedHandle(id, container.TypeMap)
	if err != nil {
		return nil, err
	}
	return &Map{h}, nil
}

// Set assigns value to key.
func (m *Map) Set(key string, value any) error {
	v, err := container.NormalizeValue(value)
	if err != nil {
		return err
	}
	return m.doc.applyLocal(m.id, oplog.MapSet{Key: key, Value: v})
}

// Delete removes key. Deleting an absent key is recorded regardless:
// it may win over a concurrent remote set.
func (m *Map) Delete(key string) error {
	return m.doc.applyLocal(m.id, oplog.MapDelete{Key: key})
}

// Get returns the current value for key.
func (m *Map) Get(key string) (container.Value, bool) {
	v, ok, err := m.doc.state.MapGet(m.id, key)
	if err != nil {
		return nil, false
	}
	return v, ok
}

// SetContainer assigns a new nested container of the given type
// to key and returns its ID.
func (m *Map) SetContainer(key string, typ container.Type) (container.ID, error) {
	if !typ.Valid() {
		return container.ID{}, fmt.Errorf("invalid container type %d", typ)
	}

	cid := container.DerivedID(typ, m.doc.nextOpID())
	if err := m.doc.applyLocal(m.id, oplog.MapSet{Key: key, Value: cid}); err != nil {
		return container.ID{}, err
	}
	return cid, nil
}

// Tree is a handle to a tree container.
type Tree struct{ handle }

// Tree returns a handle to the named root tree container.
func (d *Document) Tree(name string) *Tree {
	return &Tree{handle{doc: d, id: container.RootID(container.TypeTree, name)}}
}

// TreeAt returns a handle to an existing tree container.
func (d *Document) TreeAt(id container.ID) (*Tree, error) {
	h, err := d.typedHandle(id, container.TypeTree)
	if err != nil {
		return nil, err
	}
	return &Tree{h}, nil
}

// CreateNode creates a new node under parent and returns its ID.
// Use container.RootTreeNode for a top-level node.
func (t *Tree) CreateNode(parent container.TreeNodeID) (container.TreeNodeID, error) {
	if err := t.checkParent(parent); err != nil {
		return container.TreeNodeID{}, err
	}

	node := t.doc.nextOpID()
	if err := t.doc.applyLocal(t.id, oplog.TreeMove{Target: node, Parent: parent}); err != nil {
		return container.TreeNodeID{}, err
	}
	return node, nil
}

// Move reparents node under parent. A move that would create a cycle
// fails with ErrCycleRejected and records nothing.
func (t *Tree) Move(node, parent container.TreeNodeID) error {
	if exists, err := t.doc.state.TreeNodeExists(t.id, node); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	} else if !exists {
		return fmt.Errorf("%w: tree node %s doesn't exist", ErrInvalidPosition, node)
	}
	if err := t.checkParent(parent); err != nil {
		return err
	}

	if cycle, err := t.doc.state.TreeWouldCycle(t.id, node, parent); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	} else if cycle {
		return fmt.Errorf("%w: %s under %s", ErrCycleRejected, node, parent)
	}

	return t.doc.applyLocal(t.id, oplog.TreeMove{Target: node, Parent: parent})
}

// DeleteNode moves node and its whole subtree into the trash.
func (t *Tree) DeleteNode(node container.TreeNodeID) error {
	if exists, err := t.doc.state.TreeNodeExists(t.id, node); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	} else if !exists {
		return fmt.Errorf("%w: tree node %s doesn't exist", ErrInvalidPosition, node)
	}

	return t.doc.applyLocal(t.id, oplog.TreeMove{Target: node, Parent: container.TrashTreeNode})
}

// Children returns the visible children of node in creation ID order.
func (t *Tree) Children(node container.TreeNodeID) []container.TreeNodeID {
	out, err := t.doc.state.TreeChildren(t.id, node)
	if err != nil {
		return nil
	}
	return out
}

// Parent returns the current parent of node,
// reporting whether the node is visible at all.
func (t *Tree) Parent(node container.TreeNodeID) (container.TreeNodeID, bool) {
	p, ok, err := t.doc.state.TreeParent(t.id, node)
	if err != nil {
		return container.TreeNodeID{}, false
	}
	return p, ok
}

func (t *Tree) checkParent(parent container.TreeNodeID) error {
	if parent == container.RootTreeNode {
		return nil
	}
	exists, err := t.doc.state.TreeNodeExists(t.id, parent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownContainer, err)
	}
	if !exists {
		return fmt.Errorf("%w: tree node %s doesn't exist", ErrInvalidPosition, parent)
	}
	return nil
}

// Counter is a handle to a counter container.
type Counter struct{ handle }

// Counter returns a handle to the named root counter container.
func (d *Document) Counter(name string) *Counter {
	return &Counter{handle{doc: d, id: container.RootID(container.TypeCounter, name)}}
}

// CounterAt returns a handle to an existing counter container.
func (d *Document) CounterAt(id container.ID) (*Counter, error) {
	h, err := d.typedHandle(id, container.TypeCounter)
	if err != nil {
		return nil, err
	}
	return &Counter{h}, nil
}

// Increment adds delta to the counter. Negative deltas decrement.
func (c *Counter) Increment(delta float64) error {
	return c.doc.applyLocal(c.id, oplog.CounterIncr{Delta: delta})
}

// Get returns the current counter value.
func (c *Counter) Get() float64 {
	v, err := c.doc.state.CounterValue(c.id)
	if err != nil {
		return 0
	}
	return v
}
