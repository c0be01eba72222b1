package state

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"weft/crdt/container"
	"weft/crdt/oplog"
	"weft/crdt/version"
)

var (
	testText    = container.RootID(container.TypeText, "content")
	testList    = container.RootID(container.TypeList, "items")
	testMap     = container.RootID(container.TypeMap, "meta")
	testTree    = container.RootID(container.TypeTree, "outline")
	testCounter = container.RootID(container.TypeCounter, "votes")
)

func applyAll(t *testing.T, ds *DocState, runs []*oplog.Run) {
	t.Helper()
	for _, r := range runs {
		require.NoError(t, ds.ApplyRun(r))
	}
}

func TestTextMaterialization(t *testing.T) {
	log := oplog.New(1)
	r := log.Append(testText, oplog.TextInsert{Text: []rune("hello")})
	log.Append(testText, oplog.TextInsert{Origin: r.LastOpID(), Text: []rune(" world")})
	log.Append(testText, oplog.SeqDelete{Target: version.IDSpan{Peer: 1, Counter: 0, Len: 1}})

	ds := New()
	applyAll(t, ds, log.AllRuns())

	v, err := ds.GetValue(testText)
	require.NoError(t, err)
	require.Equal(t, "ello world", v)

	n, err := ds.SeqVisibleLen(testText)
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestSeqConcurrentInsertOrder(t *testing.T) {
	// Two peers insert at the head concurrently. The higher (Lamport, Peer)
	// ID must land first on every replica regardless of arrival order.
	a := seqItemsOf(t, func(s *seqState[rune]) {
		require.NoError(t, s.integrate(version.ID{Peer: 1, Counter: 0, Lamport: 1}, version.OpID{}, 'a'))
		require.NoError(t, s.integrate(version.ID{Peer: 2, Counter: 0, Lamport: 1}, version.OpID{}, 'b'))
	})
	b := seqItemsOf(t, func(s *seqState[rune]) {
		require.NoError(t, s.integrate(version.ID{Peer: 2, Counter: 0, Lamport: 1}, version.OpID{}, 'b'))
		require.NoError(t, s.integrate(version.ID{Peer: 1, Counter: 0, Lamport: 1}, version.OpID{}, 'a'))
	})

	require.Equal(t, "ba", a, "higher peer wins the spot next to the origin")
	require.Equal(t, a, b, "arrival order must not matter")
}

func TestSeqConcurrentRunsDontInterleave(t *testing.T) {
	// Concurrent multi-element insertions at the same origin must not
	// interleave character by character.
	build := func(order []int) string {
		s := newSeqState[rune]()

		type ins struct {
			id  version.ID
			ref version.OpID
			ch  rune
		}
		ops := [][]ins{
			{
				{version.ID{Peer: 1, Counter: 0, Lamport: 1}, version.OpID{}, 'a'},
				{version.ID{Peer: 1, Counter: 1, Lamport: 2}, version.OpID{Peer: 1, Counter: 0}, 'b'},
			},
			{
				{version.ID{Peer: 2, Counter: 0, Lamport: 1}, version.OpID{}, 'x'},
				{version.ID{Peer: 2, Counter: 1, Lamport: 2}, version.OpID{Peer: 2, Counter: 0}, 'y'},
			},
		}

		for _, i := range order {
			for _, op := range ops[i] {
				require.NoError(t, s.integrate(op.id, op.ref, op.ch))
			}
		}
		return string(s.values())
	}

	first := build([]int{0, 1})
	second := build([]int{1, 0})
	require.Equal(t, "xyab", first)
	require.Equal(t, first, second)
}

func seqItemsOf(t *testing.T, fill func(*seqState[rune])) string {
	t.Helper()
	s := newSeqState[rune]()
	fill(s)
	return string(s.values())
}

func TestSeqTombstoneIdempotent(t *testing.T) {
	s := newSeqState[rune]()
	require.NoError(t, s.integrate(version.ID{Peer: 1, Counter: 0, Lamport: 1}, version.OpID{}, 'a'))
	require.NoError(t, s.integrate(version.ID{Peer: 1, Counter: 1, Lamport: 2}, version.OpID{Peer: 1, Counter: 0}, 'b'))

	span := version.IDSpan{Peer: 1, Counter: 0, Len: 1}
	require.NoError(t, s.tombstone(span))
	require.NoError(t, s.tombstone(span), "concurrent duplicate deletes are legal")

	require.Equal(t, "b", string(s.values()))
	require.Equal(t, 1, s.visibleLen())

	// Deleting something never inserted is a causality violation.
	err := s.tombstone(version.IDSpan{Peer: 9, Counter: 0, Len: 1})
	require.ErrorIs(t, err, errCausalityViolation)
}

func TestSeqInsertIntoTombstone(t *testing.T) {
	// Inserting after a deleted element must still work:
	// tombstones stay addressable.
	s := newSeqState[rune]()
	require.NoError(t, s.integrate(version.ID{Peer: 1, Counter: 0, Lamport: 1}, version.OpID{}, 'a'))
	require.NoError(t, s.tombstone(version.IDSpan{Peer: 1, Counter: 0, Len: 1}))
	require.NoError(t, s.integrate(version.ID{Peer: 2, Counter: 0, Lamport: 2}, version.OpID{Peer: 1, Counter: 0}, 'z'))

	require.Equal(t, "z", string(s.values()))
}

func TestMapLastWriterWins(t *testing.T) {
	s := newMapState()

	s.set(version.ID{Peer: 1, Counter: 0, Lamport: 5}, "k", "low", false)
	s.set(version.ID{Peer: 2, Counter: 0, Lamport: 6}, "k", "high", false)

	v, ok := s.get("k")
	require.True(t, ok)
	require.Equal(t, "high", v)

	// The losing write arriving late must not overwrite the winner.
	s.set(version.ID{Peer: 3, Counter: 0, Lamport: 5}, "k", "late-low", false)
	v, _ = s.get("k")
	require.Equal(t, "high", v)

	// Equal Lamport resolves by peer.
	s.set(version.ID{Peer: 3, Counter: 0, Lamport: 6}, "k", "higher-peer", false)
	v, _ = s.get("k")
	require.Equal(t, "higher-peer", v)

	// A delete is a write like any other.
	s.set(version.ID{Peer: 1, Counter: 1, Lamport: 7}, "k", nil, true)
	_, ok = s.get("k")
	require.False(t, ok)
}

func TestTreeCycleRejection(t *testing.T) {
	x := container.TreeNodeID{Peer: 1, Counter: 0}
	y := container.TreeNodeID{Peer: 1, Counter: 1}

	moves := []moveRecord{
		{ID: version.ID{Peer: 1, Counter: 0, Lamport: 1}, Target: x, Parent: container.RootTreeNode},
		{ID: version.ID{Peer: 1, Counter: 1, Lamport: 2}, Target: y, Parent: container.RootTreeNode},
		// Concurrent moves in both directions.
		{ID: version.ID{Peer: 1, Counter: 2, Lamport: 3}, Target: x, Parent: y},
		{ID: version.ID{Peer: 2, Counter: 0, Lamport: 3}, Target: y, Parent: x},
	}

	build := func(order []int) *treeState {
		s := newTreeState()
		for _, i := range order {
			s.integrate(moves[i])
		}
		return s
	}

	forward := build([]int{0, 1, 2, 3})
	backward := build([]int{1, 0, 3, 2})

	for _, s := range []*treeState{forward, backward} {
		// Peer 2 has the higher ID at equal Lamport: its move applies last
		// and gets rejected, the earlier move stands.
		p, ok := s.parentOf(x)
		require.True(t, ok)
		require.Equal(t, y, p)

		p, ok = s.parentOf(y)
		require.True(t, ok)
		require.Equal(t, container.RootTreeNode, p)

		require.True(t, s.rejected.Has(version.OpID{Peer: 2, Counter: 0}))
		require.Len(t, s.rejected, 1)
	}
}

func TestTreeTrashDeletion(t *testing.T) {
	s := newTreeState()

	x := container.TreeNodeID{Peer: 1, Counter: 0}
	child := container.TreeNodeID{Peer: 1, Counter: 1}

	s.integrate(moveRecord{ID: version.ID{Peer: 1, Counter: 0, Lamport: 1}, Target: x, Parent: container.RootTreeNode})
	s.integrate(moveRecord{ID: version.ID{Peer: 1, Counter: 1, Lamport: 2}, Target: child, Parent: x})
	s.integrate(moveRecord{ID: version.ID{Peer: 1, Counter: 2, Lamport: 3}, Target: x, Parent: container.TrashTreeNode})

	_, ok := s.parentOf(x)
	require.False(t, ok, "trashed node is invisible")
	_, ok = s.parentOf(child)
	require.False(t, ok, "the whole subtree is invisible")
	require.Empty(t, s.children(container.RootTreeNode))
}

func TestRebuildMatchesIncremental(t *testing.T) {
	log := oplog.New(1)

	log.Append(testText, oplog.TextInsert{Text: []rune("doc")})
	log.Append(testText, oplog.SeqDelete{Target: version.IDSpan{Peer: 1, Counter: 0, Len: 1}})
	log.Append(testList, oplog.ListInsert{Values: []container.Value{int64(1), int64(2), int64(3)}})
	log.Append(testMap, oplog.MapSet{Key: "title", Value: "hi"})
	log.Append(testMap, oplog.MapDelete{Key: "title"})
	log.Append(testCounter, oplog.CounterIncr{Delta: 2.5})

	node := version.OpID{Peer: 1, Counter: log.NextCounter()}
	log.Append(testTree, oplog.TreeMove{Target: node, Parent: container.RootTreeNode})

	incremental := New()
	applyAll(t, incremental, log.AllRuns())

	rebuilt, err := Rebuild(log)
	require.NoError(t, err)

	for _, id := range []container.ID{testText, testList, testMap, testTree, testCounter} {
		a, err := incremental.GetValue(id)
		require.NoError(t, err)
		b, err := rebuilt.GetValue(id)
		require.NoError(t, err)
		require.True(t, container.ValueEqual(a, b), "container %s diverged: %v vs %v", id, a, b)
	}
}

func TestNestedContainerMaterialization(t *testing.T) {
	log := oplog.New(1)

	nested := container.DerivedID(container.TypeText, version.OpID{Peer: 1, Counter: 0})
	log.Append(testMap, oplog.MapSet{Key: "body", Value: nested})
	log.Append(nested, oplog.TextInsert{Text: []rune("deep")})

	ds := New()
	applyAll(t, ds, log.AllRuns())

	v, err := ds.GetValue(testMap)
	require.NoError(t, err)
	require.Equal(t, map[string]container.Value{"body": "deep"}, v)

	shallow, err := ds.ShallowValue(testMap)
	require.NoError(t, err)
	require.Equal(t, map[string]container.Value{"body": nested}, shallow)
}

func TestApplyOrderIndependence(t *testing.T) {
	// Causally-ready runs applied in any relative order yield the same state.
	a := oplog.New(1)
	base := a.Append(testText, oplog.TextInsert{Text: []rune("base")})

	b := oplog.New(2)
	_, err := b.ImportRuns([]*oplog.Run{base})
	require.NoError(t, err)

	rb := b.Append(testText, oplog.TextInsert{Origin: base.LastOpID(), Text: []rune("B")})
	a.Append(testText, oplog.TextInsert{Origin: base.LastOpID(), Text: []rune("A")})

	_, err = a.ImportRuns([]*oplog.Run{rb})
	require.NoError(t, err)

	runs := a.AllRuns()
	rng := rand.New(rand.NewSource(7))

	var want container.Value
	for trial := 0; trial < 10; trial++ {
		// Keep the base first: it's a dependency of both branches.
		shuffled := make([]*oplog.Run, len(runs))
		copy(shuffled, runs)
		tail := shuffled[1:]
		rng.Shuffle(len(tail), func(i, j int) { tail[i], tail[j] = tail[j], tail[i] })

		ds := New()
		applyAll(t, ds, shuffled)

		v, err := ds.GetValue(testText)
		require.NoError(t, err)
		if trial == 0 {
			want = v
		}
		require.Equal(t, want, v)
	}
}

func TestCopyIsIndependent(t *testing.T) {
	log := oplog.New(1)
	log.Append(testText, oplog.TextInsert{Text: []rune("ab")})
	log.Append(testCounter, oplog.CounterIncr{Delta: 1})

	ds := New()
	applyAll(t, ds, log.AllRuns())

	cpy := ds.Copy()

	log.Append(testText, oplog.SeqDelete{Target: version.IDSpan{Peer: 1, Counter: 0, Len: 2}})
	log.Append(testCounter, oplog.CounterIncr{Delta: 5})
	applyAll(t, ds, log.RunsSince(version.Vector{1: 3}))

	v, err := cpy.GetValue(testText)
	require.NoError(t, err)
	require.Equal(t, "ab", v)

	c, err := cpy.CounterValue(testCounter)
	require.NoError(t, err)
	require.Equal(t, 1.0, c)

	v, err = ds.GetValue(testText)
	require.NoError(t, err)
	require.Equal(t, "", v)
}
