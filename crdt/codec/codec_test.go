package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"weft/crdt/container"
	"weft/crdt/oplog"
	"weft/crdt/state"
	"weft/crdt/version"
	"weft/testutil"
)

var (
	testText = container.RootID(container.TypeText, "content")
	testMap  = container.RootID(container.TypeMap, "meta")
)

func populatedLog(t *testing.T) *oplog.OpLog {
	t.Helper()
	log := oplog.New(1)

	log.Append(testText, oplog.TextInsert{Text: []rune("héllo")})
	log.Append(testText, oplog.SeqDelete{Target: version.IDSpan{Peer: 1, Counter: 0, Len: 2}})
	log.Append(testMap, oplog.MapSet{Key: "n", Value: int64(-3)})
	log.Append(testMap, oplog.MapSet{Key: "f", Value: 1.25})
	log.Append(testMap, oplog.MapDelete{Key: "n"})

	nested := container.DerivedID(container.TypeCounter, version.OpID{Peer: 1, Counter: log.NextCounter()})
	log.Append(testMap, oplog.MapSet{Key: "votes", Value: nested})
	log.Append(nested, oplog.CounterIncr{Delta: 2})

	tree := container.RootID(container.TypeTree, "outline")
	node := version.OpID{Peer: 1, Counter: log.NextCounter()}
	log.Append(tree, oplog.TreeMove{Target: node, Parent: container.RootTreeNode})

	list := container.RootID(container.TypeList, "items")
	log.Append(list, oplog.ListInsert{Values: []container.Value{int64(1), "two", true, nil}})

	return log
}

func TestUpdateRoundTrip(t *testing.T) {
	log := populatedLog(t)

	data, err := EncodeUpdate(log, nil)
	require.NoError(t, err)

	f, err := Sniff(data)
	require.NoError(t, err)
	require.Equal(t, FormatUpdate, f)

	up, err := DecodeUpdate(data)
	require.NoError(t, err)
	require.Equal(t, version.Vector{}, up.StartVV)
	require.True(t, up.Frontier.Equal(log.Frontier()))

	// Importing the decoded runs into a fresh log reproduces the original.
	dst := oplog.New(2)
	_, err = dst.ImportRuns(up.Runs)
	require.NoError(t, err)
	require.Equal(t, log.VersionVector(), dst.VersionVector())
	require.True(t, log.Frontier().Equal(dst.Frontier()))

	srcState, err := state.Rebuild(log)
	require.NoError(t, err)
	dstState, err := state.Rebuild(dst)
	require.NoError(t, err)

	for _, id := range srcState.Containers() {
		a, err := srcState.GetValue(id)
		require.NoError(t, err)
		b, err := dstState.GetValue(id)
		require.NoError(t, err)
		require.True(t, container.ValueEqual(a, b), "container %s diverged", id)
	}

	// The receiving log re-encodes to the exact same bytes:
	// run boundaries, order and deps all survive the round trip.
	reencoded, err := EncodeUpdate(dst, nil)
	require.NoError(t, err)
	testutil.StructsEqual(data, reencoded).Compare(t, "re-encoded update diverged")
}

func TestUpdateSince(t *testing.T) {
	log := populatedLog(t)
	mid := log.VersionVector()
	log.Append(testText, oplog.TextInsert{Text: []rune("more")})

	data, err := EncodeUpdate(log, mid)
	require.NoError(t, err)

	up, err := DecodeUpdate(data)
	require.NoError(t, err)
	require.Equal(t, mid, up.StartVV)
	require.Len(t, up.Runs, 1)
	require.Equal(t, 4, up.Runs[0].Len())
}

func TestSnapshotRoundTrip(t *testing.T) {
	log := populatedLog(t)
	st, err := state.Rebuild(log)
	require.NoError(t, err)

	data, err := EncodeSnapshot(log, st)
	require.NoError(t, err)

	f, err := Sniff(data)
	require.NoError(t, err)
	require.Equal(t, FormatSnapshot, f)

	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)
	require.Equal(t, log.VersionVector(), snap.VV)
	require.True(t, snap.Frontier.Equal(log.Frontier()))
	require.NotEmpty(t, snap.State)

	// The history in the snapshot reproduces the full document.
	dst := oplog.New(2)
	_, err = dst.ImportRuns(snap.Runs)
	require.NoError(t, err)
	require.Equal(t, log.VersionVector(), dst.VersionVector())

	dstState, err := state.Rebuild(dst)
	require.NoError(t, err)

	// And the advisory state section matches the replayed state.
	for _, entry := range snap.State {
		v, err := dstState.ShallowValue(entry.Container)
		require.NoError(t, err)
		require.True(t, container.ValueEqual(v, entry.Value), "state section diverged for %s", entry.Container)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		{},
		{'W', 'F', 'T'},
		{'X', 'X', 'X', 'X', 1},
		{'W', 'F', 'T', '1', 9},
	} {
		_, err := Sniff(data)
		require.ErrorIs(t, err, oplog.ErrCorruptInput)
	}

	// Valid header, broken body.
	_, err := DecodeUpdate([]byte{'W', 'F', 'T', '1', 1, 0xff, 0xff})
	require.ErrorIs(t, err, oplog.ErrCorruptInput)

	_, err = DecodeSnapshot([]byte{'W', 'F', 'T', '1', 2, 0xff, 0xff})
	require.ErrorIs(t, err, oplog.ErrCorruptInput)
}

func TestDecodeRejectsFormatMismatch(t *testing.T) {
	log := populatedLog(t)

	data, err := EncodeUpdate(log, nil)
	require.NoError(t, err)

	_, err = DecodeSnapshot(data)
	require.ErrorIs(t, err, oplog.ErrCorruptInput)
}

func TestDecodeValidatesRuns(t *testing.T) {
	encode := func(w updateWire) []byte {
		body, err := encMode.Marshal(w)
		require.NoError(t, err)
		return append([]byte{'W', 'F', 'T', '1', 1}, body...)
	}

	valid := wireRun{
		Peer:      1,
		Counter:   0,
		Lamport:   1,
		Container: containerToWire(testText),
		Kind:      byte(oplog.KindTextInsert),
		Len:       2,
		Text:      "ab",
	}

	tests := []struct {
		name   string
		mutate func(*wireRun)
	}{
		{"negative counter", func(r *wireRun) { r.Counter = -1 }},
		{"zero lamport", func(r *wireRun) { r.Lamport = 0 }},
		{"zero length", func(r *wireRun) { r.Len = 0 }},
		{"length mismatch", func(r *wireRun) { r.Len = 3 }},
		{"unknown kind", func(r *wireRun) { r.Kind = 99 }},
		{"invalid container type", func(r *wireRun) { r.Container.Type = 99 }},
		{"kind targets wrong container", func(r *wireRun) { r.Container = containerToWire(testMap) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			_, err := DecodeUpdate(encode(updateWire{Runs: []wireRun{r}}))
			require.ErrorIs(t, err, oplog.ErrCorruptInput)
		})
	}

	// The unmutated run decodes fine.
	up, err := DecodeUpdate(encode(updateWire{Runs: []wireRun{valid}}))
	require.NoError(t, err)
	require.Len(t, up.Runs, 1)
	require.Equal(t, "ab", string(up.Runs[0].Payload.(oplog.TextInsert).Text))

	// A negative counter in the start vector fails like any other
	// malformed field.
	_, err = DecodeUpdate(encode(updateWire{
		StartVV: map[uint64]int64{1: -1},
		Runs:    []wireRun{valid},
	}))
	require.ErrorIs(t, err, oplog.ErrCorruptInput)
}

func TestContainerRefSurvivesValues(t *testing.T) {
	log := oplog.New(1)

	nested := container.DerivedID(container.TypeText, version.OpID{Peer: 1, Counter: 0})
	log.Append(testMap, oplog.MapSet{Key: "body", Value: nested})
	log.Append(nested, oplog.TextInsert{Text: []rune("x")})

	data, err := EncodeUpdate(log, nil)
	require.NoError(t, err)

	up, err := DecodeUpdate(data)
	require.NoError(t, err)

	var found bool
	for _, r := range up.Runs {
		if p, ok := r.Payload.(oplog.MapSet); ok {
			ref, ok := p.Value.(container.ID)
			require.True(t, ok, "nested container reference must decode as container.ID, got %T", p.Value)
			require.Equal(t, nested, ref)
			found = true
		}
	}
	require.True(t, found)
}
