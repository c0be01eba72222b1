package codec

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"weft/crdt/container"
	"weft/crdt/oplog"
	"weft/crdt/state"
	"weft/crdt/version"
)

// Snapshot is a full-document message: the complete run history
// with the version it covers, plus a materialized state section.
//
// The state section is advisory. Loading a snapshot replays the
// history, so a snapshot import and an update import from an empty
// version always produce identical documents. The state section lets
// readers inspect a document without an engine.
type Snapshot struct {
	VV       version.Vector
	Frontier version.Frontier
	Runs     []*oplog.Run
	State    []StateEntry
}

// StateEntry is one container's shallow value: nested containers
// appear as container.ID references, not inlined values.
type StateEntry struct {
	Container container.ID
	Value     container.Value
}

type stateEntryWire struct {
	Container wireContainer   `cbor:"1,keyasint"`
	Value     container.Value `cbor:"2,keyasint"`
}

type snapshotWire struct {
	VV       map[uint64]int64 `cbor:"1,keyasint,omitempty"`
	Frontier []wireOpID       `cbor:"2,keyasint,omitempty"`
	Runs     []wireRun        `cbor:"3,keyasint"`
	State    []stateEntryWire `cbor:"4,keyasint,omitempty"`
}

// EncodeSnapshot serializes the full history of the log together
// with the materialized state.
func EncodeSnapshot(log *oplog.OpLog, st *state.DocState) ([]byte, error) {
	runs := log.AllRuns()

	w := snapshotWire{
		VV:       vvToWire(log.VersionVector()),
		Frontier: opIDsToWire(log.Frontier()),
		Runs:     make([]wireRun, len(runs)),
	}
	for i, r := range runs {
		w.Runs[i] = runToWire(r)
	}

	if st != nil {
		ids := st.Containers()
		w.State = make([]stateEntryWire, 0, len(ids))
		for _, id := range ids {
			v, err := st.ShallowValue(id)
			if err != nil {
				return nil, fmt.Errorf("materializing %s: %w", id, err)
			}
			w.State = append(w.State, stateEntryWire{
				Container: containerToWire(id),
				Value:     v,
			})
		}
	}

	body, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot body: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(byte(FormatSnapshot))
	buf.Write(enc.EncodeAll(body, nil))
	return buf.Bytes(), nil
}

// DecodeSnapshot parses a snapshot message.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	compressed, err := checkHeader(data, FormatSnapshot)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	body, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", oplog.ErrCorruptInput, err)
	}

	var w snapshotWire
	if err := decMode.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", oplog.ErrCorruptInput, err)
	}

	vv, err := vvFromWire(w.VV)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		VV:       vv,
		Frontier: version.Frontier(opIDsFromWire(w.Frontier)),
		Runs:     make([]*oplog.Run, len(w.Runs)),
	}
	for i, wr := range w.Runs {
		r, err := runFromWire(wr)
		if err != nil {
			return nil, err
		}
		snap.Runs[i] = r
	}

	if len(w.State) > 0 {
		snap.State = make([]StateEntry, len(w.State))
		for i, se := range w.State {
			c := containerFromWire(se.Container)
			if !c.Type.Valid() {
				return nil, fmt.Errorf("%w: invalid container type in state section", oplog.ErrCorruptInput)
			}
			snap.State[i] = StateEntry{Container: c, Value: se.Value}
		}
	}

	return snap, nil
}
