// Package codec implements the two binary formats of the engine:
// delta updates (operations since a version vector) and full snapshots
// (compacted history plus materialized state).
//
// Both formats carry a 5-byte header (magic + format tag) followed by a
// CBOR body; snapshot bodies are zstd-compressed. Both formats round-trip:
// decoding an encoded message reproduces the original structure exactly.
package codec

import (
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"weft/crdt/container"
	"weft/crdt/oplog"
	"weft/crdt/version"
)

// Magic identifies weft-encoded buffers.
var Magic = [4]byte{'W', 'F', 'T', '1'}

// Format is the message format tag following the magic.
type Format byte

// Supported formats.
const (
	FormatUpdate   Format = 1
	FormatSnapshot Format = 2
)

// cborValueTag marks container IDs inside value trees.
const cborValueTag = 6086

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	tags := cbor.NewTagSet()
	if err := tags.Add(
		cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
		reflect.TypeOf(container.ID{}),
		cborValueTag,
	); err != nil {
		panic(err)
	}

	encOpts := cbor.CoreDetEncOptions()
	em, err := encOpts.EncModeWithTags(tags)
	if err != nil {
		panic(err)
	}
	encMode = em

	decOpts := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrFail,
	}
	dm, err := decOpts.DecModeWithTags(tags)
	if err != nil {
		panic(err)
	}
	decMode = dm
}

type wireOpID struct {
	_ struct{} `cbor:",toarray"`

	Peer    uint64
	Counter int64
}

func opIDToWire(id version.OpID) wireOpID {
	return wireOpID{Peer: uint64(id.Peer), Counter: int64(id.Counter)}
}

func opIDFromWire(w wireOpID) version.OpID {
	return version.OpID{Peer: version.PeerID(w.Peer), Counter: version.Counter(w.Counter)}
}

func opIDsToWire(ids []version.OpID) []wireOpID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]wireOpID, len(ids))
	for i, id := range ids {
		out[i] = opIDToWire(id)
	}
	return out
}

func opIDsFromWire(ws []wireOpID) []version.OpID {
	if len(ws) == 0 {
		return nil
	}
	out := make([]version.OpID, len(ws))
	for i, w := range ws {
		out[i] = opIDFromWire(w)
	}
	return out
}

type wireContainer struct {
	Type    byte   `cbor:"1,keyasint"`
	Root    bool   `cbor:"2,keyasint,omitempty"`
	Name    string `cbor:"3,keyasint,omitempty"`
	Peer    uint64 `cbor:"4,keyasint,omitempty"`
	Counter int64  `cbor:"5,keyasint,omitempty"`
}

func containerToWire(id container.ID) wireContainer {
	return wireContainer{
		Type:    byte(id.Type),
		Root:    id.Root,
		Name:    id.Name,
		Peer:    uint64(id.Peer),
		Counter: int64(id.Counter),
	}
}

func containerFromWire(w wireContainer) container.ID {
	return container.ID{
		Type:    container.Type(w.Type),
		Root:    w.Root,
		Name:    w.Name,
		Peer:    version.PeerID(w.Peer),
		Counter: version.Counter(w.Counter),
	}
}

// wireRun is the self-describing wire form of a run:
// identity, dependencies, container reference, op kind and payload.
type wireRun struct {
	Peer      uint64        `cbor:"1,keyasint"`
	Counter   int64         `cbor:"2,keyasint"`
	Lamport   uint64        `cbor:"3,keyasint"`
	Container wireContainer `cbor:"4,keyasint"`
	Deps      []wireOpID    `cbor:"5,keyasint,omitempty"`
	Kind      byte          `cbor:"6,keyasint"`

	// Len declares the number of atomic ops;
	// it must match the payload or decoding fails.
	Len int `cbor:"7,keyasint"`

	Origin *wireOpID         `cbor:"8,keyasint,omitempty"`
	Text   string            `cbor:"9,keyasint,omitempty"`
	Values []container.Value `cbor:"10,keyasint,omitempty"`
	Target *wireOpID         `cbor:"11,keyasint,omitempty"`
	Key    string            `cbor:"12,keyasint,omitempty"`
	Value  container.Value   `cbor:"13,keyasint,omitempty"`
	Parent *wireOpID         `cbor:"14,keyasint,omitempty"`
	Delta  float64           `cbor:"15,keyasint,omitempty"`
}

func runToWire(r *oplog.Run) wireRun {
	w := wireRun{
		Peer:      uint64(r.Peer),
		Counter:   int64(r.Counter),
		Lamport:   uint64(r.Lamport),
		Container: containerToWire(r.Container),
		Deps:      opIDsToWire(r.Deps),
		Kind:      byte(r.Payload.Kind()),
		Len:       r.Len(),
	}

	switch p := r.Payload.(type) {
	case oplog.TextInsert:
		if !p.Origin.IsZero() {
			o := opIDToWire(p.Origin)
			w.Origin = &o
		}
		w.Text = string(p.Text)
	case oplog.ListInsert:
		if !p.Origin.IsZero() {
			o := opIDToWire(p.Origin)
			w.Origin = &o
		}
		w.Values = p.Values
	case oplog.SeqDelete:
		t := opIDToWire(version.OpID{Peer: p.Target.Peer, Counter: p.Target.Counter})
		w.Target = &t
	case oplog.MapSet:
		w.Key = p.Key
		w.Value = p.Value
	case oplog.MapDelete:
		w.Key = p.Key
	case oplog.TreeMove:
		t := opIDToWire(p.Target)
		w.Target = &t
		pp := opIDToWire(p.Parent)
		w.Parent = &pp
	case oplog.CounterIncr:
		w.Delta = p.Delta
	default:
		panic(fmt.Sprintf("BUG: unknown payload type %T", r.Payload))
	}

	return w
}

func runFromWire(w wireRun) (*oplog.Run, error) {
	if w.Counter < 0 {
		return nil, fmt.Errorf("%w: negative run counter", oplog.ErrCorruptInput)
	}
	if w.Lamport == 0 {
		return nil, fmt.Errorf("%w: zero run lamport", oplog.ErrCorruptInput)
	}
	if w.Len <= 0 {
		return nil, fmt.Errorf("%w: non-positive run length", oplog.ErrCorruptInput)
	}

	c := containerFromWire(w.Container)
	if !c.Type.Valid() {
		return nil, fmt.Errorf("%w: invalid container type %d", oplog.ErrCorruptInput, w.Container.Type)
	}

	origin := func() version.OpID {
		if w.Origin == nil {
			return version.OpID{}
		}
		return opIDFromWire(*w.Origin)
	}

	var payload oplog.Payload
	switch oplog.Kind(w.Kind) {
	case oplog.KindTextInsert:
		if c.Type != container.TypeText {
			return nil, kindMismatch(w, c)
		}
		if utf8.RuneCountInString(w.Text) != w.Len {
			return nil, lengthMismatch(w)
		}
		payload = oplog.TextInsert{Origin: origin(), Text: []rune(w.Text)}

	case oplog.KindListInsert:
		if c.Type != container.TypeList {
			return nil, kindMismatch(w, c)
		}
		values := w.Values
		if len(values) != w.Len {
			return nil, lengthMismatch(w)
		}
		norm := make([]container.Value, len(values))
		for i, v := range values {
			nv, err := container.NormalizeValue(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", oplog.ErrCorruptInput, err)
			}
			norm[i] = nv
		}
		payload = oplog.ListInsert{Origin: origin(), Values: norm}

	case oplog.KindSeqDelete:
		if c.Type != container.TypeText && c.Type != container.TypeList {
			return nil, kindMismatch(w, c)
		}
		if w.Target == nil {
			return nil, fmt.Errorf("%w: delete run has no target", oplog.ErrCorruptInput)
		}
		t := opIDFromWire(*w.Target)
		payload = oplog.SeqDelete{Target: version.IDSpan{Peer: t.Peer, Counter: t.Counter, Len: int64(w.Len)}}

	case oplog.KindMapSet:
		if c.Type != container.TypeMap {
			return nil, kindMismatch(w, c)
		}
		if w.Len != 1 {
			return nil, lengthMismatch(w)
		}
		v, err := container.NormalizeValue(w.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", oplog.ErrCorruptInput, err)
		}
		payload = oplog.MapSet{Key: w.Key, Value: v}

	case oplog.KindMapDelete:
		if c.Type != container.TypeMap {
			return nil, kindMismatch(w, c)
		}
		if w.Len != 1 {
			return nil, lengthMismatch(w)
		}
		payload = oplog.MapDelete{Key: w.Key}

	case oplog.KindTreeMove:
		if c.Type != container.TypeTree {
			return nil, kindMismatch(w, c)
		}
		if w.Len != 1 {
			return nil, lengthMismatch(w)
		}
		if w.Target == nil || w.Parent == nil {
			return nil, fmt.Errorf("%w: tree move run misses target or parent", oplog.ErrCorruptInput)
		}
		payload = oplog.TreeMove{Target: opIDFromWire(*w.Target), Parent: opIDFromWire(*w.Parent)}

	case oplog.KindCounterIncr:
		if c.Type != container.TypeCounter {
			return nil, kindMismatch(w, c)
		}
		if w.Len != 1 {
			return nil, lengthMismatch(w)
		}
		payload = oplog.CounterIncr{Delta: w.Delta}

	default:
		return nil, fmt.Errorf("%w: unknown op kind %d", oplog.ErrCorruptInput, w.Kind)
	}

	return &oplog.Run{
		Peer:      version.PeerID(w.Peer),
		Counter:   version.Counter(w.Counter),
		Lamport:   version.Lamport(w.Lamport),
		Container: c,
		Deps:      opIDsFromWire(w.Deps),
		Payload:   payload,
	}, nil
}

func kindMismatch(w wireRun, c container.ID) error {
	return fmt.Errorf("%w: %s op targets %s container", oplog.ErrCorruptInput, oplog.Kind(w.Kind), c.Type)
}

func lengthMismatch(w wireRun) error {
	return fmt.Errorf("%w: declared run length %d doesn't match payload", oplog.ErrCorruptInput, w.Len)
}

func vvToWire(vv version.Vector) map[uint64]int64 {
	if len(vv) == 0 {
		return nil
	}
	out := make(map[uint64]int64, len(vv))
	for p, c := range vv {
		out[uint64(p)] = int64(c)
	}
	return out
}

func vvFromWire(m map[uint64]int64) (version.Vector, error) {
	out := make(version.Vector, len(m))
	for p, c := range m {
		if c < 0 {
			return nil, fmt.Errorf("%w: negative version counter for peer %d", oplog.ErrCorruptInput, p)
		}
		out[version.PeerID(p)] = version.Counter(c)
	}
	return out, nil
}
