// Package container defines the identity and value model of document containers.
//
// A document is a DAG of typed containers (text, list, map, tree, counter).
// Root containers are addressed by name; nested containers get IDs derived
// from the operation that created them.
package container

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"

	"weft/crdt/version"
)

// Type is the kind of a container.
type Type byte

// Supported container types.
const (
	TypeText Type = iota + 1
	TypeList
	TypeMap
	TypeTree
	TypeCounter
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeText:
		return "Text"
	case TypeList:
		return "List"
	case TypeMap:
		return "Map"
	case TypeTree:
		return "Tree"
	case TypeCounter:
		return "Counter"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(t))
	}
}

// Valid checks whether the type tag is one of the supported types.
func (t Type) Valid() bool {
	return t >= TypeText && t <= TypeCounter
}

// ID is a stable container identifier.
// Root containers are named; derived containers embed the ID
// of the operation that created them.
// The zero value is not a valid ID.
type ID struct {
	Type Type
	Root bool

	// Name is set for root containers.
	Name string

	// Peer and Counter identify the creating op for derived containers.
	Peer    version.PeerID
	Counter version.Counter
}

// RootID creates an ID for a named root container.
func RootID(typ Type, name string) ID {
	return ID{Type: typ, Root: true, Name: name}
}

// DerivedID creates an ID for a container defined by the given operation.
func DerivedID(typ Type, op version.OpID) ID {
	return ID{Type: typ, Peer: op.Peer, Counter: op.Counter}
}

// OpID returns the creating operation of a derived container.
func (id ID) OpID() version.OpID {
	if id.Root {
		panic("BUG: root containers have no creating op")
	}
	return version.OpID{Peer: id.Peer, Counter: id.Counter}
}

// Compare defines a total order over container IDs,
// used by ordered indexes and deterministic iteration.
func (id ID) Compare(other ID) int {
	if c := cmp.Compare(id.Type, other.Type); c != 0 {
		return c
	}
	if id.Root != other.Root {
		if id.Root {
			return -1
		}
		return 1
	}
	if c := strings.Compare(id.Name, other.Name); c != 0 {
		return c
	}
	if c := cmp.Compare(id.Peer, other.Peer); c != 0 {
		return c
	}
	return cmp.Compare(id.Counter, other.Counter)
}

// String returns a human-readable stable form of the ID:
// "weft:<type>:<name>" for roots, and "weft:<type>:<multibase>" for derived IDs.
func (id ID) String() string {
	if id.Root {
		return fmt.Sprintf("weft:%s:%s", strings.ToLower(id.Type.String()), id.Name)
	}

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(id.Peer))
	binary.BigEndian.PutUint64(buf[8:], uint64(id.Counter))

	s, err := multibase.Encode(multibase.Base58BTC, buf[:])
	if err != nil {
		panic(err)
	}

	return fmt.Sprintf("weft:%s:%s", strings.ToLower(id.Type.String()), s)
}

// ParseID parses the string form produced by String.
func ParseID(s string) (ID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "weft" {
		return ID{}, fmt.Errorf("invalid container ID %q", s)
	}

	var typ Type
	for t := TypeText; t <= TypeCounter; t++ {
		if strings.ToLower(t.String()) == parts[1] {
			typ = t
			break
		}
	}
	if !typ.Valid() {
		return ID{}, fmt.Errorf("invalid container type in ID %q", s)
	}

	// Derived IDs are multibase-encoded 16-byte payloads.
	// Everything that doesn't parse as such is treated as a root name.
	if enc, data, err := multibase.Decode(parts[2]); err == nil && enc == multibase.Base58BTC && len(data) == 16 {
		return ID{
			Type:    typ,
			Peer:    version.PeerID(binary.BigEndian.Uint64(data[:8])),
			Counter: version.Counter(binary.BigEndian.Uint64(data[8:])),
		}, nil
	}

	return RootID(typ, parts[2]), nil
}

// TreeNodeID identifies a node of a tree container by its creating operation.
type TreeNodeID = version.OpID

// RootTreeNode is the synthetic parent of top-level tree nodes.
var RootTreeNode = TreeNodeID{}

// TrashTreeNode is the synthetic parent of deleted tree nodes.
var TrashTreeNode = TreeNodeID{Peer: ^version.PeerID(0), Counter: -1}
