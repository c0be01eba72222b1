// Package doc exposes the document engine: a facade over the op log,
// the materialized state, and the wire codecs.
//
// A Document is a unit of exclusive mutation. It exposes no internal
// locking: embedders that share one instance across goroutines must
// serialize access externally. Replication happens between independent
// Document instances exchanging encoded byte buffers.
package doc

import (
	"fmt"

	"go.uber.org/zap"

	"weft/crdt/codec"
	"weft/crdt/container"
	"weft/crdt/oplog"
	"weft/crdt/state"
	"weft/crdt/version"
	"weft/logging"
)

// Errors surfaced by the local edit API.
var (
	// ErrInvalidPosition is returned when a local edit references an
	// out-of-range index. Nothing is mutated.
	ErrInvalidPosition = fmt.Errorf("invalid position")

	// ErrUnknownContainer is returned when a handle doesn't match
	// any valid container of its claimed type.
	ErrUnknownContainer = fmt.Errorf("unknown container")

	// ErrCycleRejected is returned when a local tree move would create
	// a cycle. Nothing is recorded.
	ErrCycleRejected = fmt.Errorf("tree move would create a cycle")
)

// Document is a replicated document: the full operation history
// plus the materialized value of every container.
type Document struct {
	log   *oplog.OpLog
	state *state.DocState
	l     *zap.Logger

	nextSub int
	subs    map[int]func(Event)
}

// Option configures a Document on creation.
type Option func(*Document)

// WithPeerID sets the local peer identity instead of generating a random one.
func WithPeerID(peer version.PeerID) Option {
	return func(d *Document) {
		d.log.SetPeer(peer)
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Document) {
		d.l = l
	}
}

// New creates an empty document with a fresh random peer identity.
func New(opts ...Option) *Document {
	d := &Document{
		log:   oplog.New(version.NewPeerID()),
		state: state.New(),
		l:     logging.New("weft/doc", "info"),
		subs:  make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open constructs a document from an encoded snapshot or update buffer.
func Open(data []byte, opts ...Option) (*Document, error) {
	d := New(opts...)
	if _, err := d.Import(data); err != nil {
		return nil, err
	}
	return d, nil
}

// Fork creates an independent replica of the document
// under a fresh peer identity.
func (d *Document) Fork() (*Document, error) {
	snap, err := d.ExportSnapshot()
	if err != nil {
		return nil, err
	}
	return Open(snap)
}

// PeerID returns the local peer identity.
func (d *Document) PeerID() version.PeerID { return d.log.Peer() }

// VersionVector returns a copy of the current version vector.
func (d *Document) VersionVector() version.Vector { return d.log.VersionVector() }

// Frontier returns the current frontier.
func (d *Document) Frontier() version.Frontier { return d.log.Frontier() }

// Value returns the deeply materialized value of a container:
// nested containers are resolved into plain values.
func (d *Document) Value(id container.ID) (container.Value, error) {
	if !d.state.Has(id) {
		if id.Root || d.log.KnowsContainer(id) {
			// A defined container nobody wrote to yet is empty, not unknown.
			return emptyValue(id.Type), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}
	return d.state.GetValue(id)
}

func emptyValue(typ container.Type) container.Value {
	switch typ {
	case container.TypeText:
		return ""
	case container.TypeList, container.TypeTree:
		return []container.Value{}
	case container.TypeMap:
		return map[string]container.Value{}
	case container.TypeCounter:
		return float64(0)
	default:
		panic(fmt.Sprintf("BUG: invalid container type %d", typ))
	}
}

// ExportSnapshot encodes the entire document: full history plus
// materialized state.
func (d *Document) ExportSnapshot() ([]byte, error) {
	return codec.EncodeSnapshot(d.log, d.state)
}

// ExportUpdatesSince encodes every operation unknown at the given
// version vector. An empty or nil vector exports the full history.
func (d *Document) ExportUpdatesSince(vv version.Vector) ([]byte, error) {
	return codec.EncodeUpdate(d.log, vv)
}

// ImportSummary describes an applied import.
type ImportSummary struct {
	// Runs and Ops count the newly accepted runs and atomic ops.
	// Both are zero when the import was a complete duplicate.
	Runs int
	Ops  int

	// Containers touched by the accepted runs.
	Containers []container.ID
}

// Import merges an encoded buffer into the document. It accepts both
// formats, any number of times, in any order relative to other imports.
//
// Imports are atomic: a buffer failing validation with
// oplog.ErrCorruptInput leaves the document untouched.
func (d *Document) Import(data []byte) (*ImportSummary, error) {
	format, err := codec.Sniff(data)
	if err != nil {
		return nil, err
	}

	var runs []*oplog.Run
	switch format {
	case codec.FormatUpdate:
		up, err := codec.DecodeUpdate(data)
		if err != nil {
			return nil, err
		}
		runs = up.Runs
	case codec.FormatSnapshot:
		snap, err := codec.DecodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		runs = snap.Runs
	default:
		return nil, fmt.Errorf("%w: unknown format %d", oplog.ErrCorruptInput, format)
	}

	before := d.beforeState()

	res, err := d.log.ImportRuns(runs)
	if err != nil {
		return nil, err
	}

	for _, r := range res.Accepted {
		if err := d.state.ApplyRun(r); err != nil {
			return nil, fmt.Errorf("BUG: accepted run failed to materialize: %w", err)
		}
	}

	sum := &ImportSummary{
		Runs: len(res.Accepted),
		Ops:  res.OpCount(),
	}
	for c := range res.Containers {
		sum.Containers = append(sum.Containers, c)
	}

	d.l.Debug("ImportApplied",
		zap.Int("runs", sum.Runs),
		zap.Int("ops", sum.Ops),
		zap.Int("containers", len(sum.Containers)),
	)

	d.emit(before, sum.Containers)
	return sum, nil
}

// Event is delivered to subscribers after every applied batch:
// one diff per affected container, positions referencing the
// value before the batch.
type Event struct {
	Diffs []state.ContainerDiff
}

// Subscribe registers a callback invoked synchronously after every
// local edit or import that changed state, in application order.
// The returned function releases the registration.
func (d *Document) Subscribe(fn func(Event)) (unsubscribe func()) {
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		delete(d.subs, id)
	}
}

// beforeState snapshots the state when anyone is listening for diffs.
func (d *Document) beforeState() *state.DocState {
	if len(d.subs) == 0 {
		return nil
	}
	return d.state.Copy()
}

func (d *Document) emit(before *state.DocState, touched []container.ID) {
	if before == nil || len(touched) == 0 {
		return
	}

	diffs := state.Diff(before, d.state, touched)
	if len(diffs) == 0 {
		return
	}

	ev := Event{Diffs: diffs}
	for _, fn := range d.subs {
		fn(ev)
	}
}

// applyLocal records locally created payloads against a container
// and materializes them. Payloads must be pre-validated: nothing
// in here fails short of an internal inconsistency.
func (d *Document) applyLocal(c container.ID, payloads ...oplog.Payload) error {
	if len(payloads) == 0 {
		return nil
	}

	before := d.beforeState()

	for _, p := range payloads {
		r := d.log.Append(c, p)
		if err := d.state.ApplyRun(r); err != nil {
			return fmt.Errorf("BUG: local run failed to materialize: %w", err)
		}
	}

	d.emit(before, []container.ID{c})
	return nil
}

// nextOpID predicts the ID the next local op will be assigned.
// Valid only until another op is created.
func (d *Document) nextOpID() version.OpID {
	return version.OpID{Peer: d.log.Peer(), Counter: d.log.NextCounter()}
}
