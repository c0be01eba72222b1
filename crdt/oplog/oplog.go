package oplog

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	mapset "github.com/deckarep/golang-set/v2"

	"weft/crdt/container"
	"weft/crdt/version"
	"weft/util/btree"
	"weft/util/colx"
	"weft/util/lclock"
)

// ErrCorruptInput is returned when imported data is malformed:
// truncated, internally inconsistent, or referencing dependencies
// or containers that can never be satisfied.
// Imports failing with it are rejected in full, nothing is applied.
var ErrCorruptInput = fmt.Errorf("corrupt input")

type containerKey struct {
	Container container.ID
	Start     version.OpID
}

func compareContainerKeys(a, b containerKey) int {
	if c := a.Container.Compare(b.Container); c != 0 {
		return c
	}
	return a.Start.Compare(b.Start)
}

// OpLog is the append-only, peer-partitioned store of all operations
// ever created by or imported into a document.
//
// Not safe for concurrent use: a document is a unit of exclusive mutation.
type OpLog struct {
	peer  version.PeerID
	clock *lclock.Clock

	// Runs per peer, sorted by counter. Counters of a peer are contiguous
	// starting from zero: runs are merged on store when payloads chain.
	runs map[version.PeerID][]*Run

	vv      version.Vector
	applied map[version.PeerID]*roaring64.Bitmap
	heads   mapset.Set[version.OpID]

	// Interval index over runs per container.
	byContainer *btree.Map[containerKey, *Run]
}

// New creates an empty op log owned by the given local peer.
func New(peer version.PeerID) *OpLog {
	return &OpLog{
		peer:        peer,
		clock:       lclock.New(),
		runs:        make(map[version.PeerID][]*Run),
		vv:          make(version.Vector),
		applied:     make(map[version.PeerID]*roaring64.Bitmap),
		heads:       mapset.NewThreadUnsafeSet[version.OpID](),
		byContainer: btree.New[containerKey, *Run](8, compareContainerKeys),
	}
}

// Peer returns the local peer ID.
func (l *OpLog) Peer() version.PeerID { return l.peer }

// SetPeer changes the local peer identity.
// Must only be used before the new identity has produced any operations.
func (l *OpLog) SetPeer(peer version.PeerID) { l.peer = peer }

// NextCounter returns the counter the next local op will be assigned.
func (l *OpLog) NextCounter() version.Counter { return l.vv[l.peer] }

// Frontier returns the current minimal set of head op IDs.
func (l *OpLog) Frontier() version.Frontier {
	return version.NewFrontier(l.heads.ToSlice()...)
}

// VersionVector returns a point-in-time copy of the version vector.
func (l *OpLog) VersionVector() version.Vector { return l.vv.Copy() }

// Contains checks whether the op with the given ID is stored.
func (l *OpLog) Contains(id version.OpID) bool {
	bm := l.applied[id.Peer]
	return bm != nil && id.Counter >= 0 && bm.Contains(uint64(id.Counter))
}

// KnowsContainer checks whether the container is defined:
// root containers always are, derived containers require their
// creating op to be present in the log.
func (l *OpLog) KnowsContainer(c container.ID) bool {
	if c.Root {
		return true
	}
	return l.Contains(c.OpID())
}

// Append assigns identity to a locally created operation, records the
// current frontier as its dependencies, and stores it, merging into the
// last run of the local peer when contiguous. It returns the stored run
// describing exactly the appended ops.
func (l *OpLog) Append(c container.ID, p Payload) *Run {
	n := p.Len()
	if n <= 0 {
		panic("BUG: empty payload")
	}

	run := &Run{
		Peer:      l.peer,
		Counter:   l.vv[l.peer],
		Lamport:   version.Lamport(l.clock.NextSpan(n)),
		Container: c,
		Deps:      l.Frontier(),
		Payload:   p,
	}

	l.store(run)
	return run
}

// ImportResult describes the outcome of an import.
type ImportResult struct {
	// Accepted runs in dependency order, deduplicated and sliced
	// down to the previously unknown portions.
	Accepted []*Run

	// Containers touched by the accepted runs.
	Containers colx.HashSet[container.ID]
}

// OpCount returns the total number of accepted atomic ops.
func (r *ImportResult) OpCount() int {
	var n int
	for _, run := range r.Accepted {
		n += run.Len()
	}
	return n
}

// ImportRuns merges runs from a remote source into the log.
//
// The import is idempotent: ops already present are skipped, re-importing
// the same runs is a no-op. Runs may arrive in any order relative to each
// other, but every dependency must either be already known or be satisfied
// within the same batch; otherwise the whole batch is rejected with
// ErrCorruptInput and the log stays unchanged.
func (l *OpLog) ImportRuns(batch []*Run) (*ImportResult, error) {
	res := &ImportResult{}

	// Stage the batch against a copy of the version vector, reordering
	// runs whose dependencies come later in the batch through an explicit
	// pending queue keyed by the first missing dependency.
	staged := l.vv.Copy()
	pending := make(map[version.OpID][]*Run)
	queue := make([]*Run, len(batch))
	copy(queue, batch)

	park := func(r *Run, missing version.OpID) {
		pending[missing] = append(pending[missing], r)
	}

	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]

		if r.Len() <= 0 {
			return nil, fmt.Errorf("%w: empty run", ErrCorruptInput)
		}
		if !r.Container.Type.Valid() {
			return nil, fmt.Errorf("%w: invalid container type %d", ErrCorruptInput, r.Container.Type)
		}

		known := staged[r.Peer]
		if r.Span().End() <= known {
			continue // Duplicate.
		}

		if r.Counter > known {
			// Gap in the peer's sequence: wait for the predecessor.
			park(r, version.OpID{Peer: r.Peer, Counter: r.Counter - 1})
			continue
		}

		if r.Counter < known {
			r = r.Slice(int(known-r.Counter), r.Len())
		}

		if missing, ok := l.findMissingDep(r, staged); ok {
			park(r, missing)
			continue
		}

		res.Accepted = append(res.Accepted, r)
		staged.ExtendToInclude(r.Span())

		// Wake up runs that were waiting for any op this run covers.
		for dep, waiters := range pending {
			if staged.Includes(dep) {
				queue = append(queue, waiters...)
				delete(pending, dep)
			}
		}
	}

	if len(pending) > 0 {
		for dep := range pending {
			return nil, fmt.Errorf("%w: unsatisfiable dependency %s", ErrCorruptInput, dep)
		}
	}

	// Containers referenced by accepted runs must be known already
	// or defined by an op within this same batch.
	for _, r := range res.Accepted {
		if r.Container.Root || l.KnowsContainer(r.Container) {
			continue
		}
		if !staged.Includes(r.Container.OpID()) {
			return nil, fmt.Errorf("%w: run references undefined container %s", ErrCorruptInput, r.Container)
		}
	}

	if err := l.checkElementRefs(res.Accepted); err != nil {
		return nil, err
	}

	// Commit. Everything is validated, no errors past this point.
	for _, r := range res.Accepted {
		l.store(r)
		res.Containers.Put(r.Container)
	}

	return res, nil
}

// resolveStaged locates the run holding an op, looking at both the
// stored history and the runs accepted from the current batch.
func (l *OpLog) resolveStaged(id version.OpID, accepted []*Run) (*Run, bool) {
	if r, ok := l.findRun(id); ok {
		return r, true
	}
	for _, r := range accepted {
		if r.Span().Contains(id) {
			return r, true
		}
	}
	return nil, false
}

// checkElementRefs verifies that element-level references of sequence
// and tree payloads resolve to ops of the same container and the right
// kind. Version-vector inclusion alone would let a run point into an
// unrelated container and fail materialization after commit.
func (l *OpLog) checkElementRefs(accepted []*Run) error {
	check := func(r *Run, id version.OpID, kind Kind) (*Run, error) {
		tr, ok := l.resolveStaged(id, accepted)
		if !ok {
			return nil, fmt.Errorf("%w: referenced op %s not found", ErrCorruptInput, id)
		}
		if tr.Container != r.Container {
			return nil, fmt.Errorf("%w: op %s belongs to container %s, not %s", ErrCorruptInput, id, tr.Container, r.Container)
		}
		if tr.Payload.Kind() != kind {
			return nil, fmt.Errorf("%w: op %s is a %s op, expected %s", ErrCorruptInput, id, tr.Payload.Kind(), kind)
		}
		return tr, nil
	}

	for _, r := range accepted {
		switch p := r.Payload.(type) {
		case TextInsert:
			if !p.Origin.IsZero() {
				if _, err := check(r, p.Origin, KindTextInsert); err != nil {
					return err
				}
			}
		case ListInsert:
			if !p.Origin.IsZero() {
				if _, err := check(r, p.Origin, KindListInsert); err != nil {
					return err
				}
			}
		case SeqDelete:
			kind := KindTextInsert
			if r.Container.Type == container.TypeList {
				kind = KindListInsert
			}
			for c := p.Target.Counter; c < p.Target.End(); {
				tr, err := check(r, version.OpID{Peer: p.Target.Peer, Counter: c}, kind)
				if err != nil {
					return err
				}
				c = tr.Span().End()
			}
		case TreeMove:
			if p.Target != r.FirstID().OpID() {
				if _, err := check(r, p.Target, KindTreeMove); err != nil {
					return err
				}
			}
			if p.Parent != container.RootTreeNode && p.Parent != container.TrashTreeNode {
				if _, err := check(r, p.Parent, KindTreeMove); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (l *OpLog) findMissingDep(r *Run, staged version.Vector) (version.OpID, bool) {
	for _, dep := range r.Deps {
		// A dependency on the run's own future can never be satisfied:
		// it stays pending and fails the batch as unsatisfiable.
		if !staged.Includes(dep) {
			return dep, true
		}
	}

	// Sequence payloads also reference element IDs directly.
	switch p := r.Payload.(type) {
	case TextInsert:
		if !p.Origin.IsZero() && !staged.Includes(p.Origin) {
			return p.Origin, true
		}
	case ListInsert:
		if !p.Origin.IsZero() && !staged.Includes(p.Origin) {
			return p.Origin, true
		}
	case SeqDelete:
		last := version.OpID{Peer: p.Target.Peer, Counter: p.Target.End() - 1}
		if !staged.Includes(last) {
			return last, true
		}
	case TreeMove:
		if p.Target != r.FirstID().OpID() && !staged.Includes(p.Target) {
			return p.Target, true
		}
		if p.Parent != container.RootTreeNode && p.Parent != container.TrashTreeNode && !staged.Includes(p.Parent) {
			return p.Parent, true
		}
	}

	return version.OpID{}, false
}

// store appends a validated run with contiguous counters to the log
// and updates all the indexes and the frontier.
func (l *OpLog) store(r *Run) {
	if r.Counter != l.vv[r.Peer] {
		panic(fmt.Sprintf("BUG: storing run %s out of order, expected counter %d", r, l.vv[r.Peer]))
	}

	rs := l.runs[r.Peer]

	// Merging must not lose dependency information: it's only allowed
	// when the run's deps are exactly the implied predecessor.
	merged := false
	if len(rs) > 0 && len(r.Deps) == 1 && r.Deps[0] == (version.OpID{Peer: r.Peer, Counter: r.Counter - 1}) {
		merged = rs[len(rs)-1].TryMerge(r)
	}
	if !merged {
		l.runs[r.Peer] = append(rs, r)
		l.byContainer.Set(containerKey{Container: r.Container, Start: r.FirstID().OpID()}, r)
	}

	bm := l.applied[r.Peer]
	if bm == nil {
		bm = roaring64.New()
		l.applied[r.Peer] = bm
	}
	span := r.Span()
	bm.AddRange(uint64(span.Counter), uint64(span.End()))

	l.vv.ExtendToInclude(span)
	l.clock.TrackSpan(uint64(r.Lamport), r.Len())

	for _, dep := range r.Deps {
		l.heads.Remove(dep)
	}
	if r.Counter > 0 {
		l.heads.Remove(version.OpID{Peer: r.Peer, Counter: r.Counter - 1})
	}
	l.heads.Add(r.LastOpID())
}

// findRun returns the stored run containing the given op.
func (l *OpLog) findRun(id version.OpID) (*Run, bool) {
	rs := l.runs[id.Peer]
	i := sort.Search(len(rs), func(i int) bool {
		return rs[i].Counter > id.Counter
	})
	if i == 0 {
		return nil, false
	}
	r := rs[i-1]
	if !r.Span().Contains(id) {
		return nil, false
	}
	return r, true
}

// IDOf resolves the full ID (with Lamport timestamp) of a stored op.
func (l *OpLog) IDOf(id version.OpID) (version.ID, bool) {
	r, ok := l.findRun(id)
	if !ok {
		return version.ID{}, false
	}
	return r.IDAt(int(id.Counter - r.Counter)), true
}

// RunsSince produces every run not yet known to a peer at the given
// version vector, in an order such that dependencies of each run precede
// the run itself. The returned runs are sliced to the unknown portions.
func (l *OpLog) RunsSince(vv version.Vector) []*Run {
	var out []*Run

	for peer, rs := range l.runs {
		from := vv[peer]
		for _, r := range rs {
			span := r.Span()
			if span.End() <= from {
				continue
			}
			if r.Counter < from {
				r = r.Slice(int(from-r.Counter), r.Len())
			}
			out = append(out, r)
		}
	}

	// Lamport order is a linearization of causality: any run containing
	// a dependency starts at a smaller Lamport than its dependents.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Lamport != out[j].Lamport {
			return out[i].Lamport < out[j].Lamport
		}
		return out[i].Peer < out[j].Peer
	})

	return out
}

// AllRuns returns the complete history in dependency order.
func (l *OpLog) AllRuns() []*Run {
	return l.RunsSince(version.Vector{})
}

// RunsForContainer returns stored runs targeting the given container,
// ordered by (counter, peer) of their first op.
func (l *OpLog) RunsForContainer(c container.ID) []*Run {
	var out []*Run
	for k, r := range l.byContainer.Seek(containerKey{Container: c}) {
		if k.Container != c {
			break
		}
		out = append(out, r)
	}
	return out
}

// FrontierToVV computes the version vector of the causal past of a frontier:
// everything reachable from the heads through dependency edges.
func (l *OpLog) FrontierToVV(f version.Frontier) (version.Vector, error) {
	out := make(version.Vector)

	visited := colx.HashSet[*Run]{}
	stack := make([]version.OpID, 0, len(f))
	stack = append(stack, f...)

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		r, ok := l.findRun(id)
		if !ok {
			return nil, fmt.Errorf("frontier head %s not found in the log", id)
		}

		out.ExtendToInclude(version.IDSpan{Peer: id.Peer, Counter: r.Counter, Len: int64(id.Counter-r.Counter) + 1})

		if visited.Has(r) {
			continue
		}
		visited.Put(r)

		if r.Counter > 0 {
			stack = append(stack, version.OpID{Peer: r.Peer, Counter: r.Counter - 1})
		}
		stack = append(stack, r.Deps...)
	}

	return out, nil
}

// VVToFrontier computes the minimal frontier whose causal past is
// exactly the given version vector.
func (l *OpLog) VVToFrontier(vv version.Vector) (version.Frontier, error) {
	var candidates []version.OpID
	for peer, c := range vv {
		if c > 0 {
			candidates = append(candidates, version.OpID{Peer: peer, Counter: c - 1})
		}
	}

	// A candidate is redundant when it's in the causal past of another one.
	out := make([]version.OpID, 0, len(candidates))
	for _, cand := range candidates {
		redundant := false
		for _, other := range candidates {
			if other == cand {
				continue
			}
			pastVV, err := l.FrontierToVV(version.NewFrontier(other))
			if err != nil {
				return nil, err
			}
			if pastVV.Includes(cand) {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, cand)
		}
	}

	return version.NewFrontier(out...), nil
}

// CompareFrontiers returns the causal relation between two frontiers,
// defined via reachability in the dependency DAG. Two frontiers are
// Concurrent iff neither one's causal past contains the other's.
func (l *OpLog) CompareFrontiers(a, b version.Frontier) (version.Relation, error) {
	avv, err := l.FrontierToVV(a)
	if err != nil {
		return 0, err
	}
	bvv, err := l.FrontierToVV(b)
	if err != nil {
		return 0, err
	}
	return avv.Compare(bvv), nil
}

// MergeFrontiers merges two frontiers into one covering the union
// of their causal histories, reducing redundant heads.
func (l *OpLog) MergeFrontiers(a, b version.Frontier) (version.Frontier, error) {
	avv, err := l.FrontierToVV(a)
	if err != nil {
		return nil, err
	}
	bvv, err := l.FrontierToVV(b)
	if err != nil {
		return nil, err
	}
	avv.Merge(bvv)
	return l.VVToFrontier(avv)
}
