// Package unitdag keeps the in-memory map of all units of the DAG over the
// durable chain state. It owns unit existence and parent/child edges. All
// mutation of the graph and of consensus bookkeeping funnels through the
// single global write lock
package unitdag

import (
	"errors"
	"fmt"
	"time"

	"github.com/obylite/obylite/chainstate"
	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util"
	"github.com/obylite/obylite/util/sema"
	"github.com/obylite/obylite/util/set"
	"go.uber.org/atomic"
	"golang.org/x/exp/maps"
)

type (
	Environment interface {
		global.NodeGlobal
		StateStore() global.StateStore
		Identity() *ledger.IdentityData
		PostEventUnitAdded(id ledger.UnitID)
	}

	// UnitDAG is the global map of all in-memory vertices of the unit DAG.
	// Stable vertices whose bookkeeping is confirmed may be evicted by the
	// pruner; reads fall back to the durable chain state
	UnitDAG struct {
		Environment

		mutex     *sema.Sema // global write lock
		vertices  map[ledger.UnitID]*Vertex
		genesisID ledger.UnitID

		// unsettled units by author, for same-author conflict detection at
		// attach time. Entries are removed when the unit settles
		unsettledByAuthor map[ledger.Address][]*Vertex

		// generation stamp for the pruner: eviction is allowed only for
		// stable vertices at or below this MCI, so an entry a pending
		// bookkeeping consumer still needs is never dropped
		lastBookkeptMCI atomic.Uint32
	}
)

var (
	ErrDuplicateUnit  = errors.New("duplicate unit")
	ErrDanglingParent = errors.New("dangling parent")
	ErrUnitNotFound   = errors.New("unit not found")
)

const (
	Name     = "unitdag"
	TraceTag = Name
)

func New(env Environment, writeLockTimeout ...time.Duration) *UnitDAG {
	ret := &UnitDAG{
		Environment:       env,
		mutex:             sema.New(writeLockTimeout...),
		vertices:          make(map[ledger.UnitID]*Vertex),
		genesisID:         env.Identity().GenesisUnitID(),
		unsettledByAuthor: make(map[ledger.Address][]*Vertex),
	}
	// the origin must be committed to the durable state before the graph starts
	genesis := ret.loadVertexNoLock(ret.genesisID)
	env.Assertf(genesis != nil, "unitdag: no genesis unit %s in the state store", ret.genesisID.StringShort)
	return ret
}

func (d *UnitDAG) GenesisID() ledger.UnitID {
	return d.genesisID
}

func (d *UnitDAG) WithGlobalWriteLock(fun func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	fun()
}

func (d *UnitDAG) NumVertices() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return len(d.vertices)
}

// AddUnit attaches the unit to the graph and persists it. The caller (syncer)
// must have resolved all parent dependencies before; an unknown parent is
// rejected with ErrDanglingParent, not queued
func (d *UnitDAG) AddUnit(unit *ledger.Unit) (*Vertex, error) {
	id := unit.ID()

	var ret *Vertex
	var err error
	d.WithGlobalWriteLock(func() {
		ret, err = d.addUnitNoLock(id, unit)
	})
	if err != nil {
		return nil, err
	}
	d.PostEventUnitAdded(id)
	d.Tracef(TraceTag, "unit %s attached, level=%d, wl=%d", id.StringShort, ret.Level(), ret.WitnessedLevel())
	return ret, nil
}

func (d *UnitDAG) addUnitNoLock(id ledger.UnitID, unit *ledger.Unit) (*Vertex, error) {
	if d.getVertexNoLock(id) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUnit, id.StringShort())
	}
	if unit.IsGenesis() {
		// the only parentless unit is the genesis committed at state initialization
		return nil, fmt.Errorf("%w: second genesis %s rejected", ErrDuplicateUnit, id.StringShort())
	}

	parents := make([]*Vertex, len(unit.ParentIDs))
	for i, pid := range unit.ParentIDs {
		if parents[i] = d.getVertexNoLock(pid); parents[i] == nil {
			return nil, fmt.Errorf("%w: parent %s of unit %s is unknown", ErrDanglingParent, pid.StringShort(), id.StringShort())
		}
	}

	level := uint32(0)
	for _, p := range parents {
		if p.Level()+1 > level {
			level = p.Level() + 1
		}
	}
	best := bestOf(parents)

	witnesses := unit.Witnesses
	if len(witnesses) == 0 {
		witnesses = best.Witnesses()
	}

	ret := &Vertex{
		ID:            id,
		Unit:          unit,
		level:         level,
		witnesses:     witnesses,
		bestParentID:  best.ID,
		hasBestParent: true,
		sequence:      ledger.SequencePending,
		lastTouched:   time.Now(),
	}
	ret.witnessedLevel = d.computeWitnessedLevelNoLock(ret)
	if d.isNonSerialNoLock(ret) {
		ret.sequence = ledger.SequenceTempBad
	}

	// persist before exposing. Atomic batch: unit bytes and its meta together
	mut := chainstate.NewMutations().
		InsertAddUnitMutation(unit).
		InsertSetUnitMetaMutation(id, ret.Meta())
	chainstate.MustUpdate(d.StateStore(), mut)

	d.vertices[id] = ret
	d.indexUnsettledNoLock(ret)
	for _, p := range parents {
		p.addChild(ret)
	}
	return ret, nil
}

// isNonSerialNoLock true if the unit conflicts with another unit of one of its
// authors: an unsettled one, or the author's latest unit settled good, which it
// does not include. Such a unit is temp-bad until its own MCI stabilizes
func (d *UnitDAG) isNonSerialNoLock(v *Vertex) bool {
	for _, author := range v.Unit.Authors {
		for _, u := range d.unsettledByAuthor[author] {
			if !d.IncludesNoLock(u, v) {
				return true
			}
		}
		if lastGoodID, found := chainstate.FetchAuthorLastGood(d.StateStore(), author); found {
			if !d.IncludesNoLock(d.MustGetVertexNoLock(lastGoodID), v) {
				return true
			}
		}
	}
	return false
}

func (d *UnitDAG) indexUnsettledNoLock(v *Vertex) {
	for _, author := range v.Unit.Authors {
		d.unsettledByAuthor[author] = append(d.unsettledByAuthor[author], v)
	}
}

func (d *UnitDAG) unindexUnsettledNoLock(v *Vertex) {
	for _, author := range v.Unit.Authors {
		lst := d.unsettledByAuthor[author]
		for i, u := range lst {
			if u.ID == v.ID {
				lst[i] = lst[len(lst)-1]
				lst = lst[:len(lst)-1]
				break
			}
		}
		if len(lst) == 0 {
			delete(d.unsettledByAuthor, author)
		} else {
			d.unsettledByAuthor[author] = lst
		}
	}
}

// SettleNoLock marks the vertex stable with its final sequence and drops it
// from the unsettled-by-author index. For callers holding the global write lock
func (d *UnitDAG) SettleNoLock(v *Vertex, seq ledger.Sequence) {
	v.SetStable(seq)
	d.unindexUnsettledNoLock(v)
}

// GetVertex returns the vertex, reloading it from the durable state if it was
// evicted from memory. Returns ErrUnitNotFound if the unit does not exist at all
func (d *UnitDAG) GetVertex(id ledger.UnitID) (*Vertex, error) {
	d.mutex.RLock()
	ret, found := d.vertices[id]
	d.mutex.RUnlock()
	if found {
		ret.Touch()
		return ret, nil
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if ret = d.getVertexNoLock(id); ret == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, id.StringShort())
	}
	return ret, nil
}

// MustGetVertex the unit is known to exist, e.g. it is referenced by a descendant
func (d *UnitDAG) MustGetVertex(id ledger.UnitID) *Vertex {
	ret, err := d.GetVertex(id)
	d.AssertNoError(err)
	return ret
}

func (d *UnitDAG) getVertexNoLock(id ledger.UnitID) *Vertex {
	if ret, found := d.vertices[id]; found {
		ret.Touch()
		return ret
	}
	return d.loadVertexNoLock(id)
}

// loadVertexNoLock durable fallback for evicted stable units. A stable unit
// evicted from memory is never a fault, it is reloaded transparently together
// with its missing ancestry. Explicit stack, no recursion: the ancestry can be
// arbitrarily deep
func (d *UnitDAG) loadVertexNoLock(id ledger.UnitID) *Vertex {
	if !chainstate.HasUnit(d.StateStore(), id) {
		return nil
	}
	stack := []ledger.UnitID{id}
	for len(stack) > 0 {
		curID := stack[len(stack)-1]
		if _, found := d.vertices[curID]; found {
			stack = stack[:len(stack)-1]
			continue
		}
		unit := chainstate.FetchUnit(d.StateStore(), curID)
		util.Assertf(unit != nil, "unitdag: corrupted state, ancestor %s of the stored unit %s is missing",
			curID.StringShort, id.StringShort)

		// parents first
		allParentsLoaded := true
		for _, pid := range unit.ParentIDs {
			if _, found := d.vertices[pid]; !found {
				stack = append(stack, pid)
				allParentsLoaded = false
			}
		}
		if !allParentsLoaded {
			continue
		}
		d.makeLoadedVertexNoLock(curID, unit)
		stack = stack[:len(stack)-1]
	}
	return d.vertices[id]
}

func (d *UnitDAG) makeLoadedVertexNoLock(id ledger.UnitID, unit *ledger.Unit) {
	meta, ok := chainstate.FetchUnitMeta(d.StateStore(), id)
	util.Assertf(ok, "unitdag: unit %s has no meta record in the durable state", id.StringShort)

	ret := &Vertex{
		ID:             id,
		Unit:           unit,
		level:          meta.Level,
		witnessedLevel: meta.WitnessedLevel,
		witnesses:      unit.Witnesses,
		mci:            meta.MCI,
		hasMCI:         meta.HasMCI,
		onMainChain:    meta.OnMainChain,
		stable:         meta.Stable,
		sequence:       meta.Sequence,
		lastTouched:    time.Now(),
	}
	if !unit.IsGenesis() {
		parents := make([]*Vertex, len(unit.ParentIDs))
		for i, pid := range unit.ParentIDs {
			parents[i] = d.vertices[pid]
			util.Assertf(parents[i] != nil, "unitdag: parent %s expected to be loaded", pid.StringShort)
		}
		best := bestOf(parents)
		ret.bestParentID = best.ID
		ret.hasBestParent = true
		if len(ret.witnesses) == 0 {
			ret.witnesses = best.Witnesses()
		}
		for _, p := range parents {
			p.addChild(ret)
		}
	}
	d.vertices[id] = ret
	if !ret.stable {
		d.indexUnsettledNoLock(ret)
	}
	d.Tracef(TraceTag, "unit %s reloaded from the durable state", id.StringShort)
}

func bestOf(parents []*Vertex) *Vertex {
	util.Assertf(len(parents) > 0, "bestOf: no parents")
	ret := parents[0]
	for _, p := range parents[1:] {
		if LessWitnessedFirst(ret, p) {
			ret = p
		}
	}
	return ret
}

// LessWitnessedFirst true if v2 is a better candidate than v1: higher witnessed
// level wins, then lower level, then smaller hash. Total and deterministic
func LessWitnessedFirst(v1, v2 *Vertex) bool {
	if v1.WitnessedLevel() != v2.WitnessedLevel() {
		return v1.WitnessedLevel() < v2.WitnessedLevel()
	}
	if v1.Level() != v2.Level() {
		return v1.Level() > v2.Level()
	}
	return ledger.LessUnitID(v2.ID, v1.ID)
}

// computeWitnessedLevelNoLock walks the best parent chain down collecting
// distinct witness authors until the quorum is reached. The witnessed level is
// the level of the unit at which the quorum-th witness was collected
func (d *UnitDAG) computeWitnessedLevelNoLock(v *Vertex) uint32 {
	quorum := int(d.Identity().WitnessQuorum)
	isWitness := func(addr ledger.Address) bool {
		for i := range v.witnesses {
			if v.witnesses[i] == addr {
				return true
			}
		}
		return false
	}
	seen := set.New[ledger.Address]()
	for cur := v; ; {
		for _, a := range cur.Unit.Authors {
			if isWitness(a) && !seen.Contains(a) {
				seen.Insert(a)
				if len(seen) >= quorum {
					return cur.Level()
				}
			}
		}
		bpID, ok := cur.BestParentID()
		if !ok {
			return 0
		}
		cur = d.getVertexNoLock(bpID)
		util.Assertf(cur != nil, "computeWitnessedLevelNoLock: broken best parent chain")
	}
}

// IsAncestor DAG reachability: candidate is a strict ancestor of descendant.
// Upward walk over parent edges pruned by level: an ancestor of the descendant
// with level below the candidate can never lead to the candidate
func (d *UnitDAG) IsAncestor(candidate, descendant ledger.UnitID) (bool, error) {
	var ret bool
	var err error
	d.WithGlobalWriteLock(func() {
		ret, err = d.isAncestorByIDNoLock(candidate, descendant)
	})
	return ret, err
}

func (d *UnitDAG) isAncestorByIDNoLock(candidate, descendant ledger.UnitID) (bool, error) {
	candVertex := d.getVertexNoLock(candidate)
	if candVertex == nil {
		return false, fmt.Errorf("%w: %s", ErrUnitNotFound, candidate.StringShort())
	}
	descVertex := d.getVertexNoLock(descendant)
	if descVertex == nil {
		return false, fmt.Errorf("%w: %s", ErrUnitNotFound, descendant.StringShort())
	}
	return d.isAncestorNoLock(candVertex, descVertex), nil
}

func (d *UnitDAG) isAncestorNoLock(candidate, descendant *Vertex) bool {
	if candidate.ID == descendant.ID {
		return false
	}
	levelFloor := candidate.Level()
	visited := set.New[ledger.UnitID]()
	queue := []*Vertex{descendant}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, pid := range cur.Unit.ParentIDs {
			if pid == candidate.ID {
				return true
			}
			if visited.Contains(pid) {
				continue
			}
			visited.Insert(pid)
			p := d.getVertexNoLock(pid)
			util.Assertf(p != nil, "isAncestorNoLock: ancestor %s of %s is missing", pid.StringShort, cur.IDShortString)
			if p.Level() <= levelFloor {
				// too deep, the candidate cannot be above this one
				continue
			}
			queue = append(queue, p)
		}
	}
	return false
}

// IncludesNoLock non-strict inclusion, a unit includes itself. For callers
// already holding the global write lock
func (d *UnitDAG) IncludesNoLock(candidate, descendant *Vertex) bool {
	return candidate.ID == descendant.ID || d.isAncestorNoLock(candidate, descendant)
}

// FreeUnits childless units, the current tips of the DAG. Unstable tips take
// precedence: a stable vertex reloaded from the durable state has no child
// links in memory and must not shadow the live tips
func (d *UnitDAG) FreeUnits() []*Vertex {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	tips := util.ValuesFiltered(d.vertices, func(v *Vertex) bool {
		return v.NumChildren() == 0
	})
	unstable := make([]*Vertex, 0, len(tips))
	for _, v := range tips {
		if !v.IsStable() {
			unstable = append(unstable, v)
		}
	}
	if len(unstable) > 0 {
		return unstable
	}
	return tips
}

// UnitsWithMCI all in-memory units assigned the given MCI
func (d *UnitDAG) UnitsWithMCI(mci uint32) []*Vertex {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return util.ValuesFiltered(d.vertices, func(v *Vertex) bool {
		vMCI, has := v.GetMCI()
		return has && vMCI == mci
	})
}

// UnitsWithMCINoLock for callers already holding the global write lock
func (d *UnitDAG) UnitsWithMCINoLock(mci uint32) []*Vertex {
	return util.ValuesFiltered(d.vertices, func(v *Vertex) bool {
		vMCI, has := v.GetMCI()
		return has && vMCI == mci
	})
}

// Vertices snapshot of the in-memory vertex set
func (d *UnitDAG) Vertices() []*Vertex {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return maps.Values(d.vertices)
}

// VerticesNoLock for callers already holding the global write lock
func (d *UnitDAG) VerticesNoLock() []*Vertex {
	return maps.Values(d.vertices)
}

// GetVertexNoLock for callers already holding the global write lock. Returns
// nil when the unit is unknown both in memory and in the durable state
func (d *UnitDAG) GetVertexNoLock(id ledger.UnitID) *Vertex {
	return d.getVertexNoLock(id)
}

// MustGetVertexNoLock for callers already holding the global write lock
func (d *UnitDAG) MustGetVertexNoLock(id ledger.UnitID) *Vertex {
	ret := d.getVertexNoLock(id)
	util.Assertf(ret != nil, "MustGetVertexNoLock: unit %s not found", id.StringShort)
	return ret
}

// BestParentChainNoLock the walk from the tip down to genesis along best
// parents, returned in chain order genesis..tip
func (d *UnitDAG) BestParentChainNoLock(tip *Vertex) []*Vertex {
	ret := make([]*Vertex, 0, tip.Level()+1)
	for cur := tip; ; {
		ret = append(ret, cur)
		bpID, ok := cur.BestParentID()
		if !ok {
			break
		}
		cur = d.MustGetVertexNoLock(bpID)
	}
	// reverse into genesis..tip order
	for i, j := 0, len(ret)-1; i < j; i, j = i+1, j-1 {
		ret[i], ret[j] = ret[j], ret[i]
	}
	return ret
}

// EvidenceBookkeptMCI moves the pruner generation stamp forward
func (d *UnitDAG) EvidenceBookkeptMCI(mci uint32) {
	for {
		old := d.lastBookkeptMCI.Load()
		if old >= mci || d.lastBookkeptMCI.CompareAndSwap(old, mci) {
			return
		}
	}
}

func (d *UnitDAG) LastBookkeptMCI() uint32 {
	return d.lastBookkeptMCI.Load()
}

// PurgeDeletedVertices with global write lock
func (d *UnitDAG) PurgeDeletedVertices(deleted []*Vertex) {
	d.WithGlobalWriteLock(func() {
		for _, v := range deleted {
			delete(d.vertices, v.ID)
			d.unindexUnsettledNoLock(v)
		}
	})
}
