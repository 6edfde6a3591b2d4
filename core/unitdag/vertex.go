package unitdag

import (
	"fmt"
	"sync"
	"time"

	"github.com/obylite/obylite/chainstate"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util"
)

// Vertex is the in-memory representation of one unit together with its
// consensus bookkeeping. The unit value is immutable; bookkeeping fields are
// mutated only by the holder of the global write lock and are guarded by the
// vertex mutex for concurrent readers
type Vertex struct {
	ID   ledger.UnitID
	Unit *ledger.Unit

	mutex sync.RWMutex

	// derived at attach time, immutable afterwards
	level          uint32
	witnessedLevel uint32
	witnesses      []ledger.Address // effective witness list, inherited if not declared
	bestParentID   ledger.UnitID
	hasBestParent  bool // false only for genesis

	// consensus bookkeeping
	mci         uint32
	hasMCI      bool
	onMainChain bool
	stable      bool
	sequence    ledger.Sequence

	// maintained by the graph under the global write lock
	children []*Vertex

	lastTouched time.Time
}

func (v *Vertex) Level() uint32 {
	return v.level
}

func (v *Vertex) WitnessedLevel() uint32 {
	return v.witnessedLevel
}

// Witnesses effective witness list of the vertex
func (v *Vertex) Witnesses() []ledger.Address {
	return v.witnesses
}

// BestParentID the parent maximizing witnessed level, ties broken by lower
// level, then by smaller unit hash. Second value is false for genesis
func (v *Vertex) BestParentID() (ledger.UnitID, bool) {
	return v.bestParentID, v.hasBestParent
}

// Children in-memory children, maintained by the graph under the global write lock
func (v *Vertex) Children() []*Vertex {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	ret := make([]*Vertex, len(v.children))
	copy(ret, v.children)
	return ret
}

func (v *Vertex) NumChildren() int {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	return len(v.children)
}

func (v *Vertex) addChild(child *Vertex) {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	for _, c := range v.children {
		if c.ID == child.ID {
			return
		}
	}
	v.children = append(v.children, child)
}

func (v *Vertex) GetMCI() (uint32, bool) {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	return v.mci, v.hasMCI
}

func (v *Vertex) IsOnMainChain() bool {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	return v.onMainChain
}

func (v *Vertex) IsStable() bool {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	return v.stable
}

func (v *Vertex) GetSequence() ledger.Sequence {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	return v.sequence
}

// SetMCI assign or re-assign the main chain index. Re-assignment of a stable
// MCI is a hard inconsistency: once an MCI stabilizes it never changes
func (v *Vertex) SetMCI(mci uint32, onMainChain bool) {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	util.Assertf(!v.stable || (v.mci == mci && v.onMainChain == onMainChain),
		"SetMCI: attempt to change MCI of the stable unit %s", v.ID.StringShort)
	v.mci = mci
	v.hasMCI = true
	v.onMainChain = onMainChain
}

// ClearMCI detaches the unit from the tentative ordering when it fell off the
// recomputed main chain view. Not allowed for stable units
func (v *Vertex) ClearMCI() {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	util.Assertf(!v.stable, "ClearMCI: attempt to clear MCI of the stable unit %s", v.ID.StringShort)
	v.hasMCI = false
	v.onMainChain = false
}

// SetStable monotonic false -> true, never back
func (v *Vertex) SetStable(seq ledger.Sequence) {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	util.Assertf(v.hasMCI, "SetStable: unit %s has no MCI", v.ID.StringShort)
	util.Assertf(seq == ledger.SequenceGood || seq == ledger.SequenceFinalBad,
		"SetStable: final sequence expected, got %s", seq)
	util.Assertf(!v.stable || v.sequence == seq,
		"SetStable: attempt to change settled sequence of %s", v.ID.StringShort)
	v.stable = true
	v.sequence = seq
}

func (v *Vertex) Meta() chainstate.UnitMeta {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	return chainstate.UnitMeta{
		Level:          v.level,
		WitnessedLevel: v.witnessedLevel,
		MCI:            v.mci,
		HasMCI:         v.hasMCI,
		OnMainChain:    v.onMainChain,
		Stable:         v.stable,
		Sequence:       v.sequence,
	}
}

func (v *Vertex) Touch() {
	v.mutex.Lock()
	v.lastTouched = time.Now()
	v.mutex.Unlock()
}

func (v *Vertex) TouchedBefore(t time.Time) bool {
	v.mutex.RLock()
	defer v.mutex.RUnlock()

	return v.lastTouched.Before(t)
}

func (v *Vertex) IDShortString() string {
	return v.ID.StringShort()
}

func (v *Vertex) String() string {
	mci, hasMCI := v.GetMCI()
	mciStr := "-"
	if hasMCI {
		mciStr = fmt.Sprintf("%d", mci)
	}
	return fmt.Sprintf("%s level=%d wl=%d mci=%s onMC=%v stable=%v seq=%s",
		v.ID.StringShort(), v.level, v.witnessedLevel, mciStr, v.IsOnMainChain(), v.IsStable(), v.GetSequence())
}

// LessChainOrder the deterministic order all nodes resolve ties by:
// lower MCI first, then lower level, then smaller unit hash.
// Units without MCI sort after all ordered ones
func LessChainOrder(v1, v2 *Vertex) bool {
	mci1, has1 := v1.GetMCI()
	mci2, has2 := v2.GetMCI()
	switch {
	case has1 && !has2:
		return true
	case !has1 && has2:
		return false
	case has1 && has2 && mci1 != mci2:
		return mci1 < mci2
	}
	if v1.level != v2.level {
		return v1.level < v2.level
	}
	return ledger.LessUnitID(v1.ID, v2.ID)
}
