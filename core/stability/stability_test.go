package stability

import (
	"testing"

	"github.com/lunfardo314/unitrie/common"
	"github.com/obylite/obylite/chainstate"
	"github.com/obylite/obylite/core/mainchain"
	"github.com/obylite/obylite/core/unitdag"
	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util/testutil"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	*global.Global
	store    global.StateStore
	identity *ledger.IdentityData

	stabilized         []uint32
	bookkeepingTrigger []uint32
}

func (e *testEnv) StateStore() global.StateStore {
	return e.store
}

func (e *testEnv) Identity() *ledger.IdentityData {
	return e.identity
}

func (e *testEnv) PostEventUnitAdded(_ ledger.UnitID) {}

func (e *testEnv) PostEventMCIStabilized(mci uint32) {
	e.stabilized = append(e.stabilized, mci)
}

func (e *testEnv) TriggerBookkeeping(mci uint32) {
	e.bookkeepingTrigger = append(e.bookkeepingTrigger, mci)
}

func testAddr(idx int) ledger.Address {
	return ledger.Address(testutil.DeterministicSeed32(idx))
}

func newTestAdvancer(t *testing.T) (*testEnv, *unitdag.UnitDAG, *mainchain.Selector, *Advancer) {
	witnesses := []ledger.Address{testAddr(1), testAddr(2), testAddr(3)}
	env := &testEnv{
		Global:   global.NewDefault(),
		store:    common.NewInMemoryKVStore(),
		identity: ledger.NewIdentityData("stability test", 1700000000, witnesses), // quorum 2
	}
	chainstate.InitChainState(env.store, env.identity)
	d := unitdag.New(env)
	s := mainchain.NewSelector(env, d)
	a := NewAdvancer(env, d, 0)
	t.Cleanup(func() {
		env.Stop()
		env.WaitAllWorkProcessesStop()
	})
	return env, d, s, a
}

func mustAdd(t *testing.T, d *unitdag.UnitDAG, parents []ledger.UnitID, witnessIdx int, payload string) *unitdag.Vertex {
	u := ledger.NewUnit(parents, []ledger.Address{testAddr(witnessIdx)}, nil, []byte(payload))
	v, err := d.AddUnit(u)
	require.NoError(t, err)
	return v
}

// drives advanceOne until the frontier stops moving, checking that one lock
// acquisition never advances by more than one MCI and that the lock is free
// in between
func advanceAll(t *testing.T, d *unitdag.UnitDAG, a *Advancer) {
	for {
		before := a.Frontier()
		mci, ok, err := a.advanceOne()
		require.NoError(t, err)
		if !ok {
			return
		}
		require.EqualValues(t, before+1, mci)
		require.EqualValues(t, before+1, a.Frontier())

		locked := false
		d.WithGlobalWriteLock(func() {
			locked = true
		})
		require.True(t, locked)
	}
}

// genesis plus three witness units each extending the chain by one level,
// quorum 2: two witnesses authored units above mci=1, so it stabilizes,
// mci=2 stays pending
func TestWitnessQuorumScenario(t *testing.T) {
	env, d, s, a := newTestAdvancer(t)

	u1 := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 1, "u1")
	u2 := mustAdd(t, d, []ledger.UnitID{u1.ID}, 2, "u2")
	u3 := mustAdd(t, d, []ledger.UnitID{u2.ID}, 3, "u3")

	_, err := s.RecomputeFrom(u3.ID)
	require.NoError(t, err)

	advanceAll(t, d, a)
	require.EqualValues(t, 1, a.Frontier())
	require.True(t, d.MustGetVertex(u1.ID).IsStable())
	require.False(t, d.MustGetVertex(u2.ID).IsStable())
	require.EqualValues(t, []uint32{1}, env.stabilized)
	require.EqualValues(t, []uint32{1}, env.bookkeepingTrigger)

	// one more witness unit on top moves the frontier by one more
	u4 := mustAdd(t, d, []ledger.UnitID{u3.ID}, 1, "u4")
	_, err = s.RecomputeFrom(u4.ID)
	require.NoError(t, err)
	advanceAll(t, d, a)
	require.EqualValues(t, 2, a.Frontier())
	require.EqualValues(t, []uint32{1, 2}, env.stabilized)
}

// two units of the same author, neither including the other, land at the same
// MCI: exactly one is good, the other final-bad, by chain order
func TestNonSerialResolution(t *testing.T) {
	_, d, s, a := newTestAdvancer(t)

	conflictA := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 9, "conflict a")
	conflictB := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 9, "conflict b")

	// detected on attach already: the later unit is temp-bad until its MCI
	// stabilizes and the conflict settles
	require.EqualValues(t, ledger.SequencePending, conflictA.GetSequence())
	require.EqualValues(t, ledger.SequenceTempBad, conflictB.GetSequence())

	// a witness backbone: c1 has a higher witnessed level than the conflicting
	// pair, so it is the best parent of m1 and both conflicting units fall off
	// the chain and get the MCI of m1, their first includer
	c0 := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 1, "c0")
	c1 := mustAdd(t, d, []ledger.UnitID{c0.ID}, 2, "c1")
	m1 := mustAdd(t, d, []ledger.UnitID{c1.ID, conflictA.ID, conflictB.ID}, 3, "m1")
	m2 := mustAdd(t, d, []ledger.UnitID{m1.ID}, 1, "m2")
	m3 := mustAdd(t, d, []ledger.UnitID{m2.ID}, 2, "m3")

	_, err := s.RecomputeFrom(m3.ID)
	require.NoError(t, err)

	mciA, hasA := d.MustGetVertex(conflictA.ID).GetMCI()
	mciB, hasB := d.MustGetVertex(conflictB.ID).GetMCI()
	require.True(t, hasA && hasB)
	require.EqualValues(t, 3, mciA)
	require.EqualValues(t, 3, mciB)

	advanceAll(t, d, a)
	require.EqualValues(t, 3, a.Frontier())

	vA := d.MustGetVertex(conflictA.ID)
	vB := d.MustGetVertex(conflictB.ID)
	require.True(t, vA.IsStable() && vB.IsStable())

	seqs := []ledger.Sequence{vA.GetSequence(), vB.GetSequence()}
	require.Contains(t, seqs, ledger.SequenceGood)
	require.Contains(t, seqs, ledger.SequenceFinalBad)
	// the winner is the smaller hash, both being at the same MCI and level
	if ledger.LessUnitID(vA.ID, vB.ID) {
		require.EqualValues(t, ledger.SequenceGood, vA.GetSequence())
	} else {
		require.EqualValues(t, ledger.SequenceGood, vB.GetSequence())
	}
	// the chain unit at the same MCI is untouched by the resolution
	require.EqualValues(t, ledger.SequenceGood, d.MustGetVertex(m1.ID).GetSequence())
}

// a unit conflicting with its author's unit already settled good at an
// earlier MCI becomes final-bad when its own MCI stabilizes, however far
// apart the two indices are
func TestNonSerialAcrossMCIs(t *testing.T) {
	_, d, s, a := newTestAdvancer(t)

	a1 := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 9, "a1")
	c0 := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 1, "c0")
	c1 := mustAdd(t, d, []ledger.UnitID{c0.ID}, 2, "c1")
	m1 := mustAdd(t, d, []ledger.UnitID{c1.ID, a1.ID}, 3, "m1")
	m2 := mustAdd(t, d, []ledger.UnitID{m1.ID}, 1, "m2")
	m3 := mustAdd(t, d, []ledger.UnitID{m2.ID}, 2, "m3")

	_, err := s.RecomputeFrom(m3.ID)
	require.NoError(t, err)
	advanceAll(t, d, a)
	require.EqualValues(t, 3, a.Frontier())
	require.True(t, d.MustGetVertex(a1.ID).IsStable())
	require.EqualValues(t, ledger.SequenceGood, d.MustGetVertex(a1.ID).GetSequence())

	// the same author forks off the genesis, not including a1
	b1 := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 9, "b1")
	require.EqualValues(t, ledger.SequenceTempBad, b1.GetSequence())

	m4 := mustAdd(t, d, []ledger.UnitID{m3.ID, b1.ID}, 3, "m4")
	m5 := mustAdd(t, d, []ledger.UnitID{m4.ID}, 1, "m5")
	m6 := mustAdd(t, d, []ledger.UnitID{m5.ID}, 2, "m6")
	_, err = s.RecomputeFrom(m6.ID)
	require.NoError(t, err)
	advanceAll(t, d, a)
	require.EqualValues(t, 6, a.Frontier())

	vB := d.MustGetVertex(b1.ID)
	require.True(t, vB.IsStable())
	require.EqualValues(t, ledger.SequenceFinalBad, vB.GetSequence())
	require.EqualValues(t, ledger.SequenceGood, d.MustGetVertex(a1.ID).GetSequence())
	require.EqualValues(t, ledger.SequenceGood, d.MustGetVertex(m4.ID).GetSequence())
}

// serial units of the same author at the same MCI both stay good
func TestSerialSameAuthor(t *testing.T) {
	_, d, s, a := newTestAdvancer(t)

	serial1 := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 9, "serial 1")
	serial2 := mustAdd(t, d, []ledger.UnitID{serial1.ID}, 9, "serial 2")

	c0 := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 1, "c0")
	c1 := mustAdd(t, d, []ledger.UnitID{c0.ID}, 2, "c1")
	m1 := mustAdd(t, d, []ledger.UnitID{c1.ID, serial2.ID}, 3, "m1")
	m2 := mustAdd(t, d, []ledger.UnitID{m1.ID}, 1, "m2")
	m3 := mustAdd(t, d, []ledger.UnitID{m2.ID}, 2, "m3")

	_, err := s.RecomputeFrom(m3.ID)
	require.NoError(t, err)
	advanceAll(t, d, a)
	require.EqualValues(t, 3, a.Frontier())

	require.EqualValues(t, ledger.SequenceGood, d.MustGetVertex(serial1.ID).GetSequence())
	require.EqualValues(t, ledger.SequenceGood, d.MustGetVertex(serial2.ID).GetSequence())
}

func TestFrontierMonotone(t *testing.T) {
	_, d, s, a := newTestAdvancer(t)

	prev := a.Frontier()
	tip := d.GenesisID()
	for i := 0; i < 12; i++ {
		tip = mustAdd(t, d, []ledger.UnitID{tip}, i%3+1, "unit").ID
		_, err := s.RecomputeFrom(tip)
		require.NoError(t, err)
		_, _, err = a.advanceOne()
		require.NoError(t, err)
		require.True(t, a.Frontier() >= prev)
		prev = a.Frontier()
	}
	advanceAll(t, d, a)
	require.True(t, a.Frontier() >= prev)
}

func TestStalledAdvance(t *testing.T) {
	_, d, s, a := newTestAdvancer(t)

	u1 := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 1, "u1")
	u2 := mustAdd(t, d, []ledger.UnitID{u1.ID}, 2, "u2")
	u3 := mustAdd(t, d, []ledger.UnitID{u2.ID}, 3, "u3")
	_, err := s.RecomputeFrom(u3.ID)
	require.NoError(t, err)

	// wipe the pending chain unit both from memory and from the durable
	// state: the advance must abort cleanly, not block or crash
	d.PurgeDeletedVertices([]*unitdag.Vertex{u1})
	batch := a.StateStore().BatchedWriter()
	batch.Set(common.Concat([]byte{chainstate.PartitionUnits}, u1.ID[:]), nil)
	err = batch.Commit()
	require.NoError(t, err)

	_, ok, err := a.advanceOne()
	require.ErrorIs(t, err, ErrStalledAdvance)
	require.False(t, ok)
	require.EqualValues(t, 0, a.Frontier())
}

func TestIsStableInView(t *testing.T) {
	_, d, s, a := newTestAdvancer(t)

	u1 := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 1, "u1")
	u2 := mustAdd(t, d, []ledger.UnitID{u1.ID}, 2, "u2")
	u3 := mustAdd(t, d, []ledger.UnitID{u2.ID}, 3, "u3")
	fork := mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, 9, "fork")

	_, err := s.RecomputeFrom(u3.ID)
	require.NoError(t, err)
	advanceAll(t, d, a)
	require.EqualValues(t, 1, a.Frontier())

	// in view of the tip mci=1 is witnessed
	stable, err := a.IsStableInView(1, []ledger.UnitID{u3.ID})
	require.NoError(t, err)
	require.True(t, stable)

	// mci=2 is not witnessed even in view of the tip
	stable, err = a.IsStableInView(2, []ledger.UnitID{u3.ID})
	require.NoError(t, err)
	require.False(t, stable)

	// a unit hanging off the genesis does not see the chain at all: in its
	// view nothing above the genesis is stable, whatever the local frontier says
	stable, err = a.IsStableInView(1, []ledger.UnitID{fork.ID})
	require.NoError(t, err)
	require.False(t, stable)
}
