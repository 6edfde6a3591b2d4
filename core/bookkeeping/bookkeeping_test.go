package bookkeeping

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
}

func (e *testEnv) StateStore() global.StateStore {
	return e.store
}

func (e *testEnv) Identity() *ledger.IdentityData {
	return e.identity
}

func (e *testEnv) PostEventUnitAdded(_ ledger.UnitID) {}

func testAddr(idx int) ledger.Address {
	return ledger.Address(testutil.DeterministicSeed32(idx))
}

func newTestBookkeeper(t *testing.T) (*testEnv, *unitdag.UnitDAG, *mainchain.Selector, *Bookkeeper) {
	witnesses := []ledger.Address{testAddr(1), testAddr(2), testAddr(3)}
	env := &testEnv{
		Global:   global.NewDefault(),
		store:    common.NewInMemoryKVStore(),
		identity: ledger.NewIdentityData("bookkeeping test", 1700000000, witnesses),
	}
	chainstate.InitChainState(env.store, env.identity)
	d := unitdag.New(env)
	s := mainchain.NewSelector(env, d)
	b := New(env, d)
	t.Cleanup(func() {
		env.Stop()
		env.WaitAllWorkProcessesStop()
	})
	return env, d, s, b
}

func mustAdd(t *testing.T, d *unitdag.UnitDAG, parents []ledger.UnitID, author ledger.Address, payload string) *unitdag.Vertex {
	u := ledger.NewUnit(parents, []ledger.Address{author}, nil, []byte(payload))
	v, err := d.AddUnit(u)
	require.NoError(t, err)
	return v
}

// flips stability directly, as the advancer would, with the given sequence
// for the selected units and good for the rest
func stabilizeUpTo(t *testing.T, env *testEnv, d *unitdag.UnitDAG, frontier uint32, finalBad ...ledger.UnitID) {
	isFinalBad := func(id ledger.UnitID) bool {
		for _, fb := range finalBad {
			if fb == id {
				return true
			}
		}
		return false
	}
	mut := chainstate.NewMutations()
	for mci := uint32(1); mci <= frontier; mci++ {
		for _, v := range d.UnitsWithMCI(mci) {
			seq := ledger.SequenceGood
			if isFinalBad(v.ID) {
				seq = ledger.SequenceFinalBad
			}
			v.SetStable(seq)
			mut.InsertSetUnitMetaMutation(v.ID, v.Meta())
		}
	}
	mut.InsertSetFrontierMutation(frontier)
	chainstate.MustUpdate(env.store, mut)
}

// the DAG under test:
//
//	g(0) <- x1(1) <- x2(2) <- x3(3)   the main chain, witness authored
//	        x1   <- y2(2)             off-chain includer of x1, picked up by x2
func buildTestDAG(t *testing.T, d *unitdag.UnitDAG, s *mainchain.Selector) (x1, x2, x3, y2 *unitdag.Vertex) {
	x1 = mustAdd(t, d, []ledger.UnitID{d.GenesisID()}, testAddr(1), "x1")
	y2 = mustAdd(t, d, []ledger.UnitID{x1.ID}, testAddr(9), "y2")
	x2 = mustAdd(t, d, []ledger.UnitID{x1.ID, y2.ID}, testAddr(2), "x2")
	x3 = mustAdd(t, d, []ledger.UnitID{x2.ID}, testAddr(3), "x3")

	_, err := s.RecomputeFrom(x3.ID)
	require.NoError(t, err)

	mci, has := y2.GetMCI()
	require.True(t, has)
	require.EqualValues(t, 2, mci)
	return
}

func TestComputeCommissions(t *testing.T) {
	env, d, s, b := newTestBookkeeper(t)
	x1, x2, _, y2 := buildTestDAG(t, d, s)
	stabilizeUpTo(t, env, d, 2)

	t.Run("not settled yet", func(t *testing.T) {
		require.Error(t, b.ComputeCommissions(2))
	})
	t.Run("single includer takes all", func(t *testing.T) {
		require.NoError(t, b.ComputeCommissions(0))

		genesis := d.MustGetVertex(d.GenesisID()).Unit
		commission := genesis.HeadersCommission() + genesis.PayloadCommission()
		byAddr := chainstate.FetchCommissions(env.store, 0)
		require.EqualValues(t, 1, len(byAddr))
		require.EqualValues(t, commission, byAddr[x1.Unit.Authors[0]])
	})
	t.Run("split with remainder to the earliest", func(t *testing.T) {
		require.NoError(t, b.ComputeCommissions(1))

		commission := x1.Unit.HeadersCommission() + x1.Unit.PayloadCommission()
		share := commission / 2
		byAddr := chainstate.FetchCommissions(env.store, 1)
		require.EqualValues(t, 2, len(byAddr))
		// y2 is at a lower level than x2, so it is earlier in chain order
		// and takes the remainder
		require.EqualValues(t, share+commission%2, byAddr[y2.Unit.Authors[0]])
		require.EqualValues(t, share, byAddr[x2.Unit.Authors[0]])
	})
	t.Run("idempotent", func(t *testing.T) {
		before := chainstate.FetchCommissions(env.store, 1)
		require.NoError(t, b.ComputeCommissions(1))
		require.EqualValues(t, before, chainstate.FetchCommissions(env.store, 1))
	})
}

func TestFinalBadExcluded(t *testing.T) {
	env, d, s, b := newTestBookkeeper(t)
	x1, x2, _, y2 := buildTestDAG(t, d, s)
	stabilizeUpTo(t, env, d, 2, y2.ID)

	require.NoError(t, b.ComputeCommissions(1))

	commission := x1.Unit.HeadersCommission() + x1.Unit.PayloadCommission()
	byAddr := chainstate.FetchCommissions(env.store, 1)
	require.EqualValues(t, 1, len(byAddr))
	require.EqualValues(t, commission, byAddr[x2.Unit.Authors[0]])
	require.EqualValues(t, 0, byAddr[y2.Unit.Authors[0]])
}

func TestGetSequence(t *testing.T) {
	env, d, s, b := newTestBookkeeper(t)
	x1, _, x3, y2 := buildTestDAG(t, d, s)
	stabilizeUpTo(t, env, d, 2, y2.ID)

	seq, err := b.GetSequence(x1.ID)
	require.NoError(t, err)
	require.EqualValues(t, ledger.SequenceGood, seq)

	seq, err = b.GetSequence(y2.ID)
	require.NoError(t, err)
	require.EqualValues(t, ledger.SequenceFinalBad, seq)

	seq, err = b.GetSequence(x3.ID)
	require.NoError(t, err)
	require.EqualValues(t, ledger.SequencePending, seq)

	_, err = b.GetSequence(ledger.RandomUnitID())
	require.ErrorIs(t, err, ErrBookkeepingDataMissing)
}

// a crash can settle the frontier without the commission records for the
// indices below it ever being computed; the startup sweep catches up
func TestBackfill(t *testing.T) {
	env, d, s, b := newTestBookkeeper(t)
	buildTestDAG(t, d, s)
	stabilizeUpTo(t, env, d, 2)

	require.EqualValues(t, 0, len(chainstate.FetchCommissions(env.store, 0)))
	require.NoError(t, b.Backfill())
	require.True(t, len(chainstate.FetchCommissions(env.store, 0)) > 0)
	require.True(t, len(chainstate.FetchCommissions(env.store, 1)) > 0)
	require.True(t, d.LastBookkeptMCI() >= 1)

	// a second sweep changes nothing
	before := chainstate.FetchCommissions(env.store, 1)
	require.NoError(t, b.Backfill())
	require.EqualValues(t, before, chainstate.FetchCommissions(env.store, 1))
}

// a stable unit evicted from memory is transparently reloaded from the
// durable state by the commission computation
func TestDurableFallback(t *testing.T) {
	env, d, s, b := newTestBookkeeper(t)
	x1, x2, _, y2 := buildTestDAG(t, d, s)
	stabilizeUpTo(t, env, d, 2)

	d.PurgeDeletedVertices([]*unitdag.Vertex{x1, x2, y2})
	require.NoError(t, b.ComputeCommissions(1))

	byAddr := chainstate.FetchCommissions(env.store, 1)
	require.EqualValues(t, 2, len(byAddr))
}
