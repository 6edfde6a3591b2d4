// Package bookkeeping computes and persists the records which only become
// valid once stability is established: commission payouts and the final
// sequence of units. It reads stability, never mutates it.
package bookkeeping

import (
	"errors"
	"fmt"
	"sort"

	"github.com/obylite/obylite/chainstate"
	"github.com/obylite/obylite/core/unitdag"
	"github.com/obylite/obylite/core/work_process"
	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	Environment interface {
		global.NodeGlobal
		StateStore() global.StateStore
	}

	Bookkeeper struct {
		*work_process.WorkProcess[uint32]
		Environment
		dag *unitdag.UnitDAG

		commissionCounter prometheus.Counter
	}
)

// ErrBookkeepingDataMissing a unit required for commission computation is
// gone both from memory and from the durable state. Escalated, never skipped:
// silently dropping it would produce wrong commission amounts
var ErrBookkeepingDataMissing = errors.New("bookkeeping data missing")

const (
	Name     = "bookkeeping"
	TraceTag = Name
)

func New(env Environment, dag *unitdag.UnitDAG) *Bookkeeper {
	ret := &Bookkeeper{
		Environment: env,
		dag:         dag,
	}
	ret.commissionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "obylite_bookkeeping_commissions_total",
		Help: "total commission amount distributed since start",
	})
	env.MetricsRegistry().MustRegister(ret.commissionCounter)
	ret.WorkProcess = work_process.New[uint32](env, Name, ret.consume)
	ret.WorkProcess.Start()
	return ret
}

// Backfill settles commission records missed by a crash between a frontier
// advance and the bookkeeping consume: sweeps every index below the frontier
// without a commission record. Called once at startup, before live triggers
func (b *Bookkeeper) Backfill() error {
	frontier, found := chainstate.FetchStabilityFrontier(b.StateStore())
	if !found || frontier == 0 {
		return nil
	}
	for mci := uint32(0); mci < frontier; mci++ {
		if len(chainstate.FetchCommissions(b.StateStore(), mci)) == 0 {
			if err := b.ComputeCommissions(mci); err != nil {
				return err
			}
		}
		b.dag.EvidenceBookkeptMCI(mci)
	}
	return nil
}

// consume receives the just stabilized index. Commissions for an index are
// computed one step behind the frontier: only then the includers at the next
// index are settled
func (b *Bookkeeper) consume(stabilizedMCI uint32) {
	if stabilizedMCI == 0 {
		return
	}
	mci := stabilizedMCI - 1
	if err := b.ComputeCommissions(mci); err != nil {
		if errors.Is(err, ErrBookkeepingDataMissing) {
			// corrupted or incomplete state, amounts cannot be trusted anymore
			b.Log().Fatalf("[%s] %v", Name, err)
		}
		b.Log().Errorf("[%s] commissions for mci=%d failed: %v", Name, mci, err)
		return
	}
	b.dag.EvidenceBookkeptMCI(mci)
}

// ComputeCommissions distributes the commission of every good unit at the
// index among the good units at the next index which list it as a parent,
// equally, remainder to the earliest includer in chain order. Credited to the
// includer's first author. Pure function of stable data at mci and mci+1,
// idempotent, reads nothing beyond mci+1
func (b *Bookkeeper) ComputeCommissions(mci uint32) error {
	frontier, _ := chainstate.FetchStabilityFrontier(b.StateStore())
	if frontier < mci+1 {
		return fmt.Errorf("commissions for mci=%d requested, but the frontier is %d", mci, frontier)
	}
	if len(chainstate.FetchCommissions(b.StateStore(), mci)) > 0 {
		b.Tracef(TraceTag, "commissions for mci=%d already computed", mci)
		return nil
	}

	// loading the main chain unit at mci+1 pulls every unit assigned mci or
	// mci+1 back into memory: each one is its ancestor
	nextID, found := chainstate.FetchMainChainUnitID(b.StateStore(), mci+1)
	if !found {
		return fmt.Errorf("%w: no main chain unit at mci=%d", ErrBookkeepingDataMissing, mci+1)
	}
	if _, err := b.dag.GetVertex(nextID); err != nil {
		return fmt.Errorf("%w: main chain unit %s at mci=%d: %v",
			ErrBookkeepingDataMissing, nextID.StringShort(), mci+1, err)
	}

	paid := goodStableUnits(b.dag.UnitsWithMCI(mci))
	includerPool := goodStableUnits(b.dag.UnitsWithMCI(mci + 1))

	total := make(map[ledger.Address]uint64)
	var distributed uint64
	for _, u := range paid {
		includers := make([]*unitdag.Vertex, 0, len(includerPool))
		for _, w := range includerPool {
			if w.Unit.HasParent(u.ID) {
				includers = append(includers, w)
			}
		}
		if len(includers) == 0 {
			b.Tracef(TraceTag, "commission of unit %s stays unclaimed", u.IDShortString)
			continue
		}
		sort.Slice(includers, func(i, j int) bool {
			return unitdag.LessChainOrder(includers[i], includers[j])
		})
		commission := u.Unit.HeadersCommission() + u.Unit.PayloadCommission()
		share := commission / uint64(len(includers))
		remainder := commission % uint64(len(includers))
		for i, w := range includers {
			amount := share
			if i == 0 {
				amount += remainder
			}
			if amount == 0 {
				continue
			}
			total[w.Unit.Authors[0]] += amount
			distributed += amount
		}
	}

	mut := chainstate.NewMutations()
	for _, addr := range util.SortKeys(total, ledger.LessAddress) {
		mut.InsertAddCommissionMutation(mci, addr, total[addr])
	}
	chainstate.MustUpdate(b.StateStore(), mut)
	b.commissionCounter.Add(float64(distributed))
	b.Log().Infof("[%s] mci=%d: %d units paid %d to %d addresses",
		Name, mci, len(paid), distributed, len(total))
	return nil
}

// GetSequence the conflict resolution outcome of the unit: final once the
// unit is stable, pending or temp-bad before. Falls back to the durable state
// when the unit was evicted from memory
func (b *Bookkeeper) GetSequence(id ledger.UnitID) (ledger.Sequence, error) {
	v, err := b.dag.GetVertex(id)
	if err != nil {
		return ledger.SequencePending, fmt.Errorf("%w: %v", ErrBookkeepingDataMissing, err)
	}
	return v.GetSequence(), nil
}

func goodStableUnits(units []*unitdag.Vertex) []*unitdag.Vertex {
	ret := units[:0:0]
	for _, v := range units {
		if v.IsStable() && v.GetSequence() == ledger.SequenceGood {
			ret = append(ret, v)
		}
	}
	return ret
}
