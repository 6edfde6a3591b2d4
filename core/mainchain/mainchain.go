// Package mainchain computes the canonical main chain of the DAG: the walk
// from the best free unit down to genesis along best parents. The computation
// is fully deterministic in the DAG content, all nodes fed the same units pick
// the identical chain
package mainchain

import (
	"errors"
	"fmt"

	"github.com/obylite/obylite/chainstate"
	"github.com/obylite/obylite/core/unitdag"
	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util/set"
)

type (
	Environment interface {
		global.NodeGlobal
		StateStore() global.StateStore
		Identity() *ledger.IdentityData
	}

	Selector struct {
		Environment
		dag *unitdag.UnitDAG
	}
)

var (
	// ErrNoWitnessQuorum witnessed levels cannot be computed: the witness list
	// in view is smaller than the configured quorum. Propagated, not retried
	ErrNoWitnessQuorum = errors.New("no witness quorum")

	// ErrIncompatibleTip the tip does not include the stable part of the main
	// chain; selecting it would contradict already irreversible facts
	ErrIncompatibleTip = errors.New("tip does not include the stable main chain")
)

const (
	Name     = "mainchain"
	TraceTag = Name
)

func NewSelector(env Environment, dag *unitdag.UnitDAG) *Selector {
	return &Selector{
		Environment: env,
		dag:         dag,
	}
}

// BestTip the globally best free unit: highest witnessed level, ties by lower
// level, then by smaller hash
func (s *Selector) BestTip() (*unitdag.Vertex, error) {
	if err := s.checkWitnessQuorum(); err != nil {
		return nil, err
	}
	tips := s.dag.FreeUnits()
	if len(tips) == 0 {
		return nil, fmt.Errorf("BestTip: inconsistency: no free units in the DAG")
	}
	ret := tips[0]
	for _, v := range tips[1:] {
		if unitdag.LessWitnessedFirst(ret, v) {
			ret = v
		}
	}
	return ret, nil
}

func (s *Selector) checkWitnessQuorum() error {
	identity := s.Identity()
	if len(identity.Witnesses) < int(identity.WitnessQuorum) {
		return fmt.Errorf("%w: %d witnesses configured, quorum is %d",
			ErrNoWitnessQuorum, len(identity.Witnesses), identity.WitnessQuorum)
	}
	return nil
}

// RecomputeFromBestTip recompute the main chain from the current best free unit
func (s *Selector) RecomputeFromBestTip() ([]*unitdag.Vertex, error) {
	tip, err := s.BestTip()
	if err != nil {
		return nil, err
	}
	return s.RecomputeFrom(tip.ID)
}

// RecomputeFrom walks best parents from the tip down to genesis, marks the
// visited units on-main-chain and assigns main chain indices. Idempotent:
// an unchanged tip yields the identical ordered list. MCIs at or below the
// stability frontier are never touched
func (s *Selector) RecomputeFrom(tipID ledger.UnitID) ([]*unitdag.Vertex, error) {
	if err := s.checkWitnessQuorum(); err != nil {
		return nil, err
	}
	tip, err := s.dag.GetVertex(tipID)
	if err != nil {
		return nil, err
	}

	var chain []*unitdag.Vertex
	s.dag.WithGlobalWriteLock(func() {
		chain, err = s.recomputeNoLock(tip)
	})
	if err != nil {
		return nil, err
	}
	s.Tracef(TraceTag, "main chain recomputed from tip %s: %d units", tipID.StringShort, len(chain))
	return chain, nil
}

func (s *Selector) recomputeNoLock(tip *unitdag.Vertex) ([]*unitdag.Vertex, error) {
	chain := s.dag.BestParentChainNoLock(tip)

	frontier, _ := chainstate.FetchStabilityFrontier(s.StateStore())
	if uint32(len(chain)) <= frontier {
		return nil, fmt.Errorf("%w: tip %s is below the frontier %d", ErrIncompatibleTip, tip.IDShortString(), frontier)
	}
	// the stable prefix is immutable. A tip whose best parent chain diverges
	// from it cannot become canonical, whatever its witnessed level
	for i := uint32(0); i <= frontier; i++ {
		stableID, found := chainstate.FetchMainChainUnitID(s.StateStore(), i)
		s.Assertf(found, "recompute: no stable main chain unit at mci=%d", i)
		if chain[i].ID != stableID {
			return nil, fmt.Errorf("%w: mci=%d expected %s, the tip view has %s",
				ErrIncompatibleTip, i, stableID.StringShort(), chain[i].ID.StringShort())
		}
	}

	assigned := set.New[ledger.UnitID]()
	for _, v := range chain {
		assigned.Insert(v.ID)
	}

	// detach everything which fell off the tentative ordering
	mut := chainstate.NewMutations()
	for _, v := range s.dag.VerticesNoLock() {
		mci, has := v.GetMCI()
		if !has || mci <= frontier || assigned.Contains(v.ID) {
			continue
		}
		v.ClearMCI()
		mut.InsertSetUnitMetaMutation(v.ID, v.Meta())
	}

	// assign the chain itself, then pull in the off-chain units: each gets the
	// index of the first main chain unit which includes it
	for i := frontier + 1; i < uint32(len(chain)); i++ {
		chain[i].SetMCI(i, true)
		mut.InsertSetMainChainMutation(i, chain[i].ID)
		mut.InsertSetUnitMetaMutation(chain[i].ID, chain[i].Meta())

		queue := []*unitdag.Vertex{chain[i]}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, pid := range cur.Unit.ParentIDs {
				if assigned.Contains(pid) {
					continue
				}
				p := s.dag.MustGetVertexNoLock(pid)
				if pMCI, has := p.GetMCI(); has && pMCI <= frontier {
					continue
				}
				assigned.Insert(pid)
				p.SetMCI(i, false)
				mut.InsertSetUnitMetaMutation(pid, p.Meta())
				queue = append(queue, p)
			}
		}
	}
	// the previous chain may have been longer, drop the stale index entries
	for i := uint32(len(chain)); ; i++ {
		if _, found := chainstate.FetchMainChainUnitID(s.StateStore(), i); !found {
			break
		}
		mut.InsertDelMainChainMutation(i)
	}
	chainstate.MustUpdate(s.StateStore(), mut)
	return chain, nil
}
