// Package stability decides when main chain units become irreversible and
// advances the stability frontier, one main chain index at a time. The
// frontier is strictly non-decreasing and a stability flag, once set, is
// never cleared.
package stability

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/obylite/obylite/chainstate"
	"github.com/obylite/obylite/core/unitdag"
	"github.com/obylite/obylite/core/work_process"
	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util"
	"github.com/obylite/obylite/util/set"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	Environment interface {
		global.NodeGlobal
		StateStore() global.StateStore
		Identity() *ledger.IdentityData
		PostEventMCIStabilized(mci uint32)
		TriggerBookkeeping(mci uint32)
	}

	// Trigger is a request to advance the frontier as far as the DAG allows.
	// Triggers are coalescing-safe: an advance which finds nothing to do is a no-op
	Trigger struct{}

	Advancer struct {
		*work_process.WorkProcess[Trigger]
		Environment
		dag *unitdag.UnitDAG

		// backlog budget: the write lock is released after every single MCI,
		// and after this many MCIs the rest of the backlog is re-enqueued
		// instead of being processed in the same trigger
		maxMCIsPerTrigger int

		frontierGauge     prometheus.Gauge
		stabilizedCounter prometheus.Counter
		lockHoldDuration  prometheus.Histogram
	}
)

// ErrStalledAdvance a required unit is not available, the advance aborts
// cleanly without holding the write role and is retried on the next trigger
var ErrStalledAdvance = errors.New("stability advance stalled")

const (
	Name     = "stability"
	TraceTag = Name
)

const DefaultMaxMCIsPerTrigger = 10

func NewAdvancer(env Environment, dag *unitdag.UnitDAG, maxMCIsPerTrigger int) *Advancer {
	if maxMCIsPerTrigger <= 0 {
		maxMCIsPerTrigger = DefaultMaxMCIsPerTrigger
	}
	ret := &Advancer{
		Environment:       env,
		dag:               dag,
		maxMCIsPerTrigger: maxMCIsPerTrigger,
	}
	ret.registerMetrics()
	ret.WorkProcess = work_process.New[Trigger](env, Name, ret.consume)
	ret.WorkProcess.Start()
	return ret
}

func (a *Advancer) registerMetrics() {
	a.frontierGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "obylite_stability_frontier",
		Help: "last stable main chain index",
	})
	a.stabilizedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "obylite_stability_mcis_stabilized_total",
		Help: "number of main chain indices stabilized since start",
	})
	a.lockHoldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "obylite_stability_lock_hold_seconds",
		Help:    "how long the global write lock was held for one MCI advance",
		Buckets: prometheus.ExponentialBuckets(0.0001, 10, 7),
	})
	a.MetricsRegistry().MustRegister(a.frontierGauge, a.stabilizedCounter, a.lockHoldDuration)
}

// consume processes the backlog one MCI per write lock acquisition. It never
// holds the lock across more than one MCI and yields the goroutine entirely
// after maxMCIsPerTrigger, re-enqueueing itself for the remainder
func (a *Advancer) consume(_ Trigger) {
	for advanced := 0; ; {
		select {
		case <-a.Ctx().Done():
			return
		default:
		}
		_, ok, err := a.advanceOne()
		if errors.Is(err, ErrStalledAdvance) {
			a.Log().Warnf("[%s] %v, will retry on the next trigger", Name, err)
			return
		}
		if err != nil {
			a.Log().Errorf("[%s] advance failed: %v", Name, err)
			return
		}
		if !ok {
			return
		}
		if advanced++; advanced >= a.maxMCIsPerTrigger {
			a.Tracef(TraceTag, "backlog budget of %d MCIs exhausted, re-enqueueing", a.maxMCIsPerTrigger)
			a.Push(Trigger{})
			return
		}
	}
}

// advanceOne tries to stabilize the first pending MCI. Returns the stabilized
// index and true when the frontier moved. Stabilization and its notifications
// are one step: bookkeeping is triggered here, not in the consume loop, so a
// stabilized index can never be left without its bookkeeping trigger
func (a *Advancer) advanceOne() (uint32, bool, error) {
	var mci uint32
	var ok bool
	var err error

	start := time.Now()
	a.dag.WithGlobalWriteLock(func() {
		mci, ok, err = a.advanceOneNoLock()
	})
	a.lockHoldDuration.Observe(time.Since(start).Seconds())

	if err == nil && ok {
		a.frontierGauge.Set(float64(mci))
		a.stabilizedCounter.Inc()
		a.PostEventMCIStabilized(mci)
		a.TriggerBookkeeping(mci)
	}
	return mci, ok, err
}

func (a *Advancer) advanceOneNoLock() (uint32, bool, error) {
	frontier, found := chainstate.FetchStabilityFrontier(a.StateStore())
	if !found {
		return 0, false, fmt.Errorf("advance: no stability frontier in the state store")
	}
	next := frontier + 1
	mcID, found := chainstate.FetchMainChainUnitID(a.StateStore(), next)
	if !found {
		// the main chain does not reach beyond the frontier yet
		return 0, false, nil
	}
	if a.dag.GetVertexNoLock(mcID) == nil {
		return 0, false, fmt.Errorf("%w: main chain unit %s at mci=%d is not available",
			ErrStalledAdvance, mcID.StringShort(), next)
	}
	if !a.witnessedNoLock(next, nil) {
		a.Tracef(TraceTag, "mci=%d is not witnessed yet", next)
		return 0, false, nil
	}

	units := a.dag.UnitsWithMCINoLock(next)
	resolved := a.resolveNonSerialNoLock(units)

	// one atomic batch: stability flags, resolved sequences, per-author last
	// good records, the frontier
	mut := chainstate.NewMutations()
	for _, v := range units {
		meta := v.Meta()
		meta.Stable = true
		meta.Sequence = resolved[v.ID]
		mut.InsertSetUnitMetaMutation(v.ID, meta)
	}
	lastGood := make(map[ledger.Address]*unitdag.Vertex)
	for _, v := range units {
		if resolved[v.ID] != ledger.SequenceGood {
			continue
		}
		for _, author := range v.Unit.Authors {
			if prev, ok := lastGood[author]; !ok || unitdag.LessChainOrder(prev, v) {
				lastGood[author] = v
			}
		}
	}
	for _, author := range util.SortKeys(lastGood, ledger.LessAddress) {
		mut.InsertSetAuthorLastGoodMutation(author, lastGood[author].ID)
	}
	mut.InsertSetFrontierMutation(next)
	chainstate.MustUpdate(a.StateStore(), mut)

	for _, v := range units {
		a.dag.SettleNoLock(v, resolved[v.ID])
	}
	a.Log().Infof("[%s] mci=%d stable: %d units, main chain unit %s",
		Name, next, len(units), mcID.StringShort())
	return next, true, nil
}

// witnessedNoLock reports whether a quorum of distinct witness addresses
// authored main chain units above the given index. With a non-nil view the
// count is restricted to units included by at least one of the view units,
// so the decision is made against what the validated unit can actually see
func (a *Advancer) witnessedNoLock(mci uint32, view []*unitdag.Vertex) bool {
	identity := a.Identity()
	seen := set.New[ledger.Address]()
	for i := mci + 1; ; i++ {
		id, found := chainstate.FetchMainChainUnitID(a.StateStore(), i)
		if !found {
			return false
		}
		v := a.dag.GetVertexNoLock(id)
		if v == nil {
			return false
		}
		if view != nil && !a.inViewNoLock(v, view) {
			continue
		}
		for _, author := range v.Unit.Authors {
			if identity.IsWitness(author) {
				seen.Insert(author)
			}
		}
		if len(seen) >= int(identity.WitnessQuorum) {
			return true
		}
	}
}

func (a *Advancer) inViewNoLock(v *unitdag.Vertex, view []*unitdag.Vertex) bool {
	for _, viewpoint := range view {
		if a.dag.IncludesNoLock(v, viewpoint) {
			return true
		}
	}
	return false
}

// resolveNonSerialNoLock decides the sequence of every unit at the MCI being
// stabilized. Two units of the same author where neither includes the other
// are conflicting, whatever MCI each of them got: a unit not including its
// author's latest good unit settled at an earlier index becomes final-bad,
// and among the units at this index the first in chain order stays good,
// the rest must include every earlier good one or become final-bad.
// The outcome is a pure function of the DAG content
func (a *Advancer) resolveNonSerialNoLock(units []*unitdag.Vertex) map[ledger.UnitID]ledger.Sequence {
	byAuthor := make(map[ledger.Address][]*unitdag.Vertex)
	for _, v := range units {
		for _, author := range v.Unit.Authors {
			byAuthor[author] = append(byAuthor[author], v)
		}
	}

	resolved := make(map[ledger.UnitID]ledger.Sequence, len(units))
	for _, v := range units {
		resolved[v.ID] = ledger.SequenceGood
	}
	for author, sameAuthor := range byAuthor {
		// the good chain continues from the author's latest unit settled good
		// at an earlier MCI, if any
		good := make([]*unitdag.Vertex, 0, len(sameAuthor)+1)
		if lastGoodID, found := chainstate.FetchAuthorLastGood(a.StateStore(), author); found {
			good = append(good, a.dag.MustGetVertexNoLock(lastGoodID))
		}
		if len(good) == 0 && len(sameAuthor) < 2 {
			continue
		}
		ordered := util.CloneArglistShallow(sameAuthor...)
		sort.Slice(ordered, func(i, j int) bool {
			return unitdag.LessChainOrder(ordered[i], ordered[j])
		})
		for _, v := range ordered {
			if resolved[v.ID] == ledger.SequenceFinalBad {
				continue
			}
			serial := true
			for _, g := range good {
				if !a.dag.IncludesNoLock(g, v) {
					serial = false
					break
				}
			}
			if serial {
				good = append(good, v)
			} else {
				resolved[v.ID] = ledger.SequenceFinalBad
			}
		}
	}
	return resolved
}

// IsStableInView reports whether the main chain unit at the index is stable
// from the viewpoint of a unit with the given parents: it must be included by
// the view and witnessed by units the view can see. Validation against the
// view instead of the locally cached frontier keeps the decision identical
// across nodes with different sync histories
func (a *Advancer) IsStableInView(mci uint32, viewpointParents []ledger.UnitID) (bool, error) {
	var ret bool
	var err error
	a.dag.WithGlobalWriteLock(func() {
		ret, err = a.isStableInViewNoLock(mci, viewpointParents)
	})
	return ret, err
}

func (a *Advancer) isStableInViewNoLock(mci uint32, viewpointParents []ledger.UnitID) (bool, error) {
	mcID, found := chainstate.FetchMainChainUnitID(a.StateStore(), mci)
	if !found {
		return false, nil
	}
	mcVertex := a.dag.GetVertexNoLock(mcID)
	if mcVertex == nil {
		return false, fmt.Errorf("%w: main chain unit %s at mci=%d is not available",
			ErrStalledAdvance, mcID.StringShort(), mci)
	}
	view := make([]*unitdag.Vertex, 0, len(viewpointParents))
	for _, pid := range viewpointParents {
		p := a.dag.GetVertexNoLock(pid)
		if p == nil {
			return false, fmt.Errorf("%w: viewpoint parent %s is not available", ErrStalledAdvance, pid.StringShort())
		}
		view = append(view, p)
	}
	if !a.inViewNoLock(mcVertex, view) {
		return false, nil
	}
	return a.witnessedNoLock(mci, view), nil
}

// Frontier the current stable frontier from the durable state
func (a *Advancer) Frontier() uint32 {
	ret, _ := chainstate.FetchStabilityFrontier(a.StateStore())
	return ret
}
