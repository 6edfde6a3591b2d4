package unitdag

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pruner evicts stable vertices from memory. Eviction is gated by the
// bookkeeping generation stamp: a vertex is dropped only when its MCI has been
// fully bookkept, never purely by age, so a pending bookkeeping consumer can
// always find its entries. Evicted units remain in the durable state and are
// reloaded on demand
type Pruner struct {
	*UnitDAG

	ttl time.Duration

	numVerticesGauge prometheus.Gauge
	numPrunedCounter prometheus.Counter
}

const (
	PrunerName     = "pruner"
	PrunerTraceTag = PrunerName
)

const defaultPrunePeriod = 10 * time.Second

func StartPruner(d *UnitDAG, ttl time.Duration, period ...time.Duration) *Pruner {
	ret := &Pruner{
		UnitDAG: d,
		ttl:     ttl,
	}
	ret.registerMetrics()

	p := defaultPrunePeriod
	if len(period) > 0 {
		p = period[0]
	}
	ret.RepeatInBackground(PrunerName, p, func() bool {
		ret.doPrune()
		return true
	}, true)
	return ret
}

func (p *Pruner) registerMetrics() {
	p.numVerticesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "obylite_unitdag_vertices",
		Help: "number of units currently held in memory",
	})
	p.numPrunedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "obylite_unitdag_pruned_total",
		Help: "number of unit vertices evicted from memory",
	})
	p.MetricsRegistry().MustRegister(p.numVerticesGauge, p.numPrunedCounter)
}

func (p *Pruner) doPrune() {
	bookkeptMCI := p.LastBookkeptMCI()
	deadline := time.Now().Add(-p.ttl)
	toDelete := make([]*Vertex, 0)

	for _, v := range p.Vertices() {
		if v.ID == p.GenesisID() {
			continue
		}
		if !v.IsStable() || !v.TouchedBefore(deadline) {
			continue
		}
		if v.NumChildren() == 0 {
			// keep the tips
			continue
		}
		mci, hasMCI := v.GetMCI()
		if !hasMCI || mci > bookkeptMCI {
			// bookkeeping has not confirmed completion for this MCI yet
			continue
		}
		toDelete = append(toDelete, v)
		p.Tracef(PrunerTraceTag, "evicting stable unit %s, mci=%d", v.IDShortString, mci)
	}
	if len(toDelete) > 0 {
		p.PurgeDeletedVertices(toDelete)
		p.numPrunedCounter.Add(float64(len(toDelete)))
	}
	p.numVerticesGauge.Set(float64(p.NumVertices()))
}
