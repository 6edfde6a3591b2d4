package node

import (
	"errors"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/obylite/obylite/chainstate"
	"github.com/obylite/obylite/core/bookkeeping"
	"github.com/obylite/obylite/core/mainchain"
	"github.com/obylite/obylite/core/stability"
	"github.com/obylite/obylite/core/unitdag"
	"github.com/obylite/obylite/core/work_process/events"
	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/metrics"
	"github.com/obylite/obylite/util"
	"github.com/lunfardo314/unitrie/adaptors/badger_adaptor"
	"github.com/spf13/viper"
)

type Node struct {
	*global.Global
	chainStateDB *badger_adaptor.DB
	identity     *ledger.IdentityData

	dag        *unitdag.UnitDAG
	pruner     *unitdag.Pruner
	selector   *mainchain.Selector
	advancer   *stability.Advancer
	bookkeeper *bookkeeping.Bookkeeper
	events     *events.Events

	workProcessesStopStepChan chan struct{}
	dbClosedWG                sync.WaitGroup
	started                   time.Time
}

const TraceTag = "node"

func New() *Node {
	initConfig()
	ret := &Node{
		Global:                    global.New(newNodeLoggerFromConfig()),
		workProcessesStopStepChan: make(chan struct{}),
		started:                   time.Now(),
	}
	ret.EnableTraceTags(viper.GetStringSlice(global.ConfigKeyTraceTags)...)
	return ret
}

func (n *Node) Run() {
	n.Log().Info("---------------- starting up obylite node --------------")

	err := util.CatchPanicOrError(func() error {
		n.initChainStateDB()
		n.startComponents()
		metrics.Start(n)
		n.startPProfIfEnabled()
		return nil
	})
	if err != nil {
		n.Log().Errorf("error on startup: %v", err)
		os.Exit(1)
	}
	n.Log().Infof("obylite node has been started successfully")

	n.RepeatInBackground("memory_logging_loop", 10*time.Second, func() bool {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		n.Log().Infof("uptime: %v, allocated memory: %.1f MB, goroutines: %d, units in memory: %d, frontier: %d",
			time.Since(n.started).Round(time.Second),
			float32(memStats.Alloc*10/(1024*1024))/10,
			runtime.NumGoroutine(),
			n.dag.NumVertices(),
			n.advancer.Frontier(),
		)
		return true
	}, true)
}

func (n *Node) startComponents() {
	writeLockTimeout := time.Duration(viper.GetInt(global.ConfigKeyWriteLockTimeoutSec)) * time.Second

	n.events = events.New(n)
	n.dag = unitdag.New(n, writeLockTimeout)
	n.selector = mainchain.NewSelector(n, n.dag)
	n.advancer = stability.NewAdvancer(n, n.dag, viper.GetInt(global.ConfigKeyMaxMCIsPerTrigger))
	n.bookkeeper = bookkeeping.New(n, n.dag)
	// settle whatever a crash left between a frontier advance and its bookkeeping
	if err := n.bookkeeper.Backfill(); err != nil {
		n.Log().Fatalf("commission backfill failed: %v", err)
	}
	n.pruner = unitdag.StartPruner(n.dag, time.Duration(viper.GetInt(global.ConfigKeyPrunerTTLSec))*time.Second)

	n.events.OnEvent(events.EventUnitAdded, func(id ledger.UnitID) {
		n.onUnitAdded(id)
	})
}

// onUnitAdded every attached unit may move the main chain and, through it,
// the stability frontier
func (n *Node) onUnitAdded(id ledger.UnitID) {
	if _, err := n.selector.RecomputeFromBestTip(); err != nil {
		switch {
		case errors.Is(err, mainchain.ErrNoWitnessQuorum) || errors.Is(err, mainchain.ErrIncompatibleTip):
			n.Tracef(TraceTag, "main chain not moved after unit %s: %v", id.StringShort, err)
		default:
			n.Log().Errorf("main chain recompute after unit %s failed: %v", id.StringShort(), err)
		}
		return
	}
	n.advancer.Push(stability.Trigger{})
}

// WaitStop waits everything to stop before closing the database
func (n *Node) WaitStop() {
	<-n.Ctx().Done()
	n.workProcessesStopStepChan <- struct{}{} // first step releases the DB close goroutine
	n.Log().Infof("waiting all processes to stop")
	n.WaitAllWorkProcessesStop()
	close(n.workProcessesStopStepChan) // second step releases the DB close goroutine
	n.dbClosedWG.Wait()
	n.Log().Info("node stopped")
}

// environment of the components

func (n *Node) StateStore() global.StateStore {
	return n.chainStateDB
}

func (n *Node) Identity() *ledger.IdentityData {
	return n.identity
}

func (n *Node) PostEventUnitAdded(id ledger.UnitID) {
	n.events.PostEvent(events.EventUnitAdded, id)
}

func (n *Node) PostEventMCIStabilized(mci uint32) {
	n.events.PostEvent(events.EventMCIStabilized, mci)
}

func (n *Node) TriggerBookkeeping(mci uint32) {
	n.bookkeeper.Push(mci)
}

// the surface consumed by the syncer/validator and event subscribers

// SubmitUnit attaches the unit to the DAG. All parents must be known already
func (n *Node) SubmitUnit(unit *ledger.Unit) (ledger.UnitID, error) {
	v, err := n.dag.AddUnit(unit)
	if err != nil {
		return ledger.UnitID{}, err
	}
	return v.ID, nil
}

func (n *Node) GetUnit(id ledger.UnitID) (*ledger.Unit, error) {
	v, err := n.dag.GetVertex(id)
	if err != nil {
		return nil, err
	}
	return v.Unit, nil
}

func (n *Node) IsAncestor(candidate, descendant ledger.UnitID) (bool, error) {
	return n.dag.IsAncestor(candidate, descendant)
}

func (n *Node) GetSequence(id ledger.UnitID) (ledger.Sequence, error) {
	return n.bookkeeper.GetSequence(id)
}

func (n *Node) IsStableInView(mci uint32, viewpointParents []ledger.UnitID) (bool, error) {
	return n.advancer.IsStableInView(mci, viewpointParents)
}

func (n *Node) StabilityFrontier() uint32 {
	return n.advancer.Frontier()
}

func (n *Node) AccountTotal(addr ledger.Address) uint64 {
	return chainstate.AccountTotal(n.chainStateDB, addr)
}

func (n *Node) OnUnitAdded(fun func(id ledger.UnitID)) {
	n.events.OnEvent(events.EventUnitAdded, fun)
}

func (n *Node) OnMCIStabilized(fun func(mci uint32)) {
	n.events.OnEvent(events.EventMCIStabilized, fun)
}
