package node

import (
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/obylite/obylite/chainstate"
	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/lunfardo314/unitrie/adaptors/badger_adaptor"
	"github.com/spf13/viper"
)

// initChainStateDB opens the chain state DB, creating and committing the
// genesis state when the database is empty
func (n *Node) initChainStateDB() {
	dbname := viper.GetString(global.ConfigKeyChainStateDBName)
	n.dbClosedWG.Add(1)
	n.chainStateDB = badger_adaptor.New(badger_adaptor.MustCreateOrOpenBadgerDB(dbname, badger.DefaultOptions(dbname)))
	n.Log().Infof("opened chain state DB '%s'", dbname)

	if !n.chainStateDB.Has([]byte{chainstate.PartitionIdentity}) {
		n.bootstrapChainState()
	}
	n.identity = chainstate.FetchIdentity(n.chainStateDB)
	n.Assertf(n.identity != nil, "inconsistency: no identity record in the chain state DB")
	n.Log().Infof("chain state identity:\n%s", string(n.identity.YAML()))

	n.RepeatInBackground("badger_db_gc_loop", 5*time.Minute, func() bool {
		n.databaseGC()
		return true
	}, true)

	go func() {
		// wait until others will stop
		<-n.workProcessesStopStepChan
		select {
		case <-n.workProcessesStopStepChan:
		case <-time.After(10 * time.Second):
			n.Log().Warnf("forced close of the chain state DB")
		}
		_ = n.chainStateDB.Close()
		n.Log().Infof("chain state database has been closed")
		n.dbClosedWG.Done()
	}()
}

func (n *Node) bootstrapChainState() {
	witnesses := witnessesFromConfig()
	n.Assertf(len(witnesses) > 0, "cannot bootstrap the chain state: no witnesses in the config")

	genesisTime := viper.GetUint32(global.ConfigKeyGenesisTimeUnix)
	if genesisTime == 0 {
		genesisTime = uint32(time.Now().Unix())
	}
	quorum := make([]uint16, 0, 1)
	if q := viper.GetInt(global.ConfigKeyWitnessQuorum); q > 0 {
		quorum = append(quorum, uint16(q))
	}
	identity := ledger.NewIdentityData(
		viper.GetString(global.ConfigKeyGenesisDescription),
		genesisTime,
		witnesses,
		quorum...,
	)
	genesisID := chainstate.InitChainState(n.chainStateDB, identity)
	n.Log().Infof("chain state created from scratch, genesis unit is %s", genesisID.StringShort())
}

func (n *Node) databaseGC() {
	start := time.Now()
	err := n.chainStateDB.RunValueLogGC(0.5)
	n.Tracef(TraceTag, "badger DB GC (%v): %v", time.Since(start), err)
}
