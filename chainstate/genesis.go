package chainstate

import (
	"fmt"

	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util"
)

// InitChainState initializes the origin state in an empty store: the genesis
// unit at MCI 0, already stable and good, and the stability frontier at 0.
// Returns the genesis unit ID
func InitChainState(store global.StateStore, identity *ledger.IdentityData) ledger.UnitID {
	_, already := FetchStabilityFrontier(store)
	util.Assertf(!already, "InitChainState: the store is not empty")

	genesis := identity.GenesisUnit()
	genesisID := genesis.ID()

	mut := NewMutations().
		InsertSetIdentityMutation(identity).
		InsertAddUnitMutation(genesis).
		InsertSetUnitMetaMutation(genesisID, UnitMeta{
			Level:          0,
			WitnessedLevel: 0,
			MCI:            0,
			HasMCI:         true,
			OnMainChain:    true,
			Stable:         true,
			Sequence:       ledger.SequenceGood,
		}).
		InsertSetMainChainMutation(0, genesisID).
		InsertSetFrontierMutation(0)
	MustUpdate(store, mut)
	return genesisID
}

// ScanChainState checks the store contains a consistent origin and returns the identity
func ScanChainState(store global.StateStore) (*ledger.IdentityData, error) {
	identity := FetchIdentity(store)
	if identity == nil {
		return nil, fmt.Errorf("ScanChainState: no chain identity, not an initialized state")
	}
	frontier, ok := FetchStabilityFrontier(store)
	if !ok {
		return nil, fmt.Errorf("ScanChainState: no stability frontier")
	}
	genesisID, found := FetchMainChainUnitID(store, 0)
	if !found || genesisID != identity.GenesisUnitID() {
		return nil, fmt.Errorf("ScanChainState: genesis unit does not match the identity")
	}
	if meta, ok := FetchUnitMeta(store, genesisID); !ok || !meta.Stable {
		return nil, fmt.Errorf("ScanChainState: inconsistent genesis meta")
	}
	if _, found = FetchMainChainUnitID(store, frontier); !found {
		return nil, fmt.Errorf("ScanChainState: no main chain unit at the frontier %d", frontier)
	}
	return identity, nil
}
