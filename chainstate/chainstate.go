// Package chainstate persists the consensus facts of the unit DAG: unit bytes,
// per-unit consensus meta, the main chain index, the stability frontier and
// commission records. All mutation goes through Mutations committed in one
// atomic batch.
package chainstate

import (
	"encoding/binary"
	"fmt"

	"github.com/lunfardo314/unitrie/common"
	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util"
)

// partitions of the state store
const (
	PartitionUnits = byte(iota)
	PartitionUnitMeta
	PartitionMainChain
	PartitionCommissions
	PartitionIdentity
	PartitionFrontier
	PartitionAuthorLastGood
)

// UnitMeta is the mutable consensus bookkeeping of one unit. The unit itself is
// immutable, meta fields only ever move one way: MCI is assigned once, the
// stability flag flips false->true, sequence settles into a final value
type UnitMeta struct {
	Level          uint32
	WitnessedLevel uint32
	MCI            uint32
	HasMCI         bool
	OnMainChain    bool
	Stable         bool
	Sequence       ledger.Sequence
}

const (
	metaFlagHasMCI = byte(0x01)
	metaFlagOnMC   = byte(0x02)
	metaFlagStable = byte(0x04)
)

func (m *UnitMeta) Bytes() []byte {
	ret := make([]byte, 14)
	var flags byte
	if m.HasMCI {
		flags |= metaFlagHasMCI
	}
	if m.OnMainChain {
		flags |= metaFlagOnMC
	}
	if m.Stable {
		flags |= metaFlagStable
	}
	ret[0] = flags
	ret[1] = byte(m.Sequence)
	binary.BigEndian.PutUint32(ret[2:6], m.Level)
	binary.BigEndian.PutUint32(ret[6:10], m.WitnessedLevel)
	binary.BigEndian.PutUint32(ret[10:14], m.MCI)
	return ret
}

func UnitMetaFromBytes(data []byte) (ret UnitMeta, err error) {
	if len(data) != 14 {
		err = fmt.Errorf("UnitMetaFromBytes: wrong data length")
		return
	}
	ret.HasMCI = data[0]&metaFlagHasMCI != 0
	ret.OnMainChain = data[0]&metaFlagOnMC != 0
	ret.Stable = data[0]&metaFlagStable != 0
	ret.Sequence = ledger.Sequence(data[1])
	ret.Level = binary.BigEndian.Uint32(data[2:6])
	ret.WitnessedLevel = binary.BigEndian.Uint32(data[6:10])
	ret.MCI = binary.BigEndian.Uint32(data[10:14])
	return
}

func unitKey(id ledger.UnitID) []byte {
	return common.Concat([]byte{PartitionUnits}, id[:])
}

func unitMetaKey(id ledger.UnitID) []byte {
	return common.Concat([]byte{PartitionUnitMeta}, id[:])
}

func mainChainKey(mci uint32) []byte {
	var mciBin [4]byte
	binary.BigEndian.PutUint32(mciBin[:], mci)
	return common.Concat([]byte{PartitionMainChain}, mciBin[:])
}

func authorLastGoodKey(addr ledger.Address) []byte {
	return common.Concat([]byte{PartitionAuthorLastGood}, addr[:])
}

func commissionKey(mci uint32, addr ledger.Address) []byte {
	var mciBin [4]byte
	binary.BigEndian.PutUint32(mciBin[:], mci)
	return common.Concat([]byte{PartitionCommissions}, mciBin[:], addr[:])
}

// FetchUnit returns nil if the unit is not in the store
func FetchUnit(store common.KVReader, id ledger.UnitID) *ledger.Unit {
	bin := store.Get(unitKey(id))
	if len(bin) == 0 {
		return nil
	}
	ret, err := ledger.UnitFromBytes(bin)
	util.AssertNoError(err)
	util.Assertf(ret.ID() == id, "chainstate: unit bytes stored under the wrong key %s", id.StringShort)
	return ret
}

func HasUnit(store common.KVReader, id ledger.UnitID) bool {
	return store.Has(unitKey(id))
}

func FetchUnitMeta(store common.KVReader, id ledger.UnitID) (UnitMeta, bool) {
	bin := store.Get(unitMetaKey(id))
	if len(bin) == 0 {
		return UnitMeta{}, false
	}
	ret, err := UnitMetaFromBytes(bin)
	util.AssertNoError(err)
	return ret, true
}

// FetchMainChainUnitID unit sitting on the main chain at the given index, if assigned
func FetchMainChainUnitID(store common.KVReader, mci uint32) (ret ledger.UnitID, found bool) {
	bin := store.Get(mainChainKey(mci))
	if len(bin) == 0 {
		return
	}
	var err error
	ret, err = ledger.UnitIDFromBytes(bin)
	util.AssertNoError(err)
	found = true
	return
}

// FetchStabilityFrontier the highest MCI marked stable. Second value is false
// before genesis is committed
func FetchStabilityFrontier(store common.KVReader) (uint32, bool) {
	bin := store.Get([]byte{PartitionFrontier})
	if len(bin) == 0 {
		return 0, false
	}
	return binary.BigEndian.Uint32(bin), true
}

// FetchAuthorLastGood the latest unit of the author settled with sequence good,
// in chain order. Every later unit of the author must include it to stay serial
func FetchAuthorLastGood(store common.KVReader, addr ledger.Address) (ret ledger.UnitID, found bool) {
	bin := store.Get(authorLastGoodKey(addr))
	if len(bin) == 0 {
		return
	}
	var err error
	ret, err = ledger.UnitIDFromBytes(bin)
	util.AssertNoError(err)
	found = true
	return
}

func FetchIdentity(store common.KVReader) *ledger.IdentityData {
	bin := store.Get([]byte{PartitionIdentity})
	if len(bin) == 0 {
		return nil
	}
	return ledger.MustIdentityDataFromBytes(bin)
}

// FetchCommissions all commission records credited at the given MCI
func FetchCommissions(store global.StateStore, mci uint32) map[ledger.Address]uint64 {
	ret := make(map[ledger.Address]uint64)
	var mciBin [4]byte
	binary.BigEndian.PutUint32(mciBin[:], mci)
	prefix := common.Concat([]byte{PartitionCommissions}, mciBin[:])
	store.Iterator(prefix).Iterate(func(k, v []byte) bool {
		addr, err := ledger.AddressFromBytes(k[len(prefix):])
		util.AssertNoError(err)
		ret[addr] += binary.BigEndian.Uint64(v)
		return true
	})
	return ret
}

// IterateCommissions full scan of the commission partition
func IterateCommissions(store global.StateStore, fun func(mci uint32, addr ledger.Address, amount uint64) bool) {
	prefix := []byte{PartitionCommissions}
	store.Iterator(prefix).Iterate(func(k, v []byte) bool {
		mci := binary.BigEndian.Uint32(k[1:5])
		addr, err := ledger.AddressFromBytes(k[5:])
		util.AssertNoError(err)
		return fun(mci, addr, binary.BigEndian.Uint64(v))
	})
}

// AccountTotal sum of all commissions ever credited to the address
func AccountTotal(store global.StateStore, addr ledger.Address) (ret uint64) {
	IterateCommissions(store, func(_ uint32, a ledger.Address, amount uint64) bool {
		if a == addr {
			ret += amount
		}
		return true
	})
	return
}
