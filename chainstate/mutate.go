package chainstate

import (
	"encoding/binary"
	"fmt"

	"github.com/lunfardo314/unitrie/common"
	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util"
	"github.com/obylite/obylite/util/lines"
)

type (
	mutationCmd interface {
		mutate(w common.KVWriter)
		text() string
	}

	mutationAddUnit struct {
		id   ledger.UnitID
		unit *ledger.Unit
	}

	mutationSetUnitMeta struct {
		id   ledger.UnitID
		meta UnitMeta
	}

	mutationSetMainChain struct {
		mci uint32
		id  ledger.UnitID
	}

	mutationDelMainChain struct {
		mci uint32
	}

	mutationSetFrontier struct {
		mci uint32
	}

	mutationAddCommission struct {
		mci    uint32
		addr   ledger.Address
		amount uint64
	}

	mutationSetAuthorLastGood struct {
		addr ledger.Address
		id   ledger.UnitID
	}

	mutationSetIdentity struct {
		identity *ledger.IdentityData
	}

	// Mutations is a set of state changes which is applied in a single
	// atomic batch, all or nothing
	Mutations struct {
		mut []mutationCmd
	}
)

func (m *mutationAddUnit) mutate(w common.KVWriter) {
	w.Set(unitKey(m.id), m.unit.Bytes())
}

func (m *mutationAddUnit) text() string {
	return fmt.Sprintf("ADDUNIT   %s", m.id.StringShort())
}

func (m *mutationSetUnitMeta) mutate(w common.KVWriter) {
	w.Set(unitMetaKey(m.id), m.meta.Bytes())
}

func (m *mutationSetUnitMeta) text() string {
	return fmt.Sprintf("SETMETA   %s mci=%d stable=%v seq=%s", m.id.StringShort(), m.meta.MCI, m.meta.Stable, m.meta.Sequence)
}

func (m *mutationSetMainChain) mutate(w common.KVWriter) {
	w.Set(mainChainKey(m.mci), m.id[:])
}

func (m *mutationSetMainChain) text() string {
	return fmt.Sprintf("SETMC     %d -> %s", m.mci, m.id.StringShort())
}

func (m *mutationDelMainChain) mutate(w common.KVWriter) {
	// nil value means deletion
	w.Set(mainChainKey(m.mci), nil)
}

func (m *mutationDelMainChain) text() string {
	return fmt.Sprintf("DELMC     %d", m.mci)
}

func (m *mutationSetFrontier) mutate(w common.KVWriter) {
	var bin [4]byte
	binary.BigEndian.PutUint32(bin[:], m.mci)
	w.Set([]byte{PartitionFrontier}, bin[:])
}

func (m *mutationSetFrontier) text() string {
	return fmt.Sprintf("FRONTIER  %d", m.mci)
}

func (m *mutationAddCommission) mutate(w common.KVWriter) {
	var bin [8]byte
	binary.BigEndian.PutUint64(bin[:], m.amount)
	w.Set(commissionKey(m.mci, m.addr), bin[:])
}

func (m *mutationAddCommission) text() string {
	return fmt.Sprintf("COMMISSION mci=%d %s += %d", m.mci, m.addr.StringShort(), m.amount)
}

func (m *mutationSetAuthorLastGood) mutate(w common.KVWriter) {
	w.Set(authorLastGoodKey(m.addr), m.id[:])
}

func (m *mutationSetAuthorLastGood) text() string {
	return fmt.Sprintf("LASTGOOD  %s -> %s", m.addr.StringShort(), m.id.StringShort())
}

func (m *mutationSetIdentity) mutate(w common.KVWriter) {
	w.Set([]byte{PartitionIdentity}, m.identity.Bytes())
}

func (m *mutationSetIdentity) text() string {
	return "SETIDENTITY"
}

func NewMutations() *Mutations {
	return &Mutations{
		mut: make([]mutationCmd, 0),
	}
}

func (mut *Mutations) InsertAddUnitMutation(unit *ledger.Unit) *Mutations {
	mut.mut = append(mut.mut, &mutationAddUnit{id: unit.ID(), unit: unit})
	return mut
}

func (mut *Mutations) InsertSetUnitMetaMutation(id ledger.UnitID, meta UnitMeta) *Mutations {
	mut.mut = append(mut.mut, &mutationSetUnitMeta{id: id, meta: meta})
	return mut
}

func (mut *Mutations) InsertSetMainChainMutation(mci uint32, id ledger.UnitID) *Mutations {
	mut.mut = append(mut.mut, &mutationSetMainChain{mci: mci, id: id})
	return mut
}

func (mut *Mutations) InsertDelMainChainMutation(mci uint32) *Mutations {
	mut.mut = append(mut.mut, &mutationDelMainChain{mci: mci})
	return mut
}

func (mut *Mutations) InsertSetFrontierMutation(mci uint32) *Mutations {
	mut.mut = append(mut.mut, &mutationSetFrontier{mci: mci})
	return mut
}

func (mut *Mutations) InsertAddCommissionMutation(mci uint32, addr ledger.Address, amount uint64) *Mutations {
	mut.mut = append(mut.mut, &mutationAddCommission{mci: mci, addr: addr, amount: amount})
	return mut
}

func (mut *Mutations) InsertSetAuthorLastGoodMutation(addr ledger.Address, id ledger.UnitID) *Mutations {
	mut.mut = append(mut.mut, &mutationSetAuthorLastGood{addr: addr, id: id})
	return mut
}

func (mut *Mutations) InsertSetIdentityMutation(identity *ledger.IdentityData) *Mutations {
	mut.mut = append(mut.mut, &mutationSetIdentity{identity: identity})
	return mut
}

func (mut *Mutations) Len() int {
	return len(mut.mut)
}

func (mut *Mutations) Lines(prefix ...string) *lines.Lines {
	ret := lines.New(prefix...)
	for _, m := range mut.mut {
		ret.Add(m.text())
	}
	return ret
}

// MustUpdate commits all mutations in one batch. Either the whole set becomes
// visible or none of it
func MustUpdate(store global.StateStore, mut *Mutations) {
	batch := store.BatchedWriter()
	for _, m := range mut.mut {
		m.mutate(batch)
	}
	err := batch.Commit()
	util.AssertNoError(err, "chainstate.MustUpdate")
}
