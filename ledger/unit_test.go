package ledger

import (
	"testing"

	"github.com/obylite/obylite/util/testutil"
	"github.com/stretchr/testify/require"
)

func testAddr(idx int) Address {
	return Address(testutil.DeterministicSeed32(idx))
}

func TestUnitSerialization(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		parents := []UnitID{HashUnitBytes([]byte("a")), HashUnitBytes([]byte("b"))}
		u := NewUnit(parents, []Address{testAddr(1), testAddr(2)}, []Address{testAddr(3)}, []byte("payload data"))
		uBack, err := UnitFromBytes(u.Bytes())
		require.NoError(t, err)
		require.EqualValues(t, u.Bytes(), uBack.Bytes())
		require.EqualValues(t, u.ID(), uBack.ID())
	})
	t.Run("no payload", func(t *testing.T) {
		u := NewUnit([]UnitID{HashUnitBytes([]byte("a"))}, []Address{testAddr(1)}, nil, nil)
		uBack, err := UnitFromBytes(u.Bytes())
		require.NoError(t, err)
		require.EqualValues(t, u.ID(), uBack.ID())
		require.EqualValues(t, 0, uBack.PayloadCommission())
		require.True(t, uBack.HeadersCommission() > 0)
	})
	t.Run("wrong version", func(t *testing.T) {
		u := NewUnit(nil, []Address{testAddr(1)}, nil, nil)
		data := u.Bytes()
		data[0] = 99
		_, err := UnitFromBytes(data)
		require.ErrorIs(t, err, ErrWrongUnitBytes)
	})
	t.Run("trailing bytes", func(t *testing.T) {
		u := NewUnit(nil, []Address{testAddr(1)}, nil, nil)
		_, err := UnitFromBytes(append(u.Bytes(), 0xff))
		require.ErrorIs(t, err, ErrWrongUnitBytes)
	})
	t.Run("truncated bytes", func(t *testing.T) {
		parents := []UnitID{HashUnitBytes([]byte("a")), HashUnitBytes([]byte("b"))}
		u := NewUnit(parents, []Address{testAddr(1), testAddr(2)}, []Address{testAddr(3)}, []byte("payload data"))
		data := u.Bytes()
		for cut := 1; cut < len(data); cut++ {
			_, err := UnitFromBytes(data[:len(data)-cut])
			require.ErrorIs(t, err, ErrWrongUnitBytes, "cut %d bytes", cut)
		}
	})
	t.Run("unsorted parents rejected", func(t *testing.T) {
		p1 := HashUnitBytes([]byte("a"))
		p2 := HashUnitBytes([]byte("b"))
		if LessUnitID(p1, p2) {
			p1, p2 = p2, p1
		}
		u := &Unit{
			ParentIDs: []UnitID{p1, p2},
			Authors:   []Address{testAddr(1)},
		}
		_, err := UnitFromBytes(u.Bytes())
		require.ErrorIs(t, err, ErrWrongUnitBytes)
	})
	t.Run("no authors rejected", func(t *testing.T) {
		u := &Unit{ParentIDs: []UnitID{HashUnitBytes([]byte("a"))}}
		_, err := UnitFromBytes(u.Bytes())
		require.ErrorIs(t, err, ErrWrongUnitBytes)
	})
}

func TestUnitCommission(t *testing.T) {
	payload := []byte("0123456789")
	u := NewUnit([]UnitID{HashUnitBytes([]byte("a"))}, []Address{testAddr(1)}, nil, payload)
	require.EqualValues(t, len(payload), int(u.PayloadCommission()))
	require.EqualValues(t, len(u.Bytes()), int(u.HeadersCommission()+u.PayloadCommission()))
}

func TestIdentityData(t *testing.T) {
	witnesses := []Address{testAddr(1), testAddr(2), testAddr(3)}

	t.Run("roundtrip", func(t *testing.T) {
		id := NewIdentityData("test chain", 1700000000, witnesses)
		idBack, err := IdentityDataFromBytes(id.Bytes())
		require.NoError(t, err)
		require.EqualValues(t, id.Bytes(), idBack.Bytes())
		require.EqualValues(t, id.WitnessQuorum, idBack.WitnessQuorum)
		t.Logf("identity:\n%s", string(id.YAML()))
	})
	t.Run("truncated bytes", func(t *testing.T) {
		id := NewIdentityData("test chain", 1700000000, witnesses)
		data := id.Bytes()
		for cut := 1; cut < len(data); cut++ {
			_, err := IdentityDataFromBytes(data[:len(data)-cut])
			require.Error(t, err, "cut %d bytes", cut)
		}
	})
	t.Run("default quorum is majority", func(t *testing.T) {
		id := NewIdentityData("test chain", 1700000000, witnesses)
		require.EqualValues(t, 2, id.WitnessQuorum)
		require.EqualValues(t, 6, DefaultWitnessQuorum(11))
	})
	t.Run("witness membership", func(t *testing.T) {
		id := NewIdentityData("test chain", 1700000000, witnesses)
		require.True(t, id.IsWitness(testAddr(2)))
		require.False(t, id.IsWitness(testAddr(4)))
	})
	t.Run("genesis determinism", func(t *testing.T) {
		id1 := NewIdentityData("test chain", 1700000000, witnesses)
		id2 := NewIdentityData("test chain", 1700000000, []Address{testAddr(3), testAddr(1), testAddr(2)})
		require.EqualValues(t, id1.GenesisUnitID(), id2.GenesisUnitID())
	})
	t.Run("genesis unit", func(t *testing.T) {
		id := NewIdentityData("test chain", 1700000000, witnesses)
		g := id.GenesisUnit()
		require.True(t, g.IsGenesis())
		require.EqualValues(t, len(witnesses), len(g.Authors))
	})
}
