package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/obylite/obylite/util"
	"gopkg.in/yaml.v2"
)

// IdentityData is provided at genesis and remains immutable during the chain lifetime.
// All integers are serialized big-endian
type IdentityData struct {
	// arbitrary string up to 255 bytes
	Description string
	// genesis time unix seconds
	GenesisTimeUnix uint32
	// ordered witness list all units measure irreversibility against
	Witnesses []Address
	// number of distinct witnesses which must confirm before an MCI is stable.
	// Majority of len(Witnesses) by default
	WitnessQuorum uint16
}

// IdentityDataYAMLAble structure for canonical YAML marshaling
type IdentityDataYAMLAble struct {
	Description     string   `yaml:"description"`
	GenesisTimeUnix uint32   `yaml:"genesis_time_unix"`
	Witnesses       []string `yaml:"witnesses"`
	WitnessQuorum   uint16   `yaml:"witness_quorum"`
	// non-persistent, for control
	GenesisUnitID string `yaml:"genesis_unit_id"`
}

func DefaultWitnessQuorum(nWitnesses int) uint16 {
	return uint16(nWitnesses/2 + 1)
}

func NewIdentityData(description string, genesisTimeUnix uint32, witnesses []Address, quorum ...uint16) *IdentityData {
	ret := &IdentityData{
		Description:     description,
		GenesisTimeUnix: genesisTimeUnix,
		Witnesses:       make([]Address, len(witnesses)),
		WitnessQuorum:   DefaultWitnessQuorum(len(witnesses)),
	}
	copy(ret.Witnesses, witnesses)
	sort.Slice(ret.Witnesses, func(i, j int) bool { return LessAddress(ret.Witnesses[i], ret.Witnesses[j]) })
	if len(quorum) > 0 {
		ret.WitnessQuorum = quorum[0]
	}
	util.Assertf(len(ret.Witnesses) > 0, "at least one witness expected")
	util.Assertf(int(ret.WitnessQuorum) <= len(ret.Witnesses), "witness quorum exceeds the witness list size")
	util.Assertf(ret.WitnessQuorum > 0, "witness quorum must be positive")
	return ret
}

func (id *IdentityData) Bytes() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, id.GenesisTimeUnix)
	_ = binary.Write(&buf, binary.BigEndian, id.WitnessQuorum)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(id.Witnesses)))
	for i := range id.Witnesses {
		buf.Write(id.Witnesses[i][:])
	}
	util.Assertf(len(id.Description) <= 255, "len(id.Description) <= 255")
	buf.WriteByte(byte(len(id.Description)))
	buf.WriteString(id.Description)
	return buf.Bytes()
}

func IdentityDataFromBytes(data []byte) (*IdentityData, error) {
	rdr := bytes.NewReader(data)
	ret := &IdentityData{}
	if err := binary.Read(rdr, binary.BigEndian, &ret.GenesisTimeUnix); err != nil {
		return nil, fmt.Errorf("IdentityDataFromBytes: %w", err)
	}
	if err := binary.Read(rdr, binary.BigEndian, &ret.WitnessQuorum); err != nil {
		return nil, fmt.Errorf("IdentityDataFromBytes: %w", err)
	}
	var n uint16
	if err := binary.Read(rdr, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("IdentityDataFromBytes: %w", err)
	}
	ret.Witnesses = make([]Address, n)
	for i := range ret.Witnesses {
		if _, err := io.ReadFull(rdr, ret.Witnesses[i][:]); err != nil {
			return nil, fmt.Errorf("IdentityDataFromBytes: %w", err)
		}
	}
	descLen, err := rdr.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("IdentityDataFromBytes: %w", err)
	}
	desc := make([]byte, descLen)
	if _, err = io.ReadFull(rdr, desc); err != nil {
		return nil, fmt.Errorf("IdentityDataFromBytes: %w", err)
	}
	ret.Description = string(desc)
	if rdr.Len() != 0 {
		return nil, fmt.Errorf("IdentityDataFromBytes: trailing bytes")
	}
	return ret, nil
}

func MustIdentityDataFromBytes(data []byte) *IdentityData {
	ret, err := IdentityDataFromBytes(data)
	util.AssertNoError(err)
	return ret
}

func (id *IdentityData) IsWitness(addr Address) bool {
	for i := range id.Witnesses {
		if id.Witnesses[i] == addr {
			return true
		}
	}
	return false
}

// GenesisUnit the only unit without parents. Its payload carries the chain identity,
// its authors and witness list are the identity witnesses
func (id *IdentityData) GenesisUnit() *Unit {
	return NewUnit(nil, id.Witnesses, id.Witnesses, id.Bytes())
}

func (id *IdentityData) GenesisUnitID() UnitID {
	return id.GenesisUnit().ID()
}

func (id *IdentityData) YAMLAble() *IdentityDataYAMLAble {
	witnesses := make([]string, len(id.Witnesses))
	for i := range id.Witnesses {
		witnesses[i] = hex.EncodeToString(id.Witnesses[i][:])
	}
	return &IdentityDataYAMLAble{
		Description:     id.Description,
		GenesisTimeUnix: id.GenesisTimeUnix,
		Witnesses:       witnesses,
		WitnessQuorum:   id.WitnessQuorum,
		GenesisUnitID:   id.GenesisUnitID().StringHex(),
	}
}

func (id *IdentityData) YAML() []byte {
	ret, err := yaml.Marshal(id.YAMLAble())
	util.AssertNoError(err)
	return ret
}

func (id *IdentityData) String() string {
	return string(id.YAML())
}
