package ledger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/obylite/obylite/util"
	"github.com/obylite/obylite/util/lines"
)

// Unit is one immutable entry of the DAG. The consensus bookkeeping facts
// (MCI, main chain membership, stability, sequence) are not part of the unit,
// they live in the graph vertex and in the durable unit meta record.
type Unit struct {
	// ParentIDs sorted ascending, no duplicates. Empty only for the genesis unit
	ParentIDs []UnitID
	// Authors sorted ascending, at least one
	Authors []Address
	// Witnesses declared witness list. Empty means inherited from the best parent
	Witnesses []Address
	// Payload opaque message data
	Payload []byte
}

const unitFormatVersion = byte(1)

var (
	ErrWrongUnitBytes = errors.New("wrong unit bytes")

	genesisUnitID = UnitID{}
)

// Bytes canonical binary serialization. UnitID is the blake2b hash of exactly
// these bytes, so the layout is consensus-critical
func (u *Unit) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(unitFormatVersion)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(u.ParentIDs)))
	for i := range u.ParentIDs {
		buf.Write(u.ParentIDs[i][:])
	}
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(u.Authors)))
	for i := range u.Authors {
		buf.Write(u.Authors[i][:])
	}
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(u.Witnesses)))
	for i := range u.Witnesses {
		buf.Write(u.Witnesses[i][:])
	}
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(u.Payload)))
	buf.Write(u.Payload)
	return buf.Bytes()
}

func (u *Unit) ID() UnitID {
	return HashUnitBytes(u.Bytes())
}

func UnitFromBytes(data []byte) (*Unit, error) {
	rdr := bytes.NewReader(data)
	version, err := rdr.ReadByte()
	if err != nil || version != unitFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version", ErrWrongUnitBytes)
	}
	ret := &Unit{}
	if ret.ParentIDs, err = readIDList(rdr); err != nil {
		return nil, err
	}
	if ret.Authors, err = readAddressList(rdr); err != nil {
		return nil, err
	}
	if ret.Witnesses, err = readAddressList(rdr); err != nil {
		return nil, err
	}
	var payloadLen uint32
	if err = binary.Read(rdr, binary.BigEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongUnitBytes, err)
	}
	ret.Payload = make([]byte, payloadLen)
	if _, err = io.ReadFull(rdr, ret.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongUnitBytes, err)
	}
	if rdr.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrWrongUnitBytes)
	}
	if err = ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}

func readIDList(rdr *bytes.Reader) ([]UnitID, error) {
	var n uint16
	if err := binary.Read(rdr, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongUnitBytes, err)
	}
	ret := make([]UnitID, n)
	for i := range ret {
		if _, err := io.ReadFull(rdr, ret[i][:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWrongUnitBytes, err)
		}
	}
	return ret, nil
}

func readAddressList(rdr *bytes.Reader) ([]Address, error) {
	var n uint16
	if err := binary.Read(rdr, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongUnitBytes, err)
	}
	ret := make([]Address, n)
	for i := range ret {
		if _, err := io.ReadFull(rdr, ret[i][:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWrongUnitBytes, err)
		}
	}
	return ret, nil
}

// Validate checks canonical ordering constraints. Parent existence is not
// checked here, that is the unit graph's responsibility
func (u *Unit) Validate() error {
	if len(u.Authors) == 0 {
		return fmt.Errorf("%w: at least one author expected", ErrWrongUnitBytes)
	}
	for i := 1; i < len(u.ParentIDs); i++ {
		if bytes.Compare(u.ParentIDs[i-1][:], u.ParentIDs[i][:]) >= 0 {
			return fmt.Errorf("%w: parent IDs must be sorted and unique", ErrWrongUnitBytes)
		}
	}
	for i := 1; i < len(u.Authors); i++ {
		if bytes.Compare(u.Authors[i-1][:], u.Authors[i][:]) >= 0 {
			return fmt.Errorf("%w: author addresses must be sorted and unique", ErrWrongUnitBytes)
		}
	}
	for i := 1; i < len(u.Witnesses); i++ {
		if bytes.Compare(u.Witnesses[i-1][:], u.Witnesses[i][:]) >= 0 {
			return fmt.Errorf("%w: witness addresses must be sorted and unique", ErrWrongUnitBytes)
		}
	}
	return nil
}

func (u *Unit) IsGenesis() bool {
	return len(u.ParentIDs) == 0
}

// HeadersCommission size of everything except the payload, in bytes.
// Earned by whoever includes the unit as a parent on the next main chain index
func (u *Unit) HeadersCommission() uint64 {
	return uint64(len(u.Bytes()) - len(u.Payload))
}

// PayloadCommission size of the payload, in bytes
func (u *Unit) PayloadCommission() uint64 {
	return uint64(len(u.Payload))
}

func (u *Unit) HasParent(id UnitID) bool {
	for i := range u.ParentIDs {
		if u.ParentIDs[i] == id {
			return true
		}
	}
	return false
}

func (u *Unit) AuthoredBy(addr Address) bool {
	for i := range u.Authors {
		if u.Authors[i] == addr {
			return true
		}
	}
	return false
}

func (u *Unit) Lines(prefix ...string) *lines.Lines {
	ret := lines.New(prefix...)
	ret.Add("unit %s", u.ID().StringShort())
	for i := range u.ParentIDs {
		ret.Add("   parent %s", u.ParentIDs[i].StringShort())
	}
	for i := range u.Authors {
		ret.Add("   author %s", u.Authors[i].StringShort())
	}
	ret.Add("   witnesses: %d, payload: %d bytes", len(u.Witnesses), len(u.Payload))
	return ret
}

// NewUnit convenience constructor which sorts the lists into canonical order
func NewUnit(parents []UnitID, authors []Address, witnesses []Address, payload []byte) *Unit {
	ret := &Unit{
		ParentIDs: make([]UnitID, len(parents)),
		Authors:   make([]Address, len(authors)),
		Witnesses: make([]Address, len(witnesses)),
		Payload:   payload,
	}
	copy(ret.ParentIDs, parents)
	copy(ret.Authors, authors)
	copy(ret.Witnesses, witnesses)
	sort.Slice(ret.ParentIDs, func(i, j int) bool { return LessUnitID(ret.ParentIDs[i], ret.ParentIDs[j]) })
	sort.Slice(ret.Authors, func(i, j int) bool { return LessAddress(ret.Authors[i], ret.Authors[j]) })
	sort.Slice(ret.Witnesses, func(i, j int) bool { return LessAddress(ret.Witnesses[i], ret.Witnesses[j]) })
	util.AssertNoError(ret.Validate())
	return ret
}
