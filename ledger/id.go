package ledger

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	UnitIDLength  = 32
	AddressLength = 32
)

type (
	// UnitID is the blake2b-256 hash of canonical unit bytes
	UnitID [UnitIDLength]byte

	// Address is an account identifier a unit is authored by or commission is credited to
	Address [AddressLength]byte
)

func HashUnitBytes(unitBytes []byte) (ret UnitID) {
	ret = blake2b.Sum256(unitBytes)
	return
}

func UnitIDFromBytes(data []byte) (ret UnitID, err error) {
	if len(data) != UnitIDLength {
		err = errors.New("UnitIDFromBytes: wrong data length")
		return
	}
	copy(ret[:], data)
	return
}

func UnitIDFromHexString(str string) (ret UnitID, err error) {
	var data []byte
	if data, err = hex.DecodeString(str); err != nil {
		return
	}
	ret, err = UnitIDFromBytes(data)
	return
}

// RandomUnitID for testing
func RandomUnitID() (ret UnitID) {
	_, _ = rand.Read(ret[:])
	return
}

func (id UnitID) Bytes() []byte {
	return id[:]
}

func (id UnitID) StringHex() string {
	return hex.EncodeToString(id[:])
}

// StringShort first 6 bytes of the hash, enough to tell units apart in logs
func (id UnitID) StringShort() string {
	return fmt.Sprintf("[%s..]", hex.EncodeToString(id[:6]))
}

func (id UnitID) String() string {
	return id.StringHex()
}

func AddressFromBytes(data []byte) (ret Address, err error) {
	if len(data) != AddressLength {
		err = errors.New("AddressFromBytes: wrong data length")
		return
	}
	copy(ret[:], data)
	return
}

func AddressFromHexString(str string) (ret Address, err error) {
	var data []byte
	if data, err = hex.DecodeString(str); err != nil {
		return
	}
	ret, err = AddressFromBytes(data)
	return
}

func (a Address) Bytes() []byte {
	return a[:]
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) StringShort() string {
	return fmt.Sprintf("(%s..)", hex.EncodeToString(a[:6]))
}

// LessUnitID lexicographic order of unit hashes, the deterministic tie-break
// all nodes agree on
func LessUnitID(a, b UnitID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func LessAddress(a, b Address) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
