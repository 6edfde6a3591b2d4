package testutil

import (
	"encoding/binary"
	"strings"

	"github.com/lunfardo314/unitrie/common"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type Integer interface {
	int | uint16 | uint32 | uint64 | int16 | int32 | int64
}

var prn = message.NewPrinter(language.English)

func GoThousands[T Integer](v T) string {
	return strings.Replace(prn.Sprintf("%d", v), ",", "_", -1)
}

const deterministicSeed = "obylite deterministic testing seed"

// DeterministicSeed32 produces a reproducible 32-byte value for the given index.
// Used to make test addresses and witness lists which are the same in every run
func DeterministicSeed32(idx int) (ret [32]byte) {
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(idx))
	ret = blake2b.Sum256(common.Concat([]byte(deterministicSeed), u64[:]))
	return
}
