package recovery

import (
	"encoding/binary"

	"github.com/alpacahq/replica/stream"
)

// Keyspace (byte-wise sortable):
//   - repl/applied            applied position, be8
//   - repl/e/{pos_be8}        applied entry payload
var (
	keyApplied  = []byte("repl/applied")
	entryPrefix = []byte("repl/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyEntry is the key of the entry applied at pos.
func KeyEntry(pos stream.Position) []byte {
	k := make([]byte, 0, len(entryPrefix)+8)
	k = append(k, entryPrefix...)
	return appendBE8(k, uint64(pos))
}

// EntryBounds returns the [lower, upper) key range of all entries.
func EntryBounds() (lower, upper []byte) {
	lower = append([]byte(nil), entryPrefix...)
	upper = append([]byte(nil), entryPrefix...)
	upper[len(upper)-1]++
	return lower, upper
}

// PositionOf decodes the position from an entry key.
func PositionOf(key []byte) (stream.Position, bool) {
	if len(key) != len(entryPrefix)+8 {
		return 0, false
	}
	return stream.Position(binary.BigEndian.Uint64(key[len(entryPrefix):])), true
}
