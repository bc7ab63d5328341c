package replication

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"

	"github.com/alpacahq/replica/stream"
)

// Entry header layout, big-endian:
//
//	magic(2) version(1) flags(1) payload size(4) record count(4) payload crc32c(4)
const (
	HeaderSize   = 16
	EntryMagic   = 0x5752
	EntryVersion = 1

	// FlagCompressed marks a snappy-compressed payload.
	FlagCompressed uint8 = 1 << 0

	DefaultMaxEntrySize = 4 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type Header struct {
	Magic       uint16
	Version     uint8
	Flags       uint8
	PayloadSize uint32
	RecordCount uint32
	Checksum    uint32
}

// EntrySize is the length of the whole entry on the stream, header included.
func (h Header) EntrySize() int {
	return HeaderSize + int(h.PayloadSize)
}

func (h Header) Compressed() bool {
	return h.Flags&FlagCompressed != 0
}

// Entry is one decoded log record group taken from the stream.
type Entry struct {
	Position stream.Position
	Header   Header
	// Payload is decompressed.
	Payload []byte
}

// End is the position right after the entry, which is the position reported
// once the entry is applied.
func (e *Entry) End() stream.Position {
	return e.Position + stream.Position(e.Header.EntrySize())
}

// EncodeEntry frames payload the way the master writes it to the stream.
func EncodeEntry(payload []byte, recordCount uint32, compress bool) []byte {
	var flags uint8
	if compress {
		payload = snappy.Encode(nil, payload)
		flags |= FlagCompressed
	}
	b := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(b[0:2], EntryMagic)
	b[2] = EntryVersion
	b[3] = flags
	binary.BigEndian.PutUint32(b[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint32(b[8:12], recordCount)
	binary.BigEndian.PutUint32(b[12:16], crc32.Checksum(payload, crcTable))
	copy(b[HeaderSize:], payload)
	return b
}

func decodeHeader(b []byte, maxEntrySize int) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(ErrCorruptEntry, "short header: %d bytes", len(b))
	}
	h := Header{
		Magic:       binary.BigEndian.Uint16(b[0:2]),
		Version:     b[2],
		Flags:       b[3],
		PayloadSize: binary.BigEndian.Uint32(b[4:8]),
		RecordCount: binary.BigEndian.Uint32(b[8:12]),
		Checksum:    binary.BigEndian.Uint32(b[12:16]),
	}
	switch {
	case h.Magic != EntryMagic:
		return h, errors.Wrapf(ErrCorruptEntry, "bad magic %#04x", h.Magic)
	case h.Version != EntryVersion:
		return h, errors.Wrapf(ErrCorruptEntry, "unsupported version %d", h.Version)
	case h.Flags&^FlagCompressed != 0:
		return h, errors.Wrapf(ErrCorruptEntry, "unknown flags %#02x", h.Flags)
	case int64(h.PayloadSize)+HeaderSize > int64(maxEntrySize):
		return h, errors.Wrapf(ErrCorruptEntry, "entry size %d exceeds the maximum %d",
			int64(h.PayloadSize)+HeaderSize, maxEntrySize)
	}
	return h, nil
}

// decodePayload checks the payload and decompresses it. A compressed payload
// may not expand beyond maxDecodedSize.
func decodePayload(h Header, raw []byte, maxDecodedSize int) ([]byte, error) {
	if sum := crc32.Checksum(raw, crcTable); sum != h.Checksum {
		return nil, errors.Wrapf(ErrCorruptEntry, "checksum mismatch: header=%#08x payload=%#08x", h.Checksum, sum)
	}
	if !h.Compressed() {
		return raw, nil
	}
	n, err := snappy.DecodedLen(raw)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptEntry, "decompressed length: %v", err)
	}
	if n > maxDecodedSize {
		return nil, errors.Wrapf(ErrCorruptEntry, "payload decompresses to %d bytes, the maximum is %d", n, maxDecodedSize)
	}
	payload, err := snappy.Decode(make([]byte, n), raw)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptEntry, "decompress payload: %v", err)
	}
	return payload, nil
}
