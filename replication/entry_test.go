package replication_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replica/replication"
	"github.com/alpacahq/replica/stream"
)

// entryOfSize builds an uncompressed entry whose total size is size.
func entryOfSize(t *testing.T, size int, fill byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, size, replication.HeaderSize)
	return replication.EncodeEntry(bytes.Repeat([]byte{fill}, size-replication.HeaderSize), 1, false)
}

func TestEntryReader_ThreeEntries(t *testing.T) {
	t.Parallel()
	// --- given ---
	s := stream.New("test", 256)
	require.Nil(t, s.Init(0))
	defer s.Close()
	s.SetTriggerMinToReadSize(16)
	r := replication.NewEntryReader(s, 0, 128)
	require.Equal(t, 16, r.HeaderSize())

	var all []byte
	for i, size := range []int{40, 55, 30} {
		all = append(all, entryOfSize(t, size, byte(i+1))...)
	}

	// --- when ---
	// bytes trickle in, splitting headers and payloads
	go func() {
		for off := 0; off < len(all); off += 7 {
			end := off + 7
			if end > len(all) {
				end = len(all)
			}
			_, _ = s.Append(context.Background(), all[off:end])
			time.Sleep(time.Millisecond)
		}
	}()

	// --- then ---
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var positions []stream.Position
	var ends []stream.Position
	for i := 0; i < 3; i++ {
		e, err := r.Next(ctx)
		require.Nil(t, err)
		positions = append(positions, e.Position)
		ends = append(ends, e.End())
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, e.Header.EntrySize()-16), e.Payload)
	}
	assert.Equal(t, []stream.Position{0, 40, 95}, positions)
	assert.Equal(t, []stream.Position{40, 95, 125}, ends)
	assert.Equal(t, stream.Position(125), r.Position())
}

func TestEntryReader_WaitsForCompleteEntry(t *testing.T) {
	t.Parallel()
	// --- given ---
	s := stream.New("test", 256)
	require.Nil(t, s.Init(0))
	defer s.Close()
	r := replication.NewEntryReader(s, 0, 128)
	entry := entryOfSize(t, 50, 9)
	_, err := s.TryAppend(entry[:30])
	require.Nil(t, err)

	// --- when ---
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = r.Next(ctx)

	// --- then ---
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, stream.Position(0), r.Position())

	_, err = s.TryAppend(entry[30:])
	require.Nil(t, err)
	e, err := r.Next(context.Background())
	require.Nil(t, err)
	assert.Equal(t, stream.Position(50), e.End())
}

func TestEntryReader_Compressed(t *testing.T) {
	t.Parallel()
	s := stream.New("test", 4096)
	require.Nil(t, s.Init(1000))
	defer s.Close()
	payload := bytes.Repeat([]byte("tick,"), 200)
	_, err := s.TryAppend(replication.EncodeEntry(payload, 200, true))
	require.Nil(t, err)

	e, err := replication.NewEntryReader(s, 1000, 4096).Next(context.Background())

	require.Nil(t, err)
	assert.True(t, e.Header.Compressed())
	assert.Equal(t, uint32(200), e.Header.RecordCount)
	assert.Equal(t, payload, e.Payload)
	assert.Less(t, e.Header.EntrySize(), len(payload))
}

func TestEntryReader_Corrupt(t *testing.T) {
	t.Parallel()
	tests := map[string]func(b []byte){
		"bad magic":   func(b []byte) { b[0] = 0 },
		"bad version": func(b []byte) { b[2] = 9 },
		"bad flags":   func(b []byte) { b[3] = 0x80 },
		"too large":   func(b []byte) { binary.BigEndian.PutUint32(b[4:8], 1<<20) },
		"bad crc":     func(b []byte) { b[len(b)-1] ^= 0xff },
	}
	for name, corrupt := range tests {
		corrupt := corrupt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			// --- given ---
			s := stream.New("test", 256)
			require.Nil(t, s.Init(0))
			defer s.Close()
			b := entryOfSize(t, 40, 1)
			corrupt(b)
			_, err := s.TryAppend(b)
			require.Nil(t, err)

			// --- when ---
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err = replication.NewEntryReader(s, 0, 128).Next(ctx)

			// --- then ---
			assert.ErrorIs(t, err, replication.ErrCorruptEntry)
			assert.Equal(t, replication.CodeProtocol, replication.ErrorCode(err))
		})
	}
}

func TestEntryReader_CompressedPayloadTooLarge(t *testing.T) {
	t.Parallel()
	// --- given ---
	// a tiny compressed payload that claims to expand to 512 MiB
	raw := binary.AppendUvarint(nil, 512<<20)
	b := make([]byte, replication.HeaderSize, replication.HeaderSize+len(raw))
	binary.BigEndian.PutUint16(b[0:2], replication.EntryMagic)
	b[2] = replication.EntryVersion
	b[3] = replication.FlagCompressed
	binary.BigEndian.PutUint32(b[4:8], uint32(len(raw)))
	binary.BigEndian.PutUint32(b[8:12], 1)
	binary.BigEndian.PutUint32(b[12:16], crc32.Checksum(raw, crc32.MakeTable(crc32.Castagnoli)))
	b = append(b, raw...)

	s := stream.New("test", 256)
	require.Nil(t, s.Init(0))
	defer s.Close()
	_, err := s.TryAppend(b)
	require.Nil(t, err)

	// --- when ---
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = replication.NewEntryReader(s, 0, 128).Next(ctx)

	// --- then ---
	assert.ErrorIs(t, err, replication.ErrCorruptEntry)
	assert.Equal(t, replication.CodeProtocol, replication.ErrorCode(err))
}
