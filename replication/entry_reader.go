package replication

import (
	"context"

	"github.com/alpacahq/replica/stream"
)

// EntrySource is the part of the stream the entry reader needs.
// *stream.Stream and *stream.Reader both satisfy it.
type EntrySource interface {
	WaitForRead(ctx context.Context, pos stream.Position, n int) ([]byte, error)
	Consume(pos stream.Position)
}

// EntryReader cuts the byte stream into entries. It parks on the stream until
// a complete entry is available and never returns a partial one.
type EntryReader struct {
	src          EntrySource
	pos          stream.Position
	maxEntrySize int
}

func NewEntryReader(src EntrySource, start stream.Position, maxEntrySize int) *EntryReader {
	if maxEntrySize <= 0 {
		maxEntrySize = DefaultMaxEntrySize
	}
	return &EntryReader{src: src, pos: start, maxEntrySize: maxEntrySize}
}

func (r *EntryReader) HeaderSize() int {
	return HeaderSize
}

// Position is the start of the next entry.
func (r *EntryReader) Position() stream.Position {
	return r.pos
}

// Next blocks until the entry at the cursor is complete, then advances the
// cursor past it and releases its bytes in the stream.
func (r *EntryReader) Next(ctx context.Context) (*Entry, error) {
	hb, err := r.src.WaitForRead(ctx, r.pos, HeaderSize)
	if err != nil {
		return nil, err
	}
	h, err := decodeHeader(hb, r.maxEntrySize)
	if err != nil {
		return nil, err
	}
	b, err := r.src.WaitForRead(ctx, r.pos, h.EntrySize())
	if err != nil {
		return nil, err
	}
	payload, err := decodePayload(h, b[HeaderSize:], r.maxEntrySize)
	if err != nil {
		return nil, err
	}

	e := &Entry{Position: r.pos, Header: h, Payload: payload}
	r.pos = e.End()
	r.src.Consume(r.pos)
	return e, nil
}
