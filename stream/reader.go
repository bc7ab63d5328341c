package stream

import (
	"context"

	"github.com/pkg/errors"
)

// Fallback serves bytes that already left the in-memory window.
type Fallback interface {
	Read(pos Position, n int) ([]byte, error)
}

// Reader reads the stream by position and transparently falls back to the
// overflow file for positions older than the window.
type Reader struct {
	s  *Stream
	fb Fallback
}

func NewReader(s *Stream, fb Fallback) *Reader {
	return &Reader{s: s, fb: fb}
}

func (r *Reader) Read(pos Position, n int) ([]byte, error) {
	return r.read(pos, n, func(p Position, m int) ([]byte, error) {
		return r.s.Read(p, m)
	})
}

// WaitForRead blocks until the range is available, see Stream.WaitForRead.
func (r *Reader) WaitForRead(ctx context.Context, pos Position, n int) ([]byte, error) {
	return r.read(pos, n, func(p Position, m int) ([]byte, error) {
		return r.s.WaitForRead(ctx, p, m)
	})
}

func (r *Reader) read(pos Position, n int, fromMemory func(Position, int) ([]byte, error)) ([]byte, error) {
	var out []byte
	for len(out) < n {
		cur := pos + Position(len(out))
		b, err := fromMemory(cur, n-len(out))
		if err == nil {
			if out == nil {
				return b, nil
			}
			return append(out, b...), nil
		}
		if !errors.Is(err, ErrPositionTooOld) || r.fb == nil {
			return nil, err
		}

		// the head only moves forward, so [cur, head) is persisted by now
		m := int(r.s.HeadPosition() - cur)
		if m > n-len(out) {
			m = n - len(out)
		}
		old, err := r.fb.Read(cur, m)
		if err != nil {
			return nil, errors.Wrapf(err, "read %d at %d from overflow file", m, cur)
		}
		if out == nil {
			out = make([]byte, 0, n)
		}
		out = append(out, old...)
	}
	return out, nil
}

// Consume forwards to the underlying stream.
func (r *Reader) Consume(pos Position) {
	r.s.Consume(pos)
}
