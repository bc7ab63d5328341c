package replication

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/atomic"

	"github.com/alpacahq/replica/metrics"
	"github.com/alpacahq/replica/replication/channel"
	"github.com/alpacahq/replica/stream"
	"github.com/alpacahq/replica/utils/log"
)

// ResumeRequest is the first message on the log channel. The master streams
// from Position on.
type ResumeRequest struct {
	Position uint64 `msgpack:"position"`
}

func EncodeResume(pos stream.Position) ([]byte, error) {
	b, err := msgpack.Marshal(&ResumeRequest{Position: uint64(pos)})
	if err != nil {
		return nil, errors.Wrap(err, "encode resume request")
	}
	return b, nil
}

func DecodeResume(b []byte) (stream.Position, error) {
	var req ResumeRequest
	if err := msgpack.Unmarshal(b, &req); err != nil {
		return 0, errors.Wrap(err, "decode resume request")
	}
	return stream.Position(req.Position), nil
}

// Receiver copies bytes from the log channel to the stream.
type Receiver struct {
	ch       channel.Channel
	s        *stream.Stream
	start    stream.Position
	received atomic.Uint64
}

// NewReceiver creates a receiver resuming at start, which must be the write
// position of the stream so that no byte is duplicated or skipped.
func NewReceiver(ch channel.Channel, s *stream.Stream, start stream.Position) (*Receiver, error) {
	if w := s.WritePosition(); start != w {
		return nil, errors.Errorf("receiver start %d does not match the stream write position %d", start, w)
	}
	return &Receiver{ch: ch, s: s, start: start}, nil
}

// Run asks the master to stream from the start position and appends whatever
// arrives until the channel fails, the stream is closed or ctx is done. The
// channel is closed when ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.ch.Close() })
	defer stop()

	req, err := EncodeResume(r.start)
	if err != nil {
		return err
	}
	if err = r.ch.Send(req); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrapf(err, "request the log from %d", r.start)
	}
	log.Info("receiving stream %s from %d", r.s.Name(), r.start)

	received := metrics.ReceivedBytesTotal.WithLabelValues(r.s.Name())
	for {
		b, err := r.ch.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("master closed the log channel")
			}
			return errors.Wrap(err, "receive log bytes")
		}
		if len(b) == 0 {
			continue
		}
		if _, err = r.s.Append(ctx, b); err != nil {
			if ctx.Err() != nil || errors.Is(err, stream.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "append log bytes")
		}
		r.received.Add(uint64(len(b)))
		received.Add(float64(len(b)))
	}
}

// Received is the number of bytes appended by this receiver.
func (r *Receiver) Received() uint64 {
	return r.received.Load()
}
