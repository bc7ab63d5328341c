package replication

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/atomic"

	"github.com/alpacahq/replica/metrics"
	"github.com/alpacahq/replica/replication/channel"
	"github.com/alpacahq/replica/stream"
	"github.com/alpacahq/replica/utils/log"
)

const defaultControlInterval = 100 * time.Millisecond

// AckMode selects which progress is reported to the master.
type AckMode int8

const (
	// AckOnApply acknowledges an entry once it has been applied.
	AckOnApply AckMode = iota
	// AckOnFlush acknowledges an entry once it has been applied and the
	// overflow file holding it has been synced.
	AckOnFlush
)

func (m AckMode) String() string {
	if m == AckOnFlush {
		return "flush"
	}
	return "apply"
}

func ParseAckMode(s string) (AckMode, error) {
	switch strings.ToLower(s) {
	case "", "apply", "ack-on-apply":
		return AckOnApply, nil
	case "flush", "ack-on-flush":
		return AckOnFlush, nil
	default:
		return AckOnApply, errors.Errorf("unknown ack mode %q", s)
	}
}

// AckRecord is the message sent on the control channel.
type AckRecord struct {
	Position uint64  `msgpack:"position"`
	Mode     AckMode `msgpack:"mode"`
}

func EncodeAck(rec AckRecord) ([]byte, error) {
	b, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode ack record")
	}
	return b, nil
}

func DecodeAck(b []byte) (AckRecord, error) {
	var rec AckRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return rec, errors.Wrap(err, "decode ack record")
	}
	return rec, nil
}

// ControlSender periodically reports the latest safe position to the master.
// Positions set between two ticks are coalesced; only the latest is sent.
type ControlSender struct {
	ch       channel.Channel
	mode     AckMode
	interval time.Duration

	pending atomic.Uint64
	sent    atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewControlSender creates a sender over an already connected channel. start
// is considered acknowledged.
func NewControlSender(ch channel.Channel, mode AckMode, interval time.Duration, start stream.Position) *ControlSender {
	if interval <= 0 {
		interval = defaultControlInterval
	}
	s := &ControlSender{
		ch:       ch,
		mode:     mode,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	s.pending.Store(uint64(start))
	s.sent.Store(uint64(start))
	return s
}

// SetSyncedPosition sets the position for the next tick. It never moves
// backwards and is safe to call while a tick is sending.
func (s *ControlSender) SetSyncedPosition(pos stream.Position) {
	for {
		cur := s.pending.Load()
		if uint64(pos) <= cur || s.pending.CompareAndSwap(cur, uint64(pos)) {
			return
		}
	}
}

// SentPosition is the last position delivered to the channel.
func (s *ControlSender) SentPosition() stream.Position {
	return stream.Position(s.sent.Load())
}

// Run ticks until Stop or ctx is done. A send failure ends the loop with an
// error, it is not retried here.
func (s *ControlSender) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.tick(); err != nil {
				if s.stopped() || ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (s *ControlSender) tick() error {
	pos := s.pending.Load()
	if pos <= s.sent.Load() {
		return nil
	}
	b, err := EncodeAck(AckRecord{Position: pos, Mode: s.mode})
	if err != nil {
		return err
	}
	if err = s.ch.Send(b); err != nil {
		return errors.Wrapf(err, "send ack %d", pos)
	}
	s.sent.Store(pos)
	metrics.AcksSentTotal.WithLabelValues(s.mode.String()).Inc()
	log.Debug("acknowledged %d (%s)", pos, s.mode)
	return nil
}

// Stop ends Run and closes the channel, abandoning a send in flight.
func (s *ControlSender) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if err := s.ch.Close(); err != nil {
			log.Warn("close control channel: %v", err)
		}
	})
}

func (s *ControlSender) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
