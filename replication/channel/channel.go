package channel

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Purpose tells the master what a new connection is used for.
type Purpose string

const (
	// PurposeNewSlave carries the log stream from the master.
	PurposeNewSlave Purpose = "new slave"
	// PurposeNewSlaveControl carries acknowledgments to the master.
	PurposeNewSlaveControl Purpose = "new slave control"
)

func (p Purpose) Valid() bool {
	return p == PurposeNewSlave || p == PurposeNewSlaveControl
}

var (
	// ErrConnect is returned by Connect when the master cannot be reached.
	// It is transient: the caller may try again.
	ErrConnect = errors.New("failed to connect to master")
	// ErrRejected is returned by Connect when the master refused the handshake.
	ErrRejected = errors.New("master rejected the connection")
	// ErrNotConnected is returned by Send and Recv before Connect.
	ErrNotConnected = errors.New("channel not connected")
	// ErrClosed is returned once the channel was closed locally.
	ErrClosed = errors.New("channel closed")
)

// Channel is a bidirectional, message-framed connection to the master.
// Send and Recv may be called from two different goroutines; Close unblocks
// both.
type Channel interface {
	Connect(ctx context.Context, host string, port int, purpose Purpose) error
	Send(msg []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Hello is the first frame sent on every connection.
type Hello struct {
	Identity string  `msgpack:"identity"`
	Purpose  Purpose `msgpack:"purpose"`
}

// Welcome is the master's answer to Hello.
type Welcome struct {
	OK     bool   `msgpack:"ok"`
	Reason string `msgpack:"reason,omitempty"`
}

func encodeFrame(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode handshake frame")
	}
	return b, nil
}

func decodeFrame(b []byte, v interface{}) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return errors.Wrap(err, "decode handshake frame")
	}
	return nil
}
