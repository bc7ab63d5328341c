package mock

import (
	"context"
	"io"
	"sync"

	"github.com/alpacahq/replica/replication/channel"
)

// Channel is an in-memory channel.Channel. Messages pushed with Push are
// returned by Recv in order; messages given to Send are recorded.
type Channel struct {
	ConnectErr error
	SendErr    error
	// Connect waits for Block to be closed, or for its context, when set.
	Block chan struct{}

	mu        sync.Mutex
	connected bool
	purpose   channel.Purpose
	host      string
	port      int
	sent      [][]byte
	sentCh    chan []byte

	recvCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func NewChannel() *Channel {
	return &Channel{
		recvCh: make(chan []byte, 1024),
		closed: make(chan struct{}),
		sentCh: make(chan []byte, 1024),
	}
}

func (c *Channel) Connect(ctx context.Context, host string, port int, purpose channel.Purpose) error {
	if c.Block != nil {
		select {
		case <-c.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected, c.host, c.port, c.purpose = true, host, port, purpose
	return nil
}

func (c *Channel) Send(msg []byte) error {
	select {
	case <-c.closed:
		return channel.ErrClosed
	default:
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return channel.ErrNotConnected
	}
	b := append([]byte(nil), msg...)
	c.sent = append(c.sent, b)
	select {
	case c.sentCh <- b:
	default:
	}
	return nil
}

func (c *Channel) Recv() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, channel.ErrClosed
	case b, ok := <-c.recvCh:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	}
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Push queues a message for Recv.
func (c *Channel) Push(msg []byte) {
	c.recvCh <- msg
}

// EndStream makes Recv return io.EOF once the pushed messages are drained.
func (c *Channel) EndStream() {
	c.endOnce.Do(func() { close(c.recvCh) })
}

func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// SentCh delivers every sent message, as long as nobody falls 1024 behind.
func (c *Channel) SentCh() <-chan []byte {
	return c.sentCh
}

func (c *Channel) Purpose() channel.Purpose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purpose
}

func (c *Channel) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
