package channel

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/alpacahq/replica/utils/log"
)

const (
	mdIdentity = "replica-identity"
	mdPurpose  = "replica-purpose"
)

type ClientOption func(*GRPCChannel)

// WithTLS makes the channel verify the master against the given certificate.
func WithTLS(certFile string) ClientOption {
	return func(c *GRPCChannel) {
		c.certFile = certFile
	}
}

// GRPCChannel is a Channel over one bidirectional gRPC stream.
type GRPCChannel struct {
	identity string
	certFile string

	mu     sync.Mutex
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	closed bool
}

func NewGRPCChannel(identity string, opts ...ClientOption) *GRPCChannel {
	c := &GRPCChannel{identity: identity}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the master, opens the stream and performs the handshake.
// ctx bounds the connection attempt only; the stream lives until Close.
func (c *GRPCChannel) Connect(ctx context.Context, host string, port int, purpose Purpose) error {
	if !purpose.Valid() {
		return errors.Errorf("unknown channel purpose %q", purpose)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.stream != nil {
		c.mu.Unlock()
		return errors.New("channel already connected")
	}
	c.mu.Unlock()

	creds := insecure.NewCredentials()
	if c.certFile != "" {
		tlsCreds, err := credentials.NewClientTLSFromFile(c.certFile, "")
		if err != nil {
			return errors.Wrapf(err, "load TLS certificate %s", c.certFile)
		}
		creds = tlsCreds
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return errors.Wrapf(ErrConnect, "%s: %v", target, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx,
		mdIdentity, c.identity, mdPurpose, string(purpose))

	type result struct {
		stream grpc.ClientStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		st, err2 := c.handshake(streamCtx, conn, purpose)
		done <- result{stream: st, err: err2}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		cancel()
		<-done
		_ = conn.Close()
		return errors.Wrapf(ErrConnect, "%s: %v", target, ctx.Err())
	}
	if res.err != nil {
		cancel()
		_ = conn.Close()
		if errors.Is(res.err, ErrRejected) {
			return res.err
		}
		return errors.Wrapf(ErrConnect, "%s: %v", target, res.err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		cancel()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn, c.stream, c.cancel = conn, res.stream, cancel
	log.Info("connected to master %s (%s)", target, purpose)
	return nil
}

func (c *GRPCChannel) handshake(ctx context.Context, conn *grpc.ClientConn, purpose Purpose,
) (grpc.ClientStream, error) {
	st, err := conn.NewStream(ctx, &streamDesc, connectMethod)
	if err != nil {
		return nil, errors.Wrap(err, "open replication stream")
	}
	hello, err := encodeFrame(Hello{Identity: c.identity, Purpose: purpose})
	if err != nil {
		return nil, err
	}
	if err = st.SendMsg(hello); err != nil {
		return nil, errors.Wrap(err, "send hello")
	}
	var b []byte
	if err = st.RecvMsg(&b); err != nil {
		return nil, errors.Wrap(err, "receive welcome")
	}
	var w Welcome
	if err = decodeFrame(b, &w); err != nil {
		return nil, err
	}
	if !w.OK {
		return nil, errors.Wrap(ErrRejected, w.Reason)
	}
	return st, nil
}

func (c *GRPCChannel) current() (grpc.ClientStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.stream == nil {
		return nil, ErrNotConnected
	}
	return c.stream, nil
}

func (c *GRPCChannel) Send(msg []byte) error {
	st, err := c.current()
	if err != nil {
		return err
	}
	if err = st.SendMsg(msg); err != nil {
		return c.streamErr(err, "send a message to master")
	}
	return nil
}

// Recv blocks until the next message from the master arrives.
func (c *GRPCChannel) Recv() ([]byte, error) {
	st, err := c.current()
	if err != nil {
		return nil, err
	}
	var b []byte
	if err = st.RecvMsg(&b); err != nil {
		return nil, c.streamErr(err, "receive a message from master")
	}
	return b, nil
}

func (c *GRPCChannel) streamErr(err error, msg string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return errors.Wrap(err, msg)
}

// Close tears down the stream and the connection. It is safe to call more
// than once.
func (c *GRPCChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.stream == nil {
		return nil
	}
	_ = c.stream.CloseSend()
	c.cancel()
	if err := c.conn.Close(); err != nil {
		return errors.Wrap(err, "failed to close gRPC connection")
	}
	return nil
}
