package channel

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/alpacahq/replica/utils/log"
)

// Conn is the master's view of one replica connection.
type Conn interface {
	Identity() string
	Purpose() Purpose
	Addr() string
	Context() context.Context
	Send(msg []byte) error
	Recv() ([]byte, error)
}

// Handler serves one accepted connection. The connection ends when it returns.
type Handler func(Conn) error

// Server accepts replica connections. It is the counterpart of GRPCChannel
// and is used by masters and tests.
type Server struct {
	grpcServer *grpc.Server
	handler    Handler
}

type connector interface {
	connect(st grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*connector)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    streamDesc.StreamName,
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
}

func connectHandler(srv interface{}, st grpc.ServerStream) error {
	return srv.(connector).connect(st)
}

// NewServer creates a server; opts may carry grpc.Creds for TLS.
func NewServer(handler Handler, opts ...grpc.ServerOption) *Server {
	opts = append(opts, grpc.ForceServerCodec(rawCodec{}))
	s := &Server{
		grpcServer: grpc.NewServer(opts...),
		handler:    handler,
	}
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve blocks until Stop is called or the listener fails.
func (s *Server) Serve(lis net.Listener) error {
	log.Info("serving replication connections on %s", lis.Addr())
	if err := s.grpcServer.Serve(lis); err != nil {
		return errors.Wrap(err, "failed to serve replication service")
	}
	return nil
}

func (s *Server) Stop() {
	s.grpcServer.Stop()
}

func (s *Server) connect(st grpc.ServerStream) error {
	var b []byte
	if err := st.RecvMsg(&b); err != nil {
		return errors.Wrap(err, "receive hello")
	}
	var hello Hello
	if err := decodeFrame(b, &hello); err != nil {
		return err
	}

	welcome := Welcome{OK: true}
	if !hello.Purpose.Valid() {
		welcome = Welcome{Reason: "unknown purpose " + string(hello.Purpose)}
	} else if md, ok := metadata.FromIncomingContext(st.Context()); !ok || !matches(md, hello) {
		welcome = Welcome{Reason: "handshake does not match stream metadata"}
	}
	reply, err := encodeFrame(welcome)
	if err != nil {
		return err
	}
	if err = st.SendMsg(reply); err != nil {
		return errors.Wrap(err, "send welcome")
	}
	if !welcome.OK {
		return errors.Wrap(ErrRejected, welcome.Reason)
	}
	return s.handler(&serverConn{st: st, hello: hello})
}

func matches(md metadata.MD, hello Hello) bool {
	ids, purposes := md.Get(mdIdentity), md.Get(mdPurpose)
	return len(ids) == 1 && ids[0] == hello.Identity &&
		len(purposes) == 1 && Purpose(purposes[0]) == hello.Purpose
}

type serverConn struct {
	st    grpc.ServerStream
	hello Hello
}

func (c *serverConn) Identity() string {
	return c.hello.Identity
}

func (c *serverConn) Purpose() Purpose {
	return c.hello.Purpose
}

func (c *serverConn) Addr() string {
	p, ok := peer.FromContext(c.st.Context())
	if !ok {
		return ""
	}
	return p.Addr.String()
}

func (c *serverConn) Context() context.Context {
	return c.st.Context()
}

func (c *serverConn) Send(msg []byte) error {
	return c.st.SendMsg(msg)
}

func (c *serverConn) Recv() ([]byte, error) {
	var b []byte
	if err := c.st.RecvMsg(&b); err != nil {
		return nil, err
	}
	return b, nil
}
