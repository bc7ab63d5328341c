package replication

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/alpacahq/replica/metrics"
	"github.com/alpacahq/replica/replication/channel"
	"github.com/alpacahq/replica/stream"
	"github.com/alpacahq/replica/stream/streamfile"
	"github.com/alpacahq/replica/utils/log"
)

const defaultBufferSize = 8 << 20

// PositionSource supplies the position a new session resumes from.
type PositionSource interface {
	StartPosition() (stream.Position, error)
}

// ChannelFactory creates an unconnected channel for the given identity.
type ChannelFactory func(identity string) channel.Channel

type Options struct {
	// Dir holds the overflow file segments.
	Dir             string
	BufferSize      int
	MaxEntrySize    int
	QueueSize       int
	AckMode         AckMode
	ControlInterval time.Duration
	Fsync           streamfile.FsyncMode
	FsyncInterval   time.Duration
	SegmentSize     int64

	Applier   Applier
	Positions PositionSource
	// NewChannel defaults to an insecure GRPCChannel.
	NewChannel ChannelFactory
}

type SessionState int32

const (
	SessionNew SessionState = iota
	SessionInitialized
	SessionConnected
	// SessionDisconnected keeps applying what was received; ConnectToMaster may be called again.
	SessionDisconnected
	SessionFailed
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionNew:
		return "new"
	case SessionInitialized:
		return "initialized"
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionFailed:
		return "failed"
	default:
		return "closed"
	}
}

// Session is the replica side of one master/slave replication stream. It
// owns the stream, its overflow file, the log consumer and, while connected,
// the receiver and the control sender.
type Session struct {
	opts Options

	mu       sync.Mutex
	state    SessionState
	identity string
	stream   *stream.Stream
	file     *streamfile.File
	consumer *LogConsumer
	conn     *connection
	cancel   context.CancelFunc
	bg       *errgroup.Group
	ctx      context.Context

	// set while ConnectToMaster dials without the lock
	connecting bool

	sender atomic.Pointer[ControlSender]
	acked  atomic.Uint64

	errOnce sync.Once
	err     error
	done    chan struct{}
}

// connection is what one ConnectToMaster call starts.
type connection struct {
	receiver *Receiver
	sender   *ControlSender
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSession(opts Options) *Session {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.MaxEntrySize <= 0 {
		opts.MaxEntrySize = DefaultMaxEntrySize
		if opts.MaxEntrySize > opts.BufferSize {
			opts.MaxEntrySize = opts.BufferSize
		}
	}
	if opts.ControlInterval <= 0 {
		opts.ControlInterval = defaultControlInterval
	}
	if opts.NewChannel == nil {
		opts.NewChannel = func(identity string) channel.Channel {
			return channel.NewGRPCChannel(identity)
		}
	}
	return &Session{opts: opts, done: make(chan struct{})}
}

func (s *Session) validate() error {
	switch {
	case s.opts.Applier == nil:
		return errors.New("an applier is required")
	case s.opts.Dir == "":
		return errors.New("a replication directory is required")
	case s.opts.MaxEntrySize > s.opts.BufferSize:
		return errors.Errorf("max entry size %d exceeds the buffer size %d", s.opts.MaxEntrySize, s.opts.BufferSize)
	case s.opts.MaxEntrySize < HeaderSize:
		return errors.Errorf("max entry size %d is below the header size", s.opts.MaxEntrySize)
	}
	return nil
}

// Init builds the stream at the recovered start position, attaches the
// overflow file and starts applying. Nothing is received until
// ConnectToMaster.
func (s *Session) Init(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionNew {
		return newSessionError(CodeInvalid, "init", errors.Errorf("session already %s", s.state))
	}
	if identity == "" {
		return newSessionError(CodeInvalid, "init", errors.New("identity is required"))
	}
	if err := s.validate(); err != nil {
		return newSessionError(CodeInvalid, "init", err)
	}

	var start stream.Position
	if s.opts.Positions != nil {
		var err error
		if start, err = s.opts.Positions.StartPosition(); err != nil {
			return newSessionError(CodeResource, "init", errors.Wrap(err, "read the recovery position"))
		}
	}

	st := stream.New(identity, s.opts.BufferSize)
	if err := st.Init(start); err != nil {
		return newSessionError(CodeInvalid, "init", err)
	}
	st.SetTriggerMinToReadSize(HeaderSize)
	file, err := streamfile.Open(st, streamfile.Options{
		Dir:           s.opts.Dir,
		SegmentSize:   s.opts.SegmentSize,
		Fsync:         s.opts.Fsync,
		FsyncInterval: s.opts.FsyncInterval,
	})
	if err != nil {
		return newSessionError(CodeResource, "init", err)
	}

	reader := NewEntryReader(stream.NewReader(st, file), start, s.opts.MaxEntrySize)
	consumer := NewLogConsumer(identity, reader, s.opts.Applier, s.opts.QueueSize)
	switch s.opts.AckMode {
	case AckOnFlush:
		// applied positions become acks once the file has synced them
		consumer.SetAckProducer(file.UpdateSyncPosition)
		file.SetSyncNotifier(s.reportAck)
	default:
		consumer.SetAckProducer(func(pos stream.Position) {
			// lets the file reclaim applied segments
			file.UpdateSyncPosition(pos)
			s.reportAck(pos)
		})
	}

	s.identity, s.stream, s.file, s.consumer = identity, st, file, consumer
	s.acked.Store(uint64(start))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(s.ctx)
	s.bg = g

	g.Go(func() error {
		if err := file.Run(gctx); err != nil {
			s.fail(newSessionError(CodeResource, "flush", err))
		}
		return nil
	})
	if err = consumer.StartDaemons(gctx); err != nil {
		s.cancel()
		_ = file.Close()
		return newSessionError(CodeInvalid, "init", err)
	}
	g.Go(func() error {
		<-consumer.Done()
		if err := consumer.Err(); err != nil {
			code := CodeProtocol
			if errors.Is(err, ErrApply) {
				code = CodeApply
			}
			s.fail(newSessionError(code, "apply", err))
		}
		return nil
	})

	s.state = SessionInitialized
	log.Info("replication session %s initialized at %d (ack mode=%s, buffer=%d)",
		identity, start, s.opts.AckMode, s.opts.BufferSize)
	return nil
}

// ConnectToMaster opens the log and control channels and starts receiving
// from the stream write position. A connect failure is returned with
// CodeConnect and leaves the session as it was, so the call can be retried.
// The channels are dialed without holding the session lock; Final or a
// failure during the dial aborts it.
func (s *Session) ConnectToMaster(ctx context.Context, host string, port int) error {
	s.mu.Lock()
	switch {
	case s.state == SessionFailed, s.state == SessionClosed:
		state := s.state
		s.mu.Unlock()
		return newSessionError(CodeClosed, "connect", errors.Errorf("session %s", state))
	case s.connecting:
		s.mu.Unlock()
		return newSessionError(CodeInvalid, "connect", errors.New("a connect is already in progress"))
	case s.state != SessionInitialized && s.state != SessionDisconnected:
		state := s.state
		s.mu.Unlock()
		return newSessionError(CodeInvalid, "connect", errors.Errorf("session %s", state))
	}
	s.connecting = true
	identity, sessionCtx := s.identity, s.ctx
	s.mu.Unlock()

	dialCtx, cancelDial := context.WithCancel(ctx)
	stop := context.AfterFunc(sessionCtx, cancelDial)
	logCh, ctrlCh, dialErr := s.dial(dialCtx, identity, host, port)
	stop()
	cancelDial()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connecting = false
	if s.state == SessionFailed || s.state == SessionClosed {
		if dialErr == nil {
			_ = logCh.Close()
			_ = ctrlCh.Close()
		}
		return newSessionError(CodeClosed, "connect", errors.Errorf("session %s during connect", s.state))
	}
	if dialErr != nil {
		metrics.ConnectsTotal.WithLabelValues("error").Inc()
		return newSessionError(connectCode(dialErr), "connect", dialErr)
	}
	metrics.ConnectsTotal.WithLabelValues("ok").Inc()

	receiver, err := NewReceiver(logCh, s.stream, s.stream.WritePosition())
	if err != nil {
		_ = logCh.Close()
		_ = ctrlCh.Close()
		return newSessionError(CodeInvalid, "connect", err)
	}
	// the new master connection gets the current ack on its first tick
	sender := NewControlSender(ctrlCh, s.opts.AckMode, s.opts.ControlInterval, s.stream.Stats().Start)

	connCtx, cancel := context.WithCancel(s.ctx)
	conn := &connection{receiver: receiver, sender: sender, cancel: cancel, done: make(chan struct{})}
	s.conn = conn
	s.sender.Store(sender)
	sender.SetSyncedPosition(s.AckedPosition())

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error { return receiver.Run(gctx) })
	g.Go(func() error {
		stop := context.AfterFunc(gctx, sender.Stop)
		defer stop()
		return sender.Run(gctx)
	})
	go func() {
		err := g.Wait()
		sender.Stop()
		s.disconnected(conn, err)
		close(conn.done)
	}()

	s.state = SessionConnected
	log.Info("replication session %s connected to %s:%d, resuming at %d",
		s.identity, host, port, receiver.start)
	return nil
}

// dial connects the log channel and then the control channel.
func (s *Session) dial(ctx context.Context, identity, host string, port int) (logCh, ctrlCh channel.Channel, err error) {
	logCh = s.opts.NewChannel(identity)
	if err = logCh.Connect(ctx, host, port, channel.PurposeNewSlave); err != nil {
		return nil, nil, err
	}
	ctrlCh = s.opts.NewChannel(identity)
	if err = ctrlCh.Connect(ctx, host, port, channel.PurposeNewSlaveControl); err != nil {
		_ = logCh.Close()
		return nil, nil, err
	}
	return logCh, ctrlCh, nil
}

func connectCode(err error) Code {
	if errors.Is(err, channel.ErrRejected) {
		return CodeProtocol
	}
	return CodeConnect
}

func (s *Session) disconnected(conn *connection, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.conn = nil
	s.sender.CompareAndSwap(conn.sender, nil)
	if s.state != SessionConnected {
		return
	}
	s.state = SessionDisconnected
	if err != nil {
		log.Warn("replication session %s lost the master at %d: %v", s.identity, s.stream.WritePosition(), err)
	}
}

// reportAck forwards a safe position to the current control sender. It is
// the ack producer under AckOnApply and the sync notifier under AckOnFlush.
func (s *Session) reportAck(pos stream.Position) {
	for {
		cur := s.acked.Load()
		if uint64(pos) <= cur {
			return
		}
		if s.acked.CompareAndSwap(cur, uint64(pos)) {
			break
		}
	}
	if sender := s.sender.Load(); sender != nil {
		sender.SetSyncedPosition(pos)
	}
}

// fail moves the session to SessionFailed. The first error wins.
func (s *Session) fail(err *SessionError) {
	s.errOnce.Do(func() {
		log.Error("replication session %s failed: %v", s.identity, err)
		s.mu.Lock()
		s.err = err
		if s.state != SessionClosed {
			s.state = SessionFailed
		}
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			conn.cancel()
		}
		s.consumer.SetStop()
		s.stream.Close()
		s.cancel()
		close(s.done)
	})
}

// Final stops receiving, lets the entry in flight finish, syncs the overflow
// file and releases everything. It returns the session failure, if any.
func (s *Session) Final() error {
	s.mu.Lock()
	switch s.state {
	case SessionClosed:
		s.mu.Unlock()
		return s.Err()
	case SessionNew:
		s.state = SessionClosed
		s.mu.Unlock()
		return nil
	}
	s.state = SessionClosed
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.cancel()
		<-conn.done
	}
	s.consumer.SetStop()
	<-s.consumer.Done()
	s.stream.Close()
	_ = s.bg.Wait()
	s.cancel()
	closeErr := s.file.Close()
	s.errOnce.Do(func() { close(s.done) })

	log.Info("replication session %s finished (applied=%d, acked=%d)",
		s.identity, s.consumer.AppliedPosition(), s.AckedPosition())
	if err := s.Err(); err != nil {
		return err
	}
	if closeErr != nil {
		return newSessionError(CodeResource, "final", closeErr)
	}
	return nil
}

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session failed or was finalized.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AckedPosition is the latest position handed to the control sender.
func (s *Session) AckedPosition() stream.Position {
	return stream.Position(s.acked.Load())
}

// Status is a snapshot of the session watermarks.
type Status struct {
	Identity  string
	State     SessionState
	AckMode   AckMode
	Start     stream.Position
	Head      stream.Position
	Write     stream.Position
	Persisted stream.Position
	Synced    stream.Position
	Applied   stream.Position
	Acked     stream.Position
	Sent      stream.Position
}

// Status also publishes the watermarks as metrics.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{Identity: s.identity, State: s.state, AckMode: s.opts.AckMode}
	str, file, consumer, conn := s.stream, s.file, s.consumer, s.conn
	s.mu.Unlock()
	if str == nil {
		return st
	}

	stats := str.Stats()
	st.Start, st.Head, st.Write, st.Persisted = stats.Start, stats.Head, stats.Write, stats.Persisted
	st.Synced = file.SyncPosition()
	st.Applied = consumer.AppliedPosition()
	st.Acked = s.AckedPosition()
	if conn != nil {
		st.Sent = conn.sender.SentPosition()
	}

	for kind, pos := range map[string]stream.Position{
		"write": st.Write, "head": st.Head, "persisted": st.Persisted,
		"synced": st.Synced, "applied": st.Applied, "acked": st.Acked,
	} {
		metrics.StreamPosition.WithLabelValues(st.Identity, kind).Set(float64(pos))
	}
	return st
}
