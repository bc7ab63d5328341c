package replication

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/alpacahq/replica/metrics"
	"github.com/alpacahq/replica/stream"
	"github.com/alpacahq/replica/utils/log"
)

const defaultQueueSize = 64

// Applier is the apply engine. An error is fatal to the session.
type Applier interface {
	Apply(ctx context.Context, e *Entry) error
}

// AckProducer is called with the position that became safe to acknowledge.
type AckProducer func(pos stream.Position)

type ConsumerState int32

const (
	ConsumerIdle ConsumerState = iota
	ConsumerRunning
	ConsumerStopping
	ConsumerStopped
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerIdle:
		return "idle"
	case ConsumerRunning:
		return "running"
	case ConsumerStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// LogConsumer pulls entries from the reader and applies them in stream order.
// A fetch daemon decodes entries ahead into a bounded queue, an apply daemon
// applies them one at a time and advances the applied position.
type LogConsumer struct {
	name    string
	reader  *EntryReader
	applier Applier
	queue   chan *Entry

	state   atomic.Int32
	applied atomic.Uint64

	ackMu sync.Mutex
	ack   AckProducer

	mu          sync.Mutex // lifecycle and err
	stopOnce    sync.Once
	stopCh      chan struct{}
	cancelFetch context.CancelFunc
	done        chan struct{}
	err         error
}

func NewLogConsumer(name string, reader *EntryReader, applier Applier, queueSize int) *LogConsumer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	c := &LogConsumer{
		name:        name,
		reader:      reader,
		applier:     applier,
		queue:       make(chan *Entry, queueSize),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		cancelFetch: func() {},
	}
	c.applied.Store(uint64(reader.Position()))
	return c
}

// SetAckProducer installs the callback invoked after each applied entry.
func (c *LogConsumer) SetAckProducer(fn AckProducer) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	c.ack = fn
}

func (c *LogConsumer) ackProducer() AckProducer {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	return c.ack
}

// StartDaemons starts the fetch and apply daemons. They run until SetStop, a
// failure, or ctx is done; Done is closed afterwards.
func (c *LogConsumer) StartDaemons(ctx context.Context) error {
	c.mu.Lock()
	if c.State() != ConsumerIdle {
		c.mu.Unlock()
		return errors.Errorf("log consumer %s already %s", c.name, c.State())
	}
	g, gctx := errgroup.WithContext(ctx)
	fetchCtx, cancel := context.WithCancel(gctx)
	c.cancelFetch = cancel
	c.state.Store(int32(ConsumerRunning))
	c.mu.Unlock()

	g.Go(func() error { return c.fetch(fetchCtx) })
	g.Go(func() error { return c.apply(gctx) })
	go func() {
		err := g.Wait()
		cancel()
		if err != nil {
			c.setErr(err)
			log.Error("log consumer %s stopped: %v", c.name, err)
		} else {
			log.Info("log consumer %s stopped at %d", c.name, c.AppliedPosition())
		}
		c.state.Store(int32(ConsumerStopped))
		close(c.done)
	}()
	log.Info("log consumer %s started at %d", c.name, c.AppliedPosition())
	return nil
}

func (c *LogConsumer) fetch(ctx context.Context) error {
	defer close(c.queue)
	for {
		if c.stopping() {
			return nil
		}
		e, err := c.reader.Next(ctx)
		if err != nil {
			if c.stopping() || ctx.Err() != nil || errors.Is(err, stream.ErrClosed) {
				return nil
			}
			return errors.Wrapf(err, "read entry at %d", c.reader.Position())
		}
		select {
		case c.queue <- e:
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *LogConsumer) apply(ctx context.Context) error {
	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case e, ok := <-c.queue:
			if !ok {
				return nil
			}
			// stop wins over a queued entry
			if c.stopping() {
				return nil
			}
			if err := c.applyEntry(ctx, e); err != nil {
				return err
			}
		}
	}
}

func (c *LogConsumer) applyEntry(ctx context.Context, e *Entry) error {
	applied := c.AppliedPosition()
	if e.Position != applied {
		return errors.Wrapf(ErrCorruptEntry, "entry at %d does not follow the applied position %d", e.Position, applied)
	}
	started := time.Now()
	if err := c.applier.Apply(ctx, e); err != nil {
		return &ApplyError{Position: e.Position, Err: err}
	}
	metrics.ApplyDuration.Observe(time.Since(started).Seconds())
	metrics.AppliedEntriesTotal.WithLabelValues(c.name).Inc()

	end := e.End()
	c.applied.Store(uint64(end))
	log.Debug("log consumer %s applied %d records at %d", c.name, e.Header.RecordCount, e.Position)
	if ack := c.ackProducer(); ack != nil {
		ack(end)
	}
	return nil
}

// SetStop asks the daemons to stop after the entry being applied, if any.
// It does not wait; use Done.
func (c *LogConsumer) SetStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.state.CompareAndSwap(int32(ConsumerIdle), int32(ConsumerStopped)) {
			close(c.done)
			return
		}
		c.state.CompareAndSwap(int32(ConsumerRunning), int32(ConsumerStopping))
		c.cancelFetch()
	})
}

func (c *LogConsumer) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *LogConsumer) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the failure that stopped the daemons, if any.
func (c *LogConsumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *LogConsumer) Done() <-chan struct{} {
	return c.done
}

func (c *LogConsumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// AppliedPosition is the end of the last applied entry.
func (c *LogConsumer) AppliedPosition() stream.Position {
	return stream.Position(c.applied.Load())
}
