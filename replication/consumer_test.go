package replication_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replica/replication"
	"github.com/alpacahq/replica/replication/mock"
	"github.com/alpacahq/replica/stream"
)

type ackRecorder struct {
	mu   sync.Mutex
	acks []stream.Position
}

func (r *ackRecorder) ack(pos stream.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, pos)
}

func (r *ackRecorder) get() []stream.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Position(nil), r.acks...)
}

func newConsumer(t *testing.T, applier replication.Applier) (*stream.Stream, *replication.LogConsumer) {
	t.Helper()
	s := stream.New("test", 1024)
	require.Nil(t, s.Init(0))
	s.SetTriggerMinToReadSize(replication.HeaderSize)
	t.Cleanup(s.Close)
	c := replication.NewLogConsumer("test", replication.NewEntryReader(s, 0, 512), applier, 4)
	return s, c
}

func waitDone(t *testing.T, c *replication.LogConsumer) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("log consumer did not stop")
	}
}

func TestLogConsumer_AckOnApply(t *testing.T) {
	t.Parallel()
	// --- given ---
	applier := &mock.Applier{}
	s, c := newConsumer(t, applier)
	rec := &ackRecorder{}
	var mu sync.Mutex
	var appliedWhenAcked []int
	c.SetAckProducer(func(pos stream.Position) {
		mu.Lock()
		appliedWhenAcked = append(appliedWhenAcked, len(applier.Entries()))
		mu.Unlock()
		rec.ack(pos)
	})
	require.Nil(t, c.StartDaemons(context.Background()))
	assert.Equal(t, replication.ConsumerRunning, c.State())

	// --- when ---
	for i, size := range []int{40, 55, 30} {
		_, err := s.TryAppend(entryOfSize(t, size, byte(i)))
		require.Nil(t, err)
	}

	// --- then ---
	require.Eventually(t, func() bool { return len(rec.get()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []stream.Position{40, 95, 125}, rec.get())
	assert.Equal(t, []stream.Position{0, 40, 95}, applier.Positions())
	// every ack comes after its entry was applied
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, appliedWhenAcked)
	mu.Unlock()
	assert.Equal(t, stream.Position(125), c.AppliedPosition())

	c.SetStop()
	waitDone(t, c)
	assert.Nil(t, c.Err())
	assert.Equal(t, replication.ConsumerStopped, c.State())
}

func TestLogConsumer_StopWithoutData(t *testing.T) {
	t.Parallel()
	// --- given ---
	_, c := newConsumer(t, &mock.Applier{})
	require.Nil(t, c.StartDaemons(context.Background()))

	// --- when ---
	c.SetStop()

	// --- then ---
	waitDone(t, c)
	assert.Nil(t, c.Err())
}

func TestLogConsumer_StopFinishesInFlightEntryOnly(t *testing.T) {
	t.Parallel()
	// --- given ---
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	applier := &mock.Applier{Block: func(e *replication.Entry) {
		if e.Position == 0 {
			entered <- struct{}{}
			<-release
		}
	}}
	s, c := newConsumer(t, applier)
	rec := &ackRecorder{}
	c.SetAckProducer(rec.ack)
	require.Nil(t, c.StartDaemons(context.Background()))
	for i := 0; i < 3; i++ {
		_, err := s.TryAppend(entryOfSize(t, 20, byte(i)))
		require.Nil(t, err)
	}
	// a truncated fourth entry
	_, err := s.TryAppend(entryOfSize(t, 40, 9)[:25])
	require.Nil(t, err)
	<-entered

	// --- when ---
	c.SetStop()
	assert.Equal(t, replication.ConsumerStopping, c.State())
	close(release)

	// --- then ---
	waitDone(t, c)
	assert.Equal(t, []stream.Position{0}, applier.Positions())
	assert.Equal(t, []stream.Position{20}, rec.get())
	assert.Equal(t, stream.Position(20), c.AppliedPosition())
}

func TestLogConsumer_ApplyFailureIsFatal(t *testing.T) {
	t.Parallel()
	// --- given ---
	applier := &mock.Applier{Err: errors.New("disk on fire"), FailAt: 30}
	s, c := newConsumer(t, applier)
	rec := &ackRecorder{}
	c.SetAckProducer(rec.ack)
	require.Nil(t, c.StartDaemons(context.Background()))

	// --- when ---
	for i := 0; i < 3; i++ {
		_, err := s.TryAppend(entryOfSize(t, 30, byte(i)))
		require.Nil(t, err)
	}

	// --- then ---
	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), replication.ErrApply)
	assert.Equal(t, replication.CodeApply, replication.ErrorCode(c.Err()))
	assert.Equal(t, []stream.Position{0}, applier.Positions())
	assert.Equal(t, []stream.Position{30}, rec.get())
	assert.Equal(t, stream.Position(30), c.AppliedPosition())
}

func TestLogConsumer_ApplyFailureKeepsCause(t *testing.T) {
	t.Parallel()
	// --- given ---
	cause := errors.New("constraint violated")
	applier := &mock.Applier{Err: cause, FailAt: 0}
	s, c := newConsumer(t, applier)
	require.Nil(t, c.StartDaemons(context.Background()))

	// --- when ---
	_, err := s.TryAppend(entryOfSize(t, 30, 1))
	require.Nil(t, err)

	// --- then ---
	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), cause)
	assert.ErrorIs(t, c.Err(), replication.ErrApply)
	var applyErr *replication.ApplyError
	require.True(t, errors.As(c.Err(), &applyErr))
	assert.Equal(t, stream.Position(0), applyErr.Position)
	assert.Equal(t, replication.CodeApply, replication.ErrorCode(c.Err()))
	assert.Contains(t, c.Err().Error(), "constraint violated")
}

func TestLogConsumer_CorruptEntryIsFatal(t *testing.T) {
	t.Parallel()
	s, c := newConsumer(t, &mock.Applier{})
	require.Nil(t, c.StartDaemons(context.Background()))

	_, err := s.TryAppend(make([]byte, 32))
	require.Nil(t, err)

	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), replication.ErrCorruptEntry)
}

func TestLogConsumer_StartTwice(t *testing.T) {
	t.Parallel()
	_, c := newConsumer(t, &mock.Applier{})
	require.Nil(t, c.StartDaemons(context.Background()))
	defer func() {
		c.SetStop()
		waitDone(t, c)
	}()

	assert.Error(t, c.StartDaemons(context.Background()))
}

func TestLogConsumer_StopBeforeStart(t *testing.T) {
	t.Parallel()
	_, c := newConsumer(t, &mock.Applier{})

	c.SetStop()

	waitDone(t, c)
	assert.Equal(t, replication.ConsumerStopped, c.State())
	assert.Error(t, c.StartDaemons(context.Background()))
}
