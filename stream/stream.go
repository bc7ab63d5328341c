package stream

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Stream is a position-addressed ring buffer shared by one appender (the
// transfer receiver) and its readers (the entry reader and the overflow file).
// All state is guarded by mu. Blocking calls park on notification channels
// instead of a sync.Cond so that they can also watch a context.
type Stream struct {
	name string
	size int

	mu  sync.Mutex
	buf []byte

	start     Position // position the stream was initialized with
	head      Position // oldest byte still held in buf
	write     Position // next byte to be appended
	consumed  Position // everything below was released by the consumer
	persisted Position // everything below was written to the overflow file

	persistRequired bool
	triggerMinRead  int
	closed          bool
	started         bool

	readers  []*readWaiter
	spaceCh  chan struct{} // closed when room may have been reclaimed
	appendCh chan struct{} // closed on every append, for background loops

	// lock-free copies for observers
	writePos     atomic.Uint64
	headPos      atomic.Uint64
	persistedPos atomic.Uint64
}

type readWaiter struct {
	until Position
	ch    chan struct{}
}

// New creates a stream holding at most bufferSize bytes in memory.
func New(name string, bufferSize int) *Stream {
	if bufferSize <= 0 {
		panic("stream: buffer size must be positive")
	}
	return &Stream{
		name:     name,
		size:     bufferSize,
		buf:      make([]byte, bufferSize),
		spaceCh:  make(chan struct{}),
		appendCh: make(chan struct{}),
	}
}

// Init seeds every watermark with start, the position recovered from the
// previous session. It must be called before the first append.
func (s *Stream) Init(start Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.start, s.head, s.write, s.consumed, s.persisted = start, start, start, start, start
	s.publishPositions()
	return nil
}

func (s *Stream) Name() string {
	return s.name
}

func (s *Stream) BufferSize() int {
	return s.size
}

// SetTriggerMinToReadSize makes blocked readers wake up only once at least n
// unread bytes are available past their read position.
func (s *Stream) SetTriggerMinToReadSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.triggerMinRead = n
}

// EnablePersistence forbids releasing bytes from memory before MarkPersisted
// covered them. It is turned on by the overflow file when it attaches.
func (s *Stream) EnablePersistence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistRequired = true
}

// Append copies data at the write position. It blocks while the window is
// full; data longer than the whole buffer is copied piece by piece as room is
// reclaimed. On cancellation the returned range covers what was appended.
func (s *Stream) Append(ctx context.Context, data []byte) (Range, error) {
	s.mu.Lock()
	r := Range{Start: s.write, End: s.write}
	for len(data) > 0 {
		if s.closed {
			s.mu.Unlock()
			return r, ErrClosed
		}
		free := s.reserve(len(data))
		if free == 0 {
			ch := s.spaceCh
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return r, ctx.Err()
			}
			s.mu.Lock()
			continue
		}
		n := free
		if n > len(data) {
			n = len(data)
		}
		s.appendLocked(data[:n])
		data = data[n:]
		r.End = s.write
	}
	s.mu.Unlock()
	return r, nil
}

// TryAppend is the non-blocking form of Append. It appends all of data or
// nothing, failing with ErrBufferFull.
func (s *Stream) TryAppend(data []byte) (Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Range{Start: s.write, End: s.write}
	if s.closed {
		return r, ErrClosed
	}
	if len(data) == 0 {
		return r, nil
	}
	if s.reserve(len(data)) < len(data) {
		return r, ErrBufferFull
	}
	s.appendLocked(data)
	r.End = s.write
	return r, nil
}

// reserve releases old bytes until want bytes fit, as far as the consumer and
// the overflow file allow, and returns the free room.
func (s *Stream) reserve(want int) int {
	free := s.size - int(s.write-s.head)
	if free >= want {
		return free
	}
	limit := s.consumed
	if s.persistRequired {
		limit = minPosition(limit, s.persisted)
	}
	if limit > s.head {
		evict := int(limit - s.head)
		if evict > want-free {
			evict = want - free
		}
		s.head += Position(evict)
		free += evict
		s.headPos.Store(uint64(s.head))
	}
	return free
}

func (s *Stream) appendLocked(data []byte) {
	off := int(uint64(s.write) % uint64(s.size))
	n := copy(s.buf[off:], data)
	copy(s.buf, data[n:])
	s.write += Position(len(data))
	s.started = true
	s.writePos.Store(uint64(s.write))

	kept := s.readers[:0]
	for _, w := range s.readers {
		if w.until <= s.write {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	s.readers = kept

	close(s.appendCh)
	s.appendCh = make(chan struct{})
}

// Read returns a copy of n bytes at pos from memory.
func (s *Stream) Read(pos Position, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if pos < s.head {
		return nil, errors.Wrapf(ErrPositionTooOld, "read %d at %d, head=%d", n, pos, s.head)
	}
	if pos+Position(n) > s.write {
		return nil, errors.Wrapf(ErrPositionNotYetWritten, "read %d at %d, write=%d", n, pos, s.write)
	}
	return s.copyOut(pos, n), nil
}

// WaitForRead is Read that waits for the range to be written. While waiting,
// the reader is woken only once max(n, trigger) bytes are available from pos.
func (s *Stream) WaitForRead(ctx context.Context, pos Position, n int) ([]byte, error) {
	if n > s.size {
		return nil, errors.Wrapf(ErrReadTooLarge, "read %d, buffer size=%d", n, s.size)
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if pos < s.head {
			head := s.head
			s.mu.Unlock()
			return nil, errors.Wrapf(ErrPositionTooOld, "read %d at %d, head=%d", n, pos, head)
		}
		if pos+Position(n) <= s.write {
			b := s.copyOut(pos, n)
			s.mu.Unlock()
			return b, nil
		}
		need := n
		if s.triggerMinRead > need {
			need = s.triggerMinRead
		}
		w := &readWaiter{until: pos + Position(need), ch: make(chan struct{})}
		s.readers = append(s.readers, w)
		s.mu.Unlock()

		select {
		case <-w.ch:
		case <-ctx.Done():
			s.removeReader(w)
			return nil, ctx.Err()
		}
	}
}

func (s *Stream) removeReader(w *readWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.readers {
		if r == w {
			s.readers = append(s.readers[:i], s.readers[i+1:]...)
			return
		}
	}
}

func (s *Stream) copyOut(pos Position, n int) []byte {
	out := make([]byte, n)
	off := int(uint64(pos) % uint64(s.size))
	m := copy(out, s.buf[off:])
	copy(out[m:], s.buf)
	return out
}

// Consume tells the stream that the consumer no longer needs bytes below pos.
func (s *Stream) Consume(pos Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	pos = minPosition(pos, s.write)
	if pos <= s.consumed {
		return
	}
	s.consumed = pos
	s.signalSpace()
}

// UnpersistedRange returns the bytes not yet handed to the overflow file.
func (s *Stream) UnpersistedRange() Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Range{Start: s.persisted, End: s.write}
}

// MarkPersisted records that the overflow file holds everything below pos.
func (s *Stream) MarkPersisted(pos Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	pos = minPosition(pos, s.write)
	if pos <= s.persisted {
		return
	}
	s.persisted = pos
	s.persistedPos.Store(uint64(pos))
	s.signalSpace()
}

func (s *Stream) signalSpace() {
	close(s.spaceCh)
	s.spaceCh = make(chan struct{})
}

// Changed returns a channel closed on the next append or on Close.
func (s *Stream) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCh
}

// Close wakes every blocked caller. All later operations fail with ErrClosed.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, w := range s.readers {
		close(w.ch)
	}
	s.readers = nil
	close(s.spaceCh)
	close(s.appendCh)
}

func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) publishPositions() {
	s.writePos.Store(uint64(s.write))
	s.headPos.Store(uint64(s.head))
	s.persistedPos.Store(uint64(s.persisted))
}

func (s *Stream) WritePosition() Position {
	return Position(s.writePos.Load())
}

func (s *Stream) HeadPosition() Position {
	return Position(s.headPos.Load())
}

func (s *Stream) PersistedPosition() Position {
	return Position(s.persistedPos.Load())
}

// Stats is a consistent snapshot of the watermarks.
type Stats struct {
	Start     Position
	Head      Position
	Consumed  Position
	Persisted Position
	Write     Position
}

func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Start:     s.start,
		Head:      s.head,
		Consumed:  s.consumed,
		Persisted: s.persisted,
		Write:     s.write,
	}
}

// StateOf reports where the byte at pos currently lives.
func (s *Stream) StateOf(pos Position) SegmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateOfLocked(pos)
}

func (s *Stream) stateOfLocked(pos Position) SegmentState {
	switch {
	case pos < s.start || pos >= s.write:
		return StateNone
	case pos < s.head:
		if s.persistRequired {
			return PersistedOnly
		}
		return StateNone
	case s.persistRequired && pos < s.persisted:
		return InMemoryAndPersisted
	default:
		return InMemoryOnly
	}
}

// Segments splits [start, write) into runs of equal SegmentState.
func (s *Stream) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	bounds := []Position{s.start, s.head}
	if s.persistRequired {
		bounds = append(bounds, maxPosition(s.head, s.persisted))
	}
	bounds = append(bounds, s.write)

	var segs []Segment
	for i := 0; i+1 < len(bounds); i++ {
		r := Range{Start: bounds[i], End: bounds[i+1]}
		if r.Empty() {
			continue
		}
		segs = append(segs, Segment{Range: r, State: s.stateOfLocked(r.Start)})
	}
	return segs
}
