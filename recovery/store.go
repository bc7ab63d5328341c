package recovery

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/alpacahq/replica/stream"
	"github.com/alpacahq/replica/utils/log"
)

var ErrClosed = errors.New("recovery store closed")

// Store keeps the applied position of the replica durably in Pebble. The
// position never moves backwards: stale commits are ignored.
type Store struct {
	db      *pebble.DB
	write   *pebble.WriteOptions
	mu      sync.Mutex
	applied atomic.Uint64
	closed  bool
}

type Option func(*pebble.Options, *Store)

// WithNoSync commits without waiting for the Pebble WAL sync.
func WithNoSync() Option {
	return func(_ *pebble.Options, s *Store) { s.write = pebble.NoSync }
}

// WithPebbleOptions replaces the default Pebble options.
func WithPebbleOptions(po *pebble.Options) Option {
	return func(dst *pebble.Options, _ *Store) { *dst = *po }
}

func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("recovery: directory is required")
	}
	po := &pebble.Options{}
	s := &Store{write: pebble.Sync}
	for _, opt := range opts {
		opt(po, s)
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, errors.Wrapf(err, "open recovery store %s", dir)
	}
	s.db = db

	pos, err := s.load()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.applied.Store(uint64(pos))
	log.Info("recovery store %s opened at applied position %d", dir, pos)
	return s, nil
}

func (s *Store) load() (stream.Position, error) {
	val, closer, err := s.db.Get(keyApplied)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read applied position")
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, errors.Errorf("applied position has %d bytes, want 8", len(val))
	}
	return stream.Position(binary.BigEndian.Uint64(val)), nil
}

// StartPosition is where a new session resumes: the end of the last
// applied entry.
func (s *Store) StartPosition() (stream.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return stream.Position(s.applied.Load()), nil
}

// AppliedPosition is the last committed position.
func (s *Store) AppliedPosition() stream.Position {
	return stream.Position(s.applied.Load())
}

// NewBatch starts a batch that CommitBatch commits along with a position.
func (s *Store) NewBatch() *pebble.Batch {
	return s.db.NewBatch()
}

// Commit records pos as applied.
func (s *Store) Commit(pos stream.Position) error {
	b := s.db.NewBatch()
	defer b.Close()
	return s.CommitBatch(b, pos)
}

// CommitBatch commits b together with the applied position pos, so the
// position is durable if and only if the batch is. A pos at or behind the
// committed one leaves the position untouched but still commits b.
func (s *Store) CommitBatch(b *pebble.Batch, pos stream.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	advance := uint64(pos) > s.applied.Load()
	if advance {
		if err := b.Set(keyApplied, appendBE8(nil, uint64(pos)), nil); err != nil {
			return errors.Wrap(err, "stage applied position")
		}
	}
	if b.Empty() {
		return nil
	}
	if err := b.Commit(s.write); err != nil {
		return errors.Wrapf(err, "commit applied position %d", pos)
	}
	if advance {
		s.applied.Store(uint64(pos))
	}
	return nil
}

// Get copies the value stored under key.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// NewIter iterates over the raw keyspace.
func (s *Store) NewIter(o *pebble.IterOptions) (*pebble.Iterator, error) {
	return s.db.NewIter(o)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
