package streamfile

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/alpacahq/replica/stream"
	"github.com/alpacahq/replica/utils/log"
)

const (
	defaultSegmentSize   = 64 << 20
	defaultFsyncInterval = 100 * time.Millisecond
	// upper bound of a single copy out of the stream
	maxFlushChunk = 1 << 20
)

var (
	ErrClosed     = errors.New("stream overflow file closed")
	ErrOutOfRange = errors.New("position not in the overflow file")
)

type FsyncMode int

const (
	// FsyncAlways syncs the active segment after every flush.
	FsyncAlways FsyncMode = iota
	// FsyncInterval groups flushes and syncs once per interval.
	FsyncInterval
)

func (m FsyncMode) String() string {
	if m == FsyncInterval {
		return "interval"
	}
	return "always"
}

func ParseFsyncMode(s string) (FsyncMode, error) {
	switch strings.ToLower(s) {
	case "", "always":
		return FsyncAlways, nil
	case "interval":
		return FsyncInterval, nil
	default:
		return FsyncAlways, errors.Errorf("unknown fsync mode %q", s)
	}
}

type Options struct {
	Dir           string
	SegmentSize   int64
	Fsync         FsyncMode
	FsyncInterval time.Duration
}

// SyncNotifier receives the position up to which the stream is both durable
// on disk and confirmed by the consumer.
type SyncNotifier func(pos stream.Position)

// File spills a stream to append-only segment files so that the stream can
// release memory, and serves reads for positions that left the window.
type File struct {
	s      *stream.Stream
	opts   Options
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	segs    []*segment
	written stream.Position
	closed  bool

	synced    atomic.Uint64
	confirmed atomic.Uint64

	notifyMu sync.Mutex
	notified stream.Position
	notifier SyncNotifier
}

// Open attaches an overflow file to s. Segments left over from an earlier
// session are removed; the stream is replayed from the recovery position, so
// they are never read again.
func Open(s *stream.Stream, opts Options) (*File, error) {
	if opts.Dir == "" {
		return nil, errors.New("overflow file directory is required")
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = defaultSegmentSize
	}
	if opts.Fsync == FsyncInterval && opts.FsyncInterval <= 0 {
		opts.FsyncInterval = defaultFsyncInterval
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create overflow directory %s", opts.Dir)
	}
	if err := removeSegments(opts.Dir); err != nil {
		return nil, err
	}

	st := s.Stats()
	if st.Head > st.Persisted {
		return nil, errors.Errorf("stream %s already released unpersisted bytes [%d, %d)",
			s.Name(), st.Persisted, st.Head)
	}
	s.EnablePersistence()

	f := &File{
		s:        s,
		opts:     opts,
		logger:   log.With("stream", s.Name()),
		written:  st.Persisted,
		notified: st.Persisted,
	}
	f.synced.Store(uint64(st.Persisted))
	f.confirmed.Store(uint64(st.Persisted))
	if err := f.rotate(st.Persisted); err != nil {
		return nil, err
	}
	log.Info("opened overflow file for stream %s at %d (dir=%s, fsync=%s)",
		s.Name(), st.Persisted, opts.Dir, opts.Fsync)
	return f, nil
}

// Run is the flush loop. It copies unpersisted stream bytes to disk until the
// stream is closed or ctx is done. A write or sync failure stops the loop and
// is returned.
func (f *File) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if f.opts.Fsync == FsyncInterval {
		ticker := time.NewTicker(f.opts.FsyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	dirty := false
	for {
		changed := f.s.Changed()
		n, err := f.flush()
		if errors.Is(err, stream.ErrClosed) {
			return f.finalSync()
		}
		if err != nil {
			log.Error("flush of stream %s failed: %v", f.s.Name(), err)
			return err
		}
		f.reclaim()
		if n > 0 {
			if f.opts.Fsync == FsyncAlways {
				if err = f.Sync(); err != nil {
					return err
				}
			} else {
				dirty = true
			}
		}

		select {
		case <-changed:
		case <-tick:
			if dirty {
				if err = f.Sync(); err != nil {
					return err
				}
				dirty = false
			}
		case <-ctx.Done():
			return f.finalSync()
		}
		if f.s.IsClosed() {
			return f.finalSync()
		}
	}
}

func (f *File) finalSync() error {
	err := f.Sync()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// flush writes [persisted, write) to the active segments and returns the
// number of bytes written.
func (f *File) flush() (int, error) {
	r := f.s.UnpersistedRange()
	total := 0
	for pos := r.Start; pos < r.End; {
		n := r.End - pos
		if n > maxFlushChunk {
			n = maxFlushChunk
		}
		b, err := f.s.Read(pos, int(n))
		if err != nil {
			return total, err
		}
		if err = f.write(pos, b); err != nil {
			return total, err
		}
		pos += stream.Position(len(b))
		total += len(b)
		f.s.MarkPersisted(pos)
	}
	return total, nil
}

func (f *File) write(pos stream.Position, b []byte) error {
	for len(b) > 0 {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return ErrClosed
		}
		active := f.segs[len(f.segs)-1]
		if active.size >= f.opts.SegmentSize {
			if err := f.rotateLocked(pos); err != nil {
				f.mu.Unlock()
				return err
			}
			active = f.segs[len(f.segs)-1]
		}
		n := int64(len(b))
		if room := f.opts.SegmentSize - active.size; n > room {
			n = room
		}
		if _, err := active.f.Write(b[:n]); err != nil {
			f.mu.Unlock()
			return errors.Wrapf(err, "write %d bytes at %d to %s", n, pos, active.path)
		}
		active.size += n
		pos += stream.Position(n)
		f.written = pos
		f.mu.Unlock()
		b = b[n:]
	}
	return nil
}

func (f *File) rotate(start stream.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotateLocked(start)
}

// rotateLocked syncs the active segment and starts a new one at start. Older
// segments stay open for reads.
func (f *File) rotateLocked(start stream.Position) error {
	if n := len(f.segs); n > 0 {
		if err := f.segs[n-1].f.Sync(); err != nil {
			return errors.Wrapf(err, "sync %s", f.segs[n-1].path)
		}
	}
	seg, err := createSegment(f.opts.Dir, start)
	if err != nil {
		return err
	}
	f.segs = append(f.segs, seg)
	f.logger.Debugf("new overflow segment %s", seg.path)
	return nil
}

// reclaim drops the segments nobody can read again: the stream still holds
// everything from its head, and the consumer confirmed everything below the
// confirmed position.
func (f *File) reclaim() {
	limit := f.s.HeadPosition()
	if confirmed := stream.Position(f.confirmed.Load()); confirmed < limit {
		limit = confirmed
	}
	if _, err := f.TruncateBefore(limit); err != nil {
		f.logger.Warnf("reclaim overflow segments below %d: %v", limit, err)
	}
}

// TruncateBefore closes and removes the segments that end at or below pos.
// The active segment is always kept. It returns the number of segments removed.
func (f *File) TruncateBefore(pos stream.Position) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	removed := 0
	var first error
	// a segment ends where the next one starts
	for len(f.segs) > 1 && f.segs[1].start <= pos {
		seg := f.segs[0]
		f.segs[0] = nil
		f.segs = f.segs[1:]
		removed++
		if err := seg.f.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close %s", seg.path)
		}
		if err := os.Remove(seg.path); err != nil && first == nil {
			first = errors.Wrapf(err, "remove %s", seg.path)
		}
	}
	if removed > 0 {
		f.logger.Debugf("removed %d overflow segments below %d", removed, pos)
	}
	return removed, first
}

// Sync makes everything written so far durable and advances the sync position.
func (f *File) Sync() error {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return ErrClosed
	}
	active := f.segs[len(f.segs)-1]
	written := f.written
	err := active.f.Sync()
	f.mu.RUnlock()
	if err != nil {
		log.Error("fsync of %s failed: %v", active.path, err)
		return errors.Wrapf(err, "sync %s", active.path)
	}
	if storeMax(&f.synced, written) {
		f.notify()
	}
	return nil
}

// Read returns n bytes at pos from the segment files.
func (f *File) Read(pos stream.Position, n int) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	if len(f.segs) == 0 || pos < f.segs[0].start || pos+stream.Position(n) > f.written {
		return nil, errors.Wrapf(ErrOutOfRange, "read %d at %d", n, pos)
	}

	out := make([]byte, n)
	for done := 0; done < n; {
		cur := pos + stream.Position(done)
		i := sort.Search(len(f.segs), func(i int) bool { return f.segs[i].start > cur }) - 1
		seg := f.segs[i]
		off := int64(cur - seg.start)
		m := int64(n - done)
		if rest := seg.size - off; m > rest {
			m = rest
		}
		if _, err := seg.f.ReadAt(out[done:done+int(m)], off); err != nil {
			return nil, errors.Wrapf(err, "read %d at %d from %s", m, cur, seg.path)
		}
		done += int(m)
	}
	return out, nil
}

// UpdateSyncPosition records that the consumer has confirmed everything
// below pos. It never moves backwards.
func (f *File) UpdateSyncPosition(pos stream.Position) {
	if storeMax(&f.confirmed, pos) {
		f.notify()
	}
}

func storeMax(v *atomic.Uint64, pos stream.Position) bool {
	for {
		cur := v.Load()
		if uint64(pos) <= cur {
			return false
		}
		if v.CompareAndSwap(cur, uint64(pos)) {
			return true
		}
	}
}

func (f *File) SetSyncNotifier(fn SyncNotifier) {
	f.notifyMu.Lock()
	f.notifier = fn
	f.notifyMu.Unlock()
	f.notify()
}

func (f *File) notify() {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()
	if f.notifier == nil {
		return
	}
	p := stream.Position(f.confirmed.Load())
	if synced := f.SyncPosition(); synced < p {
		p = synced
	}
	if p <= f.notified {
		return
	}
	f.notified = p
	f.notifier(p)
}

// SyncPosition is the fsync watermark.
func (f *File) SyncPosition() stream.Position {
	return stream.Position(f.synced.Load())
}

func (f *File) WrittenPosition() stream.Position {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.written
}

// Segments lists the start positions of the segment files.
func (f *File) Segments() []stream.Position {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]stream.Position, 0, len(f.segs))
	for _, seg := range f.segs {
		out = append(out, seg.start)
	}
	return out
}

// Close closes the segment files. The remaining ones are kept on disk until
// the next Open.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var first error
	for _, seg := range f.segs {
		if err := seg.f.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close %s", seg.path)
		}
	}
	return first
}
