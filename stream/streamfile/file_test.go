package streamfile_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replica/stream"
	"github.com/alpacahq/replica/stream/streamfile"
)

func setup(t *testing.T, bufferSize int, start stream.Position, opts streamfile.Options,
) (*stream.Stream, *streamfile.File) {
	t.Helper()
	s := stream.New("test", bufferSize)
	require.Nil(t, s.Init(start))
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	f, err := streamfile.Open(s, opts)
	require.Nil(t, err)
	t.Cleanup(func() {
		s.Close()
		_ = f.Close()
	})
	return s, f
}

func runFile(t *testing.T, f *streamfile.File) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func TestOpen_RemovesStaleSegments(t *testing.T) {
	t.Parallel()
	// --- given ---
	dir := t.TempDir()
	stale := filepath.Join(dir, "00000000000000000007.seg")
	require.Nil(t, os.WriteFile(stale, []byte("old"), 0o644))
	other := filepath.Join(dir, "keep.txt")
	require.Nil(t, os.WriteFile(other, []byte("x"), 0o644))

	// --- when ---
	_, f := setup(t, 16, 42, streamfile.Options{Dir: dir})

	// --- then ---
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(other)
	assert.Nil(t, err)
	assert.Equal(t, []stream.Position{42}, f.Segments())
	_, err = os.Stat(filepath.Join(dir, "00000000000000000042.seg"))
	assert.Nil(t, err)
}

func TestFile_SpillAndReadBack(t *testing.T) {
	t.Parallel()
	// --- given ---
	s, f := setup(t, 32, 1000, streamfile.Options{SegmentSize: 10})
	_, errCh := runFile(t, f)
	r := stream.NewReader(s, f)

	var want []byte
	for i := 0; i < 20; i++ {
		want = append(want, bytes.Repeat([]byte{byte('a' + i)}, 7)...)
	}

	// --- when ---
	// the consumer releases everything at once, so old bytes only survive on disk
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for off := 0; off < len(want); off += 7 {
			if _, err := s.Append(ctx, want[off:off+7]); err != nil {
				t.Errorf("append: %v", err)
				return
			}
			s.Consume(s.WritePosition())
		}
	}()
	require.Eventually(t, func() bool {
		return f.SyncPosition() == 1000+stream.Position(len(want))
	}, 5*time.Second, 5*time.Millisecond)

	// --- then ---
	assert.Equal(t, stream.PersistedOnly, s.StateOf(1000))
	got, err := r.Read(1000, len(want))
	require.Nil(t, err)
	assert.Equal(t, want, got)

	got, err = f.Read(1005, 12)
	require.Nil(t, err)
	assert.Equal(t, want[5:17], got)
	assert.Len(t, f.Segments(), 14)

	s.Close()
	select {
	case err = <-errCh:
		assert.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("flush loop did not stop with the stream")
	}
}

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.seg"))
	require.Nil(t, err)
	return files
}

func TestFile_ReclaimsConsumedSegments(t *testing.T) {
	t.Parallel()
	// --- given ---
	dir := t.TempDir()
	s, f := setup(t, 64, 0, streamfile.Options{Dir: dir, SegmentSize: 128})
	runFile(t, f)
	chunk := bytes.Repeat([]byte{'x'}, 32)

	// --- when ---
	// a long-running replica: everything is consumed and applied right away
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 200; i++ {
		_, err := s.Append(ctx, chunk)
		require.Nil(t, err)
		s.Consume(s.WritePosition())
		f.UpdateSyncPosition(s.WritePosition())
	}

	// --- then ---
	require.Eventually(t, func() bool {
		return f.SyncPosition() == 6400
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(f.Segments()) <= 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, len(segmentFiles(t, dir)), 3)

	// the newest bytes are still readable from disk
	got, err := f.Read(6336, 64)
	require.Nil(t, err)
	assert.Equal(t, bytes.Repeat([]byte{'x'}, 64), got)
}

func TestFile_KeepsUnconfirmedSegments(t *testing.T) {
	t.Parallel()
	// --- given ---
	dir := t.TempDir()
	s, f := setup(t, 64, 0, streamfile.Options{Dir: dir, SegmentSize: 16})
	runFile(t, f)

	// --- when ---
	// consumed but never confirmed as applied
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 8; i++ {
		_, err := s.Append(ctx, make([]byte, 16))
		require.Nil(t, err)
		s.Consume(s.WritePosition())
	}

	// --- then ---
	require.Eventually(t, func() bool {
		return f.SyncPosition() == 128
	}, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, f.Segments(), 8)
	assert.Len(t, segmentFiles(t, dir), 8)
}

func TestFile_TruncateBefore(t *testing.T) {
	t.Parallel()
	// --- given ---
	dir := t.TempDir()
	s, f := setup(t, 64, 0, streamfile.Options{Dir: dir, SegmentSize: 10})
	runFile(t, f)
	data := []byte("0123456789abcdefghijklmnopqrstuvwxy")
	_, err := s.TryAppend(data)
	require.Nil(t, err)
	require.Eventually(t, func() bool {
		return f.SyncPosition() == 35
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []stream.Position{0, 10, 20, 30}, f.Segments())

	// --- when ---
	removed, err := f.TruncateBefore(15)

	// --- then ---
	require.Nil(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []stream.Position{10, 20, 30}, f.Segments())
	assert.Len(t, segmentFiles(t, dir), 3)
	_, err = f.Read(5, 1)
	assert.ErrorIs(t, err, streamfile.ErrOutOfRange)
	got, err := f.Read(10, 15)
	require.Nil(t, err)
	assert.Equal(t, data[10:25], got)

	// the active segment stays
	removed, err = f.TruncateBefore(1000)
	require.Nil(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []stream.Position{30}, f.Segments())
}

func TestFile_ReadOutOfRange(t *testing.T) {
	t.Parallel()
	s, f := setup(t, 16, 10, streamfile.Options{})
	_, err := s.TryAppend([]byte("abc"))
	require.Nil(t, err)

	_, err = f.Read(10, 1)
	assert.ErrorIs(t, err, streamfile.ErrOutOfRange)
	_, err = f.Read(9, 1)
	assert.ErrorIs(t, err, streamfile.ErrOutOfRange)
}

func TestFile_IntervalFsync(t *testing.T) {
	t.Parallel()
	// --- given ---
	s, f := setup(t, 64, 0, streamfile.Options{
		Fsync:         streamfile.FsyncInterval,
		FsyncInterval: 20 * time.Millisecond,
	})
	runFile(t, f)

	// --- when ---
	_, err := s.TryAppend([]byte("0123456789"))
	require.Nil(t, err)

	// --- then ---
	require.Eventually(t, func() bool {
		return f.SyncPosition() == 10
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, stream.Position(10), f.WrittenPosition())
	assert.Equal(t, stream.Position(10), s.PersistedPosition())
}

func TestFile_SyncNotifier(t *testing.T) {
	t.Parallel()
	// --- given ---
	s, f := setup(t, 64, 0, streamfile.Options{})
	var mu sync.Mutex
	var got []stream.Position
	f.SetSyncNotifier(func(pos stream.Position) {
		mu.Lock()
		got = append(got, pos)
		mu.Unlock()
	})
	notified := func() []stream.Position {
		mu.Lock()
		defer mu.Unlock()
		return append([]stream.Position(nil), got...)
	}
	runFile(t, f)

	// --- when ---
	_, err := s.TryAppend(make([]byte, 40))
	require.Nil(t, err)
	require.Eventually(t, func() bool { return f.SyncPosition() == 40 }, time.Second, 5*time.Millisecond)

	// --- then ---
	// synced but not yet confirmed by the consumer
	assert.Empty(t, notified())

	f.UpdateSyncPosition(25)
	f.UpdateSyncPosition(20) // never backwards
	f.UpdateSyncPosition(60) // capped by the sync position
	assert.Equal(t, []stream.Position{25, 40}, notified())

	_, err = s.TryAppend(make([]byte, 30))
	require.Nil(t, err)
	require.Eventually(t, func() bool {
		n := notified()
		return len(n) == 3 && n[2] == 60
	}, time.Second, 5*time.Millisecond)
}

func TestParseFsyncMode(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		in      string
		want    streamfile.FsyncMode
		wantErr bool
	}{
		"default":  {in: "", want: streamfile.FsyncAlways},
		"always":   {in: "Always", want: streamfile.FsyncAlways},
		"interval": {in: "interval", want: streamfile.FsyncInterval},
		"unknown":  {in: "never", wantErr: true},
	}
	for name, tt := range tests {
		got, err := streamfile.ParseFsyncMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, name)
			continue
		}
		assert.Nil(t, err, name)
		assert.Equal(t, tt.want, got, name)
	}
}
