package stream

import "github.com/pkg/errors"

var (
	// ErrBufferFull is returned by TryAppend when the window has no room for the data.
	ErrBufferFull = errors.New("stream buffer full")
	// ErrPositionTooOld is returned when the requested bytes have left the in-memory window.
	// Callers fall back to the overflow file.
	ErrPositionTooOld = errors.New("stream position scrolled out of memory")
	// ErrPositionNotYetWritten is returned when the requested range ends past the write position.
	ErrPositionNotYetWritten = errors.New("stream position not yet written")
	// ErrClosed is returned by every operation once the stream is closed.
	ErrClosed = errors.New("stream closed")
	// ErrReadTooLarge is returned by WaitForRead for ranges that can never fit in the window.
	ErrReadTooLarge = errors.New("read larger than the stream buffer")
	// ErrAlreadyStarted is returned by Init after the first append.
	ErrAlreadyStarted = errors.New("stream already has data")
)
