package replication

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/alpacahq/replica/replication/channel"
	"github.com/alpacahq/replica/stream"
	"github.com/alpacahq/replica/stream/streamfile"
)

// Code is the stable error taxonomy reported by the session. 0 means success.
type Code int

const (
	CodeOK Code = iota
	// CodeConnect is a transient failure to reach the master; the caller may retry.
	CodeConnect
	// CodeProtocol is a corrupt or unexpected stream; fatal.
	CodeProtocol
	// CodeResource is a disk write or fsync failure of the overflow file; fatal.
	CodeResource
	// CodeApply is a failure of the apply engine; fatal.
	CodeApply
	// CodeClosed is returned for calls on a session that was finalized or failed.
	CodeClosed
	// CodeInvalid is a misuse of the API or an invalid configuration.
	CodeInvalid
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeConnect:
		return "connect"
	case CodeProtocol:
		return "protocol"
	case CodeResource:
		return "resource"
	case CodeApply:
		return "apply"
	case CodeClosed:
		return "closed"
	case CodeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

var (
	// ErrRetryable marks errors the Retryer tries again.
	ErrRetryable = errors.New("retryable replication error")
	// ErrCorruptEntry is returned for an implausible entry header or a checksum mismatch.
	ErrCorruptEntry = errors.New("corrupt stream entry")
	// ErrApply is matched by every ApplyError.
	ErrApply = errors.New("failed to apply stream entry")
)

// ApplyError is a failure returned by the Applier. It matches ErrApply and
// unwraps to the applier's own error.
type ApplyError struct {
	Position stream.Position
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%v: entry at %d: %v", ErrApply, e.Position, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

func (e *ApplyError) Is(target error) bool {
	return target == ErrApply
}

// SessionError is returned by the session operations and by Session.Err.
type SessionError struct {
	Code Code
	Op   string
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Code, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is makes connect failures match ErrRetryable.
func (e *SessionError) Is(target error) bool {
	return target == ErrRetryable && e.Code == CodeConnect
}

func newSessionError(code Code, op string, err error) *SessionError {
	return &SessionError{Code: code, Op: op, Err: err}
}

// ErrorCode maps any error returned by this package to its Code.
func ErrorCode(err error) Code {
	if err == nil {
		return CodeOK
	}
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, channel.ErrConnect):
		return CodeConnect
	case errors.Is(err, ErrCorruptEntry), errors.Is(err, channel.ErrRejected):
		return CodeProtocol
	case errors.Is(err, ErrApply):
		return CodeApply
	case errors.Is(err, stream.ErrClosed), errors.Is(err, streamfile.ErrClosed), errors.Is(err, channel.ErrClosed):
		return CodeClosed
	default:
		return CodeInvalid
	}
}
