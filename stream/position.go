package stream

import "fmt"

// Position is a byte offset into the replication stream. It never decreases.
type Position uint64

// Range is the half-open interval [Start, End).
type Range struct {
	Start Position
	End   Position
}

func (r Range) Len() int {
	return int(r.End - r.Start)
}

func (r Range) Empty() bool {
	return r.End <= r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// SegmentState tells where the bytes of a position currently live.
type SegmentState int8

const (
	// StateNone is used for positions outside [start, write), and for bytes that
	// were released from memory while no overflow file was attached.
	StateNone SegmentState = iota
	InMemoryOnly
	InMemoryAndPersisted
	PersistedOnly
)

func (s SegmentState) String() string {
	switch s {
	case InMemoryOnly:
		return "in-memory-only"
	case InMemoryAndPersisted:
		return "in-memory-and-persisted"
	case PersistedOnly:
		return "persisted-only"
	default:
		return "none"
	}
}

// Segment is a contiguous run of the stream sharing one SegmentState.
type Segment struct {
	Range
	State SegmentState
}

func minPosition(a, b Position) Position {
	if a < b {
		return a
	}
	return b
}

func maxPosition(a, b Position) Position {
	if a > b {
		return a
	}
	return b
}
