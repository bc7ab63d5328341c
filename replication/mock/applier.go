package mock

import (
	"context"
	"sync"

	"github.com/alpacahq/replica/replication"
	"github.com/alpacahq/replica/stream"
)

// Applier records the applied entries. It fails with Err on the entry at
// FailAt when Err is set, and calls Block, if set, before each apply.
type Applier struct {
	Err    error
	FailAt stream.Position
	Block  func(e *replication.Entry)

	mu      sync.Mutex
	entries []*replication.Entry
}

func (a *Applier) Apply(_ context.Context, e *replication.Entry) error {
	if a.Block != nil {
		a.Block(e)
	}
	if a.Err != nil && e.Position == a.FailAt {
		return a.Err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *Applier) Entries() []*replication.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*replication.Entry(nil), a.entries...)
}

// Positions lists the positions of the applied entries.
func (a *Applier) Positions() []stream.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]stream.Position, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Position)
	}
	return out
}

// StartPosition is a fixed replication.PositionSource.
type StartPosition stream.Position

func (p StartPosition) StartPosition() (stream.Position, error) {
	return stream.Position(p), nil
}
