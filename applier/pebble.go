package applier

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/alpacahq/replica/recovery"
	"github.com/alpacahq/replica/replication"
	"github.com/alpacahq/replica/stream"
)

// Record is what is kept for each applied entry.
type Record struct {
	Position    stream.Position `msgpack:"position"`
	End         stream.Position `msgpack:"end"`
	RecordCount uint32          `msgpack:"record_count"`
	Payload     []byte          `msgpack:"payload"`
}

// PebbleApplier applies entries into the recovery store. Each entry and the
// applied position it leads to are committed in one batch, so a restarted
// replica resumes exactly after the last entry it kept.
type PebbleApplier struct {
	store *recovery.Store
}

func NewPebbleApplier(store *recovery.Store) *PebbleApplier {
	return &PebbleApplier{store: store}
}

var _ replication.Applier = (*PebbleApplier)(nil)

func (a *PebbleApplier) Apply(ctx context.Context, e *replication.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := msgpack.Marshal(&Record{
		Position:    e.Position,
		End:         e.End(),
		RecordCount: e.Header.RecordCount,
		Payload:     e.Payload,
	})
	if err != nil {
		return errors.Wrapf(err, "encode entry at %d", e.Position)
	}

	b := a.store.NewBatch()
	defer b.Close()
	if err = b.Set(recovery.KeyEntry(e.Position), val, nil); err != nil {
		return errors.Wrapf(err, "stage entry at %d", e.Position)
	}
	return a.store.CommitBatch(b, e.End())
}

// Get returns the entry applied at pos.
func (a *PebbleApplier) Get(pos stream.Position) (*Record, error) {
	val, err := a.store.Get(recovery.KeyEntry(pos))
	if err != nil {
		return nil, errors.Wrapf(err, "entry at %d", pos)
	}
	rec := &Record{}
	if err = msgpack.Unmarshal(val, rec); err != nil {
		return nil, errors.Wrapf(err, "decode entry at %d", pos)
	}
	return rec, nil
}

// Scan calls fn for every applied entry at or after from, in stream order,
// until fn returns false.
func (a *PebbleApplier) Scan(from stream.Position, fn func(*Record) bool) error {
	_, upper := recovery.EntryBounds()
	it, err := a.store.NewIter(&pebble.IterOptions{
		LowerBound: recovery.KeyEntry(from),
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		rec := &Record{}
		if err = msgpack.Unmarshal(it.Value(), rec); err != nil {
			return errors.Wrapf(err, "decode entry %x", it.Key())
		}
		if !fn(rec) {
			break
		}
	}
	return it.Error()
}
