package pebblestore

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/go-faster/errors"
)

const processedPrefix = "processed:"

// Dedup is the local processed-event set. Each entry stores its expiry;
// expired entries read as absent until Prune deletes them.
type Dedup struct {
	db  *pebble.DB
	ttl time.Duration
	now func() time.Time
}

func NewDedup(db *pebble.DB, ttl time.Duration) *Dedup {
	return &Dedup{db: db, ttl: ttl, now: time.Now}
}

func (d *Dedup) IsProcessed(_ context.Context, eventID string) (bool, error) {
	val, closer, err := d.db.Get([]byte(processedPrefix + eventID))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "pebblestore.Dedup.IsProcessed")
	}
	defer closer.Close()

	if len(val) != 8 {
		return false, nil
	}
	return d.now().UnixNano() < int64(binary.BigEndian.Uint64(val)), nil
}

// MarkProcessed does not need to sync: a lost mark is covered by the
// snapshot's processed ids.
func (d *Dedup) MarkProcessed(_ context.Context, eventID string) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(d.now().Add(d.ttl).UnixNano()))
	if err := d.db.Set([]byte(processedPrefix+eventID), buf[:], pebble.NoSync); err != nil {
		return errors.Wrap(err, "pebblestore.Dedup.MarkProcessed")
	}
	return nil
}

// Prune deletes expired entries and reports how many it removed.
func (d *Dedup) Prune(_ context.Context) (int, error) {
	const op = "pebblestore.Dedup.Prune"

	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(processedPrefix),
		UpperBound: []byte(processedPrefix + "\xff"),
	})
	if err != nil {
		return 0, errors.Wrap(err, op)
	}

	batch := d.db.NewBatch()
	defer batch.Close()

	now := d.now().UnixNano()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		val := iter.Value()
		if len(val) == 8 && int64(binary.BigEndian.Uint64(val)) > now {
			continue
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			_ = iter.Close()
			return 0, errors.Wrap(err, op)
		}
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, errors.Wrap(err, op)
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrap(err, op)
	}
	return n, nil
}
