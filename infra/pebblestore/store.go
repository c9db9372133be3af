// Package pebblestore keeps snapshots and sequence counters in a local
// pebble database. Every write is synced before it returns.
package pebblestore

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/go-faster/errors"

	"matchcore/snapshot"
)

type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the database under dir.
func Open(dir string) (*pebble.DB, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", dir)
	}
	return db, nil
}

// OpenInMemory is used by tests and the memory-only run mode.
func OpenInMemory() (*pebble.DB, error) {
	return pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
}

func New(db *pebble.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Save(_ context.Context, pair string, snap *snapshot.Snapshot) error {
	const op = "pebblestore.Save"

	data, err := snapshot.Encode(snap)
	if err != nil {
		return errors.Wrap(err, op)
	}
	if err := s.db.Set([]byte(snapshot.Key(pair)), data, pebble.Sync); err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (s *Store) Load(_ context.Context, pair string) (*snapshot.Snapshot, error) {
	const op = "pebblestore.Load"

	data, err := s.get(snapshot.Key(pair))
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if data == nil {
		return nil, nil
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", op, pair)
	}
	return snap, nil
}

func (s *Store) SaveSequence(_ context.Context, pair string, seq uint64) error {
	if err := s.db.Set([]byte(snapshot.SequenceKey(pair)), snapshot.EncodeSequence(seq), pebble.Sync); err != nil {
		return errors.Wrap(err, "pebblestore.SaveSequence")
	}
	return nil
}

func (s *Store) LoadSequence(_ context.Context, pair string) (uint64, bool, error) {
	const op = "pebblestore.LoadSequence"

	data, err := s.get(snapshot.SequenceKey(pair))
	if err != nil {
		return 0, false, errors.Wrap(err, op)
	}
	if data == nil {
		return 0, false, nil
	}
	seq, err := snapshot.DecodeSequence(data)
	if err != nil {
		return 0, false, errors.Wrap(err, op)
	}
	return seq, true, nil
}

// get copies the value out; pebble only guarantees it until closer.Close.
func (s *Store) get(key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}
