// Package memstore holds snapshots, sequences and processed ids in process
// memory. Nothing survives a restart; it backs tests and the "memory"
// store backend.
package memstore

import (
	"context"
	"sync"

	"matchcore/snapshot"
)

type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
	seqs map[string]uint64
}

func NewStore() *Store {
	return &Store{
		data: make(map[string][]byte),
		seqs: make(map[string]uint64),
	}
}

// Save stores the encoded form so later mutation of snap cannot leak in.
func (s *Store) Save(_ context.Context, pair string, snap *snapshot.Snapshot) error {
	data, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[snapshot.Key(pair)] = data
	s.mu.Unlock()
	return nil
}

func (s *Store) Load(_ context.Context, pair string) (*snapshot.Snapshot, error) {
	s.mu.RLock()
	data, ok := s.data[snapshot.Key(pair)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return snapshot.Decode(data)
}

func (s *Store) SaveSequence(_ context.Context, pair string, seq uint64) error {
	s.mu.Lock()
	s.seqs[pair] = seq
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadSequence(_ context.Context, pair string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.seqs[pair]
	return seq, ok, nil
}

// Dedup never expires entries.
type Dedup struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewDedup() *Dedup {
	return &Dedup{ids: make(map[string]struct{})}
}

func (d *Dedup) IsProcessed(_ context.Context, eventID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ids[eventID]
	return ok, nil
}

func (d *Dedup) MarkProcessed(_ context.Context, eventID string) error {
	d.mu.Lock()
	d.ids[eventID] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *Dedup) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ids)
}
