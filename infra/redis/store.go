// Package redis is the shared-storage backend: snapshots, sequence
// counters and the durable processed-event set.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"matchcore/snapshot"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

func NewClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
}

// Store keeps snapshots and sequence counters. Keys never expire.
type Store struct {
	client redis.UniversalClient
}

func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func (s *Store) Save(ctx context.Context, pair string, snap *snapshot.Snapshot) error {
	const op = "redis.Store.Save"

	data, err := snapshot.Encode(snap)
	if err != nil {
		return errors.Wrap(err, op)
	}
	if err := s.client.Set(ctx, snapshot.Key(pair), data, 0).Err(); err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, pair string) (*snapshot.Snapshot, error) {
	const op = "redis.Store.Load"

	data, err := s.client.Get(ctx, snapshot.Key(pair)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", op, pair)
	}
	return snap, nil
}

func (s *Store) SaveSequence(ctx context.Context, pair string, seq uint64) error {
	if err := s.client.Set(ctx, snapshot.SequenceKey(pair), snapshot.EncodeSequence(seq), 0).Err(); err != nil {
		return errors.Wrap(err, "redis.Store.SaveSequence")
	}
	return nil
}

func (s *Store) LoadSequence(ctx context.Context, pair string) (uint64, bool, error) {
	const op = "redis.Store.LoadSequence"

	data, err := s.client.Get(ctx, snapshot.SequenceKey(pair)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, op)
	}
	seq, err := snapshot.DecodeSequence(data)
	if err != nil {
		return 0, false, errors.Wrap(err, op)
	}
	return seq, true, nil
}
