package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore/snapshot"
)

func TestStoreIsolatesSavedSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	snap := &snapshot.Snapshot{Pair: "BTC/USDT", ProcessedEventIDs: []string{"a"}, Sequence: 3}
	require.NoError(t, s.Save(ctx, "BTC/USDT", snap))

	snap.ProcessedEventIDs[0] = "mutated"
	snap.Sequence = 4

	got, err := s.Load(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.ProcessedEventIDs)
	assert.Equal(t, uint64(3), got.Sequence)

	missing, err := s.Load(ctx, "ETH/USDT")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreSequence(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, ok, err := s.LoadSequence(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveSequence(ctx, "BTC/USDT", 8))
	seq, ok, err := s.LoadSequence(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(8), seq)
}

func TestDedup(t *testing.T) {
	ctx := context.Background()
	d := NewDedup()

	ok, err := d.IsProcessed(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.MarkProcessed(ctx, "e1"))
	require.NoError(t, d.MarkProcessed(ctx, "e1"))

	ok, err = d.IsProcessed(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, d.Len())
}
