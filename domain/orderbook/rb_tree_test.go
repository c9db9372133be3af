package orderbook

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRBTreeInsertFindDelete(t *testing.T) {
	tree := NewAskTree()
	pl1 := tree.UpsertLevel(d("100"))
	require.NotNil(t, pl1)
	assert.Same(t, pl1, tree.FindLevel(d("100.000")))

	tree.UpsertLevel(d("200"))
	assert.True(t, tree.Best().Price.Equal(d("100")))
	assert.True(t, tree.Worst().Price.Equal(d("200")))

	require.True(t, tree.DeleteLevel(d("100")))
	assert.Nil(t, tree.FindLevel(d("100")))
	assert.Equal(t, 1, tree.Size())
}

func TestDeleteNonExistentLevel(t *testing.T) {
	tree := NewBidTree()
	assert.False(t, tree.DeleteLevel(d("123")))
}

func TestEmptyTreeBestWorst(t *testing.T) {
	tree := NewBidTree()
	assert.Nil(t, tree.Best())
	assert.Nil(t, tree.Worst())
}

func TestUpsertDuplicateLevel(t *testing.T) {
	tree := NewAskTree()
	pl1 := tree.UpsertLevel(d("150"))
	pl2 := tree.UpsertLevel(d("150.0"))
	assert.Same(t, pl1, pl2)
	assert.Equal(t, 1, tree.Size())
}

func TestBidTreeIsDescending(t *testing.T) {
	tree := NewBidTree()
	for _, p := range []string{"10", "12.5", "11", "9.99"} {
		tree.UpsertLevel(d(p))
	}

	var got []string
	tree.ForEach(func(lvl *PriceLevel) bool {
		got = append(got, lvl.Price.String())
		return true
	})
	assert.Equal(t, []string{"12.5", "11", "10", "9.99"}, got)
}

func TestForEachStopsEarly(t *testing.T) {
	tree := NewAskTree()
	for _, p := range []string{"1", "2", "3"} {
		tree.UpsertLevel(d(p))
	}
	n := 0
	tree.ForEach(func(*PriceLevel) bool {
		n++
		return n < 2
	})
	assert.Equal(t, 2, n)
}

// Random insert/delete must keep in-order traversal sorted and every
// surviving key findable.
func TestRBTreeRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tree := NewAskTree()
	present := make(map[int64]bool)

	for i := 0; i < 5000; i++ {
		k := rng.Int63n(500)
		if rng.Intn(3) == 0 {
			assert.Equal(t, present[k], tree.DeleteLevel(decimal.NewFromInt(k)))
			delete(present, k)
			continue
		}
		tree.UpsertLevel(decimal.NewFromInt(k))
		present[k] = true
	}

	require.Equal(t, len(present), tree.Size())

	var prev *decimal.Decimal
	count := 0
	tree.ForEach(func(lvl *PriceLevel) bool {
		if prev != nil {
			assert.True(t, prev.LessThan(lvl.Price), "%s before %s", prev, lvl.Price)
		}
		p := lvl.Price
		prev = &p
		count++
		return true
	})
	assert.Equal(t, len(present), count)

	for k := range present {
		assert.NotNil(t, tree.FindLevel(decimal.NewFromInt(k)))
	}
}
