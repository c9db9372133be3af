package sequence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextStartsAfterStart(t *testing.T) {
	s := New(41)
	assert.Equal(t, uint64(41), s.Current())
	assert.Equal(t, uint64(42), s.Next())
	assert.Equal(t, uint64(43), s.Next())
	assert.Equal(t, uint64(43), s.Current())
}

func TestAdvanceNeverMovesBackwards(t *testing.T) {
	s := New(10)
	s.Advance(5)
	assert.Equal(t, uint64(10), s.Current())
	s.Advance(20)
	assert.Equal(t, uint64(21), s.Next())
}

func TestConcurrentReadersSeeMonotonicValues(t *testing.T) {
	s := New(0)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var last uint64
		for i := 0; i < 10000; i++ {
			cur := s.Current()
			assert.GreaterOrEqual(t, cur, last)
			last = cur
		}
	}()
	for i := 0; i < 10000; i++ {
		s.Next()
	}
	wg.Wait()
	assert.Equal(t, uint64(10000), s.Current())
}
