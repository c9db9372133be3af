package sequence

import "sync/atomic"

// Sequencer hands out the strictly increasing per-pair sequence numbers.
// Next is called by the pair's single writer; Current may be read from
// any goroutine.
type Sequencer struct {
	next atomic.Uint64
}

// New starts after start: the first Next returns start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued number.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Advance raises the counter to v; it never moves backwards.
func (s *Sequencer) Advance(v uint64) {
	for {
		cur := s.next.Load()
		if v <= cur || s.next.CompareAndSwap(cur, v) {
			return
		}
	}
}
