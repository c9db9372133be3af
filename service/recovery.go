package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"matchcore/domain/matching"
	"matchcore/domain/orderbook"
	"matchcore/infra/kafka"
	"matchcore/infra/logger"
	"matchcore/infra/sequence"
	"matchcore/snapshot"
)

// pairSlot is everything the process holds for one pair. mu guards all of
// it except seq, which is atomic so the sequence job can read it freely.
type pairSlot struct {
	mu     sync.Mutex
	pair   string
	engine *matching.Engine
	seq    *sequence.Sequencer

	// offsets is the next offset per partition whose events for this
	// pair are already reflected in engine.
	offsets map[kafka.TopicPartition]int64

	// seen dedups in memory: ids restored from the snapshot plus pending.
	seen map[string]struct{}
	// pending lists ids applied since the last saved snapshot, in order.
	pending []string
	// unmarked holds ids whose durable dedup mark failed. They stay in
	// seen until a mark succeeds.
	unmarked map[string]struct{}

	// saved is the offset list of the last durable snapshot; nil until
	// the pair has one.
	saved map[kafka.TopicPartition]int64

	dirty bool
}

func (s *pairSlot) markSeen(eventID string) {
	s.seen[eventID] = struct{}{}
	s.pending = append(s.pending, eventID)
	s.dirty = true
}

// unpin drops a durably marked id, and forgets it too once no pending
// snapshot needs it.
func (s *pairSlot) unpin(eventID string) {
	delete(s.unmarked, eventID)
	for _, id := range s.pending {
		if id == eventID {
			return
		}
	}
	delete(s.seen, eventID)
}

func (s *pairSlot) recordOffset(tp kafka.TopicPartition, next int64) {
	if next > s.offsets[tp] {
		s.offsets[tp] = next
	}
}

// reflected reports whether the record at offset is already part of the
// book, either via the snapshot or an earlier delivery in this process.
func (s *pairSlot) reflected(tp kafka.TopicPartition, offset int64) bool {
	next, ok := s.offsets[tp]
	return ok && offset < next
}

// RecoveryCoordinator owns the per-pair engines and the bookkeeping that
// turns at-least-once delivery into effectively-once application.
type RecoveryCoordinator struct {
	store    snapshot.Store
	seqStore snapshot.SequenceStore
	opts     []matching.Option

	pairs []string
	slots map[string]*pairSlot

	// catchUp is the exclusive end of catch-up mode per partition.
	catchUp map[kafka.TopicPartition]int64
	// resume is where each partition restarts on first assignment.
	resume map[kafka.TopicPartition]int64
	// coldStart is set when some pair had no snapshot; every partition
	// then replays from the oldest retained record.
	coldStart bool

	progressMu sync.Mutex
	progress   map[kafka.TopicPartition]int64

	diverged atomic.Bool
}

func NewRecoveryCoordinator(pairs []string, store snapshot.Store, seqStore snapshot.SequenceStore, opts ...matching.Option) *RecoveryCoordinator {
	rc := &RecoveryCoordinator{
		store:    store,
		seqStore: seqStore,
		opts:     opts,
		pairs:    append([]string(nil), pairs...),
		slots:    make(map[string]*pairSlot, len(pairs)),
		catchUp:  make(map[kafka.TopicPartition]int64),
		resume:   make(map[kafka.TopicPartition]int64),
		progress: make(map[kafka.TopicPartition]int64),
	}
	for _, p := range pairs {
		rc.slots[p] = &pairSlot{
			pair:     p,
			engine:   matching.New(p, opts...),
			seq:      sequence.New(0),
			offsets:  make(map[kafka.TopicPartition]int64),
			seen:     make(map[string]struct{}),
			unmarked: make(map[string]struct{}),
		}
	}
	return rc
}

// Bootstrap restores every pair from its snapshot and derives where each
// partition resumes and where catch-up ends. committed holds the group's
// committed offsets at startup.
func (rc *RecoveryCoordinator) Bootstrap(ctx context.Context, committed map[kafka.TopicPartition]int64) error {
	const op = "RecoveryCoordinator.Bootstrap"

	for _, pair := range rc.pairs {
		slot := rc.slots[pair]
		pctx := logger.ContextWithPair(ctx, pair)

		snap, err := rc.store.Load(ctx, pair)
		if err != nil {
			return errors.Wrapf(err, "%s: load snapshot", op)
		}

		var seq uint64
		if snap == nil {
			rc.coldStart = true
			logger.Info(pctx, "no snapshot, pair starts empty")
		} else {
			if err := slot.engine.Restore(snap.Book()); err != nil {
				return errors.Wrapf(err, "%s: restore %s", op, pair)
			}
			slot.saved = make(map[kafka.TopicPartition]int64, len(snap.LastCommittedOffsets))
			for _, o := range snap.LastCommittedOffsets {
				tp := kafka.TopicPartition{Topic: o.Topic, Partition: o.Partition}
				slot.offsets[tp] = o.Offset
				slot.saved[tp] = o.Offset
				if cur, ok := rc.resume[tp]; !ok || o.Offset < cur {
					rc.resume[tp] = o.Offset
				}
				if o.Offset > rc.catchUp[tp] {
					rc.catchUp[tp] = o.Offset
				}
			}
			for _, id := range snap.ProcessedEventIDs {
				slot.seen[id] = struct{}{}
			}
			seq = snap.Sequence
			logger.Info(pctx, "snapshot restored",
				zap.Int("orders", slot.engine.Book().Len()),
				zap.Int("offsets", len(snap.LastCommittedOffsets)),
				zap.Int("processed_ids", len(snap.ProcessedEventIDs)),
				zap.Time("taken_at", snap.TakenAt),
			)
		}

		stored, ok, err := rc.seqStore.LoadSequence(ctx, pair)
		if err != nil {
			return errors.Wrapf(err, "%s: load sequence", op)
		}
		if ok && stored > seq {
			seq = stored
		}
		slot.seq.Advance(seq)
	}

	for tp, off := range committed {
		if off > rc.catchUp[tp] {
			rc.catchUp[tp] = off
		}
	}
	rc.replayUncovered(ctx, committed)
	return nil
}

// replayUncovered rewinds every partition that some pair's snapshot does
// not record. That pair may have applied records there after its snapshot
// was taken, and no other pair's offset says where those start.
func (rc *RecoveryCoordinator) replayUncovered(ctx context.Context, committed map[kafka.TopicPartition]int64) {
	if rc.coldStart {
		return
	}

	known := make(map[kafka.TopicPartition]struct{}, len(rc.resume)+len(committed))
	for tp := range rc.resume {
		known[tp] = struct{}{}
	}
	for tp := range committed {
		known[tp] = struct{}{}
	}

	for tp := range known {
		for _, pair := range rc.pairs {
			if _, ok := rc.slots[pair].offsets[tp]; ok {
				continue
			}
			rc.resume[tp] = OffsetOldest
			logger.Info(logger.ContextWithPair(ctx, pair), "partition missing from snapshot, replaying it",
				zap.String("topic", tp.Topic),
				zap.Int32("partition", tp.Partition),
			)
			break
		}
	}
}

// ResumeOffset implements kafka.Handler.
func (rc *RecoveryCoordinator) ResumeOffset(topic string, partition int32) (int64, bool) {
	if rc.coldStart {
		return OffsetOldest, true
	}
	off, ok := rc.resume[kafka.TopicPartition{Topic: topic, Partition: partition}]
	return off, ok
}

// OffsetOldest asks the consumer to start from the oldest retained record.
const OffsetOldest int64 = -2

func (rc *RecoveryCoordinator) inCatchUp(tp kafka.TopicPartition, offset int64) bool {
	return offset < rc.catchUp[tp]
}

func (rc *RecoveryCoordinator) slot(pair string) (*pairSlot, bool) {
	s, ok := rc.slots[pair]
	return s, ok
}

// findOrderPair locates the pair whose book holds orderID.
func (rc *RecoveryCoordinator) findOrderPair(orderID string) (string, bool) {
	for _, pair := range rc.pairs {
		s := rc.slots[pair]
		s.mu.Lock()
		ok := s.engine.HasOrder(orderID)
		s.mu.Unlock()
		if ok {
			return pair, true
		}
	}
	return "", false
}

// advance notes that every record on tp below next has been handled.
func (rc *RecoveryCoordinator) advance(tp kafka.TopicPartition, next int64) {
	rc.progressMu.Lock()
	if next > rc.progress[tp] {
		rc.progress[tp] = next
	}
	rc.progressMu.Unlock()
}

// markDiverged stops all further snapshots: the book holds changes whose
// events never left the process.
func (rc *RecoveryCoordinator) markDiverged() {
	rc.diverged.Store(true)
}

func (rc *RecoveryCoordinator) Diverged() bool {
	return rc.diverged.Load()
}

func (rc *RecoveryCoordinator) Pairs() []string {
	return append([]string(nil), rc.pairs...)
}

// capture copies what a snapshot of pair needs. A pair is captured when it
// changed, has never been saved, or its saved offsets trail what the
// process has consumed since; an idle pair would otherwise pin every
// restart to its old offsets. The returned count is the number of pending
// ids it includes.
func (rc *RecoveryCoordinator) capture(pair string, force bool) (*snapshot.Snapshot, int, bool) {
	s, ok := rc.slots[pair]
	if !ok {
		return nil, 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// checked under the lock: a failed publish marks divergence while
	// holding it
	if rc.Diverged() {
		return nil, 0, false
	}

	// Records other pairs consumed are trivially reflected here too.
	offsets := make(map[kafka.TopicPartition]int64, len(s.offsets))
	for tp, off := range s.offsets {
		offsets[tp] = off
	}
	rc.progressMu.Lock()
	for tp, off := range rc.progress {
		if off > offsets[tp] {
			offsets[tp] = off
		}
	}
	rc.progressMu.Unlock()

	if !force && !s.dirty && !trails(s.saved, offsets) {
		return nil, 0, false
	}

	st := s.engine.Serialize()
	snap := &snapshot.Snapshot{
		Pair:                 pair,
		Bids:                 st.Bids,
		Asks:                 st.Asks,
		LastCommittedOffsets: sortedOffsets(offsets),
		ProcessedEventIDs:    append([]string(nil), s.pending...),
		Sequence:             s.seq.Current(),
		TakenAt:              time.Now().UTC(),
	}

	s.dirty = false
	return snap, len(snap.ProcessedEventIDs), true
}

// release drops the first n pending ids once snap, which holds them, is
// durable. Ids applied after capture stay pending; ids without a durable
// dedup mark stay seen.
func (rc *RecoveryCoordinator) release(pair string, snap *snapshot.Snapshot, n int) {
	s := rc.slots[pair]
	s.mu.Lock()
	defer s.mu.Unlock()

	n = min(n, len(s.pending))
	for _, id := range s.pending[:n] {
		if _, ok := s.unmarked[id]; ok {
			continue
		}
		delete(s.seen, id)
	}
	s.pending = append(s.pending[:0], s.pending[n:]...)

	s.saved = make(map[kafka.TopicPartition]int64, len(snap.LastCommittedOffsets))
	for _, o := range snap.LastCommittedOffsets {
		s.saved[kafka.TopicPartition{Topic: o.Topic, Partition: o.Partition}] = o.Offset
	}
}

// restoreDirty re-flags a pair whose snapshot failed to save.
func (rc *RecoveryCoordinator) restoreDirty(pair string) {
	s := rc.slots[pair]
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

func (rc *RecoveryCoordinator) sequence(pair string) uint64 {
	return rc.slots[pair].seq.Current()
}

// bookStats reports resting orders and the best level of each side.
func (rc *RecoveryCoordinator) bookStats(pair string) (int, []orderbook.DepthLevel, []orderbook.DepthLevel) {
	s := rc.slots[pair]
	s.mu.Lock()
	defer s.mu.Unlock()
	book := s.engine.Book()
	return book.Len(), book.Depth(orderbook.Buy, 1), book.Depth(orderbook.Sell, 1)
}

// trails reports whether saved is missing or behind any of current.
func trails(saved, current map[kafka.TopicPartition]int64) bool {
	if saved == nil {
		return true
	}
	for tp, off := range current {
		if prev, ok := saved[tp]; !ok || prev < off {
			return true
		}
	}
	return false
}

func sortedOffsets(m map[kafka.TopicPartition]int64) []snapshot.Offset {
	out := make([]snapshot.Offset, 0, len(m))
	for tp, off := range m {
		out = append(out, snapshot.Offset{Topic: tp.Topic, Partition: tp.Partition, Offset: off})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}
