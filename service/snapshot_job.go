package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"matchcore/domain/orderbook"
	"matchcore/infra/logger"
	"matchcore/infra/metrics"
	"matchcore/snapshot"
)

// SnapshotJob periodically saves every pair whose snapshot is out of date,
// and once more on shutdown.
type SnapshotJob struct {
	rc       *RecoveryCoordinator
	store    snapshot.Store
	interval time.Duration
	metrics  *metrics.Metrics
}

func NewSnapshotJob(rc *RecoveryCoordinator, store snapshot.Store, interval time.Duration, m *metrics.Metrics) *SnapshotJob {
	return &SnapshotJob{rc: rc, store: store, interval: interval, metrics: m}
}

func (j *SnapshotJob) Run(ctx context.Context) error {
	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is gone; the final round gets its own deadline
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			j.SnapshotAll(final, false)
			cancel()
			return nil
		case <-t.C:
			j.SnapshotAll(ctx, false)
		}
	}
}

// SnapshotAll saves out-of-date pairs, or every pair when force is set.
// Failures are logged and retried on the next round.
func (j *SnapshotJob) SnapshotAll(ctx context.Context, force bool) {
	if j.rc.Diverged() {
		logger.Warn(ctx, "state diverged, snapshots suspended")
		return
	}
	for _, pair := range j.rc.Pairs() {
		if err := j.snapshotPair(ctx, pair, force); err != nil {
			logger.Error(logger.ContextWithPair(ctx, pair), "snapshot failed", zap.Error(err))
			if j.metrics != nil {
				j.metrics.SnapshotFailures.WithLabelValues(pair).Inc()
			}
		}
	}
}

func (j *SnapshotJob) snapshotPair(ctx context.Context, pair string, force bool) error {
	start := time.Now()

	snap, captured, ok := j.rc.capture(pair, force)
	if !ok {
		return nil
	}

	if err := j.store.Save(ctx, pair, snap); err != nil {
		j.rc.restoreDirty(pair)
		return err
	}
	j.rc.release(pair, snap, captured)

	if j.metrics != nil {
		j.metrics.SnapshotDuration.WithLabelValues(pair).Observe(time.Since(start).Seconds())
		j.reportBook(pair)
	}
	logger.Debug(logger.ContextWithPair(ctx, pair), "snapshot saved",
		zap.Uint64("sequence", snap.Sequence),
		zap.Int("processed_ids", captured),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (j *SnapshotJob) reportBook(pair string) {
	resting, bids, asks := j.rc.bookStats(pair)
	j.metrics.RestingOrders.WithLabelValues(pair).Set(float64(resting))

	for side, top := range map[string][]orderbook.DepthLevel{"bid": bids, "ask": asks} {
		if len(top) == 0 {
			j.metrics.BestPrice.DeleteLabelValues(pair, side)
			continue
		}
		j.metrics.BestPrice.WithLabelValues(pair, side).Set(top[0].Price.InexactFloat64())
	}
}

// SequenceJob persists each pair's sequence counter. The stored value is
// advisory: it only keeps numbers rising across restarts.
type SequenceJob struct {
	rc       *RecoveryCoordinator
	store    snapshot.SequenceStore
	interval time.Duration

	saved map[string]uint64
}

func NewSequenceJob(rc *RecoveryCoordinator, store snapshot.SequenceStore, interval time.Duration) *SequenceJob {
	return &SequenceJob{rc: rc, store: store, interval: interval, saved: make(map[string]uint64)}
}

func (j *SequenceJob) Run(ctx context.Context) error {
	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			j.SaveAll(final)
			cancel()
			return nil
		case <-t.C:
			j.SaveAll(ctx)
		}
	}
}

func (j *SequenceJob) SaveAll(ctx context.Context) {
	for _, pair := range j.rc.Pairs() {
		seq := j.rc.sequence(pair)
		if seq == j.saved[pair] {
			continue
		}
		if err := j.store.SaveSequence(ctx, pair, seq); err != nil {
			logger.Warn(logger.ContextWithPair(ctx, pair), "sequence save failed", zap.Error(err))
			continue
		}
		j.saved[pair] = seq
	}
}
