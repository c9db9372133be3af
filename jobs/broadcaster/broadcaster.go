// Package broadcaster drains the outbox to the outbound topic. Entries are
// sent oldest first and removed only after the broker acknowledged them,
// so delivery is at-least-once and per-pair order is kept.
package broadcaster

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"matchcore/infra/logger"
	"matchcore/infra/metrics"
	"matchcore/infra/outbox"
)

type Publisher interface {
	SendBatch(ctx context.Context, msgs []kafka.Message) error
}

type Outbox interface {
	ScanPending(limit int, fn func(outbox.Record) error) error
	Ack(ids ...uint64) error
	MarkFailed(recs []outbox.Record) error
	Len() (int, error)
}

type Broadcaster struct {
	outbox    Outbox
	publisher Publisher
	interval  time.Duration
	batch     int
	metrics   *metrics.Metrics
}

func New(ob Outbox, p Publisher, interval time.Duration, batch int, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		outbox:    ob,
		publisher: p,
		interval:  interval,
		batch:     batch,
		metrics:   m,
	}
}

func (b *Broadcaster) Run(ctx context.Context) error {
	logger.Info(ctx, "broadcaster started", zap.Duration("interval", b.interval))

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.drain(ctx); err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "broadcast pass failed", zap.Error(err))
			}
			b.reportBacklog()
		}
	}
}

// drain sends full batches until the outbox is empty or a send fails.
func (b *Broadcaster) drain(ctx context.Context) error {
	for {
		n, err := b.ReplayOnce(ctx)
		if err != nil || n < b.batch {
			return err
		}
	}
}

// ReplayOnce sends at most one batch and returns how many entries it
// delivered. A failed send leaves every entry of the batch in place.
func (b *Broadcaster) ReplayOnce(ctx context.Context) (int, error) {
	var recs []outbox.Record
	err := b.outbox.ScanPending(b.batch, func(rec outbox.Record) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "scan outbox")
	}
	if len(recs) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, len(recs))
	for i, rec := range recs {
		msgs[i] = kafka.Message{Key: rec.Key, Value: rec.Value}
	}

	if err := b.publisher.SendBatch(ctx, msgs); err != nil {
		if b.metrics != nil {
			b.metrics.BroadcastFailures.Inc()
		}
		if markErr := b.outbox.MarkFailed(recs); markErr != nil {
			logger.Warn(ctx, "outbox retry bookkeeping failed", zap.Error(markErr))
		}
		return 0, err
	}

	ids := make([]uint64, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	if err := b.outbox.Ack(ids...); err != nil {
		// the batch is sent again on the next pass
		return 0, errors.Wrap(err, "ack outbox")
	}
	return len(recs), nil
}

func (b *Broadcaster) reportBacklog() {
	if b.metrics == nil {
		return
	}
	if n, err := b.outbox.Len(); err == nil {
		b.metrics.OutboxBacklog.Set(float64(n))
	}
}
