package service

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"matchcore/domain/command"
	"matchcore/domain/matching"
	"matchcore/infra/kafka"
	"matchcore/infra/logger"
	"matchcore/infra/metrics"
	"matchcore/infra/outbox"
)

// ErrStateDiverged means a book was mutated but its events could not be
// handed off. The process must stop and recover from the last snapshot.
var ErrStateDiverged = errors.New("book state diverged from published events")

type DedupStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

// Sink receives the encoded outbound events of one applied record. A nil
// error means they are durable.
type Sink interface {
	Publish(ctx context.Context, msgs []outbox.Message) error
}

// Intake applies consumed records to the pair engines. It implements
// kafka.Handler.
type Intake struct {
	rc      *RecoveryCoordinator
	dedup   DedupStore
	sink    Sink
	metrics *metrics.Metrics
}

func NewIntake(rc *RecoveryCoordinator, dedup DedupStore, sink Sink, m *metrics.Metrics) *Intake {
	return &Intake{rc: rc, dedup: dedup, sink: sink, metrics: m}
}

func (in *Intake) ResumeOffset(topic string, partition int32) (int64, bool) {
	return in.rc.ResumeOffset(topic, partition)
}

// HandleMessage runs one record through dedup, apply, publish and commit.
// A returned error means the offset was not committed; ErrStateDiverged
// additionally means the process must not continue.
func (in *Intake) HandleMessage(ctx context.Context, msg kafka.Message, c kafka.Committer) error {
	const op = "Intake.HandleMessage"

	tp := msg.TopicPartition()

	cmd, err := command.Decode(msg.Value)
	if err != nil {
		logger.Warn(ctx, "skipping malformed event",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		in.count("", metrics.OutcomeMalformed)
		return in.commitUnowned(ctx, msg, c)
	}
	ctx = logger.ContextWithEventID(ctx, cmd.EventID())

	pair, ok := in.resolvePair(cmd)
	if !ok {
		logger.Warn(ctx, "event for unknown pair or order", zap.String("kind", string(cmd.Kind())))
		in.count(pair, metrics.OutcomeUnknown)
		return in.commitUnowned(ctx, msg, c)
	}
	ctx = logger.ContextWithPair(ctx, pair)

	slot, _ := in.rc.slot(pair)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.reflected(tp, msg.Offset) {
		logger.Debug(ctx, "event already in snapshot", zap.Int64("offset", msg.Offset))
		in.count(pair, metrics.OutcomeSkipped)
		return in.commitOwned(ctx, slot, msg, c)
	}

	dup, err := in.isDuplicate(ctx, slot, tp, msg.Offset, cmd.EventID())
	if err != nil {
		return errors.Wrap(err, op)
	}
	if dup {
		logger.Debug(ctx, "duplicate event", zap.Int64("offset", msg.Offset))
		in.count(pair, metrics.OutcomeDuplicate)
		return in.commitOwned(ctx, slot, msg, c)
	}

	start := time.Now()

	events := in.apply(ctx, slot.engine, cmd)
	seq := slot.seq.Next()

	msgs, err := encodeEvents(pair, seq, cmd.EventID(), events)
	if err == nil {
		err = in.sink.Publish(ctx, msgs)
	}
	if err != nil {
		in.rc.markDiverged()
		logger.Error(ctx, "outbound publish failed after apply", zap.Uint64("sequence", seq), zap.Error(err))
		return errors.Wrapf(ErrStateDiverged, "%s: %s", op, err)
	}

	slot.markSeen(cmd.EventID())

	if err := c.Commit(ctx, msg); err != nil {
		return errors.Wrap(err, op)
	}

	in.markProcessed(ctx, slot, cmd.EventID())

	slot.recordOffset(tp, msg.Offset+1)
	in.rc.advance(tp, msg.Offset+1)

	in.count(pair, metrics.OutcomeApplied)
	if in.metrics != nil {
		in.metrics.ApplyDuration.WithLabelValues(pair).Observe(time.Since(start).Seconds())
		in.metrics.Sequence.WithLabelValues(pair).Set(float64(seq))
		in.metrics.TradesTotal.WithLabelValues(pair).Add(float64(countTrades(events)))
	}
	return nil
}

// isDuplicate checks the in-memory set, then the durable store once the
// partition is past catch-up. During catch-up the durable store would
// report events that the snapshot does not yet reflect.
func (in *Intake) isDuplicate(ctx context.Context, slot *pairSlot, tp kafka.TopicPartition, offset int64, eventID string) (bool, error) {
	if _, ok := slot.seen[eventID]; ok {
		return true, nil
	}
	if in.rc.inCatchUp(tp, offset) {
		return false, nil
	}
	return in.dedup.IsProcessed(ctx, eventID)
}

// markProcessed records eventID durably after its offset is committed, so
// a durable mark never runs ahead of the committed offset. A failed mark
// pins the id in memory and is retried after the next successful one.
func (in *Intake) markProcessed(ctx context.Context, slot *pairSlot, eventID string) {
	if err := in.dedup.MarkProcessed(ctx, eventID); err != nil {
		logger.Warn(ctx, "durable dedup mark failed, id pinned in memory", zap.Error(err))
		slot.unmarked[eventID] = struct{}{}
		return
	}

	for id := range slot.unmarked {
		if err := in.dedup.MarkProcessed(ctx, id); err != nil {
			logger.Warn(ctx, "pinned dedup mark retry failed", zap.String("pinned_event_id", id), zap.Error(err))
			return
		}
		slot.unpin(id)
	}
}

func (in *Intake) resolvePair(cmd command.Command) (string, bool) {
	switch c := cmd.(type) {
	case command.CreateOrder:
		_, ok := in.rc.slot(c.Pair)
		return c.Pair, ok
	case command.CancelOrder:
		_, ok := in.rc.slot(c.Pair)
		return c.Pair, ok
	case command.OrderExpired:
		if c.Pair != "" {
			_, ok := in.rc.slot(c.Pair)
			return c.Pair, ok
		}
		return in.rc.findOrderPair(c.OrderID)
	default:
		panic(errors.Errorf("unhandled command %T", cmd))
	}
}

func (in *Intake) apply(ctx context.Context, eng *matching.Engine, cmd command.Command) []matching.Event {
	switch c := cmd.(type) {
	case command.CreateOrder:
		if eng.HasOrder(c.OrderID) {
			logger.Warn(ctx, "order id already resting, create ignored", zap.String("order_id", c.OrderID))
			return nil
		}
		return eng.AddOrder(c.NewOrder())
	case command.CancelOrder:
		events, ok := eng.CancelOrder(c.OrderID, c.UserID)
		if !ok {
			logger.Debug(ctx, "cancel was a no-op", zap.String("order_id", c.OrderID))
		}
		return events
	case command.OrderExpired:
		events, ok := eng.RemoveExpiredOrder(c.OrderID)
		if !ok {
			logger.Debug(ctx, "expiry was a no-op", zap.String("order_id", c.OrderID))
		}
		return events
	default:
		panic(errors.Errorf("unhandled command %T", cmd))
	}
}

// commitOwned commits a record that needs no apply and records it against
// the pair.
func (in *Intake) commitOwned(ctx context.Context, slot *pairSlot, msg kafka.Message, c kafka.Committer) error {
	if err := c.Commit(ctx, msg); err != nil {
		return errors.Wrap(err, "Intake.commit")
	}
	slot.recordOffset(msg.TopicPartition(), msg.Offset+1)
	in.rc.advance(msg.TopicPartition(), msg.Offset+1)
	return nil
}

// commitUnowned commits a record that belongs to no pair.
func (in *Intake) commitUnowned(ctx context.Context, msg kafka.Message, c kafka.Committer) error {
	if err := c.Commit(ctx, msg); err != nil {
		return errors.Wrap(err, "Intake.commit")
	}
	in.rc.advance(msg.TopicPartition(), msg.Offset+1)
	return nil
}

func (in *Intake) count(pair, outcome string) {
	if in.metrics != nil {
		in.metrics.EventsTotal.WithLabelValues(pair, outcome).Inc()
	}
}

func countTrades(events []matching.Event) int {
	n := 0
	for _, ev := range events {
		if _, ok := ev.(matching.Trade); ok {
			n++
		}
	}
	return n
}
