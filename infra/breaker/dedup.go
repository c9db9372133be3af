// Package breaker wraps the durable dedup store in a circuit breaker so a
// dead store fails fast instead of stalling every partition on timeouts.
package breaker

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"matchcore/infra/logger"
)

type DedupStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

type Settings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures uint32
}

type Dedup struct {
	next DedupStore
	cb   *gobreaker.CircuitBreaker[bool]
}

func NewDedup(next DedupStore, cfg Settings) *Dedup {
	cb := gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        "dedup",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Dedup{next: next, cb: cb}
}

func (d *Dedup) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.cb.Execute(func() (bool, error) {
		return d.next.IsProcessed(ctx, eventID)
	})
	if err != nil {
		return false, errors.Wrap(err, "circuit breaker")
	}
	return ok, nil
}

func (d *Dedup) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := d.cb.Execute(func() (bool, error) {
		return true, d.next.MarkProcessed(ctx, eventID)
	})
	if err != nil {
		return errors.Wrap(err, "circuit breaker")
	}
	return nil
}

func (d *Dedup) State() gobreaker.State {
	return d.cb.State()
}
