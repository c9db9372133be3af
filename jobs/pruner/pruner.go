// Package pruner periodically deletes expired entries from the local
// processed-event set.
package pruner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"matchcore/infra/logger"
)

type Store interface {
	Prune(ctx context.Context) (int, error)
}

type Pruner struct {
	store    Store
	interval time.Duration
}

func New(store Store, interval time.Duration) *Pruner {
	return &Pruner{store: store, interval: interval}
}

func (p *Pruner) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := p.store.Prune(ctx)
			if err != nil {
				logger.Warn(ctx, "dedup prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug(ctx, "dedup entries pruned", zap.Int("count", n))
			}
		}
	}
}
