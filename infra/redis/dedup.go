package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultProcessedTTL = 6 * time.Hour

func processedKey(eventID string) string { return "processed:" + eventID }

// Dedup is the durable processed-event set. Entries expire after ttl, so
// it only guards against redelivery inside that window.
type Dedup struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewDedup(client redis.UniversalClient, ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = DefaultProcessedTTL
	}
	return &Dedup{client: client, ttl: ttl}
}

func (d *Dedup) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, processedKey(eventID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis.Dedup.IsProcessed")
	}
	return n > 0, nil
}

// MarkProcessed is idempotent; an existing entry keeps its original TTL.
func (d *Dedup) MarkProcessed(ctx context.Context, eventID string) error {
	if err := d.client.SetNX(ctx, processedKey(eventID), "1", d.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis.Dedup.MarkProcessed")
	}
	return nil
}
