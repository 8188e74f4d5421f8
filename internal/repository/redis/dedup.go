package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDedupTTL = 24 * time.Hour

// EffectDedup remembers effect keys the worker has already applied so a
// replayed outbox row can be acknowledged without touching the component
// stores. Key format: pln:effect:<effect key>
type EffectDedup struct {
	client *redis.Client
	ttl    time.Duration
}

func NewEffectDedup(client *redis.Client, ttl time.Duration) *EffectDedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &EffectDedup{client: client, ttl: ttl}
}

func (d *EffectDedup) IsApplied(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return n > 0, nil
}

func (d *EffectDedup) MarkApplied(ctx context.Context, key string) error {
	return d.client.Set(ctx, d.key(key), "1", d.ttl).Err()
}

func (d *EffectDedup) key(key string) string {
	return "pln:effect:" + key
}
