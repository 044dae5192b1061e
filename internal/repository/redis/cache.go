package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/kirinyoku/fieldbook/internal/domain"
	redisx "github.com/kirinyoku/fieldbook/internal/redis"
)

// Cache keeps JSON snapshots of catalog and slot reads. Concurrent misses on
// one key share a single load.
type Cache struct {
	rdb *redis.Client
	sf  singleflight.Group
}

func New(client *redis.Client) *Cache {
	return &Cache{rdb: client}
}

// lookup reports ok=false on a miss or on a snapshot that no longer decodes.
func lookup[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var out T

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, nil
	}

	return out, true, nil
}

// Store writes a snapshot under key for ttl.
func Store(ctx context.Context, c *Cache, key string, val any, ttl time.Duration) error {
	const op = "redis.Store"

	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// ReadThrough returns the snapshot under key, calling load on a miss and
// storing its result for ttl. A failed write-back is not reported; the next
// read simply loads again.
func ReadThrough[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	load func(ctx context.Context) (T, error),
) (T, error) {
	const op = "redis.ReadThrough"

	if v, ok, err := lookup[T](ctx, c, key); err != nil || ok {
		if err != nil {
			return v, fmt.Errorf("%s:%w", op, err)
		}
		return v, nil
	}

	shared, err, _ := c.sf.Do(key, func() (any, error) {
		if v, ok, err := lookup[T](ctx, c, key); err != nil || ok {
			return v, err
		}

		v, err := load(ctx)
		if err != nil {
			return nil, err
		}

		_ = Store(ctx, c, key, v, ttl)

		return v, nil
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s:%w", op, err)
	}

	v, ok := shared.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: %s holds %T", op, key, shared)
	}

	return v, nil
}

// InvalidateFacilitySlots drops the cached slot listing of a facility date.
func (c *Cache) InvalidateFacilitySlots(ctx context.Context, facilityID int64, date domain.Date) error {
	const op = "redis.Cache.InvalidateFacilitySlots"

	if err := c.rdb.Del(ctx, redisx.KeyFacilitySlots(facilityID, date.String())).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
