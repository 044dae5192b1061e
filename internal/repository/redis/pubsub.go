package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/kirinyoku/fieldbook/internal/domain"
	redisx "github.com/kirinyoku/fieldbook/internal/redis"
)

// AvailabilityChange announces that locks on a facility date changed.
type AvailabilityChange struct {
	FacilityID int64       `json:"facility_id"`
	Date       domain.Date `json:"date"`
}

// AvailabilityBus fans availability changes out to every instance over
// Redis pub/sub.
type AvailabilityBus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewAvailabilityBus(rdb *redis.Client, logger *slog.Logger) *AvailabilityBus {
	return &AvailabilityBus{rdb: rdb, logger: logger}
}

func (b *AvailabilityBus) PublishAvailabilityChanged(ctx context.Context, facilityID int64, date domain.Date) error {
	const op = "redis.AvailabilityBus.PublishAvailabilityChanged"

	payload, err := json.Marshal(AvailabilityChange{FacilityID: facilityID, Date: date})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := b.rdb.Publish(ctx, redisx.ChannelAvailabilityChanged(), payload).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Subscribe calls fn for every change until ctx is done. Malformed messages
// are logged and skipped.
func (b *AvailabilityBus) Subscribe(ctx context.Context, fn func(ctx context.Context, c AvailabilityChange)) error {
	const op = "redis.AvailabilityBus.Subscribe"

	sub := b.rdb.Subscribe(ctx, redisx.ChannelAvailabilityChanged())
	defer sub.Close()

	// Wait for the subscription to be confirmed before consuming.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var c AvailabilityChange
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				b.logger.Warn("bad availability message", slog.String("payload", msg.Payload), slog.Any("err", err))
				continue
			}

			fn(ctx, c)
		}
	}
}
