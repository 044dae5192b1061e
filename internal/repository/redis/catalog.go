package redis

import (
	"context"
	"time"

	"github.com/kirinyoku/fieldbook/internal/domain"
	redisx "github.com/kirinyoku/fieldbook/internal/redis"
)

// CatalogSource is the authoritative catalog behind CachedCatalog.
type CatalogSource interface {
	GetField(ctx context.Context, fieldID int64) (*domain.Field, error)
	ListFields(ctx context.Context, facilityID int64) ([]domain.Field, error)
	GetServicePrice(ctx context.Context, serviceID int64) (int64, error)
}

// CachedCatalog caches field definitions. Service prices and facility
// listings always go to the source.
type CachedCatalog struct {
	src   CatalogSource
	cache *Cache
	ttl   time.Duration
}

func NewCachedCatalog(src CatalogSource, cache *Cache, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{src: src, cache: cache, ttl: ttl}
}

func (c *CachedCatalog) GetField(ctx context.Context, fieldID int64) (*domain.Field, error) {
	f, err := ReadThrough(ctx, c.cache, redisx.KeyField(fieldID), c.ttl,
		func(ctx context.Context) (domain.Field, error) {
			f, err := c.src.GetField(ctx, fieldID)
			if err != nil {
				return domain.Field{}, err
			}
			return *f, nil
		},
	)
	if err != nil {
		return nil, err
	}

	return &f, nil
}

func (c *CachedCatalog) ListFields(ctx context.Context, facilityID int64) ([]domain.Field, error) {
	return c.src.ListFields(ctx, facilityID)
}

func (c *CachedCatalog) GetServicePrice(ctx context.Context, serviceID int64) (int64, error) {
	return c.src.GetServicePrice(ctx, serviceID)
}
