// Package query serves the read side of the engine: free intervals per field.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirinyoku/fieldbook/internal/availability"
	"github.com/kirinyoku/fieldbook/internal/domain"
	redisx "github.com/kirinyoku/fieldbook/internal/redis"
	redisrepo "github.com/kirinyoku/fieldbook/internal/repository/redis"
)

type Config struct {
	SlotsTTL time.Duration
}

type Catalog interface {
	ListFields(ctx context.Context, facilityID int64) ([]domain.Field, error)
}

// HeldReader is the part of the availability index the query side reads.
type HeldReader interface {
	Held(ctx context.Context, fieldID int64, date domain.Date) ([]domain.Interval, error)
}

type Service struct {
	catalog Catalog
	index   HeldReader
	cache   *redisrepo.Cache
	cfg     Config
	logger  *slog.Logger
}

func New(catalog Catalog, index HeldReader, cache *redisrepo.Cache, logger *slog.Logger, cfg Config) *Service {
	if cfg.SlotsTTL <= 0 {
		cfg.SlotsTTL = 15 * time.Second
	}

	return &Service{
		catalog: catalog,
		index:   index,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
	}
}

// fieldSlots is the cached form of one field's free intervals. Sport ids stay
// with it so one cache entry serves every sport of the facility.
type fieldSlots struct {
	FieldID  int64             `json:"field_id"`
	Name     string            `json:"name"`
	SportIDs []int64           `json:"sport_ids"`
	Free     []domain.Interval `json:"free"`
}

// GetAvailableSlots lists the active fields of a facility that offer a sport,
// each with its free intervals inside operating hours on the given date.
//
// Parameters:
//   - ctx: request-scoped context.
//   - facilityID: facility whose fields are listed.
//   - sportID: only fields offering this sport are returned.
//   - date: calendar date, YYYY-MM-DD.
//
// Returns:
//   - []domain.FieldAvailability: fields ordered by id; empty when none match.
//   - error: ErrInvalidDate for a malformed date, ErrCatalogUnavailable when
//     the catalog cannot be read.
func (s *Service) GetAvailableSlots(
	ctx context.Context,
	facilityID, sportID int64,
	date domain.Date,
) ([]domain.FieldAvailability, error) {
	const op = "service.query.GetAvailableSlots"

	if _, err := domain.ParseDate(date.String()); err != nil {
		return nil, fmt.Errorf("%s:%w", op, ErrInvalidDate)
	}

	slots, err := redisrepo.ReadThrough(
		ctx,
		s.cache,
		redisx.KeyFacilitySlots(facilityID, date.String()),
		s.cfg.SlotsTTL,
		func(ctx context.Context) ([]fieldSlots, error) {
			return s.load(ctx, facilityID, date)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	out := make([]domain.FieldAvailability, 0, len(slots))
	for _, f := range slots {
		if !offers(f.SportIDs, sportID) {
			continue
		}
		out = append(out, domain.FieldAvailability{
			FieldID:       f.FieldID,
			FieldName:     f.Name,
			FreeIntervals: f.Free,
		})
	}

	return out, nil
}

func (s *Service) load(ctx context.Context, facilityID int64, date domain.Date) ([]fieldSlots, error) {
	fields, err := s.catalog.ListFields(ctx, facilityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	out := make([]fieldSlots, 0, len(fields))
	for _, f := range fields {
		if f.Status != domain.FieldActive {
			continue
		}

		held, err := s.index.Held(ctx, f.ID, date)
		if err != nil {
			return nil, err
		}

		out = append(out, fieldSlots{
			FieldID:  f.ID,
			Name:     f.Name,
			SportIDs: f.SportIDs,
			Free:     availability.FreeIntervals(f.OpenAt, f.CloseAt, held),
		})
	}

	return out, nil
}

// Invalidate drops the cached listing for a facility date. It is meant to be
// driven by availability change notifications.
func (s *Service) Invalidate(ctx context.Context, c redisrepo.AvailabilityChange) {
	if err := s.cache.InvalidateFacilitySlots(ctx, c.FacilityID, c.Date); err != nil {
		s.logger.Warn("slot cache invalidation failed",
			slog.Int64("facility_id", c.FacilityID),
			slog.String("date", c.Date.String()),
			slog.Any("err", err),
		)
	}
}

func offers(sportIDs []int64, sportID int64) bool {
	for _, id := range sportIDs {
		if id == sportID {
			return true
		}
	}
	return false
}
