package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/fieldbook/internal/availability"
	"github.com/kirinyoku/fieldbook/internal/domain"
	redisrepo "github.com/kirinyoku/fieldbook/internal/repository/redis"
)

const day = domain.Date("2099-06-01")

func hm(h, m int) domain.ClockTime { return domain.NewClockTime(h, m) }

type catalogStub struct {
	fields []domain.Field
	err    error
	calls  int
}

func (c *catalogStub) ListFields(_ context.Context, facilityID int64) ([]domain.Field, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	var out []domain.Field
	for _, f := range c.fields {
		if f.FacilityID == facilityID {
			out = append(out, f)
		}
	}
	return out, nil
}

func setup(t *testing.T) (*Service, *catalogStub, availability.Index) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cat := &catalogStub{fields: []domain.Field{
		{ID: 1, FacilityID: 10, Name: "Court 1", SportIDs: []int64{1, 2}, OpenAt: hm(6, 0), CloseAt: hm(22, 0), Status: domain.FieldActive},
		{ID: 2, FacilityID: 10, Name: "Court 2", SportIDs: []int64{1}, OpenAt: hm(8, 0), CloseAt: hm(20, 0), Status: domain.FieldClosed},
		{ID: 3, FacilityID: 10, Name: "Pitch", SportIDs: []int64{3}, OpenAt: hm(6, 0), CloseAt: hm(22, 0), Status: domain.FieldActive},
		{ID: 4, FacilityID: 11, Name: "Elsewhere", SportIDs: []int64{1}, OpenAt: hm(6, 0), CloseAt: hm(22, 0), Status: domain.FieldActive},
	}}
	idx := availability.NewMemory(time.Now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(cat, idx, redisrepo.New(rdb), logger, Config{SlotsTTL: time.Minute}), cat, idx
}

func TestGetAvailableSlots(t *testing.T) {
	svc, _, idx := setup(t)
	ctx := context.Background()

	_, err := idx.TryLock(ctx, domain.Slot{FieldID: 1, Date: day, Start: hm(18, 0), End: hm(19, 0)}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	got, err := svc.GetAvailableSlots(ctx, 10, 1, day)
	require.NoError(t, err)

	assert.Equal(t, []domain.FieldAvailability{{
		FieldID:   1,
		FieldName: "Court 1",
		FreeIntervals: []domain.Interval{
			{Start: hm(6, 0), End: hm(18, 0)},
			{Start: hm(19, 0), End: hm(22, 0)},
		},
	}}, got, "closed fields and other sports are left out")

	got, err = svc.GetAvailableSlots(ctx, 10, 9, day)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetAvailableSlotsIsCachedUntilInvalidated(t *testing.T) {
	svc, cat, idx := setup(t)
	ctx := context.Background()

	_, err := svc.GetAvailableSlots(ctx, 10, 1, day)
	require.NoError(t, err)
	_, err = svc.GetAvailableSlots(ctx, 10, 3, day)
	require.NoError(t, err)
	assert.Equal(t, 1, cat.calls, "one cache entry serves every sport")

	_, err = idx.TryLock(ctx, domain.Slot{FieldID: 3, Date: day, Start: hm(6, 0), End: hm(8, 0)}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	got, err := svc.GetAvailableSlots(ctx, 10, 3, day)
	require.NoError(t, err)
	assert.Equal(t, hm(6, 0), got[0].FreeIntervals[0].Start, "stale until invalidated")

	svc.Invalidate(ctx, redisrepo.AvailabilityChange{FacilityID: 10, Date: day})

	got, err = svc.GetAvailableSlots(ctx, 10, 3, day)
	require.NoError(t, err)
	assert.Equal(t, []domain.Interval{{Start: hm(8, 0), End: hm(22, 0)}}, got[0].FreeIntervals)
	assert.Equal(t, 2, cat.calls)
}

func TestGetAvailableSlotsErrors(t *testing.T) {
	svc, cat, _ := setup(t)
	ctx := context.Background()

	_, err := svc.GetAvailableSlots(ctx, 10, 1, domain.Date("2099-13-40"))
	require.ErrorIs(t, err, ErrInvalidDate)

	cat.err = errors.New("db down")
	_, err = svc.GetAvailableSlots(ctx, 10, 1, day)
	require.ErrorIs(t, err, ErrCatalogUnavailable)
}
