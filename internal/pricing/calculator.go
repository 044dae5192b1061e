// Package pricing computes field and service prices for a reservation.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kirinyoku/fieldbook/internal/domain"
)

var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidQuantity = errors.New("service quantity must be positive")
)

// ServicePrices looks up the current unit price of an add-on service.
type ServicePrices interface {
	GetServicePrice(ctx context.Context, serviceID int64) (int64, error)
}

type Quote struct {
	FieldPrice   int64 `json:"field_price"`
	ServicePrice int64 `json:"service_price"`
}

type Calculator struct {
	services ServicePrices
}

func NewCalculator(services ServicePrices) *Calculator {
	return &Calculator{services: services}
}

// Price returns the field and service prices for the given selection. Unit
// prices are read from the catalog on every call.
func (c *Calculator) Price(
	ctx context.Context,
	field domain.Field,
	date domain.Date,
	start, end domain.ClockTime,
	lines []domain.ServiceLine,
) (Quote, error) {
	const op = "pricing.Calculator.Price"

	fieldPrice, err := FieldPrice(field, date, start, end)
	if err != nil {
		return Quote{}, fmt.Errorf("%s:%w", op, err)
	}

	servicePrice, err := c.ServicePrice(ctx, lines)
	if err != nil {
		return Quote{}, fmt.Errorf("%s:%w", op, err)
	}

	return Quote{FieldPrice: fieldPrice, ServicePrice: servicePrice}, nil
}

// ServicePrice sums unitPrice × quantity over the lines.
func (c *Calculator) ServicePrice(ctx context.Context, lines []domain.ServiceLine) (int64, error) {
	const op = "pricing.Calculator.ServicePrice"

	var total int64
	for _, l := range lines {
		if l.Quantity <= 0 {
			return 0, fmt.Errorf("%s:%w: service %d", op, ErrInvalidQuantity, l.ServiceID)
		}

		unit, err := c.services.GetServicePrice(ctx, l.ServiceID)
		if err != nil {
			return 0, fmt.Errorf("%s:%w", op, err)
		}

		total += unit * l.Quantity
	}

	return total, nil
}

// FieldPrice is base price for the booked duration plus, for every peak window
// active on the date's weekday, base × increasePercent prorated to the minutes
// overlapping the window. Windows are not assumed disjoint.
func FieldPrice(field domain.Field, date domain.Date, start, end domain.ClockTime) (int64, error) {
	if !start.Valid() || !end.Valid() || end <= start {
		return 0, fmt.Errorf("%w: %s-%s", ErrInvalidInterval, start, end)
	}

	booked := domain.Interval{Start: start, End: end}
	weekday := date.Weekday()

	// Accumulate in units of price×percent×minutes so that a single rounding
	// step happens at the end.
	acc := field.BasePrice * int64(booked.Minutes()) * 100

	for _, w := range field.PeakWindows {
		if w.IncreasePercent == 0 || !w.AppliesOn(weekday) {
			continue
		}

		overlap := overlapMinutes(booked, domain.Interval{Start: w.Start, End: w.End})
		acc += field.BasePrice * w.IncreasePercent * int64(overlap)
	}

	const denom = 60 * 100
	return (acc + denom/2) / denom, nil
}

// NormalizeLines merges duplicate service ids and orders lines by id so the
// same selection always prices and persists identically.
func NormalizeLines(lines []domain.ServiceLine) []domain.ServiceLine {
	if len(lines) == 0 {
		return nil
	}

	merged := make(map[int64]int64, len(lines))
	for _, l := range lines {
		merged[l.ServiceID] += l.Quantity
	}

	out := make([]domain.ServiceLine, 0, len(merged))
	for id, q := range merged {
		out = append(out, domain.ServiceLine{ServiceID: id, Quantity: q})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })

	return out
}

func overlapMinutes(a, b domain.Interval) int {
	lo := max(a.Start, b.Start)
	hi := min(a.End, b.End)
	if hi <= lo {
		return 0
	}
	return int(hi - lo)
}
