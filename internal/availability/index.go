// Package availability tracks which field intervals are held or committed and
// grants non-blocking, atomic locks on free intervals.
package availability

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/fieldbook/internal/domain"
)

var (
	ErrSlotUnavailable = errors.New("slot unavailable")
	ErrLockNotFound    = errors.New("lock not found")
)

// Lock is a claim on [Start, End) of one field on one date. A zero ExpiresAt
// marks a committed claim that never lapses.
type Lock struct {
	ID        uuid.UUID        `json:"id"`
	FieldID   int64            `json:"field_id"`
	Date      domain.Date      `json:"date"`
	Start     domain.ClockTime `json:"start"`
	End       domain.ClockTime `json:"end"`
	ExpiresAt time.Time        `json:"expires_at"`
}

func (l Lock) Interval() domain.Interval {
	return domain.Interval{Start: l.Start, End: l.End}
}

func (l Lock) expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

// Index is the shared availability structure. TryLock never waits: it either
// grants the interval or fails with ErrSlotUnavailable.
type Index interface {
	TryLock(ctx context.Context, slot domain.Slot, expiresAt time.Time) (Lock, error)
	Release(ctx context.Context, lock Lock) error
	Commit(ctx context.Context, lock Lock) error
	IsFree(ctx context.Context, fieldID int64, date domain.Date, start, end domain.ClockTime) (bool, error)
	Held(ctx context.Context, fieldID int64, date domain.Date) ([]domain.Interval, error)
	Restore(ctx context.Context, locks []Lock) (int, error)
}

// FreeIntervals subtracts held intervals from [open, close).
func FreeIntervals(open, close domain.ClockTime, held []domain.Interval) []domain.Interval {
	if close <= open {
		return nil
	}

	sorted := append([]domain.Interval(nil), held...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var out []domain.Interval
	cursor := open
	for _, h := range sorted {
		if h.End <= cursor {
			continue
		}
		if h.Start >= close {
			break
		}
		if h.Start > cursor {
			out = append(out, domain.Interval{Start: cursor, End: h.Start})
		}
		cursor = h.End
		if cursor >= close {
			break
		}
	}

	if cursor < close {
		out = append(out, domain.Interval{Start: cursor, End: close})
	}

	return out
}
