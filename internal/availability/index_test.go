package availability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/fieldbook/internal/domain"
)

// Dates far in the future keep Redis bucket expiry out of the way.
const testDate = domain.Date("2099-06-01")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func hm(h, m int) domain.ClockTime { return domain.NewClockTime(h, m) }

func slot(field int64, from, to domain.ClockTime) domain.Slot {
	return domain.Slot{FieldID: field, Date: testDate, Start: from, End: to}
}

type indexFactory func(t *testing.T, clock *fakeClock) Index

func factories() map[string]indexFactory {
	return map[string]indexFactory{
		"memory": func(t *testing.T, clock *fakeClock) Index {
			return NewMemory(clock.Now)
		},
		"redis": func(t *testing.T, clock *fakeClock) Index {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedis(rdb, clock.Now)
		},
	}
}

func TestIndexContract(t *testing.T) {
	for name, newIndex := range factories() {
		t.Run(name, func(t *testing.T) {
			t.Run("overlap is rejected", func(t *testing.T) {
				clock := &fakeClock{t: time.Now()}
				idx := newIndex(t, clock)
				ctx := context.Background()
				exp := clock.Now().Add(10 * time.Minute)

				_, err := idx.TryLock(ctx, slot(1, hm(18, 0), hm(19, 0)), exp)
				require.NoError(t, err)

				_, err = idx.TryLock(ctx, slot(1, hm(18, 30), hm(19, 30)), exp)
				require.ErrorIs(t, err, ErrSlotUnavailable)

				_, err = idx.TryLock(ctx, slot(1, hm(19, 0), hm(20, 0)), exp)
				require.NoError(t, err, "adjacent interval must be free")

				_, err = idx.TryLock(ctx, slot(2, hm(18, 0), hm(19, 0)), exp)
				require.NoError(t, err, "other field is independent")
			})

			t.Run("release frees the interval", func(t *testing.T) {
				clock := &fakeClock{t: time.Now()}
				idx := newIndex(t, clock)
				ctx := context.Background()
				exp := clock.Now().Add(10 * time.Minute)

				l, err := idx.TryLock(ctx, slot(1, hm(8, 0), hm(9, 0)), exp)
				require.NoError(t, err)

				free, err := idx.IsFree(ctx, 1, testDate, hm(8, 0), hm(9, 0))
				require.NoError(t, err)
				assert.False(t, free)

				require.NoError(t, idx.Release(ctx, l))
				require.NoError(t, idx.Release(ctx, l), "release is idempotent")

				free, err = idx.IsFree(ctx, 1, testDate, hm(8, 0), hm(9, 0))
				require.NoError(t, err)
				assert.True(t, free)
			})

			t.Run("lapsed lock is treated as free", func(t *testing.T) {
				clock := &fakeClock{t: time.Now()}
				idx := newIndex(t, clock)
				ctx := context.Background()

				l, err := idx.TryLock(ctx, slot(1, hm(10, 0), hm(11, 0)), clock.Now().Add(time.Minute))
				require.NoError(t, err)

				clock.Advance(2 * time.Minute)

				require.ErrorIs(t, idx.Commit(ctx, l), ErrLockNotFound)

				_, err = idx.TryLock(ctx, slot(1, hm(10, 0), hm(11, 0)), clock.Now().Add(time.Minute))
				require.NoError(t, err)
			})

			t.Run("committed lock never lapses", func(t *testing.T) {
				clock := &fakeClock{t: time.Now()}
				idx := newIndex(t, clock)
				ctx := context.Background()

				l, err := idx.TryLock(ctx, slot(1, hm(10, 0), hm(11, 0)), clock.Now().Add(time.Minute))
				require.NoError(t, err)
				require.NoError(t, idx.Commit(ctx, l))

				clock.Advance(time.Hour)

				_, err = idx.TryLock(ctx, slot(1, hm(10, 0), hm(11, 0)), clock.Now().Add(time.Minute))
				require.ErrorIs(t, err, ErrSlotUnavailable)

				held, err := idx.Held(ctx, 1, testDate)
				require.NoError(t, err)
				assert.Equal(t, []domain.Interval{{Start: hm(10, 0), End: hm(11, 0)}}, held)
			})

			t.Run("restore rebuilds held intervals", func(t *testing.T) {
				clock := &fakeClock{t: time.Now()}
				idx := newIndex(t, clock)
				ctx := context.Background()

				l := Lock{
					ID:        [16]byte{1},
					FieldID:   3,
					Date:      testDate,
					Start:     hm(6, 0),
					End:       hm(7, 0),
					ExpiresAt: clock.Now().Add(5 * time.Minute),
				}
				n, err := idx.Restore(ctx, []Lock{l})
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				_, err = idx.TryLock(ctx, slot(3, hm(6, 30), hm(7, 30)), clock.Now().Add(time.Minute))
				require.ErrorIs(t, err, ErrSlotUnavailable)

				require.NoError(t, idx.Release(ctx, l))
				_, err = idx.TryLock(ctx, slot(3, hm(6, 30), hm(7, 30)), clock.Now().Add(time.Minute))
				require.NoError(t, err)
			})

			t.Run("restore never overlaps a live lock", func(t *testing.T) {
				clock := &fakeClock{t: time.Now()}
				idx := newIndex(t, clock)
				ctx := context.Background()

				live, err := idx.TryLock(ctx, slot(2, hm(18, 0), hm(19, 0)), clock.Now().Add(10*time.Minute))
				require.NoError(t, err)

				stale := Lock{
					ID:        [16]byte{2},
					FieldID:   2,
					Date:      testDate,
					Start:     hm(18, 0),
					End:       hm(19, 0),
					ExpiresAt: clock.Now().Add(5 * time.Minute),
				}
				n, err := idx.Restore(ctx, []Lock{stale})
				require.NoError(t, err)
				assert.Zero(t, n)

				held, err := idx.Held(ctx, 2, testDate)
				require.NoError(t, err)
				assert.Equal(t, []domain.Interval{{Start: hm(18, 0), End: hm(19, 0)}}, held)

				// The stale lock cannot be committed either.
				require.ErrorIs(t, idx.Commit(ctx, stale), ErrLockNotFound)
				require.NoError(t, idx.Commit(ctx, live))
			})

			t.Run("restore puts back the expiry of a committed lock", func(t *testing.T) {
				clock := &fakeClock{t: time.Now()}
				idx := newIndex(t, clock)
				ctx := context.Background()

				l, err := idx.TryLock(ctx, slot(4, hm(9, 0), hm(10, 0)), clock.Now().Add(time.Minute))
				require.NoError(t, err)
				require.NoError(t, idx.Commit(ctx, l))

				n, err := idx.Restore(ctx, []Lock{l})
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				clock.Advance(2 * time.Minute)
				_, err = idx.TryLock(ctx, slot(4, hm(9, 0), hm(10, 0)), clock.Now().Add(time.Minute))
				require.NoError(t, err)
			})
		})
	}
}

func TestIndexConcurrentTryLockGrantsOnePerOverlappingGroup(t *testing.T) {
	for name, newIndex := range factories() {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.Now()}
			idx := newIndex(t, clock)
			ctx := context.Background()
			exp := clock.Now().Add(10 * time.Minute)

			// Two groups; every request overlaps every other request in its group.
			requests := []domain.Slot{
				slot(1, hm(18, 0), hm(19, 0)),
				slot(1, hm(18, 0), hm(19, 0)),
				slot(1, hm(18, 30), hm(18, 45)),
				slot(1, hm(17, 45), hm(18, 35)),
				slot(1, hm(8, 0), hm(9, 0)),
				slot(1, hm(8, 30), hm(9, 30)),
				slot(1, hm(8, 15), hm(8, 45)),
			}

			const rounds = 8
			var granted atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < rounds; i++ {
				for _, s := range requests {
					wg.Add(1)
					go func(s domain.Slot) {
						defer wg.Done()
						_, err := idx.TryLock(ctx, s, exp)
						switch {
						case err == nil:
							granted.Add(1)
						case errors.Is(err, ErrSlotUnavailable):
						default:
							t.Errorf("unexpected error: %v", err)
						}
					}(s)
				}
			}
			wg.Wait()

			held, err := idx.Held(ctx, 1, testDate)
			require.NoError(t, err)
			require.Len(t, held, int(granted.Load()))
			require.Len(t, held, 2, "exactly one grant per overlapping group")

			for i := range held {
				for j := i + 1; j < len(held); j++ {
					assert.False(t, held[i].Overlaps(held[j]), "%v overlaps %v", held[i], held[j])
				}
			}
		})
	}
}

func TestFreeIntervals(t *testing.T) {
	held := []domain.Interval{
		{Start: hm(18, 0), End: hm(19, 0)},
		{Start: hm(8, 0), End: hm(9, 0)},
		{Start: hm(8, 30), End: hm(10, 0)},
		{Start: hm(22, 0), End: hm(23, 30)},
	}

	got := FreeIntervals(hm(6, 0), hm(23, 0), held)

	assert.Equal(t, []domain.Interval{
		{Start: hm(6, 0), End: hm(8, 0)},
		{Start: hm(10, 0), End: hm(18, 0)},
		{Start: hm(19, 0), End: hm(22, 0)},
	}, got)

	assert.Equal(t,
		[]domain.Interval{{Start: hm(6, 0), End: hm(23, 0)}},
		FreeIntervals(hm(6, 0), hm(23, 0), nil),
	)
	assert.Nil(t, FreeIntervals(hm(9, 0), hm(9, 0), nil))
}
