package availability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/fieldbook/internal/domain"
)

type memKey struct {
	fieldID int64
	date    domain.Date
}

type bucket struct {
	mu    sync.Mutex
	locks map[uuid.UUID]Lock
}

// Memory is an in-process Index. Each (field, date) bucket has its own mutex,
// held only for the duration of a check-and-insert.
type Memory struct {
	mu      sync.Mutex
	buckets map[memKey]*bucket
	now     func() time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{buckets: make(map[memKey]*bucket), now: now}
}

func (m *Memory) bucket(fieldID int64, date domain.Date) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey{fieldID: fieldID, date: date}
	b, ok := m.buckets[k]
	if !ok {
		b = &bucket{locks: make(map[uuid.UUID]Lock)}
		m.buckets[k] = b
	}
	return b
}

func (m *Memory) TryLock(_ context.Context, slot domain.Slot, expiresAt time.Time) (Lock, error) {
	const op = "availability.Memory.TryLock"

	want := slot.Interval()
	if want.End <= want.Start {
		return Lock{}, fmt.Errorf("%s: empty interval %s-%s", op, want.Start, want.End)
	}

	lock := Lock{
		ID:        uuid.New(),
		FieldID:   slot.FieldID,
		Date:      slot.Date,
		Start:     slot.Start,
		End:       slot.End,
		ExpiresAt: expiresAt,
	}

	if !m.insert(lock) {
		return Lock{}, fmt.Errorf("%s:%w", op, ErrSlotUnavailable)
	}

	return lock, nil
}

// insert adds lock unless a live lock with another id overlaps it. Lapsed
// locks met on the way are evicted.
func (m *Memory) insert(lock Lock) bool {
	b := m.bucket(lock.FieldID, lock.Date)
	now := m.now()
	want := lock.Interval()

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, l := range b.locks {
		if l.expired(now) {
			delete(b.locks, id)
			continue
		}
		if id != lock.ID && l.Interval().Overlaps(want) {
			return false
		}
	}

	b.locks[lock.ID] = lock

	return true
}

// Release is idempotent: releasing an unknown or lapsed lock is not an error.
func (m *Memory) Release(_ context.Context, lock Lock) error {
	b := m.bucket(lock.FieldID, lock.Date)

	b.mu.Lock()
	delete(b.locks, lock.ID)
	b.mu.Unlock()

	return nil
}

func (m *Memory) Commit(_ context.Context, lock Lock) error {
	const op = "availability.Memory.Commit"

	b := m.bucket(lock.FieldID, lock.Date)

	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.locks[lock.ID]
	if !ok || l.expired(m.now()) {
		return fmt.Errorf("%s:%w", op, ErrLockNotFound)
	}

	l.ExpiresAt = time.Time{}
	b.locks[lock.ID] = l

	return nil
}

func (m *Memory) IsFree(
	ctx context.Context,
	fieldID int64,
	date domain.Date,
	start, end domain.ClockTime,
) (bool, error) {
	held, err := m.Held(ctx, fieldID, date)
	if err != nil {
		return false, err
	}

	want := domain.Interval{Start: start, End: end}
	for _, h := range held {
		if h.Overlaps(want) {
			return false, nil
		}
	}

	return true, nil
}

func (m *Memory) Held(_ context.Context, fieldID int64, date domain.Date) ([]domain.Interval, error) {
	b := m.bucket(fieldID, date)
	now := m.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Interval, 0, len(b.locks))
	for _, l := range b.locks {
		if !l.expired(now) {
			out = append(out, l.Interval())
		}
	}

	return out, nil
}

// Restore re-inserts locks recorded by the reservation store, e.g. after a
// restart. A lock that overlaps a live lock with another id is skipped; the
// number of locks put back is returned.
func (m *Memory) Restore(_ context.Context, locks []Lock) (int, error) {
	restored := 0
	for _, l := range locks {
		if m.insert(l) {
			restored++
		}
	}
	return restored, nil
}
