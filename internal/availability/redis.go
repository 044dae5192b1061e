package availability

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kirinyoku/fieldbook/internal/domain"
	redisx "github.com/kirinyoku/fieldbook/internal/redis"
)

// Each (field, date) bucket is one hash: lock id -> "start|end|expires_ms".
// expires_ms = 0 marks a committed lock.

// KEYS[1] = bucket key
// ARGV[1] = now_ms
// ARGV[2] = start minute
// ARGV[3] = end minute
// ARGV[4] = lock id
// ARGV[5] = encoded value
// ARGV[6] = bucket expire-at ms
//
// An entry under the same lock id does not conflict, so restoring a lock is
// the same check-and-insert.
const luaTryLock = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local start = tonumber(ARGV[2])
local finish = tonumber(ARGV[3])

local entries = redis.call('HGETALL', key)
for i = 1, #entries, 2 do
  local s, e, exp = string.match(entries[i + 1], '^(%d+)|(%d+)|(%d+)$')
  s = tonumber(s)
  e = tonumber(e)
  exp = tonumber(exp)
  if exp ~= nil and exp > 0 and exp < now then
    redis.call('HDEL', key, entries[i])
  elseif entries[i] ~= ARGV[4] and s ~= nil and s < finish and start < e then
    return 0
  end
end

redis.call('HSET', key, ARGV[4], ARGV[5])
redis.call('PEXPIREAT', key, ARGV[6])
return 1
`

// KEYS[1] = bucket key
// ARGV[1] = lock id
// ARGV[2] = now_ms
const luaCommit = `
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
  return 0
end
local s, e, exp = string.match(v, '^(%d+)|(%d+)|(%d+)$')
exp = tonumber(exp)
if exp ~= nil and exp > 0 and exp < tonumber(ARGV[2]) then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], s .. '|' .. e .. '|0')
return 1
`

// bucketRetention keeps a bucket around after its date has passed.
const bucketRetention = 48 * time.Hour

// Redis is an Index shared by every engine instance. Check-and-insert runs as
// a single Lua script so a bucket is serialized by Redis itself.
type Redis struct {
	rdb     *redis.Client
	tryLock *redis.Script
	commit  *redis.Script
	now     func() time.Time
}

func NewRedis(rdb *redis.Client, now func() time.Time) *Redis {
	if now == nil {
		now = time.Now
	}
	return &Redis{
		rdb:     rdb,
		tryLock: redis.NewScript(luaTryLock),
		commit:  redis.NewScript(luaCommit),
		now:     now,
	}
}

func bucketKey(fieldID int64, date domain.Date) string {
	return redisx.KeyAvailability(fieldID, date.String())
}

func encodeLock(l Lock) string {
	var exp int64
	if !l.ExpiresAt.IsZero() {
		exp = l.ExpiresAt.UnixMilli()
	}
	return fmt.Sprintf("%d|%d|%d", int(l.Start), int(l.End), exp)
}

func decodeLock(id string, raw string) (Lock, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 3 {
		return Lock{}, fmt.Errorf("malformed lock %q", raw)
	}

	lockID, err := uuid.Parse(id)
	if err != nil {
		return Lock{}, err
	}

	nums := make([]int64, 3)
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return Lock{}, fmt.Errorf("malformed lock %q: %w", raw, err)
		}
		nums[i] = n
	}

	l := Lock{ID: lockID, Start: domain.ClockTime(nums[0]), End: domain.ClockTime(nums[1])}
	if nums[2] > 0 {
		l.ExpiresAt = time.UnixMilli(nums[2])
	}

	return l, nil
}

func bucketExpireAt(date domain.Date) int64 {
	return date.Time().Add(24*time.Hour + bucketRetention).UnixMilli()
}

func (r *Redis) TryLock(ctx context.Context, slot domain.Slot, expiresAt time.Time) (Lock, error) {
	const op = "availability.Redis.TryLock"

	if slot.End <= slot.Start {
		return Lock{}, fmt.Errorf("%s: empty interval %s-%s", op, slot.Start, slot.End)
	}

	lock := Lock{
		ID:        uuid.New(),
		FieldID:   slot.FieldID,
		Date:      slot.Date,
		Start:     slot.Start,
		End:       slot.End,
		ExpiresAt: expiresAt,
	}

	ok, err := r.insert(ctx, lock)
	if err != nil {
		return Lock{}, fmt.Errorf("%s:%w", op, err)
	}

	if !ok {
		return Lock{}, fmt.Errorf("%s:%w", op, ErrSlotUnavailable)
	}

	return lock, nil
}

func (r *Redis) insert(ctx context.Context, lock Lock) (bool, error) {
	n, err := r.tryLock.Run(
		ctx,
		r.rdb,
		[]string{bucketKey(lock.FieldID, lock.Date)},
		r.now().UnixMilli(),
		int(lock.Start),
		int(lock.End),
		lock.ID.String(),
		encodeLock(lock),
		bucketExpireAt(lock.Date),
	).Int()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (r *Redis) Release(ctx context.Context, lock Lock) error {
	const op = "availability.Redis.Release"

	if err := r.rdb.HDel(ctx, bucketKey(lock.FieldID, lock.Date), lock.ID.String()).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (r *Redis) Commit(ctx context.Context, lock Lock) error {
	const op = "availability.Redis.Commit"

	ok, err := r.commit.Run(
		ctx,
		r.rdb,
		[]string{bucketKey(lock.FieldID, lock.Date)},
		lock.ID.String(),
		r.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if ok != 1 {
		return fmt.Errorf("%s:%w", op, ErrLockNotFound)
	}

	return nil
}

func (r *Redis) IsFree(
	ctx context.Context,
	fieldID int64,
	date domain.Date,
	start, end domain.ClockTime,
) (bool, error) {
	held, err := r.Held(ctx, fieldID, date)
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

func (r *Redis) Held(ctx context.Context, fieldID int64, date domain.Date) ([]domain.Interval, error) {
	const op = "availability.Redis.Held"

	entries, err := r.rdb.HGetAll(ctx, bucketKey(fieldID, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	now := r.now()
	out := make([]domain.Interval, 0, len(entries))
	for id, raw := range entries {
		l, err := decodeLock(id, raw)
		if err != nil {
			continue
		}
		if !l.expired(now) {
			out = append(out, l.Interval())
		}
	}

	return out, nil
}

// Restore puts locks back one script call at a time, skipping any that
// overlap a live lock with another id. It returns the number put back.
func (r *Redis) Restore(ctx context.Context, locks []Lock) (int, error) {
	const op = "availability.Redis.Restore"

	restored := 0
	for _, l := range locks {
		ok, err := r.insert(ctx, l)
		if err != nil {
			return restored, fmt.Errorf("%s:%w", op, err)
		}
		if ok {
			restored++
		}
	}

	return restored, nil
}
