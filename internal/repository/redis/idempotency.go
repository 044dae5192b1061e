package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrIdemInProgress = errors.New("idempotency key in progress")
	ErrIdemKeyReused  = errors.New("idempotency key reused with a different request")
)

// idemRecord is what an Idempotency-Key maps to. Body is empty while the
// first request is still running.
type idemRecord struct {
	Fingerprint string          `json:"fp"`
	Status      int             `json:"status,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Replay is a stored response of a finished request.
type Replay struct {
	Status int
	Body   []byte
}

// IdempotencyStore remembers the response of a request keyed by the client's
// Idempotency-Key. Begin claims a key, then Complete fills it or Abort frees it.
type IdempotencyStore struct {
	rdb        *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewIdempotencyStore(rdb *redis.Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, ttl: ttl, pendingTTL: time.Minute}
}

// Begin claims key for a request identified by fingerprint. It returns a
// non-nil Replay when the same request already finished, ErrIdemInProgress
// while it is still running and ErrIdemKeyReused when the key belongs to a
// different request.
func (s *IdempotencyStore) Begin(ctx context.Context, key, fingerprint string) (*Replay, error) {
	const op = "redis.IdempotencyStore.Begin"

	pending, err := json.Marshal(idemRecord{Fingerprint: fingerprint})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	claimed, err := s.rdb.SetNX(ctx, key, pending, s.pendingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if claimed {
		return nil, nil
	}

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Freed between SETNX and GET; the caller may retry.
		return nil, fmt.Errorf("%s:%w", op, ErrIdemInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	var rec idemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	switch {
	case rec.Fingerprint != fingerprint:
		return nil, fmt.Errorf("%s:%w", op, ErrIdemKeyReused)
	case rec.Status == 0:
		return nil, fmt.Errorf("%s:%w", op, ErrIdemInProgress)
	}

	return &Replay{Status: rec.Status, Body: rec.Body}, nil
}

// Complete stores the response of a claimed key for the store's TTL.
func (s *IdempotencyStore) Complete(ctx context.Context, key, fingerprint string, status int, body []byte) error {
	const op = "redis.IdempotencyStore.Complete"

	raw, err := json.Marshal(idemRecord{Fingerprint: fingerprint, Status: status, Body: body})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Abort frees a claimed key so the request can be retried.
func (s *IdempotencyStore) Abort(ctx context.Context, key string) error {
	const op = "redis.IdempotencyStore.Abort"

	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
