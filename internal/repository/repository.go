package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/fieldbook/internal/domain"
)

// Reservations is the reservation store as seen by one transaction or by a
// plain connection.
type Reservations interface {
	Insert(ctx context.Context, r *domain.Reservation) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	// GetForUpdate loads the row and locks it until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	GetByPaymentRef(ctx context.Context, ref string) (*domain.Reservation, error)
	// Update writes r if its version still matches the stored one and bumps
	// r.Version. Returns ErrStaleVersion otherwise.
	Update(ctx context.Context, r *domain.Reservation) error
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
	// ListHolding returns reservations that hold or have committed a slot on or
	// after the given date.
	ListHolding(ctx context.Context, from domain.Date) ([]domain.Reservation, error)
	// MarkCallbackProcessed records a gateway callback key. It returns false
	// when the key was already recorded.
	MarkCallbackProcessed(ctx context.Context, key, paymentRef string) (bool, error)
}

// VoucherCounter consumes voucher redemptions.
type VoucherCounter interface {
	// Decrement takes one redemption. It fails with ErrConflict when none
	// remain.
	Decrement(ctx context.Context, voucherID string) error
}

// Tx is a set of repositories bound to one transaction.
type Tx interface {
	Reservations() Reservations
	Vouchers() VoucherCounter
}
