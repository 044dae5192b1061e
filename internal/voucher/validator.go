// Package voucher decides whether a voucher applies to an order and how much
// it discounts.
package voucher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/repository"
)

var (
	ErrVoucherNotFound   = errors.New("voucher not found")
	ErrVoucherExpired    = errors.New("voucher expired")
	ErrVoucherExhausted  = errors.New("voucher exhausted")
	ErrBelowMinimumOrder = errors.New("order below voucher minimum")
	ErrFacilityMismatch  = errors.New("voucher not valid for facility")
	ErrUnsupportedType   = errors.New("unsupported voucher type")
)

// Ledger is the read side of the voucher ledger.
type Ledger interface {
	CheckVoucher(ctx context.Context, voucherID string) (*domain.Voucher, error)
}

type Result struct {
	VoucherID      string
	DiscountAmount int64
}

type Validator struct {
	ledger Ledger
	now    func() time.Time
}

func NewValidator(ledger Ledger, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{ledger: ledger, now: now}
}

// Validate checks the voucher against the facility and order subtotal.
//
// Returns:
//   - Result: the discount to apply.
//   - error: one of ErrVoucherNotFound, ErrVoucherExpired, ErrVoucherExhausted,
//     ErrBelowMinimumOrder, ErrFacilityMismatch, ErrUnsupportedType, or the
//     ledger's error.
func (v *Validator) Validate(
	ctx context.Context,
	voucherID string,
	facilityID int64,
	subtotal int64,
) (Result, error) {
	const op = "voucher.Validator.Validate"

	vc, err := v.ledger.CheckVoucher(ctx, voucherID)
	if errors.Is(err, repository.ErrNotFound) {
		return Result{}, fmt.Errorf("%s:%w", op, ErrVoucherNotFound)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s:%w", op, err)
	}

	discount, err := Evaluate(*vc, facilityID, subtotal, v.now())
	if err != nil {
		return Result{}, fmt.Errorf("%s:%w", op, err)
	}

	return Result{VoucherID: vc.ID, DiscountAmount: discount}, nil
}

// Evaluate applies the voucher rules without touching the ledger.
func Evaluate(vc domain.Voucher, facilityID, subtotal int64, now time.Time) (int64, error) {
	if !vc.ValidFrom.IsZero() && now.Before(vc.ValidFrom) {
		return 0, ErrVoucherExpired
	}

	if !vc.ValidTo.IsZero() && now.After(vc.ValidTo) {
		return 0, ErrVoucherExpired
	}

	if vc.Remaining <= 0 {
		return 0, ErrVoucherExhausted
	}

	if vc.FacilityID != 0 && vc.FacilityID != facilityID {
		return 0, ErrFacilityMismatch
	}

	if subtotal < vc.MinOrder {
		return 0, ErrBelowMinimumOrder
	}

	var discount int64
	switch vc.Type {
	case domain.VoucherPercent:
		discount = subtotal * vc.Value / 100
		if vc.MaxDiscount > 0 && discount > vc.MaxDiscount {
			discount = vc.MaxDiscount
		}
	case domain.VoucherCash:
		discount = vc.Value
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, vc.Type)
	}

	if discount > subtotal {
		discount = subtotal
	}

	return discount, nil
}
