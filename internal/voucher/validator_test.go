package voucher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/repository"
)

type ledgerStub map[string]domain.Voucher

func (l ledgerStub) CheckVoucher(_ context.Context, id string) (*domain.Voucher, error) {
	v, ok := l[id]
	if !ok {
		return nil, ErrVoucherNotFound
	}
	return &v, nil
}

var now = time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)

func validVoucher() domain.Voucher {
	return domain.Voucher{
		ID:        "SPRING",
		Type:      domain.VoucherPercent,
		Value:     10,
		MinOrder:  200_000,
		Remaining: 5,
		ValidFrom: now.Add(-24 * time.Hour),
		ValidTo:   now.Add(24 * time.Hour),
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(v *domain.Voucher)
		facility int64
		subtotal int64
		want     int64
		wantErr  error
	}{
		{
			name:     "percent capped by max discount",
			mutate:   func(v *domain.Voucher) { v.MaxDiscount = 50_000 },
			subtotal: 600_000,
			want:     50_000,
		},
		{
			name:     "percent below cap",
			mutate:   func(v *domain.Voucher) { v.MaxDiscount = 100_000 },
			subtotal: 600_000,
			want:     60_000,
		},
		{
			name: "cash capped at subtotal",
			mutate: func(v *domain.Voucher) {
				v.Type = domain.VoucherCash
				v.Value = 900_000
				v.MinOrder = 0
			},
			subtotal: 300_000,
			want:     300_000,
		},
		{
			name:     "not yet valid",
			mutate:   func(v *domain.Voucher) { v.ValidFrom = now.Add(time.Hour) },
			subtotal: 600_000,
			wantErr:  ErrVoucherExpired,
		},
		{
			name:     "expired",
			mutate:   func(v *domain.Voucher) { v.ValidTo = now.Add(-time.Minute) },
			subtotal: 600_000,
			wantErr:  ErrVoucherExpired,
		},
		{
			name:     "exhausted",
			mutate:   func(v *domain.Voucher) { v.Remaining = 0 },
			subtotal: 600_000,
			wantErr:  ErrVoucherExhausted,
		},
		{
			name:     "other facility",
			mutate:   func(v *domain.Voucher) { v.FacilityID = 9 },
			facility: 3,
			subtotal: 600_000,
			wantErr:  ErrFacilityMismatch,
		},
		{
			name:     "unknown type",
			mutate:   func(v *domain.Voucher) { v.Type = "bogo" },
			subtotal: 600_000,
			wantErr:  ErrUnsupportedType,
		},
		{
			name:     "below minimum order",
			mutate:   func(v *domain.Voucher) {},
			subtotal: 199_999,
			wantErr:  ErrBelowMinimumOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validVoucher()
			tt.mutate(&v)

			got, err := Evaluate(v, tt.facility, tt.subtotal, now)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidatorUsesLedger(t *testing.T) {
	v := validVoucher()
	v.MaxDiscount = 50_000
	val := NewValidator(ledgerStub{"SPRING": v}, func() time.Time { return now })

	res, err := val.Validate(context.Background(), "SPRING", 1, 600_000)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), res.DiscountAmount)

	_, err = val.Validate(context.Background(), "NOPE", 1, 600_000)
	require.ErrorIs(t, err, ErrVoucherNotFound)
}

type repoLedger struct{}

func (repoLedger) CheckVoucher(context.Context, string) (*domain.Voucher, error) {
	return nil, fmt.Errorf("postgres.VoucherRepo.CheckVoucher:%w", repository.ErrNotFound)
}

func TestValidatorMapsMissingRow(t *testing.T) {
	val := NewValidator(repoLedger{}, func() time.Time { return now })

	_, err := val.Validate(context.Background(), "GONE", 1, 600_000)
	require.ErrorIs(t, err, ErrVoucherNotFound)
}
