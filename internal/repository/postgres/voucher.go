package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/repository"
)

// VoucherRepo is the voucher ledger.
type VoucherRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *VoucherRepo) With(db DB) *VoucherRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *VoucherRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

func (r *VoucherRepo) CheckVoucher(ctx context.Context, code string) (*domain.Voucher, error) {
	const op = "postgres.VoucherRepo.CheckVoucher"

	var (
		v                  domain.Voucher
		typ                string
		validFrom, validTo *time.Time
	)

	if err := r.handle().QueryRow(ctx,
		`SELECT code, type, value, min_order, max_discount, remaining,
		        valid_from, valid_to, facility_id
		 FROM vouchers WHERE code = $1`,
		code,
	).Scan(
		&v.ID, &typ, &v.Value, &v.MinOrder, &v.MaxDiscount, &v.Remaining,
		&validFrom, &validTo, &v.FacilityID,
	); err != nil {
		return nil, wrapDBErr(op, err)
	}

	v.Type = domain.VoucherType(typ)
	if validFrom != nil {
		v.ValidFrom = *validFrom
	}
	if validTo != nil {
		v.ValidTo = *validTo
	}

	return &v, nil
}

// Decrement consumes one redemption.
//
// Returns:
//   - error: repository.ErrConflict if the voucher has none left.
func (r *VoucherRepo) Decrement(ctx context.Context, code string) error {
	const op = "postgres.VoucherRepo.Decrement"

	tag, err := r.handle().Exec(ctx,
		`UPDATE vouchers SET remaining = remaining - 1
		 WHERE code = $1 AND remaining > 0`,
		code,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	return nil
}
