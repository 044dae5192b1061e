package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/repository"
)

const reservationCols = `id, user_id, field_id, facility_id,
	COALESCE(to_char(date, 'YYYY-MM-DD'), ''), start_min, end_min, sport_id,
	service_lines, voucher_id, voucher_notice,
	field_price, service_price, discount_amount, total,
	state, hold_expires_at, lock_id, COALESCE(payment_ref, ''), payment_method,
	redirect_url, needs_review, review_reason, version, created_at, updated_at`

type ReservationRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *ReservationRepo) With(db DB) *ReservationRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *ReservationRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Insert stores a new reservation at version 1.
//
// Returns:
//   - error: repository.ErrConflict if the id or payment reference is taken.
func (r *ReservationRepo) Insert(ctx context.Context, res *domain.Reservation) error {
	const op = "postgres.ReservationRepo.Insert"

	db := r.handle()

	res.Version = 1
	if _, err := db.Exec(ctx,
		`INSERT INTO reservations(
			id, user_id, field_id, facility_id, date, start_min, end_min, sport_id,
			service_lines, voucher_id, voucher_notice,
			field_price, service_price, discount_amount, total,
			state, hold_expires_at, lock_id, payment_ref, payment_method,
			redirect_url, needs_review, review_reason, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, '')::date, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, NULLIF($19, ''), $20,
			$21, $22, $23, $24, $25, $26)`,
		res.ID, res.UserID, res.FieldID, res.FacilityID, res.Date.String(),
		int(res.Start), int(res.End), res.SportID,
		serviceLines(res.ServiceLines), res.VoucherID, res.VoucherNotice,
		res.Pricing.FieldPrice, res.Pricing.ServicePrice, res.Pricing.DiscountAmount, res.Pricing.Total,
		string(res.State), nullTime(res.HoldExpiresAt), res.LockID, res.PaymentRef, res.PaymentMethod,
		res.RedirectURL, res.NeedsReview, res.ReviewReason, res.Version, res.CreatedAt, res.UpdatedAt,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

// Get retrieves a reservation by its ID.
//
// Returns:
//   - error: repository.ErrNotFound if the reservation does not exist.
func (r *ReservationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "postgres.ReservationRepo.Get"

	res, err := scanReservation(r.handle().QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = $1`, id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return res, nil
}

func (r *ReservationRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "postgres.ReservationRepo.GetForUpdate"

	res, err := scanReservation(r.handle().QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return res, nil
}

func (r *ReservationRepo) GetByPaymentRef(ctx context.Context, ref string) (*domain.Reservation, error) {
	const op = "postgres.ReservationRepo.GetByPaymentRef"

	res, err := scanReservation(r.handle().QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE payment_ref = $1`, ref,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return res, nil
}

// Update overwrites the mutable columns when the stored version still equals
// res.Version, then advances res.Version.
//
// Returns:
//   - error: repository.ErrStaleVersion if another writer got there first.
func (r *ReservationRepo) Update(ctx context.Context, res *domain.Reservation) error {
	const op = "postgres.ReservationRepo.Update"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE reservations SET
			field_id = $3, facility_id = $4, date = NULLIF($5, '')::date,
			start_min = $6, end_min = $7, sport_id = $8,
			service_lines = $9, voucher_id = $10, voucher_notice = $11,
			field_price = $12, service_price = $13, discount_amount = $14, total = $15,
			state = $16, hold_expires_at = $17, lock_id = $18,
			payment_ref = NULLIF($19, ''), payment_method = $20, redirect_url = $21,
			needs_review = $22, review_reason = $23,
			version = version + 1, updated_at = $24
		 WHERE id = $1 AND version = $2`,
		res.ID, res.Version,
		res.FieldID, res.FacilityID, res.Date.String(),
		int(res.Start), int(res.End), res.SportID,
		serviceLines(res.ServiceLines), res.VoucherID, res.VoucherNotice,
		res.Pricing.FieldPrice, res.Pricing.ServicePrice, res.Pricing.DiscountAmount, res.Pricing.Total,
		string(res.State), nullTime(res.HoldExpiresAt), res.LockID,
		res.PaymentRef, res.PaymentMethod, res.RedirectURL,
		res.NeedsReview, res.ReviewReason, res.UpdatedAt,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrStaleVersion)
	}

	res.Version++

	return nil
}

// ListOverdue returns non-terminal reservations whose hold deadline is before
// now, oldest deadline first.
func (r *ReservationRepo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	const op = "postgres.ReservationRepo.ListOverdue"

	rows, err := r.handle().Query(ctx,
		`SELECT `+reservationCols+`
		 FROM reservations
		 WHERE state IN ('draft', 'field_selected', 'services_selected', 'payment_pending')
		   AND hold_expires_at < $1
		 ORDER BY hold_expires_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return collectReservations(op, rows)
}

func (r *ReservationRepo) ListHolding(ctx context.Context, from domain.Date) ([]domain.Reservation, error) {
	const op = "postgres.ReservationRepo.ListHolding"

	rows, err := r.handle().Query(ctx,
		`SELECT `+reservationCols+`
		 FROM reservations
		 WHERE state IN ('field_selected', 'services_selected', 'payment_pending', 'confirmed')
		   AND date >= $1::date`,
		from.String(),
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return collectReservations(op, rows)
}

func (r *ReservationRepo) MarkCallbackProcessed(ctx context.Context, key, paymentRef string) (bool, error) {
	const op = "postgres.ReservationRepo.MarkCallbackProcessed"

	tag, err := r.handle().Exec(ctx,
		`INSERT INTO payment_callbacks(dedup_key, payment_ref)
		 VALUES ($1, $2)
		 ON CONFLICT (dedup_key) DO NOTHING`,
		key, paymentRef,
	)
	if err != nil {
		return false, wrapDBErr(op, err)
	}

	return tag.RowsAffected() == 1, nil
}

func collectReservations(op string, rows pgx.Rows) ([]domain.Reservation, error) {
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var (
		res         domain.Reservation
		date        string
		start, end  int
		state       string
		holdExpires *time.Time
	)

	if err := row.Scan(
		&res.ID, &res.UserID, &res.FieldID, &res.FacilityID,
		&date, &start, &end, &res.SportID,
		&res.ServiceLines, &res.VoucherID, &res.VoucherNotice,
		&res.Pricing.FieldPrice, &res.Pricing.ServicePrice, &res.Pricing.DiscountAmount, &res.Pricing.Total,
		&state, &holdExpires, &res.LockID, &res.PaymentRef, &res.PaymentMethod,
		&res.RedirectURL, &res.NeedsReview, &res.ReviewReason, &res.Version, &res.CreatedAt, &res.UpdatedAt,
	); err != nil {
		return nil, err
	}

	res.Date = domain.Date(date)
	res.Start = domain.ClockTime(start)
	res.End = domain.ClockTime(end)
	res.State = domain.ReservationState(state)
	if holdExpires != nil {
		res.HoldExpiresAt = *holdExpires
	}

	return &res, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// serviceLines keeps an empty selection stored as [] rather than null.
func serviceLines(lines []domain.ServiceLine) []domain.ServiceLine {
	if lines == nil {
		return []domain.ServiceLine{}
	}
	return lines
}
