package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kirinyoku/fieldbook/internal/domain"
)

const fieldCols = `id, facility_id, name, sport_ids, open_min, close_min,
	base_price, peak_windows, status`

// CatalogRepo reads fields and services owned by the facility catalog.
type CatalogRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *CatalogRepo) With(db DB) *CatalogRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *CatalogRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// GetField retrieves a field by its ID.
//
// Returns:
//   - error: repository.ErrNotFound if the field does not exist.
func (r *CatalogRepo) GetField(ctx context.Context, id int64) (*domain.Field, error) {
	const op = "postgres.CatalogRepo.GetField"

	f, err := scanField(r.handle().QueryRow(ctx,
		`SELECT `+fieldCols+` FROM fields WHERE id = $1`, id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return f, nil
}

// ListFields returns every field of a facility ordered by id, closed ones
// included.
func (r *CatalogRepo) ListFields(ctx context.Context, facilityID int64) ([]domain.Field, error) {
	const op = "postgres.CatalogRepo.ListFields"

	rows, err := r.handle().Query(ctx,
		`SELECT `+fieldCols+` FROM fields WHERE facility_id = $1 ORDER BY id`,
		facilityID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

// GetServicePrice returns the current unit price of a service.
//
// Returns:
//   - error: repository.ErrNotFound if the service does not exist.
func (r *CatalogRepo) GetServicePrice(ctx context.Context, serviceID int64) (int64, error) {
	const op = "postgres.CatalogRepo.GetServicePrice"

	var price int64
	if err := r.handle().QueryRow(ctx,
		`SELECT unit_price FROM services WHERE id = $1`, serviceID,
	).Scan(&price); err != nil {
		return 0, wrapDBErr(op, err)
	}

	return price, nil
}

func scanField(row pgx.Row) (*domain.Field, error) {
	var (
		f               domain.Field
		openAt, closeAt int
		status          string
	)

	if err := row.Scan(
		&f.ID, &f.FacilityID, &f.Name, &f.SportIDs, &openAt, &closeAt,
		&f.BasePrice, &f.PeakWindows, &status,
	); err != nil {
		return nil, err
	}

	f.OpenAt = domain.ClockTime(openAt)
	f.CloseAt = domain.ClockTime(closeAt)
	f.Status = domain.FieldStatus(status)

	return &f, nil
}
