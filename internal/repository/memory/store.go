// Package memory is an in-process reservation store with the same
// transactional contract as the Postgres store. Transactions run one at a time
// against a private copy that replaces the shared state on success.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/repository"
)

type data struct {
	reservations map[uuid.UUID]domain.Reservation
	callbacks    map[string]string
	vouchers     map[string]domain.Voucher
}

func (d data) clone() data {
	cp := data{
		reservations: make(map[uuid.UUID]domain.Reservation, len(d.reservations)),
		callbacks:    make(map[string]string, len(d.callbacks)),
		vouchers:     make(map[string]domain.Voucher, len(d.vouchers)),
	}
	for k, v := range d.reservations {
		cp.reservations[k] = *v.Clone()
	}
	for k, v := range d.callbacks {
		cp.callbacks[k] = v
	}
	for k, v := range d.vouchers {
		cp.vouchers[k] = v
	}
	return cp
}

type Store struct {
	mu   sync.Mutex
	data data
}

func NewStore() *Store {
	return &Store{data: data{
		reservations: make(map[uuid.UUID]domain.Reservation),
		callbacks:    make(map[string]string),
		vouchers:     make(map[string]domain.Voucher),
	}}
}

// PutVoucher seeds the voucher ledger.
func (s *Store) PutVoucher(v domain.Voucher) {
	s.mu.Lock()
	s.data.vouchers[v.ID] = v
	s.mu.Unlock()
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(ctx, tx{d: &work}); err != nil {
		return err
	}

	s.data = work

	return nil
}

// Reservations returns a reader over committed state.
func (s *Store) Reservations() repository.Reservations {
	return committed{s: s}
}

// Vouchers returns the ledger view over committed state.
func (s *Store) Vouchers() *Vouchers {
	return &Vouchers{s: s}
}

type tx struct {
	d *data
}

func (t tx) Reservations() repository.Reservations { return reservations{d: t.d} }
func (t tx) Vouchers() repository.VoucherCounter   { return voucherCounter{d: t.d} }

// committed runs each call as its own short transaction.
type committed struct {
	s *Store
}

func (c committed) do(fn func(r reservations) error) error {
	return c.s.InTx(context.Background(), func(_ context.Context, t repository.Tx) error {
		return fn(t.Reservations().(reservations))
	})
}

func (c committed) Insert(ctx context.Context, r *domain.Reservation) error {
	return c.do(func(rs reservations) error { return rs.Insert(ctx, r) })
}

func (c committed) Get(ctx context.Context, id uuid.UUID) (out *domain.Reservation, err error) {
	err = c.do(func(rs reservations) error { out, err = rs.Get(ctx, id); return err })
	return out, err
}

func (c committed) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	return c.Get(ctx, id)
}

func (c committed) GetByPaymentRef(ctx context.Context, ref string) (out *domain.Reservation, err error) {
	err = c.do(func(rs reservations) error { out, err = rs.GetByPaymentRef(ctx, ref); return err })
	return out, err
}

func (c committed) Update(ctx context.Context, r *domain.Reservation) error {
	return c.do(func(rs reservations) error { return rs.Update(ctx, r) })
}

func (c committed) ListOverdue(ctx context.Context, now time.Time, limit int) (out []domain.Reservation, err error) {
	err = c.do(func(rs reservations) error { out, err = rs.ListOverdue(ctx, now, limit); return err })
	return out, err
}

func (c committed) ListHolding(ctx context.Context, from domain.Date) (out []domain.Reservation, err error) {
	err = c.do(func(rs reservations) error { out, err = rs.ListHolding(ctx, from); return err })
	return out, err
}

func (c committed) MarkCallbackProcessed(ctx context.Context, key, ref string) (ok bool, err error) {
	err = c.do(func(rs reservations) error { ok, err = rs.MarkCallbackProcessed(ctx, key, ref); return err })
	return ok, err
}

type reservations struct {
	d *data
}

func (r reservations) Insert(_ context.Context, res *domain.Reservation) error {
	const op = "memory.Reservations.Insert"

	if _, ok := r.d.reservations[res.ID]; ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}
	if res.PaymentRef != "" && r.refTaken(res.PaymentRef, res.ID) {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	res.Version = 1
	r.d.reservations[res.ID] = *res.Clone()

	return nil
}

func (r reservations) Get(_ context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "memory.Reservations.Get"

	res, ok := r.d.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return res.Clone(), nil
}

func (r reservations) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	return r.Get(ctx, id)
}

func (r reservations) GetByPaymentRef(_ context.Context, ref string) (*domain.Reservation, error) {
	const op = "memory.Reservations.GetByPaymentRef"

	for _, res := range r.d.reservations {
		if ref != "" && res.PaymentRef == ref {
			return res.Clone(), nil
		}
	}

	return nil, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
}

func (r reservations) Update(_ context.Context, res *domain.Reservation) error {
	const op = "memory.Reservations.Update"

	cur, ok := r.d.reservations[res.ID]
	if !ok || cur.Version != res.Version {
		return fmt.Errorf("%s:%w", op, repository.ErrStaleVersion)
	}
	if res.PaymentRef != "" && r.refTaken(res.PaymentRef, res.ID) {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	res.Version++
	r.d.reservations[res.ID] = *res.Clone()

	return nil
}

func (r reservations) ListOverdue(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, res := range r.d.reservations {
		if res.Overdue(now) {
			out = append(out, *res.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].HoldExpiresAt.Before(out[j].HoldExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r reservations) ListHolding(_ context.Context, from domain.Date) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, res := range r.d.reservations {
		if res.State.HoldsSlot() && res.Date >= from {
			out = append(out, *res.Clone())
		}
	}

	return out, nil
}

func (r reservations) MarkCallbackProcessed(_ context.Context, key, ref string) (bool, error) {
	if _, ok := r.d.callbacks[key]; ok {
		return false, nil
	}

	r.d.callbacks[key] = ref

	return true, nil
}

func (r reservations) refTaken(ref string, self uuid.UUID) bool {
	for id, res := range r.d.reservations {
		if id != self && res.PaymentRef == ref {
			return true
		}
	}
	return false
}

type voucherCounter struct {
	d *data
}

func (v voucherCounter) Decrement(_ context.Context, code string) error {
	const op = "memory.Vouchers.Decrement"

	vc, ok := v.d.vouchers[code]
	if !ok || vc.Remaining <= 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	vc.Remaining--
	v.d.vouchers[code] = vc

	return nil
}

// Vouchers is the read side of the in-memory voucher ledger.
type Vouchers struct {
	s *Store
}

func (v *Vouchers) CheckVoucher(_ context.Context, code string) (*domain.Voucher, error) {
	const op = "memory.Vouchers.CheckVoucher"

	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	vc, ok := v.s.data.vouchers[code]
	if !ok {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return &vc, nil
}
