package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/fieldbook/internal/availability"
	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/repository"
	"github.com/kirinyoku/fieldbook/internal/uow"
)

// expire moves an overdue reservation to Expired and frees its slot. The
// caller must hold the reservation's keyed lock. A reservation that is no
// longer overdue is returned unchanged.
func (s *Service) expire(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	var out *domain.Reservation

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.Tx, after func(uow.AfterCommit)) error {
		cur, err := tx.Reservations().GetForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrReservationNotFound
			}
			return err
		}

		if !cur.Overdue(s.now()) {
			out = cur
			return nil
		}

		next := cur.Clone()
		next.State = domain.StateExpired
		next.UpdatedAt = s.now()

		if err := tx.Reservations().Update(ctx, next); err != nil {
			return err
		}

		after(func(ctx context.Context) {
			s.releaseLock(ctx, next)
			s.notifyAvailability(ctx, next)
			s.publish(ctx, EventExpired, next)
		})

		out = next

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// ExpireDue expires every reservation whose hold deadline has passed. It is
// run periodically by the hold sweeper and returns the number expired.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	const op = "service.reservation.ExpireDue"

	ctx, span := s.startSpan(ctx, "ExpireDue", uuid.Nil)
	defer span.End()

	expired := 0
	for {
		due, err := s.reader.ListOverdue(ctx, s.now(), s.cfg.SweepBatch)
		if err != nil {
			return expired, s.fail(span, op, err)
		}

		progressed := 0
		for i := range due {
			res, err := s.expireLocked(ctx, due[i].ID)
			if err != nil {
				s.logger.Warn("expire reservation",
					slog.String("reservation_id", due[i].ID.String()),
					slog.Any("err", err),
				)
				continue
			}
			progressed++
			if res.State == domain.StateExpired {
				expired++
			}
		}

		if len(due) < s.cfg.SweepBatch || progressed == 0 {
			return expired, nil
		}
	}
}

func (s *Service) expireLocked(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.expire(ctx, id)
}

// Restore rebuilds the availability index from the reservation store. Slots
// dated before yesterday are skipped.
func (s *Service) Restore(ctx context.Context) (int, error) {
	const op = "service.reservation.Restore"

	ctx, span := s.startSpan(ctx, "Restore", uuid.Nil)
	defer span.End()

	from := domain.DateOf(s.now().In(s.cfg.Location).Add(-24 * time.Hour))

	held, err := s.reader.ListHolding(ctx, from)
	if err != nil {
		return 0, s.fail(span, op, err)
	}

	now := s.now()
	locks := make([]availability.Lock, 0, len(held))
	for i := range held {
		r := &held[i]
		if r.LockID == uuid.Nil || r.Overdue(now) {
			continue
		}
		locks = append(locks, lockOf(r))
	}

	restored, err := s.index.Restore(ctx, locks)
	if err != nil {
		return restored, s.fail(span, op, err)
	}

	if skipped := len(locks) - restored; skipped > 0 {
		s.logger.Warn("restore skipped overlapping locks", slog.Int("skipped", skipped))
	}

	return restored, nil
}

// commitHold makes the lock of a reservation about to be confirmed permanent.
// It runs inside the confirming transaction; ok is false when the index no
// longer holds the lock, in which case the slot may belong to someone else
// and the reservation must not be confirmed.
func (s *Service) commitHold(ctx context.Context, r *domain.Reservation) (ok bool, err error) {
	err = s.index.Commit(ctx, lockOf(r))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, availability.ErrLockNotFound):
		return false, nil
	default:
		return false, err
	}
}

// undoCommit puts back the expiring hold of r after the transaction that
// committed its lock failed. The re-insert is overlap checked like any other.
func (s *Service) undoCommit(ctx context.Context, r *domain.Reservation) {
	n, err := s.index.Restore(ctx, []availability.Lock{lockOf(r)})
	if err != nil || n == 0 {
		s.logger.Error("undo lock commit of failed confirmation",
			slog.String("reservation_id", r.ID.String()),
			slog.Int("restored", n),
			slog.Any("err", err),
		)
	}
}

// SettlementKind describes what a gateway callback did to its reservation.
type SettlementKind string

const (
	SettledConfirmed   SettlementKind = "confirmed"
	SettledCancelled   SettlementKind = "cancelled"
	SettledMismatch    SettlementKind = "mismatch"
	SettledLateSuccess SettlementKind = "late_success"
	SettledDuplicate   SettlementKind = "duplicate"
	SettledIgnored     SettlementKind = "ignored"
)

type Settlement struct {
	Kind        SettlementKind
	Reservation *domain.Reservation
}

// Settle applies a gateway callback to the reservation holding its payment
// reference. The callback's dedup key is recorded in the same transaction as
// the state change, so a redelivered callback settles as a duplicate.
//
// Returns:
//   - error: ErrReservationNotFound if no reservation carries the reference.
//   - error: ErrPaymentMismatch if a success reports an amount other than the
//     frozen total. The reservation stays PaymentPending and is flagged for
//     review; the returned Settlement is still valid.
func (s *Service) Settle(ctx context.Context, cb domain.Callback) (Settlement, error) {
	const op = "service.reservation.Settle"

	ctx, span := s.startSpan(ctx, "Settle", uuid.Nil)
	defer span.End()

	ref, err := s.reader.GetByPaymentRef(ctx, cb.PaymentRef)
	if errors.Is(err, repository.ErrNotFound) && cb.ReservationID != uuid.Nil {
		span.SetAttributes(reservationAttr(cb.ReservationID))
		out, err := s.settleUnrecorded(ctx, cb)
		if err != nil {
			return Settlement{}, s.fail(span, op, err)
		}
		return out, nil
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = ErrReservationNotFound
		}
		return Settlement{}, s.fail(span, op, err)
	}
	span.SetAttributes(reservationAttr(ref.ID))

	unlock := s.locks.Lock(ref.ID)
	defer unlock()

	var (
		out       Settlement
		committed *domain.Reservation
	)

	err = s.uow.Do(ctx, func(ctx context.Context, tx repository.Tx, after func(uow.AfterCommit)) error {
		cur, err := tx.Reservations().GetForUpdate(ctx, ref.ID)
		if err != nil {
			return err
		}

		first, err := tx.Reservations().MarkCallbackProcessed(ctx, cb.DedupKey(), cb.PaymentRef)
		if err != nil {
			return err
		}
		if !first {
			out = Settlement{Kind: SettledDuplicate, Reservation: cur}
			return nil
		}

		var lock *domain.Reservation
		out, lock, err = s.settle(ctx, tx, cur, cb, after)
		if lock != nil {
			// A retried attempt may fail before reaching the commit again.
			committed = lock
		}
		return err
	})
	if err != nil {
		if committed != nil {
			s.undoCommit(ctx, committed)
		}
		return Settlement{}, s.fail(span, op, err)
	}

	if out.Kind == SettledMismatch {
		return out, s.fail(span, op, ErrPaymentMismatch)
	}

	return out, nil
}

// settleUnrecorded handles a callback for a charge the gateway created but the
// reservation never recorded, as when RequestPayment timed out after the
// charge went through. The reservation is found through the charge metadata.
// A successful charge is published for refund with its own reference; the
// reservation itself is left alone.
func (s *Service) settleUnrecorded(ctx context.Context, cb domain.Callback) (Settlement, error) {
	unlock := s.locks.Lock(cb.ReservationID)
	defer unlock()

	var out Settlement

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.Tx, after func(uow.AfterCommit)) error {
		cur, err := tx.Reservations().GetForUpdate(ctx, cb.ReservationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrReservationNotFound
			}
			return err
		}

		first, err := tx.Reservations().MarkCallbackProcessed(ctx, cb.DedupKey(), cb.PaymentRef)
		if err != nil {
			return err
		}
		if !first {
			out = Settlement{Kind: SettledDuplicate, Reservation: cur}
			return nil
		}

		if cb.Outcome != domain.PaymentSuccess {
			out = Settlement{Kind: SettledIgnored, Reservation: cur}
			return nil
		}

		refund := cur.Clone()
		refund.PaymentRef = cb.PaymentRef
		after(func(ctx context.Context) {
			s.logger.Warn("unrecorded charge needs refund",
				slog.String("reservation_id", refund.ID.String()),
				slog.String("payment_ref", refund.PaymentRef),
				slog.Int64("amount", cb.AmountPaid),
			)
			s.publish(ctx, EventRefundRequired, refund)
		})

		out = Settlement{Kind: SettledLateSuccess, Reservation: cur}

		return nil
	})
	if err != nil {
		return Settlement{}, err
	}

	return out, nil
}

// settle applies cb to cur inside tx. The returned reservation is non-nil
// when its lock was committed in the index, so a failed transaction can undo
// the commit.
func (s *Service) settle(
	ctx context.Context,
	tx repository.Tx,
	cur *domain.Reservation,
	cb domain.Callback,
	after func(uow.AfterCommit),
) (Settlement, *domain.Reservation, error) {
	success := cb.Outcome == domain.PaymentSuccess

	if cur.State != domain.StatePaymentPending {
		if success && (cur.State == domain.StateCancelled || cur.State == domain.StateExpired) {
			after(func(ctx context.Context) { s.publish(ctx, EventRefundRequired, cur) })
			return Settlement{Kind: SettledLateSuccess, Reservation: cur}, nil, nil
		}
		return Settlement{Kind: SettledIgnored, Reservation: cur}, nil, nil
	}

	// An expired hold wins over a late payment.
	if cur.Overdue(s.now()) {
		out, err := s.expireUnpaid(ctx, tx, cur, success, after)
		return out, nil, err
	}

	next := cur.Clone()
	next.UpdatedAt = s.now()

	if !success {
		next.State = domain.StateCancelled
		if err := tx.Reservations().Update(ctx, next); err != nil {
			return Settlement{}, nil, err
		}

		after(func(ctx context.Context) {
			s.releaseLock(ctx, next)
			s.notifyAvailability(ctx, next)
			s.publish(ctx, EventCancelled, next)
		})

		return Settlement{Kind: SettledCancelled, Reservation: next}, nil, nil
	}

	if cb.AmountPaid != cur.Pricing.Total {
		next.NeedsReview = true
		next.ReviewReason = fmt.Sprintf("paid %d, due %d", cb.AmountPaid, cur.Pricing.Total)
		if err := tx.Reservations().Update(ctx, next); err != nil {
			return Settlement{}, nil, err
		}

		after(func(ctx context.Context) { s.publish(ctx, EventMismatch, next) })

		return Settlement{Kind: SettledMismatch, Reservation: next}, nil, nil
	}

	held, err := s.commitHold(ctx, cur)
	if err != nil {
		return Settlement{}, nil, err
	}
	if !held {
		// The index let the hold lapse even though our clock has not.
		out, err := s.expireUnpaid(ctx, tx, cur, true, after)
		return out, nil, err
	}

	if next.VoucherID != "" {
		// The frozen discount is honoured even if the voucher ran out meanwhile.
		err := tx.Vouchers().Decrement(ctx, next.VoucherID)
		switch {
		case errors.Is(err, repository.ErrConflict):
			s.logger.Warn("voucher exhausted at confirmation",
				slog.String("reservation_id", next.ID.String()),
				slog.String("voucher_id", next.VoucherID),
			)
		case err != nil:
			return Settlement{}, cur, err
		}
	}

	next.State = domain.StateConfirmed
	next.NeedsReview = false
	next.ReviewReason = ""
	if err := tx.Reservations().Update(ctx, next); err != nil {
		return Settlement{}, cur, err
	}

	after(func(ctx context.Context) { s.publish(ctx, EventConfirmed, next) })

	return Settlement{Kind: SettledConfirmed, Reservation: next}, cur, nil
}

// expireUnpaid moves a PaymentPending reservation whose hold is gone to
// Expired. A successful payment for it has to be refunded.
func (s *Service) expireUnpaid(
	ctx context.Context,
	tx repository.Tx,
	cur *domain.Reservation,
	paid bool,
	after func(uow.AfterCommit),
) (Settlement, error) {
	next := cur.Clone()
	next.State = domain.StateExpired
	next.UpdatedAt = s.now()

	if err := tx.Reservations().Update(ctx, next); err != nil {
		return Settlement{}, err
	}

	after(func(ctx context.Context) {
		s.releaseLock(ctx, next)
		s.notifyAvailability(ctx, next)
		s.publish(ctx, EventExpired, next)
		if paid {
			s.publish(ctx, EventRefundRequired, next)
		}
	})

	if paid {
		return Settlement{Kind: SettledLateSuccess, Reservation: next}, nil
	}
	return Settlement{Kind: SettledIgnored, Reservation: next}, nil
}
