package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kirinyoku/fieldbook/internal/availability"
	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/pricing"
	"github.com/kirinyoku/fieldbook/internal/repository"
	"github.com/kirinyoku/fieldbook/internal/uow"
	"github.com/kirinyoku/fieldbook/internal/voucher"
)

// SlotRequest is the field and interval a user wants to claim.
type SlotRequest struct {
	FieldID int64
	Date    domain.Date
	Start   domain.ClockTime
	End     domain.ClockTime
	SportID int64
}

func (r SlotRequest) slot() domain.Slot {
	return domain.Slot{FieldID: r.FieldID, Date: r.Date, Start: r.Start, End: r.End}
}

// CreateDraft starts a reservation that has not locked a slot yet. The draft
// lapses after DraftTTL if no slot is selected.
func (s *Service) CreateDraft(ctx context.Context, userID string) (*domain.Reservation, error) {
	const op = "service.reservation.CreateDraft"

	ctx, span := s.startSpan(ctx, "CreateDraft", uuid.Nil)
	defer span.End()

	now := s.now()
	res := &domain.Reservation{
		ID:            uuid.New(),
		UserID:        userID,
		State:         domain.StateDraft,
		HoldExpiresAt: now.Add(s.cfg.DraftTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.Tx, _ func(uow.AfterCommit)) error {
		return tx.Reservations().Insert(ctx, res)
	})
	if err != nil {
		return nil, s.fail(span, op, err)
	}

	return res, nil
}

// SelectSlot moves a draft to FieldSelected by locking the requested slot.
// On any failure the reservation stays a draft.
//
// Returns:
//   - error: SlotUnavailableError if another hold overlaps the interval.
//   - error: ErrInvalidTransition if the reservation is not a draft.
//   - error: ErrHoldExpired if the draft has lapsed.
func (s *Service) SelectSlot(ctx context.Context, id uuid.UUID, req SlotRequest) (*domain.Reservation, error) {
	const op = "service.reservation.SelectSlot"

	ctx, span := s.startSpan(ctx, "SelectSlot", id)
	defer span.End()

	cur, unlock, err := s.begin(ctx, id, "select slot for")
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	defer unlock()

	if cur.State != domain.StateDraft {
		return nil, s.fail(span, op, InvalidTransitionError{ReservationID: id, From: cur.State, Action: "select slot for"})
	}

	field, fieldPrice, err := s.checkSlot(ctx, req)
	if err != nil {
		return nil, s.fail(span, op, err)
	}

	next := cur.Clone()
	lock, err := s.claim(ctx, next, field, fieldPrice, req)
	if err != nil {
		return nil, s.fail(span, op, err)
	}

	err = s.save(ctx, cur, next, func(ctx context.Context) {
		s.notifyAvailability(ctx, next)
		s.publish(ctx, EventCreated, next)
	})
	if err != nil {
		s.releaseLockOnFailure(ctx, lock)
		return nil, s.fail(span, op, err)
	}

	return next, nil
}

// CreateReservation locks the slot and records a FieldSelected reservation in
// one step.
//
// Returns:
//   - error: SlotUnavailableError if another hold overlaps the interval.
func (s *Service) CreateReservation(ctx context.Context, userID string, req SlotRequest) (*domain.Reservation, error) {
	const op = "service.reservation.CreateReservation"

	ctx, span := s.startSpan(ctx, "CreateReservation", uuid.Nil)
	defer span.End()

	field, fieldPrice, err := s.checkSlot(ctx, req)
	if err != nil {
		return nil, s.fail(span, op, err)
	}

	now := s.now()
	res := &domain.Reservation{
		ID:        uuid.New(),
		UserID:    userID,
		State:     domain.StateDraft,
		CreatedAt: now,
	}

	lock, err := s.claim(ctx, res, field, fieldPrice, req)
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	res.UpdatedAt = now

	err = s.uow.Do(ctx, func(ctx context.Context, tx repository.Tx, after func(uow.AfterCommit)) error {
		if err := tx.Reservations().Insert(ctx, res); err != nil {
			return err
		}

		after(func(ctx context.Context) {
			s.notifyAvailability(ctx, res)
			s.publish(ctx, EventCreated, res)
		})

		return nil
	})
	if err != nil {
		s.releaseLockOnFailure(ctx, lock)
		return nil, s.fail(span, op, err)
	}

	span.SetAttributes(reservationAttr(res.ID))

	return res, nil
}

// checkSlot validates the request against the catalog and prices the field.
func (s *Service) checkSlot(ctx context.Context, req SlotRequest) (*domain.Field, int64, error) {
	if _, err := domain.ParseDate(req.Date.String()); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidInterval, err)
	}

	if !req.Start.Valid() || !req.End.Valid() || req.End <= req.Start {
		return nil, 0, ErrInvalidInterval
	}

	if req.Date.At(req.Start, s.cfg.Location).Before(s.now()) {
		return nil, 0, ErrSlotInPast
	}

	field, err := s.loadField(ctx, req.FieldID)
	if err != nil {
		return nil, 0, err
	}

	if field.Status != domain.FieldActive {
		return nil, 0, ErrFieldClosed
	}

	if !field.OffersSport(req.SportID) {
		return nil, 0, ErrSportNotOffered
	}

	if req.Start < field.OpenAt || req.End > field.CloseAt {
		return nil, 0, ErrOutsideOperatingHours
	}

	fieldPrice, err := pricing.FieldPrice(*field, req.Date, req.Start, req.End)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidInterval, err)
	}

	return field, fieldPrice, nil
}

// claim takes the availability lock and fills res as a fresh FieldSelected
// reservation. The hold deadline is fixed here for the whole episode.
func (s *Service) claim(
	ctx context.Context,
	res *domain.Reservation,
	field *domain.Field,
	fieldPrice int64,
	req SlotRequest,
) (availability.Lock, error) {
	expiresAt := s.now().Add(s.cfg.HoldTTL)

	lock, err := s.index.TryLock(ctx, req.slot(), expiresAt)
	if err != nil {
		if errors.Is(err, availability.ErrSlotUnavailable) {
			return availability.Lock{}, SlotUnavailableError{Slot: req.slot()}
		}
		return availability.Lock{}, err
	}

	res.FieldID = field.ID
	res.FacilityID = field.FacilityID
	res.Date = req.Date
	res.Start = req.Start
	res.End = req.End
	res.SportID = req.SportID
	res.ServiceLines = nil
	res.VoucherID = ""
	res.VoucherNotice = ""
	res.Pricing = domain.NewPricing(fieldPrice, 0, 0)
	res.State = domain.StateFieldSelected
	res.HoldExpiresAt = expiresAt
	res.LockID = lock.ID

	return lock, nil
}

func (s *Service) releaseLockOnFailure(ctx context.Context, lock availability.Lock) {
	if err := s.index.Release(ctx, lock); err != nil {
		s.logger.Error("release lock after failed write", slog.Any("err", err))
	}
}

// SetServices replaces the add-on services and re-prices the reservation. A
// voucher that no longer applies to the new subtotal is detached and the
// reason is kept in VoucherNotice. The hold deadline does not move.
func (s *Service) SetServices(ctx context.Context, id uuid.UUID, lines []domain.ServiceLine) (*domain.Reservation, error) {
	const op = "service.reservation.SetServices"

	ctx, span := s.startSpan(ctx, "SetServices", id)
	defer span.End()

	cur, unlock, err := s.begin(ctx, id, "set services for")
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	defer unlock()

	if !cur.State.Editable() {
		return nil, s.fail(span, op, InvalidTransitionError{ReservationID: id, From: cur.State, Action: "set services for"})
	}

	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, s.fail(span, op, fmt.Errorf("%w: service %d", pricing.ErrInvalidQuantity, l.ServiceID))
		}
	}
	lines = pricing.NormalizeLines(lines)

	next := cur.Clone()
	next.ServiceLines = lines
	next.VoucherNotice = ""

	if err := s.reprice(ctx, next, true); err != nil {
		return nil, s.fail(span, op, err)
	}
	next.State = domain.StateServicesSelected

	if err := s.save(ctx, cur, next); err != nil {
		return nil, s.fail(span, op, err)
	}

	return next, nil
}

// ApplyVoucher attaches a voucher after validating it against the current
// subtotal.
//
// Returns:
//   - error: one of the voucher package errors when the voucher does not apply.
func (s *Service) ApplyVoucher(ctx context.Context, id uuid.UUID, voucherID string) (*domain.Reservation, error) {
	const op = "service.reservation.ApplyVoucher"

	ctx, span := s.startSpan(ctx, "ApplyVoucher", id)
	defer span.End()

	cur, unlock, err := s.begin(ctx, id, "apply voucher to")
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	defer unlock()

	if !cur.State.Editable() {
		return nil, s.fail(span, op, InvalidTransitionError{ReservationID: id, From: cur.State, Action: "apply voucher to"})
	}

	next := cur.Clone()
	next.VoucherID = voucherID
	next.VoucherNotice = ""

	if err := s.reprice(ctx, next, false); err != nil {
		return nil, s.fail(span, op, err)
	}
	next.State = domain.StateServicesSelected

	if err := s.save(ctx, cur, next); err != nil {
		return nil, s.fail(span, op, err)
	}

	return next, nil
}

func (s *Service) RemoveVoucher(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "service.reservation.RemoveVoucher"

	ctx, span := s.startSpan(ctx, "RemoveVoucher", id)
	defer span.End()

	cur, unlock, err := s.begin(ctx, id, "remove voucher from")
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	defer unlock()

	if !cur.State.Editable() {
		return nil, s.fail(span, op, InvalidTransitionError{ReservationID: id, From: cur.State, Action: "remove voucher from"})
	}

	next := cur.Clone()
	next.VoucherID = ""
	next.VoucherNotice = ""

	if err := s.reprice(ctx, next, false); err != nil {
		return nil, s.fail(span, op, err)
	}
	next.State = domain.StateServicesSelected

	if err := s.save(ctx, cur, next); err != nil {
		return nil, s.fail(span, op, err)
	}

	return next, nil
}

// reprice recomputes the pricing snapshot of res from the catalog and the
// voucher ledger. With detachInvalid set, a voucher that no longer applies is
// dropped instead of failing the call.
func (s *Service) reprice(ctx context.Context, res *domain.Reservation, detachInvalid bool) error {
	field, err := s.loadField(ctx, res.FieldID)
	if err != nil {
		return err
	}

	cctx, cancel := s.withTimeout(ctx)
	quote, err := s.pricing.Price(cctx, *field, res.Date, res.Start, res.End, res.ServiceLines)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrServiceNotFound
		case errors.Is(err, pricing.ErrInvalidQuantity), errors.Is(err, pricing.ErrInvalidInterval):
			return err
		default:
			return fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		}
	}

	subtotal := quote.FieldPrice + quote.ServicePrice

	var discount int64
	if res.VoucherID != "" {
		cctx, cancel := s.withTimeout(ctx)
		result, err := s.validator.Validate(cctx, res.VoucherID, res.FacilityID, subtotal)
		cancel()

		switch {
		case err == nil:
			discount = result.DiscountAmount
		case isVoucherRejection(err) && detachInvalid:
			res.VoucherNotice = fmt.Sprintf("voucher %s removed: %s", res.VoucherID, voucherReason(err))
			res.VoucherID = ""
		case isVoucherRejection(err):
			return err
		default:
			return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
	}

	res.Pricing = domain.NewPricing(quote.FieldPrice, quote.ServicePrice, discount)

	return nil
}

var voucherRejections = []error{
	voucher.ErrVoucherNotFound,
	voucher.ErrVoucherExpired,
	voucher.ErrVoucherExhausted,
	voucher.ErrBelowMinimumOrder,
	voucher.ErrFacilityMismatch,
	voucher.ErrUnsupportedType,
}

func isVoucherRejection(err error) bool {
	return voucherReason(err) != ""
}

func voucherReason(err error) string {
	for _, r := range voucherRejections {
		if errors.Is(err, r) {
			return r.Error()
		}
	}
	return ""
}

// RequestPayment freezes the pricing snapshot and obtains a payment reference.
// A reservation that is already PaymentPending gets its existing reference
// back. A zero total confirms without involving the gateway. If the gateway
// call fails the reservation keeps its previous state.
func (s *Service) RequestPayment(
	ctx context.Context,
	id uuid.UUID,
	method domain.PaymentMethod,
) (*domain.Reservation, error) {
	const op = "service.reservation.RequestPayment"

	ctx, span := s.startSpan(ctx, "RequestPayment", id)
	defer span.End()

	cur, unlock, err := s.begin(ctx, id, "request payment for")
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	defer unlock()

	if cur.State == domain.StatePaymentPending {
		return cur, nil
	}

	if !cur.State.Editable() {
		return nil, s.fail(span, op, InvalidTransitionError{ReservationID: id, From: cur.State, Action: "request payment for"})
	}

	// Last re-validation before the snapshot freezes.
	next := cur.Clone()
	if err := s.reprice(ctx, next, false); err != nil {
		return nil, s.fail(span, op, err)
	}
	next.PaymentMethod = method.Type

	if next.Pricing.Total == 0 {
		if err := s.confirmFree(ctx, cur, next); err != nil {
			return nil, s.fail(span, op, err)
		}
		return next, nil
	}

	cctx, cancel := s.withTimeout(ctx)
	intent, err := s.gateway.RequestPayment(cctx, PaymentRequest{
		ReservationID: id,
		Amount:        next.Pricing.Total,
		Method:        method,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, s.fail(span, op, ErrGatewayTimeout)
		}
		return nil, s.fail(span, op, fmt.Errorf("%w: %v", ErrGatewayFailure, err))
	}

	next.State = domain.StatePaymentPending
	next.PaymentRef = intent.Ref
	next.RedirectURL = intent.RedirectURL

	if err := s.save(ctx, cur, next); err != nil {
		s.logger.Error("payment reference issued but not recorded",
			slog.String("reservation_id", id.String()),
			slog.String("payment_ref", intent.Ref),
			slog.Any("err", err),
		)
		return nil, s.fail(span, op, err)
	}

	return next, nil
}

// confirmFree confirms a reservation whose total is zero. If the index has
// already let the hold lapse the reservation is expired instead and
// ErrHoldExpired is returned.
func (s *Service) confirmFree(ctx context.Context, cur, next *domain.Reservation) error {
	next.State = domain.StateConfirmed
	next.UpdatedAt = s.now()

	var committed, lapsed bool

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.Tx, after func(uow.AfterCommit)) error {
		lapsed = false

		stored, err := tx.Reservations().GetForUpdate(ctx, cur.ID)
		if err != nil {
			return err
		}
		if stored.Version != cur.Version {
			return ErrConcurrentUpdate
		}

		held, err := s.commitHold(ctx, cur)
		if err != nil {
			return err
		}
		if !held {
			lapsed = true
			expired := cur.Clone()
			expired.State = domain.StateExpired
			expired.UpdatedAt = s.now()
			if err := tx.Reservations().Update(ctx, expired); err != nil {
				return err
			}
			after(func(ctx context.Context) {
				s.releaseLock(ctx, expired)
				s.notifyAvailability(ctx, expired)
				s.publish(ctx, EventExpired, expired)
			})
			return nil
		}
		committed = true

		if next.VoucherID != "" {
			if err := tx.Vouchers().Decrement(ctx, next.VoucherID); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					return voucher.ErrVoucherExhausted
				}
				return err
			}
		}

		if err := tx.Reservations().Update(ctx, next); err != nil {
			if errors.Is(err, repository.ErrStaleVersion) {
				return ErrConcurrentUpdate
			}
			return err
		}

		after(func(ctx context.Context) { s.publish(ctx, EventConfirmed, next) })

		return nil
	})
	if err != nil {
		if committed {
			s.undoCommit(ctx, cur)
		}
		return err
	}

	if lapsed {
		return ErrHoldExpired
	}

	return nil
}

// Cancel moves any non-terminal reservation to Cancelled and frees its slot.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "service.reservation.Cancel"

	ctx, span := s.startSpan(ctx, "Cancel", id)
	defer span.End()

	cur, unlock, err := s.begin(ctx, id, "cancel")
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	defer unlock()

	next := cur.Clone()
	next.State = domain.StateCancelled

	err = s.save(ctx, cur, next, func(ctx context.Context) {
		s.releaseLock(ctx, next)
		s.notifyAvailability(ctx, next)
		s.publish(ctx, EventCancelled, next)
	})
	if err != nil {
		return nil, s.fail(span, op, err)
	}

	return next, nil
}
