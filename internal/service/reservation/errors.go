package reservation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kirinyoku/fieldbook/internal/availability"
	"github.com/kirinyoku/fieldbook/internal/domain"
)

var (
	ErrSlotUnavailable       = availability.ErrSlotUnavailable
	ErrHoldExpired           = errors.New("hold is expired")
	ErrInvalidTransition     = errors.New("transition not allowed from current state")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrPaymentMismatch       = errors.New("amount paid does not match amount due")
	ErrGatewayTimeout        = errors.New("payment gateway timed out")
	ErrGatewayFailure        = errors.New("payment gateway rejected the request")
	ErrCatalogUnavailable    = errors.New("catalog unavailable")
	ErrLedgerUnavailable     = errors.New("voucher ledger unavailable")
	ErrFieldNotFound         = errors.New("field not found")
	ErrFieldClosed           = errors.New("field is closed")
	ErrServiceNotFound       = errors.New("service not found")
	ErrOutsideOperatingHours = errors.New("interval outside operating hours")
	ErrInvalidInterval       = errors.New("invalid interval")
	ErrSlotInPast            = errors.New("slot starts in the past")
	ErrSportNotOffered       = errors.New("sport not offered on field")
	ErrConcurrentUpdate      = errors.New("reservation changed concurrently")
)

type SlotUnavailableError struct {
	Slot domain.Slot
}

func (e SlotUnavailableError) Error() string {
	return fmt.Sprintf("slot unavailable: field %d on %s %s-%s",
		e.Slot.FieldID, e.Slot.Date, e.Slot.Start, e.Slot.End)
}

func (e SlotUnavailableError) Unwrap() error {
	return ErrSlotUnavailable
}

type InvalidTransitionError struct {
	ReservationID uuid.UUID
	From          domain.ReservationState
	Action        string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s reservation %s in state %s", e.Action, e.ReservationID, e.From)
}

func (e InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
