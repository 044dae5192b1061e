package domain

type ReservationState string

const (
	StateDraft            ReservationState = "draft"
	StateFieldSelected    ReservationState = "field_selected"
	StateServicesSelected ReservationState = "services_selected"
	StatePaymentPending   ReservationState = "payment_pending"
	StateConfirmed        ReservationState = "confirmed"
	StateCancelled        ReservationState = "cancelled"
	StateExpired          ReservationState = "expired"
)

func (s ReservationState) Terminal() bool {
	switch s {
	case StateConfirmed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// HoldsSlot reports whether a reservation in this state owns its field lock.
func (s ReservationState) HoldsSlot() bool {
	switch s {
	case StateFieldSelected, StateServicesSelected, StatePaymentPending, StateConfirmed:
		return true
	}
	return false
}

// Editable reports whether services and voucher may still change.
func (s ReservationState) Editable() bool {
	return s == StateFieldSelected || s == StateServicesSelected
}

func (s ReservationState) Valid() bool {
	switch s {
	case StateDraft, StateFieldSelected, StateServicesSelected, StatePaymentPending,
		StateConfirmed, StateCancelled, StateExpired:
		return true
	}
	return false
}
