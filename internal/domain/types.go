package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type FieldStatus string

const (
	FieldActive FieldStatus = "active"
	FieldClosed FieldStatus = "closed"
)

// PeakWindow is a time-of-day range during which a field's price is surcharged.
// An empty Weekdays list means the window applies every day.
type PeakWindow struct {
	Start           ClockTime      `json:"start"`
	End             ClockTime      `json:"end"`
	IncreasePercent int64          `json:"increase_percent"`
	Weekdays        []time.Weekday `json:"weekdays,omitempty"`
}

// AppliesOn reports whether the window is active on the given weekday.
func (w PeakWindow) AppliesOn(day time.Weekday) bool {
	if len(w.Weekdays) == 0 {
		return true
	}

	for _, d := range w.Weekdays {
		if d == day {
			return true
		}
	}

	return false
}

type Field struct {
	ID          int64        `json:"id"`
	FacilityID  int64        `json:"facility_id"`
	Name        string       `json:"name"`
	SportIDs    []int64      `json:"sport_ids"`
	OpenAt      ClockTime    `json:"open_at"`
	CloseAt     ClockTime    `json:"close_at"`
	BasePrice   int64        `json:"base_price"` // per hour
	PeakWindows []PeakWindow `json:"peak_windows"`
	Status      FieldStatus  `json:"status"`
}

func (f Field) OffersSport(sportID int64) bool {
	for _, s := range f.SportIDs {
		if s == sportID {
			return true
		}
	}

	return false
}

type VoucherType string

const (
	VoucherCash    VoucherType = "cash"
	VoucherPercent VoucherType = "percent"
)

type Voucher struct {
	ID          string      `json:"id"`
	Type        VoucherType `json:"type"`
	Value       int64       `json:"value"` // amount for cash, percent for percent
	MinOrder    int64       `json:"min_order"`
	MaxDiscount int64       `json:"max_discount"` // 0 means uncapped
	Remaining   int64       `json:"remaining"`
	ValidFrom   time.Time   `json:"valid_from"`
	ValidTo     time.Time   `json:"valid_to"`
	FacilityID  int64       `json:"facility_id"` // 0 means any facility
}

type ServiceLine struct {
	ServiceID int64 `json:"service_id"`
	Quantity  int64 `json:"quantity"`
}

type Pricing struct {
	FieldPrice     int64 `json:"field_price"`
	ServicePrice   int64 `json:"service_price"`
	DiscountAmount int64 `json:"discount_amount"`
	Total          int64 `json:"total"`
}

// NewPricing builds a snapshot whose total never drops below zero.
func NewPricing(fieldPrice, servicePrice, discount int64) Pricing {
	subtotal := fieldPrice + servicePrice
	if discount > subtotal {
		discount = subtotal
	}
	if discount < 0 {
		discount = 0
	}

	return Pricing{
		FieldPrice:     fieldPrice,
		ServicePrice:   servicePrice,
		DiscountAmount: discount,
		Total:          subtotal - discount,
	}
}

func (p Pricing) Subtotal() int64 {
	return p.FieldPrice + p.ServicePrice
}

type PaymentMethod struct {
	Type  string `json:"type"` // card, promptpay, mobile_banking_*, ...
	Token string `json:"token,omitempty"`
}

type Reservation struct {
	ID            uuid.UUID        `json:"id"`
	UserID        string           `json:"user_id"`
	FieldID       int64            `json:"field_id"`
	FacilityID    int64            `json:"facility_id"`
	Date          Date             `json:"date"`
	Start         ClockTime        `json:"start"`
	End           ClockTime        `json:"end"`
	SportID       int64            `json:"sport_id"`
	ServiceLines  []ServiceLine    `json:"service_lines"`
	VoucherID     string           `json:"voucher_id,omitempty"`
	VoucherNotice string           `json:"voucher_notice,omitempty"`
	Pricing       Pricing          `json:"pricing"`
	State         ReservationState `json:"state"`
	HoldExpiresAt time.Time        `json:"hold_expires_at"`
	LockID        uuid.UUID        `json:"-"`
	PaymentRef    string           `json:"payment_ref,omitempty"`
	PaymentMethod string           `json:"payment_method,omitempty"`
	RedirectURL   string           `json:"redirect_url,omitempty"`
	NeedsReview   bool             `json:"needs_review"`
	ReviewReason  string           `json:"review_reason,omitempty"`
	Version       int64            `json:"version"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Slot returns the claimed interval of the reservation.
func (r *Reservation) Slot() Slot {
	return Slot{FieldID: r.FieldID, Date: r.Date, Start: r.Start, End: r.End}
}

// Overdue reports whether the hold deadline has passed while the reservation
// is still in a non-terminal state.
func (r *Reservation) Overdue(now time.Time) bool {
	return !r.State.Terminal() && !r.HoldExpiresAt.IsZero() && now.After(r.HoldExpiresAt)
}

// Clone returns a deep copy so callers can mutate a candidate without touching
// the stored record until the transition commits.
func (r *Reservation) Clone() *Reservation {
	cp := *r
	if r.ServiceLines != nil {
		cp.ServiceLines = append([]ServiceLine(nil), r.ServiceLines...)
	}
	return &cp
}

// Interval is a half-open [Start, End) time-of-day range.
type Interval struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
}

func (i Interval) Overlaps(o Interval) bool {
	return i.Start < o.End && o.Start < i.End
}

func (i Interval) Minutes() int {
	return int(i.End - i.Start)
}

type Slot struct {
	FieldID int64     `json:"field_id"`
	Date    Date      `json:"date"`
	Start   ClockTime `json:"start"`
	End     ClockTime `json:"end"`
}

func (s Slot) Interval() Interval {
	return Interval{Start: s.Start, End: s.End}
}

type FieldAvailability struct {
	FieldID       int64      `json:"field_id"`
	FieldName     string     `json:"field_name"`
	FreeIntervals []Interval `json:"free_intervals"`
}

type PaymentOutcome string

const (
	PaymentSuccess PaymentOutcome = "success"
	PaymentFailure PaymentOutcome = "failure"
)

// Callback is an asynchronous payment outcome delivered by the gateway.
type Callback struct {
	EventID       string         `json:"event_id"`
	PaymentRef    string         `json:"payment_ref"`
	Outcome       PaymentOutcome `json:"outcome"`
	AmountPaid    int64          `json:"amount_paid"`
	// ReservationID comes from the charge metadata. It lets a charge whose
	// reference was never recorded be traced back to its reservation.
	ReservationID uuid.UUID      `json:"reservation_id,omitempty"`
}

// DedupKey identifies a callback for exactly-once processing. Gateways may
// omit event ids, in which case ref, outcome and amount identify the
// delivery; a corrected amount is a different delivery.
func (c Callback) DedupKey() string {
	if c.EventID != "" {
		return c.EventID
	}
	return fmt.Sprintf("%s:%s:%d", c.PaymentRef, c.Outcome, c.AmountPaid)
}
