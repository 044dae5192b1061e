package httpgin

import (
	"fmt"

	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/service/reservation"
)

// SlotRequest is the interval a client wants to claim. Times are HH:MM,
// the date is YYYY-MM-DD.
type SlotRequest struct {
	FieldID int64  `json:"field_id" binding:"required,gt=0"`
	SportID int64  `json:"sport_id" binding:"required,gt=0"`
	Date    string `json:"date" binding:"required,isodate"`
	Start   string `json:"start" binding:"required,hhmm"`
	End     string `json:"end" binding:"required,hhmm"`
}

func (r SlotRequest) fingerprint() string {
	return fmt.Sprintf("%d|%d|%s|%s|%s", r.FieldID, r.SportID, r.Date, r.Start, r.End)
}

func (r SlotRequest) toService() reservation.SlotRequest {
	// Formats are enforced by binding tags.
	start, _ := domain.ParseClockTime(r.Start)
	end, _ := domain.ParseClockTime(r.End)

	return reservation.SlotRequest{
		FieldID: r.FieldID,
		Date:    domain.Date(r.Date),
		Start:   start,
		End:     end,
		SportID: r.SportID,
	}
}

type ServiceLineInput struct {
	ServiceID int64 `json:"service_id" binding:"required,gt=0"`
	Quantity  int64 `json:"quantity" binding:"required,gt=0"`
}

type SetServicesRequest struct {
	Services []ServiceLineInput `json:"services" binding:"dive"`
}

func (r SetServicesRequest) lines() []domain.ServiceLine {
	out := make([]domain.ServiceLine, 0, len(r.Services))
	for _, s := range r.Services {
		out = append(out, domain.ServiceLine{ServiceID: s.ServiceID, Quantity: s.Quantity})
	}
	return out
}

type ApplyVoucherRequest struct {
	VoucherID string `json:"voucher_id" binding:"required,max=64"`
}

type RequestPaymentRequest struct {
	Method string `json:"method" binding:"required,max=64"`
	Token  string `json:"token" binding:"max=128"`
}

type PaymentResponse struct {
	ReservationID string                  `json:"reservation_id"`
	State         domain.ReservationState `json:"state"`
	PaymentRef    string                  `json:"payment_ref,omitempty"`
	RedirectURL   string                  `json:"redirect_url,omitempty"`
	Total         int64                   `json:"total"`
}

type SlotsResponse struct {
	FacilityID int64                      `json:"facility_id"`
	SportID    int64                      `json:"sport_id"`
	Date       string                     `json:"date"`
	Fields     []domain.FieldAvailability `json:"fields"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	// Reason narrows Error for clients, e.g. the voucher rule that failed.
	Reason string `json:"reason,omitempty"`
}
