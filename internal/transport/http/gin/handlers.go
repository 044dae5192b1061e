package httpgin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kirinyoku/fieldbook/internal/domain"
	redisx "github.com/kirinyoku/fieldbook/internal/redis"
	redisrepo "github.com/kirinyoku/fieldbook/internal/repository/redis"
	"github.com/kirinyoku/fieldbook/internal/service"
	"github.com/kirinyoku/fieldbook/internal/service/reservation"
)

const maxWebhookBody = 64 << 10

// @Summary  List free intervals per field
// @Param    id        path   int     true  "Facility ID"
// @Param    sport_id  query  int     true  "Sport ID"
// @Param    date      query  string  true  "YYYY-MM-DD"
// @Success  200  {object}  SlotsResponse
// @Failure  400  {object}  ErrorResponse
// @Router   /facilities/{id}/slots [get]
func handleGetSlots(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		facilityID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		sportID, err := strconv.ParseInt(c.Query("sport_id"), 10, 64)
		if err != nil || sportID <= 0 {
			badRequest(c, "invalid sport_id")
			return
		}
		date, err := domain.ParseDate(c.Query("date"))
		if err != nil {
			badRequest(c, "invalid date")
			return
		}

		fields, err := svcs.Query.GetAvailableSlots(c.Request.Context(), facilityID, sportID, date)
		if err != nil {
			respondErr(c, err)
			return
		}

		writeJSONWithCache(c, http.StatusOK, SlotsResponse{
			FacilityID: facilityID,
			SportID:    sportID,
			Date:       date.String(),
			Fields:     fields,
		}, "public, max-age=5", true)
	}
}

// @Summary  Create reservation (idempotent)
// @Param    req body  SlotRequest true "payload"
// @Header   201 {string} Idempotency-Key "echo"
// @Success  201 {object} domain.Reservation
// @Failure  400 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "slot unavailable / idem in progress"
// @Failure  422 {object} ErrorResponse "idempotency key reused"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /reservations [post]
func handleCreateReservation(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SlotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()
		user := userID(c)

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var storageKey, fingerprint string
		if idem != nil && idemKey != "" {
			storageKey = redisx.KeyIdemReservation(user + ":" + idemKey)
			fingerprint = req.fingerprint()

			prev, err := idem.Begin(ctx, storageKey, fingerprint)
			switch {
			case errors.Is(err, redisrepo.ErrIdemInProgress):
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			case errors.Is(err, redisrepo.ErrIdemKeyReused):
				c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "idempotency key reused"})
				return
			case err != nil:
				respondErr(c, err)
				return
			case prev != nil:
				c.Header("Idempotency-Key", idemKey)
				c.Data(prev.Status, "application/json; charset=utf-8", prev.Body)
				return
			}
		}

		res, err := svcs.Reservation.CreateReservation(ctx, user, req.toService())
		if err != nil {
			if storageKey != "" {
				_ = idem.Abort(ctx, storageKey)
			}
			respondErr(c, err)
			return
		}

		if storageKey != "" {
			body, _ := json.Marshal(res)
			_ = idem.Complete(ctx, storageKey, fingerprint, http.StatusCreated, body)
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, res)
	}
}

// @Summary  Start a draft without a slot
// @Success  201 {object} domain.Reservation
// @Router   /reservations/drafts [post]
func handleCreateDraft(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svcs.Reservation.CreateDraft(c.Request.Context(), userID(c))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

// @Summary  Get reservation
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  200 {object} domain.Reservation
// @Failure  404 {object} ErrorResponse
// @Router   /reservations/{id} [get]
func handleGetReservation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		res, err := svcs.Reservation.GetReservation(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeJSONWithCache(c, http.StatusOK, res, "private, no-cache", true)
	}
}

// @Summary  Select the slot of a draft
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Param    req body  SlotRequest true "payload"
// @Success  200 {object} domain.Reservation
// @Failure  409 {object} ErrorResponse
// @Router   /reservations/{id}/slot [put]
func handleSelectSlot(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		var req SlotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := svcs.Reservation.SelectSlot(c.Request.Context(), id, req.toService())
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Replace add-on services
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Param    req body  SetServicesRequest true "payload"
// @Success  200 {object} domain.Reservation
// @Router   /reservations/{id}/services [put]
func handleSetServices(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		var req SetServicesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := svcs.Reservation.SetServices(c.Request.Context(), id, req.lines())
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Apply a voucher
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Param    req body  ApplyVoucherRequest true "payload"
// @Success  200 {object} domain.Reservation
// @Failure  422 {object} ErrorResponse
// @Router   /reservations/{id}/voucher [put]
func handleApplyVoucher(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		var req ApplyVoucherRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := svcs.Reservation.ApplyVoucher(c.Request.Context(), id, strings.TrimSpace(req.VoucherID))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Remove the voucher
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  200 {object} domain.Reservation
// @Router   /reservations/{id}/voucher [delete]
func handleRemoveVoucher(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		res, err := svcs.Reservation.RemoveVoucher(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Request payment
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Param    req body  RequestPaymentRequest true "payload"
// @Success  200 {object} PaymentResponse "confirmed without payment"
// @Success  202 {object} PaymentResponse "awaiting payment"
// @Failure  504 {object} ErrorResponse
// @Router   /reservations/{id}/payment [post]
func handleRequestPayment(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		var req RequestPaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := svcs.Reservation.RequestPayment(c.Request.Context(), id, domain.PaymentMethod{
			Type:  strings.ToLower(strings.TrimSpace(req.Method)),
			Token: req.Token,
		})
		if err != nil {
			respondErr(c, err)
			return
		}

		status := http.StatusAccepted
		if res.State == domain.StateConfirmed {
			status = http.StatusOK
		}

		c.JSON(status, PaymentResponse{
			ReservationID: res.ID.String(),
			State:         res.State,
			PaymentRef:    res.PaymentRef,
			RedirectURL:   res.RedirectURL,
			Total:         res.Pricing.Total,
		})
	}
}

// @Summary  Cancel reservation
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  200 {object} domain.Reservation
// @Router   /reservations/{id}/cancel [post]
func handleCancel(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		res, err := svcs.Reservation.Cancel(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Payment gateway webhook
// @Success  200 {object} map[string]string
// @Failure  400 {object} ErrorResponse
// @Router   /payments/callback [post]
func handlePaymentCallback(svcs *service.Services, verifier WebhookVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			badRequest(c, "unreadable body")
			return
		}

		cb, ok, err := verifier.Verify(c.Request.Context(), body)
		if err != nil {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unverified webhook"})
			return
		}
		if !ok {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}

		out, err := svcs.Payment.OnGatewayCallback(c.Request.Context(), cb)
		switch {
		case errors.Is(err, reservation.ErrPaymentMismatch):
			// Recorded for review; redelivery would change nothing.
			c.JSON(http.StatusOK, gin.H{"status": "needs_review"})
		case errors.Is(err, reservation.ErrReservationNotFound):
			c.JSON(http.StatusOK, gin.H{"status": "unknown_reference"})
		case err != nil:
			respondErr(c, err)
		default:
			c.JSON(http.StatusOK, gin.H{"status": string(out.Kind)})
		}
	}
}
