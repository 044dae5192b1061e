package httpgin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/pricing"
	redisrepo "github.com/kirinyoku/fieldbook/internal/repository/redis"
	"github.com/kirinyoku/fieldbook/internal/service"
	"github.com/kirinyoku/fieldbook/internal/service/payment"
	"github.com/kirinyoku/fieldbook/internal/service/query"
	"github.com/kirinyoku/fieldbook/internal/service/reservation"
	"github.com/kirinyoku/fieldbook/internal/voucher"
)

// WebhookVerifier authenticates a raw gateway webhook. ok is false for events
// that carry no payment outcome.
type WebhookVerifier interface {
	Verify(ctx context.Context, body []byte) (cb domain.Callback, ok bool, err error)
}

type Deps struct {
	Idem    *redisrepo.IdempotencyStore
	Limiter RateLimiter
	Webhook WebhookVerifier
}

func NewRouter(
	svcs *service.Services,
	deps Deps,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware(logger), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/facilities/:id/slots", handleGetSlots(svcs))

	res := r.Group("/reservations")
	{
		res.POST("", RateLimitMiddleware(deps.Limiter, logger), handleCreateReservation(svcs, deps.Idem))
		res.POST("/drafts", handleCreateDraft(svcs))
		res.GET("/:id", handleGetReservation(svcs))
		res.PUT("/:id/slot", handleSelectSlot(svcs))
		res.PUT("/:id/services", handleSetServices(svcs))
		res.PUT("/:id/voucher", handleApplyVoucher(svcs))
		res.DELETE("/:id/voucher", handleRemoveVoucher(svcs))
		res.POST("/:id/payment", handleRequestPayment(svcs))
		res.POST("/:id/cancel", handleCancel(svcs))
	}

	if deps.Webhook != nil {
		r.POST("/payments/callback", handlePaymentCallback(svcs, deps.Webhook))
	}

	return r
}

// --- Helpers ---

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// userID is the opaque caller identity set by the upstream gateway.
func userID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("X-User-ID"))
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	status, body := http.StatusInternalServerError, ErrorResponse{Error: "internal error"}

	switch {
	// not found
	case errors.Is(err, reservation.ErrReservationNotFound):
		status, body.Error = http.StatusNotFound, "reservation not found"
	case errors.Is(err, reservation.ErrFieldNotFound):
		status, body.Error = http.StatusNotFound, "field not found"
	case errors.Is(err, reservation.ErrServiceNotFound):
		status, body.Error = http.StatusNotFound, "service not found"
	case errors.Is(err, voucher.ErrVoucherNotFound):
		status, body.Error = http.StatusNotFound, "voucher not found"

	// conflicts the client resolves by restarting selection
	case errors.Is(err, reservation.ErrSlotUnavailable):
		status, body.Error = http.StatusConflict, "slot unavailable"
	case errors.Is(err, reservation.ErrHoldExpired):
		status, body.Error = http.StatusGone, "hold expired"
	case errors.Is(err, reservation.ErrInvalidTransition):
		status, body.Error = http.StatusConflict, "invalid transition"
		var te reservation.InvalidTransitionError
		if errors.As(err, &te) {
			body.Reason = string(te.From)
		}
	case errors.Is(err, reservation.ErrConcurrentUpdate):
		status, body.Error = http.StatusConflict, "reservation changed concurrently"
	case errors.Is(err, reservation.ErrPaymentMismatch):
		status, body.Error = http.StatusConflict, "payment pending verification"

	// voucher rejections
	case errors.Is(err, voucher.ErrVoucherExpired),
		errors.Is(err, voucher.ErrVoucherExhausted),
		errors.Is(err, voucher.ErrBelowMinimumOrder),
		errors.Is(err, voucher.ErrFacilityMismatch),
		errors.Is(err, voucher.ErrUnsupportedType):
		status, body.Error, body.Reason = http.StatusUnprocessableEntity, "voucher rejected", voucherReason(err)

	// invalid requests
	case errors.Is(err, reservation.ErrFieldClosed):
		status, body.Error = http.StatusUnprocessableEntity, "field is closed"
	case errors.Is(err, reservation.ErrOutsideOperatingHours):
		status, body.Error = http.StatusUnprocessableEntity, "outside operating hours"
	case errors.Is(err, reservation.ErrSportNotOffered):
		status, body.Error = http.StatusUnprocessableEntity, "sport not offered"
	case errors.Is(err, reservation.ErrSlotInPast):
		status, body.Error = http.StatusUnprocessableEntity, "slot starts in the past"
	case errors.Is(err, reservation.ErrInvalidInterval),
		errors.Is(err, pricing.ErrInvalidQuantity),
		errors.Is(err, query.ErrInvalidDate),
		errors.Is(err, payment.ErrInvalidCallback):
		status, body.Error = http.StatusBadRequest, "invalid request"
		body.Reason = rootMessage(err)

	// dependencies
	case errors.Is(err, reservation.ErrGatewayTimeout):
		status, body.Error = http.StatusGatewayTimeout, "payment gateway timed out"
	case errors.Is(err, reservation.ErrGatewayFailure):
		status, body.Error = http.StatusBadGateway, "payment gateway error"
	case errors.Is(err, reservation.ErrCatalogUnavailable),
		errors.Is(err, query.ErrCatalogUnavailable):
		status, body.Error = http.StatusServiceUnavailable, "catalog unavailable"
	case errors.Is(err, reservation.ErrLedgerUnavailable):
		status, body.Error = http.StatusServiceUnavailable, "voucher ledger unavailable"
	}

	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	c.JSON(status, body)
}

func voucherReason(err error) string {
	switch {
	case errors.Is(err, voucher.ErrVoucherExpired):
		return "expired"
	case errors.Is(err, voucher.ErrVoucherExhausted):
		return "exhausted"
	case errors.Is(err, voucher.ErrBelowMinimumOrder):
		return "below_minimum_order"
	case errors.Is(err, voucher.ErrFacilityMismatch):
		return "facility_mismatch"
	case errors.Is(err, voucher.ErrUnsupportedType):
		return "unsupported_type"
	}
	return ""
}

// rootMessage strips the op prefixes from a wrapped error.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
