// Package payment applies asynchronous gateway outcomes to reservations.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/mq"
	"github.com/kirinyoku/fieldbook/internal/service/reservation"
)

// Routing keys consumed from the payments exchange.
const (
	RoutingPaid   = "payment.paid"
	RoutingFailed = "payment.failed"
)

var ErrInvalidCallback = errors.New("invalid payment callback")

// Settler applies a callback to the owning reservation exactly once.
type Settler interface {
	Settle(ctx context.Context, cb domain.Callback) (reservation.Settlement, error)
}

type Reconciler struct {
	settler Settler
	logger  *slog.Logger
}

func NewReconciler(settler Settler, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{settler: settler, logger: logger}
}

// OnGatewayCallback validates the callback and settles it. Duplicates and
// callbacks for finished reservations are no-ops.
//
// Returns:
//   - error: ErrInvalidCallback if the callback is malformed.
//   - error: reservation.ErrPaymentMismatch if the amount differs from the
//     frozen total; the reservation is left pending and flagged for review.
//   - error: reservation.ErrReservationNotFound if the reference is unknown.
func (r *Reconciler) OnGatewayCallback(ctx context.Context, cb domain.Callback) (reservation.Settlement, error) {
	const op = "service.payment.OnGatewayCallback"

	if err := validate(cb); err != nil {
		return reservation.Settlement{}, fmt.Errorf("%s:%w", op, err)
	}

	out, err := r.settler.Settle(ctx, cb)

	attrs := []any{
		slog.String("payment_ref", cb.PaymentRef),
		slog.String("outcome", string(cb.Outcome)),
		slog.Int64("amount_paid", cb.AmountPaid),
		slog.String("settlement", string(out.Kind)),
	}
	if out.Reservation != nil {
		attrs = append(attrs, slog.String("reservation_id", out.Reservation.ID.String()))
	}

	switch {
	case errors.Is(err, reservation.ErrPaymentMismatch):
		r.logger.Warn("payment mismatch", attrs...)
	case err != nil:
		r.logger.Error("payment callback", append(attrs, slog.Any("err", err))...)
	case out.Kind == reservation.SettledLateSuccess:
		r.logger.Warn("payment after reservation ended, refund required", attrs...)
	default:
		r.logger.Info("payment callback", attrs...)
	}

	if err != nil {
		return out, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

func validate(cb domain.Callback) error {
	if strings.TrimSpace(cb.PaymentRef) == "" {
		return fmt.Errorf("%w: missing payment reference", ErrInvalidCallback)
	}

	switch cb.Outcome {
	case domain.PaymentSuccess, domain.PaymentFailure:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidCallback, cb.Outcome)
	}

	if cb.AmountPaid < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidCallback)
	}

	return nil
}

// Message is the payload published on payment.paid and payment.failed.
type Message struct {
	Event      string `json:"event"`
	Version    int    `json:"version"`
	OccurredAt string `json:"occurred_at"`
	Data       struct {
		EventID       string `json:"event_id"`
		PaymentID     string `json:"payment_id"`
		ReservationID string `json:"reservation_id,omitempty"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		FailureCode   string `json:"failure_code,omitempty"`
	} `json:"data"`
}

// Handle consumes a payment message from the queue. Malformed messages,
// unknown references and amount mismatches are dropped; mismatches are
// already flagged on the reservation. Other errors are retried.
func (r *Reconciler) Handle(ctx context.Context, routingKey string, body []byte) error {
	const op = "service.payment.Handle"

	var outcome domain.PaymentOutcome
	switch routingKey {
	case RoutingPaid:
		outcome = domain.PaymentSuccess
	case RoutingFailed:
		outcome = domain.PaymentFailure
	default:
		return fmt.Errorf("%s:%w: unexpected routing key %q", op, mq.ErrDrop, routingKey)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%s:%w: %v", op, mq.ErrDrop, err)
	}

	cb := domain.Callback{
		EventID:    msg.Data.EventID,
		PaymentRef: msg.Data.PaymentID,
		Outcome:    outcome,
		AmountPaid: msg.Data.Amount,
	}
	if msg.Data.ReservationID != "" {
		id, err := uuid.Parse(msg.Data.ReservationID)
		if err != nil {
			return fmt.Errorf("%s:%w: %v", op, mq.ErrDrop, err)
		}
		cb.ReservationID = id
	}

	_, err := r.OnGatewayCallback(ctx, cb)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidCallback),
		errors.Is(err, reservation.ErrReservationNotFound),
		errors.Is(err, reservation.ErrPaymentMismatch):
		return fmt.Errorf("%s:%w: %v", op, mq.ErrDrop, err)
	default:
		return fmt.Errorf("%s:%w", op, err)
	}
}
