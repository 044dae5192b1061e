package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/mq"
	"github.com/kirinyoku/fieldbook/internal/service/reservation"
)

type settlerStub struct {
	mu    sync.Mutex
	calls []domain.Callback
	out   reservation.Settlement
	err   error
}

func (s *settlerStub) Settle(_ context.Context, cb domain.Callback) (reservation.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, cb)
	return s.out, s.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOnGatewayCallbackRejectsMalformed(t *testing.T) {
	stub := &settlerStub{}
	r := NewReconciler(stub, discard())

	tests := []domain.Callback{
		{PaymentRef: "", Outcome: domain.PaymentSuccess},
		{PaymentRef: "chrg_1", Outcome: "maybe"},
		{PaymentRef: "chrg_1", Outcome: domain.PaymentSuccess, AmountPaid: -1},
	}

	for _, cb := range tests {
		_, err := r.OnGatewayCallback(context.Background(), cb)
		require.ErrorIs(t, err, ErrInvalidCallback)
	}
	assert.Empty(t, stub.calls)
}

func TestOnGatewayCallbackPassesMismatchThrough(t *testing.T) {
	res := &domain.Reservation{ID: uuid.New(), State: domain.StatePaymentPending, NeedsReview: true}
	stub := &settlerStub{
		out: reservation.Settlement{Kind: reservation.SettledMismatch, Reservation: res},
		err: reservation.ErrPaymentMismatch,
	}
	r := NewReconciler(stub, discard())

	out, err := r.OnGatewayCallback(context.Background(), domain.Callback{
		PaymentRef: "chrg_1",
		Outcome:    domain.PaymentSuccess,
		AmountPaid: 1,
	})
	require.ErrorIs(t, err, reservation.ErrPaymentMismatch)
	assert.Equal(t, reservation.SettledMismatch, out.Kind)
	assert.True(t, out.Reservation.NeedsReview)
}

func TestHandleMapsRoutingKeys(t *testing.T) {
	stub := &settlerStub{out: reservation.Settlement{Kind: reservation.SettledConfirmed}}
	r := NewReconciler(stub, discard())
	ctx := context.Background()

	body := []byte(`{"event":"payment.paid","version":1,"data":{"event_id":"evnt_1","payment_id":"chrg_9","reservation_id":"6f1c2a4e-8b1d-4c55-9a3e-2f7d0b9e4a11","amount":360000,"currency":"thb"}}`)
	require.NoError(t, r.Handle(ctx, RoutingPaid, body))

	body = []byte(`{"event":"payment.failed","version":1,"data":{"payment_id":"chrg_9","failure_code":"insufficient_fund"}}`)
	require.NoError(t, r.Handle(ctx, RoutingFailed, body))

	require.Len(t, stub.calls, 2)
	assert.Equal(t, domain.Callback{
		EventID:       "evnt_1",
		PaymentRef:    "chrg_9",
		Outcome:       domain.PaymentSuccess,
		AmountPaid:    360_000,
		ReservationID: uuid.MustParse("6f1c2a4e-8b1d-4c55-9a3e-2f7d0b9e4a11"),
	}, stub.calls[0])
	assert.Equal(t, domain.PaymentFailure, stub.calls[1].Outcome)
	assert.Equal(t, "chrg_9:failure:0", stub.calls[1].DedupKey())
}

func TestHandleDropsOrRetries(t *testing.T) {
	ctx := context.Background()
	paid := []byte(`{"data":{"payment_id":"chrg_1","amount":10}}`)

	tests := []struct {
		name     string
		key      string
		body     []byte
		err      error
		wantDrop bool
	}{
		{name: "bad json", key: RoutingPaid, body: []byte(`{`), wantDrop: true},
		{name: "unknown key", key: "payment.refunded", body: paid, wantDrop: true},
		{name: "missing ref", key: RoutingPaid, body: []byte(`{"data":{}}`), wantDrop: true},
		{name: "bad reservation id", key: RoutingPaid, body: []byte(`{"data":{"payment_id":"chrg_1","reservation_id":"nope"}}`), wantDrop: true},
		{name: "unknown reservation", key: RoutingPaid, body: paid, err: reservation.ErrReservationNotFound, wantDrop: true},
		{name: "mismatch", key: RoutingPaid, body: paid, err: reservation.ErrPaymentMismatch, wantDrop: true},
		{name: "transient", key: RoutingPaid, body: paid, err: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReconciler(&settlerStub{err: tt.err}, discard())

			err := r.Handle(ctx, tt.key, tt.body)
			require.Error(t, err)
			assert.Equal(t, tt.wantDrop, errors.Is(err, mq.ErrDrop))
		})
	}
}
