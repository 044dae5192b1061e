package gateway

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/omise/omise-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/service/reservation"
)

func TestChargeCallback(t *testing.T) {
	tests := []struct {
		status  omise.ChargeStatus
		want    domain.Callback
		wantOK  bool
		comment string
	}{
		{
			status: "successful",
			want:   domain.Callback{EventID: "evnt_1", PaymentRef: "chrg_1", Outcome: domain.PaymentSuccess, AmountPaid: 360_000},
			wantOK: true,
		},
		{
			status: "failed",
			want:   domain.Callback{EventID: "evnt_1", PaymentRef: "chrg_1", Outcome: domain.PaymentFailure},
			wantOK: true,
		},
		{
			status: "expired",
			want:   domain.Callback{EventID: "evnt_1", PaymentRef: "chrg_1", Outcome: domain.PaymentFailure},
			wantOK: true,
		},
		{status: "pending"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			ch := omise.Charge{Status: tt.status, Amount: 360_000}
			ch.ID = "chrg_1"

			got, ok := chargeCallback("evnt_1", ch)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChargeCallbackCarriesReservationID(t *testing.T) {
	id := uuid.New()

	ch := omise.Charge{
		Status:   "successful",
		Amount:   360_000,
		Metadata: map[string]interface{}{metadataReservationID: id.String()},
	}
	ch.ID = "chrg_1"

	got, ok := chargeCallback("evnt_1", ch)
	require.True(t, ok)
	assert.Equal(t, id, got.ReservationID)

	ch.Metadata = map[string]interface{}{metadataReservationID: "not-a-uuid"}
	got, ok = chargeCallback("evnt_1", ch)
	require.True(t, ok)
	assert.Equal(t, uuid.Nil, got.ReservationID)
}

func TestRequestPaymentValidatesBeforeCallingOmise(t *testing.T) {
	g, err := NewOmise(Config{PublicKey: "pkey_test_123", SecretKey: "skey_test_123"})
	require.NoError(t, err)

	_, err = g.RequestPayment(context.Background(), reservation.PaymentRequest{
		ReservationID: uuid.New(),
		Amount:        0,
		Method:        domain.PaymentMethod{Type: "card", Token: "tokn_1"},
	})
	require.ErrorIs(t, err, ErrInvalidPayment)

	_, err = g.RequestPayment(context.Background(), reservation.PaymentRequest{
		ReservationID: uuid.New(),
		Amount:        100,
		Method:        domain.PaymentMethod{Type: "card"},
	})
	require.ErrorIs(t, err, ErrInvalidPayment)
}

func TestVerifyRejectsBodiesWithoutEventID(t *testing.T) {
	g, err := NewOmise(Config{PublicKey: "pkey_test_123", SecretKey: "skey_test_123"})
	require.NoError(t, err)

	_, _, err = g.Verify(context.Background(), []byte(`{"key":"charge.complete"}`))
	require.ErrorIs(t, err, ErrUnverified)

	_, _, err = g.Verify(context.Background(), []byte(`not json`))
	require.ErrorIs(t, err, ErrUnverified)
}
