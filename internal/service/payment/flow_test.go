package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/fieldbook/internal/availability"
	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/repository/memory"
	"github.com/kirinyoku/fieldbook/internal/service/reservation"
)

type oneField struct{}

func (oneField) GetField(context.Context, int64) (*domain.Field, error) {
	return &domain.Field{
		ID:         1,
		FacilityID: 1,
		SportIDs:   []int64{1},
		OpenAt:     domain.NewClockTime(6, 0),
		CloseAt:    domain.NewClockTime(22, 0),
		BasePrice:  300_000,
		Status:     domain.FieldActive,
	}, nil
}

func (oneField) GetServicePrice(context.Context, int64) (int64, error) { return 0, nil }

type refGateway struct{}

func (refGateway) RequestPayment(context.Context, reservation.PaymentRequest) (reservation.PaymentIntent, error) {
	return reservation.PaymentIntent{Ref: "chrg_flow"}, nil
}

func TestDuplicateDeliveryEndsInSameState(t *testing.T) {
	ctx := context.Background()
	now := func() time.Time { return time.Date(2025, 3, 7, 6, 0, 0, 0, time.UTC) }
	store := memory.NewStore()

	engine := reservation.New(reservation.Deps{
		Tx:       store,
		Reader:   store.Reservations(),
		Catalog:  oneField{},
		Vouchers: store.Vouchers(),
		Index:    availability.NewMemory(now),
		Gateway:  refGateway{},
		Now:      now,
	}, reservation.Config{})
	r := NewReconciler(engine, discard())

	res, err := engine.CreateReservation(ctx, "u", reservation.SlotRequest{
		FieldID: 1,
		Date:    "2025-03-07",
		Start:   domain.NewClockTime(9, 0),
		End:     domain.NewClockTime(10, 0),
		SportID: 1,
	})
	require.NoError(t, err)

	_, err = engine.RequestPayment(ctx, res.ID, domain.PaymentMethod{Type: "promptpay"})
	require.NoError(t, err)

	body := []byte(`{"event":"payment.paid","data":{"event_id":"evnt_7","payment_id":"chrg_flow","amount":300000}}`)

	require.NoError(t, r.Handle(ctx, RoutingPaid, body))
	once, err := engine.GetReservation(ctx, res.ID)
	require.NoError(t, err)

	require.NoError(t, r.Handle(ctx, RoutingPaid, body))
	twice, err := engine.GetReservation(ctx, res.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StateConfirmed, once.State)
	assert.Equal(t, once, twice)
}
