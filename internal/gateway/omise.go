// Package gateway adapts the Omise payment API to the reservation engine.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"

	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/service/reservation"
)

var (
	ErrInvalidPayment = errors.New("invalid payment request")
	ErrUnverified     = errors.New("webhook event could not be verified")
)

const metadataReservationID = "reservation_id"

type Config struct {
	PublicKey string
	SecretKey string
	Currency  string
	// ReturnURI is where the payer lands after an offsite authorization.
	ReturnURI string
}

type Omise struct {
	client *omise.Client
	cfg    Config
}

func NewOmise(cfg Config) (*Omise, error) {
	const op = "gateway.NewOmise"

	c, err := omise.NewClient(cfg.PublicKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if cfg.Currency == "" {
		cfg.Currency = "thb"
	}

	return &Omise{client: c, cfg: cfg}, nil
}

// do runs an Omise call and gives up when ctx is done. The SDK call itself
// cannot be cancelled and finishes in the background.
func (o *Omise) do(ctx context.Context, call func() error) error {
	done := make(chan error, 1)
	go func() { done <- call() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestPayment creates a charge for the reservation. Cards are charged with
// their token; every other method goes through a source and returns the
// authorize URI the payer must visit.
func (o *Omise) RequestPayment(ctx context.Context, req reservation.PaymentRequest) (reservation.PaymentIntent, error) {
	const op = "gateway.Omise.RequestPayment"

	if req.Amount <= 0 || req.Method.Type == "" {
		return reservation.PaymentIntent{}, fmt.Errorf("%s:%w", op, ErrInvalidPayment)
	}

	create := &operations.CreateCharge{
		Amount:    req.Amount,
		Currency:  o.cfg.Currency,
		ReturnURI: o.cfg.ReturnURI,
		Metadata:  map[string]any{metadataReservationID: req.ReservationID.String()},
	}

	if strings.EqualFold(req.Method.Type, "card") {
		if req.Method.Token == "" {
			return reservation.PaymentIntent{}, fmt.Errorf("%s:%w: card token required", op, ErrInvalidPayment)
		}
		create.Card = req.Method.Token
	} else {
		sourceID, err := o.source(ctx, req)
		if err != nil {
			return reservation.PaymentIntent{}, fmt.Errorf("%s:%w", op, err)
		}
		create.Source = sourceID
	}

	ch := &omise.Charge{}
	if err := o.do(ctx, func() error { return o.client.Do(ch, create) }); err != nil {
		return reservation.PaymentIntent{}, fmt.Errorf("%s:%w", op, err)
	}

	if string(ch.Status) == "failed" {
		code := ""
		if ch.FailureCode != nil {
			code = *ch.FailureCode
		}
		return reservation.PaymentIntent{}, fmt.Errorf("%s: charge %s failed: %s", op, ch.ID, code)
	}

	return reservation.PaymentIntent{Ref: ch.ID, RedirectURL: ch.AuthorizeURI}, nil
}

// source returns the id of the payment source to charge: the one supplied by
// the client, or a freshly created one of the requested type.
func (o *Omise) source(ctx context.Context, req reservation.PaymentRequest) (string, error) {
	if req.Method.Token != "" {
		return req.Method.Token, nil
	}

	src := &omise.Source{}
	create := &operations.CreateSource{
		Type:     req.Method.Type,
		Amount:   req.Amount,
		Currency: o.cfg.Currency,
	}
	if err := o.do(ctx, func() error { return o.client.Do(src, create) }); err != nil {
		return "", err
	}

	return src.ID, nil
}

type webhookEvent struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// Verify authenticates a webhook body by fetching the event it names back
// from Omise. Only charge.complete events in a final state yield a callback;
// ok is false for everything else.
func (o *Omise) Verify(ctx context.Context, body []byte) (cb domain.Callback, ok bool, err error) {
	const op = "gateway.Omise.Verify"

	var in webhookEvent
	if err := json.Unmarshal(body, &in); err != nil || in.ID == "" {
		return domain.Callback{}, false, fmt.Errorf("%s:%w", op, ErrUnverified)
	}

	ev := &omise.Event{}
	if err := o.do(ctx, func() error {
		return o.client.Do(ev, &operations.RetrieveEvent{EventID: in.ID})
	}); err != nil {
		return domain.Callback{}, false, fmt.Errorf("%s:%w: %v", op, ErrUnverified, err)
	}

	if ev.Key != "charge.complete" {
		return domain.Callback{}, false, nil
	}

	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return domain.Callback{}, false, fmt.Errorf("%s:%w", op, err)
	}

	var ch omise.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return domain.Callback{}, false, fmt.Errorf("%s:%w", op, err)
	}

	cb, ok = chargeCallback(ev.ID, ch)

	return cb, ok, nil
}

// chargeCallback maps a completed charge to a callback. Charges that are
// still pending produce none.
func chargeCallback(eventID string, ch omise.Charge) (domain.Callback, bool) {
	cb := domain.Callback{EventID: eventID, PaymentRef: ch.ID}

	switch string(ch.Status) {
	case "successful":
		cb.Outcome = domain.PaymentSuccess
		cb.AmountPaid = ch.Amount
	case "failed", "expired", "reversed":
		cb.Outcome = domain.PaymentFailure
	default:
		return domain.Callback{}, false
	}

	if raw, ok := ch.Metadata[metadataReservationID].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			cb.ReservationID = id
		}
	}

	return cb, true
}
