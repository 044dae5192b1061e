// Package reservation is the reservation state machine. It owns the hold
// deadline, takes and releases availability locks, and prices every edit.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kirinyoku/fieldbook/internal/availability"
	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/pricing"
	"github.com/kirinyoku/fieldbook/internal/repository"
	"github.com/kirinyoku/fieldbook/internal/uow"
	"github.com/kirinyoku/fieldbook/internal/voucher"
)

// Routing keys of the reservation lifecycle events.
const (
	EventCreated        = "reservation.created"
	EventConfirmed      = "reservation.confirmed"
	EventCancelled      = "reservation.cancelled"
	EventExpired        = "reservation.expired"
	EventMismatch       = "payment.mismatch"
	EventRefundRequired = "payment.refund_required"
)

type Config struct {
	DraftTTL            time.Duration
	HoldTTL             time.Duration
	ExternalCallTimeout time.Duration
	SweepBatch          int
	// Location is the facilities' time zone; slot dates and times are local to it.
	Location            *time.Location
}

// Catalog is the read side of the facility catalog.
type Catalog interface {
	GetField(ctx context.Context, fieldID int64) (*domain.Field, error)
	GetServicePrice(ctx context.Context, serviceID int64) (int64, error)
}

type PaymentRequest struct {
	ReservationID uuid.UUID
	Amount        int64
	Method        domain.PaymentMethod
}

type PaymentIntent struct {
	Ref         string
	RedirectURL string
}

// Gateway asks the payment provider for a payment reference.
type Gateway interface {
	RequestPayment(ctx context.Context, req PaymentRequest) (PaymentIntent, error)
}

// AvailabilityNotifier is told after a slot was locked or released.
type AvailabilityNotifier interface {
	PublishAvailabilityChanged(ctx context.Context, facilityID int64, date domain.Date) error
}

// EventPublisher emits lifecycle events for downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type Deps struct {
	Tx       uow.Runner[repository.Tx]
	Reader   repository.Reservations
	Catalog  Catalog
	Vouchers voucher.Ledger
	Index    availability.Index
	Gateway  Gateway
	Notifier AvailabilityNotifier
	Events   EventPublisher
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	uow       *uow.UoW[repository.Tx]
	reader    repository.Reservations
	catalog   Catalog
	pricing   *pricing.Calculator
	validator *voucher.Validator
	index     availability.Index
	gateway   Gateway
	notifier  AvailabilityNotifier
	events    EventPublisher
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer
	locks     *keyedMutex
	cfg       Config
}

func New(deps Deps, cfg Config) *Service {
	if cfg.DraftTTL <= 0 {
		cfg.DraftTTL = 30 * time.Minute
	}

	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 10 * time.Minute
	}

	if cfg.ExternalCallTimeout <= 0 {
		cfg.ExternalCallTimeout = 3 * time.Second
	}

	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}

	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Service{
		uow:       uow.New(deps.Tx),
		reader:    deps.Reader,
		catalog:   deps.Catalog,
		pricing:   pricing.NewCalculator(deps.Catalog),
		validator: voucher.NewValidator(deps.Vouchers, deps.Now),
		index:     deps.Index,
		gateway:   deps.Gateway,
		notifier:  deps.Notifier,
		events:    deps.Events,
		logger:    deps.Logger,
		now:       deps.Now,
		tracer:    otel.Tracer("fieldbook/reservation"),
		locks:     newKeyedMutex(),
		cfg:       cfg,
	}
}

// GetReservation returns the current snapshot. An overdue reservation is
// expired before it is returned.
func (s *Service) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "service.reservation.GetReservation"

	ctx, span := s.startSpan(ctx, "GetReservation", id)
	defer span.End()

	res, err := s.load(ctx, id)
	if err != nil {
		return nil, s.fail(span, op, err)
	}

	if !res.Overdue(s.now()) {
		return res, nil
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	expired, err := s.expire(ctx, id)
	if err != nil {
		return nil, s.fail(span, op, err)
	}

	return expired, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	res, err := s.reader.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// begin serializes work on one reservation, loads it and rejects the request
// when the reservation is terminal or past its deadline. The returned unlock
// must be called by the caller.
func (s *Service) begin(ctx context.Context, id uuid.UUID, action string) (*domain.Reservation, func(), error) {
	unlock := s.locks.Lock(id)

	cur, err := s.load(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}

	if cur.State.Terminal() {
		unlock()
		return nil, nil, InvalidTransitionError{ReservationID: id, From: cur.State, Action: action}
	}

	if cur.Overdue(s.now()) {
		if _, err := s.expire(ctx, id); err != nil {
			s.logger.Warn("lazy expiry failed", slog.String("reservation_id", id.String()), slog.Any("err", err))
		}
		unlock()
		return nil, nil, ErrHoldExpired
	}

	return cur, unlock, nil
}

// save writes next over cur inside a transaction. It fails with
// ErrConcurrentUpdate when the stored row moved on since cur was read.
func (s *Service) save(ctx context.Context, cur, next *domain.Reservation, hooks ...uow.AfterCommit) error {
	next.UpdatedAt = s.now()

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.Tx, after func(uow.AfterCommit)) error {
		stored, err := tx.Reservations().GetForUpdate(ctx, cur.ID)
		if err != nil {
			return err
		}

		if stored.Version != cur.Version {
			return ErrConcurrentUpdate
		}

		if err := tx.Reservations().Update(ctx, next); err != nil {
			if errors.Is(err, repository.ErrStaleVersion) {
				return ErrConcurrentUpdate
			}
			return err
		}

		for _, h := range hooks {
			after(h)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return nil
}

// withTimeout bounds a call to an external collaborator.
func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.ExternalCallTimeout)
}

func (s *Service) loadField(ctx context.Context, fieldID int64) (*domain.Field, error) {
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()

	f, err := s.catalog.GetField(cctx, fieldID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrFieldNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	return f, nil
}

func lockOf(r *domain.Reservation) availability.Lock {
	l := availability.Lock{
		ID:      r.LockID,
		FieldID: r.FieldID,
		Date:    r.Date,
		Start:   r.Start,
		End:     r.End,
	}
	if r.State != domain.StateConfirmed {
		l.ExpiresAt = r.HoldExpiresAt
	}
	return l
}

func (s *Service) releaseLock(ctx context.Context, r *domain.Reservation) {
	if r.LockID == uuid.Nil {
		return
	}

	if err := s.index.Release(ctx, lockOf(r)); err != nil {
		s.logger.Error("release lock",
			slog.String("reservation_id", r.ID.String()),
			slog.Any("err", err),
		)
	}
}

func (s *Service) notifyAvailability(ctx context.Context, r *domain.Reservation) {
	if s.notifier == nil || r.FacilityID == 0 {
		return
	}

	if err := s.notifier.PublishAvailabilityChanged(ctx, r.FacilityID, r.Date); err != nil {
		s.logger.Warn("publish availability change", slog.Any("err", err))
	}
}

func (s *Service) publish(ctx context.Context, routingKey string, r *domain.Reservation) {
	if s.events == nil {
		return
	}

	if err := s.events.Publish(ctx, routingKey, r); err != nil {
		s.logger.Warn("publish event",
			slog.String("routing_key", routingKey),
			slog.String("reservation_id", r.ID.String()),
			slog.Any("err", err),
		)
	}
}

func (s *Service) startSpan(ctx context.Context, name string, id uuid.UUID) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "reservation."+name)
	if id != uuid.Nil {
		span.SetAttributes(reservationAttr(id))
	}
	return ctx, span
}

func reservationAttr(id uuid.UUID) attribute.KeyValue {
	return attribute.String("reservation.id", id.String())
}

func (s *Service) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("%s:%w", op, err)
}

// keyedMutex serializes transitions of the same reservation within the
// process. Entries are dropped once nobody holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*keyedEntry)}
}

func (k *keyedMutex) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
