package httpgin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/fieldbook/internal/availability"
	"github.com/kirinyoku/fieldbook/internal/domain"
	"github.com/kirinyoku/fieldbook/internal/repository"
	"github.com/kirinyoku/fieldbook/internal/repository/memory"
	redisrepo "github.com/kirinyoku/fieldbook/internal/repository/redis"
	"github.com/kirinyoku/fieldbook/internal/service"
	"github.com/kirinyoku/fieldbook/internal/service/reservation"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := RegisterValidators(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type catalogStub struct {
	fields   map[int64]domain.Field
	services map[int64]int64
}

func (c *catalogStub) GetField(_ context.Context, id int64) (*domain.Field, error) {
	f, ok := c.fields[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &f, nil
}

func (c *catalogStub) ListFields(_ context.Context, facilityID int64) ([]domain.Field, error) {
	var out []domain.Field
	for _, f := range c.fields {
		if f.FacilityID == facilityID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (c *catalogStub) GetServicePrice(_ context.Context, id int64) (int64, error) {
	p, ok := c.services[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	return p, nil
}

type gatewayStub struct {
	n atomic.Int64
}

func (g *gatewayStub) RequestPayment(context.Context, reservation.PaymentRequest) (reservation.PaymentIntent, error) {
	n := g.n.Add(1)
	return reservation.PaymentIntent{
		Ref:         fmt.Sprintf("chrg_test_%d", n),
		RedirectURL: fmt.Sprintf("https://pay.example/%d", n),
	}, nil
}

// webhookStub trusts bodies of the form {"id":..,"ref":..,"status":..,"amount":..}.
type webhookStub struct{}

func (webhookStub) Verify(_ context.Context, body []byte) (domain.Callback, bool, error) {
	var in struct {
		ID     string `json:"id"`
		Ref    string `json:"ref"`
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	}
	if err := json.Unmarshal(body, &in); err != nil || in.ID == "" {
		return domain.Callback{}, false, errors.New("unverified")
	}

	cb := domain.Callback{EventID: in.ID, PaymentRef: in.Ref, AmountPaid: in.Amount}
	switch in.Status {
	case "successful":
		cb.Outcome = domain.PaymentSuccess
	case "failed":
		cb.Outcome = domain.PaymentFailure
	default:
		return domain.Callback{}, false, nil
	}
	return cb, true, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type testServer struct {
	router *gin.Engine
	store  *memory.Store
}

func newTestServer(t *testing.T, rateLimit int) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &clock{t: time.Date(2025, 3, 7, 3, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	catalog := &catalogStub{
		fields: map[int64]domain.Field{
			1: {
				ID:         1,
				FacilityID: 10,
				Name:       "Court A",
				SportIDs:   []int64{7},
				OpenAt:     domain.NewClockTime(6, 0),
				CloseAt:    domain.NewClockTime(23, 0),
				BasePrice:  300_000,
				PeakWindows: []domain.PeakWindow{{
					Start:           domain.NewClockTime(18, 0),
					End:             domain.NewClockTime(21, 0),
					IncreasePercent: 20,
				}},
				Status: domain.FieldActive,
			},
		},
		services: map[int64]int64{1: 150_000},
	}
	cache := redisrepo.New(rdb)

	svcs := service.NewServices(reservation.Deps{
		Tx:       store,
		Reader:   store.Reservations(),
		Catalog:  catalog,
		Vouchers: store.Vouchers(),
		Index:    availability.NewMemory(clk.Now),
		Gateway:  &gatewayStub{},
		Logger:   logger,
		Now:      clk.Now,
	}, catalog, cache, logger, service.Config{})

	router := NewRouter(svcs, Deps{
		Idem:    redisrepo.NewIdempotencyStore(rdb, time.Hour),
		Limiter: redisrepo.NewSlidingWindowLimiter(rdb, "reservations", rateLimit, time.Minute, clk.Now),
		Webhook: webhookStub{},
	}, logger)

	return &testServer{router: router, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-1")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func peakSlot() SlotRequest {
	return SlotRequest{FieldID: 1, SportID: 7, Date: "2025-03-07", Start: "18:00", End: "19:00"}
}

func TestReservationLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, 100)
	s.store.PutVoucher(domain.Voucher{
		ID:          "SPRING",
		Type:        domain.VoucherPercent,
		Value:       10,
		MinOrder:    200_000,
		MaxDiscount: 50_000,
		Remaining:   3,
		ValidFrom:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:     time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	})

	w := s.do(t, http.MethodPost, "/reservations", peakSlot())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[domain.Reservation](t, w)
	assert.Equal(t, domain.StateFieldSelected, res.State)
	assert.Equal(t, int64(360_000), res.Pricing.Total)
	assert.Equal(t, "user-1", res.UserID)

	path := "/reservations/" + res.ID.String()

	w = s.do(t, http.MethodPut, path+"/services", SetServicesRequest{
		Services: []ServiceLineInput{{ServiceID: 1, Quantity: 1}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(510_000), decode[domain.Reservation](t, w).Pricing.Total)

	w = s.do(t, http.MethodPut, path+"/voucher", ApplyVoucherRequest{VoucherID: "SPRING"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(460_000), decode[domain.Reservation](t, w).Pricing.Total)

	w = s.do(t, http.MethodPost, path+"/payment", RequestPaymentRequest{Method: "card", Token: "tokn_1"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	pay := decode[PaymentResponse](t, w)
	assert.Equal(t, domain.StatePaymentPending, pay.State)
	assert.Equal(t, "chrg_test_1", pay.PaymentRef)

	callback := map[string]any{"id": "evnt_1", "ref": pay.PaymentRef, "status": "successful", "amount": 460_000}
	w = s.do(t, http.MethodPost, "/payments/callback", callback)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"confirmed"}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/payments/callback", callback)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"duplicate"}`, w.Body.String())

	w = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StateConfirmed, decode[domain.Reservation](t, w).State)

	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	w = s.do(t, http.MethodGet, path, nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = s.do(t, http.MethodPost, path+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "confirmed reservations are final")
}

func TestCreateReservationConflict(t *testing.T) {
	s := newTestServer(t, 100)

	w := s.do(t, http.MethodPost, "/reservations", peakSlot())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	overlap := peakSlot()
	overlap.Start, overlap.End = "18:30", "19:30"
	w = s.do(t, http.MethodPost, "/reservations", overlap)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "slot unavailable", decode[ErrorResponse](t, w).Error)
}

func TestCreateReservationIdempotencyKey(t *testing.T) {
	s := newTestServer(t, 100)

	first := s.do(t, http.MethodPost, "/reservations", peakSlot(), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := s.do(t, http.MethodPost, "/reservations", peakSlot(), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())
	assert.Equal(t, "k-1", second.Header().Get("Idempotency-Key"))

	assert.Equal(t,
		decode[domain.Reservation](t, first).ID,
		decode[domain.Reservation](t, second).ID,
	)

	other := peakSlot()
	other.Start, other.End = "08:00", "09:00"
	reused := s.do(t, http.MethodPost, "/reservations", other, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)
}

func TestCreateReservationRateLimited(t *testing.T) {
	s := newTestServer(t, 1)

	w := s.do(t, http.MethodPost, "/reservations", peakSlot())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	other := peakSlot()
	other.Start, other.End = "08:00", "09:00"
	w = s.do(t, http.MethodPost, "/reservations", other)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t, 100)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{
			name:   "bad time format",
			method: http.MethodPost,
			path:   "/reservations",
			body:   SlotRequest{FieldID: 1, SportID: 7, Date: "2025-03-07", Start: "6pm", End: "19:00"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "bad date",
			method: http.MethodPost,
			path:   "/reservations",
			body:   SlotRequest{FieldID: 1, SportID: 7, Date: "07/03/2025", Start: "18:00", End: "19:00"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "end before start",
			method: http.MethodPost,
			path:   "/reservations",
			body:   SlotRequest{FieldID: 1, SportID: 7, Date: "2025-03-07", Start: "19:00", End: "18:00"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown field",
			method: http.MethodPost,
			path:   "/reservations",
			body:   SlotRequest{FieldID: 99, SportID: 7, Date: "2025-03-07", Start: "18:00", End: "19:00"},
			want:   http.StatusNotFound,
		},
		{
			name:   "before opening",
			method: http.MethodPost,
			path:   "/reservations",
			body:   SlotRequest{FieldID: 1, SportID: 7, Date: "2025-03-07", Start: "05:00", End: "07:00"},
			want:   http.StatusUnprocessableEntity,
		},
		{
			name:   "malformed id",
			method: http.MethodGet,
			path:   "/reservations/not-a-uuid",
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown reservation",
			method: http.MethodGet,
			path:   "/reservations/6f1c2b9e-8d0a-4c55-9b8e-0f4f7d0c1a11",
			want:   http.StatusNotFound,
		},
		{
			name:   "zero quantity",
			method: http.MethodPut,
			path:   "/reservations/6f1c2b9e-8d0a-4c55-9b8e-0f4f7d0c1a11/services",
			body:   SetServicesRequest{Services: []ServiceLineInput{{ServiceID: 1, Quantity: 0}}},
			want:   http.StatusBadRequest,
		},
		{
			name:   "slots without sport",
			method: http.MethodGet,
			path:   "/facilities/10/slots?date=2025-03-07",
			want:   http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestGetSlots(t *testing.T) {
	s := newTestServer(t, 100)

	w := s.do(t, http.MethodPost, "/reservations", peakSlot())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/facilities/10/slots?sport_id=7&date=2025-03-08", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decode[SlotsResponse](t, w)
	require.Len(t, got.Fields, 1)
	assert.Equal(t, []domain.Interval{{Start: domain.NewClockTime(6, 0), End: domain.NewClockTime(23, 0)}},
		got.Fields[0].FreeIntervals)

	w = s.do(t, http.MethodGet, "/facilities/10/slots?sport_id=7&date=2025-03-07", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got = decode[SlotsResponse](t, w)
	require.Len(t, got.Fields, 1)
	assert.Equal(t, []domain.Interval{
		{Start: domain.NewClockTime(6, 0), End: domain.NewClockTime(18, 0)},
		{Start: domain.NewClockTime(19, 0), End: domain.NewClockTime(23, 0)},
	}, got.Fields[0].FreeIntervals)
}

func TestPaymentCallbackEdgeCases(t *testing.T) {
	s := newTestServer(t, 100)

	w := s.do(t, http.MethodPost, "/payments/callback", map[string]any{"nope": true})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/payments/callback", map[string]any{"id": "evnt_2", "status": "pending"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/payments/callback",
		map[string]any{"id": "evnt_3", "ref": "chrg_unknown", "status": "successful", "amount": 1})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"unknown_reference"}`, w.Body.String())
}

func TestEtagMatches(t *testing.T) {
	tag := etag([]byte(`{"a":1}`), true)

	assert.True(t, etagMatches(tag, tag))
	assert.True(t, etagMatches(`"x", `+tag, tag))
	assert.True(t, etagMatches("*", tag))
	assert.True(t, etagMatches(tag[2:], tag), "weak comparison ignores W/")
	assert.False(t, etagMatches("", tag))
	assert.False(t, etagMatches(`"other"`, tag))
}
