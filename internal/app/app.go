package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kirinyoku/fieldbook/internal/availability"
	"github.com/kirinyoku/fieldbook/internal/config"
	"github.com/kirinyoku/fieldbook/internal/gateway"
	"github.com/kirinyoku/fieldbook/internal/mq"
	"github.com/kirinyoku/fieldbook/internal/obs"
	"github.com/kirinyoku/fieldbook/internal/postgres"
	"github.com/kirinyoku/fieldbook/internal/redis"
	postgresrepo "github.com/kirinyoku/fieldbook/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/fieldbook/internal/repository/redis"
	"github.com/kirinyoku/fieldbook/internal/service"
	"github.com/kirinyoku/fieldbook/internal/service/payment"
	"github.com/kirinyoku/fieldbook/internal/service/query"
	"github.com/kirinyoku/fieldbook/internal/service/reservation"
	httpgin "github.com/kirinyoku/fieldbook/internal/transport/http/gin"
)

const version = "0.1.0"

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	services   *service.Services
	bus        *redisrepo.AvailabilityBus

	pool      *pgxpool.Pool
	rdb       *goredis.Client
	publisher *mq.Publisher
	consumer  *mq.Consumer

	shutdownTracer func(context.Context) error
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg

	var err error

	a.shutdownTracer, err = obs.InitTracer(ctx, obs.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Reservation.TimeZone)
	if err != nil {
		return fmt.Errorf("invalid FACILITY_TZ: %w", err)
	}

	// Initialize dependencies
	a.pool, err = postgres.New(ctx, postgres.Config{DSN: cfg.Postgres.DSN(), MaxConns: cfg.Postgres.MaxConns})
	if err != nil {
		return fmt.Errorf("failed to initialize postgres: %w", err)
	}

	if err := postgres.Migrate(ctx, a.pool); err != nil {
		return fmt.Errorf("failed to migrate postgres: %w", err)
	}

	a.rdb, err = redis.New(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}

	pay, err := gateway.NewOmise(gateway.Config{
		PublicKey: cfg.Omise.PublicKey,
		SecretKey: cfg.Omise.SecretKey,
		Currency:  cfg.Omise.Currency,
		ReturnURI: cfg.Omise.ReturnURI,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize omise: %w", err)
	}

	// Initialize repositories
	store := postgresrepo.NewStore(a.pool)
	cache := redisrepo.New(a.rdb)
	catalog := redisrepo.NewCachedCatalog(store.Catalog(), cache, cfg.Redis.FieldTTL)
	a.bus = redisrepo.NewAvailabilityBus(a.rdb, a.logger)

	var index availability.Index
	switch cfg.Reservation.AvailabilityBackend {
	case "memory":
		index = availability.NewMemory(nil)
	default:
		index = availability.NewRedis(a.rdb, nil)
	}

	deps := reservation.Deps{
		Tx:       store,
		Reader:   store.Reservations(),
		Catalog:  catalog,
		Vouchers: store.Vouchers(),
		Index:    index,
		Gateway:  pay,
		Notifier: a.bus,
		Logger:   a.logger,
	}

	if cfg.Rabbit.URL != "" {
		a.publisher, err = mq.NewPublisher(cfg.Rabbit.URL, cfg.Rabbit.ReservationExchange)
		if err != nil {
			return fmt.Errorf("failed to initialize publisher: %w", err)
		}
		deps.Events = a.publisher

		a.consumer, err = mq.NewConsumer(mq.ConsumerConfig{
			URL:                cfg.Rabbit.URL,
			Exchange:           cfg.Rabbit.PaymentExchange,
			Queue:              cfg.Rabbit.PaymentQueue,
			Bindings:           []string{payment.RoutingPaid, payment.RoutingFailed},
			Prefetch:           cfg.Rabbit.Prefetch,
			DeadLetterExchange: cfg.Rabbit.DeadLetterExchange,
			Tag:                cfg.Tracing.ServiceName,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize consumer: %w", err)
		}
	} else {
		a.logger.Warn("RABBIT_URL not set, domain events are not published")
	}

	// Initialize services
	a.services = service.NewServices(deps, catalog, cache, a.logger, service.Config{
		Reservation: reservation.Config{
			DraftTTL:            cfg.Reservation.DraftTTL,
			HoldTTL:             cfg.Reservation.HoldTTL,
			ExternalCallTimeout: cfg.Reservation.ExternalCallTimeout,
			SweepBatch:          cfg.Reservation.SweepBatch,
			Location:            loc,
		},
		Query: query.Config{SlotsTTL: cfg.Redis.SlotsTTL},
	})

	// Initialize Gin router
	if err := httpgin.RegisterValidators(); err != nil {
		return fmt.Errorf("failed to register validators: %w", err)
	}

	router := httpgin.NewRouter(a.services, httpgin.Deps{
		Idem:    redisrepo.NewIdempotencyStore(a.rdb, cfg.Server.IdemTTL),
		Limiter: redisrepo.NewSlidingWindowLimiter(a.rdb, "reservations", cfg.Server.RateLimit, cfg.Server.RateWindow, nil),
		Webhook: pay,
	}, a.logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer a.close()

	restored, err := a.services.Reservation.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore availability: %w", err)
	}
	a.logger.Info("availability restored", slog.Int("locks", restored))

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.sweep(gCtx)
		return nil
	})

	g.Go(func() error {
		return a.bus.Subscribe(gCtx, a.services.Query.Invalidate)
	})

	if a.consumer != nil {
		g.Go(func() error {
			return a.consumer.Run(gCtx, a.services.Payment)
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

// sweep expires overdue reservations until ctx is done.
func (a *App) sweep(ctx context.Context) {
	t := time.NewTicker(a.cfg.Reservation.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.services.Reservation.ExpireDue(ctx)
			if err != nil && ctx.Err() == nil {
				a.logger.Error("hold sweep", slog.Any("err", err))
			}
			if n > 0 {
				a.logger.Info("hold sweep", slog.Int("expired", n))
			}
		}
	}
}

func (a *App) close() {
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracer(ctx); err != nil {
			a.logger.Warn("tracer shutdown", slog.Any("err", err))
		}
	}
}
