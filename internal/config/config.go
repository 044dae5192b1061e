package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server      ServerConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Rabbit      RabbitConfig
	Omise       OmiseConfig
	Reservation ReservationConfig
	Tracing     TracingConfig
}

type ServerConfig struct {
	Host string `envconfig:"SERVER_HOST" default:"localhost"`
	Port int    `envconfig:"SERVER_PORT" default:"8080"`
	// RateLimit is the number of reservation creates allowed per client per
	// RateWindow.
	RateLimit  int           `envconfig:"RATE_LIMIT" default:"10"`
	RateWindow time.Duration `envconfig:"RATE_WINDOW" default:"1m"`
	IdemTTL    time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"2h"`
}

type PostgresConfig struct {
	User     string `envconfig:"POSTGRES_USER" required:"true"`
	Password string `envconfig:"POSTGRES_PASSWORD" required:"true"`
	Name     string `envconfig:"POSTGRES_DB" required:"true"`
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
	MaxConns int32  `envconfig:"POSTGRES_MAX_CONNS" default:"0"`
}

// DSN renders the pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Name, p.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string        `envconfig:"REDIS_ADDR" default:"localhost:6380"`
	Password string        `envconfig:"REDIS_PASSWORD"`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	PoolSize int           `envconfig:"REDIS_POOL_SIZE" default:"0"`
	FieldTTL time.Duration `envconfig:"FIELD_CACHE_TTL" default:"5m"`
	SlotsTTL time.Duration `envconfig:"SLOTS_CACHE_TTL" default:"15s"`
}

type RabbitConfig struct {
	URL string `envconfig:"RABBIT_URL"`
	// ReservationExchange receives reservation.* and payment.mismatch events.
	ReservationExchange string `envconfig:"RESERVATION_EXCHANGE" default:"reservation.exchange"`
	PaymentExchange     string `envconfig:"PAYMENT_EXCHANGE" default:"payment.exchange"`
	PaymentQueue        string `envconfig:"RESERVATION_PAYMENT_QUEUE" default:"reservation.payment.q"`
	DeadLetterExchange  string `envconfig:"PAYMENT_DLX" default:"payment.dlx"`
	Prefetch            int    `envconfig:"RABBIT_PREFETCH" default:"16"`
}

type OmiseConfig struct {
	PublicKey string `envconfig:"OMISE_PUBLIC_KEY"`
	SecretKey string `envconfig:"OMISE_SECRET_KEY"`
	Currency  string `envconfig:"OMISE_CURRENCY" default:"thb"`
	ReturnURI string `envconfig:"OMISE_RETURN_URI"`
}

type ReservationConfig struct {
	DraftTTL            time.Duration `envconfig:"DRAFT_TTL" default:"30m"`
	HoldTTL             time.Duration `envconfig:"HOLD_TTL" default:"10m"`
	SweepInterval       time.Duration `envconfig:"HOLD_SWEEP_INTERVAL" default:"15s"`
	SweepBatch          int           `envconfig:"HOLD_SWEEP_BATCH" default:"100"`
	ExternalCallTimeout time.Duration `envconfig:"EXTERNAL_CALL_TIMEOUT" default:"3s"`
	// AvailabilityBackend is memory for a single instance, redis when several
	// instances share one index.
	AvailabilityBackend string `envconfig:"AVAILABILITY_BACKEND" default:"redis"`
	TimeZone            string `envconfig:"FACILITY_TZ" default:"Asia/Bangkok"`
}

type TracingConfig struct {
	Endpoint    string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `envconfig:"OTEL_SERVICE_NAME" default:"fieldbook"`
	Environment string `envconfig:"ENV" default:"dev"`
}

func New() (*Config, error) {
	const op = "config.New"

	_ = godotenv.Load()

	var cfg Config

	// Sections are decoded one by one so their keys stay unprefixed.
	sections := []any{
		&cfg.Server, &cfg.Postgres, &cfg.Redis, &cfg.Rabbit,
		&cfg.Omise, &cfg.Reservation, &cfg.Tracing,
	}
	for _, sec := range sections {
		if err := envconfig.Process("", sec); err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
	}

	switch cfg.Reservation.AvailabilityBackend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("%s: invalid AVAILABILITY_BACKEND %q", op, cfg.Reservation.AvailabilityBackend)
	}

	if cfg.Omise.SecretKey != "" && cfg.Omise.PublicKey == "" {
		return nil, fmt.Errorf("%s: missing OMISE_PUBLIC_KEY", op)
	}

	return &cfg, nil
}
