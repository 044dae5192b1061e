package service

import (
	"log/slog"

	redisrepo "github.com/kirinyoku/fieldbook/internal/repository/redis"
	"github.com/kirinyoku/fieldbook/internal/service/payment"
	"github.com/kirinyoku/fieldbook/internal/service/query"
	"github.com/kirinyoku/fieldbook/internal/service/reservation"
)

type Services struct {
	Reservation *reservation.Service
	Query       *query.Service
	Payment     *payment.Reconciler
}

type Config struct {
	Reservation reservation.Config
	Query       query.Config
}

// NewServices builds the engine services over shared dependencies. The slot
// query reads the same availability index the reservation service locks.
func NewServices(
	deps reservation.Deps,
	catalog query.Catalog,
	cache *redisrepo.Cache,
	logger *slog.Logger,
	cfg Config,
) *Services {
	res := reservation.New(deps, cfg.Reservation)

	return &Services{
		Reservation: res,
		Query:       query.New(catalog, deps.Index, cache, logger, cfg.Query),
		Payment:     payment.NewReconciler(res, logger),
	}
}
