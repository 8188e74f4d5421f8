// Package app assembles the ledger components, their stores and the
// background loops from configuration. Every binary goes through Build so
// the api, worker and keeper processes share one wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/path-hq/pln-protocol-sub000/internal/auth"
	"github.com/path-hq/pln-protocol-sub000/internal/config"
	"github.com/path-hq/pln-protocol-sub000/internal/db"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/admin"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/reputation"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/router"
	"github.com/path-hq/pln-protocol-sub000/internal/http/handlers"
	"github.com/path-hq/pln-protocol-sub000/internal/jobs"
	"github.com/path-hq/pln-protocol-sub000/internal/keeper"
	"github.com/path-hq/pln-protocol-sub000/internal/repository/memory"
	postgresrepo "github.com/path-hq/pln-protocol-sub000/internal/repository/postgres"
	redisrepo "github.com/path-hq/pln-protocol-sub000/internal/repository/redis"
	"github.com/path-hq/pln-protocol-sub000/internal/server"
	"github.com/path-hq/pln-protocol-sub000/internal/ws"
	goredis "github.com/redis/go-redis/v9"
)

type outboxQueue interface {
	jobs.OutboxRepository
	admin.JobQueue
}

type App struct {
	cfg    config.Config
	logger *slog.Logger

	Reputation *reputation.Service
	Market     *market.Service
	Router     *router.Service
	Admin      *admin.Service
	Auth       *auth.Service
	Worker     *jobs.Worker
	Keeper     *keeper.Keeper
	Hub        *ws.Hub

	pinger handlers.Pinger
	bus    *redisrepo.EventBus
	pool   *pgxpool.Pool
	redis  *goredis.Client
}

type readyPinger struct{}

func (readyPinger) Ping(context.Context) error { return nil }

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logger: logger, Hub: ws.NewHub()}

	var (
		repStore    reputation.Store
		marketStore market.Store
		routerStore router.Store
		queue       outboxQueue
		auditRepo   admin.AuditRepository
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		ms := memory.NewMarketStore()
		repStore, marketStore, routerStore = memory.NewReputationStore(), ms, memory.NewRouterStore()
		queue, auditRepo = ms, memory.NewAuditStore()
		a.pinger = readyPinger{}
	case config.StorePostgres:
		pool, err := db.NewPostgresPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pool = pool
		repStore = postgresrepo.NewReputationRepository(pool)
		marketStore = postgresrepo.NewMarketRepository(pool)
		routerStore = postgresrepo.NewRouterRepository(pool)
		queue = postgresrepo.NewOutboxRepository(pool)
		auditRepo = postgresrepo.NewAdminAuditRepository(pool)
		a.pinger = pool
	}

	if cfg.RedisAddr != "" {
		client, err := redisrepo.Connect(ctx, redisrepo.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		a.bus = redisrepo.NewEventBus(client, logger)
	}

	a.Reputation = reputation.NewService(repStore, reputation.DefaultPolicy().Scaled(cfg.ReputationLimitScale))
	a.Market = market.NewService(marketStore, a.Reputation, market.Config{DefaultRateBps: cfg.MarketDefaultRateBps})
	a.Router = router.NewService(routerStore, a.Market, routerConfig(cfg), logger)
	a.Admin = admin.NewService(a.Router, queue, auditRepo)
	a.Auth = auth.NewService(auth.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSigningKey), cfg.JWTAccessTTL)
	a.Keeper = keeper.New(a.Market, cfg.KeeperIdentity, cfg.KeeperBatchSize, logger)

	a.Worker = jobs.NewWorker(queue, logger).
		Handle(a.Reputation, effect.TopicLoanOpened, effect.TopicRepayment, effect.TopicDefault).
		Handle(a.Router, effect.TopicPositionFunded, effect.TopicPositionRepaid, effect.TopicPositionImpaired, effect.TopicRateSignal)
	if a.redis != nil {
		a.Worker.WithDedup(redisrepo.NewEffectDedup(a.redis, cfg.DedupTTL))
	}
	if sink := a.broadcaster(); sink != nil {
		a.Worker.WithSink(ws.NewNotifier(sink, logger))
	}
	return a, nil
}

func routerConfig(cfg config.Config) router.Config {
	rc := router.DefaultConfig()
	rc.PassiveRateBps = cfg.RouterPassiveRateBps
	rc.MaxOfferBps = cfg.RouterMaxOfferBps
	rc.MaxDepositAmount = cfg.RouterMaxDepositAmount
	return rc
}

// broadcaster picks where push messages go: the redis bus when configured,
// the local hub when the worker shares the API process.
func (a *App) broadcaster() ws.Broadcaster {
	if a.bus != nil {
		return a.bus
	}
	if a.cfg.StoreDriver == config.StoreMemory {
		return a.Hub
	}
	return nil
}

func (a *App) Embedded() bool {
	return a.cfg.StoreDriver == config.StoreMemory
}

func (a *App) RouterDependencies() server.Dependencies {
	return server.Dependencies{
		Pinger:               a.pinger,
		Authenticator:        a.Auth,
		AgentHandler:         handlers.NewAgentHandler(a.Reputation),
		OfferHandler:         handlers.NewOfferHandler(a.Market),
		BorrowRequestHandler: handlers.NewBorrowRequestHandler(a.Market),
		LoanHandler:          handlers.NewLoanHandler(a.Market),
		PositionHandler:      handlers.NewPositionHandler(a.Router),
		AdminHandler:         handlers.NewAdminHandler(a.Admin, a.Auth),
		WSHandler:            ws.NewHandler(a.Hub),
	}
}

// RunWorker drains the outbox on every poll tick until ctx is done.
func (a *App) RunWorker(ctx context.Context) error {
	interval := a.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("worker started", "interval", interval.String(), "batch_size", a.cfg.WorkerBatchSize)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("worker stopped")
			return nil
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := a.Worker.Drain(runCtx, a.cfg.WorkerBatchSize)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("worker run failed", "err", err)
			}
		}
	}
}

func (a *App) RunKeeper(ctx context.Context) error {
	return a.Keeper.Run(ctx, a.cfg.KeeperSchedule)
}

// RunRelay feeds bus messages from other processes into the local hub.
func (a *App) RunRelay(ctx context.Context) error {
	if a.bus == nil {
		<-ctx.Done()
		return nil
	}
	err := a.bus.Relay(ctx, a.Hub.Publish)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Close() {
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
