package router

import (
	"fmt"
	"net/http"
	"time"

	escrowsvc "milestone-escrow/internal/application/escrow"
	"milestone-escrow/internal/application/ledger"
	"milestone-escrow/internal/application/penalty"
	"milestone-escrow/internal/application/withdrawal"
	"milestone-escrow/internal/config"
	"milestone-escrow/internal/infrastructure/chain"
	"milestone-escrow/internal/infrastructure/database"
	"milestone-escrow/internal/infrastructure/lock"
	authhandler "milestone-escrow/internal/interfaces/handlers/auth"
	escrowhandler "milestone-escrow/internal/interfaces/handlers/escrow"
	healthhandler "milestone-escrow/internal/interfaces/handlers/health"
	"milestone-escrow/internal/interfaces/handlers/ledgerhook"
	"milestone-escrow/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type gormDBPinger struct {
	db *gorm.DB
}

func (g *gormDBPinger) Ping() error {
	if g == nil || g.db == nil {
		return nil
	}
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Runtime holds what the process needs besides the HTTP app: connections to
// close on shutdown and the background reconciler.
type Runtime struct {
	DB         *gorm.DB
	Redis      *redis.Client
	Escrow     *escrowsvc.Service
	Reconciler *escrowsvc.Reconciler
}

// CreateApp opens the database and Redis from cfg, then builds the app.
func CreateApp(cfg *config.Config) (*fiber.App, *Runtime, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("database url is not configured for env %q", cfg.Env)
	}
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		rdb = redis.NewClient(opt)
	}
	return NewApp(cfg, db, rdb)
}

// buildLedger picks the book ledger when no gateway is configured, otherwise
// the HTTP gateway behind a circuit breaker. Exactly one of book and breaker is set.
func buildLedger(cfg *config.Config, db *gorm.DB) (ledger.Ledger, *chain.BookLedger, *chain.BreakerLedger) {
	if cfg.LedgerGatewayURL == "" {
		book := chain.NewBookLedger(db)
		return book, book, nil
	}
	gw := &chain.GatewayLedger{
		BaseURL: cfg.LedgerGatewayURL,
		APIKey:  cfg.LedgerGatewayKey,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
	breaker := chain.NewBreakerLedger(gw, "ledger-gateway", 5, 30*time.Second)
	return breaker, nil, breaker
}

// NewApp builds the Fiber app on open connections. rdb may be nil: sessions,
// health counters and the distributed lock are then disabled or local.
func NewApp(cfg *config.Config, db *gorm.DB, rdb *redis.Client) (*fiber.App, *Runtime, error) {
	dest, err := penalty.ParseDestination(cfg.PenaltyDestination)
	if err != nil {
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage:   true,
		ErrorHandler:            middleware.ErrorHandler(rdb),
		EnableTrustedProxyCheck: true,
	})

	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedSuffix: cfg.FrontendURLEndsWith,
		DevPassword:   cfg.DevPassword,
	}))
	app.Use(middleware.Tracing())
	app.Use(middleware.Metrics())
	if rdb != nil {
		app.Use(middleware.SessionFrom(rdb))
		app.Use(middleware.HealthMarker(rdb))
	}
	app.Use(middleware.RouteLogger())

	l, book, breaker := buildLedger(cfg, db)
	if book != nil {
		if err := book.Migrate(); err != nil {
			return nil, nil, fmt.Errorf("migrate book ledger: %w", err)
		}
	}

	var locker escrowsvc.Locker = lock.NewLocalLocker()
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb, lock.DefaultOptions())
	}

	svc := &escrowsvc.Service{
		DB:     db,
		Ledger: l,
		Locker: locker,
		Penalty: penalty.Calculator{
			Policy: penalty.Linear(cfg.PenaltyGrace, cfg.PenaltyBpsPerDay, cfg.PenaltyMaxBps),
		},
		Resolver:        withdrawal.Resolver{Destination: dest},
		Currency:        cfg.SettlementCurrency,
		PlatformAccount: cfg.PlatformAccount,
	}
	reconciler := &escrowsvc.Reconciler{Service: svc, Interval: cfg.ReconcileInterval}

	hh := &healthhandler.Handlers{
		Rdb:            rdb,
		DB:             &gormDBPinger{db: db},
		HealthAdminKey: cfg.HealthAdminKey,
	}
	if breaker != nil {
		hh.Ledger = breaker
	}
	app.Get("/", hh.Dashboard)
	app.Get("/reset", hh.Reset)
	app.Get("/health/json", hh.JSON)
	app.Get("/health/errors", hh.Errors)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	if cfg.LedgerWebhookSecret != "" {
		wh := &ledgerhook.WebhookHandler{Service: svc, WebhookSecret: cfg.LedgerWebhookSecret}
		app.Post("/webhooks/ledger", wh.HandleWebhook)
	}

	ah := &authhandler.Handlers{Rdb: rdb}
	authGroup := app.Group("/api/v1/auth")
	authGroup.Get("/me", ah.Me)
	authGroup.Delete("/logout", ah.Logout)

	eh := &escrowhandler.Handlers{Service: svc, Reconciler: reconciler}
	if book != nil {
		eh.Accruer = book
	}
	api := app.Group("/api/v1", middleware.RequireAuth())
	eh.Register(api)
	eh.RegisterAdmin(api)

	log.Info().
		Bool("gateway_ledger", breaker != nil).
		Bool("redis", rdb != nil).
		Str("currency", cfg.SettlementCurrency).
		Str("penalty_destination", string(dest)).
		Msg("escrow app configured")

	return app, &Runtime{DB: db, Redis: rdb, Escrow: svc, Reconciler: reconciler}, nil
}

// Close releases the connections held by the runtime.
func (r *Runtime) Close() {
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}
	if r.DB != nil {
		if sqlDB, err := r.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
