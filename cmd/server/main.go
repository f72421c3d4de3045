package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/escrow-reservation/internal/config"
	"github.com/iliyamo/escrow-reservation/internal/database"
	"github.com/iliyamo/escrow-reservation/internal/escrow"
	"github.com/iliyamo/escrow-reservation/internal/handler"
	"github.com/iliyamo/escrow-reservation/internal/ledger"
	"github.com/iliyamo/escrow-reservation/internal/middleware"
	"github.com/iliyamo/escrow-reservation/internal/queue"
	"github.com/iliyamo/escrow-reservation/internal/reconcile"
	"github.com/iliyamo/escrow-reservation/internal/repository"
	"github.com/iliyamo/escrow-reservation/internal/router"
	"github.com/iliyamo/escrow-reservation/internal/service"
	"github.com/iliyamo/escrow-reservation/internal/settlement"
	"github.com/iliyamo/escrow-reservation/internal/ttlstore"
)

func main() {
	_ = godotenv.Load() // .env is optional

	log := newLogger(os.Getenv("APP_ENV"))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(env string) *slog.Logger {
	if env == "prod" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// stores bundles the persistence backends selected by STORAGE.
type stores struct {
	catalog      service.CatalogStore
	reservations service.ReservationStore
	locator      reconcile.Locator
	db           *sql.DB
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (stores, error) {
	if cfg.Storage == config.StorageMemory {
		mem := repository.NewMemoryStore()
		if cfg.CatalogSeedFile != "" {
			if err := mem.LoadCatalogFile(cfg.CatalogSeedFile); err != nil {
				return stores{}, err
			}
		}
		log.Warn("using in-memory storage; data is lost on restart")
		return stores{catalog: mem, reservations: mem, locator: mem}, nil
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return stores{}, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return stores{}, err
	}
	res := repository.NewReservationRepo(db)
	return stores{catalog: repository.NewCatalogRepo(db), reservations: res, locator: res, db: db}, nil
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	// Redis backs nonces, dedupe claims, rate limits and the slot cache.
	// Without it everything falls back to in-process stores.
	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		log.Warn("redis unavailable; using in-process stores", "error", err)
	}
	var (
		ttl       ttlstore.Store = ttlstore.NewMemoryStore(ttlstore.DefaultMemorySize, reconcile.DefaultDedupeTTL)
		scripter  redis.Scripter
		cacheable redis.Cmdable
	)
	if rdb != nil {
		defer rdb.Close()
		ttl = ttlstore.NewRedisStore(rdb, "escrow")
		scripter, cacheable = rdb, rdb
	}

	ledgerClient := ledger.NewRPCClient(ledger.Options{
		RPCURL:            cfg.LedgerRPCURL,
		WSURL:             cfg.LedgerWSURL,
		RequestsPerSecond: cfg.LedgerRPS,
		Logger:            log,
	})
	pctx, cancel := context.WithTimeout(ctx, cfg.LedgerVerifyTimeout)
	if err := ledgerClient.Ping(pctx); err != nil {
		log.Warn("ledger not reachable at startup", "error", err)
	}
	cancel()

	deriver, err := escrow.NewDeriver(cfg.ProgramID)
	if err != nil {
		return err
	}
	engine, err := settlement.New(cfg.UnitRate, cfg.CommissionBps)
	if err != nil {
		return err
	}

	svc := service.NewReservationService(st.catalog, st.reservations, deriver, engine).
		WithVerifier(ledgerClient).
		WithLogger(log).
		WithVerifyTimeout(cfg.LedgerVerifyTimeout)

	if cfg.RabbitMQURL != "" {
		pub := service.NewAMQPPublisher(cfg.RabbitMQURL, log)
		defer pub.Close()
		svc.WithPublisher(pub)

		audit := queue.NewAuditConsumer(cfg.RabbitMQURL, cfg.AuditLogPath, log)
		go func() {
			if err := audit.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit consumer stopped", "error", err)
			}
		}()
	}

	rec := reconcile.New(ledgerClient, cfg.ProgramID, st.locator, svc, ttl).
		WithLogger(log).
		WithVerifyTimeout(cfg.LedgerVerifyTimeout).
		WithWorkers(cfg.ReconcileWorkers)
	if cfg.LedgerWSURL != "" {
		sub, err := rec.Start(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Stop(sub); err != nil {
				log.Warn("stop ledger subscription", "error", err)
			}
		}()
	} else {
		log.Warn("LEDGER_WS_URL not set; relying on webhooks and manual sync")
	}

	checks := map[string]handler.Check{"ledger": ledgerClient.Ping}
	if st.db != nil {
		checks["database"] = st.db.PingContext
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			log.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: cfg.AllowedOrigins}))
	e.Use(middleware.NewTokenBucket(config.LoadRateLimitConfig(), scripter, log))

	cacheCfg := config.LoadCacheConfig()
	slotGen := middleware.NewCacheGeneration(cacheCfg, cacheable)
	router.RegisterRoutes(e, router.Handlers{
		Health:        handler.Health(checks),
		Auth:          handler.NewAuthHandler(cfg.JWTSecret, cfg.AccessTTLMin, ttl),
		Slots:         handler.NewSlotHandler(svc),
		Reservations:  handler.NewReservationHandler(svc),
		Webhooks:      handler.NewWebhookHandler(rec),
		SlotCache:     middleware.ResponseCache(cacheCfg, cacheable, slotGen),
		SlotCacheBust: middleware.InvalidateOnWrite(slotGen),
	}, router.Secrets{JWT: cfg.JWTSecret, Webhook: cfg.WebhookSecret})

	errc := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		log.Info("listening", "addr", addr, "env", cfg.Env, "storage", cfg.Storage)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	return e.Shutdown(sctx)
}
