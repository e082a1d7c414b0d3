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

	"consult-platform/internal/audit"
	"consult-platform/internal/auth"
	"consult-platform/internal/billing"
	"consult-platform/internal/calls"
	"consult-platform/internal/config"
	"consult-platform/internal/httpapi"
	"consult-platform/internal/media"
	"consult-platform/internal/metrics"
	"consult-platform/internal/notify"
	"consult-platform/internal/pricing"
	"consult-platform/internal/reporting"
	"consult-platform/internal/wallet"
	"consult-platform/internal/watchdog"
	"consult-platform/pkg/logger"
	"consult-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	var (
		db *sql.DB
		st stores
	)
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory store; state is lost on restart")
		st = memoryStores()
	default:
		db, err = utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PoolConfig{MaxConns: cfg.DB.MaxConns})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		if cfg.Store.Migrate {
			if err := utils.Migrate(rootCtx, db); err != nil {
				log.Error("migrations failed", "err", err)
				os.Exit(1)
			}
		}
		st = postgresStores(db)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	m := metrics.New()
	app, err := newApp(cfg, st, rdb, m, log)
	if err != nil {
		log.Error("app init failed", "err", err)
		os.Exit(1)
	}
	if app.relay != nil {
		go func() {
			if err := app.relay.Run(rootCtx); err != nil {
				log.Error("event relay stopped", "err", err)
			}
		}()
	}
	app.handlers.Auth = authManager
	app.handlers.Ping = func(c *gin.Context) error {
		if db != nil {
			if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
				return err
			}
		}
		if rdb != nil {
			return rdb.Ping(c.Request.Context()).Err()
		}
		return nil
	}

	if err := app.watchdog.Start(cfg.Calls.WatchdogSchedule); err != nil {
		log.Error("watchdog start failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(m.Middleware())

	registerRoutes(r, app.handlers, auth.RequireAccessToken(authManager), routeOptions{
		MinBalanceMinutes: int64(cfg.Billing.MinBalanceMinutes),
		Metrics:           m,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := app.watchdog.Stop(shutdownCtx); err != nil {
		log.Error("watchdog stop failed", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// Settlements started by the last requests finish before the pools close.
	app.billing.Wait()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

// stores bundles the persistence-backed dependencies of one store driver.
type stores struct {
	calls  calls.Store
	wallet wallet.Ledger
	rates  pricing.RateRepository
	audit  audit.Repository
}

func memoryStores() stores {
	return stores{
		calls:  calls.NewMemoryStore(),
		wallet: wallet.NewMemoryService(),
		rates:  pricing.NewMemoryRepo(),
		audit:  audit.NewMemoryRepo(),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		calls:  calls.NewPostgresStore(db),
		wallet: wallet.NewService(db),
		rates:  pricing.NewPostgresRepo(db),
		audit:  audit.NewPostgresRepo(db),
	}
}

type services struct {
	handlers httpapi.Handlers
	billing  *billing.Engine
	watchdog *watchdog.Watchdog
	relay    *notify.RedisRelay
}

// newApp wires the services on top of st. rdb is optional: without it events stay
// in process and the watchdog runs unlocked.
func newApp(cfg config.Config, st stores, rdb *redis.Client, m *metrics.Metrics, log *slog.Logger) (*services, error) {
	bus := notify.NewBus(cfg.Notify.Buffer, m)
	var (
		publisher calls.Publisher = bus
		relay     *notify.RedisRelay
	)
	if rdb != nil {
		relay = notify.NewRedisRelay(rdb, bus, "")
		relay.Metrics = m
		relay.Log = log
		publisher = relay
	}
	store := calls.WithNotifications(st.calls, publisher)

	provisioner, err := media.NewLiveKitProvisioner(media.LiveKitConfig{
		APIKey:    cfg.LiveKit.APIKey,
		APISecret: cfg.LiveKit.APISecret,
		WSURL:     cfg.LiveKit.WSURL,
		TokenTTL:  cfg.LiveKit.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	auditSvc := audit.NewService(st.audit)
	pricingSvc := pricing.NewService(st.rates, cfg.Billing.DefaultRateMinor, cfg.Billing.Currency)
	queue := calls.NewQueueManager(store, m)

	biller := billing.NewEngine(store, pricingSvc, st.wallet)
	biller.SharePercent = int64(cfg.Billing.ConsultantSharePercent)
	biller.Audit = auditSvc
	biller.Metrics = m
	biller.Log = log

	engine := calls.NewEngine(store, queue, provisioner)
	engine.Settler = biller
	engine.Publisher = publisher
	engine.Audit = auditSvc
	engine.Metrics = m

	wd := watchdog.New(store, engine, biller, watchdog.Config{
		PendingTimeout: cfg.Calls.PendingTimeout,
		QueuedTimeout:  cfg.Calls.QueuedTimeout,
		MaxDuration:    cfg.Calls.MaxDuration,
	})
	wd.Metrics = m
	wd.Log = log
	if rdb != nil {
		wd.Lock = watchdog.NewRedisLocker(rdb, 0)
	}

	return &services{
		handlers: httpapi.Handlers{
			Calls:   engine,
			Store:   store,
			Queue:   queue,
			Billing: biller,
			Wallet:  st.wallet,
			Pricing: pricingSvc,
			Reports: reporting.NewService(store),
			Audit:   auditSvc,
			Bus:     bus,

			Webhook: httpapi.WebhookConfig{
				APIKey:    cfg.LiveKit.APIKey,
				APISecret: cfg.LiveKit.APISecret,
			},

			Currency:   cfg.Billing.Currency,
			AllowLogin: !cfg.IsProduction(),
		},
		billing:  biller,
		watchdog: wd,
		relay:    relay,
	}, nil
}
