package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/app"
	"ridedispatch/internal/config"
	"ridedispatch/internal/handler"
	"ridedispatch/internal/middleware"
	"ridedispatch/internal/observability"
	internalRedis "ridedispatch/internal/redis"
	"ridedispatch/internal/repository"
	"ridedispatch/internal/repository/memory"
	"ridedispatch/internal/repository/postgres"
	"ridedispatch/internal/service"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, cleanup, err := observability.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := obs.Logger

	// Initialize New Relic FIRST (before database so we can instrument DB).
	var nrApp *newrelic.Application
	if cfg.NewRelic.Enabled && cfg.NewRelic.LicenseKey != "" {
		nrApp, err = newrelic.NewApplication(
			newrelic.ConfigAppName(cfg.NewRelic.AppName),
			newrelic.ConfigLicense(cfg.NewRelic.LicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
		)
		if err != nil {
			logger.Warn("failed to initialize New Relic", "error", err)
		} else {
			logger.Info("New Relic enabled", "app", cfg.NewRelic.AppName)
			defer nrApp.Shutdown(5 * time.Second)
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stores, closeStores, err := openStores(connectCtx, cfg, nrApp, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	redisClient, err := app.NewRedisClient(connectCtx, cfg.Redis, nrApp)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	} else {
		logger.Info("redis disabled; using in-process limits only")
	}

	router, err := wireRouter(cfg, stores, redisClient, nrApp, obs)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Server.Port, "store", cfg.Store.Backend, "auth", cfg.Auth.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("server exited")
	return nil
}

type stores struct {
	rides repository.RideStore
	users repository.UserRepository
}

// openStores selects the ride and user stores for the configured backend.
func openStores(ctx context.Context, cfg *config.Config, nrApp *newrelic.Application, logger *slog.Logger) (stores, func(), error) {
	if cfg.Store.Backend == config.StoreMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return stores{rides: memory.NewRideStore(), users: memory.NewUserStore()}, func() {}, nil
	}

	db, err := app.NewDatabase(ctx, cfg.Database, nrApp)
	if err != nil {
		return stores{}, nil, err
	}
	logger.Info("connected to postgres", "host", cfg.Database.Host, "db", cfg.Database.DBName)

	if cfg.Store.AutoMigrate {
		if err := postgres.Migrate(ctx, db.DB, postgres.MigrateUp); err != nil {
			_ = db.Close()
			return stores{}, nil, err
		}
	}

	return stores{
		rides: postgres.NewRideStore(db),
		users: postgres.NewUserRepository(db),
	}, func() { _ = db.Close() }, nil
}

// wireRouter wires all dependencies and returns the HTTP handler.
func wireRouter(
	cfg *config.Config,
	st stores,
	redisClient *redis.Client,
	nrApp *newrelic.Application,
	obs *observability.Observability,
) (*gin.Engine, error) {
	users := st.users
	rideOpts := []service.RideOption{
		service.WithActiveStatuses(cfg.Engine.ActiveStatuses),
		service.WithMetrics(service.NewMetrics(obs.Registry)),
	}

	if redisClient != nil {
		users = internalRedis.NewCachedUserRepository(users, redisClient)
		rideOpts = append(rideOpts, service.WithLocker(internalRedis.NewLockStore(redisClient), cfg.Engine.LockTTL))
	}

	if cfg.Engine.StartAttemptLimit > 0 {
		var limiter *internalRedis.AttemptLimiter
		if redisClient != nil {
			var err error
			limiter, err = internalRedis.NewAttemptLimiter(redisClient, cfg.Engine.StartAttemptLimit, cfg.Engine.StartAttemptPeriod)
			if err != nil {
				return nil, err
			}
		} else {
			limiter = internalRedis.NewLocalAttemptLimiter(cfg.Engine.StartAttemptLimit, cfg.Engine.StartAttemptPeriod)
		}
		rideOpts = append(rideOpts, service.WithAttemptCounter(limiter))
	}

	identity := service.NewIdentityService(users, service.WithCodeAttempts(cfg.Engine.CodeAttempts))
	notifier := service.NewNotificationService(service.NewLogSender(obs.Logger))
	rides := service.NewRideService(st.rides, users, notifier, rideOpts...)

	var auth gin.HandlerFunc
	switch cfg.Auth.Mode {
	case config.AuthHeader:
		obs.Logger.Warn("header auth enabled; X-User-ID is trusted as-is")
		auth = middleware.HeaderAuth(identity)
	default:
		v, err := middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, err
		}
		auth = middleware.JWTAuth(v, identity)
	}

	gin.SetMode(gin.ReleaseMode)
	return app.NewRouter(app.RouterDeps{
		UserHandler: handler.NewUserHandler(identity),
		RideHandler: handler.NewRideHandler(rides),
		Auth:        auth,
		Logger:      obs.Logger,
		Registry:    obs.Registry,
		ServiceName: cfg.Tracing.ServiceName,
		RedisClient: redisClient,
		NewRelicApp: nrApp,
	}), nil
}
