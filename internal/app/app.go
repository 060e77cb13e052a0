package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/backoffice-pricing/internal/domain/coupon"
	"github.com/xenking/backoffice-pricing/internal/domain/pricing"
	"github.com/xenking/backoffice-pricing/internal/domain/quota"
	"github.com/xenking/backoffice-pricing/internal/events"
	"github.com/xenking/backoffice-pricing/internal/handler"
	"github.com/xenking/backoffice-pricing/internal/storage/cache"
	"github.com/xenking/backoffice-pricing/internal/storage/memory"
	"github.com/xenking/backoffice-pricing/internal/storage/postgres"
	redisstore "github.com/xenking/backoffice-pricing/internal/storage/redis"
	"github.com/xenking/backoffice-pricing/pkg/health"
	"github.com/xenking/backoffice-pricing/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("quota_backend", cfg.Quota.Backend),
	)

	svc, err := setup(ctx, zctx.From(ctx), m.TracerProvider(), m.MeterProvider(), cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	svc.health.Start(ctx, 10*time.Second)
	svc.health.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           svc.handler,
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		svc.health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		svc.health.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// service is the wired application minus the listener.
type service struct {
	pool    *pgxpool.Pool
	health  *health.Health
	handler http.Handler
	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// setup is the single wiring point for the application.
func setup(
	ctx context.Context,
	lg *zap.Logger,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	cfg *Config,
) (_ *service, rerr error) {
	svc := &service{health: health.New()}
	defer func() {
		if rerr != nil {
			svc.Close()
		}
	}()

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	svc.pool = pool
	svc.closers = append(svc.closers, pool.Close)

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}

	// Health checks.
	svc.health.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	svc.health.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	svc.health.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))

	store, closeStore, err := newQuotaStore(cfg, pool, svc.health)
	if err != nil {
		return nil, errors.Wrap(err, "create quota store")
	}
	svc.closers = append(svc.closers, closeStore)

	publisher, closePublisher, err := newPublisher(lg, cfg.Events)
	if err != nil {
		return nil, errors.Wrap(err, "create event publisher")
	}
	svc.closers = append(svc.closers, closePublisher)

	// Repositories.
	catalogRepo := postgres.NewCatalogRepository(pool)
	customerRepo := postgres.NewCustomerRepository(pool)
	var couponRepo coupon.Repository = postgres.NewCouponRepository(pool)
	if cfg.Pricing.RuleCacheTTL > 0 {
		couponRepo = cache.NewCouponRepository(couponRepo, cfg.Pricing.RuleCacheTTL)
	}

	// Domain services.
	coordinator, err := quota.NewCoordinator(store, quota.Options{
		TTL:                  cfg.Quota.ReservationTTL,
		MaxRetries:           cfg.Quota.MaxRetries,
		RetryInitialInterval: cfg.Quota.RetryInitialInterval,
		RetryMaxInterval:     cfg.Quota.RetryMaxInterval,
		Publisher:            publisher,
		MeterProvider:        mp,
		TracerProvider:       tp,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create quota coordinator")
	}
	pricingService, err := pricing.NewService(catalogRepo, customerRepo, couponRepo, coordinator, pricing.Options{
		AllowOfferStacking: cfg.Pricing.AllowOfferStacking,
		LookupRetries:      cfg.Pricing.LookupRetries,
		MeterProvider:      mp,
		TracerProvider:     tp,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create pricing service")
	}

	svc.handler = newRouter(lg, tp, mp, cfg, svc.health, handler.NewHandler(pricingService))
	return svc, nil
}

// newRouter mounts the probes outside the middleware stack and the pricing
// routes inside it.
func newRouter(
	lg *zap.Logger,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	cfg *Config,
	hc *health.Health,
	h *handler.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Get("/livez", hc.LiveEndpoint)
	r.Get("/readyz", hc.ReadyEndpoint)

	r.Group(func(r chi.Router) {
		r.Use(
			httpmiddleware.Recovery(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.RequestID(),
			httpmiddleware.Instrument("pricing-api", tp, mp),
			httpmiddleware.LogRequests(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				Origins:          cfg.CORS.Origins,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           cfg.CORS.MaxAge,
			}),
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Rate:    cfg.RateLimit.Rate,
				Burst:   cfg.RateLimit.Burst,
				IdleTTL: cfg.RateLimit.IdleTTL,
			}),
		)
		h.Mount(r)
	})
	return r
}

func newQuotaStore(cfg *Config, pool *pgxpool.Pool, hc *health.Health) (quota.Store, func(), error) {
	switch cfg.Quota.Backend {
	case BackendRedis:
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "parse redis url")
		}
		client := redis.NewClient(opts)
		// Not ready after two failed pings, ready again after two passes.
		hc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(client), health.WithThresholds(2, 2))
		store := redisstore.NewQuotaStore(client, cfg.Redis.KeyPrefix, cfg.Quota.Retention)
		return store, func() { _ = client.Close() }, nil
	case BackendMemory:
		return memory.NewQuotaStore(memory.WithRetention(cfg.Quota.Retention)), func() {}, nil
	default:
		return postgres.NewQuotaStore(pool), func() {}, nil
	}
}

func newPublisher(lg *zap.Logger, cfg EventsConfig) (events.Publisher, func(), error) {
	if cfg.AMQPURL == "" {
		lg.Info("Reservation events disabled")
		return events.Nop{}, func() {}, nil
	}
	p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.Exchange)
	if err != nil {
		return nil, nil, err
	}
	return p, func() {
		if err := p.Close(); err != nil {
			lg.Warn("Close event publisher", zap.Error(err))
		}
	}, nil
}
