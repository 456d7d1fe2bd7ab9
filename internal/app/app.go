// Package app wires the checkout API server together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kastoma-checkout/internal/cache"
	"github.com/xenking/kastoma-checkout/internal/domain/cart"
	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
	"github.com/xenking/kastoma-checkout/internal/domain/order"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
	"github.com/xenking/kastoma-checkout/internal/events"
	"github.com/xenking/kastoma-checkout/internal/handler"
	"github.com/xenking/kastoma-checkout/internal/repository"
	"github.com/xenking/kastoma-checkout/pkg/health"
	"github.com/xenking/kastoma-checkout/pkg/httpmiddleware"
)

const serviceName = "kastoma-checkout"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pricingCfg, err := cfg.Pricing.Calculator()
	if err != nil {
		return errors.Wrap(err, "pricing config")
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New(lg.Named("health"))
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	opts := order.Options{
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
		Events:         events.Nop{},
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		if rdb, err = cache.NewClient(ctx, cfg.RedisAddr); err != nil {
			return errors.Wrap(err, "connect to redis")
		}
		defer func() { _ = rdb.Close() }()

		opts.Idempotency = cache.NewIdempotencyStore(rdb, serviceName, cfg.Idempotency.TTL)
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))
	} else {
		lg.Warn("Redis disabled: idempotency replays hit the database and rate limits are per instance")
	}

	if cfg.AMQPURL != "" {
		pub, err := events.Dial(cfg.AMQPURL, events.DefaultExchange)
		if err != nil {
			return errors.Wrap(err, "connect to rabbitmq")
		}
		defer func() {
			if err := pub.Close(); err != nil {
				lg.Warn("Close event publisher", zap.Error(err))
			}
		}()
		opts.Events = pub
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	couponRepo := repository.NewCouponRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)
	cartRepo := repository.NewCartRepository(pool)

	// Domain services.
	resolver := coupon.NewResolver(couponRepo)
	orderService, err := order.NewService(productRepo, resolver, orderRepo, pricing.NewCalculator(pricingCfg), opts)
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	cartService := cart.NewService(cartRepo, orderService)

	h := handler.New(productRepo, resolver, orderService, cartService)
	sec := handler.NewAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper))

	router := chi.NewRouter()
	router.Use(httpmiddleware.LogRequests(), httpmiddleware.Labeler())
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	router.Mount("/api", h.Routes(sec))

	var limiter httpmiddleware.Limiter
	if rdb != nil {
		limiter = httpmiddleware.NewRedisWindow(rdb, serviceName, cfg.RateLimit.Max, cfg.RateLimit.Window)
	} else {
		sw := httpmiddleware.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window)
		sw.StartSweeper(ctx)
		limiter = sw
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins: cfg.CORS.Origins,
				AllowHeaders: []string{
					"Content-Type", handler.APIKeyHeader, handler.IdempotencyKeyHeader, httpmiddleware.RequestIDHeader,
				},
				ExposeHeaders:    []string{httpmiddleware.RequestIDHeader, handler.IdempotencyReplayedHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				Limiter: limiter,
			}),
			httpmiddleware.Instrument(serviceName, m),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
