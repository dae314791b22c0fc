// Package app wires the pharmacy API server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/pharmacy-api/internal/domain/coupon"
	"github.com/xenking/pharmacy-api/internal/domain/order"
	"github.com/xenking/pharmacy-api/internal/domain/recovery"
	"github.com/xenking/pharmacy-api/internal/handler"
	"github.com/xenking/pharmacy-api/internal/notify"
	"github.com/xenking/pharmacy-api/internal/storage/postgres"
	"github.com/xenking/pharmacy-api/pkg/health"
	"github.com/xenking/pharmacy-api/pkg/httpmiddleware"
)

const serviceName = "pharmacy-api"

// Run creates all dependencies, serves HTTP until ctx is cancelled and then
// shuts down gracefully. It is the single wiring point for the service.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	medicines := postgres.NewMedicineRepository(pool)
	coupons := postgres.NewCouponRepository(pool)
	orders := postgres.NewOrderRepository(pool)
	users := postgres.NewUserRepository(pool)
	apikeys := postgres.NewAPIKeyRepository(pool)

	mail := notify.NewDispatcher(cfg.Mailer(), lg.Named("mail"), cfg.Dispatcher())

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.Ping(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.MaxGoroutines(10000))
	healthSvc.AddLivenessCheck("mail_queue", time.Second, health.QueueBacklog(mail.Pending, cfg.MailBacklogLimit()))

	engine := coupon.NewEngine(coupons)
	orderSvc, err := order.NewService(medicines, engine, orders, postgres.NewTxManager(pool), cfg.Pricing(),
		order.WithTracerProvider(m.TracerProvider()),
		order.WithMeterProvider(m.MeterProvider()),
		order.WithNotifier(mail),
	)
	if err != nil {
		return errors.Wrap(err, "create order service")
	}
	resets, err := recovery.New(users, mail, cfg.Recovery(),
		recovery.WithTracerProvider(m.TracerProvider()),
		recovery.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create recovery")
	}

	api := handler.New(handler.Deps{
		Medicines: medicines,
		Orders:    orderSvc,
		Coupons:   engine,
		Recovery:  resets,
		APIKeys:   apikeys,
		Pepper:    []byte(cfg.APIKeyPepper),
	})

	router := chi.NewRouter()
	healthSvc.Routes(router)
	router.Group(func(r chi.Router) {
		r.Use(httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			RPS:   cfg.RateLimit.RPS,
			Burst: cfg.RateLimit.Burst,
		}))
		api.Routes(r)
	})

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
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", handler.HeaderAPIKey},
				ExposeHeaders:    []string{httpmiddleware.HeaderRequestID, "Retry-After"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.Instrument(serviceName, m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()
	healthSvc.SetReady(true)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mail.Run(gCtx)
	})
	if cfg.Reset.SweepInterval > 0 {
		g.Go(func() error {
			sweepResets(gCtx, lg, resets, cfg.Reset.SweepInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		if ctx.Err() != nil {
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

// expiredTokenSweeper is the part of the reset lifecycle used by the sweep.
type expiredTokenSweeper interface {
	ClearExpired(ctx context.Context) (int64, error)
}

// sweepResets clears expired reset tokens every interval until ctx is done.
// Failures are logged and retried on the next tick.
func sweepResets(ctx context.Context, lg *zap.Logger, s expiredTokenSweeper, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.ClearExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					lg.Warn("Reset token sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				lg.Info("Cleared expired reset tokens", zap.Int64("count", n))
			}
		}
	}
}
