package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/expiry"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/messaging/kafka"
	"github.com/xenking/kart-checkout/internal/provider/card"
	"github.com/xenking/kart-checkout/internal/provider/instant"
	"github.com/xenking/kart-checkout/internal/provider/sandbox"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	"github.com/xenking/kart-checkout/internal/storage/redis"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
	"github.com/xenking/kart-checkout/pkg/scheduler"
)

// Run creates all dependencies, starts the HTTP server and the scheduled
// tasks, and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("payment_mode", cfg.Payment.Mode),
		zap.Bool("redis", cfg.Redis.Enabled()),
		zap.Bool("kafka", cfg.Kafka.Enabled()),
	)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	db := postgres.New(pool, cfg.Retry)

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", db))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(5*time.Second))

	// Optional Redis: scheduler and payment leases, checkout idempotency.
	var (
		schedOpts []scheduler.Option
		idem      handler.Idempotency
		locker    *redis.Locker
	)
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()

		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		locker = redis.NewLocker(rdb, "kart:lock:")
		schedOpts = append(schedOpts, scheduler.WithLocker(locker))
		idem = redis.NewIdempotencyStore(rdb, "kart:idem:", cfg.IdempotencyTTL)
	}

	// Notifications: the database log always, Kafka when configured.
	notifications := postgres.NewNotificationStore(db)
	sinks := notify.Multi{notifications}
	if cfg.Kafka.Enabled() {
		publisher := kafka.NewPublisher(kafka.NewWriter(cfg.Kafka), cfg.Kafka.WriteTimeout)
		defer func() {
			if err := publisher.Close(); err != nil {
				lg.Warn("Close kafka publisher", zap.Error(err))
			}
		}()
		sinks = append(sinks, publisher)
	}
	notifier := notify.NewBestEffort(sinks)

	// Repositories.
	products := postgres.NewProductRepository(db)
	stores := postgres.NewStoreRepository(db)
	carts := postgres.NewCartRepository(db)
	coupons := postgres.NewCouponRepository(db)
	orders := postgres.NewOrderRepository(db)
	apikeys := postgres.NewAPIKeyRepository(db)

	// Domain services.
	providers, err := paymentProviders(cfg.Payment)
	if err != nil {
		return errors.Wrap(err, "payment providers")
	}
	allocator := inventory.NewAllocator(postgres.NewInventoryStore(db))
	couponEngine := coupon.NewEngine(coupons, coupons, orders)
	orderService := order.NewService(products, stores, carts, couponEngine, allocator, orders, notifier)
	gateway := payment.NewGateway(orders, providers...)
	if locker != nil {
		gateway.WithLease(locker, cfg.Payment.LeaseTTL)
	}
	reconciler := payment.NewReconciler(gateway, orders, notifier)
	sweeper := expiry.NewSweeper(cfg.Sweeper, orders, allocator, reconciler, notifier, notifications)

	sched, err := scheduler.New(lg.Named("scheduler"), m.MeterProvider(), schedOpts...)
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}
	if err := sched.Add(scheduler.Task{
		Name:       "expiry-sweep",
		Interval:   cfg.Sweeper.Interval,
		RunOnStart: true,
		Run:        sweeper.Run,
	}); err != nil {
		return errors.Wrap(err, "add sweep task")
	}

	// HTTP.
	h := handler.New(
		handler.Config{AllowSimulation: cfg.Payment.Mode == PaymentModeSandbox},
		orderService,
		carts,
		products,
		gateway,
		reconciler,
		idem,
	)
	authn := handler.NewAuthenticator(apikeys, []byte(cfg.APIKeyPepper))

	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	router.Route("/api", func(r chi.Router) {
		r.Use(authn.Middleware)
		h.Register(r)
	})
	routeFinder := httpmiddleware.MakeRouteFinder(router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		// Requests inherit the logger but outlive ctx while draining.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader, handler.IdempotencyHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("kart-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)
	defer healthSvc.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// paymentProviders builds one provider per payment method.
func paymentProviders(cfg PaymentConfig) ([]payment.Provider, error) {
	if cfg.Mode == PaymentModeSandbox {
		return []payment.Provider{
			sandbox.New(payment.MethodInstantTransfer, cfg.ReferenceTTL),
			sandbox.New(payment.MethodCard, cfg.CardOptions.TTL),
		}, nil
	}

	qr, err := instant.New(cfg.Instant, cfg.ReferenceTTL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "instant transfer provider")
	}
	cards, err := card.New(cfg.Card, cfg.CardOptions, nil)
	if err != nil {
		return nil, errors.Wrap(err, "card provider")
	}
	return []payment.Provider{qr, cards}, nil
}
