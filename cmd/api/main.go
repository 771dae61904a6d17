package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/healinparadise/preorders/internal/di"
	"github.com/healinparadise/preorders/internal/handlers"
	"github.com/healinparadise/preorders/internal/platform/auth"
	"github.com/healinparadise/preorders/internal/platform/botcheck"
	"github.com/healinparadise/preorders/internal/platform/config"
	"github.com/healinparadise/preorders/internal/platform/idempotency"
	"github.com/healinparadise/preorders/internal/platform/observability"
	"github.com/healinparadise/preorders/internal/platform/requestctx"
)

const meterName = "github.com/healinparadise/preorders"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	meter := otel.GetMeterProvider().Meter(meterName)

	fetcher, err := newSecretFetcher(ctx, logger, envValues, meter)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	orderMetrics, err := observability.NewOrderMetrics(meter)
	if err != nil {
		logger.Warn("order metrics disabled", zap.Error(err))
	}

	infra := &infrastructure{}
	defer infra.close(logger)

	receipts, err := newReceiptStore(ctx, cfg, infra)
	if err != nil {
		logger.Fatal("failed to initialise receipt storage", zap.Error(err))
	}

	events, err := newEventPublisher(ctx, cfg, logger, infra)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}

	registry, err := di.NewRegistry(ctx, cfg,
		di.WithRegistryLogger(logger.Named("store")),
		di.WithHealthChecks(healthChecks(fetcher, infra)...),
	)
	if err != nil {
		logger.Fatal("failed to initialise order store", zap.Error(err))
	}

	bot, err := botcheck.New(ctx, cfg.Bot, cfg.Firebase, logger.Named("botcheck"))
	if err != nil {
		logger.Fatal("failed to initialise bot verification", zap.Error(err))
	}

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise mailer", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Dependencies{
		Receipts: receipts,
		Bot:      bot,
		Mailer:   mailer,
		Events:   events,
		Metrics:  orderMetrics,
		Logger:   logger,
		Clock:    time.Now,
		Build:    buildInfo,
	})
	if err != nil {
		_ = registry.Close(ctx)
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("order store close error", zap.Error(err))
		}
	}()

	idempotencyStore, err := newIdempotencyStore(registry)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var background sync.WaitGroup

	background.Add(1)
	go func() {
		defer background.Done()
		idempotency.RunCleanup(backgroundCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	}()

	if cfg.Notifications.Mode == config.NotifyKafka {
		consumer, err := newKafkaConsumer(cfg, logger, container.Services.Notifications)
		if err != nil {
			logger.Fatal("failed to initialise kafka consumer", zap.Error(err))
		}
		background.Add(1)
		go func() {
			defer background.Done()
			consumer(backgroundCtx)
		}()
	}

	verificationMetrics, err := auth.NewVerificationMetrics(meter)
	if err != nil {
		logger.Warn("verification metrics disabled", zap.Error(err))
	}

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)
	orderHandlers := handlers.NewOrderHandlers(container.Services.Orders,
		handlers.WithMaxReceiptBytes(cfg.Orders.MaxReceiptBytes),
		handlers.WithIdempotencyHeader(cfg.Idempotency.Header),
		handlers.WithSubmissionRateLimit(cfg.RateLimits.SubmissionsPerMinute, time.Now),
		handlers.WithLookupRateLimit(cfg.RateLimits.LookupsPerMinute, time.Now),
		handlers.WithSubmitMiddlewares(idempotency.Middleware(
			idempotencyStore,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
			idempotency.WithMaxBodyBytes(handlers.SubmissionBodyLimit(cfg.Orders.MaxReceiptBytes)),
		)),
	)
	eventHandlers := handlers.NewOrderEventHandlers(container.Services.Notifications)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
	}
	switch cfg.Notifications.Mode {
	case config.NotifyPubSub:
		opts = append(opts,
			handlers.WithInternalRoutes(eventHandlers.InternalRoutes),
			handlers.WithInternalMiddlewares(buildOIDCMiddleware(logger.Named("auth"), cfg, verificationMetrics)),
		)
	case config.NotifyWebhook:
		opts = append(opts,
			handlers.WithWebhookRoutes(eventHandlers.WebhookRoutes),
			handlers.WithWebhookProbe(eventHandlers.Probe),
			handlers.WithWebhookMiddlewares(
				handlers.RateLimitPerMinute(cfg.RateLimits.WebhookBurst, time.Now),
				buildHMACMiddleware(cfg, verificationMetrics),
			),
		)
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("preorders api listening",
			zap.String("store", cfg.Store.Backend),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("notifications", cfg.Notifications.Mode),
			zap.String("version", buildInfo.Version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	backgroundCancel()
	background.Wait()
}
