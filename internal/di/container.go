package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/platform/config"
	"github.com/healinparadise/preorders/internal/platform/mail"
	"github.com/healinparadise/preorders/internal/platform/observability"
	"github.com/healinparadise/preorders/internal/repositories"
	"github.com/healinparadise/preorders/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders        services.OrderService
	Notifications services.NotificationService
	System        services.SystemService
}

// Dependencies carries the infrastructure clients built by the caller. Events is only consulted
// in the pubsub and kafka notification modes.
type Dependencies struct {
	Receipts services.ReceiptStorage
	Bot      services.BotVerifier
	Mailer   services.Mailer
	Events   services.OrderEventPublisher
	Metrics  *observability.OrderMetrics
	Logger   *zap.Logger
	Clock    func() time.Time
	Build    services.BuildInfo
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the services. The order service's event publisher follows
// cfg.Notifications.Mode: direct dispatches in-process, webhook leaves emails to the database
// trigger, and pubsub or kafka publish through deps.Events.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
			ReportTTL:        readinessReportTTL,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	renderer, err := mail.NewRenderer()
	if err != nil {
		return Services{}, fmt.Errorf("build email renderer: %w", err)
	}
	orderURL, err := mail.OrderURLBuilder(cfg.Mail.SiteURL)
	if err != nil {
		return Services{}, fmt.Errorf("build order url: %w", err)
	}
	mailer := deps.Mailer
	if mailer == nil {
		mailer = mail.NewLogSender(logger.Named("mail"))
	}
	notificationSvc, err := services.NewNotificationService(services.NotificationServiceDeps{
		Mailer:          mailer,
		Renderer:        renderer,
		Metrics:         deps.Metrics,
		From:            cfg.Mail.From,
		AdminFrom:       cfg.Mail.AdminFrom,
		AdminRecipients: cfg.Mail.AdminRecipients,
		OrderURL:        orderURL,
		Logger:          observability.NewEventLogger(logger.Named("notifications")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build notification service: %w", err)
	}
	svc.Notifications = notificationSvc

	var events services.OrderEventPublisher
	switch cfg.Notifications.Mode {
	case config.NotifyDirect, "":
		events = notificationSvc
	case config.NotifyWebhook:
		events = nil
	case config.NotifyPubSub, config.NotifyKafka:
		if deps.Events == nil {
			return Services{}, fmt.Errorf("build order service: %s mode requires an event publisher", cfg.Notifications.Mode)
		}
		events = deps.Events
	default:
		return Services{}, fmt.Errorf("build order service: unknown notification mode %q", cfg.Notifications.Mode)
	}

	if ordersRepo := reg.Orders(); ordersRepo != nil {
		tracking := domain.NewTrackingNumberGenerator(cfg.Orders.TrackingPrefix, domain.WithTrackingClock(clock))
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:   ordersRepo,
			Receipts: deps.Receipts,
			Bot:      deps.Bot,
			Events:   events,
			Tracking: tracking,
			Metrics:  deps.Metrics,
			Config: services.SubmissionConfig{
				RequireReceiptInline:   cfg.Orders.RequireReceiptInline,
				RequireBotVerification: cfg.Bot.Required || (cfg.Bot.Provider != "" && cfg.Bot.Provider != config.BotNone),
				MaxReceiptBytes:        cfg.Orders.MaxReceiptBytes,
				TrackingAttempts:       cfg.Orders.TrackingAttempts,
				ReceiptPrefix:          cfg.Storage.ReceiptsPrefix,
			},
			Payment: cfg.Orders.Payment,
			Clock:   clock,
			Logger:  observability.NewEventLogger(logger.Named("orders")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	return svc, nil
}
