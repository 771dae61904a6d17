package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/healinparadise/preorders/internal/di"
	"github.com/healinparadise/preorders/internal/platform/auth"
	"github.com/healinparadise/preorders/internal/platform/config"
	"github.com/healinparadise/preorders/internal/platform/idempotency"
	"github.com/healinparadise/preorders/internal/platform/jobs"
	"github.com/healinparadise/preorders/internal/platform/mail"
	"github.com/healinparadise/preorders/internal/platform/secrets"
	platformstorage "github.com/healinparadise/preorders/internal/platform/storage"
	"github.com/healinparadise/preorders/internal/repositories"
	"github.com/healinparadise/preorders/internal/services"
)

const (
	idempotencyCollection = "idempotencyKeys"
	memoryIdempotencyKeys = 10000
	webhookSecretName     = "orders"
	secretHealthReference = "secret://system/healthz?version=latest"
)

// infrastructure tracks the cloud clients opened during startup so they are released in
// reverse order on exit.
type infrastructure struct {
	closers []namedCloser

	receipts *platformstorage.GCSReceiptStore
	topic    *pubsub.Topic
}

type namedCloser struct {
	name  string
	close func() error
}

func (i *infrastructure) add(name string, closer io.Closer) {
	i.closers = append(i.closers, namedCloser{name: name, close: closer.Close})
}

func (i *infrastructure) close(logger *zap.Logger) {
	for idx := len(i.closers) - 1; idx >= 0; idx-- {
		c := i.closers[idx]
		if err := c.close(); err != nil {
			logger.Warn("close error", zap.String("client", c.name), zap.Error(err))
		}
	}
}

func newReceiptStore(ctx context.Context, cfg config.Config, infra *infrastructure) (services.ReceiptStorage, error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		return platformstorage.NewMemoryReceiptStore(), nil
	case config.StorageGCS:
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}

	var clientOpts []option.ClientOption
	if path := strings.TrimSpace(cfg.Firebase.CredentialsFile); path != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(path))
	}
	client, err := cloudstorage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, err
	}
	infra.add("storage", client)

	gcsOpts := []platformstorage.GCSOption{
		platformstorage.WithSignerEmail(cfg.Storage.SignerEmail),
	}
	if path := strings.TrimSpace(cfg.Firebase.CredentialsFile); path != "" {
		signer, err := platformstorage.LoadServiceAccountKey(path)
		if err != nil {
			return nil, err
		}
		gcsOpts = append(gcsOpts, platformstorage.WithSigner(signer))
	}
	store, err := platformstorage.NewGCSReceiptStore(client, cfg.Storage.ReceiptsBucket, gcsOpts...)
	if err != nil {
		return nil, err
	}
	infra.receipts = store
	return store, nil
}

func newMailer(cfg config.Config, logger *zap.Logger) (services.Mailer, error) {
	switch cfg.Mail.Provider {
	case config.MailResend:
		return mail.NewResendSender(cfg.Mail.ResendAPIKey, "")
	case config.MailLog, "":
		return mail.NewLogSender(logger.Named("mail")), nil
	default:
		return nil, fmt.Errorf("unsupported mail provider %q", cfg.Mail.Provider)
	}
}

// newEventPublisher returns nil in the direct and webhook modes, where the container needs no
// bus.
func newEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger, infra *infrastructure) (services.OrderEventPublisher, error) {
	switch cfg.Notifications.Mode {
	case config.NotifyPubSub:
		var clientOpts []option.ClientOption
		if path := strings.TrimSpace(cfg.Firebase.CredentialsFile); path != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(path))
		}
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, clientOpts...)
		if err != nil {
			return nil, err
		}
		infra.add("pubsub", client)
		topic := client.Topic(cfg.PubSub.Topic)
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			return nil, err
		}
		infra.add("pubsub topic", publisher)
		infra.topic = topic
		return publisher, nil
	case config.NotifyKafka:
		producer, err := jobs.NewKafkaSyncProducer(cfg.Kafka, logger.Named("kafka"))
		if err != nil {
			return nil, err
		}
		publisher, err := jobs.NewKafkaOrderEventPublisher(producer, cfg.Kafka.Topic)
		if err != nil {
			_ = producer.Close()
			return nil, err
		}
		infra.add("kafka producer", publisher)
		return publisher, nil
	default:
		return nil, nil
	}
}

// newKafkaConsumer returns a loop that feeds the topic into the notification service until ctx is
// cancelled.
func newKafkaConsumer(cfg config.Config, logger *zap.Logger, notifications services.NotificationService) (func(context.Context), error) {
	consumerLogger := logger.Named("kafka")
	consumer, err := jobs.NewKafkaOrderEventConsumer(cfg.Kafka, consumerLogger)
	if err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, event services.OrderEvent) error {
		_, err := notifications.HandleOrderEvent(ctx, event)
		return err
	}
	return func(ctx context.Context) {
		defer func() {
			if err := consumer.Close(); err != nil {
				consumerLogger.Warn("kafka consumer close error", zap.Error(err))
			}
		}()
		if err := consumer.Run(ctx, handle); err != nil && !errors.Is(err, context.Canceled) {
			consumerLogger.Error("kafka consumer stopped", zap.Error(err))
		}
	}, nil
}

// newIdempotencyStore keeps keys next to the orders when Firestore is the store; otherwise keys
// live in process memory.
func newIdempotencyStore(reg *di.Registry) (idempotency.Store, error) {
	if provider := reg.Firestore(); provider != nil {
		return idempotency.NewFirestoreStore(provider, idempotencyCollection)
	}
	return idempotency.NewMemoryStore(idempotency.WithCapacity(memoryIdempotencyKeys)), nil
}

func healthChecks(fetcher *secrets.Fetcher, infra *infrastructure) []repositories.DependencyCheck {
	var checks []repositories.DependencyCheck
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "secretManager",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				// A missing probe secret still proves Secret Manager answered.
				if status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if infra.receipts != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "receipts",
			Timeout: 2 * time.Second,
			Check:   infra.receipts.Check,
		})
	}
	if infra.topic != nil {
		topic := infra.topic
		checks = append(checks, repositories.DependencyCheck{
			Name:     "pubsub",
			Timeout:  2 * time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		})
	}
	return checks
}

// buildOIDCMiddleware guards the Pub/Sub push endpoint. An unconfigured audience makes the
// validator reject every request.
func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics *auth.VerificationMetrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCMetrics(metrics))

	policy := auth.OIDCPolicy{
		Audience:        strings.TrimSpace(cfg.Security.OIDC.Audience),
		Issuers:         cfg.Security.OIDC.Issuers,
		ServiceAccounts: cfg.Security.OIDC.ServiceAccounts,
	}
	if policy.Audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(policy)
}

// buildHMACMiddleware guards the database webhook with the "orders" signing secret.
func buildHMACMiddleware(cfg config.Config, metrics *auth.VerificationMetrics) func(http.Handler) http.Handler {
	secrets := make(map[string]string, len(cfg.Security.HMAC.Secrets))
	for key, value := range cfg.Security.HMAC.Secrets {
		secrets[strings.ToLower(strings.TrimSpace(key))] = value
	}
	validator := auth.NewHMACValidator(secrets, auth.NewMemoryNonceStore(),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
		auth.WithHMACMetrics(metrics),
	)
	return validator.RequireHMAC(webhookSecretName)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
