package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/healinparadise/preorders/internal/di"
	"github.com/healinparadise/preorders/internal/platform/config"
	"github.com/healinparadise/preorders/internal/platform/secrets"
	platformstorage "github.com/healinparadise/preorders/internal/platform/storage"
	"github.com/healinparadise/preorders/internal/repositories"
)

const defaultSignedURLTTL = 15 * time.Minute

// receiptSigner issues time-limited download links for receipt objects.
type receiptSigner interface {
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
}

// store is what the order commands operate on.
type store struct {
	orders   repositories.OrderRepository
	receipts receiptSigner
	bucket   string
	urlTTL   time.Duration
	close    func() error
}

func (s *store) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

type app struct {
	logger    *zap.Logger
	clock     func() time.Time
	env       func() (map[string]string, error)
	openStore func(ctx context.Context) (*store, error)
}

func newApp(logger *zap.Logger) *app {
	a := &app{
		logger: logger,
		clock:  time.Now,
		env: func() (map[string]string, error) {
			return config.EnvironmentValues()
		},
	}
	a.openStore = a.openConfiguredStore
	return a
}

// openConfiguredStore loads the same configuration as the API and opens its order store and,
// for Cloud Storage, a signer for receipt links.
func (a *app) openConfiguredStore(ctx context.Context) (*store, error) {
	env, err := a.env()
	if err != nil {
		return nil, err
	}
	fetcherOpts := []secrets.Option{
		secrets.WithLogger(a.logger.Named("secrets")),
		secrets.WithFallbackFile(".secrets.local"),
	}
	if label := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"])); label != "" {
		fetcherOpts = append(fetcherOpts, secrets.WithEnvironment(label))
	}
	if project := strings.TrimSpace(env["API_FIREBASE_PROJECT_ID"]); project != "" {
		fetcherOpts = append(fetcherOpts, secrets.WithDefaultProject(project))
	}
	fetcher, err := secrets.NewFetcher(ctx, fetcherOpts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fetcher.Close()
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	reg, err := di.NewRegistry(ctx, cfg, di.WithRegistryLogger(a.logger.Named("store")))
	if err != nil {
		return nil, err
	}
	s := &store{
		orders: reg.Orders(),
		bucket: cfg.Storage.ReceiptsBucket,
		urlTTL: cfg.Storage.SignedURLTTL,
	}
	closers := []func() error{func() error { return reg.Close(context.Background()) }}

	switch cfg.Storage.Backend {
	case config.StorageGCS:
		var clientOpts []option.ClientOption
		if path := strings.TrimSpace(cfg.Firebase.CredentialsFile); path != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(path))
		}
		client, err := cloudstorage.NewClient(ctx, clientOpts...)
		if err != nil {
			_ = reg.Close(ctx)
			return nil, err
		}
		closers = append(closers, client.Close)
		gcsOpts := []platformstorage.GCSOption{platformstorage.WithSignerEmail(cfg.Storage.SignerEmail)}
		if path := strings.TrimSpace(cfg.Firebase.CredentialsFile); path != "" {
			signer, err := platformstorage.LoadServiceAccountKey(path)
			if err != nil {
				_ = client.Close()
				_ = reg.Close(ctx)
				return nil, err
			}
			gcsOpts = append(gcsOpts, platformstorage.WithSigner(signer))
		}
		receipts, err := platformstorage.NewGCSReceiptStore(client, cfg.Storage.ReceiptsBucket, gcsOpts...)
		if err != nil {
			_ = client.Close()
			_ = reg.Close(ctx)
			return nil, err
		}
		s.receipts = receipts
	default:
		s.receipts = platformstorage.NewMemoryReceiptStore()
	}

	s.close = func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return s, nil
}
