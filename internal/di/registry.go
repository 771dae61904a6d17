package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/healinparadise/preorders/internal/platform/config"
	pfirestore "github.com/healinparadise/preorders/internal/platform/firestore"
	"github.com/healinparadise/preorders/internal/platform/sqldb"
	"github.com/healinparadise/preorders/internal/repositories"
	firestoreRepo "github.com/healinparadise/preorders/internal/repositories/firestore"
	memoryRepo "github.com/healinparadise/preorders/internal/repositories/memory"
	"github.com/healinparadise/preorders/internal/repositories/sqlstore"
)

const (
	defaultStoreCheckTimeout = 1500 * time.Millisecond
	readinessReportTTL       = 2 * time.Second
)

// Registry owns the order store selected by configuration and the health checks that probe it.
type Registry struct {
	backend   string
	orders    repositories.OrderRepository
	health    repositories.HealthRepository
	firestore *pfirestore.Provider
	db        *sqlx.DB
}

var _ repositories.Registry = (*Registry)(nil)

type registryOptions struct {
	checks    []repositories.DependencyCheck
	firestore *pfirestore.Provider
	db        *sqlx.DB
	logger    *zap.Logger
}

// RegistryOption customises NewRegistry.
type RegistryOption func(*registryOptions)

// WithHealthChecks adds dependency probes beyond the order store.
func WithHealthChecks(checks ...repositories.DependencyCheck) RegistryOption {
	return func(o *registryOptions) {
		o.checks = append(o.checks, checks...)
	}
}

// WithFirestoreProvider reuses an existing provider instead of creating one from config.
func WithFirestoreProvider(provider *pfirestore.Provider) RegistryOption {
	return func(o *registryOptions) {
		o.firestore = provider
	}
}

// WithSQLDB reuses an open database instead of opening the configured DSN.
func WithSQLDB(db *sqlx.DB) RegistryOption {
	return func(o *registryOptions) {
		o.db = db
	}
}

// WithRegistryLogger records store selection and migrations.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// NewRegistry opens the order store named by cfg.Store.Backend. SQL stores are migrated before
// use.
func NewRegistry(ctx context.Context, cfg config.Config, opts ...RegistryOption) (*Registry, error) {
	options := registryOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}

	reg := &Registry{backend: cfg.Store.Backend}
	switch cfg.Store.Backend {
	case config.StoreFirestore:
		provider := options.firestore
		if provider == nil {
			provider = pfirestore.NewProvider(cfg.Firestore, pfirestore.WithCredentialsFile(cfg.Firebase.CredentialsFile))
		}
		orders, err := firestoreRepo.NewOrderRepository(provider)
		if err != nil {
			return nil, fmt.Errorf("di: firestore order repository: %w", err)
		}
		reg.firestore = provider
		reg.orders = orders
	case config.StoreSQL:
		db := options.db
		if db == nil {
			var err error
			db, err = sqldb.Open(ctx, sqldb.Config{
				Driver:       cfg.Store.SQLDriver,
				DSN:          cfg.Store.SQLDSN,
				MaxOpenConns: cfg.Store.MaxOpenConns,
			})
			if err != nil {
				return nil, err
			}
		}
		reg.db = db
		applied, err := sqldb.Migrate(db)
		if err != nil {
			_ = reg.Close(ctx)
			return nil, err
		}
		if applied {
			options.logger.Info("order store migrated", zap.String("driver", db.DriverName()))
		}
		orders, err := sqlstore.NewOrderRepository(db)
		if err != nil {
			_ = reg.Close(ctx)
			return nil, fmt.Errorf("di: sql order repository: %w", err)
		}
		reg.orders = orders
	case config.StoreMemory:
		reg.orders = memoryRepo.NewOrderRepository()
	default:
		return nil, fmt.Errorf("di: unsupported store backend %q", cfg.Store.Backend)
	}

	orders := reg.orders
	checks := append([]repositories.DependencyCheck{{
		Name:    "orders",
		Timeout: defaultStoreCheckTimeout,
		Check:   orders.Ping,
	}}, options.checks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		_ = reg.Close(ctx)
		return nil, err
	}
	reg.health = health

	options.logger.Info("order store ready", zap.String("backend", reg.backend))
	return reg, nil
}

// Orders returns the configured order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// Firestore returns the provider when the firestore backend is selected.
func (r *Registry) Firestore() *pfirestore.Provider { return r.firestore }

// DB returns the SQL handle when the sql backend is selected.
func (r *Registry) DB() *sqlx.DB { return r.db }

// Close releases store clients.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.firestore != nil {
		if err := r.firestore.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
