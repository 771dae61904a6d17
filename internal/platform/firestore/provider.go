package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/healinparadise/preorders/internal/platform/config"
)

const (
	emulatorHostEnv = "FIRESTORE_EMULATOR_HOST"
	projectEnv      = "GOOGLE_CLOUD_PROJECT"

	connectTimeout = 10 * time.Second
	txBudget       = 15 * time.Second
	txAttempts     = 5
)

// ErrProviderClosed is returned by Client after Close.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// target is the resolved project and optional emulator endpoint.
type target struct {
	project  string
	emulator string
}

func resolveTarget(cfg config.FirestoreConfig, getenv func(string) string) (target, error) {
	t := target{
		project:  strings.TrimSpace(cfg.ProjectID),
		emulator: strings.TrimSpace(cfg.EmulatorHost),
	}
	if t.project == "" {
		t.project = strings.TrimSpace(getenv(projectEnv))
	}
	if t.emulator == "" {
		t.emulator = strings.TrimSpace(getenv(emulatorHostEnv))
	}
	if t.project == "" {
		return target{}, fmt.Errorf("firestore: no project id (set it in config or %s)", projectEnv)
	}
	return t, nil
}

func (t target) clientOptions(base []option.ClientOption) []option.ClientOption {
	opts := append([]option.ClientOption(nil), base...)
	if t.emulator == "" {
		return opts
	}
	return append(opts,
		option.WithoutAuthentication(),
		option.WithEndpoint(t.emulator),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
}

// Provider owns the Firestore client used for orders and idempotency keys. The client is
// created on first use.
type Provider struct {
	cfg        config.FirestoreConfig
	getenv     func(string) string
	clientOpts []option.ClientOption
	attempts   int

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// ProviderOption customises NewProvider.
type ProviderOption func(*Provider)

// WithCredentialsFile authenticates with a service account key instead of ambient credentials.
// It has no effect against the emulator.
func WithCredentialsFile(path string) ProviderOption {
	return func(p *Provider) {
		if path = strings.TrimSpace(path); path != "" {
			p.clientOpts = append(p.clientOpts, option.WithCredentialsFile(path))
		}
	}
}

// WithTransactionAttempts bounds how often a contended transaction is retried.
func WithTransactionAttempts(n int) ProviderOption {
	return func(p *Provider) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// NewProvider returns a Provider for cfg. No connection is made until Client is called.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{cfg: cfg, getenv: os.Getenv, attempts: txAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Client returns the shared client, creating it on first use.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errors.New("firestore: nil context")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	}

	t, err := resolveTarget(p.cfg, p.getenv)
	if err != nil {
		return nil, err
	}
	opts := p.clientOpts
	if t.emulator != "" {
		// the client library reads the emulator host from the environment
		if p.getenv(emulatorHostEnv) == "" {
			_ = os.Setenv(emulatorHostEnv, t.emulator)
		}
		opts = nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := firestore.NewClient(connectCtx, t.project, t.clientOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("firestore: connect to project %s: %w", t.project, err)
	}
	p.client = client
	return client, nil
}

// Close shuts the client down. Later Client calls fail with ErrProviderClosed.
func (p *Provider) Close(context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.client, p.closed = nil, true
	p.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// TxFunc is the body of a transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// RunTransaction runs fn in a transaction capped at fifteen seconds unless ctx is already
// tighter. The returned error is classified with WrapError.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: nil transaction function"))
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > txBudget {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, txBudget)
		defer cancel()
	}
	return WrapError("transaction", client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, tx)
	}, firestore.MaxAttempts(p.attempts)))
}
