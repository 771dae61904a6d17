package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	resendRef      = "secret://resend_api_key"
	resendResource = "projects/hip-test/secrets/resend_api_key/versions/latest"
)

// smStub stands in for Secret Manager, keyed by full version resource name.
type smStub struct {
	mu       sync.Mutex
	payloads map[string]string
	failures map[string]error
	accesses map[string]int
}

func newSMStub() *smStub {
	return &smStub{payloads: map[string]string{}, failures: map[string]error{}, accesses: map[string]int{}}
}

func (s *smStub) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses[req.GetName()]++
	if err := s.failures[req.GetName()]; err != nil {
		return nil, err
	}
	payload, ok := s.payloads[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "secret version not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(payload)}}, nil
}

func (s *smStub) Close() error { return nil }

func (s *smStub) put(resource, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[resource] = value
}

func (s *smStub) count(resource string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accesses[resource]
}

func localSecrets(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o600))
	return path
}

func fetcherFor(t *testing.T, sm *smStub, opts ...Option) *Fetcher {
	t.Helper()
	base := []Option{WithSecretManagerClient(sm), WithDefaultProject("hip-test"), WithLogger(zap.NewNop())}
	f, err := NewFetcher(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestResolveCaches(t *testing.T) {
	sm := newSMStub()
	sm.put(resendResource, "re_live")
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := fetcherFor(t, sm, WithCacheTTL(time.Minute), WithClock(func() time.Time { return at }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := f.Resolve(ctx, resendRef)
		require.NoError(t, err)
		require.Equal(t, "re_live", got)
	}
	require.Equal(t, 1, sm.count(resendResource))

	at = at.Add(2 * time.Minute)
	_, err := f.Resolve(ctx, resendRef)
	require.NoError(t, err)
	require.Equal(t, 2, sm.count(resendResource), "expired entries are fetched again")
}

func TestInvalidatePicksUpRotation(t *testing.T) {
	sm := newSMStub()
	sm.put(resendResource, "re_before")
	f := fetcherFor(t, sm)
	ctx := context.Background()

	_, err := f.Resolve(ctx, resendRef)
	require.NoError(t, err)

	sm.put(resendResource, "re_after")
	f.Invalidate(resendRef)
	got, err := f.Resolve(ctx, resendRef)
	require.NoError(t, err)
	require.Equal(t, "re_after", got)
}

func TestResolveFallback(t *testing.T) {
	cases := []struct {
		name     string
		failure  error
		local    string
		want     string
		wantFail bool
	}{
		{
			name:    "permission denied uses local file",
			failure: status.Error(codes.PermissionDenied, "denied"),
			local:   "# developer overrides\nsm://resend_api_key=re_local\n",
			want:    "re_local",
		},
		{
			name:     "not found does not fall back",
			failure:  status.Error(codes.NotFound, "missing"),
			local:    "secret://resend_api_key=re_local\n",
			wantFail: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sm := newSMStub()
			sm.failures[resendResource] = tc.failure
			f := fetcherFor(t, sm, WithFallbackFile(localSecrets(t, tc.local)))

			got, err := f.Resolve(context.Background(), resendRef)
			if tc.wantFail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestResolvePinnedVersionInMappedProject(t *testing.T) {
	sm := newSMStub()
	pinned := "projects/hip-prod/secrets/recaptcha_secret/versions/5"
	sm.put(pinned, "captcha-v5")
	f := fetcherFor(t, sm,
		WithEnvironment("prod"),
		WithProjectMap(map[string]string{"prod": "hip-prod"}),
		WithVersionPins(map[string]string{"prod:secret://recaptcha_secret": "5"}),
	)

	got, err := f.ResolveSecret(context.Background(), "secret://recaptcha_secret")
	require.NoError(t, err)
	require.Equal(t, "captcha-v5", got)
	require.Equal(t, 1, sm.count(pinned))
}

func TestResolveRejectsMalformedReferences(t *testing.T) {
	f := fetcherFor(t, newSMStub())
	for _, ref := range []string{"", "https://example.com/x", "secret://"} {
		_, err := f.Resolve(context.Background(), ref)
		require.Error(t, err, ref)
	}
}

func TestNewFetcherWithoutCredentials(t *testing.T) {
	restore := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("could not find default credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = restore })

	f, err := NewFetcher(context.Background(), WithFallbackFile(localSecrets(t, "secret://hmac_orders=local-hmac\n")))
	require.NoError(t, err)
	defer f.Close()

	got, err := f.Resolve(context.Background(), "secret://hmac_orders")
	require.NoError(t, err)
	require.Equal(t, "local-hmac", got)
}
