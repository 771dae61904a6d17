package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	pushAudience = "https://preorders.example.com/internal/order-events"
	pushAccount  = "pubsub-push@heal-in-paradise.iam.gserviceaccount.com"
)

var testNow = time.Unix(1_700_000_000, 0)

type oidcFixture struct {
	validator *OIDCValidator
	key       *rsa.PrivateKey
	fetches   *atomic.Int32
	server    *httptest.Server
}

func newOIDCFixture(t *testing.T) *oidcFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "push-key", Algorithm: "RS256", Use: "sig"}

	fetches := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	original := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return testNow }
	t.Cleanup(func() { jwt.TimeFunc = original })

	clock := func() time.Time { return testNow }
	validator := NewOIDCValidator(NewJWKSCache(server.URL, WithJWKSClock(clock)), WithOIDCClock(clock))
	return &oidcFixture{validator: validator, key: key, fetches: fetches, server: server}
}

func (f *oidcFixture) token(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":            pushAudience,
		"iss":            "https://accounts.google.com",
		"sub":            "1234567890",
		"email":          pushAccount,
		"email_verified": true,
		"iat":            float64(testNow.Unix()),
		"exp":            float64(testNow.Add(time.Hour).Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "push-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func defaultPolicy() OIDCPolicy {
	return OIDCPolicy{
		Audience:        pushAudience,
		Issuers:         []string{"https://accounts.google.com"},
		ServiceAccounts: []string{pushAccount},
	}
}

func serveOIDC(t *testing.T, v *OIDCValidator, policy OIDCPolicy, authz string) (*httptest.ResponseRecorder, *ServiceIdentity) {
	t.Helper()
	var identity *ServiceIdentity
	handler := v.RequireOIDC(policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = ServiceIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/internal/order-events", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, identity
}

func reasonOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body.Reason
}

func TestJWKSCache_FetchesOnce(t *testing.T) {
	f := newOIDCFixture(t)
	cache := f.validator.cache
	for i := 0; i < 3; i++ {
		key, err := cache.Key(context.Background(), "push-key")
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if _, ok := key.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", key)
		}
	}
	if got := f.fetches.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
}

func TestJWKSCache_UnknownKidRefetches(t *testing.T) {
	f := newOIDCFixture(t)
	if _, err := f.validator.cache.Key(context.Background(), "push-key"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.validator.cache.Key(context.Background(), "rotated"); err == nil {
		t.Fatal("expected unknown kid error")
	}
	if got := f.fetches.Load(); got != 2 {
		t.Fatalf("expected refetch for unknown kid, got %d fetches", got)
	}
}

func TestRequireOIDC_AcceptsPushToken(t *testing.T) {
	f := newOIDCFixture(t)
	rr, identity := serveOIDC(t, f.validator, defaultPolicy(), "Bearer "+f.token(t, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if identity == nil || identity.Email != pushAccount || identity.Audience != pushAudience {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestRequireOIDC_Rejections(t *testing.T) {
	f := newOIDCFixture(t)
	cases := []struct {
		name   string
		authz  string
		status int
		reason string
	}{
		{"missing token", "", http.StatusUnauthorized, "token_missing"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "token_missing"},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized, "token_invalid"},
		{"expired", "Bearer " + f.token(t, func(c jwt.MapClaims) { c["exp"] = float64(testNow.Add(-time.Minute).Unix()) }), http.StatusUnauthorized, "token_invalid"},
		{"audience", "Bearer " + f.token(t, func(c jwt.MapClaims) { c["aud"] = "https://elsewhere" }), http.StatusUnauthorized, "audience_mismatch"},
		{"issuer", "Bearer " + f.token(t, func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }), http.StatusUnauthorized, "issuer_mismatch"},
		{"account", "Bearer " + f.token(t, func(c jwt.MapClaims) { c["email"] = "other@example.com" }), http.StatusForbidden, "service_account_mismatch"},
		{"unverified email", "Bearer " + f.token(t, func(c jwt.MapClaims) { c["email_verified"] = false }), http.StatusForbidden, "service_account_mismatch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, identity := serveOIDC(t, f.validator, defaultPolicy(), tc.authz)
			if identity != nil {
				t.Fatal("handler should not run")
			}
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if got := reasonOf(t, rr); got != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, got)
			}
		})
	}
}

func TestRequireOIDC_MissingAudienceConfig(t *testing.T) {
	f := newOIDCFixture(t)
	rr, _ := serveOIDC(t, f.validator, OIDCPolicy{}, "Bearer "+f.token(t, nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRequireOIDC_KeysUnavailable(t *testing.T) {
	f := newOIDCFixture(t)
	token := f.token(t, nil)
	f.server.Close()

	rr, _ := serveOIDC(t, f.validator, defaultPolicy(), "Bearer "+token)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := reasonOf(t, rr); got != "jwks_unavailable" {
		t.Fatalf("expected jwks_unavailable, got %s", got)
	}
}
