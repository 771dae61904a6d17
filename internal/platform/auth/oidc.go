package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/healinparadise/preorders/internal/platform/requestctx"
)

// OIDCPolicy names the claims a push token must carry.
type OIDCPolicy struct {
	Audience string
	Issuers  []string
	// ServiceAccounts restricts the token email when non-empty.
	ServiceAccounts []string
}

// OIDCValidator verifies Google-signed identity tokens such as those attached to Pub/Sub
// push deliveries.
type OIDCValidator struct {
	cache   *JWKSCache
	metrics *VerificationMetrics
	now     func() time.Time
}

// OIDCOption customises an OIDCValidator.
type OIDCOption func(*OIDCValidator)

func WithOIDCMetrics(metrics *VerificationMetrics) OIDCOption {
	return func(v *OIDCValidator) { v.metrics = metrics }
}

func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator builds a validator over the key cache.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{cache: cache, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// ServiceIdentity describes the verified caller.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityKey struct{}

// WithServiceIdentity stores the verified caller on ctx.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

// ServiceIdentityFromContext returns the caller stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// RequireOIDC rejects requests that do not carry a valid bearer token for policy.
func (v *OIDCValidator) RequireOIDC(policy OIDCPolicy) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(policy.Audience)
	issuers := toSet(policy.Issuers)
	accounts := toSet(policy.ServiceAccounts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			fail := func(status int, code, reason string) {
				v.metrics.record(ctx, "oidc", false, reason, v.now().Sub(start))
				writeAuthError(ctx, w, status, code, reason)
			}

			if audience == "" {
				fail(http.StatusServiceUnavailable, "verification_unavailable", "audience_not_configured")
				return
			}
			if v.cache == nil {
				fail(http.StatusServiceUnavailable, "verification_unavailable", "jwks_not_configured")
				return
			}
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				fail(http.StatusUnauthorized, "unauthenticated", "token_missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(raw, claims, v.cache.Keyfunc(ctx)); err != nil {
				if errors.Is(err, ErrJWKSFetchFailed) {
					requestctx.Logger(ctx).Warn("oidc keys unavailable", zap.Error(err))
					fail(http.StatusServiceUnavailable, "verification_unavailable", "jwks_unavailable")
					return
				}
				requestctx.Logger(ctx).Info("oidc token rejected", zap.Error(err))
				fail(http.StatusUnauthorized, "invalid_token", "token_invalid")
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(issuers) > 0 {
				if _, ok := issuers[issuer]; !ok {
					fail(http.StatusUnauthorized, "invalid_token", "issuer_mismatch")
					return
				}
			}
			if !claims.VerifyAudience(audience, true) {
				fail(http.StatusUnauthorized, "invalid_token", "audience_mismatch")
				return
			}
			email, _ := claims["email"].(string)
			if len(accounts) > 0 {
				verified, _ := claims["email_verified"].(bool)
				if _, ok := accounts[email]; !ok || !verified {
					fail(http.StatusForbidden, "forbidden", "service_account_mismatch")
					return
				}
			}

			subject, _ := claims["sub"].(string)
			identity := &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer, Audience: audience}
			v.metrics.record(ctx, "oidc", true, "ok", v.now().Sub(start))
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			set[value] = struct{}{}
		}
	}
	return set
}
