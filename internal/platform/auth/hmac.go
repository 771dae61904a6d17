package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/healinparadise/preorders/internal/platform/requestctx"
)

const (
	DefaultSignatureHeader = "X-Signature"
	DefaultTimestampHeader = "X-Signature-Timestamp"
	DefaultNonceHeader     = "X-Signature-Nonce"

	// MaxSignedBody bounds the webhook payloads RequireHMAC will buffer.
	MaxSignedBody = 1 << 20

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// NonceStore remembers nonces so a captured webhook cannot be replayed.
type NonceStore interface {
	// UseNonce stores nonce until expiry and reports false when it was already present.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// MemoryNonceStore is a process-local NonceStore.
type MemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

func (s *MemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "\x00" + nonce
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator checks signed webhook deliveries. The signature is HMAC-SHA256 over
// METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)), sent as hex or base64.
type HMACValidator struct {
	secrets map[string][]byte
	nonces  NonceStore
	metrics *VerificationMetrics
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
}

// HMACOption customises an HMACValidator.
type HMACOption func(*HMACValidator)

func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

func WithHMACMetrics(metrics *VerificationMetrics) HMACOption {
	return func(v *HMACValidator) { v.metrics = metrics }
}

// NewHMACValidator builds a validator over resolved secrets keyed by name.
func NewHMACValidator(secrets map[string]string, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		secrets:         make(map[string][]byte, len(secrets)),
		nonces:          nonces,
		now:             time.Now,
		signatureHeader: DefaultSignatureHeader,
		timestampHeader: DefaultTimestampHeader,
		nonceHeader:     DefaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for name, secret := range secrets {
		if secret = strings.TrimSpace(secret); secret != "" {
			v.secrets[strings.TrimSpace(name)] = []byte(secret)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// rejection is why a delivery failed verification.
type rejection struct {
	status int
	code   string
	reason string
}

func unsigned(reason string) *rejection {
	return &rejection{status: http.StatusUnauthorized, code: "invalid_signature", reason: reason}
}

func unavailable(reason string) *rejection {
	return &rejection{status: http.StatusServiceUnavailable, code: "verification_unavailable", reason: reason}
}

// RequireHMAC rejects requests not signed with the named secret. The body is buffered, at most
// MaxSignedBody bytes, and handed on unchanged.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := v.now()
			rejected := v.verify(r, secretName)
			v.metrics.record(r.Context(), "hmac", rejected == nil, outcome(rejected), v.now().Sub(started))
			if rejected != nil {
				writeAuthError(r.Context(), w, rejected.status, rejected.code, rejected.reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func outcome(r *rejection) string {
	if r == nil {
		return "ok"
	}
	return r.reason
}

func (v *HMACValidator) verify(r *http.Request, secretName string) *rejection {
	secret, ok := v.secrets[secretName]
	if !ok {
		return unavailable("secret_not_configured")
	}
	header := func(name string) string { return strings.TrimSpace(r.Header.Get(name)) }
	signature, timestamp, nonce := header(v.signatureHeader), header(v.timestampHeader), header(v.nonceHeader)
	if signature == "" || timestamp == "" || nonce == "" {
		return unsigned("signature_headers_missing")
	}

	signedAt, err := parseSignatureTimestamp(timestamp)
	if err != nil {
		return unsigned("timestamp_invalid")
	}
	now := v.now()
	if drift := now.Sub(signedAt).Abs(); drift > v.clockSkew {
		return unsigned("timestamp_skew")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxSignedBody+1))
	_ = r.Body.Close()
	switch {
	case err != nil:
		return &rejection{status: http.StatusBadRequest, code: "invalid_body", reason: "body_unreadable"}
	case len(body) > MaxSignedBody:
		return &rejection{status: http.StatusRequestEntityTooLarge, code: "invalid_body", reason: "body_too_large"}
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	provided, err := decodeSignature(signature)
	if err != nil {
		return unsigned("signature_encoding")
	}
	if !hmac.Equal(provided, Sign(secret, r.Method, r.URL.EscapedPath(), timestamp, nonce, body)) {
		return unsigned("signature_mismatch")
	}

	if v.nonces == nil {
		return unavailable("nonce_store_missing")
	}
	fresh, err := v.nonces.UseNonce(r.Context(), secretName, nonce, now.Add(v.nonceTTL))
	if err != nil {
		requestctx.Logger(r.Context()).Error("nonce store failure", zap.Error(err))
		return unavailable("nonce_store_error")
	}
	if !fresh {
		return unsigned("nonce_replay")
	}
	return nil
}

// Sign computes the raw signature for a request. Senders hex or base64 encode the result.
func Sign(secret []byte, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	canonical := strings.Join([]string{strings.ToUpper(method), path, timestamp, nonce, hex.EncodeToString(digest[:])}, "\n")
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(value, "sha256=")
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}
