package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/healinparadise/preorders/internal/platform/httpx"
	"github.com/healinparadise/preorders/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255

	// DefaultMaxBodyBytes caps the body buffered for fingerprinting.
	DefaultMaxBodyBytes = 8 << 20
)

type middlewareConfig struct {
	headerName   string
	ttl          time.Duration
	clock        func() time.Time
	maxBodyBytes int64
}

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL sets how long a completed response is replayed.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMaxBodyBytes bounds the request body read before the handler runs. Larger bodies are
// answered with 413.
func WithMaxBodyBytes(n int64) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if n > 0 {
			cfg.maxBodyBytes = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware deduplicates POST requests carrying an idempotency key. Requests without the
// header pass through untouched. Keys are scoped to the caller's address so two clients
// cannot collide on the same key. Only 2xx and 4xx responses are stored; a 5xx releases the
// key so the client can retry.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{headerName: defaultHeaderName, ttl: DefaultTTL, clock: time.Now, maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			logger := requestctx.Logger(ctx).With(zap.String("component", "idempotency"))

			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "Idempotency key is too long.", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(w, r, cfg.maxBodyBytes)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "Request body is too large.", http.StatusRequestEntityTooLarge))
					return
				}
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "Unable to read request body.", http.StatusBadRequest))
				return
			}

			caller := callerScope(r)
			scoped := key + "|" + caller
			fingerprint := requestFingerprint(r, body, caller)

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock().UTC(), cfg.ttl)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "Idempotency key was already used for a different request.", http.StatusConflict))
					return
				}
				logger.Error("reserve idempotency key", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "Unable to process idempotency key.", http.StatusInternalServerError))
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				replay(w, reservation.Record)
				return
			case ReservationStatePending:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "A request with this idempotency key is still being processed.", http.StatusConflict))
				return
			}

			rec := &bufferedWriter{header: make(http.Header)}
			next.ServeHTTP(rec, r)

			if rec.statusCode() >= http.StatusInternalServerError {
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					logger.Warn("release idempotency key", zap.Error(err))
				}
				rec.flushTo(w)
				return
			}

			resp := Response{Status: rec.statusCode(), Headers: rec.header, Body: rec.body.Bytes()}
			if err := store.SaveResponse(ctx, scoped, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
				logger.Error("persist idempotent response", zap.Error(err))
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					logger.Warn("release idempotency key", zap.Error(err))
				}
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "Unable to persist idempotency state.", http.StatusInternalServerError))
				return
			}
			rec.flushTo(w)
		})
	}
}

func bufferBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func callerScope(r *http.Request) string {
	if ip := strings.TrimSpace(requestctx.ClientIP(r.Context())); ip != "" {
		return ip
	}
	return "anonymous"
}

func requestFingerprint(r *http.Request, body []byte, caller string) string {
	parts := []string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		caller,
		bodyDigest(r.Header.Get("Content-Type"), body),
	}
	return sha256Hex([]byte(strings.Join(parts, "|")))
}

// bodyDigest hashes what the body means rather than how it was framed. Multipart boundaries are
// random per attempt, so multipart bodies are digested part by part.
func bodyDigest(contentType string, body []byte) string {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return sha256Hex([]byte(strings.TrimSpace(contentType) + "\n" + string(body)))
	}
	if mediaType == "multipart/form-data" && params["boundary"] != "" {
		if digest, err := multipartDigest(body, params["boundary"]); err == nil {
			return digest
		}
	}
	return sha256Hex(append([]byte(mediaType+"\n"), body...))
}

func multipartDigest(body []byte, boundary string) (string, error) {
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	var parts []string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		content := sha256.New()
		_, err = io.Copy(content, part)
		_ = part.Close()
		if err != nil {
			return "", err
		}
		parts = append(parts, strings.Join([]string{
			part.FormName(),
			part.FileName(),
			part.Header.Get("Content-Type"),
			hex.EncodeToString(content.Sum(nil)),
		}, "\x00"))
	}
	slices.Sort(parts)
	return sha256Hex([]byte("multipart/form-data\n" + strings.Join(parts, "\n"))), nil
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

// bufferedWriter holds the handler output until the outcome is persisted.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, _ = w.Write(b.body.Bytes())
}
