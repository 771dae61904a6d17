package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	defaultJWKSRefreshInterval = 15 * time.Minute
	defaultJWKSFetchTimeout    = 5 * time.Second
)

// keySet is one published JWKS document. It is replaced wholesale, never mutated.
type keySet struct {
	keys    map[string]any
	expires time.Time
	// refresh is when a background refetch starts, half way through the lifetime.
	refresh time.Time
}

func (s *keySet) usable(now time.Time) bool {
	return s != nil && now.Before(s.expires)
}

// JWKSCache serves Google's token signing keys.
type JWKSCache struct {
	url          string
	client       *http.Client
	logger       *zap.Logger
	now          func() time.Time
	fallbackTTL  time.Duration
	fetchTimeout time.Duration

	current    atomic.Pointer[keySet]
	fetches    singleflight.Group
	refreshing atomic.Bool
}

type JWKSOption func(*JWKSCache)

func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSRefreshInterval is the key lifetime assumed when the response has no max-age.
func WithJWKSRefreshInterval(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.fallbackTTL = d
		}
	}
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:          url,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       zap.NewNop(),
		now:          time.Now,
		fallbackTTL:  defaultJWKSRefreshInterval,
		fetchTimeout: defaultJWKSFetchTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Keyfunc adapts the cache for jwt.Parse. Tokens must be RS256 and carry a kid.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key returns the public key published under kid. A kid missing from a usable set triggers a
// single refetch, which is how rotated keys are picked up early.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.now()
	set := c.current.Load()
	refetched := false
	if !set.usable(now) {
		var err error
		if set, err = c.refetch(ctx); err != nil {
			return nil, err
		}
		refetched = true
	}
	if key, ok := set.keys[kid]; ok {
		if !now.Before(set.refresh) {
			c.refreshInBackground()
		}
		return key, nil
	}
	if !refetched {
		var err error
		if set, err = c.refetch(ctx); err != nil {
			return nil, err
		}
		if key, ok := set.keys[kid]; ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshInBackground() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		if _, err := c.refetch(context.Background()); err != nil {
			c.logger.Warn("background jwks refresh failed", zap.Error(err))
		}
	}()
}

// refetch downloads the key set, sharing one request between concurrent callers.
func (c *JWKSCache) refetch(ctx context.Context) (*keySet, error) {
	v, err, _ := c.fetches.Do(c.url, func() (any, error) {
		set, err := c.download(ctx)
		if err != nil {
			return nil, err
		}
		c.current.Store(set)
		c.logger.Debug("jwks refreshed", zap.Int("keys", len(set.keys)), zap.Time("expires", set.expires))
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySet), nil
}

func (c *JWKSCache) download(ctx context.Context) (*keySet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	set := &keySet{keys: make(map[string]any, len(doc.Keys))}
	for _, jwk := range doc.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			set.keys[jwk.KeyID] = jwk.Key
		}
	}
	if len(set.keys) == 0 {
		return nil, fmt.Errorf("%w: no usable keys", ErrJWKSFetchFailed)
	}

	ttl := cacheLifetime(resp.Header.Get("Cache-Control"), c.fallbackTTL)
	fetched := c.now()
	set.expires, set.refresh = fetched.Add(ttl), fetched.Add(ttl/2)
	return set, nil
}

// cacheLifetime reads max-age from a Cache-Control header.
func cacheLifetime(header string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
