package botcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRecaptchaURL     = "https://www.google.com/recaptcha/api/siteverify"
	defaultRecaptchaTimeout = 5 * time.Second
	maxRecaptchaBody        = 64 << 10
)

// RecaptchaVerifier checks reCAPTCHA v3 tokens against the siteverify endpoint.
type RecaptchaVerifier struct {
	secret   string
	url      string
	minScore float64
	action   string
	client   *http.Client
	logger   *zap.Logger
}

// RecaptchaOption customises a RecaptchaVerifier.
type RecaptchaOption func(*RecaptchaVerifier)

func WithVerifyURL(raw string) RecaptchaOption {
	return func(v *RecaptchaVerifier) {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			v.url = trimmed
		}
	}
}

// WithMinScore sets the lowest accepted score. Zero disables the score check.
func WithMinScore(score float64) RecaptchaOption {
	return func(v *RecaptchaVerifier) {
		if score >= 0 && score <= 1 {
			v.minScore = score
		}
	}
}

// WithExpectedAction requires the token's action to match.
func WithExpectedAction(action string) RecaptchaOption {
	return func(v *RecaptchaVerifier) {
		v.action = strings.TrimSpace(action)
	}
}

func WithRecaptchaHTTPClient(client *http.Client) RecaptchaOption {
	return func(v *RecaptchaVerifier) {
		if client != nil {
			v.client = client
		}
	}
}

func WithRecaptchaLogger(logger *zap.Logger) RecaptchaOption {
	return func(v *RecaptchaVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func NewRecaptchaVerifier(secret string, opts ...RecaptchaOption) (*RecaptchaVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("botcheck: recaptcha secret is required")
	}
	v := &RecaptchaVerifier{
		secret: secret,
		url:    defaultRecaptchaURL,
		client: &http.Client{Timeout: defaultRecaptchaTimeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

type siteVerifyResponse struct {
	Success     bool     `json:"success"`
	Score       float64  `json:"score"`
	Action      string   `json:"action"`
	Hostname    string   `json:"hostname"`
	ChallengeTS string   `json:"challenge_ts"`
	ErrorCodes  []string `json:"error-codes"`
}

// Verify posts the token to siteverify. An empty token is rejected without a network call.
func (v *RecaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return rejected("token missing")
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("botcheck: build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("botcheck: siteverify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("botcheck: siteverify returned status %d", resp.StatusCode)
	}

	var result siteVerifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRecaptchaBody)).Decode(&result); err != nil {
		return fmt.Errorf("botcheck: decode siteverify response: %w", err)
	}

	switch {
	case !result.Success:
		v.logger.Info("recaptcha rejected token", zap.Strings("error_codes", result.ErrorCodes))
		return rejected("verification failed")
	case v.action != "" && result.Action != v.action:
		v.logger.Info("recaptcha action mismatch", zap.String("action", result.Action), zap.String("expected", v.action))
		return rejected("action mismatch")
	case result.Score < v.minScore:
		v.logger.Info("recaptcha score below threshold", zap.Float64("score", result.Score), zap.Float64("min_score", v.minScore))
		return rejected("score too low")
	}
	return nil
}
