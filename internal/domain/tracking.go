package domain

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultTrackingPrefix is used when no prefix is configured.
	DefaultTrackingPrefix = "HIP"

	trackingAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	trackingSuffixLength = 5
)

var trackingNumberPattern = regexp.MustCompile(`^[A-Z]+-\d{4}-[A-Z0-9]{5}$`)

// TrackingNumberGenerator produces tracking numbers shaped PREFIX-YEAR-XXXXX.
type TrackingNumberGenerator struct {
	prefix string
	clock  func() time.Time
	random io.Reader
}

// TrackingOption customises a TrackingNumberGenerator.
type TrackingOption func(*TrackingNumberGenerator)

// WithTrackingClock overrides the clock used to stamp the year.
func WithTrackingClock(clock func() time.Time) TrackingOption {
	return func(g *TrackingNumberGenerator) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithTrackingRandom overrides the entropy source, primarily for tests.
func WithTrackingRandom(r io.Reader) TrackingOption {
	return func(g *TrackingNumberGenerator) {
		if r != nil {
			g.random = r
		}
	}
}

// NewTrackingNumberGenerator returns a generator for the given prefix. Non-letters are dropped
// from the prefix; an empty result falls back to DefaultTrackingPrefix.
func NewTrackingNumberGenerator(prefix string, opts ...TrackingOption) *TrackingNumberGenerator {
	cleaned := strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r
		}
		return -1
	}, strings.ToUpper(strings.TrimSpace(prefix)))
	if cleaned == "" {
		cleaned = DefaultTrackingPrefix
	}
	g := &TrackingNumberGenerator{
		prefix: cleaned,
		clock:  time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Next returns a fresh tracking number. It never consults the order store.
func (g *TrackingNumberGenerator) Next() (string, error) {
	alphabetSize := big.NewInt(int64(len(trackingAlphabet)))
	suffix := make([]byte, trackingSuffixLength)
	for i := range suffix {
		n, err := rand.Int(g.random, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("tracking number: read entropy: %w", err)
		}
		suffix[i] = trackingAlphabet[n.Int64()]
	}
	return fmt.Sprintf("%s-%04d-%s", g.prefix, g.clock().UTC().Year(), suffix), nil
}

// IsTrackingNumber reports whether value has the tracking number shape.
func IsTrackingNumber(value string) bool {
	return trackingNumberPattern.MatchString(value)
}

// NormalizeTrackingNumber trims and upper-cases caller input.
func NormalizeTrackingNumber(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// NormalizeEmail trims and lower-cases an address for storage and comparison.
func NormalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
