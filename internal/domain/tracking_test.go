package domain

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestTrackingNumberGeneratorShape(t *testing.T) {
	clock := func() time.Time { return time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC) }
	gen := NewTrackingNumberGenerator("hip", WithTrackingClock(clock))

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		tn, err := gen.Next()
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		if !IsTrackingNumber(tn) {
			t.Fatalf("tracking number %q has unexpected shape", tn)
		}
		if !strings.HasPrefix(tn, "HIP-2025-") {
			t.Fatalf("expected HIP-2025- prefix, got %q", tn)
		}
		if _, dup := seen[tn]; dup {
			t.Fatalf("duplicate tracking number %q", tn)
		}
		seen[tn] = struct{}{}
	}
}

func TestTrackingNumberGeneratorPrefixFallback(t *testing.T) {
	gen := NewTrackingNumberGenerator(" 12-! ")
	tn, err := gen.Next()
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if !strings.HasPrefix(tn, DefaultTrackingPrefix+"-") {
		t.Fatalf("expected default prefix, got %q", tn)
	}
}

func TestTrackingNumberGeneratorEntropyFailure(t *testing.T) {
	gen := NewTrackingNumberGenerator("HIP", WithTrackingRandom(bytes.NewReader(nil)))
	if _, err := gen.Next(); err == nil {
		t.Fatal("expected error when entropy source is exhausted")
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Jane@Example.COM "); got != "jane@example.com" {
		t.Fatalf("unexpected normalized email %q", got)
	}
	if got := NormalizeTrackingNumber(" hip-2025-ab3k9 "); got != "HIP-2025-AB3K9" {
		t.Fatalf("unexpected normalized tracking number %q", got)
	}
}
