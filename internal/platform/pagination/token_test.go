package pagination

import (
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	cursor := Cursor{
		CreatedAt:      time.Date(2025, 10, 1, 9, 30, 0, 0, time.FixedZone("MVT", 5*3600)),
		TrackingNumber: "HIP-2025-AB3K9",
	}
	token, err := EncodeToken(cursor)
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	decoded, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if !decoded.CreatedAt.Equal(cursor.CreatedAt) || decoded.TrackingNumber != cursor.TrackingNumber {
		t.Fatalf("unexpected cursor %#v", decoded)
	}
}

func TestEncodeZeroCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}
}

func TestDecodeInvalidToken(t *testing.T) {
	for _, token := range []string{"!!!", "e30"} {
		if _, err := DecodeToken(token); !errors.Is(err, ErrInvalidPageToken) {
			t.Fatalf("DecodeToken(%q) expected ErrInvalidPageToken, got %v", token, err)
		}
	}
}

func TestCursorPrecedes(t *testing.T) {
	at := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)
	cursor := Cursor{CreatedAt: at, TrackingNumber: "HIP-2025-MMMMM"}
	if !cursor.Precedes(at.Add(-time.Second), "HIP-2025-ZZZZZ") {
		t.Fatal("older items belong on the next page")
	}
	if cursor.Precedes(at.Add(time.Second), "HIP-2025-AAAAA") {
		t.Fatal("newer items belong on an earlier page")
	}
	if !cursor.Precedes(at, "HIP-2025-AAAAA") {
		t.Fatal("ties break on descending tracking number")
	}
	if cursor.Precedes(at, "HIP-2025-MMMMM") {
		t.Fatal("the cursor item itself must not repeat")
	}
}

func TestNormalizePageSize(t *testing.T) {
	cases := map[int]int{0: DefaultPageSize, -3: DefaultPageSize, 10: 10, 1000: DefaultMaxPageSize}
	for in, want := range cases {
		if got := NormalizePageSize(in); got != want {
			t.Fatalf("NormalizePageSize(%d) = %d, want %d", in, got, want)
		}
	}
}
