package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreReservationLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.Reserve(ctx, "submit-42", "fp-a", fixedTime, time.Hour)
	require.NoError(t, err)
	require.Equal(t, ReservationStateNew, res.State)

	res, err = store.Reserve(ctx, "submit-42", "fp-a", fixedTime.Add(time.Second), time.Hour)
	require.NoError(t, err)
	require.Equal(t, ReservationStatePending, res.State)

	_, err = store.Reserve(ctx, "submit-42", "fp-b", fixedTime.Add(time.Second), time.Hour)
	require.True(t, errors.Is(err, ErrFingerprintMismatch))

	header := http.Header{"Content-Type": {"application/json"}, "Connection": {"close"}}
	require.NoError(t, store.SaveResponse(ctx, "submit-42", "fp-a", Response{Status: http.StatusCreated, Headers: header, Body: []byte(`{"trackingNumber":"HIP-1"}`)}, fixedTime.Add(2*time.Second), time.Hour))

	res, err = store.Reserve(ctx, "submit-42", "fp-a", fixedTime.Add(3*time.Second), time.Hour)
	require.NoError(t, err)
	require.Equal(t, ReservationStateCompleted, res.State)
	require.Equal(t, http.StatusCreated, res.Record.ResponseStatus)
	require.Equal(t, `{"trackingNumber":"HIP-1"}`, string(res.Record.ResponseBody))
	require.NotContains(t, res.Record.ResponseHeaders, "Connection")

	require.NoError(t, store.Release(ctx, "submit-42", "fp-b"))
	require.Equal(t, 1, store.Len())
	require.NoError(t, store.Release(ctx, "submit-42", "fp-a"))
	require.Equal(t, 0, store.Len())
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for key, ttl := range map[string]time.Duration{"first": time.Minute, "second": 2 * time.Minute, "fresh": time.Hour} {
		_, err := store.Reserve(ctx, key, "fp", fixedTime, ttl)
		require.NoError(t, err)
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(10*time.Minute), 1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	res, err := store.Reserve(ctx, "first", "other", fixedTime.Add(10*time.Minute), time.Minute)
	require.NoError(t, err)
	require.Equal(t, ReservationStateNew, res.State, "the earliest expiry goes first")

	removed, err = store.CleanupExpired(ctx, fixedTime.Add(10*time.Minute), 0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 2, store.Len())
}

func TestMemoryStoreCapacity(t *testing.T) {
	store := NewMemoryStore(WithCapacity(2))
	ctx := context.Background()

	_, err := store.Reserve(ctx, "soon", "fp", fixedTime, time.Minute)
	require.NoError(t, err)
	_, err = store.Reserve(ctx, "later", "fp", fixedTime, time.Hour)
	require.NoError(t, err)
	_, err = store.Reserve(ctx, "newest", "fp", fixedTime, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	res, err := store.Reserve(ctx, "soon", "other", fixedTime, time.Minute)
	require.NoError(t, err)
	require.Equal(t, ReservationStateNew, res.State, "closest expiry was evicted")
}
