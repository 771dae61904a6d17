package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/healinparadise/preorders/internal/domain"
)

func healthy(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func blocking(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCollectStatusAggregation(t *testing.T) {
	cases := []struct {
		name       string
		checks     []DependencyCheck
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name: "all healthy",
			checks: []DependencyCheck{
				{Name: "orders", Check: healthy},
				{Name: "receipts", Check: healthy},
			},
			wantStatus: domain.HealthStatusOK,
			wantChecks: map[string]string{"orders": domain.HealthStatusOK, "receipts": domain.HealthStatusOK},
		},
		{
			name: "optional dependency down",
			checks: []DependencyCheck{
				{Name: "orders", Check: healthy},
				{Name: "secretManager", Optional: true, Check: failing("permission denied")},
			},
			wantStatus: domain.HealthStatusDegraded,
			wantChecks: map[string]string{"orders": domain.HealthStatusOK, "secretManager": domain.HealthStatusDegraded},
		},
		{
			name: "order store down",
			checks: []DependencyCheck{
				{Name: "orders", Check: failing("sqlite: database is locked")},
				{Name: "pubsub", Optional: true, Check: failing("topic missing")},
			},
			wantStatus: domain.HealthStatusError,
			wantChecks: map[string]string{"orders": domain.HealthStatusError, "pubsub": domain.HealthStatusDegraded},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, err := NewDependencyHealthRepository(tc.checks)
			require.NoError(t, err)

			report, err := repo.Collect(context.Background())
			require.NoError(t, err)
			require.Equal(t, tc.wantStatus, report.Status)
			require.Len(t, report.Checks, len(tc.wantChecks))
			for name, want := range tc.wantChecks {
				require.Equal(t, want, report.Checks[name].Status, name)
			}
		})
	}
}

func TestCollectRecordsFailureDetail(t *testing.T) {
	at := time.Date(2025, 5, 2, 7, 30, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository(
		[]DependencyCheck{{Name: "receipts", Check: failing("storage: bucket doesn't exist")}},
		WithDependencyClock(func() time.Time { return at }),
	)
	require.NoError(t, err)

	report, err := repo.Collect(context.Background())
	require.NoError(t, err)
	check := report.Checks["receipts"]
	require.Equal(t, "unavailable", check.Detail)
	require.Equal(t, "storage: bucket doesn't exist", check.Error)
	require.Equal(t, at, check.CheckedAt)
	require.Equal(t, at, report.GeneratedAt)
}

func TestCollectTimesOutSlowChecks(t *testing.T) {
	repo, err := NewDependencyHealthRepository(
		[]DependencyCheck{
			{Name: "orders", Timeout: 5 * time.Millisecond, Check: blocking},
			{Name: "pubsub", Optional: true, Check: blocking},
		},
		WithDependencyTimeout(5*time.Millisecond),
	)
	require.NoError(t, err)

	report, err := repo.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.HealthStatusError, report.Status)
	require.Equal(t, "timeout", report.Checks["orders"].Detail)
	require.Equal(t, domain.HealthStatusDegraded, report.Checks["pubsub"].Status)
	require.Equal(t, "timeout", report.Checks["pubsub"].Detail)
}

func TestNewDependencyHealthRepositoryValidation(t *testing.T) {
	invalid := map[string][]DependencyCheck{
		"empty":     nil,
		"unnamed":   {{Name: " ", Check: healthy}},
		"no check":  {{Name: "orders"}},
		"duplicate": {{Name: "orders", Check: healthy}, {Name: "orders", Check: healthy}},
	}
	for name, checks := range invalid {
		_, err := NewDependencyHealthRepository(checks)
		require.Error(t, err, name)
	}
}
