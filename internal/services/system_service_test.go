package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/repositories"
)

type countingProbes struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

func (c *countingProbes) Collect(context.Context) (domain.SystemHealthReport, error) {
	c.calls++
	return c.report, c.err
}

var _ repositories.HealthRepository = (*countingProbes)(nil)

type steppingClock struct{ at time.Time }

func newSteppingClock(start time.Time) *steppingClock { return &steppingClock{at: start} }

func (c *steppingClock) now() time.Time { return c.at }

func (c *steppingClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func TestHealthReportStampsBuild(t *testing.T) {
	booted := time.Date(2025, 10, 1, 6, 0, 0, 0, time.UTC)
	clock := newSteppingClock(booted.Add(90 * time.Second))
	probes := &countingProbes{report: domain.SystemHealthReport{
		Checks: map[string]domain.SystemHealthCheck{
			"orders":   {Status: domain.HealthStatusOK},
			"receipts": {Status: domain.HealthStatusOK},
		},
	}}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: probes,
		Clock:            clock.now,
		Build:            BuildInfo{Version: "0.4.0", CommitSHA: "9f1c2e", Environment: "prod", StartedAt: booted},
	})
	require.NoError(t, err)

	report, err := svc.HealthReport(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.HealthStatusOK, report.Status)
	require.Equal(t, "0.4.0", report.Version)
	require.Equal(t, "9f1c2e", report.CommitSHA)
	require.Equal(t, "prod", report.Environment)
	require.Equal(t, 90*time.Second, report.Uptime)
	require.True(t, report.GeneratedAt.Equal(clock.now()))
	require.Equal(t, "0.4.0", svc.Build().Version)
}

func TestHealthReportErrors(t *testing.T) {
	_, err := NewSystemService(SystemServiceDeps{})
	require.Error(t, err)

	collectErr := errors.New("firestore: transport closing")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &countingProbes{err: collectErr}})
	require.NoError(t, err)
	_, err = svc.HealthReport(context.Background())
	require.ErrorIs(t, err, collectErr)
}

func TestHealthReportFillsMissingStatus(t *testing.T) {
	cases := map[string]struct {
		checks map[string]domain.SystemHealthCheck
		want   string
	}{
		"no checks": {want: domain.HealthStatusOK},
		"pubsub degraded": {
			checks: map[string]domain.SystemHealthCheck{
				"orders": {Status: domain.HealthStatusOK},
				"pubsub": {Status: domain.HealthStatusDegraded},
			},
			want: domain.HealthStatusDegraded,
		},
		"order store down": {
			checks: map[string]domain.SystemHealthCheck{
				"orders": {Status: domain.HealthStatusError},
				"pubsub": {Status: domain.HealthStatusDegraded},
			},
			want: domain.HealthStatusError,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc, err := NewSystemService(SystemServiceDeps{
				HealthRepository: &countingProbes{report: domain.SystemHealthReport{Checks: tc.checks}},
			})
			require.NoError(t, err)
			report, err := svc.HealthReport(context.Background())
			require.NoError(t, err)
			require.Equal(t, tc.want, report.Status)
			require.NotNil(t, report.Checks)
		})
	}
}

func TestHealthReportReusesRecentReport(t *testing.T) {
	booted := time.Date(2025, 10, 1, 6, 0, 0, 0, time.UTC)
	clock := newSteppingClock(booted)
	probes := &countingProbes{report: domain.SystemHealthReport{Status: domain.HealthStatusOK}}
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: probes,
		Clock:            clock.now,
		Build:            BuildInfo{StartedAt: booted},
		ReportTTL:        2 * time.Second,
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.HealthReport(ctx)
	require.NoError(t, err)

	clock.advance(time.Second)
	report, err := svc.HealthReport(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, probes.calls)
	require.Equal(t, time.Second, report.Uptime)

	clock.advance(time.Second)
	_, err = svc.HealthReport(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, probes.calls)
}

func TestHealthReportDoesNotCacheFailures(t *testing.T) {
	probes := &countingProbes{err: errors.New("deadline exceeded")}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: probes, ReportTTL: time.Minute})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := svc.HealthReport(context.Background())
		require.Error(t, err)
	}
	require.Equal(t, 2, probes.calls)
}
