package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/repositories"
)

// SystemServiceDeps wires the readiness service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// ReportTTL reuses a successful report for this long. Zero probes on every call.
	ReportTTL time.Duration
}

type readinessService struct {
	probes repositories.HealthRepository
	now    func() time.Time
	build  BuildInfo
	ttl    time.Duration

	mu       sync.Mutex
	last     SystemHealthReport
	lastAt   time.Time
	haveLast bool
}

var _ SystemService = (*readinessService)(nil)

// NewSystemService stamps dependency reports with build metadata and uptime.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	svc := &readinessService{
		probes: deps.HealthRepository,
		now:    func() time.Time { return clock().UTC() },
		build:  deps.Build,
		ttl:    deps.ReportTTL,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	return svc, nil
}

func (s *readinessService) Build() BuildInfo { return s.build }

func (s *readinessService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: nil context")
	}
	now := s.now()
	if cached, ok := s.cached(now); ok {
		cached.Uptime = now.Sub(s.build.StartedAt)
		return cached, nil
	}

	report, err := s.probes.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	report = s.stamp(report, now)

	if s.ttl > 0 {
		s.mu.Lock()
		s.last, s.lastAt, s.haveLast = report, now, true
		s.mu.Unlock()
	}
	return report, nil
}

func (s *readinessService) cached(now time.Time) (SystemHealthReport, bool) {
	if s.ttl <= 0 {
		return SystemHealthReport{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveLast || now.Sub(s.lastAt) >= s.ttl {
		return SystemHealthReport{}, false
	}
	return s.last, true
}

func (s *readinessService) stamp(report SystemHealthReport, now time.Time) SystemHealthReport {
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status == "" {
		report.Status = overallStatus(report.Checks)
	}
	return report
}

func overallStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		if check.Status == domain.HealthStatusError {
			return domain.HealthStatusError
		}
		if check.Status == domain.HealthStatusDegraded {
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
