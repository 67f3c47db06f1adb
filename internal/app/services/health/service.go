// Package health aggregates dependency probes and process stats into
// service health reports.
package health

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/tiltvault/backend/internal/app/domain/health"
	"github.com/tiltvault/backend/internal/app/storage"
	"github.com/tiltvault/backend/pkg/logger"
)

const probeTimeout = 5 * time.Second

// Probe is one dependency check. Critical probe failures make the whole
// report unhealthy; non-critical ones only degrade it.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// Service builds and records health reports.
type Service struct {
	service     string
	environment string
	probes      []Probe
	store       storage.HealthStore
	startedAt   time.Time
	proc        *process.Process
	log         *logger.Logger
}

// New creates a health service. store may be nil when history is not kept.
func New(serviceName, environment string, store storage.HealthStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("health")
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.WithError(err).Warn("process stats unavailable")
	}
	return &Service{
		service:     serviceName,
		environment: environment,
		store:       store,
		startedAt:   time.Now(),
		proc:        proc,
		log:         log,
	}
}

// AddProbe registers a dependency check.
func (s *Service) AddProbe(name string, critical bool, check func(ctx context.Context) error) {
	s.probes = append(s.probes, Probe{Name: name, Critical: critical, Check: check})
}

// Report runs all probes and assembles a snapshot.
func (s *Service) Report(ctx context.Context) health.Report {
	report := health.Report{
		Status:      health.StatusHealthy,
		Service:     s.service,
		Environment: s.environment,
		Process:     s.processStats(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		GeneratedAt: time.Now().UTC(),
	}

	for _, probe := range s.probes {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		start := time.Now()
		err := probe.Check(probeCtx)
		cancel()

		check := health.Check{
			Name:    probe.Name,
			Status:  health.StatusHealthy,
			Latency: time.Since(start),
		}
		if err != nil {
			check.Detail = err.Error()
			if probe.Critical {
				check.Status = health.StatusUnhealthy
				report.Status = health.StatusUnhealthy
			} else {
				check.Status = health.StatusDegraded
				if report.Status == health.StatusHealthy {
					report.Status = health.StatusDegraded
				}
			}
		}
		report.Checks = append(report.Checks, check)
	}
	return report
}

// Snapshot builds a report and records it in the history store.
func (s *Service) Snapshot(ctx context.Context) health.Report {
	report := s.Report(ctx)
	if s.store != nil {
		if err := s.store.RecordReport(ctx, report); err != nil {
			s.log.WithError(err).Warn("health history write failed")
		}
	}
	return report
}

// History returns recent reports, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]health.Report, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListReports(ctx, limit)
}

func (s *Service) processStats() health.ProcessStats {
	stats := health.ProcessStats{Goroutines: runtime.NumGoroutine()}
	if s.proc == nil {
		return stats
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}
