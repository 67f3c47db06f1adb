package health

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	domain "github.com/tiltvault/backend/internal/app/domain/health"
	"github.com/tiltvault/backend/pkg/logger"
)

// DefaultSchedule is the monitor's default cron spec.
const DefaultSchedule = "@every 1m"

// Monitor periodically snapshots health into the history store. It is a
// lifecycle service managed by the system manager.
type Monitor struct {
	svc      *Service
	schedule string
	cron     *cron.Cron
	log      *logger.Logger
}

// NewMonitor creates a cron-driven health monitor.
func NewMonitor(svc *Service, schedule string, log *logger.Logger) *Monitor {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if log == nil {
		log = logger.NewDefault("health-monitor")
	}
	return &Monitor{svc: svc, schedule: schedule, log: log}
}

// Name implements system.Service.
func (m *Monitor) Name() string { return "health-monitor" }

// Start schedules the periodic snapshot.
func (m *Monitor) Start(ctx context.Context) error {
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(m.schedule, func() {
		report := m.svc.Snapshot(context.Background())
		if report.Status != domain.StatusHealthy {
			m.log.WithField("status", string(report.Status)).Warn("service not healthy")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", m.schedule, err)
	}
	c.Start()
	m.cron = c
	return nil
}

// Stop halts the schedule and waits for a running snapshot to finish.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cron == nil {
		return nil
	}
	stopCtx := m.cron.Stop()
	m.cron = nil
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
