package health

import (
	"context"
	"errors"
	"testing"

	"github.com/tiltvault/backend/internal/app/domain/health"
	"github.com/tiltvault/backend/internal/app/storage/memory"
)

func TestReportAllHealthy(t *testing.T) {
	svc := New("tiltvault", "test", nil, nil)
	svc.AddProbe("redis", true, func(ctx context.Context) error { return nil })
	svc.AddProbe("square", false, func(ctx context.Context) error { return nil })

	report := svc.Report(context.Background())
	if report.Status != health.StatusHealthy {
		t.Fatalf("status = %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("checks = %+v", report.Checks)
	}
	if report.Process.Goroutines <= 0 {
		t.Fatal("goroutine count missing")
	}
	if report.Uptime == "" || report.GeneratedAt.IsZero() {
		t.Fatal("report metadata missing")
	}
}

func TestReportCriticalFailureIsUnhealthy(t *testing.T) {
	svc := New("tiltvault", "test", nil, nil)
	svc.AddProbe("postgres", true, func(ctx context.Context) error { return errors.New("down") })
	svc.AddProbe("square", false, func(ctx context.Context) error { return nil })

	report := svc.Report(context.Background())
	if report.Status != health.StatusUnhealthy {
		t.Fatalf("status = %s", report.Status)
	}
	if report.Checks[0].Status != health.StatusUnhealthy || report.Checks[0].Detail != "down" {
		t.Fatalf("check = %+v", report.Checks[0])
	}
}

func TestReportNonCriticalFailureDegrades(t *testing.T) {
	svc := New("tiltvault", "test", nil, nil)
	svc.AddProbe("redis", true, func(ctx context.Context) error { return nil })
	svc.AddProbe("bank-accounts", false, func(ctx context.Context) error { return errors.New("forbidden") })

	report := svc.Report(context.Background())
	if report.Status != health.StatusDegraded {
		t.Fatalf("status = %s", report.Status)
	}
}

func TestSnapshotRecordsHistory(t *testing.T) {
	store := memory.New()
	svc := New("tiltvault", "test", store, nil)
	svc.AddProbe("redis", true, func(ctx context.Context) error { return nil })

	svc.Snapshot(context.Background())
	svc.Snapshot(context.Background())

	reports, err := svc.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports", len(reports))
	}
}

func TestMonitorLifecycle(t *testing.T) {
	svc := New("tiltvault", "test", memory.New(), nil)
	monitor := NewMonitor(svc, "@every 1h", nil)

	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := monitor.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := monitor.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestMonitorRejectsBadSchedule(t *testing.T) {
	monitor := NewMonitor(New("tiltvault", "test", nil, nil), "not-a-spec", nil)
	if err := monitor.Start(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}
