// Package health holds the service health report model.
package health

import "time"

// CheckStatus is the outcome of a single dependency probe.
type CheckStatus string

const (
	StatusHealthy   CheckStatus = "healthy"
	StatusDegraded  CheckStatus = "degraded"
	StatusUnhealthy CheckStatus = "unhealthy"
)

// Check is one dependency probe result.
type Check struct {
	Name    string        `json:"name"`
	Status  CheckStatus   `json:"status"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// ProcessStats captures host-process resource usage.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

// Report is a point-in-time health snapshot.
type Report struct {
	Status      CheckStatus  `json:"status"`
	Service     string       `json:"service"`
	Environment string       `json:"environment"`
	Checks      []Check      `json:"checks"`
	Process     ProcessStats `json:"process"`
	Uptime      string       `json:"uptime"`
	GeneratedAt time.Time    `json:"generated_at"`
}
