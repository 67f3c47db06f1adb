package deposits

import (
	"context"
	"sync"
	"time"

	"github.com/tiltvault/backend/pkg/logger"
)

// DefaultRequeueInterval is how often failed-retryable jobs are re-scanned.
const DefaultRequeueInterval = 30 * time.Second

// Poller re-runs failed-retryable deposit jobs on an interval. It is a
// lifecycle service managed by the system manager.
type Poller struct {
	svc      *Service
	interval time.Duration
	log      *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a requeue poller over the deposit service.
func NewPoller(svc *Service, interval time.Duration, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultRequeueInterval
	}
	if log == nil {
		log = logger.NewDefault("deposit-requeue")
	}
	return &Poller{svc: svc, interval: interval, log: log}
}

// Name implements system.Service.
func (p *Poller) Name() string { return "deposit-requeue" }

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(runCtx)
	return nil
}

// Stop terminates the loop and waits for it to drain.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep re-runs every due retryable job.
func (p *Poller) sweep(ctx context.Context) {
	jobs, err := p.svc.jobs.ListRetryableJobs(ctx, time.Now().UTC())
	if err != nil {
		p.log.WithError(err).Warn("retryable job scan failed")
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if _, ran := p.svc.Retry(ctx, job); !ran {
			p.log.WithField("job", job.ID).Debug("retry skipped, job locked or no longer retryable")
			continue
		}
		p.log.WithFields(map[string]interface{}{
			"job":     job.ID,
			"attempt": job.Attempts + 1,
		}).Info("re-ran failed deposit job")
		if p.svc.metrics != nil {
			p.svc.metrics.RequeuedJobs.Inc()
		}
	}
}
