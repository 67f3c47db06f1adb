package deposits

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/tiltvault/backend/internal/app/domain/deposit"
	"github.com/tiltvault/backend/internal/app/domain/vault"
)

func TestPollerSweepRerunsDueJobs(t *testing.T) {
	fc := &fakeChain{
		tokenBalance:  big.NewInt(1_000_000_000),
		nativeBalance: new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000_000_000)),
		allowance:     big.NewInt(100_000_000),
	}
	planner := &stubPlanner{tranches: []vault.Tranche{
		{Vault: aaveVault(), Amount: big.NewInt(25_000_000)},
	}}
	svc, store, _ := newTestService(t, fc, planner)
	ctx := context.Background()

	failed, err := store.CreateJob(ctx, deposit.Job{
		SquareID:      "pay-retry",
		WalletAddress: userWallet,
		RiskProfile:   "conservative",
		AmountCents:   2500,
		Status:        deposit.StatusFailed,
		Attempts:      1,
		Retryable:     true,
		NextAttempt:   time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	poller := NewPoller(svc, time.Second, nil)
	poller.sweep(ctx)

	job, err := store.GetJob(ctx, failed.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != deposit.StatusSucceeded {
		t.Fatalf("job status after sweep = %s (%s)", job.Status, job.LastError)
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d", job.Attempts)
	}
	if len(fc.sent) == 0 {
		t.Fatal("sweep sent no transactions")
	}
}

func TestPollerSweepSkipsFutureJobs(t *testing.T) {
	fc := &fakeChain{}
	svc, store, _ := newTestService(t, fc, &stubPlanner{})
	ctx := context.Background()

	if _, err := store.CreateJob(ctx, deposit.Job{
		SquareID:      "pay-later",
		WalletAddress: userWallet,
		AmountCents:   2500,
		Status:        deposit.StatusFailed,
		Retryable:     true,
		NextAttempt:   time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	NewPoller(svc, time.Second, nil).sweep(ctx)
	if len(fc.sent) != 0 {
		t.Fatal("job with a future next attempt was re-run")
	}
}

func TestPollerSweepSkipsLockedPayments(t *testing.T) {
	fc := &fakeChain{
		tokenBalance:  big.NewInt(1_000_000_000),
		nativeBalance: new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000_000_000)),
		allowance:     big.NewInt(100_000_000),
	}
	planner := &stubPlanner{tranches: []vault.Tranche{
		{Vault: aaveVault(), Amount: big.NewInt(25_000_000)},
	}}
	svc, store, _ := newTestService(t, fc, planner)
	ctx := context.Background()

	failed, err := store.CreateJob(ctx, deposit.Job{
		SquareID:      "pay-held",
		WalletAddress: userWallet,
		RiskProfile:   "conservative",
		AmountCents:   2500,
		Status:        deposit.StatusFailed,
		Attempts:      1,
		Retryable:     true,
		NextAttempt:   time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Another replica is executing the payment.
	if _, ok, err := store.Acquire(ctx, "payment:pay-held", time.Minute); err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}

	NewPoller(svc, time.Second, nil).sweep(ctx)

	job, err := store.GetJob(ctx, failed.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Attempts != 1 || len(fc.sent) != 0 {
		t.Fatalf("locked payment was re-run: attempts=%d sent=%d", job.Attempts, len(fc.sent))
	}
}

func TestPollerStartStop(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeChain{}, &stubPlanner{})
	poller := NewPoller(svc, 10*time.Millisecond, nil)

	if err := poller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := poller.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stopping again is a no-op.
	if err := poller.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
