// Package deposits executes the webhook-driven on-chain deposit pipeline:
// eligibility, idempotency locking, preflight checks, allocation and
// per-vault transaction sequencing.
package deposits

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tiltvault/backend/internal/app/domain/deposit"
	"github.com/tiltvault/backend/internal/app/domain/payment"
	"github.com/tiltvault/backend/internal/app/domain/vault"
	"github.com/tiltvault/backend/internal/app/metrics"
	"github.com/tiltvault/backend/internal/app/services/swap"
	"github.com/tiltvault/backend/internal/app/storage"
	"github.com/tiltvault/backend/internal/chain"
	"github.com/tiltvault/backend/internal/square"
	"github.com/tiltvault/backend/pkg/logger"
)

// Error classes for pipeline failures.
var (
	// ErrInsufficientFunds marks preflight failures the requeue poller may
	// retry once the treasury is topped up.
	ErrInsufficientFunds = errors.New("deposits: insufficient treasury funds")
	// ErrNotEligible marks events that carry no executable payment.
	ErrNotEligible = errors.New("deposits: event not eligible")
)

const (
	lockTTL = 5 * time.Minute
	// gasHeadroomBP pads the native-balance preflight estimate.
	gasHeadroomBP = 12000
	// fallbackGasLimit is used when estimation fails (proxy contracts).
	fallbackGasLimit = 350_000

	retryBackoffBase = time.Minute
)

// ChainAPI is the chain client surface the pipeline uses.
type ChainAPI interface {
	ChainID() *big.Int
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SuggestFees(ctx context.Context) (chain.Fees, error)
	EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SendAndWait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Planner produces vault tranches for a risk profile.
type Planner interface {
	PlanFor(profile string, amount *big.Int) ([]vault.Tranche, error)
}

// Swapper builds swap legs when a vault asset differs from the funding
// asset.
type Swapper interface {
	BuildSwap(ctx context.Context, in, out common.Address, amountIn *big.Int, recipient common.Address, slippageBP int) (swap.Swap, error)
}

// PaymentMarker applies webhook-driven payment status transitions.
type PaymentMarker interface {
	MarkStatus(ctx context.Context, squareID string, status payment.Status) (payment.Payment, error)
}

// Config holds the pipeline's chain-side settings.
type Config struct {
	FundingAsset    common.Address
	FundingDecimals int
	MaxAttempts     int
}

// Service runs the deposit pipeline.
type Service struct {
	cfg      Config
	jobs     storage.DepositStore
	locker   storage.Locker
	payments PaymentMarker
	planner  Planner
	swapper  Swapper
	chain    ChainAPI
	signer   *chain.Signer
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// New creates the deposit service. swapper and metrics may be nil.
func New(cfg Config, jobs storage.DepositStore, locker storage.Locker, payments PaymentMarker,
	planner Planner, swapper Swapper, chainAPI ChainAPI, signer *chain.Signer,
	m *metrics.Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("deposits")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Service{
		cfg:      cfg,
		jobs:     jobs,
		locker:   locker,
		payments: payments,
		planner:  planner,
		swapper:  swapper,
		chain:    chainAPI,
		signer:   signer,
		metrics:  m,
		log:      log,
	}
}

// Result reports how a webhook event was handled.
type Result struct {
	Processed bool        `json:"processed"`
	Duplicate bool        `json:"duplicate"`
	Reason    string      `json:"reason,omitempty"`
	Job       deposit.Job `json:"job,omitempty"`
}

// HandleEvent runs the pipeline for a verified, parsed webhook event.
// Execution failures are recorded on the job, not returned: the webhook
// must still be acknowledged to stop Square redelivery.
func (s *Service) HandleEvent(ctx context.Context, ev square.WebhookEvent) (Result, error) {
	if ev.PaymentID == "" {
		return Result{Reason: "no payment in event"}, nil
	}

	status := payment.Status(ev.Status)
	if _, err := s.payments.MarkStatus(ctx, ev.PaymentID, status); err != nil {
		s.log.WithError(err).WithField("square_id", ev.PaymentID).Warn("payment status update failed")
	}

	note := square.ParseNote(ev.Note)
	if status != payment.StatusCompleted {
		return Result{Reason: fmt.Sprintf("payment status %s", ev.Status)}, nil
	}
	if !chain.ValidAddress(note.WalletAddress) {
		s.observeWebhook(ev.Type, "no_wallet")
		return Result{Reason: "no recoverable wallet address"}, nil
	}

	// Terminal job already recorded for this payment: duplicate delivery.
	if existing, err := s.jobs.GetJobBySquareID(ctx, ev.PaymentID); err == nil {
		s.markDuplicate(ev.Type)
		return Result{Duplicate: true, Job: existing}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("job lookup %s: %w", ev.PaymentID, err)
	}

	token, ok, err := s.locker.Acquire(ctx, "payment:"+ev.PaymentID, lockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("acquire lock %s: %w", ev.PaymentID, err)
	}
	if !ok {
		s.markDuplicate(ev.Type)
		return Result{
			Duplicate: true,
			Reason:    "payment already being processed",
			Job:       deposit.Job{SquareID: ev.PaymentID, Status: deposit.StatusDuplicate},
		}, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), "payment:"+ev.PaymentID, token); err != nil {
			s.log.WithError(err).WithField("square_id", ev.PaymentID).Warn("lock release failed")
		}
	}()

	// Re-check under the lock: another delivery may have won the race.
	if existing, err := s.jobs.GetJobBySquareID(ctx, ev.PaymentID); err == nil {
		s.markDuplicate(ev.Type)
		return Result{Duplicate: true, Job: existing}, nil
	}

	riskProfile := note.RiskProfile
	if riskProfile == "" {
		riskProfile = "conservative"
	}
	job, err := s.jobs.CreateJob(ctx, deposit.Job{
		SquareID:      ev.PaymentID,
		WalletAddress: chain.Checksum(note.WalletAddress),
		RiskProfile:   riskProfile,
		AmountCents:   ev.AmountCents,
		Status:        deposit.StatusPending,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create job %s: %w", ev.PaymentID, err)
	}

	job = s.Execute(ctx, job)
	s.observeWebhook(ev.Type, string(job.Status))
	return Result{Processed: true, Job: job}, nil
}

// Execute runs (or re-runs) a deposit job and persists the outcome.
func (s *Service) Execute(ctx context.Context, job deposit.Job) deposit.Job {
	start := time.Now()
	job.Status = deposit.StatusRunning
	job.Attempts++
	job.Steps = nil
	job.LastError = ""
	job = s.saveJob(ctx, job)

	err := s.run(ctx, &job)
	if err != nil {
		job.Status = deposit.StatusFailed
		job.LastError = err.Error()
		job.Retryable = retryable(err) && job.Attempts < s.cfg.MaxAttempts
		if job.Retryable {
			backoff := retryBackoffBase << (job.Attempts - 1)
			job.NextAttempt = time.Now().UTC().Add(backoff)
		}
		s.log.WithError(err).WithFields(map[string]interface{}{
			"job":       job.ID,
			"square_id": job.SquareID,
			"attempt":   job.Attempts,
			"retryable": job.Retryable,
		}).Error("deposit job failed")
	} else {
		job.Status = deposit.StatusSucceeded
		s.log.WithFields(map[string]interface{}{
			"job":       job.ID,
			"square_id": job.SquareID,
			"steps":     len(job.Steps),
		}).Info("deposit job succeeded")
	}

	if s.metrics != nil {
		s.metrics.DepositJobs.WithLabelValues(string(job.Status)).Inc()
		s.metrics.DepositDuration.Observe(time.Since(start).Seconds())
		s.metrics.DepositAmount.Observe(float64(job.AmountCents) / 100)
	}
	return s.saveJob(ctx, job)
}

func (s *Service) run(ctx context.Context, job *deposit.Job) error {
	amount := CentsToUnits(job.AmountCents, s.cfg.FundingDecimals)
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount %d cents is below one base unit", ErrNotEligible, job.AmountCents)
	}

	tranches, err := s.planner.PlanFor(job.RiskProfile, amount)
	if err != nil {
		return fmt.Errorf("allocation: %v", err)
	}

	if err := s.preflight(ctx, job, amount, tranches); err != nil {
		return err
	}

	treasury := s.signer.Address()
	nonce, err := s.chain.PendingNonce(ctx, treasury)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}

	recipient := common.HexToAddress(job.WalletAddress)
	for _, tranche := range tranches {
		if err := s.executeTranche(ctx, job, tranche, recipient, &nonce); err != nil {
			return err
		}
	}
	return nil
}

// preflight verifies the treasury holds the asset amount and enough native
// coin for the planned transactions.
func (s *Service) preflight(ctx context.Context, job *deposit.Job, amount *big.Int, tranches []vault.Tranche) error {
	step := s.startStep(job, "preflight", "")
	treasury := s.signer.Address()

	balance, err := s.chain.TokenBalance(ctx, s.cfg.FundingAsset, treasury)
	if err != nil {
		return s.failStep(job, step, fmt.Errorf("treasury balance: %w", err))
	}
	if balance.Cmp(amount) < 0 {
		return s.failStep(job, step, fmt.Errorf("%w: asset balance %s < required %s",
			ErrInsufficientFunds, balance, amount))
	}

	fees, err := s.chain.SuggestFees(ctx)
	if err != nil {
		return s.failStep(job, step, fmt.Errorf("fee suggestion: %w", err))
	}

	txCount := txBudget(tranches, s.cfg.FundingAsset)
	gasNeed := new(big.Int).SetUint64(fallbackGasLimit)
	gasNeed.Mul(gasNeed, big.NewInt(txCount))
	gasNeed.Mul(gasNeed, fees.FeeCap)
	gasNeed.Mul(gasNeed, big.NewInt(gasHeadroomBP))
	gasNeed.Div(gasNeed, big.NewInt(10000))

	native, err := s.chain.NativeBalance(ctx, treasury)
	if err != nil {
		return s.failStep(job, step, fmt.Errorf("native balance: %w", err))
	}
	if native.Cmp(gasNeed) < 0 {
		return s.failStep(job, step, fmt.Errorf("%w: native balance %s < estimated gas %s",
			ErrInsufficientFunds, native, gasNeed))
	}

	s.finishStep(job, step)
	return nil
}

// txBudget counts the worst-case transactions for a plan, priced at the fee
// cap during preflight. A tranche whose vault asset matches the funding
// asset needs at most approve and deposit. A foreign-asset tranche also
// needs a router approve and the swap itself. One spare transaction on top.
func txBudget(tranches []vault.Tranche, funding common.Address) int64 {
	count := int64(1)
	for _, tranche := range tranches {
		if common.HexToAddress(tranche.Vault.Asset) != funding {
			count += 4
		} else {
			count += 2
		}
	}
	return count
}

// executeTranche deposits one tranche into its vault: optional swap leg,
// allowance check, approve when short, then the protocol deposit call.
func (s *Service) executeTranche(ctx context.Context, job *deposit.Job, tranche vault.Tranche, recipient common.Address, nonce *uint64) error {
	v := tranche.Vault
	asset := common.HexToAddress(v.Asset)
	amount := tranche.Amount
	spender := common.HexToAddress(v.Address)

	if asset != s.cfg.FundingAsset {
		swapped, err := s.swapLeg(ctx, job, v, amount, nonce)
		if err != nil {
			return err
		}
		amount = swapped
	}

	if err := s.ensureAllowance(ctx, job, v.ID, asset, spender, amount, nonce); err != nil {
		return err
	}

	data, value, err := s.depositCalldata(v, amount, recipient)
	if err != nil {
		return err
	}
	step := s.startStep(job, "deposit_"+string(v.Protocol), v.ID)
	if err := s.sendTx(ctx, job, step, spender, value, data, nonce); err != nil {
		return err
	}
	return nil
}

// swapLeg converts funding asset into the vault's asset. The router is
// approved first when its allowance is short.
func (s *Service) swapLeg(ctx context.Context, job *deposit.Job, v vault.Vault, amountIn *big.Int, nonce *uint64) (*big.Int, error) {
	if s.swapper == nil {
		return nil, fmt.Errorf("vault %s needs %s but no swap route is configured", v.ID, v.Asset)
	}
	treasury := s.signer.Address()
	built, err := s.swapper.BuildSwap(ctx, s.cfg.FundingAsset, common.HexToAddress(v.Asset), amountIn, treasury, 0)
	if err != nil {
		return nil, fmt.Errorf("build swap for %s: %w", v.ID, err)
	}

	if err := s.ensureAllowance(ctx, job, v.ID, s.cfg.FundingAsset, built.Router, amountIn, nonce); err != nil {
		return nil, err
	}

	step := s.startStep(job, "swap", v.ID)
	if err := s.sendTx(ctx, job, step, built.Router, nil, built.Calldata, nonce); err != nil {
		return nil, err
	}
	// The guaranteed minimum is what the vault deposit can rely on.
	return built.MinOut, nil
}

// ensureAllowance approves spender when the current allowance is below
// amount. Sufficient allowances are left untouched.
func (s *Service) ensureAllowance(ctx context.Context, job *deposit.Job, vaultID string, token, spender common.Address, amount *big.Int, nonce *uint64) error {
	treasury := s.signer.Address()
	current, err := s.chain.Allowance(ctx, token, treasury, spender)
	if err != nil {
		return fmt.Errorf("allowance %s: %w", vaultID, err)
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}

	data, err := chain.PackApprove(spender, amount)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	step := s.startStep(job, "approve", vaultID)
	return s.sendTx(ctx, job, step, token, nil, data, nonce)
}

func (s *Service) depositCalldata(v vault.Vault, amount *big.Int, recipient common.Address) ([]byte, *big.Int, error) {
	asset := common.HexToAddress(v.Asset)
	switch v.Protocol {
	case vault.ProtocolAave:
		data, err := chain.PackAaveSupply(asset, amount, recipient)
		return data, nil, err
	case vault.ProtocolERC4626:
		data, err := chain.PackERC4626Deposit(amount, recipient)
		return data, nil, err
	case vault.ProtocolGMX:
		data, err := chain.PackGMXIncreasePosition(chain.GMXIncreaseParams{
			Path:            []common.Address{asset},
			IndexToken:      asset,
			AmountIn:        amount,
			MinOut:          new(big.Int),
			SizeDelta:       new(big.Int).Set(amount),
			IsLong:          true,
			AcceptablePrice: new(big.Int),
			ExecutionFee:    new(big.Int),
		})
		return data, nil, err
	}
	return nil, nil, fmt.Errorf("vault %s: unknown protocol %q", v.ID, v.Protocol)
}

// sendTx estimates, signs, submits and waits for one transaction, recording
// the step outcome on the job.
func (s *Service) sendTx(ctx context.Context, job *deposit.Job, step stepHandle, to common.Address, value *big.Int, data []byte, nonce *uint64) error {
	treasury := s.signer.Address()

	gas, err := s.chain.EstimateGas(ctx, treasury, to, data)
	if err != nil {
		s.log.WithError(err).WithField("to", to.Hex()).Debug("gas estimation failed, using fallback")
		gas = fallbackGasLimit
	}
	fees, err := s.chain.SuggestFees(ctx)
	if err != nil {
		return s.failStep(job, step, fmt.Errorf("fee suggestion: %w", err))
	}

	tx, err := s.signer.SignTx(chain.TxParams{
		Nonce:   *nonce,
		To:      to,
		Value:   value,
		Gas:     gas,
		Fees:    fees,
		Data:    data,
		ChainID: s.chain.ChainID(),
	})
	if err != nil {
		return s.failStep(job, step, err)
	}

	sent := time.Now()
	receipt, err := s.chain.SendAndWait(ctx, tx)
	elapsed := time.Since(sent)
	stepName := job.Steps[step.index].Name
	if err != nil {
		s.observeTx(stepName, "error", receipt, elapsed)
		if receipt != nil {
			job.Steps[step.index].TxHash = tx.Hash().Hex()
			job.Steps[step.index].GasUsed = receipt.GasUsed
		}
		return s.failStep(job, step, err)
	}

	*nonce++
	job.Steps[step.index].TxHash = tx.Hash().Hex()
	job.Steps[step.index].GasUsed = receipt.GasUsed
	s.observeTx(stepName, "ok", receipt, elapsed)
	s.finishStep(job, step)
	return nil
}

// Step bookkeeping -----------------------------------------------------------

type stepHandle struct {
	index int
	start time.Time
}

func (s *Service) startStep(job *deposit.Job, name, vaultID string) stepHandle {
	job.Steps = append(job.Steps, deposit.StepResult{
		Name:    name,
		VaultID: vaultID,
		Status:  "running",
	})
	return stepHandle{index: len(job.Steps) - 1, start: time.Now()}
}

func (s *Service) finishStep(job *deposit.Job, h stepHandle) {
	job.Steps[h.index].Status = "succeeded"
	job.Steps[h.index].Duration = time.Since(h.start)
}

func (s *Service) failStep(job *deposit.Job, h stepHandle, err error) error {
	job.Steps[h.index].Status = "failed"
	job.Steps[h.index].Error = err.Error()
	job.Steps[h.index].Duration = time.Since(h.start)
	return err
}

func (s *Service) saveJob(ctx context.Context, job deposit.Job) deposit.Job {
	saved, err := s.jobs.UpdateJob(ctx, job)
	if err != nil {
		s.log.WithError(err).WithField("job", job.ID).Error("job update failed")
		return job
	}
	return saved
}

// Retry re-runs a retryable job under the payment idempotency lock so that
// concurrent replicas never execute the same payment twice. It reports
// whether the job was actually re-run; jobs whose lock is held elsewhere are
// left for the next sweep.
func (s *Service) Retry(ctx context.Context, job deposit.Job) (deposit.Job, bool) {
	key := "payment:" + job.SquareID
	token, ok, err := s.locker.Acquire(ctx, key, lockTTL)
	if err != nil {
		s.log.WithError(err).WithField("square_id", job.SquareID).Warn("retry lock failed")
		return job, false
	}
	if !ok {
		return job, false
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.WithError(err).WithField("square_id", job.SquareID).Warn("lock release failed")
		}
	}()

	// Re-fetch under the lock: another replica may have finished the job
	// while it sat in the queue.
	current, err := s.jobs.GetJob(ctx, job.ID)
	if err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("retry lookup failed")
		return job, false
	}
	if current.Status.Terminal() && current.Status != deposit.StatusFailed {
		return current, false
	}
	if !current.Retryable {
		return current, false
	}
	return s.Execute(ctx, current), true
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, id string) (deposit.Job, error) {
	return s.jobs.GetJob(ctx, id)
}

// ListByWallet returns a wallet's jobs, newest first.
func (s *Service) ListByWallet(ctx context.Context, walletAddress string) ([]deposit.Job, error) {
	return s.jobs.ListJobsByWallet(ctx, walletAddress)
}

func (s *Service) markDuplicate(eventType string) {
	if s.metrics != nil {
		s.metrics.DuplicateSkips.Inc()
	}
	s.observeWebhook(eventType, "duplicate")
}

func (s *Service) observeWebhook(eventType, outcome string) {
	if s.metrics != nil {
		s.metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	}
}

func (s *Service) observeTx(step, outcome string, receipt *types.Receipt, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.ChainTxs.WithLabelValues(step, outcome).Inc()
	s.metrics.ChainTxSeconds.Observe(elapsed.Seconds())
	if receipt != nil {
		s.metrics.ChainTxGas.Observe(float64(receipt.GasUsed))
	}
}

// retryable classifies failures the requeue poller may re-run.
func retryable(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, chain.ErrReceiptTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// CentsToUnits converts fiat cents into token base units for an asset with
// the given decimals. USD stablecoins with 6 decimals: 1 cent = 10^4 units.
func CentsToUnits(cents int64, decimals int) *big.Int {
	v := big.NewInt(cents)
	exp := decimals - 2
	if exp >= 0 {
		return v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
	}
	return v.Div(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-exp)), nil))
}
