package deposits

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tiltvault/backend/internal/app/domain/deposit"
	"github.com/tiltvault/backend/internal/app/domain/payment"
	"github.com/tiltvault/backend/internal/app/domain/vault"
	"github.com/tiltvault/backend/internal/app/metrics"
	"github.com/tiltvault/backend/internal/app/storage/memory"
	"github.com/tiltvault/backend/internal/chain"
	"github.com/tiltvault/backend/internal/square"
)

var (
	fundingAsset = common.HexToAddress("0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E")
	aavePool     = "0x794a61358D6845594F94dc1DB02A252b5b4814aD"
	userWallet   = "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"
	treasuryKey  = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"
)

// fakeChain is a canned ChainAPI.
type fakeChain struct {
	tokenBalance  *big.Int
	nativeBalance *big.Int
	allowance     *big.Int
	nonce         uint64
	callOut       []byte
	callErr       error
	sent          []*types.Transaction
	receipt       *types.Receipt
	sendErr       error
}

func (f *fakeChain) ChainID() *big.Int { return big.NewInt(43114) }

func (f *fakeChain) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return f.nativeBalance, nil
}

func (f *fakeChain) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return f.tokenBalance, nil
}

func (f *fakeChain) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return f.allowance, nil
}

func (f *fakeChain) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callOut, nil
}

func (f *fakeChain) SuggestFees(ctx context.Context) (chain.Fees, error) {
	return chain.Fees{TipCap: big.NewInt(1), FeeCap: big.NewInt(50)}, nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	return 120_000, nil
}

func (f *fakeChain) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChain) SendAndWait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	f.sent = append(f.sent, tx)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.receipt != nil {
		return f.receipt, nil
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 64_000}, nil
}

// stubPlanner returns fixed tranches.
type stubPlanner struct {
	tranches []vault.Tranche
}

func (p *stubPlanner) PlanFor(profile string, amount *big.Int) ([]vault.Tranche, error) {
	return p.tranches, nil
}

// stubMarker records status transitions.
type stubMarker struct {
	marks map[string]payment.Status
}

func (m *stubMarker) MarkStatus(ctx context.Context, squareID string, status payment.Status) (payment.Payment, error) {
	if m.marks == nil {
		m.marks = map[string]payment.Status{}
	}
	m.marks[squareID] = status
	return payment.Payment{SquareID: squareID, Status: status}, nil
}

func aaveVault() vault.Vault {
	return vault.Vault{
		ID: "aave-usdc", Name: "Aave v3 USDC", Protocol: vault.ProtocolAave,
		ChainID: 43114, Address: aavePool, Asset: fundingAsset.Hex(),
		Decimals: 6, Enabled: true,
	}
}

func newTestService(t *testing.T, fc *fakeChain, planner Planner) (*Service, *memory.Store, *stubMarker) {
	t.Helper()
	signer, err := chain.NewSigner(treasuryKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	store := memory.New()
	marker := &stubMarker{}
	svc := New(Config{FundingAsset: fundingAsset, FundingDecimals: 6, MaxAttempts: 3},
		store, store, marker, planner, nil, fc, signer, nil, nil)
	return svc, store, marker
}

func completedEvent(amountCents int64) square.WebhookEvent {
	return square.WebhookEvent{
		EventID:     "ev-1",
		Type:        "payment.updated",
		PaymentID:   "pay-1",
		Status:      "COMPLETED",
		AmountCents: amountCents,
		Currency:    "USD",
		Note:        "wallet:" + userWallet + " risk:conservative email:a@b.co",
	}
}

func TestHandleEventExecutesDeposit(t *testing.T) {
	fc := &fakeChain{
		tokenBalance:  big.NewInt(1_000_000_000), // 1000 USDC
		nativeBalance: new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000_000_000)),
		allowance:     big.NewInt(0),
		nonce:         7,
	}
	planner := &stubPlanner{tranches: []vault.Tranche{
		{Vault: aaveVault(), Amount: big.NewInt(25_000_000)},
	}}
	svc, _, marker := newTestService(t, fc, planner)

	res, err := svc.HandleEvent(context.Background(), completedEvent(2500))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if !res.Processed || res.Duplicate {
		t.Fatalf("result = %+v", res)
	}
	if res.Job.Status != deposit.StatusSucceeded {
		t.Fatalf("job status = %s (%s)", res.Job.Status, res.Job.LastError)
	}
	if marker.marks["pay-1"] != payment.StatusCompleted {
		t.Fatalf("payment not marked: %+v", marker.marks)
	}

	// preflight, approve (allowance 0), aave supply
	names := stepNames(res.Job)
	want := []string{"preflight", "approve", "deposit_aave"}
	if len(names) != len(want) {
		t.Fatalf("steps = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("steps = %v, want %v", names, want)
		}
	}

	// Two transactions, strictly nonce-ordered from the pending nonce.
	if len(fc.sent) != 2 {
		t.Fatalf("sent %d transactions", len(fc.sent))
	}
	if fc.sent[0].Nonce() != 7 || fc.sent[1].Nonce() != 8 {
		t.Fatalf("nonces = %d, %d", fc.sent[0].Nonce(), fc.sent[1].Nonce())
	}
}

func TestHandleEventSkipsApproveWhenAllowanceCovers(t *testing.T) {
	fc := &fakeChain{
		tokenBalance:  big.NewInt(1_000_000_000),
		nativeBalance: new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000_000_000)),
		allowance:     big.NewInt(100_000_000),
	}
	planner := &stubPlanner{tranches: []vault.Tranche{
		{Vault: aaveVault(), Amount: big.NewInt(25_000_000)},
	}}
	svc, _, _ := newTestService(t, fc, planner)

	res, err := svc.HandleEvent(context.Background(), completedEvent(2500))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	names := stepNames(res.Job)
	for _, n := range names {
		if n == "approve" {
			t.Fatalf("approve sent despite sufficient allowance: %v", names)
		}
	}
	if len(fc.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(fc.sent))
	}
}

func TestHandleEventDuplicateDelivery(t *testing.T) {
	fc := &fakeChain{
		tokenBalance:  big.NewInt(1_000_000_000),
		nativeBalance: new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000_000_000)),
		allowance:     big.NewInt(100_000_000),
	}
	planner := &stubPlanner{tranches: []vault.Tranche{
		{Vault: aaveVault(), Amount: big.NewInt(25_000_000)},
	}}
	svc, _, _ := newTestService(t, fc, planner)
	ctx := context.Background()

	first, err := svc.HandleEvent(ctx, completedEvent(2500))
	if err != nil {
		t.Fatalf("first HandleEvent: %v", err)
	}
	sentBefore := len(fc.sent)

	second, err := svc.HandleEvent(ctx, completedEvent(2500))
	if err != nil {
		t.Fatalf("second HandleEvent: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("second delivery not marked duplicate: %+v", second)
	}
	if second.Job.ID != first.Job.ID {
		t.Fatalf("duplicate returned a different job")
	}
	if len(fc.sent) != sentBefore {
		t.Fatal("duplicate delivery re-executed transactions")
	}
}

func TestHandleEventWhileLockedSkipsAsDuplicate(t *testing.T) {
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

	// Another replica holds the payment lock.
	if _, ok, err := store.Acquire(ctx, "payment:pay-1", time.Minute); err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}

	res, err := svc.HandleEvent(ctx, completedEvent(2500))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("result = %+v", res)
	}
	if res.Job.SquareID != "pay-1" || res.Job.Status != deposit.StatusDuplicate {
		t.Fatalf("disposition job = %+v", res.Job)
	}
	if len(fc.sent) != 0 {
		t.Fatal("locked payment must not execute transactions")
	}
}

func TestHandleEventIgnoresNonCompleted(t *testing.T) {
	svc, store, marker := newTestService(t, &fakeChain{}, &stubPlanner{})
	ev := completedEvent(2500)
	ev.Status = "PENDING"

	res, err := svc.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Processed || res.Duplicate {
		t.Fatalf("result = %+v", res)
	}
	if marker.marks["pay-1"] != payment.StatusPending {
		t.Fatal("payment status not recorded")
	}
	if _, err := store.GetJobBySquareID(context.Background(), "pay-1"); err == nil {
		t.Fatal("job created for non-completed payment")
	}
}

func TestHandleEventNoWallet(t *testing.T) {
	svc, store, _ := newTestService(t, &fakeChain{}, &stubPlanner{})
	ev := completedEvent(2500)
	ev.Note = ""

	res, err := svc.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Processed {
		t.Fatalf("result = %+v", res)
	}
	if _, err := store.GetJobBySquareID(context.Background(), "pay-1"); err == nil {
		t.Fatal("job created without a wallet")
	}
}

func TestHandleEventInsufficientBalanceFailsRetryable(t *testing.T) {
	fc := &fakeChain{
		tokenBalance:  big.NewInt(1_000), // far below 25 USDC
		nativeBalance: new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000_000_000)),
		allowance:     big.NewInt(0),
	}
	planner := &stubPlanner{tranches: []vault.Tranche{
		{Vault: aaveVault(), Amount: big.NewInt(25_000_000)},
	}}
	svc, _, _ := newTestService(t, fc, planner)

	res, err := svc.HandleEvent(context.Background(), completedEvent(2500))
	if err != nil {
		t.Fatalf("HandleEvent must not error on execution failure: %v", err)
	}
	if res.Job.Status != deposit.StatusFailed {
		t.Fatalf("job status = %s", res.Job.Status)
	}
	if !res.Job.Retryable {
		t.Fatal("insufficient funds must be retryable")
	}
	if res.Job.NextAttempt.IsZero() {
		t.Fatal("retryable job needs a next attempt time")
	}
	if len(fc.sent) != 0 {
		t.Fatal("no transactions should be sent after preflight failure")
	}
}

func TestHandleEventRevertNotRetryable(t *testing.T) {
	fc := &fakeChain{
		tokenBalance:  big.NewInt(1_000_000_000),
		nativeBalance: new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000_000_000)),
		allowance:     big.NewInt(100_000_000),
		sendErr:       chain.ErrTxReverted,
	}
	planner := &stubPlanner{tranches: []vault.Tranche{
		{Vault: aaveVault(), Amount: big.NewInt(25_000_000)},
	}}
	svc, _, _ := newTestService(t, fc, planner)

	res, err := svc.HandleEvent(context.Background(), completedEvent(2500))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Job.Status != deposit.StatusFailed || res.Job.Retryable {
		t.Fatalf("reverted tx should fail permanently: %+v", res.Job)
	}
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	fc := &fakeChain{
		tokenBalance:  big.NewInt(1_000),
		nativeBalance: big.NewInt(1),
		allowance:     big.NewInt(0),
	}
	planner := &stubPlanner{tranches: []vault.Tranche{
		{Vault: aaveVault(), Amount: big.NewInt(25_000_000)},
	}}
	svc, store, _ := newTestService(t, fc, planner)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, deposit.Job{
		SquareID: "pay-x", WalletAddress: userWallet, RiskProfile: "conservative",
		AmountCents: 2500, Status: deposit.StatusPending,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	for i := 0; i < 3; i++ {
		job = svc.Execute(ctx, job)
	}
	if job.Attempts != 3 {
		t.Fatalf("attempts = %d", job.Attempts)
	}
	if job.Retryable {
		t.Fatal("job still retryable after max attempts")
	}
}

func TestCentsToUnits(t *testing.T) {
	cases := []struct {
		cents    int64
		decimals int
		want     string
	}{
		{2500, 6, "25000000"},  // $25 in USDC
		{1, 6, "10000"},        // 1 cent
		{2500, 18, "25000000000000000000"},
		{2500, 2, "2500"},
		{2500, 0, "25"},
	}
	for _, tc := range cases {
		got := CentsToUnits(tc.cents, tc.decimals)
		if got.String() != tc.want {
			t.Errorf("CentsToUnits(%d, %d) = %s, want %s", tc.cents, tc.decimals, got, tc.want)
		}
	}
}

func TestTxBudgetCountsSwapLegs(t *testing.T) {
	wavaxVault := aaveVault()
	wavaxVault.Asset = "0xB31f66AA3C1e785363F0875A1B74E27b85FD66c7"

	cases := []struct {
		name     string
		tranches []vault.Tranche
		want     int64
	}{
		{"funding asset only", []vault.Tranche{{Vault: aaveVault()}}, 3},
		{"foreign asset", []vault.Tranche{{Vault: wavaxVault}}, 5},
		{"mixed", []vault.Tranche{{Vault: aaveVault()}, {Vault: wavaxVault}}, 7},
	}
	for _, tc := range cases {
		if got := txBudget(tc.tranches, fundingAsset); got != tc.want {
			t.Errorf("%s: txBudget = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestPreflightBudgetsForeignAssetGas(t *testing.T) {
	wavaxVault := aaveVault()
	wavaxVault.ID = "aave-wavax"
	wavaxVault.Asset = "0xB31f66AA3C1e785363F0875A1B74E27b85FD66c7"

	// Enough native coin for three fallback-priced transactions but not for
	// the five a swap tranche can need (router approve, swap, vault approve,
	// deposit, plus the spare).
	fc := &fakeChain{
		tokenBalance:  big.NewInt(1_000_000_000),
		nativeBalance: big.NewInt(80_000_000),
		allowance:     big.NewInt(0),
	}
	planner := &stubPlanner{tranches: []vault.Tranche{
		{Vault: wavaxVault, Amount: big.NewInt(25_000_000)},
	}}
	svc, _, _ := newTestService(t, fc, planner)

	res, err := svc.HandleEvent(context.Background(), completedEvent(2500))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Job.Status != deposit.StatusFailed || !res.Job.Retryable {
		t.Fatalf("job = %+v", res.Job)
	}
	if len(fc.sent) != 0 {
		t.Fatal("underfunded plan must not send transactions")
	}
}

func TestExecuteObservesTransactionWaitTime(t *testing.T) {
	fc := &fakeChain{
		tokenBalance:  big.NewInt(1_000_000_000),
		nativeBalance: new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000_000_000)),
		allowance:     big.NewInt(0),
	}
	planner := &stubPlanner{tranches: []vault.Tranche{
		{Vault: aaveVault(), Amount: big.NewInt(25_000_000)},
	}}
	signer, err := chain.NewSigner(treasuryKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	store := memory.New()
	m := metrics.New()
	svc := New(Config{FundingAsset: fundingAsset, FundingDecimals: 6, MaxAttempts: 3},
		store, store, &stubMarker{}, planner, nil, fc, signer, m, nil)

	res, err := svc.HandleEvent(context.Background(), completedEvent(2500))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Job.Status != deposit.StatusSucceeded {
		t.Fatalf("job status = %s (%s)", res.Job.Status, res.Job.LastError)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var samples uint64
	for _, mf := range families {
		if mf.GetName() == "tiltvault_chain_transaction_wait_seconds" {
			samples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	// approve + deposit, one wait observation per transaction
	if samples != 2 {
		t.Fatalf("wait samples = %d, want 2", samples)
	}
}

func TestRetrySkipsWhenLockHeld(t *testing.T) {
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

	job, err := store.CreateJob(ctx, deposit.Job{
		SquareID: "pay-x", WalletAddress: userWallet, RiskProfile: "conservative",
		AmountCents: 2500, Status: deposit.StatusFailed, Retryable: true,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Another replica holds the payment lock.
	if _, ok, err := store.Acquire(ctx, "payment:pay-x", time.Minute); err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}

	got, ran := svc.Retry(ctx, job)
	if ran {
		t.Fatal("Retry executed a locked payment")
	}
	if got.Attempts != 0 || len(fc.sent) != 0 {
		t.Fatalf("locked retry still ran: attempts=%d sent=%d", got.Attempts, len(fc.sent))
	}
}

func TestRetryRunsAndReleasesLock(t *testing.T) {
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

	job, err := store.CreateJob(ctx, deposit.Job{
		SquareID: "pay-x", WalletAddress: userWallet, RiskProfile: "conservative",
		AmountCents: 2500, Status: deposit.StatusFailed, Retryable: true,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, ran := svc.Retry(ctx, job)
	if !ran {
		t.Fatal("Retry skipped an unlocked retryable job")
	}
	if got.Status != deposit.StatusSucceeded {
		t.Fatalf("job status = %s (%s)", got.Status, got.LastError)
	}
	if _, ok, _ := store.Acquire(ctx, "payment:pay-x", time.Minute); !ok {
		t.Fatal("payment lock not released after retry")
	}
}

func TestRetrySkipsFinishedJob(t *testing.T) {
	svc, store, _ := newTestService(t, &fakeChain{}, &stubPlanner{})
	ctx := context.Background()

	job, err := store.CreateJob(ctx, deposit.Job{
		SquareID: "pay-x", WalletAddress: userWallet,
		AmountCents: 2500, Status: deposit.StatusSucceeded, Retryable: true,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, ran := svc.Retry(ctx, job); ran {
		t.Fatal("Retry re-ran a succeeded job")
	}
}

func stepNames(job deposit.Job) []string {
	names := make([]string, len(job.Steps))
	for i, s := range job.Steps {
		names[i] = s.Name
	}
	return names
}
