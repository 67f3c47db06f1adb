package app

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tiltvault/backend/internal/app/domain/health"
	"github.com/tiltvault/backend/internal/chain"
	"github.com/tiltvault/backend/internal/config"
	"github.com/tiltvault/backend/internal/square"
)

type stubChain struct{}

func (stubChain) ChainID() *big.Int { return big.NewInt(43114) }

func (stubChain) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }

func (stubChain) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (stubChain) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (stubChain) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (stubChain) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return make([]byte, 32), nil
}

func (stubChain) SuggestFees(ctx context.Context) (chain.Fees, error) {
	return chain.Fees{TipCap: big.NewInt(1), FeeCap: big.NewInt(2)}, nil
}

func (stubChain) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	return 21_000, nil
}

func (stubChain) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (stubChain) SendAndWait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

type stubSquare struct{}

func (stubSquare) CreatePayment(ctx context.Context, req square.CreatePaymentRequest) (square.Payment, error) {
	return square.Payment{}, nil
}

func (stubSquare) ListPayments(ctx context.Context, begin time.Time) ([]square.Payment, error) {
	return nil, nil
}

func (stubSquare) GetLocation(ctx context.Context) (square.Location, error) {
	return square.Location{}, nil
}

func (stubSquare) ListBankAccounts(ctx context.Context) ([]square.BankAccount, error) {
	return nil, nil
}

func testConfig() config.Config {
	return config.Config{
		Environment:     "test",
		FundingAsset:    "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		FundingDecimals: 6,
		SwapRouter:      "0x60aE616a2155Ee3d9A68541Ba4544862310933d4",
		JWTSecret:       "secret",
		SessionTTL:      time.Hour,
		VaultsPath:      "no-such-file.yaml",
		RequeueInterval: time.Minute,
		MaxJobAttempts:  3,
	}
}

func testDeps(t *testing.T) Dependencies {
	t.Helper()
	signer, err := chain.NewEphemeralSigner()
	if err != nil {
		t.Fatalf("NewEphemeralSigner: %v", err)
	}
	return Dependencies{
		Square: stubSquare{},
		Chain:  stubChain{},
		Signer: signer,
	}
}

func TestNewDefaultsToMemoryStores(t *testing.T) {
	a, err := New(testConfig(), testDeps(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Payments == nil || a.Wallets == nil || a.Vaults == nil ||
		a.Swap == nil || a.Deposits == nil || a.Health == nil {
		t.Fatalf("service not wired: %+v", a)
	}
	if a.Metrics == nil {
		t.Fatalf("metrics not wired")
	}
}

func TestNewRejectsBadAddresses(t *testing.T) {
	cfg := testConfig()
	cfg.SwapRouter = "not-an-address"
	if _, err := New(cfg, testDeps(t)); err == nil {
		t.Fatalf("expected error for invalid swap router")
	}
}

func TestStartStop(t *testing.T) {
	a, err := New(testConfig(), testDeps(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestHealthProbesRegistered(t *testing.T) {
	a, err := New(testConfig(), testDeps(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report := a.Health.Report(context.Background())
	names := map[string]bool{}
	for _, c := range report.Checks {
		names[c.Name] = true
	}
	if !names["chain-rpc"] || !names["square"] || !names["funding-asset"] {
		t.Fatalf("missing probes in %v", names)
	}
}

// decimalsChain answers every read-only call with a fixed uint256.
type decimalsChain struct {
	stubChain
	value int64
}

func (c decimalsChain) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out := make([]byte, 32)
	big.NewInt(c.value).FillBytes(out)
	return out, nil
}

func TestFundingAssetProbeChecksDecimals(t *testing.T) {
	cases := []struct {
		name     string
		decimals int64
		healthy  bool
	}{
		{"matching decimals", 6, true},
		{"mismatched decimals", 18, false},
	}
	for _, tc := range cases {
		deps := testDeps(t)
		deps.Chain = decimalsChain{value: tc.decimals}
		a, err := New(testConfig(), deps)
		if err != nil {
			t.Fatalf("%s: New: %v", tc.name, err)
		}
		report := a.Health.Report(context.Background())
		for _, c := range report.Checks {
			if c.Name != "funding-asset" {
				continue
			}
			if healthy := c.Status == health.StatusHealthy; healthy != tc.healthy {
				t.Fatalf("%s: probe status = %s (%s)", tc.name, c.Status, c.Detail)
			}
		}
	}
}
