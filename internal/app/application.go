// Package app wires stores, external clients and domain services into a
// runnable application.
package app

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tiltvault/backend/internal/app/metrics"
	"github.com/tiltvault/backend/internal/app/services/deposits"
	healthsvc "github.com/tiltvault/backend/internal/app/services/health"
	"github.com/tiltvault/backend/internal/app/services/payments"
	swapsvc "github.com/tiltvault/backend/internal/app/services/swap"
	vaultsvc "github.com/tiltvault/backend/internal/app/services/vaults"
	"github.com/tiltvault/backend/internal/app/services/wallets"
	"github.com/tiltvault/backend/internal/app/storage"
	"github.com/tiltvault/backend/internal/app/storage/memory"
	"github.com/tiltvault/backend/internal/app/system"
	"github.com/tiltvault/backend/internal/chain"
	"github.com/tiltvault/backend/internal/config"
	"github.com/tiltvault/backend/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Payments storage.PaymentStore
	Wallets  storage.WalletStore
	Deposits storage.DepositStore
	Health   storage.HealthStore
	Prices   storage.PriceCache
	Locks    storage.Locker
}

// ChainClient is the on-chain surface the application needs. *chain.Client
// satisfies it.
type ChainClient interface {
	ChainID() *big.Int
	BlockNumber(ctx context.Context) (uint64, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SuggestFees(ctx context.Context) (chain.Fees, error)
	EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SendAndWait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Dependencies are the external clients the application runs against.
type Dependencies struct {
	Stores Stores
	Square payments.SquareAPI
	Chain  ChainClient
	Signer *chain.Signer
	Log    *logger.Logger
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Metrics  *metrics.Metrics
	Payments *payments.Service
	Wallets  *wallets.Service
	Vaults   *vaultsvc.Service
	Swap     *swapsvc.Service
	Deposits *deposits.Service
	Health   *healthsvc.Service
}

// New builds a fully initialised application from configuration.
func New(cfg config.Config, deps Dependencies) (*Application, error) {
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	stores := deps.Stores
	if stores.Payments == nil {
		stores.Payments = mem
	}
	if stores.Wallets == nil {
		stores.Wallets = mem
	}
	if stores.Deposits == nil {
		stores.Deposits = mem
	}
	if stores.Health == nil {
		stores.Health = mem
	}
	if stores.Prices == nil {
		stores.Prices = mem
	}
	if stores.Locks == nil {
		stores.Locks = mem
	}

	registry, err := config.LoadVaults(cfg.VaultsPath)
	if err != nil {
		return nil, fmt.Errorf("load vault registry: %w", err)
	}

	if !chain.ValidAddress(cfg.FundingAsset) {
		return nil, fmt.Errorf("invalid funding asset address %q", cfg.FundingAsset)
	}
	if !chain.ValidAddress(cfg.SwapRouter) {
		return nil, fmt.Errorf("invalid swap router address %q", cfg.SwapRouter)
	}
	fundingAsset := common.HexToAddress(cfg.FundingAsset)

	m := metrics.New()
	manager := system.NewManager(log)

	paymentSvc := payments.New(stores.Payments, deps.Square, m, log)
	walletSvc := wallets.New(stores.Wallets, cfg.JWTSecret, cfg.SessionTTL, log)
	vaultSvc := vaultsvc.New(registry, deps.Chain, log)
	swapSvc := swapsvc.New(common.HexToAddress(cfg.SwapRouter), deps.Chain, stores.Prices, log)

	depositSvc := deposits.New(deposits.Config{
		FundingAsset:    fundingAsset,
		FundingDecimals: cfg.FundingDecimals,
		MaxAttempts:     cfg.MaxJobAttempts,
	}, stores.Deposits, stores.Locks, paymentSvc, vaultSvc, swapSvc, deps.Chain, deps.Signer, m, log)

	healthSvc := healthsvc.New("tiltvault", cfg.Environment, stores.Health, log)
	registerProbes(healthSvc, cfg, deps)

	poller := deposits.NewPoller(depositSvc, cfg.RequeueInterval, log)
	monitor := healthsvc.NewMonitor(healthSvc, cfg.HealthSchedule, log)
	for _, svc := range []system.Service{poller, monitor} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:  manager,
		log:      log,
		Metrics:  m,
		Payments: paymentSvc,
		Wallets:  walletSvc,
		Vaults:   vaultSvc,
		Swap:     swapSvc,
		Deposits: depositSvc,
		Health:   healthSvc,
	}, nil
}

// registerProbes wires the external dependencies into the health service.
func registerProbes(h *healthsvc.Service, cfg config.Config, deps Dependencies) {
	h.AddProbe("chain-rpc", true, func(ctx context.Context) error {
		_, err := deps.Chain.BlockNumber(ctx)
		return err
	})
	h.AddProbe("funding-asset", false, func(ctx context.Context) error {
		data, err := chain.PackDecimals()
		if err != nil {
			return err
		}
		out, err := deps.Chain.Call(ctx, common.HexToAddress(cfg.FundingAsset), data)
		if err != nil {
			return err
		}
		decimals, err := chain.UnpackBigInt("decimals", out)
		if err != nil {
			return err
		}
		if decimals.Int64() != int64(cfg.FundingDecimals) {
			return fmt.Errorf("funding asset reports %s decimals, configured %d", decimals, cfg.FundingDecimals)
		}
		return nil
	})
	h.AddProbe("square", false, func(ctx context.Context) error {
		if cfg.Square.AccessToken == "" {
			return fmt.Errorf("square access token not configured")
		}
		_, err := deps.Square.GetLocation(ctx)
		return err
	})
	if pinger, ok := deps.Stores.Locks.(interface {
		Ping(ctx context.Context) error
	}); ok {
		h.AddProbe("redis", true, pinger.Ping)
	}
	if pinger, ok := deps.Stores.Payments.(interface {
		Ping(ctx context.Context) error
	}); ok {
		h.AddProbe("postgres", true, pinger.Ping)
	}
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
