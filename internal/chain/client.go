// Package chain provides typed EVM JSON-RPC access for the deposit
// pipeline: balances, fee suggestions, transaction submission and receipt
// polling.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tiltvault/backend/pkg/logger"
)

// Config identifies one EVM chain endpoint.
type Config struct {
	Name    string `env:"CHAIN_NAME,default=avalanche"`
	RPCURL  string `env:"CHAIN_RPC_URL,default=https://api.avax.network/ext/bc/C/rpc"`
	ChainID int64  `env:"CHAIN_ID,default=43114"`
}

// Backend is the subset of ethclient the typed client uses. Tests provide
// fakes.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client is a typed wrapper over an EVM RPC backend for one chain.
type Client struct {
	backend Backend
	chainID *big.Int
	log     *logger.Logger

	// receipt polling knobs
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// Dial connects to the chain's RPC endpoint and verifies the chain ID.
func Dial(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url required for chain %s", cfg.Name)
	}
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Name, err)
	}
	remote, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("chain id %s: %w", cfg.Name, err)
	}
	if cfg.ChainID != 0 && remote.Int64() != cfg.ChainID {
		ec.Close()
		return nil, fmt.Errorf("chain %s: endpoint reports id %d, configured %d", cfg.Name, remote.Int64(), cfg.ChainID)
	}
	return NewClient(ec, remote, log), nil
}

// NewClient wraps an existing backend. Tests use this with a fake backend.
func NewClient(backend Backend, chainID *big.Int, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("chain")
	}
	return &Client{
		backend:      backend,
		chainID:      chainID,
		log:          log,
		pollInterval: 2 * time.Second,
		pollTimeout:  2 * time.Minute,
	}
}

// ChainID returns the connected chain's ID.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// NativeBalance returns the account's native coin balance in wei.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance %s: %w", account.Hex(), err)
	}
	return bal, nil
}

// TokenBalance returns the ERC-20 balance of account on token.
func (c *Client) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := PackBalanceOf(account)
	if err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("token balance %s: %w", token.Hex(), err)
	}
	return UnpackBigInt("balanceOf", out)
}

// Allowance returns the ERC-20 allowance granted by owner to spender.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance %s: %w", token.Hex(), err)
	}
	return UnpackBigInt("allowance", out)
}

// Call executes a read-only contract call.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", to.Hex(), err)
	}
	return out, nil
}

// Fees is an EIP-1559 fee suggestion.
type Fees struct {
	TipCap *big.Int
	FeeCap *big.Int
}

// SuggestFees returns a tip cap and a fee cap of twice the current base fee
// plus the tip. On chains without a base fee the legacy gas price is used
// for both.
func (c *Client) SuggestFees(ctx context.Context) (Fees, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, fmt.Errorf("head: %w", err)
	}
	if head.BaseFee == nil {
		price, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return Fees{}, fmt.Errorf("gas price: %w", err)
		}
		return Fees{TipCap: price, FeeCap: price}, nil
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("tip cap: %w", err)
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return Fees{TipCap: tip, FeeCap: feeCap}, nil
}

// EstimateGas estimates gas for a call from the given sender.
func (c *Client) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return 0, fmt.Errorf("estimate gas %s: %w", to.Hex(), err)
	}
	return gas, nil
}

// PendingNonce returns the next nonce for account including pending txs.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("pending nonce %s: %w", account.Hex(), err)
	}
	return nonce, nil
}

// ErrReceiptTimeout is returned when a sent transaction is not mined within
// the polling window.
var ErrReceiptTimeout = errors.New("chain: timed out waiting for receipt")

// ErrTxReverted is returned when a mined transaction has receipt status 0.
var ErrTxReverted = errors.New("chain: transaction reverted")

// SendAndWait submits a signed transaction and polls until its receipt is
// available. A mined-but-reverted transaction returns the receipt together
// with ErrTxReverted.
func (c *Client) SendAndWait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("send tx %s: %w", tx.Hash().Hex(), err)
	}
	c.log.WithField("tx", tx.Hash().Hex()).Debug("transaction submitted")

	deadline := time.NewTimer(c.pollTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.pollInterval)
	defer tick.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx.Hash())
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: %s", ErrTxReverted, tx.Hash().Hex())
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.log.WithError(err).WithField("tx", tx.Hash().Hex()).Debug("receipt poll")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, tx.Hash().Hex())
		case <-tick.C:
		}
	}
}

// SetPolling overrides the receipt polling interval and timeout.
func (c *Client) SetPolling(interval, timeout time.Duration) {
	if interval > 0 {
		c.pollInterval = interval
	}
	if timeout > 0 {
		c.pollTimeout = timeout
	}
}
