// Package swap builds token swap legs through a Uniswap-V2-style router.
package swap

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tiltvault/backend/internal/app/storage"
	"github.com/tiltvault/backend/internal/chain"
	"github.com/tiltvault/backend/pkg/logger"
)

const (
	// DefaultSlippageBP is the default slippage tolerance in basis points.
	DefaultSlippageBP = 50
	// DefaultDeadline bounds how long a built swap stays valid.
	DefaultDeadline = 10 * time.Minute

	quoteCacheTTL = 30 * time.Second
)

// ChainReader is the chain access quoting needs.
type ChainReader interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Service quotes and builds swaps against one router.
type Service struct {
	router common.Address
	reader ChainReader
	cache  storage.PriceCache
	log    *logger.Logger
}

// New creates a swap service. cache may be nil.
func New(router common.Address, reader ChainReader, cache storage.PriceCache, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("swap")
	}
	return &Service{router: router, reader: reader, cache: cache, log: log}
}

// Quote returns the router's expected output for swapping amount of in
// into out.
func (s *Service) Quote(ctx context.Context, in, out common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("quote amount must be positive")
	}
	if in == out {
		return nil, fmt.Errorf("quote requires distinct tokens")
	}

	data, err := chain.PackGetAmountsOut(amount, []common.Address{in, out})
	if err != nil {
		return nil, fmt.Errorf("pack quote: %w", err)
	}
	ret, err := s.reader.Call(ctx, s.router, data)
	if err != nil {
		return nil, fmt.Errorf("router quote: %w", err)
	}
	amounts, err := chain.UnpackAmountsOut(ret)
	if err != nil {
		return nil, err
	}
	if len(amounts) < 2 {
		return nil, fmt.Errorf("router returned %d amounts", len(amounts))
	}
	quoted := amounts[len(amounts)-1]

	if s.cache != nil {
		rate, _ := new(big.Float).Quo(new(big.Float).SetInt(quoted), new(big.Float).SetInt(amount)).Float64()
		pair := in.Hex() + "/" + out.Hex()
		if err := s.cache.SetPrice(ctx, pair, rate, quoteCacheTTL); err != nil {
			s.log.WithError(err).WithField("pair", pair).Debug("quote cache write failed")
		}
	}
	return quoted, nil
}

// Swap is a built, ready-to-sign swap call.
type Swap struct {
	Router   common.Address
	Calldata []byte
	AmountIn *big.Int
	MinOut   *big.Int
	Deadline time.Time
	Quoted   *big.Int
}

// BuildSwap quotes the pair and builds swapExactTokensForTokens calldata
// with the slippage tolerance applied. slippageBP <= 0 uses the default.
func (s *Service) BuildSwap(ctx context.Context, in, out common.Address, amountIn *big.Int, recipient common.Address, slippageBP int) (Swap, error) {
	if slippageBP <= 0 {
		slippageBP = DefaultSlippageBP
	}
	if slippageBP >= 10000 {
		return Swap{}, fmt.Errorf("slippage %d bp out of range", slippageBP)
	}

	quoted, err := s.Quote(ctx, in, out, amountIn)
	if err != nil {
		return Swap{}, err
	}

	minOut := new(big.Int).Mul(quoted, big.NewInt(int64(10000-slippageBP)))
	minOut.Div(minOut, big.NewInt(10000))
	if minOut.Sign() <= 0 {
		return Swap{}, fmt.Errorf("quoted output too small to swap")
	}

	deadline := time.Now().Add(DefaultDeadline)
	data, err := chain.PackSwapExactTokensForTokens(amountIn, minOut,
		[]common.Address{in, out}, recipient, big.NewInt(deadline.Unix()))
	if err != nil {
		return Swap{}, fmt.Errorf("pack swap: %w", err)
	}

	return Swap{
		Router:   s.router,
		Calldata: data,
		AmountIn: amountIn,
		MinOut:   minOut,
		Deadline: deadline,
		Quoted:   quoted,
	}, nil
}
