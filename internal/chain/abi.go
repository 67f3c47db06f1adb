package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ABI fragments for the contract calls the pipeline issues. Parsed once at
// init; a parse failure is a programming error.

const erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const aavePoolABIJSON = `[
	{"name":"supply","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const erc4626ABIJSON = `[
	{"name":"deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"},{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"maxWithdraw","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"convertToAssets","type":"function","stateMutability":"view","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const gmxRouterABIJSON = `[
	{"name":"createIncreasePosition","type":"function","stateMutability":"payable","inputs":[{"name":"_path","type":"address[]"},{"name":"_indexToken","type":"address"},{"name":"_amountIn","type":"uint256"},{"name":"_minOut","type":"uint256"},{"name":"_sizeDelta","type":"uint256"},{"name":"_isLong","type":"bool"},{"name":"_acceptablePrice","type":"uint256"},{"name":"_executionFee","type":"uint256"},{"name":"_referralCode","type":"bytes32"},{"name":"_callbackTarget","type":"address"}],"outputs":[{"name":"","type":"bytes32"}]}
]`

const swapRouterABIJSON = `[
	{"name":"getAmountsOut","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var (
	erc20ABI      = mustParseABI(erc20ABIJSON)
	aavePoolABI   = mustParseABI(aavePoolABIJSON)
	erc4626ABI    = mustParseABI(erc4626ABIJSON)
	gmxRouterABI  = mustParseABI(gmxRouterABIJSON)
	swapRouterABI = mustParseABI(swapRouterABIJSON)
)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// ERC-20 ---------------------------------------------------------------------

func PackBalanceOf(account common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", account)
}

func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

func PackDecimals() ([]byte, error) {
	return erc20ABI.Pack("decimals")
}

// Aave v3 pool ---------------------------------------------------------------

func PackAaveSupply(asset common.Address, amount *big.Int, onBehalfOf common.Address) ([]byte, error) {
	return aavePoolABI.Pack("supply", asset, amount, onBehalfOf, uint16(0))
}

func PackAaveWithdraw(asset common.Address, amount *big.Int, to common.Address) ([]byte, error) {
	return aavePoolABI.Pack("withdraw", asset, amount, to)
}

// ERC-4626 -------------------------------------------------------------------

func PackERC4626Deposit(assets *big.Int, receiver common.Address) ([]byte, error) {
	return erc4626ABI.Pack("deposit", assets, receiver)
}

func PackERC4626Withdraw(assets *big.Int, receiver, owner common.Address) ([]byte, error) {
	return erc4626ABI.Pack("withdraw", assets, receiver, owner)
}

func PackMaxWithdraw(owner common.Address) ([]byte, error) {
	return erc4626ABI.Pack("maxWithdraw", owner)
}

func PackConvertToAssets(shares *big.Int) ([]byte, error) {
	return erc4626ABI.Pack("convertToAssets", shares)
}

// GMX position router --------------------------------------------------------

// GMXIncreaseParams describes a GMX position increase.
type GMXIncreaseParams struct {
	Path            []common.Address
	IndexToken      common.Address
	AmountIn        *big.Int
	MinOut          *big.Int
	SizeDelta       *big.Int
	IsLong          bool
	AcceptablePrice *big.Int
	ExecutionFee    *big.Int
}

func PackGMXIncreasePosition(p GMXIncreaseParams) ([]byte, error) {
	return gmxRouterABI.Pack("createIncreasePosition",
		p.Path, p.IndexToken, p.AmountIn, p.MinOut, p.SizeDelta, p.IsLong,
		p.AcceptablePrice, p.ExecutionFee, [32]byte{}, common.Address{})
}

// Uniswap-V2-style router ----------------------------------------------------

func PackGetAmountsOut(amountIn *big.Int, path []common.Address) ([]byte, error) {
	return swapRouterABI.Pack("getAmountsOut", amountIn, path)
}

func PackSwapExactTokensForTokens(amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) ([]byte, error) {
	return swapRouterABI.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, to, deadline)
}

// UnpackAmountsOut decodes the uint256[] result of getAmountsOut.
func UnpackAmountsOut(data []byte) ([]*big.Int, error) {
	vals, err := swapRouterABI.Unpack("getAmountsOut", data)
	if err != nil {
		return nil, fmt.Errorf("unpack getAmountsOut: %w", err)
	}
	amounts, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getAmountsOut result type %T", vals[0])
	}
	return amounts, nil
}

// UnpackBigInt decodes a single uint256 return value.
func UnpackBigInt(method string, data []byte) (*big.Int, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("%s: short return data (%d bytes)", method, len(data))
	}
	return new(big.Int).SetBytes(data[:32]), nil
}
