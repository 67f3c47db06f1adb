package deposits

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tiltvault/backend/internal/app/domain/vault"
	"github.com/tiltvault/backend/internal/chain"
)

// Withdraw pulls amount (token base units) out of a vault to the recipient.
// GMX positions have no synchronous withdraw path and are rejected.
func (s *Service) Withdraw(ctx context.Context, v vault.Vault, amount *big.Int, recipient common.Address) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("withdraw amount must be positive")
	}

	treasury := s.signer.Address()
	var (
		data []byte
		err  error
	)
	switch v.Protocol {
	case vault.ProtocolAave:
		data, err = chain.PackAaveWithdraw(common.HexToAddress(v.Asset), amount, recipient)
	case vault.ProtocolERC4626:
		if err := s.checkWithdrawLimit(ctx, v, amount, treasury); err != nil {
			return "", err
		}
		data, err = chain.PackERC4626Withdraw(amount, recipient, treasury)
	default:
		return "", fmt.Errorf("vault %s: protocol %s has no withdraw path", v.ID, v.Protocol)
	}
	if err != nil {
		return "", fmt.Errorf("pack withdraw: %w", err)
	}

	target := common.HexToAddress(v.Address)
	gas, err := s.chain.EstimateGas(ctx, treasury, target, data)
	if err != nil {
		gas = fallbackGasLimit
	}
	fees, err := s.chain.SuggestFees(ctx)
	if err != nil {
		return "", fmt.Errorf("fee suggestion: %w", err)
	}
	nonce, err := s.chain.PendingNonce(ctx, treasury)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	tx, err := s.signer.SignTx(chain.TxParams{
		Nonce:   nonce,
		To:      target,
		Gas:     gas,
		Fees:    fees,
		Data:    data,
		ChainID: s.chain.ChainID(),
	})
	if err != nil {
		return "", err
	}

	sent := time.Now()
	receipt, err := s.chain.SendAndWait(ctx, tx)
	s.observeTx("withdraw", outcomeOf(err), receipt, time.Since(sent))
	if err != nil {
		return "", fmt.Errorf("withdraw from %s: %w", v.ID, err)
	}
	s.log.WithFields(map[string]interface{}{
		"vault":  v.ID,
		"tx":     tx.Hash().Hex(),
		"amount": amount.String(),
	}).Info("withdraw executed")
	return tx.Hash().Hex(), nil
}

// checkWithdrawLimit rejects ERC-4626 withdrawals above the vault's reported
// maxWithdraw for the treasury, so oversized requests fail before a
// transaction is signed instead of reverting on chain.
func (s *Service) checkWithdrawLimit(ctx context.Context, v vault.Vault, amount *big.Int, owner common.Address) error {
	data, err := chain.PackMaxWithdraw(owner)
	if err != nil {
		return fmt.Errorf("pack maxWithdraw: %w", err)
	}
	out, err := s.chain.Call(ctx, common.HexToAddress(v.Address), data)
	if err != nil {
		return fmt.Errorf("maxWithdraw %s: %w", v.ID, err)
	}
	limit, err := chain.UnpackBigInt("maxWithdraw", out)
	if err != nil {
		return err
	}
	if amount.Cmp(limit) > 0 {
		return fmt.Errorf("withdraw %s exceeds vault %s limit %s", amount, v.ID, limit)
	}
	return nil
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
