package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions with the treasury private key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a 32-byte hex private key. A 0x prefix is tolerated.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if keyHex == "" {
		return nil, fmt.Errorf("private key required")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// NewEphemeralSigner generates a throwaway key. Development only.
func NewEphemeralSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signer's checksummed account address.
func (s *Signer) Address() common.Address {
	return s.address
}

// TxParams describes one EIP-1559 transaction to sign.
type TxParams struct {
	Nonce   uint64
	To      common.Address
	Value   *big.Int
	Gas     uint64
	Fees    Fees
	Data    []byte
	ChainID *big.Int
}

// SignTx builds and signs a dynamic-fee transaction.
func (s *Signer) SignTx(p TxParams) (*types.Transaction, error) {
	value := p.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.ChainID,
		Nonce:     p.Nonce,
		GasTipCap: p.Fees.TipCap,
		GasFeeCap: p.Fees.FeeCap,
		Gas:       p.Gas,
		To:        &p.To,
		Value:     value,
		Data:      p.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(p.ChainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// DeriveAddress returns the EIP-55 address for a hex private key without
// retaining the key.
func DeriveAddress(privateKeyHex string) (string, error) {
	s, err := NewSigner(privateKeyHex)
	if err != nil {
		return "", err
	}
	return s.Address().Hex(), nil
}

// ValidAddress reports whether s is a well-formed 0x-prefixed EVM address.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// Checksum normalizes an address to EIP-55 form.
func Checksum(s string) string {
	return common.HexToAddress(s).Hex()
}
