// Package vault holds the yield vault registry model.
package vault

import (
	"math/big"
	"time"
)

// Protocol identifies how deposits into a vault are executed.
type Protocol string

const (
	ProtocolAave    Protocol = "aave"    // Aave v3 pool supply
	ProtocolERC4626 Protocol = "erc4626" // ERC-4626 vaults (Morpho)
	ProtocolGMX     Protocol = "gmx"     // GMX position router
)

// Vault is a configured deposit target.
type Vault struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Protocol Protocol `yaml:"protocol" json:"protocol"`
	ChainID  int64    `yaml:"chain_id" json:"chain_id"`
	// Address is the pool / vault / router contract the deposit call targets.
	Address string `yaml:"address" json:"address"`
	// Asset is the ERC-20 the vault accepts.
	Asset    string `yaml:"asset" json:"asset"`
	Decimals int    `yaml:"decimals" json:"decimals"`
	// ShareToken, when set, is the balance-bearing token used for position
	// reads (aToken for Aave; the vault itself for ERC-4626).
	ShareToken string `yaml:"share_token,omitempty" json:"share_token,omitempty"`
	Enabled    bool   `yaml:"enabled" json:"enabled"`
}

// Allocation assigns a weight to a vault within a risk profile plan.
// Weights are basis points and must sum to 10000 across a plan.
type Allocation struct {
	VaultID  string `yaml:"vault" json:"vault"`
	WeightBP int    `yaml:"weight_bp" json:"weight_bp"`
}

// Tranche is one vault's share of a concrete deposit amount.
type Tranche struct {
	Vault  Vault
	Amount *big.Int
}

// Position is a wallet's holding in a vault.
type Position struct {
	VaultID   string    `json:"vault_id"`
	VaultName string    `json:"vault_name"`
	Protocol  Protocol  `json:"protocol"`
	Wallet    string    `json:"wallet"`
	// Shares is the raw share token balance; Assets is its value in the
	// vault's underlying asset.
	Shares    string    `json:"shares,omitempty"`
	Assets    string    `json:"assets"`
	UpdatedAt time.Time `json:"updated_at"`
}
