// Package wallet holds the user wallet domain model.
package wallet

import "time"

// Risk profiles determine how a deposit is split across vaults.
const (
	RiskConservative = "conservative"
	RiskBalanced     = "balanced"
	RiskAggressive   = "aggressive"
)

// ValidRiskProfile reports whether p names a known risk profile.
func ValidRiskProfile(p string) bool {
	switch p {
	case RiskConservative, RiskBalanced, RiskAggressive:
		return true
	}
	return false
}

// Wallet associates a user with an on-chain address. Address is stored in
// EIP-55 checksum form.
type Wallet struct {
	Address     string
	UserEmail   string
	RiskProfile string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
