// Package vaults manages the deposit target registry, allocation plans and
// on-chain position reads.
package vaults

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tiltvault/backend/internal/app/domain/vault"
	"github.com/tiltvault/backend/internal/chain"
	"github.com/tiltvault/backend/internal/config"
	"github.com/tiltvault/backend/pkg/logger"
)

// ChainReader is the chain access Positions needs.
type ChainReader interface {
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Service serves the vault registry.
type Service struct {
	registry config.VaultRegistry
	byID     map[string]vault.Vault
	reader   ChainReader
	log      *logger.Logger
}

// New creates a vault service over a validated registry. reader may be nil
// when position reads are not needed (tests, offline tools).
func New(registry config.VaultRegistry, reader ChainReader, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("vaults")
	}
	byID := make(map[string]vault.Vault, len(registry.Vaults))
	for _, v := range registry.Vaults {
		byID[v.ID] = v
	}
	return &Service{registry: registry, byID: byID, reader: reader, log: log}
}

// List returns all enabled vaults.
func (s *Service) List() []vault.Vault {
	out := make([]vault.Vault, 0, len(s.registry.Vaults))
	for _, v := range s.registry.Vaults {
		if v.Enabled {
			out = append(out, v)
		}
	}
	return out
}

// Get returns a vault by ID.
func (s *Service) Get(id string) (vault.Vault, error) {
	v, ok := s.byID[id]
	if !ok {
		return vault.Vault{}, fmt.Errorf("unknown vault %q", id)
	}
	return v, nil
}

// PlanFor splits amount (token base units) across the profile's enabled
// vaults by weight. Disabled vaults are skipped and the remaining weights
// renormalized. Dust from integer division goes to the largest allocation.
func (s *Service) PlanFor(profile string, amount *big.Int) ([]vault.Tranche, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("allocation amount must be positive")
	}
	plan, ok := s.registry.Plans[profile]
	if !ok {
		return nil, fmt.Errorf("no allocation plan for profile %q", profile)
	}

	type weighted struct {
		v  vault.Vault
		bp int
	}
	var active []weighted
	totalBP := 0
	for _, alloc := range plan {
		v, ok := s.byID[alloc.VaultID]
		if !ok {
			return nil, fmt.Errorf("plan %q references unknown vault %q", profile, alloc.VaultID)
		}
		if !v.Enabled {
			continue
		}
		active = append(active, weighted{v: v, bp: alloc.WeightBP})
		totalBP += alloc.WeightBP
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("plan %q has no enabled vaults", profile)
	}

	tranches := make([]vault.Tranche, len(active))
	assigned := new(big.Int)
	largest := 0
	for i, w := range active {
		share := new(big.Int).Mul(amount, big.NewInt(int64(w.bp)))
		share.Div(share, big.NewInt(int64(totalBP)))
		tranches[i] = vault.Tranche{Vault: w.v, Amount: share}
		assigned.Add(assigned, share)
		if w.bp > active[largest].bp {
			largest = i
		}
	}
	if dust := new(big.Int).Sub(amount, assigned); dust.Sign() > 0 {
		tranches[largest].Amount = new(big.Int).Add(tranches[largest].Amount, dust)
	}

	// Drop zero tranches (tiny amounts against small weights).
	out := tranches[:0]
	for _, tr := range tranches {
		if tr.Amount.Sign() > 0 {
			out = append(out, tr)
		}
	}
	return out, nil
}

// Positions reads walletAddr's holdings across all enabled vaults.
func (s *Service) Positions(ctx context.Context, walletAddr string) ([]vault.Position, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("chain access not configured")
	}
	if !chain.ValidAddress(walletAddr) {
		return nil, fmt.Errorf("invalid address %q", walletAddr)
	}
	owner := common.HexToAddress(walletAddr)

	var positions []vault.Position
	for _, v := range s.List() {
		shares, assets, err := s.readPosition(ctx, v, owner)
		if err != nil {
			s.log.WithError(err).WithField("vault", v.ID).Warn("position read failed")
			continue
		}
		if assets == nil || assets.Sign() == 0 {
			continue
		}
		positions = append(positions, vault.Position{
			VaultID:   v.ID,
			VaultName: v.Name,
			Protocol:  v.Protocol,
			Wallet:    owner.Hex(),
			Shares:    shares.String(),
			Assets:    assets.String(),
			UpdatedAt: time.Now().UTC(),
		})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].VaultID < positions[j].VaultID })
	return positions, nil
}

// readPosition returns the owner's share balance and its value in the
// underlying asset.
func (s *Service) readPosition(ctx context.Context, v vault.Vault, owner common.Address) (shares, assets *big.Int, err error) {
	switch v.Protocol {
	case vault.ProtocolAave:
		// aTokens rebase 1:1 with the supplied asset.
		if v.ShareToken == "" {
			return nil, nil, fmt.Errorf("vault %s has no share token configured", v.ID)
		}
		bal, err := s.reader.TokenBalance(ctx, common.HexToAddress(v.ShareToken), owner)
		if err != nil {
			return nil, nil, err
		}
		return bal, bal, nil
	case vault.ProtocolERC4626:
		// The vault contract is itself the ERC-20 share token.
		shares, err := s.reader.TokenBalance(ctx, common.HexToAddress(v.Address), owner)
		if err != nil {
			return nil, nil, err
		}
		if shares.Sign() == 0 {
			return shares, shares, nil
		}
		data, err := chain.PackConvertToAssets(shares)
		if err != nil {
			return nil, nil, err
		}
		out, err := s.reader.Call(ctx, common.HexToAddress(v.Address), data)
		if err != nil {
			return nil, nil, err
		}
		assets, err := chain.UnpackBigInt("convertToAssets", out)
		if err != nil {
			return nil, nil, err
		}
		return shares, assets, nil
	case vault.ProtocolGMX:
		// Position size is tracked by the share token when one is set;
		// bare GMX vaults have no cheap read path.
		if v.ShareToken == "" {
			return nil, nil, nil
		}
		bal, err := s.reader.TokenBalance(ctx, common.HexToAddress(v.ShareToken), owner)
		if err != nil {
			return nil, nil, err
		}
		return bal, bal, nil
	}
	return nil, nil, fmt.Errorf("unknown protocol %q", v.Protocol)
}
