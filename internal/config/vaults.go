package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tiltvault/backend/internal/app/domain/vault"
	"github.com/tiltvault/backend/internal/app/domain/wallet"
)

// VaultRegistry is the parsed vault configuration: the deposit targets and
// the per-risk-profile allocation plans.
type VaultRegistry struct {
	Vaults []vault.Vault                 `yaml:"vaults"`
	Plans  map[string][]vault.Allocation `yaml:"plans"`
}

// defaultVaultsYAML covers Avalanche mainnet with a conservative Aave-only
// plan so the service can start without a registry file.
const defaultVaultsYAML = `
vaults:
  - id: aave-usdc
    name: Aave v3 USDC
    protocol: aave
    chain_id: 43114
    address: "0x794a61358D6845594F94dc1DB02A252b5b4814aD"
    asset: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E"
    decimals: 6
    share_token: "0x625E7708f30cA75bfd92586e17077590C60eb4cD"
    enabled: true
plans:
  conservative:
    - vault: aave-usdc
      weight_bp: 10000
  balanced:
    - vault: aave-usdc
      weight_bp: 10000
  aggressive:
    - vault: aave-usdc
      weight_bp: 10000
`

// LoadVaults reads the registry from path, falling back to the compiled-in
// default when the file does not exist.
func LoadVaults(path string) (VaultRegistry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		data = []byte(defaultVaultsYAML)
	} else if err != nil {
		return VaultRegistry{}, fmt.Errorf("read vault registry: %w", err)
	}
	return ParseVaults(data)
}

// ParseVaults parses and validates a YAML registry.
func ParseVaults(data []byte) (VaultRegistry, error) {
	var reg VaultRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return VaultRegistry{}, fmt.Errorf("parse vault registry: %w", err)
	}
	if err := reg.validate(); err != nil {
		return VaultRegistry{}, err
	}
	return reg, nil
}

func (r VaultRegistry) validate() error {
	if len(r.Vaults) == 0 {
		return fmt.Errorf("vault registry: no vaults defined")
	}
	byID := make(map[string]vault.Vault, len(r.Vaults))
	for _, v := range r.Vaults {
		if v.ID == "" || v.Address == "" || v.Asset == "" {
			return fmt.Errorf("vault registry: vault %q missing id, address or asset", v.ID)
		}
		switch v.Protocol {
		case vault.ProtocolAave, vault.ProtocolERC4626, vault.ProtocolGMX:
		default:
			return fmt.Errorf("vault registry: vault %q has unknown protocol %q", v.ID, v.Protocol)
		}
		if _, dup := byID[v.ID]; dup {
			return fmt.Errorf("vault registry: duplicate vault id %q", v.ID)
		}
		byID[v.ID] = v
	}

	for _, profile := range []string{wallet.RiskConservative, wallet.RiskBalanced, wallet.RiskAggressive} {
		plan, ok := r.Plans[profile]
		if !ok || len(plan) == 0 {
			return fmt.Errorf("vault registry: no plan for profile %q", profile)
		}
		total := 0
		for _, alloc := range plan {
			if _, ok := byID[alloc.VaultID]; !ok {
				return fmt.Errorf("vault registry: plan %q references unknown vault %q", profile, alloc.VaultID)
			}
			if alloc.WeightBP <= 0 {
				return fmt.Errorf("vault registry: plan %q has non-positive weight for %q", profile, alloc.VaultID)
			}
			total += alloc.WeightBP
		}
		if total != 10000 {
			return fmt.Errorf("vault registry: plan %q weights sum to %d, want 10000", profile, total)
		}
	}
	return nil
}
