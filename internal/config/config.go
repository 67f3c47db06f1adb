// Package config loads service configuration from the environment and the
// vault registry from YAML.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/tiltvault/backend/internal/chain"
	"github.com/tiltvault/backend/internal/square"
)

// Config is the full service configuration. Fields are decoded from the
// environment via envdecode tags; nested structs carry their own tags.
type Config struct {
	// Environment is "development", "sandbox" or "production".
	Environment string `env:"ENVIRONMENT,default=development"`
	HTTPAddr    string `env:"HTTP_ADDR,default=:8080"`

	Square square.Config

	Chain chain.Config
	// TreasuryKey is the hex private key of the treasury wallet that funds
	// deposits. Never logged.
	TreasuryKey string `env:"TREASURY_PRIVATE_KEY"`
	// FundingAsset is the ERC-20 the treasury holds (USDC).
	FundingAsset    string `env:"FUNDING_ASSET,default=0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E"`
	FundingDecimals int    `env:"FUNDING_DECIMALS,default=6"`
	// SwapRouter is the UniswapV2-style router used to swap the funding
	// asset into vault assets.
	SwapRouter string `env:"SWAP_ROUTER,default=0x60aE616a2155Ee3d9A68541Ba4544862310933d4"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisDB     int    `env:"REDIS_DB,default=0"`

	JWTSecret  string        `env:"JWT_SECRET"`
	SessionTTL time.Duration `env:"SESSION_TTL,default=1h"`

	VaultsPath     string `env:"VAULTS_CONFIG,default=config/vaults.yaml"`
	HealthSchedule string `env:"HEALTH_SCHEDULE,default=@every 1m"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS,default=10"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST,default=30"`

	// RequeueInterval controls how often failed-retryable deposit jobs are
	// re-scanned.
	RequeueInterval time.Duration `env:"REQUEUE_INTERVAL,default=30s"`
	MaxJobAttempts  int           `env:"MAX_JOB_ATTEMPTS,default=3"`
}

// Load decodes configuration from the environment, applying defaults suited
// to local development.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.FundingDecimals < 0 || cfg.FundingDecimals > 36 {
		return Config{}, fmt.Errorf("invalid FUNDING_DECIMALS %d", cfg.FundingDecimals)
	}
	if cfg.RateLimitRPS <= 0 {
		return Config{}, fmt.Errorf("invalid RATE_LIMIT_RPS %v", cfg.RateLimitRPS)
	}
	if cfg.MaxJobAttempts < 1 {
		return Config{}, fmt.Errorf("invalid MAX_JOB_ATTEMPTS %d", cfg.MaxJobAttempts)
	}
	return cfg, nil
}

// Validate checks the settings required to process live payments. A
// development instance may run without them.
func (c Config) Validate() error {
	if c.Square.AccessToken == "" {
		return fmt.Errorf("SQUARE_ACCESS_TOKEN not set")
	}
	if c.Square.WebhookSignatureKey == "" {
		return fmt.Errorf("SQUARE_WEBHOOK_SIGNATURE_KEY not set")
	}
	if c.TreasuryKey == "" {
		return fmt.Errorf("TREASURY_PRIVATE_KEY not set")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET not set")
	}
	return nil
}

