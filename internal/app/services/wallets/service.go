// Package wallets manages user wallet registration, address derivation and
// API sessions.
package wallets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tiltvault/backend/internal/app/domain/wallet"
	"github.com/tiltvault/backend/internal/app/storage"
	"github.com/tiltvault/backend/internal/chain"
	"github.com/tiltvault/backend/pkg/logger"
)

// DefaultSessionTTL bounds wallet API sessions.
const DefaultSessionTTL = time.Hour

// Service manages wallets and sessions.
type Service struct {
	store      storage.WalletStore
	jwtSecret  []byte
	sessionTTL time.Duration
	log        *logger.Logger
}

// New creates a wallet service.
func New(store storage.WalletStore, jwtSecret string, sessionTTL time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("wallets")
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &Service{
		store:      store,
		jwtSecret:  []byte(jwtSecret),
		sessionTTL: sessionTTL,
		log:        log,
	}
}

// Register validates and persists a wallet association. The risk profile
// defaults to conservative.
func (s *Service) Register(ctx context.Context, address, email, riskProfile string) (wallet.Wallet, error) {
	if !chain.ValidAddress(address) {
		return wallet.Wallet{}, fmt.Errorf("invalid wallet address %q", address)
	}
	if riskProfile == "" {
		riskProfile = wallet.RiskConservative
	}
	riskProfile = strings.ToLower(riskProfile)
	if !wallet.ValidRiskProfile(riskProfile) {
		return wallet.Wallet{}, fmt.Errorf("invalid risk profile %q", riskProfile)
	}

	w, err := s.store.UpsertWallet(ctx, wallet.Wallet{
		Address:     chain.Checksum(address),
		UserEmail:   strings.ToLower(strings.TrimSpace(email)),
		RiskProfile: riskProfile,
	})
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("register wallet: %w", err)
	}
	s.log.WithFields(map[string]interface{}{
		"address": w.Address,
		"risk":    w.RiskProfile,
	}).Info("wallet registered")
	return w, nil
}

// DeriveAddress computes the checksummed address of a hex private key. The
// key is never stored or logged.
func (s *Service) DeriveAddress(privateKeyHex string) (string, error) {
	return chain.DeriveAddress(privateKeyHex)
}

// Get fetches a wallet by address.
func (s *Service) Get(ctx context.Context, address string) (wallet.Wallet, error) {
	if !chain.ValidAddress(address) {
		return wallet.Wallet{}, fmt.Errorf("invalid wallet address %q", address)
	}
	return s.store.GetWallet(ctx, chain.Checksum(address))
}

// ByEmail fetches a wallet by owner email.
func (s *Service) ByEmail(ctx context.Context, email string) (wallet.Wallet, error) {
	return s.store.GetWalletByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

// IssueSession mints an HS256 JWT for the wallet address.
func (s *Service) IssueSession(address string) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", fmt.Errorf("session secret not configured")
	}
	if !chain.ValidAddress(address) {
		return "", fmt.Errorf("invalid wallet address %q", address)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   chain.Checksum(address),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.sessionTTL)),
		Issuer:    "tiltvault",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return token, nil
}

// ValidateSession verifies a session token and returns the wallet address.
func (s *Service) ValidateSession(token string) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", fmt.Errorf("session secret not configured")
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid session: %w", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("invalid session claims")
	}
	return claims.Subject, nil
}
