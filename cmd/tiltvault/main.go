// Package main runs the TiltVault API server: Square payments in, vault
// deposits out.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/tiltvault/backend/internal/app"
	"github.com/tiltvault/backend/internal/app/httpapi"
	"github.com/tiltvault/backend/internal/app/storage/postgres"
	redisstore "github.com/tiltvault/backend/internal/app/storage/redis"
	"github.com/tiltvault/backend/internal/chain"
	"github.com/tiltvault/backend/internal/config"
	"github.com/tiltvault/backend/internal/square"
	"github.com/tiltvault/backend/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	log := logger.NewDefault("tiltvault")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}
	if cfg.Environment != "development" {
		if err := cfg.Validate(); err != nil {
			log.WithError(err).Fatal("configuration incomplete for live payments")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("initialise stores")
	}
	defer cleanup()

	chainClient, err := chain.Dial(ctx, cfg.Chain, log)
	if err != nil {
		log.WithError(err).Fatal("connect to chain RPC")
	}

	signer, err := buildSigner(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("initialise treasury signer")
	}
	log.WithField("treasury", signer.Address().Hex()).Info("treasury signer ready")

	squareClient, err := square.NewClient(cfg.Square, log)
	if err != nil {
		log.WithError(err).Fatal("initialise square client")
	}

	application, err := app.New(cfg, app.Dependencies{
		Stores: stores,
		Square: squareClient,
		Chain:  chainClient,
		Signer: signer,
		Log:    log,
	})
	if err != nil {
		log.WithError(err).Fatal("initialise application")
	}

	handler := httpapi.New(httpapi.Options{
		Payments:     application.Payments,
		Wallets:      application.Wallets,
		Vaults:       application.Vaults,
		Deposits:     application.Deposits,
		Health:       application.Health,
		Tokens:       chainClient,
		SquareConfig: cfg.Square,
		FundingAsset: common.HexToAddress(cfg.FundingAsset),
		Metrics:      application.Metrics,
		RateRPS:      cfg.RateLimitRPS,
		RateBurst:    cfg.RateLimitBurst,
		Log:          log,
	})

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start background services")
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("application stop")
	}
	log.Info("stopped")
}

// buildStores selects persistence backends from configuration. Development
// instances fall back to in-memory stores when Postgres or Redis are not
// reachable.
func buildStores(ctx context.Context, cfg config.Config, log *logger.Logger) (app.Stores, func(), error) {
	var stores app.Stores
	cleanup := func() {}

	if cfg.DatabaseURL != "" {
		store, db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return app.Stores{}, nil, err
		}
		stores.Payments = store
		stores.Wallets = store
		stores.Deposits = store
		cleanup = func() { db.Close() }
	} else if cfg.Environment != "development" {
		return app.Stores{}, nil, errors.New("DATABASE_URL required outside development")
	} else {
		log.Warn("DATABASE_URL not set; using in-memory stores")
	}

	redisStore, err := redisstore.New(ctx, redisstore.Config{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err != nil {
		if cfg.Environment != "development" {
			return app.Stores{}, nil, err
		}
		log.WithError(err).Warn("redis unreachable; idempotency locks are process-local")
	} else {
		stores.Locks = redisStore
		stores.Prices = redisStore
		stores.Health = redisStore
	}

	return stores, cleanup, nil
}

func buildSigner(cfg config.Config, log *logger.Logger) (*chain.Signer, error) {
	if cfg.TreasuryKey != "" {
		return chain.NewSigner(cfg.TreasuryKey)
	}
	if cfg.Environment != "development" {
		return nil, errors.New("TREASURY_PRIVATE_KEY required outside development")
	}
	log.Warn("TREASURY_PRIVATE_KEY not set; using an ephemeral signer")
	return chain.NewEphemeralSigner()
}
