package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tiltvault/backend/internal/app/domain/deposit"
	"github.com/tiltvault/backend/internal/app/domain/health"
	"github.com/tiltvault/backend/internal/app/domain/payment"
	"github.com/tiltvault/backend/internal/app/domain/wallet"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// PaymentStore persists fiat payment records.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error)
	UpdatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error)
	GetPayment(ctx context.Context, id string) (payment.Payment, error)
	GetPaymentBySquareID(ctx context.Context, squareID string) (payment.Payment, error)
	ListPaymentsByWallet(ctx context.Context, walletAddress string) ([]payment.Payment, error)
	ListPaymentsSince(ctx context.Context, since time.Time) ([]payment.Payment, error)
}

// WalletStore persists wallet-to-user associations.
type WalletStore interface {
	UpsertWallet(ctx context.Context, w wallet.Wallet) (wallet.Wallet, error)
	GetWallet(ctx context.Context, address string) (wallet.Wallet, error)
	GetWalletByEmail(ctx context.Context, email string) (wallet.Wallet, error)
}

// DepositStore persists deposit jobs.
type DepositStore interface {
	CreateJob(ctx context.Context, job deposit.Job) (deposit.Job, error)
	UpdateJob(ctx context.Context, job deposit.Job) (deposit.Job, error)
	GetJob(ctx context.Context, id string) (deposit.Job, error)
	GetJobBySquareID(ctx context.Context, squareID string) (deposit.Job, error)
	ListJobsByWallet(ctx context.Context, walletAddress string) ([]deposit.Job, error)
	ListRetryableJobs(ctx context.Context, now time.Time) ([]deposit.Job, error)
}

// HealthStore records health reports with bounded history.
type HealthStore interface {
	RecordReport(ctx context.Context, r health.Report) error
	ListReports(ctx context.Context, limit int) ([]health.Report, error)
}

// PriceCache caches short-lived price observations (swap quotes, feed
// reads). A miss returns ErrNotFound.
type PriceCache interface {
	SetPrice(ctx context.Context, pair string, price float64, ttl time.Duration) error
	GetPrice(ctx context.Context, pair string) (float64, error)
}

// Locker provides mutual exclusion for webhook processing. Acquire returns
// a release token when the lock was taken; ok is false while another holder
// has it. Release is a no-op unless the token matches.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}
