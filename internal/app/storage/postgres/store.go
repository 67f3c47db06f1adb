// Package postgres implements the durable storage interfaces backed by
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/tiltvault/backend/internal/app/domain/deposit"
	"github.com/tiltvault/backend/internal/app/domain/payment"
	"github.com/tiltvault/backend/internal/app/domain/wallet"
	"github.com/tiltvault/backend/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.PaymentStore = (*Store)(nil)
var _ storage.WalletStore = (*Store)(nil)
var _ storage.DepositStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL, applies migrations and returns a Store.
func Open(dsn string) (*Store, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return New(db), db, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// --- PaymentStore -----------------------------------------------------------

func (s *Store) CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, square_id, order_id, wallet_address, user_email, risk_profile,
			amount_cents, currency, status, source_type, card_brand, last4, receipt_url,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, p.ID, p.SquareID, p.OrderID, p.WalletAddress, p.UserEmail, p.RiskProfile,
		p.AmountCents, p.Currency, string(p.Status), p.SourceType, p.CardBrand, p.Last4,
		p.ReceiptURL, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return payment.Payment{}, err
	}
	return p, nil
}

func (s *Store) UpdatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	p.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET square_id = $2, order_id = $3, wallet_address = $4, user_email = $5,
			risk_profile = $6, amount_cents = $7, currency = $8, status = $9,
			source_type = $10, card_brand = $11, last4 = $12, receipt_url = $13,
			updated_at = $14
		WHERE id = $1
	`, p.ID, p.SquareID, p.OrderID, p.WalletAddress, p.UserEmail, p.RiskProfile,
		p.AmountCents, p.Currency, string(p.Status), p.SourceType, p.CardBrand, p.Last4,
		p.ReceiptURL, p.UpdatedAt)
	if err != nil {
		return payment.Payment{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return payment.Payment{}, storage.ErrNotFound
	}
	return p, nil
}

const paymentColumns = `id, square_id, order_id, wallet_address, user_email, risk_profile,
	amount_cents, currency, status, source_type, card_brand, last4, receipt_url,
	created_at, updated_at`

func scanPayment(row interface{ Scan(...interface{}) error }) (payment.Payment, error) {
	var (
		p      payment.Payment
		status string
	)
	err := row.Scan(&p.ID, &p.SquareID, &p.OrderID, &p.WalletAddress, &p.UserEmail,
		&p.RiskProfile, &p.AmountCents, &p.Currency, &status, &p.SourceType,
		&p.CardBrand, &p.Last4, &p.ReceiptURL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return payment.Payment{}, err
	}
	p.Status = payment.Status(status)
	return p, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (payment.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if err != nil {
		return payment.Payment{}, wrapNotFound(err)
	}
	return p, nil
}

func (s *Store) GetPaymentBySquareID(ctx context.Context, squareID string) (payment.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE square_id = $1`, squareID)
	p, err := scanPayment(row)
	if err != nil {
		return payment.Payment{}, wrapNotFound(err)
	}
	return p, nil
}

func (s *Store) ListPaymentsByWallet(ctx context.Context, walletAddress string) ([]payment.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE lower(wallet_address) = lower($1)
		ORDER BY created_at DESC
	`, walletAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func (s *Store) ListPaymentsSince(ctx context.Context, since time.Time) ([]payment.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE created_at >= $1
		ORDER BY created_at DESC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func collectPayments(rows *sql.Rows) ([]payment.Payment, error) {
	var out []payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- WalletStore ------------------------------------------------------------

func (s *Store) UpsertWallet(ctx context.Context, w wallet.Wallet) (wallet.Wallet, error) {
	now := time.Now().UTC()
	w.UpdatedAt = now
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO wallets (address, user_email, risk_profile, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (address) DO UPDATE
		SET user_email = EXCLUDED.user_email,
			risk_profile = EXCLUDED.risk_profile,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, w.Address, w.UserEmail, w.RiskProfile, now)
	if err := row.Scan(&w.CreatedAt); err != nil {
		return wallet.Wallet{}, err
	}
	return w, nil
}

func (s *Store) GetWallet(ctx context.Context, address string) (wallet.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, user_email, risk_profile, created_at, updated_at
		FROM wallets WHERE lower(address) = lower($1)
	`, address)
	var w wallet.Wallet
	if err := row.Scan(&w.Address, &w.UserEmail, &w.RiskProfile, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return wallet.Wallet{}, wrapNotFound(err)
	}
	return w, nil
}

func (s *Store) GetWalletByEmail(ctx context.Context, email string) (wallet.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, user_email, risk_profile, created_at, updated_at
		FROM wallets WHERE lower(user_email) = lower($1)
	`, email)
	var w wallet.Wallet
	if err := row.Scan(&w.Address, &w.UserEmail, &w.RiskProfile, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return wallet.Wallet{}, wrapNotFound(err)
	}
	return w, nil
}

// --- DepositStore -----------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, job deposit.Job) (deposit.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	stepsJSON, err := json.Marshal(job.Steps)
	if err != nil {
		return deposit.Job{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deposit_jobs (id, square_id, wallet_address, risk_profile, amount_cents,
			status, steps, attempts, retryable, last_error, next_attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, job.ID, job.SquareID, job.WalletAddress, job.RiskProfile, job.AmountCents,
		string(job.Status), stepsJSON, job.Attempts, job.Retryable, job.LastError,
		toNullTime(job.NextAttempt), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return deposit.Job{}, err
	}
	return job, nil
}

func (s *Store) UpdateJob(ctx context.Context, job deposit.Job) (deposit.Job, error) {
	job.UpdatedAt = time.Now().UTC()

	stepsJSON, err := json.Marshal(job.Steps)
	if err != nil {
		return deposit.Job{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE deposit_jobs
		SET status = $2, steps = $3, attempts = $4, retryable = $5, last_error = $6,
			next_attempt = $7, updated_at = $8
		WHERE id = $1
	`, job.ID, string(job.Status), stepsJSON, job.Attempts, job.Retryable, job.LastError,
		toNullTime(job.NextAttempt), job.UpdatedAt)
	if err != nil {
		return deposit.Job{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return deposit.Job{}, storage.ErrNotFound
	}
	return job, nil
}

const jobColumns = `id, square_id, wallet_address, risk_profile, amount_cents, status,
	steps, attempts, retryable, last_error, next_attempt, created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (deposit.Job, error) {
	var (
		job         deposit.Job
		status      string
		stepsRaw    []byte
		nextAttempt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.SquareID, &job.WalletAddress, &job.RiskProfile,
		&job.AmountCents, &status, &stepsRaw, &job.Attempts, &job.Retryable,
		&job.LastError, &nextAttempt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return deposit.Job{}, err
	}
	job.Status = deposit.Status(status)
	if len(stepsRaw) > 0 {
		_ = json.Unmarshal(stepsRaw, &job.Steps)
	}
	if nextAttempt.Valid {
		job.NextAttempt = nextAttempt.Time
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (deposit.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM deposit_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return deposit.Job{}, wrapNotFound(err)
	}
	return job, nil
}

func (s *Store) GetJobBySquareID(ctx context.Context, squareID string) (deposit.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM deposit_jobs WHERE square_id = $1`, squareID)
	job, err := scanJob(row)
	if err != nil {
		return deposit.Job{}, wrapNotFound(err)
	}
	return job, nil
}

func (s *Store) ListJobsByWallet(ctx context.Context, walletAddress string) ([]deposit.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM deposit_jobs
		WHERE lower(wallet_address) = lower($1)
		ORDER BY created_at DESC
	`, walletAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) ListRetryableJobs(ctx context.Context, now time.Time) ([]deposit.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM deposit_jobs
		WHERE status = 'failed' AND retryable AND (next_attempt IS NULL OR next_attempt <= $1)
		ORDER BY next_attempt NULLS FIRST
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]deposit.Job, error) {
	var out []deposit.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
