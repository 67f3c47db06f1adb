package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiltvault/backend/internal/app/domain/deposit"
	"github.com/tiltvault/backend/internal/app/domain/health"
	"github.com/tiltvault/backend/internal/app/domain/payment"
	"github.com/tiltvault/backend/internal/app/domain/wallet"
	"github.com/tiltvault/backend/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu                 sync.RWMutex
	payments           map[string]payment.Payment
	paymentsBySquareID map[string]string
	wallets            map[string]wallet.Wallet
	walletsByEmail     map[string]string
	jobs               map[string]deposit.Job
	jobsBySquareID     map[string]string
	reports            []health.Report
	prices             map[string]priceEntry
	locks              map[string]lockEntry
}

type priceEntry struct {
	price   float64
	expires time.Time
}

type lockEntry struct {
	token   string
	expires time.Time
}

var _ storage.PaymentStore = (*Store)(nil)
var _ storage.WalletStore = (*Store)(nil)
var _ storage.DepositStore = (*Store)(nil)
var _ storage.HealthStore = (*Store)(nil)
var _ storage.PriceCache = (*Store)(nil)
var _ storage.Locker = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		payments:           make(map[string]payment.Payment),
		paymentsBySquareID: make(map[string]string),
		wallets:            make(map[string]wallet.Wallet),
		walletsByEmail:     make(map[string]string),
		jobs:               make(map[string]deposit.Job),
		jobsBySquareID:     make(map[string]string),
		prices:             make(map[string]priceEntry),
		locks:              make(map[string]lockEntry),
	}
}

// PaymentStore implementation ------------------------------------------------

func (s *Store) CreatePayment(_ context.Context, p payment.Payment) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := s.payments[p.ID]; exists {
		return payment.Payment{}, fmt.Errorf("payment %s already exists", p.ID)
	}
	if p.SquareID != "" {
		if _, exists := s.paymentsBySquareID[p.SquareID]; exists {
			return payment.Payment{}, fmt.Errorf("payment for square id %s already exists", p.SquareID)
		}
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.payments[p.ID] = p
	if p.SquareID != "" {
		s.paymentsBySquareID[p.SquareID] = p.ID
	}
	return p, nil
}

func (s *Store) UpdatePayment(_ context.Context, p payment.Payment) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.payments[p.ID]
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.payments[p.ID] = p
	if p.SquareID != "" {
		s.paymentsBySquareID[p.SquareID] = p.ID
	}
	return p, nil
}

func (s *Store) GetPayment(_ context.Context, id string) (payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetPaymentBySquareID(_ context.Context, squareID string) (payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.paymentsBySquareID[squareID]
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}
	return s.payments[id], nil
}

func (s *Store) ListPaymentsByWallet(_ context.Context, walletAddress string) ([]payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []payment.Payment
	for _, p := range s.payments {
		if strings.EqualFold(p.WalletAddress, walletAddress) {
			out = append(out, p)
		}
	}
	sortPayments(out)
	return out, nil
}

func (s *Store) ListPaymentsSince(_ context.Context, since time.Time) ([]payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []payment.Payment
	for _, p := range s.payments {
		if !p.CreatedAt.Before(since) {
			out = append(out, p)
		}
	}
	sortPayments(out)
	return out, nil
}

func sortPayments(payments []payment.Payment) {
	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
}

// WalletStore implementation -------------------------------------------------

func (s *Store) UpsertWallet(_ context.Context, w wallet.Wallet) (wallet.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.wallets[w.Address]; ok {
		w.CreatedAt = existing.CreatedAt
	} else {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	s.wallets[w.Address] = w
	if w.UserEmail != "" {
		s.walletsByEmail[strings.ToLower(w.UserEmail)] = w.Address
	}
	return w, nil
}

func (s *Store) GetWallet(_ context.Context, address string) (wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if w, ok := s.wallets[address]; ok {
		return w, nil
	}
	// Tolerate case differences; addresses are stored checksummed.
	for _, w := range s.wallets {
		if strings.EqualFold(w.Address, address) {
			return w, nil
		}
	}
	return wallet.Wallet{}, storage.ErrNotFound
}

func (s *Store) GetWalletByEmail(_ context.Context, email string) (wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr, ok := s.walletsByEmail[strings.ToLower(email)]
	if !ok {
		return wallet.Wallet{}, storage.ErrNotFound
	}
	return s.wallets[addr], nil
}

// DepositStore implementation ------------------------------------------------

func (s *Store) CreateJob(_ context.Context, job deposit.Job) (deposit.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return deposit.Job{}, fmt.Errorf("deposit job %s already exists", job.ID)
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	if job.SquareID != "" {
		s.jobsBySquareID[job.SquareID] = job.ID
	}
	return job, nil
}

func (s *Store) UpdateJob(_ context.Context, job deposit.Job) (deposit.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[job.ID]
	if !ok {
		return deposit.Job{}, storage.ErrNotFound
	}
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = job
	return job, nil
}

func (s *Store) GetJob(_ context.Context, id string) (deposit.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return deposit.Job{}, storage.ErrNotFound
	}
	return job, nil
}

func (s *Store) GetJobBySquareID(_ context.Context, squareID string) (deposit.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.jobsBySquareID[squareID]
	if !ok {
		return deposit.Job{}, storage.ErrNotFound
	}
	return s.jobs[id], nil
}

func (s *Store) ListJobsByWallet(_ context.Context, walletAddress string) ([]deposit.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []deposit.Job
	for _, job := range s.jobs {
		if strings.EqualFold(job.WalletAddress, walletAddress) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListRetryableJobs(_ context.Context, now time.Time) ([]deposit.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []deposit.Job
	for _, job := range s.jobs {
		if job.Status == deposit.StatusFailed && job.Retryable && !job.NextAttempt.After(now) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttempt.Before(out[j].NextAttempt) })
	return out, nil
}

// HealthStore implementation -------------------------------------------------

const maxReports = 256

func (s *Store) RecordReport(_ context.Context, r health.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports = append(s.reports, r)
	if len(s.reports) > maxReports {
		s.reports = s.reports[len(s.reports)-maxReports:]
	}
	return nil
}

func (s *Store) ListReports(_ context.Context, limit int) ([]health.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.reports) {
		limit = len(s.reports)
	}
	out := make([]health.Report, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.reports[len(s.reports)-1-i]
	}
	return out, nil
}

// PriceCache implementation --------------------------------------------------

func (s *Store) SetPrice(_ context.Context, pair string, price float64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[pair] = priceEntry{price: price, expires: time.Now().Add(ttl)}
	return nil
}

func (s *Store) GetPrice(_ context.Context, pair string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.prices[pair]
	if !ok || time.Now().After(entry.expires) {
		delete(s.prices, pair)
		return 0, storage.ErrNotFound
	}
	return entry.price, nil
}

// Locker implementation ------------------------------------------------------

func (s *Store) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if entry, ok := s.locks[key]; ok && now.Before(entry.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	s.locks[key] = lockEntry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (s *Store) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.locks[key]; ok && entry.token == token {
		delete(s.locks, key)
	}
	return nil
}
