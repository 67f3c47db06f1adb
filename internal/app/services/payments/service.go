// Package payments processes fiat payments through Square and tracks their
// lifecycle.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tiltvault/backend/internal/app/domain/payment"
	"github.com/tiltvault/backend/internal/app/metrics"
	"github.com/tiltvault/backend/internal/app/storage"
	"github.com/tiltvault/backend/internal/square"
	"github.com/tiltvault/backend/pkg/logger"
)

// ErrValidation marks request validation failures (mapped to 400).
var ErrValidation = errors.New("payment validation")

// SummaryWindow is the default aggregation window for the balance endpoint.
const SummaryWindow = 7 * 24 * time.Hour

// SquareAPI is the Square client surface the service uses.
type SquareAPI interface {
	CreatePayment(ctx context.Context, req square.CreatePaymentRequest) (square.Payment, error)
	ListPayments(ctx context.Context, begin time.Time) ([]square.Payment, error)
	GetLocation(ctx context.Context) (square.Location, error)
	ListBankAccounts(ctx context.Context) ([]square.BankAccount, error)
}

// Service processes and tracks payments.
type Service struct {
	store   storage.PaymentStore
	client  SquareAPI
	metrics *metrics.Metrics
	log     *logger.Logger
}

// New creates a payment service. metrics may be nil.
func New(store storage.PaymentStore, client SquareAPI, m *metrics.Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("payments")
	}
	return &Service{store: store, client: client, metrics: m, log: log}
}

// ProcessRequest is a payment processing request. Amount is in dollars.
type ProcessRequest struct {
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	SourceID       string `json:"source_id"`
	IdempotencyKey string `json:"idempotency_key"`
	WalletAddress  string `json:"wallet_address"`
	RiskProfile    string `json:"risk_profile"`
	Email          string `json:"email"`
}

var (
	minAmount = decimal.RequireFromString("0.01")
	maxAmount = decimal.RequireFromString("999999")
)

// validate applies the request rules and returns the amount in cents.
func (r ProcessRequest) validate() (int64, string, error) {
	if strings.TrimSpace(r.Amount) == "" {
		return 0, "", fmt.Errorf("%w: amount is required", ErrValidation)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(r.Amount))
	if err != nil {
		return 0, "", fmt.Errorf("%w: amount %q is not a number", ErrValidation, r.Amount)
	}
	if amount.Sign() <= 0 {
		return 0, "", fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if amount.LessThan(minAmount) {
		return 0, "", fmt.Errorf("%w: amount below minimum $0.01", ErrValidation)
	}
	if amount.GreaterThan(maxAmount) {
		return 0, "", fmt.Errorf("%w: amount above maximum $999,999", ErrValidation)
	}

	currency := strings.ToUpper(strings.TrimSpace(r.Currency))
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 || !isAlpha(currency) {
		return 0, "", fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	}

	if len(strings.TrimSpace(r.SourceID)) < 10 {
		return 0, "", fmt.Errorf("%w: source_id is required", ErrValidation)
	}

	cents := amount.Mul(decimal.NewFromInt(100))
	if !cents.IsInteger() {
		return 0, "", fmt.Errorf("%w: amount has sub-cent precision", ErrValidation)
	}
	return cents.IntPart(), currency, nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// truncate shortens sensitive values for logging.
func truncate(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:10] + "…"
}

// Process validates the request, charges it through Square and persists the
// resulting payment record.
func (s *Service) Process(ctx context.Context, req ProcessRequest) (payment.Payment, error) {
	cents, currency, err := req.validate()
	if err != nil {
		return payment.Payment{}, err
	}

	note := square.FormatNote(square.NoteFields{
		WalletAddress: req.WalletAddress,
		RiskProfile:   req.RiskProfile,
		Email:         req.Email,
	})

	s.log.WithFields(map[string]interface{}{
		"amount_cents": cents,
		"currency":     currency,
		"source_id":    truncate(req.SourceID),
		"wallet":       req.WalletAddress,
	}).Info("processing payment")

	start := time.Now()
	sp, err := s.client.CreatePayment(ctx, square.CreatePaymentRequest{
		SourceID:       strings.TrimSpace(req.SourceID),
		IdempotencyKey: req.IdempotencyKey,
		AmountMoney:    square.Money{Amount: cents, Currency: currency},
		Note:           note,
		BuyerEmail:     req.Email,
		Autocomplete:   true,
	})
	s.observeSquare("create_payment", start, err)
	if err != nil {
		return payment.Payment{}, squareErr("create payment", err)
	}

	p, err := s.store.CreatePayment(ctx, payment.Payment{
		SquareID:      sp.ID,
		OrderID:       sp.OrderID,
		WalletAddress: req.WalletAddress,
		UserEmail:     strings.ToLower(strings.TrimSpace(req.Email)),
		RiskProfile:   req.RiskProfile,
		AmountCents:   sp.AmountMoney.Amount,
		Currency:      sp.AmountMoney.Currency,
		Status:        payment.Status(sp.Status),
		SourceType:    sp.SourceType,
		CardBrand:     sp.CardDetails.Card.CardBrand,
		Last4:         sp.CardDetails.Card.Last4,
		ReceiptURL:    sp.ReceiptURL,
	})
	if err != nil {
		return payment.Payment{}, fmt.Errorf("persist payment %s: %w", sp.ID, err)
	}
	s.log.WithFields(map[string]interface{}{
		"square_id": p.SquareID,
		"status":    string(p.Status),
	}).Info("payment created")
	return p, nil
}

// Get fetches a stored payment.
func (s *Service) Get(ctx context.Context, id string) (payment.Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// GetBySquareID fetches a stored payment by Square payment ID.
func (s *Service) GetBySquareID(ctx context.Context, squareID string) (payment.Payment, error) {
	return s.store.GetPaymentBySquareID(ctx, squareID)
}

// ListByWallet returns payments for a wallet address, newest first.
func (s *Service) ListByWallet(ctx context.Context, walletAddress string) ([]payment.Payment, error) {
	return s.store.ListPaymentsByWallet(ctx, walletAddress)
}

// MarkStatus applies a webhook-driven status transition. Payments first
// seen through the webhook are recorded on the fly.
func (s *Service) MarkStatus(ctx context.Context, squareID string, status payment.Status) (payment.Payment, error) {
	p, err := s.store.GetPaymentBySquareID(ctx, squareID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.store.CreatePayment(ctx, payment.Payment{SquareID: squareID, Status: status})
	}
	if err != nil {
		return payment.Payment{}, err
	}
	if p.Status == status {
		return p, nil
	}
	// Webhook deliveries can arrive out of order; a terminal status never
	// regresses to an earlier one.
	if p.Status.Terminal() {
		s.log.WithFields(map[string]interface{}{
			"square_id": squareID,
			"status":    string(p.Status),
			"incoming":  string(status),
		}).Warn("ignoring status transition on terminal payment")
		return p, nil
	}
	p.Status = status
	return s.store.UpdatePayment(ctx, p)
}

// Summary aggregates Square payments over the window: completed vs pending
// lists, dollar totals and counts. When Square is unreachable it falls back
// to the locally stored payment records for the same window.
func (s *Service) Summary(ctx context.Context, window time.Duration) (payment.Summary, error) {
	if window <= 0 {
		window = SummaryWindow
	}
	end := time.Now().UTC()
	begin := end.Add(-window)

	start := time.Now()
	list, err := s.client.ListPayments(ctx, begin)
	s.observeSquare("list_payments", start, err)
	if err != nil {
		s.log.WithError(err).Warn("square list unavailable, summarizing stored payments")
		stored, serr := s.store.ListPaymentsSince(ctx, begin)
		if serr != nil {
			return payment.Summary{}, squareErr("list payments", err)
		}
		return summarize(stored, begin, end), nil
	}

	records := make([]payment.Payment, 0, len(list))
	for _, sp := range list {
		records = append(records, payment.Payment{
			SquareID:    sp.ID,
			OrderID:     sp.OrderID,
			AmountCents: sp.AmountMoney.Amount,
			Currency:    sp.AmountMoney.Currency,
			Status:      payment.Status(sp.Status),
			SourceType:  sp.SourceType,
			CardBrand:   sp.CardDetails.Card.CardBrand,
			Last4:       sp.CardDetails.Card.Last4,
			ReceiptURL:  sp.ReceiptURL,
			CreatedAt:   sp.CreatedAt,
		})
	}
	return summarize(records, begin, end), nil
}

// summarize classifies payments into the completed and pending buckets.
func summarize(list []payment.Payment, begin, end time.Time) payment.Summary {
	sum := payment.Summary{WindowStart: begin, WindowEnd: end}
	for _, p := range list {
		switch p.Status {
		case payment.StatusCompleted:
			sum.Completed = append(sum.Completed, p)
			sum.TotalCompleted += float64(p.AmountCents) / 100
			sum.CountCompleted++
		case payment.StatusPending, payment.StatusApproved:
			sum.Pending = append(sum.Pending, p)
			sum.TotalPending += float64(p.AmountCents) / 100
			sum.CountPending++
		}
	}
	return sum
}

// Balance bundles the location, payment summary and linked bank accounts.
type Balance struct {
	Location     square.Location      `json:"location"`
	Summary      payment.Summary      `json:"summary"`
	BankAccounts []square.BankAccount `json:"bank_accounts"`
}

// Balance builds the account overview the balance endpoint serves.
func (s *Service) Balance(ctx context.Context) (Balance, error) {
	loc, err := s.client.GetLocation(ctx)
	if err != nil {
		return Balance{}, squareErr("get location", err)
	}
	sum, err := s.Summary(ctx, SummaryWindow)
	if err != nil {
		return Balance{}, err
	}
	accounts, err := s.client.ListBankAccounts(ctx)
	if err != nil {
		s.log.WithError(err).Warn("bank accounts unavailable")
	}
	return Balance{Location: loc, Summary: sum, BankAccounts: accounts}, nil
}

func (s *Service) observeSquare(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.SquareCalls.WithLabelValues(op, outcome).Inc()
	s.metrics.SquareDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// squareErr maps Square API errors to "SQUARE_<CODE>" errors.
func squareErr(op string, err error) error {
	var apiErr *square.APIError
	if errors.As(err, &apiErr) && apiErr.Code() != "" {
		return fmt.Errorf("%s: SQUARE_%s: %w", op, apiErr.Code(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: square request timed out: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
