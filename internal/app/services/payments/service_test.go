package payments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tiltvault/backend/internal/app/domain/payment"
	"github.com/tiltvault/backend/internal/app/storage/memory"
	"github.com/tiltvault/backend/internal/square"
)

// fakeSquare is a canned Square API.
type fakeSquare struct {
	created   []square.CreatePaymentRequest
	payment   square.Payment
	createErr error
	payments  []square.Payment
	listErr   error
	location  square.Location
	accounts  []square.BankAccount
}

func (f *fakeSquare) CreatePayment(ctx context.Context, req square.CreatePaymentRequest) (square.Payment, error) {
	f.created = append(f.created, req)
	if f.createErr != nil {
		return square.Payment{}, f.createErr
	}
	return f.payment, nil
}

func (f *fakeSquare) ListPayments(ctx context.Context, begin time.Time) ([]square.Payment, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.payments, nil
}

func (f *fakeSquare) GetLocation(ctx context.Context) (square.Location, error) {
	return f.location, nil
}

func (f *fakeSquare) ListBankAccounts(ctx context.Context) ([]square.BankAccount, error) {
	return f.accounts, nil
}

func TestProcessHappyPath(t *testing.T) {
	client := &fakeSquare{payment: square.Payment{
		ID:          "pay-1",
		Status:      "COMPLETED",
		AmountMoney: square.Money{Amount: 2550, Currency: "USD"},
		ReceiptURL:  "https://squareup.com/receipt/pay-1",
	}}
	store := memory.New()
	svc := New(store, client, nil, nil)

	p, err := svc.Process(context.Background(), ProcessRequest{
		Amount:        "25.50",
		SourceID:      "cnon:card-nonce-ok",
		WalletAddress: "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1",
		RiskProfile:   "balanced",
		Email:         "User@Example.com",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if p.SquareID != "pay-1" || p.AmountCents != 2550 {
		t.Fatalf("payment = %+v", p)
	}
	if p.Status != payment.StatusCompleted {
		t.Fatalf("status = %s", p.Status)
	}

	req := client.created[0]
	if req.AmountMoney.Amount != 2550 || req.AmountMoney.Currency != "USD" {
		t.Fatalf("square request money = %+v", req.AmountMoney)
	}
	if req.Note != "wallet:0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1 risk:balanced email:User@Example.com" {
		t.Fatalf("note = %q", req.Note)
	}
	if !req.Autocomplete {
		t.Fatal("autocomplete not set")
	}

	stored, err := store.GetPaymentBySquareID(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("stored payment missing: %v", err)
	}
	if stored.UserEmail != "user@example.com" {
		t.Fatalf("stored email = %q", stored.UserEmail)
	}
}

func TestProcessValidation(t *testing.T) {
	svc := New(memory.New(), &fakeSquare{}, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  ProcessRequest
	}{
		{"missing amount", ProcessRequest{SourceID: "cnon:card-nonce-ok"}},
		{"zero amount", ProcessRequest{Amount: "0", SourceID: "cnon:card-nonce-ok"}},
		{"negative amount", ProcessRequest{Amount: "-5", SourceID: "cnon:card-nonce-ok"}},
		{"below minimum", ProcessRequest{Amount: "0.001", SourceID: "cnon:card-nonce-ok"}},
		{"above maximum", ProcessRequest{Amount: "1000000", SourceID: "cnon:card-nonce-ok"}},
		{"not a number", ProcessRequest{Amount: "ten", SourceID: "cnon:card-nonce-ok"}},
		{"sub-cent precision", ProcessRequest{Amount: "1.005", SourceID: "cnon:card-nonce-ok"}},
		{"bad currency", ProcessRequest{Amount: "10", Currency: "US", SourceID: "cnon:card-nonce-ok"}},
		{"numeric currency", ProcessRequest{Amount: "10", Currency: "U5D", SourceID: "cnon:card-nonce-ok"}},
		{"missing source", ProcessRequest{Amount: "10"}},
		{"short source", ProcessRequest{Amount: "10", SourceID: "short"}},
	}
	for _, tc := range cases {
		if _, err := svc.Process(ctx, tc.req); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestProcessDefaultsCurrency(t *testing.T) {
	client := &fakeSquare{payment: square.Payment{ID: "pay-1", Status: "PENDING",
		AmountMoney: square.Money{Amount: 1000, Currency: "USD"}}}
	svc := New(memory.New(), client, nil, nil)

	if _, err := svc.Process(context.Background(), ProcessRequest{
		Amount: "10", Currency: " usd ", SourceID: "cnon:card-nonce-ok",
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := client.created[0].AmountMoney.Currency; got != "USD" {
		t.Fatalf("currency = %q", got)
	}
}

func TestProcessMapsSquareErrorCode(t *testing.T) {
	client := &fakeSquare{createErr: &square.APIError{
		StatusCode: 400,
		Errors:     []square.ErrorDetail{{Code: "CARD_DECLINED", Detail: "declined"}},
	}}
	svc := New(memory.New(), client, nil, nil)

	_, err := svc.Process(context.Background(), ProcessRequest{
		Amount: "10", SourceID: "cnon:card-nonce-declined",
	})
	if err == nil || !errors.As(err, new(*square.APIError)) {
		t.Fatalf("expected wrapped APIError, got %v", err)
	}
	if want := "SQUARE_CARD_DECLINED"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q missing %q", err.Error(), want)
	}
}

func TestMarkStatusCreatesUnknownPayment(t *testing.T) {
	store := memory.New()
	svc := New(store, &fakeSquare{}, nil, nil)
	ctx := context.Background()

	p, err := svc.MarkStatus(ctx, "pay-webhook-only", payment.StatusCompleted)
	if err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}
	if p.SquareID != "pay-webhook-only" || p.Status != payment.StatusCompleted {
		t.Fatalf("payment = %+v", p)
	}

	p2, err := svc.MarkStatus(ctx, "pay-webhook-only", payment.StatusCompleted)
	if err != nil {
		t.Fatalf("MarkStatus repeat: %v", err)
	}
	if p2.ID != p.ID {
		t.Fatal("repeat MarkStatus must not create a second record")
	}
}

func TestMarkStatusKeepsTerminalStatus(t *testing.T) {
	store := memory.New()
	svc := New(store, &fakeSquare{}, nil, nil)
	ctx := context.Background()

	if _, err := svc.MarkStatus(ctx, "pay-late", payment.StatusCompleted); err != nil {
		t.Fatalf("MarkStatus completed: %v", err)
	}

	// A delayed PENDING delivery for an already completed payment must not
	// roll the record back.
	p, err := svc.MarkStatus(ctx, "pay-late", payment.StatusPending)
	if err != nil {
		t.Fatalf("MarkStatus pending: %v", err)
	}
	if p.Status != payment.StatusCompleted {
		t.Fatalf("status rolled back to %s", p.Status)
	}
	stored, err := store.GetPaymentBySquareID(ctx, "pay-late")
	if err != nil {
		t.Fatalf("stored payment: %v", err)
	}
	if stored.Status != payment.StatusCompleted {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestSummaryClassifiesStatuses(t *testing.T) {
	client := &fakeSquare{payments: []square.Payment{
		{ID: "a", Status: "COMPLETED", AmountMoney: square.Money{Amount: 10000, Currency: "USD"}},
		{ID: "b", Status: "COMPLETED", AmountMoney: square.Money{Amount: 2500, Currency: "USD"}},
		{ID: "c", Status: "PENDING", AmountMoney: square.Money{Amount: 500, Currency: "USD"}},
		{ID: "d", Status: "FAILED", AmountMoney: square.Money{Amount: 9999, Currency: "USD"}},
	}}
	svc := New(memory.New(), client, nil, nil)

	sum, err := svc.Summary(context.Background(), SummaryWindow)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.CountCompleted != 2 || sum.TotalCompleted != 125.00 {
		t.Fatalf("completed = %d / %.2f", sum.CountCompleted, sum.TotalCompleted)
	}
	if sum.CountPending != 1 || sum.TotalPending != 5.00 {
		t.Fatalf("pending = %d / %.2f", sum.CountPending, sum.TotalPending)
	}
	if len(sum.Completed) != 2 || len(sum.Pending) != 1 {
		t.Fatalf("lists = %d / %d", len(sum.Completed), len(sum.Pending))
	}
}

func TestSummaryFallsBackToStoredPayments(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	seed := []payment.Payment{
		{SquareID: "a", Status: payment.StatusCompleted, AmountCents: 5000, Currency: "USD"},
		{SquareID: "b", Status: payment.StatusPending, AmountCents: 1500, Currency: "USD"},
	}
	for _, p := range seed {
		if _, err := store.CreatePayment(ctx, p); err != nil {
			t.Fatalf("seed %s: %v", p.SquareID, err)
		}
	}

	svc := New(store, &fakeSquare{listErr: errors.New("square down")}, nil, nil)
	sum, err := svc.Summary(ctx, SummaryWindow)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.CountCompleted != 1 || sum.TotalCompleted != 50.00 {
		t.Fatalf("completed = %d / %.2f", sum.CountCompleted, sum.TotalCompleted)
	}
	if sum.CountPending != 1 || sum.TotalPending != 15.00 {
		t.Fatalf("pending = %d / %.2f", sum.CountPending, sum.TotalPending)
	}
}
