package wallets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tiltvault/backend/internal/app/domain/wallet"
	"github.com/tiltvault/backend/internal/app/storage"
	"github.com/tiltvault/backend/internal/app/storage/memory"
)

const testAddr = "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"

func newService(t *testing.T) *Service {
	t.Helper()
	return New(memory.New(), "test-secret", time.Hour, nil)
}

func TestRegisterChecksumsAndDefaults(t *testing.T) {
	svc := newService(t)

	w, err := svc.Register(context.Background(), "0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1", "User@Example.COM", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if w.Address != testAddr {
		t.Fatalf("address not checksummed: %s", w.Address)
	}
	if w.RiskProfile != wallet.RiskConservative {
		t.Fatalf("risk profile = %q, want conservative default", w.RiskProfile)
	}
	if w.UserEmail != "user@example.com" {
		t.Fatalf("email not normalized: %q", w.UserEmail)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "0x1234", "a@b.co", "balanced"); err == nil {
		t.Fatal("short address accepted")
	}
	if _, err := svc.Register(ctx, testAddr, "a@b.co", "yolo"); err == nil {
		t.Fatal("unknown risk profile accepted")
	}
	if _, err := svc.Register(ctx, testAddr, "a@b.co", "Aggressive"); err != nil {
		t.Fatalf("mixed-case profile rejected: %v", err)
	}
}

func TestRegisterUpdatesExisting(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, testAddr, "a@b.co", "conservative"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	w, err := svc.Register(ctx, testAddr, "a@b.co", "aggressive")
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if w.RiskProfile != wallet.RiskAggressive {
		t.Fatalf("risk profile not updated: %q", w.RiskProfile)
	}

	got, err := svc.Get(ctx, testAddr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RiskProfile != wallet.RiskAggressive {
		t.Fatalf("stored profile = %q", got.RiskProfile)
	}
}

func TestByEmail(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, testAddr, "user@example.com", "balanced"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	w, err := svc.ByEmail(ctx, "  USER@example.com ")
	if err != nil {
		t.Fatalf("ByEmail: %v", err)
	}
	if w.Address != testAddr {
		t.Fatalf("wrong wallet: %+v", w)
	}
	if _, err := svc.ByEmail(ctx, "nobody@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeriveAddress(t *testing.T) {
	svc := newService(t)
	addr, err := svc.DeriveAddress("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d")
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}
	if addr != testAddr {
		t.Fatalf("derived = %s", addr)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	svc := newService(t)

	token, err := svc.IssueSession(testAddr)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	subject, err := svc.ValidateSession(token)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if subject != testAddr {
		t.Fatalf("subject = %s", subject)
	}
}

func TestSessionRejectsWrongKey(t *testing.T) {
	token, err := New(memory.New(), "other-secret", time.Hour, nil).IssueSession(testAddr)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if _, err := newService(t).ValidateSession(token); err == nil {
		t.Fatal("token signed with another key accepted")
	}
}

func TestSessionExpires(t *testing.T) {
	svc := New(memory.New(), "test-secret", time.Millisecond, nil)
	token, err := svc.IssueSession(testAddr)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := svc.ValidateSession(token); err == nil {
		t.Fatal("expired token accepted")
	}
}
