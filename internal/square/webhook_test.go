package square

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func signBody(key, url string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(url))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	cfg := Config{
		WebhookSignatureKey: "wh-secret",
		NotificationURL:     "https://api.example.com/api/square/webhook",
	}
	body := []byte(`{"type":"payment.updated"}`)
	sig := signBody("wh-secret", cfg.NotificationURL, body)

	if !cfg.VerifySignature(body, sig) {
		t.Fatal("valid signature rejected")
	}
	if cfg.VerifySignature([]byte(`{"type":"tampered"}`), sig) {
		t.Fatal("tampered body accepted")
	}
	if cfg.VerifySignature(body, signBody("other-key", cfg.NotificationURL, body)) {
		t.Fatal("signature from wrong key accepted")
	}
	if cfg.VerifySignature(body, "") {
		t.Fatal("empty signature accepted")
	}
	if (Config{NotificationURL: cfg.NotificationURL}).VerifySignature(body, sig) {
		t.Fatal("verification without a configured key must fail")
	}
}

func TestParseWebhookPaymentUpdated(t *testing.T) {
	body := []byte(`{
		"event_id": "ev-1",
		"type": "payment.updated",
		"data": {
			"object": {
				"payment": {
					"id": "pay-1",
					"order_id": "ord-1",
					"status": "COMPLETED",
					"amount_money": {"amount": 2500, "currency": "USD"},
					"note": "wallet:0x8ba1f109551bD432803012645Ac136ddd64DBA72 risk:balanced email:a@b.co"
				}
			}
		}
	}`)

	ev, err := ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.EventID != "ev-1" || ev.Type != "payment.updated" {
		t.Fatalf("unexpected envelope: %+v", ev)
	}
	if ev.PaymentID != "pay-1" || ev.Status != "COMPLETED" {
		t.Fatalf("unexpected payment fields: %+v", ev)
	}
	if ev.AmountCents != 2500 || ev.Currency != "USD" {
		t.Fatalf("unexpected amount: %d %s", ev.AmountCents, ev.Currency)
	}

	fields := ParseNote(ev.Note)
	if fields.WalletAddress != "0x8ba1f109551bD432803012645Ac136ddd64DBA72" {
		t.Fatalf("wallet = %q", fields.WalletAddress)
	}
	if fields.RiskProfile != "balanced" || fields.Email != "a@b.co" {
		t.Fatalf("unexpected note fields: %+v", fields)
	}
}

func TestParseWebhookNonPaymentEvent(t *testing.T) {
	ev, err := ParseWebhook([]byte(`{"event_id":"ev-2","type":"refund.created","data":{"object":{}}}`))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.PaymentID != "" {
		t.Fatalf("expected empty payment id, got %q", ev.PaymentID)
	}
}

func TestParseWebhookRejectsInvalidJSON(t *testing.T) {
	if _, err := ParseWebhook([]byte(`{"type":`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestFormatNoteRoundTrip(t *testing.T) {
	note := FormatNote(NoteFields{
		WalletAddress: "0xabc",
		RiskProfile:   "aggressive",
		Email:         "user@example.com",
	})
	if note != "wallet:0xabc risk:aggressive email:user@example.com" {
		t.Fatalf("note = %q", note)
	}
	back := ParseNote(note)
	if back.WalletAddress != "0xabc" || back.RiskProfile != "aggressive" || back.Email != "user@example.com" {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}
