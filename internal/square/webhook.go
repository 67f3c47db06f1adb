package square

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
)

// SignatureHeader carries the webhook HMAC signature.
const SignatureHeader = "X-Square-Hmacsha256-Signature"

// VerifySignature checks a webhook delivery against the configured
// signature key. Square signs the concatenation of the registered
// notification URL and the raw request body with HMAC-SHA256, base64
// encoded.
func (c Config) VerifySignature(body []byte, signature string) bool {
	if c.WebhookSignatureKey == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.WebhookSignatureKey))
	mac.Write([]byte(c.NotificationURL))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// WebhookEvent is the subset of a Square webhook delivery the pipeline
// consumes.
type WebhookEvent struct {
	EventID   string
	Type      string
	PaymentID string
	OrderID   string
	Status    string
	// AmountCents and Currency come from the embedded payment object.
	AmountCents int64
	Currency    string
	Note        string
}

// ParseWebhook extracts the payment fields from a raw webhook body. Only
// payment.created and payment.updated events carry a payment object; other
// event types parse with an empty PaymentID.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	if !gjson.ValidBytes(body) {
		return WebhookEvent{}, fmt.Errorf("webhook body is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	ev := WebhookEvent{
		EventID: root.Get("event_id").String(),
		Type:    root.Get("type").String(),
	}
	obj := root.Get("data.object.payment")
	if !obj.Exists() {
		return ev, nil
	}
	ev.PaymentID = obj.Get("id").String()
	ev.OrderID = obj.Get("order_id").String()
	ev.Status = obj.Get("status").String()
	ev.AmountCents = obj.Get("amount_money.amount").Int()
	ev.Currency = obj.Get("amount_money.currency").String()
	ev.Note = obj.Get("note").String()
	return ev, nil
}
