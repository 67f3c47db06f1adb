// Package square is a minimal Square Payments API client covering payment
// creation, lookups and account probes.
package square

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tiltvault/backend/pkg/logger"
)

const (
	sandboxBaseURL    = "https://connect.squareupsandbox.com"
	productionBaseURL = "https://connect.squareup.com"

	apiVersion     = "2024-10-16"
	defaultTimeout = 30 * time.Second
)

// Config holds Square API credentials and environment selection.
type Config struct {
	AccessToken string `env:"SQUARE_ACCESS_TOKEN"`
	LocationID  string `env:"SQUARE_LOCATION_ID"`
	// Environment is "sandbox" or "production".
	Environment string `env:"SQUARE_ENVIRONMENT,default=sandbox"`
	// WebhookSignatureKey signs webhook deliveries.
	WebhookSignatureKey string `env:"SQUARE_WEBHOOK_SIGNATURE_KEY"`
	// NotificationURL is the exact webhook URL registered with Square; it is
	// part of the signed payload.
	NotificationURL string `env:"SQUARE_WEBHOOK_NOTIFICATION_URL"`
	Timeout         time.Duration
}

// BaseURL returns the API host for the configured environment.
func (c Config) BaseURL() string {
	if strings.EqualFold(c.Environment, "production") {
		return productionBaseURL
	}
	return sandboxBaseURL
}

// Client calls the Square REST API.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// NewClient creates a Square API client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("square access token required")
	}
	if log == nil {
		log = logger.NewDefault("square")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:     cfg,
		baseURL: cfg.BaseURL(),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

// Money is an amount in minor currency units.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Card holds the card details attached to a card payment.
type Card struct {
	CardBrand string `json:"card_brand"`
	Last4     string `json:"last_4"`
}

// CardDetails wraps the card payment source details.
type CardDetails struct {
	Card Card `json:"card"`
}

// Payment is the Square payment resource subset the service reads.
type Payment struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	OrderID     string      `json:"order_id"`
	AmountMoney Money       `json:"amount_money"`
	SourceType  string      `json:"source_type"`
	CardDetails CardDetails `json:"card_details"`
	Note        string      `json:"note"`
	ReceiptURL  string      `json:"receipt_url"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// CreatePaymentRequest is the body for POST /v2/payments.
type CreatePaymentRequest struct {
	SourceID       string `json:"source_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountMoney    Money  `json:"amount_money"`
	LocationID     string `json:"location_id,omitempty"`
	Note           string `json:"note,omitempty"`
	BuyerEmail     string `json:"buyer_email_address,omitempty"`
	Autocomplete   bool   `json:"autocomplete"`
}

// APIError is a non-2xx response from Square.
type APIError struct {
	StatusCode int
	Errors     []ErrorDetail
}

// ErrorDetail is one entry of a Square error response.
type ErrorDetail struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("square: %s (%s)", e.Errors[0].Detail, e.Errors[0].Code)
	}
	return fmt.Sprintf("square: status %d", e.StatusCode)
}

// Code returns the first Square error code, if any.
func (e *APIError) Code() string {
	if len(e.Errors) > 0 {
		return e.Errors[0].Code
	}
	return ""
}

const idempotencyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewIdempotencyKey builds a unique key for payment creation in the form
// "<unix-millis>-<9 random alphanumerics>".
func NewIdempotencyKey() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d-", time.Now().UnixMilli())
	for i := 0; i < 9; i++ {
		b.WriteByte(idempotencyAlphabet[rand.Intn(len(idempotencyAlphabet))])
	}
	return b.String()
}

// CreatePayment charges a card payment source.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (Payment, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = NewIdempotencyKey()
	}
	if req.LocationID == "" {
		req.LocationID = c.cfg.LocationID
	}
	var resp struct {
		Payment Payment `json:"payment"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/payments", req, &resp); err != nil {
		return Payment{}, err
	}
	return resp.Payment, nil
}

// GetPayment fetches a payment by Square payment ID.
func (c *Client) GetPayment(ctx context.Context, id string) (Payment, error) {
	var resp struct {
		Payment Payment `json:"payment"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/payments/"+url.PathEscape(id), nil, &resp); err != nil {
		return Payment{}, err
	}
	return resp.Payment, nil
}

// ListPayments fetches payments created at or after begin, newest first.
func (c *Client) ListPayments(ctx context.Context, begin time.Time) ([]Payment, error) {
	q := url.Values{}
	q.Set("begin_time", begin.UTC().Format(time.RFC3339))
	q.Set("sort_order", "DESC")
	if c.cfg.LocationID != "" {
		q.Set("location_id", c.cfg.LocationID)
	}
	var resp struct {
		Payments []Payment `json:"payments"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/payments?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payments, nil
}

// Location is the configured Square location subset the service reads.
type Location struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Currency string `json:"currency"`
}

// GetLocation fetches the configured location. Used by health checks to
// verify credentials.
func (c *Client) GetLocation(ctx context.Context) (Location, error) {
	if c.cfg.LocationID == "" {
		return Location{}, fmt.Errorf("square location not configured")
	}
	var resp struct {
		Location Location `json:"location"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/locations/"+url.PathEscape(c.cfg.LocationID), nil, &resp); err != nil {
		return Location{}, err
	}
	return resp.Location, nil
}

// BankAccount is a linked payout account.
type BankAccount struct {
	ID            string `json:"id"`
	BankName      string `json:"bank_name"`
	AccountType   string `json:"account_type"`
	Status        string `json:"status"`
	AccountSuffix string `json:"account_number_suffix"`
}

// ListBankAccounts fetches linked bank accounts. Sandbox tokens are often
// not entitled to this endpoint, so permission errors yield an empty list.
func (c *Client) ListBankAccounts(ctx context.Context) ([]BankAccount, error) {
	var resp struct {
		BankAccounts []BankAccount `json:"bank_accounts"`
	}
	err := c.do(ctx, http.MethodGet, "/v2/bank-accounts", nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusForbidden || apiErr.StatusCode == http.StatusUnauthorized) {
			c.log.WithField("status", apiErr.StatusCode).Debug("bank accounts not accessible with current token")
			return nil, nil
		}
		return nil, err
	}
	return resp.BankAccounts, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Square-Version", apiVersion)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("square request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errBody struct {
			Errors []ErrorDetail `json:"errors"`
		}
		if err := json.Unmarshal(data, &errBody); err == nil {
			apiErr.Errors = errBody.Errors
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// newClientForTest points the client at a test server.
func newClientForTest(cfg Config, baseURL string, httpClient *http.Client) *Client {
	return &Client{cfg: cfg, baseURL: baseURL, http: httpClient, log: logger.NewDefault("square")}
}
