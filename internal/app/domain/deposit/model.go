// Package deposit holds the on-chain deposit job model driven by payment
// webhooks.
package deposit

import "time"

// Status tracks a deposit job through the execution pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusDuplicate marks a webhook delivery that matched an already
	// executed payment and was skipped.
	StatusDuplicate Status = "skipped_duplicate"
)

// Terminal reports whether the job is done.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDuplicate:
		return true
	}
	return false
}

// StepResult records the outcome of one pipeline step (a preflight check or
// a single on-chain transaction).
type StepResult struct {
	Name     string        `json:"name"`
	VaultID  string        `json:"vault_id,omitempty"`
	TxHash   string        `json:"tx_hash,omitempty"`
	GasUsed  uint64        `json:"gas_used,omitempty"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Job is one webhook-driven deposit execution. Exactly one job ever reaches
// a terminal non-duplicate state per Square payment.
type Job struct {
	ID            string       `json:"id"`
	SquareID      string       `json:"square_id"`
	WalletAddress string       `json:"wallet_address"`
	RiskProfile   string       `json:"risk_profile"`
	AmountCents   int64        `json:"amount_cents"`
	Status        Status       `json:"status"`
	Steps         []StepResult `json:"steps,omitempty"`
	Attempts      int          `json:"attempts"`
	// Retryable marks a failure the requeue poller may re-run.
	Retryable   bool      `json:"retryable"`
	LastError   string    `json:"last_error,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
