// Package payment holds the fiat payment domain model.
package payment

import "time"

// Status mirrors the Square payment lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Payment is a fiat payment accepted through Square. AmountCents is the
// charged amount in minor units; on-chain amounts are derived from it only
// when a deposit job executes.
type Payment struct {
	ID            string
	SquareID      string
	OrderID       string
	WalletAddress string
	UserEmail     string
	RiskProfile   string
	AmountCents   int64
	Currency      string
	Status        Status
	SourceType    string
	CardBrand     string
	Last4         string
	ReceiptURL    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Summary aggregates recent payments for the balance endpoint.
type Summary struct {
	Completed      []Payment `json:"completed"`
	Pending        []Payment `json:"pending"`
	TotalCompleted float64   `json:"total_completed"`
	TotalPending   float64   `json:"total_pending"`
	CountCompleted int       `json:"count_completed"`
	CountPending   int       `json:"count_pending"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
}
