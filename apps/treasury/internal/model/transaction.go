package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionStatusPending         TransactionStatus = "PENDING"
	TransactionStatusPartiallySigned TransactionStatus = "PARTIALLY_SIGNED"
	TransactionStatusFullySigned     TransactionStatus = "FULLY_SIGNED"
	// TransactionStatusExecuting marks a transaction whose blockchain call is in flight.
	TransactionStatusExecuting TransactionStatus = "EXECUTING"
	TransactionStatusExecuted  TransactionStatus = "EXECUTED"
	TransactionStatusExpired   TransactionStatus = "EXPIRED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusPartiallySigned, TransactionStatusFullySigned,
		TransactionStatusExecuting, TransactionStatusExecuted, TransactionStatusExpired, TransactionStatusCancelled:
		return true
	}
	return false
}

func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusExecuted || s == TransactionStatusExpired || s == TransactionStatusCancelled
}

func (s TransactionStatus) IsSignable() bool {
	return s == TransactionStatusPending || s == TransactionStatusPartiallySigned
}

// SignableStatuses can still accept signatures.
var SignableStatuses = []TransactionStatus{
	TransactionStatusPending,
	TransactionStatusPartiallySigned,
}

// CancellableStatuses are cancelled by an emergency lock or withdrawal and
// expire once past their expiry. EXECUTING is excluded: an in-flight call is
// never aborted, and the executor cancels it if the call then fails on a
// locked wallet.
var CancellableStatuses = []TransactionStatus{
	TransactionStatusPending,
	TransactionStatusPartiallySigned,
	TransactionStatusFullySigned,
}

// StatusAfterSignature returns the status a transaction takes once it holds
// count distinct valid signatures.
func StatusAfterSignature(count, required int) TransactionStatus {
	switch {
	case count <= 0:
		return TransactionStatusPending
	case count >= required:
		return TransactionStatusFullySigned
	default:
		return TransactionStatusPartiallySigned
	}
}

type Signature struct {
	Signer    string    `db:"signer"`
	Signature string    `db:"signature"`
	SignedAt  time.Time `db:"signed_at"`
}

type MultiSigTransaction struct {
	ID                string            `db:"id"`
	WalletID          string            `db:"wallet_id"`
	PayoutRequestID   string            `db:"payout_request_id"`
	Destination       string            `db:"destination"`
	Amount            decimal.Decimal   `db:"amount"`
	Currency          string            `db:"currency"`
	Purpose           string            `db:"purpose"`
	Status            TransactionStatus `db:"status"`
	Signatures        []Signature
	ExpiresAt         time.Time  `db:"expires_at"`
	TxHash            string     `db:"tx_hash"`
	BlockNumber       uint64     `db:"block_number"`
	ExecutionAttempts int        `db:"execution_attempts"`
	ExecutionHeld     bool       `db:"execution_held"`
	LastError         string     `db:"last_error"`
	CancelReason      string     `db:"cancel_reason"`
	CreatedBy         string     `db:"created_by"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	ExecutedAt        *time.Time `db:"executed_at"`
}

func (t *MultiSigTransaction) HasSigned(signer string) bool {
	for _, s := range t.Signatures {
		if s.Signer == signer {
			return true
		}
	}
	return false
}

// IsExpired reports whether the transaction passed its expiry while still
// able to expire.
func (t *MultiSigTransaction) IsExpired(now time.Time) bool {
	if t.Status.IsTerminal() || t.Status == TransactionStatusExecuting {
		return false
	}
	return now.After(t.ExpiresAt)
}

// TransactionPatch carries the optional column changes applied together with
// a status transition. Nil fields are left untouched; TxHash, BlockNumber and
// ExecutedAt are only written when still empty.
type TransactionPatch struct {
	ExecutionAttempts *int
	ExecutionHeld     *bool
	LastError         *string
	CancelReason      *string
	TxHash            *string
	BlockNumber       *uint64
	ExecutedAt        *time.Time
}

type TransactionFilter struct {
	Statuses []TransactionStatus
	WalletID string
	// ExcludeHeld skips transactions held for operator attention.
	ExcludeHeld bool
	Limit       int
}
