package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"treasury/apps/treasury/internal/model"
)

// WalletStore persists treasury wallets, their emergency locks and the spend
// reservation ledger.
type WalletStore interface {
	// InsertWallet fails with errs.ErrDuplicateWallet when an ACTIVE wallet of
	// the same type already exists on the network.
	InsertWallet(ctx context.Context, wallet *model.TreasuryWallet) error
	GetWallet(ctx context.Context, id string) (*model.TreasuryWallet, error)
	ListWallets(ctx context.Context, filter model.WalletFilter) ([]model.TreasuryWallet, error)
	UpdateWalletLimits(ctx context.Context, id string, daily, monthly decimal.Decimal, at time.Time) (*model.TreasuryWallet, error)
	// TransitionWalletStatus moves the wallet to `to` only when its current
	// status is one of from, otherwise errs.ErrStaleState.
	TransitionWalletStatus(ctx context.Context, id string, from []model.WalletStatus, to model.WalletStatus, at time.Time) (*model.TreasuryWallet, error)
	// FindPayoutWallet returns the preferred non-retired wallet on a network:
	// ACTIVE before any other status, PAYOUT_HOT before other types. Nil when
	// the network has none.
	FindPayoutWallet(ctx context.Context, network string) (*model.TreasuryWallet, error)

	// LockWallet atomically marks the wallet EMERGENCY_LOCKED, cancels its
	// cancellable transactions and stores the lock. It returns the ids of the
	// cancelled transactions.
	LockWallet(ctx context.Context, lock *model.EmergencyLock, cancelReason string) ([]string, error)
	ReleaseLock(ctx context.Context, lockID, releasedBy string, at time.Time) (*model.EmergencyLock, error)
	ActiveLock(ctx context.Context, walletID string) (*model.EmergencyLock, error)
	ListDueLocks(ctx context.Context, now time.Time) ([]model.EmergencyLock, error)
	ListLocks(ctx context.Context, walletID string) ([]model.EmergencyLock, error)

	SpendUsage(ctx context.Context, walletID string, now time.Time) (model.SpendUsage, error)
	// ReserveSpend checks the ceilings and records the reservation as one
	// atomic step. Reserving an existing reference is a no-op.
	ReserveSpend(ctx context.Context, reservation *model.SpendReservation) (model.SpendUsage, error)
	ReleaseSpend(ctx context.Context, walletID, reference string, at time.Time) (bool, error)
}

type TransactionStore interface {
	// InsertTransaction only succeeds while the wallet is ACTIVE.
	InsertTransaction(ctx context.Context, tx *model.MultiSigTransaction) error
	GetTransaction(ctx context.Context, id string) (*model.MultiSigTransaction, error)
	ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.MultiSigTransaction, error)
	// AppendSignature records sig and derives the next status from the number
	// of distinct signatures and required.
	AppendSignature(ctx context.Context, id string, sig model.Signature, required int) (*model.MultiSigTransaction, error)
	TransitionTransaction(ctx context.Context, id string, from []model.TransactionStatus, to model.TransactionStatus, patch model.TransactionPatch, at time.Time) (*model.MultiSigTransaction, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]model.MultiSigTransaction, error)
}

type PayoutStore interface {
	// InsertPayout is idempotent on ExternalRef. The returned bool is false
	// when an existing request was returned instead.
	InsertPayout(ctx context.Context, payout *model.PayoutRequest) (*model.PayoutRequest, bool, error)
	GetPayout(ctx context.Context, id string) (*model.PayoutRequest, error)
	ListPayouts(ctx context.Context, filter model.PayoutFilter) ([]model.PayoutRequest, error)
	// ClaimPayouts leases up to limit claimable requests to worker.
	ClaimPayouts(ctx context.Context, worker string, limit int, lease time.Duration, now time.Time) ([]model.PayoutRequest, error)
	// TransitionPayout is a conditional update on the expected statuses and
	// always clears the claim.
	TransitionPayout(ctx context.Context, id string, from []model.PayoutStatus, to model.PayoutStatus, patch model.PayoutPatch, at time.Time) (*model.PayoutRequest, error)
	FindPayoutByTransaction(ctx context.Context, transactionID string) (*model.PayoutRequest, error)
	RequesterStats(ctx context.Context, requesterID string, since time.Time) (model.RequesterStats, error)
	CountPayoutsByStatus(ctx context.Context) (map[model.PayoutStatus]int, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, entry *model.AuditLogEntry) error
	ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error)
	// ClaimUnpublished marks up to limit unsent entries as processing and
	// returns them.
	ClaimUnpublished(ctx context.Context, limit int) ([]model.AuditLogEntry, error)
	MarkPublished(ctx context.Context, id string) error
	MarkUnpublished(ctx context.Context, id string) error
}

type ControlStore interface {
	// EnsureControl creates the control record from defaults if missing.
	EnsureControl(ctx context.Context, defaults model.EngineControl) (*model.EngineControl, error)
	GetControl(ctx context.Context) (*model.EngineControl, error)
	// SetHalted reports whether the flag actually changed.
	SetHalted(ctx context.Context, halted bool, reason, actor string, at time.Time) (bool, *model.EngineControl, error)
	UpdateSettings(ctx context.Context, settings model.EngineSettings, actor string, at time.Time) (*model.EngineControl, error)
}

type MerchantStore interface {
	EnsureMerchant(ctx context.Context, requesterID string, at time.Time) (*model.MerchantProfile, error)
	GetMerchant(ctx context.Context, requesterID string) (*model.MerchantProfile, error)
}

// Store bundles every store the service needs.
type Store interface {
	WalletStore
	TransactionStore
	PayoutStore
	AuditStore
	ControlStore
	MerchantStore
}
