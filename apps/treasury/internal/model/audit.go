package model

import (
	"time"
)

type AuditAction string

const (
	AuditWalletCreated       AuditAction = "wallet_created"
	AuditWalletCreateFailed  AuditAction = "wallet_create_failed"
	AuditWalletLimitsUpdated AuditAction = "wallet_limits_updated"
	AuditWalletStatusChanged AuditAction = "wallet_status_changed"
	AuditWalletLocked        AuditAction = "wallet_emergency_locked"
	AuditWalletUnlocked      AuditAction = "wallet_lock_released"
	AuditWalletResumed       AuditAction = "wallet_resumed"

	AuditTransactionProposed  AuditAction = "transaction_proposed"
	AuditTransactionSigned    AuditAction = "transaction_signed"
	AuditSignatureRejected    AuditAction = "signature_rejected"
	AuditTransactionExpired   AuditAction = "transaction_expired"
	AuditTransactionCancelled AuditAction = "transaction_cancelled"
	AuditTransactionExecuted  AuditAction = "transaction_executed"
	AuditTransactionFailed    AuditAction = "transaction_execution_failed"
	AuditTransactionHeld      AuditAction = "transaction_held"

	AuditPayoutSubmitted    AuditAction = "payout_submitted"
	AuditPayoutAssessed     AuditAction = "payout_assessed"
	AuditPayoutRejected     AuditAction = "payout_rejected"
	AuditPayoutEscalated    AuditAction = "payout_escalated"
	AuditPayoutApproved     AuditAction = "payout_approved"
	AuditPayoutExecuted     AuditAction = "payout_executed"
	AuditPayoutFailed       AuditAction = "payout_failed"
	AuditPayoutDeferred     AuditAction = "payout_deferred"
	AuditPayoutCancelled    AuditAction = "payout_cancelled"
	AuditPayoutBatchSkipped AuditAction = "payout_batch_skipped"

	AuditEngineHalted        AuditAction = "engine_halted"
	AuditEngineResumed       AuditAction = "engine_resumed"
	AuditEngineConfigUpdated AuditAction = "engine_config_updated"
	AuditControlRejected     AuditAction = "control_action_rejected"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type EntityType string

const (
	EntityWallet      EntityType = "wallet"
	EntityTransaction EntityType = "transaction"
	EntityPayout      EntityType = "payout"
	EntityEngine      EntityType = "engine"
)

// AuditLogEntry is append-only; only the publication flag changes after insert.
type AuditLogEntry struct {
	ID         string         `db:"id"`
	Action     AuditAction    `db:"action"`
	ActorID    string         `db:"actor_id"`
	ActorRole  Role           `db:"actor_role"`
	EntityType EntityType     `db:"entity_type"`
	EntityID   string         `db:"entity_id"`
	Severity   Severity       `db:"severity"`
	Detail     map[string]any `db:"detail"`
	CreatedAt  time.Time      `db:"created_at"`

	// PublishStatus drives the outbox publisher: unsent, processing, sent.
	PublishStatus string `db:"publish_status"`
}

const (
	PublishUnsent     = "unsent"
	PublishProcessing = "processing"
	PublishSent       = "sent"
)

type AuditFilter struct {
	EntityType EntityType
	EntityID   string
	Action     AuditAction
	Limit      int
}
