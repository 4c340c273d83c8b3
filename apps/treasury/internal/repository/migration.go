package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration creates the schema. Statements are idempotent so it runs on
// every start.
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS treasury_wallets (
			id UUID PRIMARY KEY,
			wallet_type VARCHAR(20) NOT NULL,
			network VARCHAR(50) NOT NULL,
			address VARCHAR(128) NOT NULL,
			signers TEXT[] NOT NULL,
			required_signatures INTEGER NOT NULL,
			security_tier VARCHAR(10) NOT NULL,
			daily_limit DECIMAL(38,18) NOT NULL,
			monthly_limit DECIMAL(38,18) NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT required_signatures_range CHECK (required_signatures >= 1 AND required_signatures <= cardinality(signers))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_treasury_wallets_active_type_network
			ON treasury_wallets (wallet_type, network) WHERE status = 'ACTIVE'`,
		`CREATE TABLE IF NOT EXISTS multisig_transactions (
			id UUID PRIMARY KEY,
			wallet_id UUID NOT NULL REFERENCES treasury_wallets(id),
			payout_request_id VARCHAR(64) NOT NULL DEFAULT '',
			destination VARCHAR(128) NOT NULL,
			amount DECIMAL(38,18) NOT NULL,
			currency VARCHAR(20) NOT NULL,
			purpose TEXT NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			tx_hash VARCHAR(128),
			block_number BIGINT,
			execution_attempts INTEGER NOT NULL DEFAULT 0,
			execution_held BOOLEAN NOT NULL DEFAULT FALSE,
			last_error TEXT NOT NULL DEFAULT '',
			cancel_reason TEXT NOT NULL DEFAULT '',
			created_by VARCHAR(128) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			executed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_multisig_transactions_wallet_status ON multisig_transactions (wallet_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_multisig_transactions_status_expiry ON multisig_transactions (status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS transaction_signatures (
			transaction_id UUID NOT NULL REFERENCES multisig_transactions(id),
			signer VARCHAR(128) NOT NULL,
			signature TEXT NOT NULL,
			signed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (transaction_id, signer)
		)`,
		`CREATE TABLE IF NOT EXISTS payout_requests (
			id UUID PRIMARY KEY,
			external_ref VARCHAR(128) NOT NULL DEFAULT '',
			requester_id VARCHAR(128) NOT NULL,
			amount DECIMAL(38,18) NOT NULL,
			currency VARCHAR(20) NOT NULL,
			destination_address VARCHAR(128) NOT NULL,
			destination_network VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL,
			risk_tier VARCHAR(10) NOT NULL DEFAULT '',
			risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			recommended_action VARCHAR(20) NOT NULL DEFAULT '',
			decision_reason TEXT NOT NULL DEFAULT '',
			wallet_id VARCHAR(64) NOT NULL DEFAULT '',
			transaction_id VARCHAR(64) NOT NULL DEFAULT '',
			tx_hash VARCHAR(128),
			block_number BIGINT,
			attempts INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			claimed_by VARCHAR(128) NOT NULL DEFAULT '',
			claim_expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_payout_requests_external_ref ON payout_requests (external_ref) WHERE external_ref <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_payout_requests_status_created ON payout_requests (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_payout_requests_requester ON payout_requests (requester_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_payout_requests_transaction ON payout_requests (transaction_id)`,
		`CREATE TABLE IF NOT EXISTS emergency_locks (
			id UUID PRIMARY KEY,
			wallet_id UUID NOT NULL REFERENCES treasury_wallets(id),
			reason TEXT NOT NULL,
			locked_by VARCHAR(128) NOT NULL,
			locked_at TIMESTAMPTZ NOT NULL,
			unlock_at TIMESTAMPTZ,
			released_at TIMESTAMPTZ,
			released_by VARCHAR(128) NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_emergency_locks_wallet ON emergency_locks (wallet_id, locked_at DESC)`,
		`CREATE TABLE IF NOT EXISTS spend_reservations (
			id UUID PRIMARY KEY,
			wallet_id UUID NOT NULL REFERENCES treasury_wallets(id),
			reference VARCHAR(128) NOT NULL,
			amount DECIMAL(38,18) NOT NULL,
			reserved_at TIMESTAMPTZ NOT NULL,
			released_at TIMESTAMPTZ,
			UNIQUE(wallet_id, reference)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spend_reservations_wallet_date ON spend_reservations (wallet_id, reserved_at)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id UUID PRIMARY KEY,
			action VARCHAR(64) NOT NULL,
			actor_id VARCHAR(128) NOT NULL,
			actor_role VARCHAR(20) NOT NULL,
			entity_type VARCHAR(20) NOT NULL,
			entity_id VARCHAR(64) NOT NULL,
			severity VARCHAR(10) NOT NULL,
			detail JSONB NOT NULL DEFAULT '{}',
			publish_status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log (entity_type, entity_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_publish ON audit_log (publish_status, created_at)`,
		`CREATE TABLE IF NOT EXISTS engine_control (
			id INTEGER PRIMARY KEY DEFAULT 1,
			halted BOOLEAN NOT NULL DEFAULT FALSE,
			halt_reason TEXT NOT NULL DEFAULT '',
			halted_by VARCHAR(128) NOT NULL DEFAULT '',
			halted_at TIMESTAMPTZ,
			resumed_by VARCHAR(128) NOT NULL DEFAULT '',
			resumed_at TIMESTAMPTZ,
			batch_size INTEGER NOT NULL,
			interval_ms BIGINT NOT NULL,
			max_attempts INTEGER NOT NULL,
			threshold_low DOUBLE PRECISION NOT NULL,
			threshold_medium DOUBLE PRECISION NOT NULL,
			threshold_high DOUBLE PRECISION NOT NULL,
			auto_approve_ceiling DECIMAL(38,18) NOT NULL,
			updated_by VARCHAR(128) NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT single_row CHECK (id = 1)
		)`,
		`CREATE TABLE IF NOT EXISTS merchant_profiles (
			requester_id VARCHAR(128) PRIMARY KEY,
			onboarded_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}
