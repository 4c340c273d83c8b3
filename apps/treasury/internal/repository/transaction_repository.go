package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
)

const transactionColumns = `id, wallet_id, payout_request_id, destination, amount, currency, purpose, status, expires_at, tx_hash, block_number, execution_attempts, execution_held, last_error, cancel_reason, created_by, created_at, updated_at, executed_at`

type TransactionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewTransactionRepository(db *sql.DB, logger *zap.Logger) *TransactionRepository {
	return &TransactionRepository{db: db, logger: logger}
}

func scanTransaction(row rowScanner) (*model.MultiSigTransaction, error) {
	var t model.MultiSigTransaction
	var txHash sql.NullString
	var blockNumber sql.NullInt64
	var executedAt sql.NullTime
	err := row.Scan(&t.ID, &t.WalletID, &t.PayoutRequestID, &t.Destination, &t.Amount, &t.Currency, &t.Purpose, &t.Status,
		&t.ExpiresAt, &txHash, &blockNumber, &t.ExecutionAttempts, &t.ExecutionHeld, &t.LastError, &t.CancelReason,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &executedAt)
	if err != nil {
		return nil, err
	}
	t.TxHash = txHash.String
	if blockNumber.Valid {
		t.BlockNumber = uint64(blockNumber.Int64)
	}
	if executedAt.Valid {
		t.ExecutedAt = &executedAt.Time
	}
	return &t, nil
}

func (r *TransactionRepository) InsertTransaction(ctx context.Context, t *model.MultiSigTransaction) error {
	// The share lock on the wallet row orders the insert against a concurrent
	// emergency lock.
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO multisig_transactions (id, wallet_id, payout_request_id, destination, amount, currency, purpose, status, expires_at, created_by, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		WHERE EXISTS (SELECT 1 FROM treasury_wallets WHERE id = $2 AND status = 'ACTIVE' FOR SHARE)
	`, t.ID, t.WalletID, t.PayoutRequestID, t.Destination, t.Amount, t.Currency, t.Purpose, t.Status, t.ExpiresAt,
		t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status model.WalletStatus
		err := r.db.QueryRowContext(ctx, `SELECT status FROM treasury_wallets WHERE id = $1`, t.WalletID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.ErrWalletNotFound
		}
		if status == model.WalletStatusEmergencyLocked {
			return errs.ErrWalletLocked
		}
		return errs.Wrapf(errs.ErrWalletNotActive, "wallet is %s", status)
	}

	r.logger.Info("Created multisig transaction",
		zap.String("transaction_id", t.ID),
		zap.String("wallet_id", t.WalletID),
		zap.String("amount", t.Amount.String()))
	return nil
}

func (r *TransactionRepository) GetTransaction(ctx context.Context, id string) (*model.MultiSigTransaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM multisig_transactions WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	list := []model.MultiSigTransaction{*t}
	if err := r.attachSignatures(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (r *TransactionRepository) ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.MultiSigTransaction, error) {
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	return r.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM multisig_transactions
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND ($2 = '' OR wallet_id::text = $2)
		  AND (NOT $3 OR NOT execution_held)
		ORDER BY created_at
		LIMIT $4
	`, pq.Array(transactionStatusStrings(filter.Statuses)), filter.WalletID, filter.ExcludeHeld, limit)
}

func (r *TransactionRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]model.MultiSigTransaction, error) {
	return r.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM multisig_transactions
		WHERE status = ANY($1) AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
	`, pq.Array(transactionStatusStrings(model.CancellableStatuses)), now, limit)
}

func (r *TransactionRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]model.MultiSigTransaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var list []model.MultiSigTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		list = append(list, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	if err := r.attachSignatures(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *TransactionRepository) attachSignatures(ctx context.Context, list []model.MultiSigTransaction) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	index := make(map[string]int, len(list))
	for i := range list {
		ids[i] = list[i].ID
		index[list[i].ID] = i
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT transaction_id, signer, signature, signed_at FROM transaction_signatures
		WHERE transaction_id::text = ANY($1)
		ORDER BY signed_at, signer
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load signatures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var txID string
		var sig model.Signature
		if err := rows.Scan(&txID, &sig.Signer, &sig.Signature, &sig.SignedAt); err != nil {
			return fmt.Errorf("failed to scan signature: %w", err)
		}
		if i, ok := index[txID]; ok {
			list[i].Signatures = append(list[i].Signatures, sig)
		}
	}
	return rows.Err()
}

func (r *TransactionRepository) AppendSignature(ctx context.Context, id string, sig model.Signature, required int) (*model.MultiSigTransaction, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status model.TransactionStatus
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT status, expires_at FROM multisig_transactions WHERE id = $1 FOR UPDATE
	`, id).Scan(&status, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to lock transaction: %w", err)
	}
	if !status.IsSignable() {
		return nil, errs.Wrapf(errs.ErrTransactionNotSignable, "transaction is %s", status)
	}
	if sig.SignedAt.After(expiresAt) {
		return nil, errs.ErrTransactionExpired
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO transaction_signatures (transaction_id, signer, signature, signed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (transaction_id, signer) DO NOTHING
	`, id, sig.Signer, sig.Signature, sig.SignedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert signature: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, errs.ErrDuplicateSignature
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transaction_signatures WHERE transaction_id = $1`, id).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count signatures: %w", err)
	}

	next := model.StatusAfterSignature(count, required)
	if _, err := tx.ExecContext(ctx, `
		UPDATE multisig_transactions SET status = $2, updated_at = $3 WHERE id = $1
	`, id, next, sig.SignedAt); err != nil {
		return nil, fmt.Errorf("failed to update transaction status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	r.logger.Info("Recorded signature",
		zap.String("transaction_id", id),
		zap.String("signer", sig.Signer),
		zap.Int("signatures", count),
		zap.String("status", string(next)))
	return r.GetTransaction(ctx, id)
}

func (r *TransactionRepository) TransitionTransaction(ctx context.Context, id string, from []model.TransactionStatus, to model.TransactionStatus, patch model.TransactionPatch, at time.Time) (*model.MultiSigTransaction, error) {
	var blockNumber any
	if patch.BlockNumber != nil {
		blockNumber = int64(*patch.BlockNumber)
	}
	var updated string
	err := r.db.QueryRowContext(ctx, `
		UPDATE multisig_transactions SET
			status = $2,
			updated_at = $3,
			execution_attempts = COALESCE($5, execution_attempts),
			execution_held = COALESCE($6, execution_held),
			last_error = COALESCE($7, last_error),
			cancel_reason = COALESCE($8, cancel_reason),
			tx_hash = COALESCE(tx_hash, $9),
			block_number = COALESCE(block_number, $10),
			executed_at = COALESCE(executed_at, $11)
		WHERE id = $1 AND status = ANY($4)
		RETURNING id
	`, id, to, at, pq.Array(transactionStatusStrings(from)), patch.ExecutionAttempts, patch.ExecutionHeld,
		patch.LastError, patch.CancelReason, patch.TxHash, blockNumber, patch.ExecutedAt).Scan(&updated)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to transition transaction: %w", err)
		}
		if _, getErr := r.GetTransaction(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, errs.ErrStaleState
	}

	r.logger.Info("Transitioned transaction", zap.String("transaction_id", id), zap.String("status", string(to)))
	return r.GetTransaction(ctx, id)
}

func transactionStatusStrings(statuses []model.TransactionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
