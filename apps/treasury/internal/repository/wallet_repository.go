package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
)

const walletColumns = `id, wallet_type, network, address, signers, required_signatures, security_tier, daily_limit, monthly_limit, status, created_at, updated_at`

const lockColumns = `id, wallet_id, reason, locked_by, locked_at, unlock_at, released_at, released_by`

type rowScanner interface {
	Scan(dest ...any) error
}

type WalletRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewWalletRepository(db *sql.DB, logger *zap.Logger) *WalletRepository {
	return &WalletRepository{db: db, logger: logger}
}

func scanWallet(row rowScanner) (*model.TreasuryWallet, error) {
	var w model.TreasuryWallet
	err := row.Scan(&w.ID, &w.Type, &w.Network, &w.Address, pq.Array(&w.Signers), &w.RequiredSignatures,
		&w.SecurityTier, &w.DailyLimit, &w.MonthlyLimit, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanLock(row rowScanner) (*model.EmergencyLock, error) {
	var l model.EmergencyLock
	var unlockAt, releasedAt sql.NullTime
	if err := row.Scan(&l.ID, &l.WalletID, &l.Reason, &l.LockedBy, &l.LockedAt, &unlockAt, &releasedAt, &l.ReleasedBy); err != nil {
		return nil, err
	}
	if unlockAt.Valid {
		l.UnlockAt = &unlockAt.Time
	}
	if releasedAt.Valid {
		l.ReleasedAt = &releasedAt.Time
	}
	return &l, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (r *WalletRepository) InsertWallet(ctx context.Context, wallet *model.TreasuryWallet) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO treasury_wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, wallet.ID, wallet.Type, wallet.Network, wallet.Address, pq.Array(wallet.Signers), wallet.RequiredSignatures,
		wallet.SecurityTier, wallet.DailyLimit, wallet.MonthlyLimit, wallet.Status, wallet.CreatedAt, wallet.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrapf(errs.ErrDuplicateWallet, "an active %s wallet already exists on %s", wallet.Type, wallet.Network)
		}
		return fmt.Errorf("failed to insert wallet: %w", err)
	}

	r.logger.Info("Created treasury wallet",
		zap.String("wallet_id", wallet.ID),
		zap.String("wallet_type", string(wallet.Type)),
		zap.String("network", wallet.Network))
	return nil
}

func (r *WalletRepository) GetWallet(ctx context.Context, id string) (*model.TreasuryWallet, error) {
	wallet, err := scanWallet(r.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM treasury_wallets WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return wallet, nil
}

func (r *WalletRepository) ListWallets(ctx context.Context, filter model.WalletFilter) ([]model.TreasuryWallet, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+walletColumns+` FROM treasury_wallets
		WHERE ($1 = '' OR network = $1)
		  AND ($2 = '' OR wallet_type = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at
	`, filter.Network, string(filter.Type), string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []model.TreasuryWallet
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, *wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating wallets: %w", err)
	}
	return wallets, nil
}

func (r *WalletRepository) UpdateWalletLimits(ctx context.Context, id string, daily, monthly decimal.Decimal, at time.Time) (*model.TreasuryWallet, error) {
	wallet, err := scanWallet(r.db.QueryRowContext(ctx, `
		UPDATE treasury_wallets SET daily_limit = $2, monthly_limit = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+walletColumns, id, daily, monthly, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to update wallet limits: %w", err)
	}
	return wallet, nil
}

func (r *WalletRepository) TransitionWalletStatus(ctx context.Context, id string, from []model.WalletStatus, to model.WalletStatus, at time.Time) (*model.TreasuryWallet, error) {
	wallet, err := scanWallet(r.db.QueryRowContext(ctx, `
		UPDATE treasury_wallets SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+walletColumns, id, to, at, pq.Array(walletStatusStrings(from))))
	if err == nil {
		r.logger.Info("Updated wallet status", zap.String("wallet_id", id), zap.String("status", string(to)))
		return wallet, nil
	}
	if isUniqueViolation(err) {
		return nil, errs.Wrapf(errs.ErrDuplicateWallet, "another active wallet of the same type exists on the network")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update wallet status: %w", err)
	}
	if _, getErr := r.GetWallet(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, errs.ErrStaleState
}

func (r *WalletRepository) FindPayoutWallet(ctx context.Context, network string) (*model.TreasuryWallet, error) {
	wallet, err := scanWallet(r.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM treasury_wallets
		WHERE network = $1 AND status <> 'INACTIVE'
		ORDER BY status = 'ACTIVE' DESC, wallet_type = 'PAYOUT_HOT' DESC, created_at
		LIMIT 1
	`, network))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find payout wallet: %w", err)
	}
	return wallet, nil
}

func (r *WalletRepository) LockWallet(ctx context.Context, lock *model.EmergencyLock, cancelReason string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var walletID string
	err = tx.QueryRowContext(ctx, `
		UPDATE treasury_wallets SET status = 'EMERGENCY_LOCKED', updated_at = $2
		WHERE id = $1
		RETURNING id
	`, lock.WalletID, lock.LockedAt).Scan(&walletID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE multisig_transactions SET status = 'CANCELLED', cancel_reason = $2, updated_at = $3
		WHERE wallet_id = $1 AND status = ANY($4)
		RETURNING id
	`, lock.WalletID, cancelReason, lock.LockedAt, pq.Array(transactionStatusStrings(model.CancellableStatuses)))
	if err != nil {
		return nil, fmt.Errorf("failed to cancel wallet transactions: %w", err)
	}
	var cancelled []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		cancelled = append(cancelled, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO emergency_locks (`+lockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, '')
	`, lock.ID, lock.WalletID, lock.Reason, lock.LockedBy, lock.LockedAt, lock.UnlockAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store emergency lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	r.logger.Warn("Wallet emergency locked",
		zap.String("wallet_id", lock.WalletID),
		zap.String("locked_by", lock.LockedBy),
		zap.Int("cancelled_transactions", len(cancelled)))
	return cancelled, nil
}

func (r *WalletRepository) ReleaseLock(ctx context.Context, lockID, releasedBy string, at time.Time) (*model.EmergencyLock, error) {
	lock, err := scanLock(r.db.QueryRowContext(ctx, `
		UPDATE emergency_locks SET released_at = $2, released_by = $3
		WHERE id = $1 AND released_at IS NULL
		RETURNING `+lockColumns, lockID, at, releasedBy))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrStaleState
		}
		return nil, fmt.Errorf("failed to release lock: %w", err)
	}
	return lock, nil
}

func (r *WalletRepository) ActiveLock(ctx context.Context, walletID string) (*model.EmergencyLock, error) {
	lock, err := scanLock(r.db.QueryRowContext(ctx, `
		SELECT `+lockColumns+` FROM emergency_locks
		WHERE wallet_id = $1 AND released_at IS NULL
		ORDER BY locked_at DESC
		LIMIT 1
	`, walletID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active lock: %w", err)
	}
	return lock, nil
}

func (r *WalletRepository) ListDueLocks(ctx context.Context, now time.Time) ([]model.EmergencyLock, error) {
	return r.queryLocks(ctx, `
		SELECT `+lockColumns+` FROM emergency_locks
		WHERE released_at IS NULL AND unlock_at IS NOT NULL AND unlock_at <= $1
		ORDER BY unlock_at
	`, now)
}

func (r *WalletRepository) ListLocks(ctx context.Context, walletID string) ([]model.EmergencyLock, error) {
	return r.queryLocks(ctx, `
		SELECT `+lockColumns+` FROM emergency_locks
		WHERE wallet_id = $1
		ORDER BY locked_at DESC
	`, walletID)
}

func (r *WalletRepository) queryLocks(ctx context.Context, query string, args ...any) ([]model.EmergencyLock, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	defer rows.Close()

	var locks []model.EmergencyLock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, *lock)
	}
	return locks, rows.Err()
}

func (r *WalletRepository) SpendUsage(ctx context.Context, walletID string, now time.Time) (model.SpendUsage, error) {
	return spendUsage(ctx, r.db, walletID, now)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func spendUsage(ctx context.Context, q queryRower, walletID string, now time.Time) (model.SpendUsage, error) {
	usage := model.SpendUsage{
		WalletID:   walletID,
		DayStart:   model.DayStart(now),
		MonthStart: model.MonthStart(now),
	}
	err := q.QueryRowContext(ctx, `
		SELECT w.daily_limit, w.monthly_limit,
			COALESCE(SUM(s.amount) FILTER (WHERE s.reserved_at >= $2 AND s.reserved_at < $4), 0),
			COALESCE(SUM(s.amount), 0)
		FROM treasury_wallets w
		LEFT JOIN spend_reservations s
			ON s.wallet_id = w.id AND s.released_at IS NULL AND s.reserved_at >= $3 AND s.reserved_at < $5
		WHERE w.id = $1
		GROUP BY w.id
	`, walletID, usage.DayStart, usage.MonthStart, model.DayEnd(now), model.MonthEnd(now)).Scan(&usage.DailyLimit, &usage.MonthlyLimit, &usage.DailySpent, &usage.MonthlySpent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return usage, errs.ErrWalletNotFound
		}
		return usage, fmt.Errorf("failed to compute spend usage: %w", err)
	}
	return usage, nil
}

func (r *WalletRepository) ReserveSpend(ctx context.Context, reservation *model.SpendReservation) (model.SpendUsage, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SpendUsage{}, err
	}
	defer tx.Rollback()

	// The wallet row lock serializes reservations per wallet.
	var status model.WalletStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM treasury_wallets WHERE id = $1 FOR UPDATE`, reservation.WalletID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SpendUsage{}, errs.ErrWalletNotFound
		}
		return model.SpendUsage{}, fmt.Errorf("failed to lock wallet row: %w", err)
	}
	switch status {
	case model.WalletStatusActive:
	case model.WalletStatusEmergencyLocked:
		return model.SpendUsage{}, errs.ErrWalletLocked
	default:
		return model.SpendUsage{}, errs.Wrapf(errs.ErrWalletNotActive, "wallet is %s", status)
	}

	var held bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM spend_reservations WHERE wallet_id = $1 AND reference = $2 AND released_at IS NULL)
	`, reservation.WalletID, reservation.Reference).Scan(&held)
	if err != nil {
		return model.SpendUsage{}, fmt.Errorf("failed to check reservation: %w", err)
	}

	usage, err := spendUsage(ctx, tx, reservation.WalletID, reservation.ReservedAt)
	if err != nil {
		return model.SpendUsage{}, err
	}
	if held {
		return usage, nil
	}
	if !usage.Fits(reservation.Amount) {
		return usage, errs.Wrapf(errs.ErrLimitExceeded, "amount %s exceeds remaining limit %s", reservation.Amount, usage.Remaining())
	}

	if reservation.ID == "" {
		reservation.ID = uuid.New().String()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO spend_reservations (id, wallet_id, reference, amount, reserved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (wallet_id, reference) DO UPDATE SET
			amount = EXCLUDED.amount,
			reserved_at = EXCLUDED.reserved_at,
			released_at = NULL
	`, reservation.ID, reservation.WalletID, reservation.Reference, reservation.Amount, reservation.ReservedAt)
	if err != nil {
		return model.SpendUsage{}, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.SpendUsage{}, err
	}

	usage.DailySpent = usage.DailySpent.Add(reservation.Amount)
	usage.MonthlySpent = usage.MonthlySpent.Add(reservation.Amount)
	return usage, nil
}

func (r *WalletRepository) ReleaseSpend(ctx context.Context, walletID, reference string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE spend_reservations SET released_at = $3
		WHERE wallet_id = $1 AND reference = $2 AND released_at IS NULL
	`, walletID, reference, at)
	if err != nil {
		return false, fmt.Errorf("failed to release reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func walletStatusStrings(statuses []model.WalletStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
