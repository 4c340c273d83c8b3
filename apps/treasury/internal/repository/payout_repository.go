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

const payoutColumns = `id, external_ref, requester_id, amount, currency, destination_address, destination_network, status, risk_tier, risk_score, recommended_action, decision_reason, wallet_id, transaction_id, tx_hash, block_number, attempts, failure_reason, claimed_by, claim_expires_at, created_at, updated_at`

type PayoutRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPayoutRepository(db *sql.DB, logger *zap.Logger) *PayoutRepository {
	return &PayoutRepository{db: db, logger: logger}
}

func scanPayout(row rowScanner) (*model.PayoutRequest, error) {
	var p model.PayoutRequest
	var txHash sql.NullString
	var blockNumber sql.NullInt64
	var claimExpiresAt sql.NullTime
	err := row.Scan(&p.ID, &p.ExternalRef, &p.RequesterID, &p.Amount, &p.Currency, &p.DestinationAddress, &p.DestinationNetwork,
		&p.Status, &p.RiskTier, &p.RiskScore, &p.RecommendedAction, &p.DecisionReason, &p.WalletID, &p.TransactionID,
		&txHash, &blockNumber, &p.Attempts, &p.FailureReason, &p.ClaimedBy, &claimExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.TxHash = txHash.String
	if blockNumber.Valid {
		p.BlockNumber = uint64(blockNumber.Int64)
	}
	if claimExpiresAt.Valid {
		p.ClaimExpiresAt = &claimExpiresAt.Time
	}
	return &p, nil
}

func (r *PayoutRepository) InsertPayout(ctx context.Context, p *model.PayoutRequest) (*model.PayoutRequest, bool, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payout_requests (id, external_ref, requester_id, amount, currency, destination_address, destination_network, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.ExternalRef, p.RequesterID, p.Amount, p.Currency, p.DestinationAddress, p.DestinationNetwork, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) && p.ExternalRef != "" {
			existing, getErr := scanPayout(r.db.QueryRowContext(ctx, `
				SELECT `+payoutColumns+` FROM payout_requests WHERE external_ref = $1
			`, p.ExternalRef))
			if getErr != nil {
				return nil, false, fmt.Errorf("failed to load existing payout: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert payout request: %w", err)
	}

	r.logger.Info("Created payout request",
		zap.String("payout_id", p.ID),
		zap.String("requester_id", p.RequesterID),
		zap.String("amount", p.Amount.String()))
	created, err := r.GetPayout(ctx, p.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (r *PayoutRepository) GetPayout(ctx context.Context, id string) (*model.PayoutRequest, error) {
	p, err := scanPayout(r.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrPayoutNotFound
		}
		return nil, fmt.Errorf("failed to get payout request: %w", err)
	}
	return p, nil
}

func (r *PayoutRepository) ListPayouts(ctx context.Context, filter model.PayoutFilter) ([]model.PayoutRequest, error) {
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	return r.queryPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payout_requests
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND ($2 = '' OR requester_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, pq.Array(payoutStatusStrings(filter.Statuses)), filter.RequesterID, limit)
}

func (r *PayoutRepository) queryPayouts(ctx context.Context, query string, args ...any) ([]model.PayoutRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout requests: %w", err)
	}
	defer rows.Close()

	var list []model.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout request: %w", err)
		}
		list = append(list, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payout requests: %w", err)
	}
	return list, nil
}

func (r *PayoutRepository) ClaimPayouts(ctx context.Context, worker string, limit int, lease time.Duration, now time.Time) ([]model.PayoutRequest, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Rows claimed by another worker stay invisible until its lease runs out.
	rows, err := tx.QueryContext(ctx, `
		UPDATE payout_requests SET claimed_by = $1, claim_expires_at = $2
		WHERE id IN (
			SELECT id FROM payout_requests
			WHERE status = ANY($3) AND (claim_expires_at IS NULL OR claim_expires_at < $4)
			ORDER BY created_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+payoutColumns,
		worker, now.Add(lease), pq.Array(payoutStatusStrings(model.ClaimableStatuses)), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim payout requests: %w", err)
	}

	var claimed []model.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claimed payout: %w", err)
		}
		claimed = append(claimed, *p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		r.logger.Info("Claimed payout requests", zap.String("worker", worker), zap.Int("count", len(claimed)))
	}
	return claimed, nil
}

func (r *PayoutRepository) TransitionPayout(ctx context.Context, id string, from []model.PayoutStatus, to model.PayoutStatus, patch model.PayoutPatch, at time.Time) (*model.PayoutRequest, error) {
	var blockNumber any
	if patch.BlockNumber != nil {
		blockNumber = int64(*patch.BlockNumber)
	}
	var riskTier, action any
	if patch.RiskTier != nil {
		riskTier = string(*patch.RiskTier)
	}
	if patch.RecommendedAction != nil {
		action = string(*patch.RecommendedAction)
	}
	p, err := scanPayout(r.db.QueryRowContext(ctx, `
		UPDATE payout_requests SET
			status = $2,
			updated_at = $3,
			claimed_by = '',
			claim_expires_at = NULL,
			risk_tier = COALESCE($5, risk_tier),
			risk_score = COALESCE($6, risk_score),
			recommended_action = COALESCE($7, recommended_action),
			decision_reason = COALESCE($8, decision_reason),
			wallet_id = COALESCE($9, wallet_id),
			transaction_id = COALESCE($10, transaction_id),
			tx_hash = COALESCE(tx_hash, $11),
			block_number = COALESCE(block_number, $12),
			attempts = COALESCE($13, attempts),
			failure_reason = COALESCE($14, failure_reason)
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+payoutColumns,
		id, to, at, pq.Array(payoutStatusStrings(from)), riskTier, patch.RiskScore, action, patch.DecisionReason,
		patch.WalletID, patch.TransactionID, patch.TxHash, blockNumber, patch.Attempts, patch.FailureReason))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to transition payout request: %w", err)
		}
		if _, getErr := r.GetPayout(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, errs.ErrStaleState
	}

	r.logger.Info("Transitioned payout request", zap.String("payout_id", id), zap.String("status", string(to)))
	return p, nil
}

func (r *PayoutRepository) FindPayoutByTransaction(ctx context.Context, transactionID string) (*model.PayoutRequest, error) {
	p, err := scanPayout(r.db.QueryRowContext(ctx, `
		SELECT `+payoutColumns+` FROM payout_requests WHERE transaction_id = $1
	`, transactionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find payout by transaction: %w", err)
	}
	return p, nil
}

func (r *PayoutRepository) RequesterStats(ctx context.Context, requesterID string, since time.Time) (model.RequesterStats, error) {
	stats := model.RequesterStats{RequesterID: requesterID}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status = 'EXECUTED'), 0),
			COUNT(*) FILTER (WHERE status = 'EXECUTED'),
			COUNT(*) FILTER (WHERE created_at >= $2 AND (status = 'EXECUTED' OR failure_reason <> '')),
			COUNT(*) FILTER (WHERE created_at >= $2 AND failure_reason <> '')
		FROM payout_requests
		WHERE requester_id = $1
	`, requesterID, since).Scan(&stats.TotalVolume, &stats.ExecutedCount, &stats.RecentAttempts, &stats.RecentFailures)
	if err != nil {
		return stats, fmt.Errorf("failed to compute requester stats: %w", err)
	}
	return stats, nil
}

func (r *PayoutRepository) CountPayoutsByStatus(ctx context.Context) (map[model.PayoutStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM payout_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count payout requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.PayoutStatus]int)
	for rows.Next() {
		var status model.PayoutStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func payoutStatusStrings(statuses []model.PayoutStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
