package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"treasury/apps/treasury/internal/model"
)

type MerchantRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewMerchantRepository(db *sql.DB, logger *zap.Logger) *MerchantRepository {
	return &MerchantRepository{db: db, logger: logger}
}

func (r *MerchantRepository) EnsureMerchant(ctx context.Context, requesterID string, at time.Time) (*model.MerchantProfile, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO merchant_profiles (requester_id, onboarded_at, created_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (requester_id) DO NOTHING
	`, requesterID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to add merchant profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.logger.Info("Added merchant profile", zap.String("requester_id", requesterID))
	}
	return r.GetMerchant(ctx, requesterID)
}

func (r *MerchantRepository) GetMerchant(ctx context.Context, requesterID string) (*model.MerchantProfile, error) {
	var m model.MerchantProfile
	err := r.db.QueryRowContext(ctx, `
		SELECT requester_id, onboarded_at, created_at FROM merchant_profiles WHERE requester_id = $1
	`, requesterID).Scan(&m.RequesterID, &m.OnboardedAt, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get merchant profile: %w", err)
	}
	return &m, nil
}
