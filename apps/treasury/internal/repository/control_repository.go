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

const controlColumns = `halted, halt_reason, halted_by, halted_at, resumed_by, resumed_at, batch_size, interval_ms, max_attempts, threshold_low, threshold_medium, threshold_high, auto_approve_ceiling, updated_by, updated_at`

// ControlRepository stores the single engine control row.
type ControlRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewControlRepository(db *sql.DB, logger *zap.Logger) *ControlRepository {
	return &ControlRepository{db: db, logger: logger}
}

func scanControl(row rowScanner) (*model.EngineControl, error) {
	var c model.EngineControl
	var haltedAt, resumedAt sql.NullTime
	var intervalMs int64
	err := row.Scan(&c.Halted, &c.HaltReason, &c.HaltedBy, &haltedAt, &c.ResumedBy, &resumedAt, &c.BatchSize, &intervalMs,
		&c.MaxAttempts, &c.Thresholds.Low, &c.Thresholds.Medium, &c.Thresholds.High, &c.AutoApproveCeiling, &c.UpdatedBy, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Interval = time.Duration(intervalMs) * time.Millisecond
	if haltedAt.Valid {
		c.HaltedAt = &haltedAt.Time
	}
	if resumedAt.Valid {
		c.ResumedAt = &resumedAt.Time
	}
	return &c, nil
}

func (r *ControlRepository) EnsureControl(ctx context.Context, defaults model.EngineControl) (*model.EngineControl, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO engine_control (id, batch_size, interval_ms, max_attempts, threshold_low, threshold_medium, threshold_high, auto_approve_ceiling, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, defaults.BatchSize, defaults.Interval.Milliseconds(), defaults.MaxAttempts, defaults.Thresholds.Low,
		defaults.Thresholds.Medium, defaults.Thresholds.High, defaults.AutoApproveCeiling, defaults.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine control: %w", err)
	}
	return r.GetControl(ctx)
}

func (r *ControlRepository) GetControl(ctx context.Context) (*model.EngineControl, error) {
	c, err := scanControl(r.db.QueryRowContext(ctx, `SELECT `+controlColumns+` FROM engine_control WHERE id = 1`))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("engine control record missing")
		}
		return nil, fmt.Errorf("failed to get engine control: %w", err)
	}
	return c, nil
}

func (r *ControlRepository) SetHalted(ctx context.Context, halted bool, reason, actor string, at time.Time) (bool, *model.EngineControl, error) {
	var query string
	if halted {
		query = `
			UPDATE engine_control SET halted = TRUE, halt_reason = $1, halted_by = $2, halted_at = $3, updated_at = $3
			WHERE id = 1 AND halted = FALSE
			RETURNING ` + controlColumns
	} else {
		query = `
			UPDATE engine_control SET halted = FALSE, halt_reason = $1, resumed_by = $2, resumed_at = $3, updated_at = $3
			WHERE id = 1 AND halted = TRUE
			RETURNING ` + controlColumns
	}

	c, err := scanControl(r.db.QueryRowContext(ctx, query, reason, actor, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := r.GetControl(ctx)
			return false, current, getErr
		}
		return false, nil, fmt.Errorf("failed to update halt flag: %w", err)
	}

	r.logger.Warn("Engine halt flag changed", zap.Bool("halted", halted), zap.String("actor", actor), zap.String("reason", reason))
	return true, c, nil
}

func (r *ControlRepository) UpdateSettings(ctx context.Context, settings model.EngineSettings, actor string, at time.Time) (*model.EngineControl, error) {
	var intervalMs, low, medium, high, ceiling any
	if settings.Interval != nil {
		intervalMs = settings.Interval.Milliseconds()
	}
	if settings.Thresholds != nil {
		low, medium, high = settings.Thresholds.Low, settings.Thresholds.Medium, settings.Thresholds.High
	}
	if settings.AutoApproveCeiling != nil {
		ceiling = *settings.AutoApproveCeiling
	}

	c, err := scanControl(r.db.QueryRowContext(ctx, `
		UPDATE engine_control SET
			batch_size = COALESCE($1, batch_size),
			interval_ms = COALESCE($2, interval_ms),
			max_attempts = COALESCE($3, max_attempts),
			threshold_low = COALESCE($4, threshold_low),
			threshold_medium = COALESCE($5, threshold_medium),
			threshold_high = COALESCE($6, threshold_high),
			auto_approve_ceiling = COALESCE($7, auto_approve_ceiling),
			updated_by = $8,
			updated_at = $9
		WHERE id = 1
		RETURNING `+controlColumns,
		settings.BatchSize, intervalMs, settings.MaxAttempts, low, medium, high, ceiling, actor, at))
	if err != nil {
		return nil, fmt.Errorf("failed to update engine settings: %w", err)
	}
	return c, nil
}
