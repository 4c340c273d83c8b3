package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"treasury/apps/treasury/internal/model"
)

const auditColumns = `id, action, actor_id, actor_role, entity_type, entity_id, severity, detail, created_at, publish_status`

// AuditRepository is the append-only audit log. Its publish_status column is
// the outbox drained by the audit publisher.
type AuditRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAuditRepository(db *sql.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

func scanAudit(row rowScanner) (*model.AuditLogEntry, error) {
	var e model.AuditLogEntry
	var detail []byte
	if err := row.Scan(&e.ID, &e.Action, &e.ActorID, &e.ActorRole, &e.EntityType, &e.EntityID, &e.Severity, &detail, &e.CreatedAt, &e.PublishStatus); err != nil {
		return nil, err
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to decode audit detail: %w", err)
		}
	}
	return &e, nil
}

func (r *AuditRepository) AppendAudit(ctx context.Context, entry *model.AuditLogEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to encode audit detail: %w", err)
	}
	if entry.Detail == nil {
		detail = []byte(`{}`)
	}
	if entry.PublishStatus == "" {
		entry.PublishStatus = model.PublishUnsent
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_log (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.Action, entry.ActorID, entry.ActorRole, entry.EntityType, entry.EntityID, entry.Severity, detail, entry.CreatedAt, entry.PublishStatus)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepository) ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log
		WHERE ($1 = '' OR entity_type = $1)
		  AND ($2 = '' OR entity_id = $2)
		  AND ($3 = '' OR action = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, string(filter.EntityType), filter.EntityID, string(filter.Action), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditLogEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (r *AuditRepository) ClaimUnpublished(ctx context.Context, limit int) ([]model.AuditLogEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE audit_log SET publish_status = 'processing'
		WHERE id IN (
			SELECT id FROM audit_log
			WHERE publish_status = 'unsent'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+auditColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim audit entries: %w", err)
	}

	var entries []model.AuditLogEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, *e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *AuditRepository) MarkPublished(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE audit_log SET publish_status = 'sent' WHERE id = $1`, id)
	return err
}

func (r *AuditRepository) MarkUnpublished(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE audit_log SET publish_status = 'unsent' WHERE id = $1 AND publish_status = 'processing'
	`, id)
	return err
}
