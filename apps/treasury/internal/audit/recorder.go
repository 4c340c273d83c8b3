package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/alert"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
)

// Event is one auditable outcome.
type Event struct {
	Actor      model.Actor
	Action     model.AuditAction
	EntityType model.EntityType
	EntityID   string
	Severity   model.Severity
	Detail     map[string]any
}

// Recorder appends audit entries and raises alerts. Persistence failures are
// logged and never fail the operation being audited.
type Recorder struct {
	store   Store
	alerter alert.Alerter
	logger  *zap.Logger
	now     func() time.Time
}

// Store is the subset of the audit repository the recorder writes to.
type Store interface {
	AppendAudit(ctx context.Context, entry *model.AuditLogEntry) error
}

func NewRecorder(store Store, alerter alert.Alerter, logger *zap.Logger) *Recorder {
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Recorder{store: store, alerter: alerter, logger: logger, now: time.Now}
}

// WithClock overrides the time source, used by tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

func (r *Recorder) Record(ctx context.Context, ev Event) {
	if ev.Severity == "" {
		ev.Severity = model.SeverityInfo
	}
	actor := ev.Actor
	if actor.ID == "" {
		actor = model.SystemActor
	}
	entry := &model.AuditLogEntry{
		ID:            uuid.New().String(),
		Action:        ev.Action,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		Severity:      ev.Severity,
		Detail:        ev.Detail,
		CreatedAt:     r.now().UTC(),
		PublishStatus: model.PublishUnsent,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.Error("Failed to append audit entry",
			zap.String("action", string(ev.Action)),
			zap.String("entity_id", ev.EntityID),
			zap.Error(err))
	}
}

// RecordFailure audits a failed operation and alerts when the error kind is
// one administrators must act on.
func (r *Recorder) RecordFailure(ctx context.Context, ev Event, cause error) {
	if ev.Detail == nil {
		ev.Detail = map[string]any{}
	}
	ev.Detail["error"] = cause.Error()
	ev.Detail["error_code"] = errs.CodeOf(cause)
	if ev.Severity == "" {
		ev.Severity = model.SeverityWarning
	}
	if errs.IsAlertable(cause) {
		ev.Severity = model.SeverityCritical
	}
	r.Record(ctx, ev)

	if !errs.IsAlertable(cause) {
		return
	}
	r.Alert(ctx, alert.Alert{
		Type:     alertTypeFor(cause),
		EntityID: ev.EntityID,
		Title:    string(ev.Action),
		Message:  cause.Error(),
		Fields: map[string]string{
			"entity_type": string(ev.EntityType),
			"actor":       ev.Actor.ID,
		},
	})
}

func (r *Recorder) Alert(ctx context.Context, a alert.Alert) {
	if err := r.alerter.Send(ctx, a); err != nil {
		r.logger.Error("Failed to send alert", zap.String("type", string(a.Type)), zap.Error(err))
	}
}

func alertTypeFor(err error) alert.AlertType {
	switch errs.KindOf(err) {
	case errs.KindPolicyViolation:
		return alert.AlertTypePolicyViolation
	case errs.KindAuthorization:
		return alert.AlertTypeAuthorization
	default:
		return alert.AlertTypeExecutionFailed
	}
}
