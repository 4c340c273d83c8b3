// Package payout runs the automated payout pipeline: it claims pending
// requests, scores them, executes low-risk payouts directly and escalates the
// rest into multi-signature transactions, which it executes once signed.
package payout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/assets"
	"treasury/apps/treasury/internal/audit"
	"treasury/apps/treasury/internal/chain"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/metrics"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/multisig"
	"treasury/apps/treasury/internal/repository"
	"treasury/apps/treasury/internal/risk"
	"treasury/apps/treasury/internal/wallet"
)

const (
	DefaultBatchSize   = 50
	DefaultInterval    = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultClaimLease  = 5 * time.Minute
	DefaultMaxDeferral = 24 * time.Hour
	DefaultStatsWindow = 30 * 24 * time.Hour
)

// Store is the persistence the engine uses directly. Wallets and
// transactions are reached through the registry and the coordinator.
type Store interface {
	repository.PayoutStore
	repository.ControlStore
	repository.MerchantStore
}

type Config struct {
	// WorkerID identifies this instance in payout claims.
	WorkerID   string
	ClaimLease time.Duration
	// MaxDeferral bounds how long a request waits for a locked or inactive
	// wallet before it is rejected.
	MaxDeferral time.Duration
	// StatsWindow is how far back failures count towards the risk score.
	StatsWindow time.Duration
	Retry       RetryPolicy
	Assets      *assets.Registry
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "payout-engine-" + uuid.New().String()[:8]
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = DefaultClaimLease
	}
	if c.MaxDeferral <= 0 {
		c.MaxDeferral = DefaultMaxDeferral
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = DefaultStatsWindow
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = DefaultRetryInitialInterval
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = DefaultRetryMaxInterval
	}
	if c.Assets == nil {
		c.Assets = assets.GlobalRegistry
	}
	return c
}

// DefaultControl seeds the control record from the loaded risk policy.
func DefaultControl(policy risk.Policy, batchSize int, interval time.Duration, maxAttempts int) model.EngineControl {
	return model.EngineControl{
		BatchSize:          batchSize,
		Interval:           interval,
		MaxAttempts:        maxAttempts,
		Thresholds:         policy.Thresholds,
		AutoApproveCeiling: policy.AutoApproveCeiling,
	}
}

type Engine struct {
	store       Store
	wallets     *wallet.Registry
	coordinator *multisig.Coordinator
	submitter   chain.Submitter
	recorder    *audit.Recorder
	policy      risk.Policy
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time

	tickMu sync.Mutex

	mu        sync.RWMutex
	listeners []func(model.EngineControl)
}

// NewEngine creates a new Engine and subscribes it to the coordinator's
// transaction transitions.
func NewEngine(
	store Store,
	wallets *wallet.Registry,
	coordinator *multisig.Coordinator,
	submitter chain.Submitter,
	recorder *audit.Recorder,
	policy risk.Policy,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	e := &Engine{
		store:       store,
		wallets:     wallets,
		coordinator: coordinator,
		submitter:   submitter,
		recorder:    recorder,
		policy:      policy,
		cfg:         cfg.withDefaults(),
		logger:      logger.With(zap.String("component", "payout_engine")),
		now:         time.Now,
	}
	coordinator.OnTransition(e.onTransactionTransition)
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// OnConfigChange registers fn to be called with the new control record after
// every successful UpdateConfig.
func (e *Engine) OnConfigChange(fn func(model.EngineControl)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Init creates the control record from defaults unless it already exists.
func (e *Engine) Init(ctx context.Context, defaults model.EngineControl) (*model.EngineControl, error) {
	if err := validateControl(defaults); err != nil {
		return nil, err
	}
	defaults.UpdatedAt = e.now().UTC()
	control, err := e.store.EnsureControl(ctx, defaults)
	if err != nil {
		return nil, fmt.Errorf("ensure engine control: %w", err)
	}
	e.logger.Info("Payout engine initialized",
		zap.Bool("halted", control.Halted),
		zap.Int("batch_size", control.BatchSize),
		zap.Duration("interval", control.Interval),
		zap.Int("max_attempts", control.MaxAttempts))
	return control, nil
}

func (e *Engine) Control(ctx context.Context) (*model.EngineControl, error) {
	return e.store.GetControl(ctx)
}

type SubmitPayoutInput struct {
	ExternalRef        string
	RequesterID        string
	Amount             decimal.Decimal
	Currency           string
	DestinationAddress string
	DestinationNetwork string
}

// Submit enqueues a payout request as PENDING. Submitting an already known
// external reference returns the existing request and false.
func (e *Engine) Submit(ctx context.Context, actor model.Actor, in SubmitPayoutInput) (*model.PayoutRequest, bool, error) {
	if in.RequesterID == "" && actor.Role == model.RoleMerchant {
		in.RequesterID = actor.ID
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.DestinationNetwork = strings.ToLower(strings.TrimSpace(in.DestinationNetwork))
	in.ExternalRef = strings.TrimSpace(in.ExternalRef)

	if err := e.validateSubmit(actor, in); err != nil {
		return nil, false, err
	}

	now := e.now().UTC()
	if _, err := e.store.EnsureMerchant(ctx, in.RequesterID, now); err != nil {
		return nil, false, fmt.Errorf("ensure merchant: %w", err)
	}

	request := &model.PayoutRequest{
		ID:                 uuid.New().String(),
		ExternalRef:        in.ExternalRef,
		RequesterID:        in.RequesterID,
		Amount:             in.Amount,
		Currency:           in.Currency,
		DestinationAddress: in.DestinationAddress,
		DestinationNetwork: in.DestinationNetwork,
		Status:             model.PayoutStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	stored, created, err := e.store.InsertPayout(ctx, request)
	if err != nil {
		return nil, false, fmt.Errorf("insert payout: %w", err)
	}
	if !created {
		e.logger.Info("Duplicate payout submission",
			zap.String("external_ref", in.ExternalRef),
			zap.String("payout_id", stored.ID))
		return stored, false, nil
	}

	e.logger.Info("Payout request submitted",
		zap.String("payout_id", stored.ID),
		zap.String("requester_id", stored.RequesterID),
		zap.String("amount", stored.Amount.String()),
		zap.String("currency", stored.Currency))
	e.recorder.Record(ctx, audit.Event{
		Actor:      actor,
		Action:     model.AuditPayoutSubmitted,
		EntityType: model.EntityPayout,
		EntityID:   stored.ID,
		Detail: map[string]any{
			"external_ref": stored.ExternalRef,
			"requester_id": stored.RequesterID,
			"amount":       stored.Amount.String(),
			"currency":     stored.Currency,
			"destination":  stored.DestinationAddress,
			"network":      stored.DestinationNetwork,
		},
	})
	return stored, true, nil
}

func (e *Engine) validateSubmit(actor model.Actor, in SubmitPayoutInput) error {
	if actor.Role == model.RoleMerchant && in.RequesterID != actor.ID {
		return errs.Wrapf(errs.ErrInvalidInput, "merchants can only request their own payouts")
	}
	if in.RequesterID == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "requester_id is required")
	}
	if !in.Amount.IsPositive() {
		return errs.Wrapf(errs.ErrInvalidInput, "amount must be positive")
	}
	if !e.cfg.Assets.IsSupported(in.Currency) {
		return errs.Wrapf(errs.ErrInvalidInput, "unsupported currency %q", in.Currency)
	}
	if !common.IsHexAddress(in.DestinationAddress) {
		return errs.Wrapf(errs.ErrInvalidInput, "invalid destination address %q", in.DestinationAddress)
	}
	if in.DestinationNetwork == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "destination_network is required")
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, id string) (*model.PayoutRequest, error) {
	return e.store.GetPayout(ctx, id)
}

func (e *Engine) List(ctx context.Context, filter model.PayoutFilter) ([]model.PayoutRequest, error) {
	return e.store.ListPayouts(ctx, filter)
}

type Status struct {
	Control model.EngineControl        `json:"control"`
	Queue   map[model.PayoutStatus]int `json:"queue"`
}

func (e *Engine) Status(ctx context.Context) (*Status, error) {
	control, err := e.store.GetControl(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := e.store.CountPayoutsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count payouts: %w", err)
	}
	return &Status{Control: *control, Queue: counts}, nil
}

// EmergencyHalt stops the engine from starting new ticks and execution
// attempts. Halting a halted engine returns the current record unchanged.
func (e *Engine) EmergencyHalt(ctx context.Context, actor model.Actor, reason string) (*model.EngineControl, error) {
	ev := audit.Event{Actor: actor, Action: model.AuditEngineHalted, EntityType: model.EntityEngine, EntityID: "engine", Severity: model.SeverityCritical}
	if actor.ID == "" {
		err := errs.ErrHumanActorRequired
		e.recorder.RecordFailure(ctx, ev, err)
		metrics.ControlActionsTotal.WithLabelValues("halt", "rejected").Inc()
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "halt reason is required")
	}

	changed, control, err := e.store.SetHalted(ctx, true, reason, actor.ID, e.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("set halted: %w", err)
	}
	if !changed {
		e.logger.Info("Engine already halted", zap.String("actor", actor.ID))
		metrics.ControlActionsTotal.WithLabelValues("halt", "noop").Inc()
		return control, nil
	}

	e.logger.Warn("Payout engine halted", zap.String("actor", actor.ID), zap.String("reason", reason))
	ev.Detail = map[string]any{"reason": reason}
	e.recorder.Record(ctx, ev)
	e.recorder.Alert(ctx, emergencyAlert("engine", "Payout engine halted", reason, actor))
	metrics.ControlActionsTotal.WithLabelValues("halt", "applied").Inc()
	return control, nil
}

// Resume clears the halt. Only an authenticated admin may resume.
func (e *Engine) Resume(ctx context.Context, actor model.Actor) (*model.EngineControl, error) {
	ev := audit.Event{Actor: actor, Action: model.AuditEngineResumed, EntityType: model.EntityEngine, EntityID: "engine", Severity: model.SeverityCritical}
	if !actor.IsAdmin() {
		err := errs.ErrHumanActorRequired
		e.recorder.RecordFailure(ctx, ev, err)
		metrics.ControlActionsTotal.WithLabelValues("resume", "rejected").Inc()
		return nil, err
	}

	changed, control, err := e.store.SetHalted(ctx, false, "", actor.ID, e.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("clear halt: %w", err)
	}
	if !changed {
		metrics.ControlActionsTotal.WithLabelValues("resume", "noop").Inc()
		return control, nil
	}

	e.logger.Warn("Payout engine resumed", zap.String("actor", actor.ID))
	e.recorder.Record(ctx, ev)
	metrics.ControlActionsTotal.WithLabelValues("resume", "applied").Inc()
	return control, nil
}

// UpdateConfig applies a partial settings change after validating the
// resulting record as a whole.
func (e *Engine) UpdateConfig(ctx context.Context, actor model.Actor, settings model.EngineSettings) (*model.EngineControl, error) {
	ev := audit.Event{Actor: actor, Action: model.AuditEngineConfigUpdated, EntityType: model.EntityEngine, EntityID: "engine"}
	if !actor.IsAdmin() {
		err := errs.ErrHumanActorRequired
		e.recorder.RecordFailure(ctx, ev, err)
		return nil, err
	}

	current, err := e.store.GetControl(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateControl(settings.Apply(*current)); err != nil {
		return nil, err
	}

	updated, err := e.store.UpdateSettings(ctx, settings, actor.ID, e.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("update engine settings: %w", err)
	}

	e.logger.Info("Engine configuration updated",
		zap.String("actor", actor.ID),
		zap.Int("batch_size", updated.BatchSize),
		zap.Duration("interval", updated.Interval),
		zap.Int("max_attempts", updated.MaxAttempts))
	ev.Detail = map[string]any{
		"batch_size":           updated.BatchSize,
		"interval":             updated.Interval.String(),
		"max_attempts":         updated.MaxAttempts,
		"thresholds":           updated.Thresholds,
		"auto_approve_ceiling": updated.AutoApproveCeiling.String(),
	}
	e.recorder.Record(ctx, ev)

	e.mu.RLock()
	listeners := append([]func(model.EngineControl){}, e.listeners...)
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(*updated)
	}
	return updated, nil
}

func validateControl(c model.EngineControl) error {
	switch {
	case c.BatchSize < 1 || c.BatchSize > 1000:
		return errs.Wrapf(errs.ErrInvalidInput, "batch size must be between 1 and 1000, got %d", c.BatchSize)
	case c.Interval < time.Second:
		return errs.Wrapf(errs.ErrInvalidInput, "interval must be at least 1s, got %s", c.Interval)
	case c.MaxAttempts < 1 || c.MaxAttempts > 20:
		return errs.Wrapf(errs.ErrInvalidInput, "max attempts must be between 1 and 20, got %d", c.MaxAttempts)
	case c.AutoApproveCeiling.IsNegative():
		return errs.Wrapf(errs.ErrInvalidInput, "auto-approve ceiling must not be negative")
	}
	t := c.Thresholds
	if t.Low <= 0 || t.Low >= t.Medium || t.Medium >= t.High || t.High > 100 {
		return errs.Wrapf(errs.ErrInvalidInput, "risk thresholds must satisfy 0 < low < medium < high <= 100")
	}
	return nil
}
