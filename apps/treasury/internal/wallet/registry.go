// Package wallet owns treasury wallet records: signer policy, spend ceilings,
// lifecycle status and emergency locks.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/alert"
	"treasury/apps/treasury/internal/audit"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/metrics"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/repository"
)

// TierLimits are the default spend ceilings of a security tier.
type TierLimits struct {
	Daily   decimal.Decimal
	Monthly decimal.Decimal
}

func DefaultTierLimits() map[model.SecurityTier]TierLimits {
	return map[model.SecurityTier]TierLimits{
		model.SecurityTierLow:      {Daily: decimal.NewFromInt(100000), Monthly: decimal.NewFromInt(2000000)},
		model.SecurityTierMedium:   {Daily: decimal.NewFromInt(50000), Monthly: decimal.NewFromInt(1000000)},
		model.SecurityTierHigh:     {Daily: decimal.NewFromInt(20000), Monthly: decimal.NewFromInt(400000)},
		model.SecurityTierCritical: {Daily: decimal.NewFromInt(5000), Monthly: decimal.NewFromInt(100000)},
	}
}

type CreateWalletInput struct {
	Type               model.WalletType
	Network            string
	Address            string
	Signers            []string
	RequiredSignatures int
	SecurityTier       model.SecurityTier
	// DailyLimit and MonthlyLimit override the tier defaults when set.
	DailyLimit   *decimal.Decimal
	MonthlyLimit *decimal.Decimal
}

// SpendCheck is the answer to whether an amount fits a wallet's ceilings.
type SpendCheck struct {
	Usage   model.SpendUsage
	Amount  decimal.Decimal
	Allowed bool
}

// Registry manages treasury wallets. Every mutation is audited.
type Registry struct {
	store      repository.WalletStore
	recorder   *audit.Recorder
	tierLimits map[model.SecurityTier]TierLimits
	logger     *zap.Logger
	now        func() time.Time
}

// NewRegistry creates a new Registry. Tiers missing from tierLimits fall back
// to DefaultTierLimits.
func NewRegistry(store repository.WalletStore, recorder *audit.Recorder, tierLimits map[model.SecurityTier]TierLimits, logger *zap.Logger) *Registry {
	limits := DefaultTierLimits()
	for tier, l := range tierLimits {
		limits[tier] = l
	}
	return &Registry{
		store:      store,
		recorder:   recorder,
		tierLimits: limits,
		logger:     logger.With(zap.String("component", "wallet_registry")),
		now:        time.Now,
	}
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) Create(ctx context.Context, actor model.Actor, in CreateWalletInput) (*model.TreasuryWallet, error) {
	failed := audit.Event{
		Actor:      actor,
		Action:     model.AuditWalletCreateFailed,
		EntityType: model.EntityWallet,
		EntityID:   in.Address,
		Detail: map[string]any{
			"wallet_type": string(in.Type),
			"network":     in.Network,
		},
	}

	if !actor.IsAdmin() {
		r.recorder.RecordFailure(ctx, failed, errs.ErrHumanActorRequired)
		return nil, errs.ErrHumanActorRequired
	}

	limits, err := r.validateCreate(in)
	if err != nil {
		r.recorder.RecordFailure(ctx, failed, err)
		return nil, err
	}

	now := r.now().UTC()
	wallet := &model.TreasuryWallet{
		ID:                 uuid.New().String(),
		Type:               in.Type,
		Network:            strings.ToLower(strings.TrimSpace(in.Network)),
		Address:            strings.TrimSpace(in.Address),
		Signers:            append([]string(nil), in.Signers...),
		RequiredSignatures: in.RequiredSignatures,
		SecurityTier:       in.SecurityTier,
		DailyLimit:         limits.Daily,
		MonthlyLimit:       limits.Monthly,
		Status:             model.WalletStatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := r.store.InsertWallet(ctx, wallet); err != nil {
		if errs.KindOf(err) != "" {
			r.recorder.RecordFailure(ctx, failed, err)
		}
		return nil, fmt.Errorf("insert wallet: %w", err)
	}

	r.logger.Info("Created treasury wallet",
		zap.String("wallet_id", wallet.ID),
		zap.String("wallet_type", string(wallet.Type)),
		zap.String("network", wallet.Network),
		zap.Int("required_signatures", wallet.RequiredSignatures),
		zap.Int("signers", len(wallet.Signers)))

	r.recorder.Record(ctx, audit.Event{
		Actor:      actor,
		Action:     model.AuditWalletCreated,
		EntityType: model.EntityWallet,
		EntityID:   wallet.ID,
		Detail: map[string]any{
			"wallet_type":         string(wallet.Type),
			"network":             wallet.Network,
			"address":             wallet.Address,
			"signers":             wallet.Signers,
			"required_signatures": wallet.RequiredSignatures,
			"security_tier":       string(wallet.SecurityTier),
			"daily_limit":         wallet.DailyLimit.String(),
			"monthly_limit":       wallet.MonthlyLimit.String(),
		},
	})
	return wallet, nil
}

func (r *Registry) validateCreate(in CreateWalletInput) (TierLimits, error) {
	if !in.Type.Valid() {
		return TierLimits{}, errs.Wrapf(errs.ErrInvalidPolicy, "unknown wallet type %q", in.Type)
	}
	if !in.SecurityTier.Valid() {
		return TierLimits{}, errs.Wrapf(errs.ErrInvalidPolicy, "unknown security tier %q", in.SecurityTier)
	}
	if strings.TrimSpace(in.Network) == "" || strings.TrimSpace(in.Address) == "" {
		return TierLimits{}, errs.Wrapf(errs.ErrInvalidPolicy, "network and address are required")
	}
	if len(in.Signers) == 0 {
		return TierLimits{}, errs.Wrapf(errs.ErrInvalidPolicy, "at least one signer is required")
	}
	seen := make(map[string]bool, len(in.Signers))
	for _, s := range in.Signers {
		if strings.TrimSpace(s) == "" {
			return TierLimits{}, errs.Wrapf(errs.ErrInvalidPolicy, "signer identity must not be empty")
		}
		if seen[s] {
			return TierLimits{}, errs.Wrapf(errs.ErrInvalidPolicy, "duplicate signer %s", s)
		}
		seen[s] = true
	}
	if in.RequiredSignatures < 1 || in.RequiredSignatures > len(in.Signers) {
		return TierLimits{}, errs.Wrapf(errs.ErrInvalidPolicy,
			"required signatures must be between 1 and %d, got %d", len(in.Signers), in.RequiredSignatures)
	}

	limits := r.tierLimits[in.SecurityTier]
	if in.DailyLimit != nil {
		limits.Daily = *in.DailyLimit
	}
	if in.MonthlyLimit != nil {
		limits.Monthly = *in.MonthlyLimit
	}
	if err := validateLimits(limits.Daily, limits.Monthly); err != nil {
		return TierLimits{}, err
	}
	return limits, nil
}

func validateLimits(daily, monthly decimal.Decimal) error {
	if daily.IsNegative() || monthly.IsNegative() {
		return errs.Wrapf(errs.ErrInvalidPolicy, "spend limits must not be negative")
	}
	if daily.GreaterThan(monthly) {
		return errs.Wrapf(errs.ErrInvalidPolicy, "daily limit %s exceeds monthly limit %s", daily, monthly)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*model.TreasuryWallet, error) {
	return r.store.GetWallet(ctx, id)
}

func (r *Registry) List(ctx context.Context, filter model.WalletFilter) ([]model.TreasuryWallet, error) {
	return r.store.ListWallets(ctx, filter)
}

func (r *Registry) UpdateLimits(ctx context.Context, actor model.Actor, id string, daily, monthly decimal.Decimal) (*model.TreasuryWallet, error) {
	ev := audit.Event{Actor: actor, Action: model.AuditWalletLimitsUpdated, EntityType: model.EntityWallet, EntityID: id}
	if !actor.IsAdmin() {
		r.recorder.RecordFailure(ctx, ev, errs.ErrHumanActorRequired)
		return nil, errs.ErrHumanActorRequired
	}
	if err := validateLimits(daily, monthly); err != nil {
		r.recorder.RecordFailure(ctx, ev, err)
		return nil, err
	}

	before, err := r.store.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	wallet, err := r.store.UpdateWalletLimits(ctx, id, daily, monthly, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("update wallet limits: %w", err)
	}

	ev.Detail = map[string]any{
		"previous_daily_limit":   before.DailyLimit.String(),
		"previous_monthly_limit": before.MonthlyLimit.String(),
		"daily_limit":            daily.String(),
		"monthly_limit":          monthly.String(),
	}
	r.recorder.Record(ctx, ev)
	return wallet, nil
}

// UpdateStatus moves a wallet between ACTIVE, INACTIVE and MAINTENANCE.
// EMERGENCY_LOCKED is only entered by LockEmergency and left by Resume.
func (r *Registry) UpdateStatus(ctx context.Context, actor model.Actor, id string, status model.WalletStatus) (*model.TreasuryWallet, error) {
	ev := audit.Event{Actor: actor, Action: model.AuditWalletStatusChanged, EntityType: model.EntityWallet, EntityID: id}
	if !actor.IsAdmin() {
		r.recorder.RecordFailure(ctx, ev, errs.ErrHumanActorRequired)
		return nil, errs.ErrHumanActorRequired
	}
	switch status {
	case model.WalletStatusActive, model.WalletStatusInactive, model.WalletStatusMaintenance:
	default:
		err := errs.Wrapf(errs.ErrInvalidInput, "status %q cannot be set directly", status)
		r.recorder.RecordFailure(ctx, ev, err)
		return nil, err
	}

	current, err := r.store.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == model.WalletStatusEmergencyLocked {
		r.recorder.RecordFailure(ctx, ev, errs.ErrWalletLocked)
		return nil, errs.ErrWalletLocked
	}
	if current.Status == status {
		return current, nil
	}

	wallet, err := r.store.TransitionWalletStatus(ctx, id, []model.WalletStatus{current.Status}, status, r.now().UTC())
	if err != nil {
		if errs.KindOf(err) != "" {
			r.recorder.RecordFailure(ctx, ev, err)
		}
		return nil, err
	}

	ev.Detail = map[string]any{"from": string(current.Status), "to": string(status)}
	r.recorder.Record(ctx, ev)
	return wallet, nil
}

func (r *Registry) CheckSpendLimit(ctx context.Context, id string, amount decimal.Decimal) (SpendCheck, error) {
	usage, err := r.store.SpendUsage(ctx, id, r.now().UTC())
	if err != nil {
		return SpendCheck{}, err
	}
	return SpendCheck{
		Usage:   usage,
		Amount:  amount,
		Allowed: amount.IsPositive() && usage.Fits(amount),
	}, nil
}

// ReserveSpend atomically checks the ceilings and counts amount against them
// under reference. Reserving the same reference twice counts it once.
func (r *Registry) ReserveSpend(ctx context.Context, id string, amount decimal.Decimal, reference string) (model.SpendUsage, error) {
	if !amount.IsPositive() {
		return model.SpendUsage{}, errs.Wrapf(errs.ErrInvalidInput, "spend amount must be positive")
	}
	usage, err := r.store.ReserveSpend(ctx, &model.SpendReservation{
		ID:         uuid.New().String(),
		WalletID:   id,
		Reference:  reference,
		Amount:     amount,
		ReservedAt: r.now().UTC(),
	})
	if err != nil {
		return usage, err
	}
	r.logger.Debug("Reserved spend",
		zap.String("wallet_id", id),
		zap.String("reference", reference),
		zap.String("amount", amount.String()),
		zap.String("remaining", usage.Remaining().String()))
	return usage, nil
}

func (r *Registry) ReleaseSpend(ctx context.Context, id, reference string) (bool, error) {
	released, err := r.store.ReleaseSpend(ctx, id, reference, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("release spend: %w", err)
	}
	if released {
		r.logger.Info("Released spend reservation", zap.String("wallet_id", id), zap.String("reference", reference))
	}
	return released, nil
}

// LockEmergency locks the wallet, cancelling its cancellable transactions in
// the same step. It returns the active lock and the cancelled transaction
// ids. Locking an already locked wallet returns the existing lock.
func (r *Registry) LockEmergency(ctx context.Context, actor model.Actor, id, reason string, durationHours int) (*model.EmergencyLock, []string, error) {
	ev := audit.Event{Actor: actor, Action: model.AuditWalletLocked, EntityType: model.EntityWallet, EntityID: id, Severity: model.SeverityCritical}
	if !actor.IsAdmin() {
		r.recorder.RecordFailure(ctx, ev, errs.ErrHumanActorRequired)
		return nil, nil, errs.ErrHumanActorRequired
	}
	if strings.TrimSpace(reason) == "" || durationHours < 0 {
		return nil, nil, errs.Wrapf(errs.ErrInvalidInput, "a reason and a non-negative duration are required")
	}

	wallet, err := r.store.GetWallet(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if wallet.Status == model.WalletStatusEmergencyLocked {
		existing, err := r.store.ActiveLock(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("get active lock: %w", err)
		}
		if existing != nil {
			return existing, nil, nil
		}
	}

	now := r.now().UTC()
	lock := &model.EmergencyLock{
		ID:       uuid.New().String(),
		WalletID: id,
		Reason:   reason,
		LockedBy: actor.ID,
		LockedAt: now,
	}
	if durationHours > 0 {
		unlockAt := now.Add(time.Duration(durationHours) * time.Hour)
		lock.UnlockAt = &unlockAt
	}

	cancelled, err := r.store.LockWallet(ctx, lock, "emergency lock: "+reason)
	if err != nil {
		return nil, nil, fmt.Errorf("lock wallet: %w", err)
	}

	r.logger.Warn("Wallet emergency locked",
		zap.String("wallet_id", id),
		zap.String("actor", actor.ID),
		zap.String("reason", reason),
		zap.Strings("cancelled_transactions", cancelled))
	metrics.ControlActionsTotal.WithLabelValues("lock_wallet", "applied").Inc()

	ev.Detail = map[string]any{
		"reason":                 reason,
		"previous_status":        string(wallet.Status),
		"cancelled_transactions": cancelled,
	}
	if lock.UnlockAt != nil {
		ev.Detail["unlock_at"] = lock.UnlockAt.Format(time.RFC3339)
	}
	r.recorder.Record(ctx, ev)
	r.recorder.Alert(ctx, alert.Alert{
		Type:     alert.AlertTypeEmergency,
		EntityID: id,
		Title:    "Wallet emergency locked",
		Message:  reason,
		Fields: map[string]string{
			"actor":     actor.ID,
			"cancelled": fmt.Sprintf("%d", len(cancelled)),
		},
	})
	return lock, cancelled, nil
}

// Unlock releases the wallet's active lock record. The wallet stays
// EMERGENCY_LOCKED until Resume.
func (r *Registry) Unlock(ctx context.Context, actor model.Actor, id string) (*model.EmergencyLock, error) {
	ev := audit.Event{Actor: actor, Action: model.AuditWalletUnlocked, EntityType: model.EntityWallet, EntityID: id}
	if !actor.IsAdmin() {
		r.recorder.RecordFailure(ctx, ev, errs.ErrHumanActorRequired)
		return nil, errs.ErrHumanActorRequired
	}
	if _, err := r.store.GetWallet(ctx, id); err != nil {
		return nil, err
	}
	active, err := r.store.ActiveLock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get active lock: %w", err)
	}
	if active == nil {
		return nil, errs.Wrapf(errs.ErrInvalidTransition, "wallet %s has no active lock", id)
	}

	released, err := r.store.ReleaseLock(ctx, active.ID, actor.ID, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("release lock: %w", err)
	}
	ev.Detail = map[string]any{"lock_id": released.ID, "scheduled": false}
	r.recorder.Record(ctx, ev)
	return released, nil
}

// ReleaseExpiredLocks releases every lock whose scheduled unlock time has
// passed. The wallets stay EMERGENCY_LOCKED.
func (r *Registry) ReleaseExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	due, err := r.store.ListDueLocks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due locks: %w", err)
	}

	released := 0
	for _, l := range due {
		if _, err := r.store.ReleaseLock(ctx, l.ID, model.SystemActor.ID, now); err != nil {
			if errs.IsBenign(err) {
				continue
			}
			r.logger.Error("Failed to release expired lock", zap.String("lock_id", l.ID), zap.Error(err))
			continue
		}
		released++
		r.recorder.Record(ctx, audit.Event{
			Actor:      model.SystemActor,
			Action:     model.AuditWalletUnlocked,
			EntityType: model.EntityWallet,
			EntityID:   l.WalletID,
			Detail:     map[string]any{"lock_id": l.ID, "scheduled": true},
		})
	}
	return released, nil
}

// Resume is the only way back to ACTIVE from EMERGENCY_LOCKED and needs a
// human admin.
func (r *Registry) Resume(ctx context.Context, actor model.Actor, id string) (*model.TreasuryWallet, error) {
	ev := audit.Event{Actor: actor, Action: model.AuditWalletResumed, EntityType: model.EntityWallet, EntityID: id}
	if !actor.IsAdmin() {
		r.recorder.RecordFailure(ctx, ev, errs.ErrHumanActorRequired)
		return nil, errs.ErrHumanActorRequired
	}

	now := r.now().UTC()
	wallet, err := r.store.TransitionWalletStatus(ctx, id, []model.WalletStatus{model.WalletStatusEmergencyLocked}, model.WalletStatusActive, now)
	if err != nil {
		if errors.Is(err, errs.ErrStaleState) {
			return nil, errs.Wrapf(errs.ErrInvalidTransition, "wallet %s is not emergency locked", id)
		}
		if errs.KindOf(err) == errs.KindPolicyViolation {
			r.recorder.RecordFailure(ctx, ev, err)
		}
		return nil, err
	}

	active, err := r.store.ActiveLock(ctx, id)
	if err != nil {
		r.logger.Error("Failed to look up lock on resume", zap.String("wallet_id", id), zap.Error(err))
	} else if active != nil {
		if _, err := r.store.ReleaseLock(ctx, active.ID, actor.ID, now); err != nil && !errs.IsBenign(err) {
			r.logger.Error("Failed to release lock on resume", zap.String("lock_id", active.ID), zap.Error(err))
		}
	}

	r.logger.Info("Wallet resumed", zap.String("wallet_id", id), zap.String("actor", actor.ID))
	metrics.ControlActionsTotal.WithLabelValues("resume_wallet", "applied").Inc()
	r.recorder.Record(ctx, ev)
	return wallet, nil
}

// ActiveLock returns the wallet's unreleased lock record, or nil.
func (r *Registry) ActiveLock(ctx context.Context, id string) (*model.EmergencyLock, error) {
	return r.store.ActiveLock(ctx, id)
}

func (r *Registry) Locks(ctx context.Context, id string) ([]model.EmergencyLock, error) {
	if _, err := r.store.GetWallet(ctx, id); err != nil {
		return nil, err
	}
	return r.store.ListLocks(ctx, id)
}

// SelectPayoutWallet returns the wallet payouts on network are drawn from:
// the ACTIVE PAYOUT_HOT wallet, else any ACTIVE wallet. When the network has
// no ACTIVE wallet the best locked or maintenance wallet is returned so the
// caller can tell a temporary hold from a missing wallet.
func (r *Registry) SelectPayoutWallet(ctx context.Context, network string) (*model.TreasuryWallet, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	wallet, err := r.store.FindPayoutWallet(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("find payout wallet: %w", err)
	}
	if wallet == nil {
		return nil, errs.Wrapf(errs.ErrWalletNotFound, "no treasury wallet on network %s", network)
	}
	return wallet, nil
}
