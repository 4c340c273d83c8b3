// Package emergency is the control plane: it halts and resumes the payout
// engine and locks, unlocks and resumes individual wallets. Every action,
// accepted or rejected, is audited.
package emergency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"treasury/apps/treasury/internal/audit"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/metrics"
	"treasury/apps/treasury/internal/model"
)

type ActionType string

const (
	ActionHalt         ActionType = "halt"
	ActionResume       ActionType = "resume"
	ActionLockWallet   ActionType = "lock_wallet"
	ActionUnlockWallet ActionType = "unlock_wallet"
	ActionResumeWallet ActionType = "resume_wallet"
)

// MaxLockHours caps scheduled unlocks at 30 days.
const MaxLockHours = 24 * 30

// Action is one control action. The set of implementations is closed.
type Action interface {
	Type() ActionType
	validate() error
}

type Halt struct {
	Reason string `json:"reason"`
}

type Resume struct{}

type LockWallet struct {
	WalletID string `json:"wallet_id"`
	Reason   string `json:"reason"`
	// DurationHours schedules an automatic lock release; zero keeps the lock
	// until an admin unlocks it.
	DurationHours int `json:"duration_hours"`
}

type UnlockWallet struct {
	WalletID string `json:"wallet_id"`
}

type ResumeWallet struct {
	WalletID string `json:"wallet_id"`
}

func (Halt) Type() ActionType         { return ActionHalt }
func (Resume) Type() ActionType       { return ActionResume }
func (LockWallet) Type() ActionType   { return ActionLockWallet }
func (UnlockWallet) Type() ActionType { return ActionUnlockWallet }
func (ResumeWallet) Type() ActionType { return ActionResumeWallet }

func (a Halt) validate() error {
	if strings.TrimSpace(a.Reason) == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "halt requires a reason")
	}
	return nil
}

func (Resume) validate() error { return nil }

func (a LockWallet) validate() error {
	switch {
	case a.WalletID == "":
		return errs.Wrapf(errs.ErrInvalidInput, "lock_wallet requires wallet_id")
	case strings.TrimSpace(a.Reason) == "":
		return errs.Wrapf(errs.ErrInvalidInput, "lock_wallet requires a reason")
	case a.DurationHours < 0 || a.DurationHours > MaxLockHours:
		return errs.Wrapf(errs.ErrInvalidInput, "duration_hours must be between 0 and %d", MaxLockHours)
	}
	return nil
}

func (a UnlockWallet) validate() error {
	if a.WalletID == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "unlock_wallet requires wallet_id")
	}
	return nil
}

func (a ResumeWallet) validate() error {
	if a.WalletID == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "resume_wallet requires wallet_id")
	}
	return nil
}

// Envelope is the wire form of an action: {"action": "...", "params": {...}}.
type Envelope struct {
	Action ActionType      `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Decode parses an envelope into its action. Unknown actions and unknown
// parameter fields are rejected.
func Decode(data []byte) (Action, error) {
	var env Envelope
	if err := strictUnmarshal(data, &env); err != nil {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "invalid control envelope: %v", err)
	}
	return env.Decode()
}

func (env Envelope) Decode() (Action, error) {
	var action Action
	switch env.Action {
	case ActionHalt:
		action = &Halt{}
	case ActionResume:
		action = &Resume{}
	case ActionLockWallet:
		action = &LockWallet{}
	case ActionUnlockWallet:
		action = &UnlockWallet{}
	case ActionResumeWallet:
		action = &ResumeWallet{}
	default:
		return nil, errs.Wrapf(errs.ErrUnknownAction, "unknown control action %q", env.Action)
	}

	if len(env.Params) > 0 && !bytes.Equal(bytes.TrimSpace(env.Params), []byte("null")) {
		if err := strictUnmarshal(env.Params, action); err != nil {
			return nil, errs.Wrapf(errs.ErrInvalidInput, "invalid %s params: %v", env.Action, err)
		}
	}

	switch a := action.(type) {
	case *Halt:
		return *a, nil
	case *Resume:
		return *a, nil
	case *LockWallet:
		return *a, nil
	case *UnlockWallet:
		return *a, nil
	case *ResumeWallet:
		return *a, nil
	}
	return nil, errs.ErrUnknownAction
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Result reports what an action changed. Applied is false when the action
// found the system already in the requested state.
type Result struct {
	Action                ActionType            `json:"action"`
	Applied               bool                  `json:"applied"`
	Control               *model.EngineControl  `json:"control,omitempty"`
	Wallet                *model.TreasuryWallet `json:"wallet,omitempty"`
	Lock                  *model.EmergencyLock  `json:"lock,omitempty"`
	CancelledTransactions []string              `json:"cancelled_transactions,omitempty"`
}

// Engine is the engine switch the controller drives.
type Engine interface {
	Control(ctx context.Context) (*model.EngineControl, error)
	EmergencyHalt(ctx context.Context, actor model.Actor, reason string) (*model.EngineControl, error)
	Resume(ctx context.Context, actor model.Actor) (*model.EngineControl, error)
}

type Wallets interface {
	Get(ctx context.Context, id string) (*model.TreasuryWallet, error)
	LockEmergency(ctx context.Context, actor model.Actor, id, reason string, durationHours int) (*model.EmergencyLock, []string, error)
	Unlock(ctx context.Context, actor model.Actor, id string) (*model.EmergencyLock, error)
	Resume(ctx context.Context, actor model.Actor, id string) (*model.TreasuryWallet, error)
}

type Transactions interface {
	CancelForWallet(ctx context.Context, actor model.Actor, walletID string, cancelledIDs []string, reason string) ([]string, error)
}

type Controller struct {
	engine       Engine
	wallets      Wallets
	transactions Transactions
	recorder     *audit.Recorder
	logger       *zap.Logger
}

// NewController creates a new Controller
func NewController(engine Engine, wallets Wallets, transactions Transactions, recorder *audit.Recorder, logger *zap.Logger) *Controller {
	return &Controller{
		engine:       engine,
		wallets:      wallets,
		transactions: transactions,
		recorder:     recorder,
		logger:       logger.With(zap.String("component", "emergency_control")),
	}
}

// Apply runs action on behalf of actor, who must be an authenticated admin.
func (c *Controller) Apply(ctx context.Context, actor model.Actor, action Action) (*Result, error) {
	if action == nil {
		return nil, errs.ErrUnknownAction
	}
	kind := action.Type()
	if !actor.IsAdmin() {
		return nil, c.reject(ctx, actor, action, errs.ErrHumanActorRequired)
	}
	if err := action.validate(); err != nil {
		return nil, c.reject(ctx, actor, action, err)
	}

	c.logger.Info("Applying control action", zap.String("action", string(kind)), zap.String("actor", actor.ID))

	var (
		result *Result
		err    error
	)
	switch a := action.(type) {
	case Halt:
		result, err = c.halt(ctx, actor, a)
	case Resume:
		result, err = c.resume(ctx, actor)
	case LockWallet:
		result, err = c.lockWallet(ctx, actor, a)
	case UnlockWallet:
		result, err = c.unlockWallet(ctx, actor, a)
	case ResumeWallet:
		result, err = c.resumeWallet(ctx, actor, a)
	default:
		return nil, c.reject(ctx, actor, action, errs.ErrUnknownAction)
	}
	if err != nil {
		c.logger.Warn("Control action failed",
			zap.String("action", string(kind)),
			zap.String("actor", actor.ID),
			zap.Error(err))
		metrics.ControlActionsTotal.WithLabelValues(string(kind), "failed").Inc()
		return nil, err
	}
	return result, nil
}

func (c *Controller) reject(ctx context.Context, actor model.Actor, action Action, err error) error {
	metrics.ControlActionsTotal.WithLabelValues(string(action.Type()), "rejected").Inc()
	c.recorder.RecordFailure(ctx, audit.Event{
		Actor:      actor,
		Action:     model.AuditControlRejected,
		EntityType: entityOf(action),
		EntityID:   entityIDOf(action),
		Detail:     map[string]any{"control_action": string(action.Type())},
	}, err)
	return err
}

func (c *Controller) halt(ctx context.Context, actor model.Actor, a Halt) (*Result, error) {
	before, err := c.engine.Control(ctx)
	if err != nil {
		return nil, err
	}
	control, err := c.engine.EmergencyHalt(ctx, actor, a.Reason)
	if err != nil {
		return nil, err
	}
	return &Result{Action: ActionHalt, Applied: !before.Halted, Control: control}, nil
}

func (c *Controller) resume(ctx context.Context, actor model.Actor) (*Result, error) {
	before, err := c.engine.Control(ctx)
	if err != nil {
		return nil, err
	}
	control, err := c.engine.Resume(ctx, actor)
	if err != nil {
		return nil, err
	}
	return &Result{Action: ActionResume, Applied: before.Halted, Control: control}, nil
}

// lockWallet locks the wallet and completes the cancellation cascade for its
// in-flight transactions.
func (c *Controller) lockWallet(ctx context.Context, actor model.Actor, a LockWallet) (*Result, error) {
	before, err := c.wallets.Get(ctx, a.WalletID)
	if err != nil {
		return nil, err
	}
	lock, cancelled, err := c.wallets.LockEmergency(ctx, actor, a.WalletID, a.Reason, a.DurationHours)
	if err != nil {
		return nil, err
	}

	all, err := c.transactions.CancelForWallet(ctx, actor, a.WalletID, cancelled, "emergency lock: "+a.Reason)
	if err != nil {
		return nil, fmt.Errorf("cancel transactions of locked wallet: %w", err)
	}
	wallet, err := c.wallets.Get(ctx, a.WalletID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Action:                ActionLockWallet,
		Applied:               before.Status != model.WalletStatusEmergencyLocked,
		Wallet:                wallet,
		Lock:                  lock,
		CancelledTransactions: all,
	}, nil
}

func (c *Controller) unlockWallet(ctx context.Context, actor model.Actor, a UnlockWallet) (*Result, error) {
	lock, err := c.wallets.Unlock(ctx, actor, a.WalletID)
	if err != nil {
		return nil, err
	}
	wallet, err := c.wallets.Get(ctx, a.WalletID)
	if err != nil {
		return nil, err
	}
	metrics.ControlActionsTotal.WithLabelValues(string(ActionUnlockWallet), "applied").Inc()
	return &Result{Action: ActionUnlockWallet, Applied: true, Wallet: wallet, Lock: lock}, nil
}

func (c *Controller) resumeWallet(ctx context.Context, actor model.Actor, a ResumeWallet) (*Result, error) {
	wallet, err := c.wallets.Resume(ctx, actor, a.WalletID)
	if err != nil {
		return nil, err
	}
	return &Result{Action: ActionResumeWallet, Applied: true, Wallet: wallet}, nil
}

func entityOf(action Action) model.EntityType {
	if entityIDOf(action) != "engine" {
		return model.EntityWallet
	}
	return model.EntityEngine
}

func entityIDOf(action Action) string {
	switch a := action.(type) {
	case LockWallet:
		return a.WalletID
	case UnlockWallet:
		return a.WalletID
	case ResumeWallet:
		return a.WalletID
	}
	return "engine"
}
