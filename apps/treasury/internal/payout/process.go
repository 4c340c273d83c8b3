package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"treasury/apps/treasury/internal/alert"
	"treasury/apps/treasury/internal/audit"
	"treasury/apps/treasury/internal/chain"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/metrics"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/multisig"
	"treasury/apps/treasury/internal/risk"
)

// TickResult summarises one scheduler tick.
type TickResult struct {
	Skipped   bool        `json:"skipped"`
	Halted    bool        `json:"halted"`
	Claimed   int         `json:"claimed"`
	Executed  int         `json:"executed"`
	Escalated int         `json:"escalated"`
	Rejected  int         `json:"rejected"`
	Deferred  int         `json:"deferred"`
	Failed    int         `json:"failed"`
	Sweep     SweepResult `json:"sweep"`
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeExecuted
	outcomeEscalated
	outcomeRejected
	outcomeDeferred
	outcomeFailed
)

// RunOnce runs one tick: claim a batch of pending requests, decide each one,
// then sweep signed and expired transactions. Overlapping calls are skipped.
func (e *Engine) RunOnce(ctx context.Context) (TickResult, error) {
	var result TickResult
	if !e.tickMu.TryLock() {
		result.Skipped = true
		metrics.EngineTicksTotal.WithLabelValues("overlap").Inc()
		return result, nil
	}
	defer e.tickMu.Unlock()

	start := time.Now()
	defer func() { metrics.EngineTickLatency.Observe(time.Since(start).Seconds()) }()

	control, err := e.store.GetControl(ctx)
	if err != nil {
		metrics.EngineTicksTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("read engine control: %w", err)
	}
	if control.Halted {
		result.Halted = true
		e.logger.Debug("Engine halted, skipping batch", zap.String("reason", control.HaltReason))
		sweep, err := e.Sweep(ctx)
		result.Sweep = sweep
		metrics.EngineTicksTotal.WithLabelValues("halted").Inc()
		return result, err
	}

	now := e.now().UTC()
	claimed, err := e.store.ClaimPayouts(ctx, e.cfg.WorkerID, control.BatchSize, e.cfg.ClaimLease, now)
	if err != nil {
		metrics.EngineTicksTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("claim payouts: %w", err)
	}
	result.Claimed = len(claimed)

	for i := range claimed {
		if i > 0 {
			// A halt issued mid-batch stops the batch before the next item.
			current, err := e.store.GetControl(ctx)
			if err != nil {
				e.logger.Error("Failed to re-read engine control", zap.Error(err))
				e.releaseClaims(ctx, claimed[i:])
				break
			}
			if current.Halted {
				e.skipRemaining(ctx, claimed[i:], current.HaltReason)
				result.Halted = true
				break
			}
			control = current
		}

		switch e.process(ctx, &claimed[i], control) {
		case outcomeExecuted:
			result.Executed++
		case outcomeEscalated:
			result.Escalated++
		case outcomeRejected:
			result.Rejected++
		case outcomeDeferred:
			result.Deferred++
		case outcomeFailed:
			result.Failed++
		}
	}

	sweep, err := e.Sweep(ctx)
	result.Sweep = sweep
	if err != nil {
		metrics.EngineTicksTotal.WithLabelValues("error").Inc()
		return result, err
	}

	metrics.EngineTicksTotal.WithLabelValues("processed").Inc()
	if result.Claimed > 0 {
		e.logger.Info("Payout batch processed",
			zap.Int("claimed", result.Claimed),
			zap.Int("executed", result.Executed),
			zap.Int("escalated", result.Escalated),
			zap.Int("rejected", result.Rejected),
			zap.Int("deferred", result.Deferred),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// releaseClaims hands claimed requests back to the queue untouched.
func (e *Engine) releaseClaims(ctx context.Context, requests []model.PayoutRequest) {
	now := e.now().UTC()
	for _, p := range requests {
		if _, err := e.store.TransitionPayout(ctx, p.ID, []model.PayoutStatus{p.Status}, p.Status, model.PayoutPatch{}, now); err != nil && !errs.IsBenign(err) {
			e.logger.Error("Failed to release payout claim", zap.String("payout_id", p.ID), zap.Error(err))
		}
	}
}

func (e *Engine) skipRemaining(ctx context.Context, requests []model.PayoutRequest, reason string) {
	e.releaseClaims(ctx, requests)
	ids := make([]string, 0, len(requests))
	for _, p := range requests {
		ids = append(ids, p.ID)
	}
	e.logger.Warn("Engine halted mid-batch, remaining requests left queued", zap.Int("remaining", len(ids)))
	e.recorder.Record(ctx, audit.Event{
		Action:     model.AuditPayoutBatchSkipped,
		EntityType: model.EntityEngine,
		EntityID:   "engine",
		Severity:   model.SeverityWarning,
		Detail:     map[string]any{"payout_ids": ids, "halt_reason": reason},
	})
}

func (e *Engine) process(ctx context.Context, p *model.PayoutRequest, control *model.EngineControl) outcome {
	logger := e.logger.With(zap.String("payout_id", p.ID))

	w, err := e.wallets.SelectPayoutWallet(ctx, p.DestinationNetwork)
	if err != nil {
		if errors.Is(err, errs.ErrWalletNotFound) {
			return e.reject(ctx, p, model.PayoutPatch{}, "", err.Error())
		}
		logger.Error("Failed to select payout wallet", zap.Error(err))
		e.releaseClaims(ctx, []model.PayoutRequest{*p})
		return outcomeNone
	}
	if !w.IsActive() {
		return e.deferPayout(ctx, p, w.ID, fmt.Sprintf("wallet %s is %s", w.ID, w.Status))
	}

	assessment, err := e.assess(ctx, p, w, control)
	if err != nil {
		logger.Error("Failed to assess payout", zap.Error(err))
		e.releaseClaims(ctx, []model.PayoutRequest{*p})
		return outcomeNone
	}

	tier, action, score := assessment.Tier, assessment.Action, assessment.Score
	reason := strings.Join(assessment.Reasons, ", ")
	patch := model.PayoutPatch{
		RiskTier:          &tier,
		RiskScore:         &score,
		RecommendedAction: &action,
		DecisionReason:    &reason,
		WalletID:          &w.ID,
	}
	e.recorder.Record(ctx, audit.Event{
		Action:     model.AuditPayoutAssessed,
		EntityType: model.EntityPayout,
		EntityID:   p.ID,
		Detail: map[string]any{
			"score":   assessment.Score,
			"tier":    string(assessment.Tier),
			"action":  string(assessment.Action),
			"reasons": assessment.Reasons,
			"signals": assessment.Signals,
		},
	})

	switch assessment.Action {
	case model.RiskActionReject:
		return e.reject(ctx, p, patch, tier, reason)
	case model.RiskActionManualReview:
		return e.escalate(ctx, p, w, patch, model.ClaimableStatuses)
	default:
		return e.autoExecute(ctx, p, w, patch, control)
	}
}

func (e *Engine) assess(ctx context.Context, p *model.PayoutRequest, w *model.TreasuryWallet, control *model.EngineControl) (risk.Assessment, error) {
	now := e.now().UTC()
	merchant, err := e.store.GetMerchant(ctx, p.RequesterID)
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("get merchant: %w", err)
	}
	stats, err := e.store.RequesterStats(ctx, p.RequesterID, now.Add(-e.cfg.StatsWindow))
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("requester stats: %w", err)
	}
	check, err := e.wallets.CheckSpendLimit(ctx, w.ID, p.Amount)
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("spend usage: %w", err)
	}
	return risk.Assess(e.policy.WithControl(*control), risk.Input{
		Amount:   p.Amount,
		Now:      now,
		Merchant: merchant,
		Stats:    stats,
		Usage:    check.Usage,
	}), nil
}

func (e *Engine) reject(ctx context.Context, p *model.PayoutRequest, patch model.PayoutPatch, tier model.RiskTier, reason string) outcome {
	patch.DecisionReason = &reason
	rejected, err := e.transition(ctx, p.ID, []model.PayoutStatus{p.Status}, model.PayoutStatusRejected, patch)
	if err != nil {
		return outcomeNone
	}
	metrics.PayoutDecisions.WithLabelValues(string(tier), string(rejected.Status)).Inc()
	e.logger.Info("Payout rejected", zap.String("payout_id", p.ID), zap.String("reason", reason))
	e.recorder.Record(ctx, audit.Event{
		Action:     model.AuditPayoutRejected,
		EntityType: model.EntityPayout,
		EntityID:   p.ID,
		Severity:   model.SeverityWarning,
		Detail:     map[string]any{"reason": reason, "tier": string(tier), "amount": p.Amount.String()},
	})
	return outcomeRejected
}

// deferPayout parks the request in QUEUED while its wallet is unavailable and
// rejects it once it has waited longer than MaxDeferral.
func (e *Engine) deferPayout(ctx context.Context, p *model.PayoutRequest, walletID, reason string) outcome {
	if e.now().UTC().Sub(p.CreatedAt) > e.cfg.MaxDeferral {
		return e.reject(ctx, p, model.PayoutPatch{WalletID: &walletID}, "",
			fmt.Sprintf("deferred longer than %s: %s", e.cfg.MaxDeferral, reason))
	}

	queued, err := e.transition(ctx, p.ID, []model.PayoutStatus{p.Status}, model.PayoutStatusQueued,
		model.PayoutPatch{DecisionReason: &reason, WalletID: &walletID})
	if err != nil {
		return outcomeNone
	}
	if p.Status != model.PayoutStatusQueued {
		e.logger.Info("Payout deferred", zap.String("payout_id", p.ID), zap.String("reason", reason))
		e.recorder.Record(ctx, audit.Event{
			Action:     model.AuditPayoutDeferred,
			EntityType: model.EntityPayout,
			EntityID:   queued.ID,
			Severity:   model.SeverityWarning,
			Detail:     map[string]any{"reason": reason, "wallet_id": walletID},
		})
	}
	return outcomeDeferred
}

// escalate proposes a multi-signature transaction for the request and moves
// it to MANUAL_REVIEW.
func (e *Engine) escalate(ctx context.Context, p *model.PayoutRequest, w *model.TreasuryWallet, patch model.PayoutPatch, from []model.PayoutStatus) outcome {
	purpose := fmt.Sprintf("payout %s for %s", p.ID, p.RequesterID)
	if patch.RiskTier != nil {
		purpose = fmt.Sprintf("%s (risk %s)", purpose, *patch.RiskTier)
	}
	tx, err := e.coordinator.Propose(ctx, model.SystemActor, multisig.ProposeInput{
		WalletID:        w.ID,
		PayoutRequestID: p.ID,
		Destination:     p.DestinationAddress,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Purpose:         purpose,
	})
	if err != nil {
		if errs.KindOf(err) == errs.KindEmergencyState && containsStatus(model.ClaimableStatuses, p.Status) {
			return e.deferPayout(ctx, p, w.ID, err.Error())
		}
		e.logger.Error("Failed to propose multisig transaction", zap.String("payout_id", p.ID), zap.Error(err))
		reason := fmt.Sprintf("multisig proposal failed: %v", err)
		patch.DecisionReason = &reason
		if _, terr := e.transition(ctx, p.ID, from, model.PayoutStatusManualReview, patch); terr != nil {
			return outcomeNone
		}
		e.recorder.RecordFailure(ctx, audit.Event{
			Action:     model.AuditPayoutEscalated,
			EntityType: model.EntityPayout,
			EntityID:   p.ID,
		}, err)
		return outcomeEscalated
	}

	patch.TransactionID = &tx.ID
	escalated, err := e.transition(ctx, p.ID, from, model.PayoutStatusManualReview, patch)
	if err != nil {
		e.logger.Error("Escalated payout changed state, transaction left unlinked",
			zap.String("payout_id", p.ID), zap.String("transaction_id", tx.ID))
		return outcomeNone
	}

	tier := string(escalated.RiskTier)
	metrics.PayoutDecisions.WithLabelValues(tier, string(escalated.Status)).Inc()
	e.logger.Info("Payout escalated to manual review",
		zap.String("payout_id", p.ID),
		zap.String("transaction_id", tx.ID),
		zap.String("tier", tier))
	e.recorder.Record(ctx, audit.Event{
		Action:     model.AuditPayoutEscalated,
		EntityType: model.EntityPayout,
		EntityID:   p.ID,
		Detail: map[string]any{
			"transaction_id": tx.ID,
			"wallet_id":      w.ID,
			"tier":           tier,
			"reason":         escalated.DecisionReason,
		},
	})
	return outcomeEscalated
}

// autoExecute reserves spend and submits the transfer directly. Failures are
// routed to manual review rather than dropped.
func (e *Engine) autoExecute(ctx context.Context, p *model.PayoutRequest, w *model.TreasuryWallet, patch model.PayoutPatch, control *model.EngineControl) outcome {
	approved, err := e.transition(ctx, p.ID, model.ClaimableStatuses, model.PayoutStatusAutoApproved, patch)
	if err != nil {
		return outcomeNone
	}
	metrics.PayoutDecisions.WithLabelValues(string(approved.RiskTier), string(approved.Status)).Inc()
	autoApproved := []model.PayoutStatus{model.PayoutStatusAutoApproved}

	reference := payoutReference(p.ID)
	if _, err := e.wallets.ReserveSpend(ctx, w.ID, p.Amount, reference); err != nil {
		switch errs.KindOf(err) {
		case errs.KindLimitExceeded:
			return e.reject(ctx, approved, model.PayoutPatch{}, approved.RiskTier, err.Error())
		case errs.KindEmergencyState:
			return e.requeue(ctx, approved, w.ID, err.Error())
		}
		e.logger.Error("Failed to reserve spend", zap.String("payout_id", p.ID), zap.Error(err))
		e.requeue(ctx, approved, w.ID, "spend reservation failed")
		return outcomeNone
	}

	transfer := chain.Transfer{
		Reference: p.ID,
		From:      w.Address,
		To:        p.DestinationAddress,
		Amount:    p.Amount,
		Currency:  p.Currency,
	}
	receipt, attempts, err := e.submitWithRetry(ctx, pathAuto, transfer, control.MaxAttempts, w.ID)
	if err == nil {
		executed, terr := e.transition(ctx, p.ID, autoApproved, model.PayoutStatusExecuted, model.PayoutPatch{
			TxHash:      &receipt.TxHash,
			BlockNumber: &receipt.BlockNumber,
			Attempts:    &attempts,
		})
		if terr != nil {
			e.logger.Error("Executed payout could not be marked executed",
				zap.String("payout_id", p.ID), zap.String("tx_hash", receipt.TxHash), zap.Error(terr))
			return outcomeExecuted
		}
		e.payoutExecuted(ctx, executed, "")
		return outcomeExecuted
	}

	if errs.KindOf(err) == errs.KindEmergencyState {
		e.releaseSpend(ctx, w.ID, reference)
		return e.requeue(ctx, approved, w.ID, err.Error())
	}
	return e.autoFailed(ctx, approved, w, err, attempts)
}

// requeue returns an auto-approved request to the queue without counting a
// failure.
func (e *Engine) requeue(ctx context.Context, p *model.PayoutRequest, walletID, reason string) outcome {
	queued, err := e.transition(ctx, p.ID, []model.PayoutStatus{model.PayoutStatusAutoApproved}, model.PayoutStatusQueued,
		model.PayoutPatch{DecisionReason: &reason, WalletID: &walletID})
	if err != nil {
		return outcomeNone
	}
	e.logger.Info("Payout returned to queue", zap.String("payout_id", p.ID), zap.String("reason", reason))
	e.recorder.Record(ctx, audit.Event{
		Action:     model.AuditPayoutDeferred,
		EntityType: model.EntityPayout,
		EntityID:   queued.ID,
		Severity:   model.SeverityWarning,
		Detail:     map[string]any{"reason": reason, "wallet_id": walletID},
	})
	return outcomeDeferred
}

func (e *Engine) autoFailed(ctx context.Context, p *model.PayoutRequest, w *model.TreasuryWallet, cause error, attempts int) outcome {
	failureReason := cause.Error()
	failed, err := e.transition(ctx, p.ID, []model.PayoutStatus{model.PayoutStatusAutoApproved}, model.PayoutStatusFailed,
		model.PayoutPatch{FailureReason: &failureReason, Attempts: &attempts})
	if err != nil {
		return outcomeNone
	}
	e.logger.Error("Auto-approved payout failed",
		zap.String("payout_id", p.ID),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	e.recorder.RecordFailure(ctx, audit.Event{
		Action:     model.AuditPayoutFailed,
		EntityType: model.EntityPayout,
		EntityID:   p.ID,
		Detail:     map[string]any{"attempts": attempts, "wallet_id": w.ID},
	}, errs.WithCause(errs.ErrExecutionFailed, cause))

	if hash, ok := broadcastHash(cause); ok {
		// Funds may have moved: keep the reservation and leave resubmission to
		// an operator.
		reason := fmt.Sprintf("transfer %s was broadcast but not confirmed; reconcile before retrying", hash)
		if _, err := e.transition(ctx, p.ID, []model.PayoutStatus{model.PayoutStatusFailed}, model.PayoutStatusManualReview,
			model.PayoutPatch{DecisionReason: &reason}); err == nil {
			metrics.PayoutDecisions.WithLabelValues(string(failed.RiskTier), string(model.PayoutStatusManualReview)).Inc()
		}
		return outcomeFailed
	}

	e.releaseSpend(ctx, w.ID, payoutReference(p.ID))
	e.escalate(ctx, failed, w, model.PayoutPatch{}, []model.PayoutStatus{model.PayoutStatusFailed})
	return outcomeFailed
}

func (e *Engine) payoutExecuted(ctx context.Context, p *model.PayoutRequest, transactionID string) {
	metrics.PayoutDecisions.WithLabelValues(string(p.RiskTier), string(p.Status)).Inc()
	e.logger.Info("Payout executed",
		zap.String("payout_id", p.ID),
		zap.String("tx_hash", p.TxHash),
		zap.Uint64("block_number", p.BlockNumber))
	detail := map[string]any{
		"tx_hash":      p.TxHash,
		"block_number": p.BlockNumber,
		"amount":       p.Amount.String(),
		"currency":     p.Currency,
		"destination":  p.DestinationAddress,
		"attempts":     p.Attempts,
	}
	if transactionID != "" {
		detail["transaction_id"] = transactionID
	}
	e.recorder.Record(ctx, audit.Event{
		Action:     model.AuditPayoutExecuted,
		EntityType: model.EntityPayout,
		EntityID:   p.ID,
		Detail:     detail,
	})
}

// transition applies a payout status change. Lost races are logged at debug
// level and returned.
func (e *Engine) transition(ctx context.Context, id string, from []model.PayoutStatus, to model.PayoutStatus, patch model.PayoutPatch) (*model.PayoutRequest, error) {
	updated, err := e.store.TransitionPayout(ctx, id, from, to, patch, e.now().UTC())
	if err != nil {
		if errs.IsBenign(err) {
			e.logger.Debug("Payout changed concurrently", zap.String("payout_id", id), zap.String("to", string(to)))
		} else {
			e.logger.Error("Failed to transition payout", zap.String("payout_id", id), zap.String("to", string(to)), zap.Error(err))
		}
		return nil, err
	}
	return updated, nil
}

func (e *Engine) releaseSpend(ctx context.Context, walletID, reference string) {
	if _, err := e.wallets.ReleaseSpend(ctx, walletID, reference); err != nil {
		e.logger.Error("Failed to release spend reservation",
			zap.String("wallet_id", walletID), zap.String("reference", reference), zap.Error(err))
	}
}

func payoutReference(id string) string { return "payout:" + id }

func transactionReference(id string) string { return "tx:" + id }

func broadcastHash(err error) (string, bool) {
	var submitErr *chain.SubmitError
	if errors.As(err, &submitErr) && submitErr.Broadcast {
		return submitErr.TxHash, true
	}
	return "", false
}

func containsStatus(list []model.PayoutStatus, s model.PayoutStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func emergencyAlert(entityID, title, reason string, actor model.Actor) alert.Alert {
	return alert.Alert{
		Type:     alert.AlertTypeEmergency,
		EntityID: entityID,
		Title:    title,
		Message:  reason,
		Fields:   map[string]string{"actor": actor.ID},
	}
}
