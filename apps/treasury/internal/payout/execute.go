package payout

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"treasury/apps/treasury/internal/alert"
	"treasury/apps/treasury/internal/audit"
	"treasury/apps/treasury/internal/chain"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
)

// ExecutionResult is the outcome of executing one multisig transaction.
type ExecutionResult struct {
	TransactionID   string `json:"transaction_id"`
	TxHash          string `json:"tx_hash,omitempty"`
	BlockNumber     uint64 `json:"block_number,omitempty"`
	Attempts        int    `json:"attempts"`
	AlreadyExecuted bool   `json:"already_executed"`
	Error           string `json:"error,omitempty"`
}

// SweepResult summarises the transaction housekeeping run after each batch.
type SweepResult struct {
	Expired       int `json:"expired"`
	Executed      int `json:"executed"`
	Failed        int `json:"failed"`
	LocksReleased int `json:"locks_released"`
}

// ExecuteTransaction submits a FULLY_SIGNED transaction on-chain. Executing
// an EXECUTED transaction returns the stored hash and block without a second
// submission. A human actor may re-trigger a transaction held after
// exhausting its attempts.
func (e *Engine) ExecuteTransaction(ctx context.Context, actor model.Actor, txID string) (*ExecutionResult, error) {
	tx, err := e.coordinator.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status == model.TransactionStatusExecuted {
		return executedResult(tx), nil
	}

	control, err := e.store.GetControl(ctx)
	if err != nil {
		return nil, fmt.Errorf("read engine control: %w", err)
	}
	if control.Halted {
		return nil, errs.ErrEngineHalted
	}
	w, err := e.wallets.Get(ctx, tx.WalletID)
	if err != nil {
		return nil, err
	}
	if err := walletGate(w); err != nil {
		return nil, err
	}

	if tx.ExecutionHeld {
		if !actor.IsHuman() {
			return nil, errs.Wrapf(errs.ErrInvalidTransition, "transaction %s is held for an operator", tx.ID)
		}
		if _, err := e.coordinator.Release(ctx, actor, tx.ID); err != nil {
			return nil, err
		}
	}

	claimed, err := e.coordinator.BeginExecution(ctx, tx.ID)
	if err != nil {
		if errors.Is(err, errs.ErrStaleState) || errors.Is(err, errs.ErrInvalidTransition) {
			// Another worker may have finished it first.
			if current, gerr := e.coordinator.Get(ctx, tx.ID); gerr == nil && current.Status == model.TransactionStatusExecuted {
				return executedResult(current), nil
			}
		}
		return nil, err
	}

	reference := transactionReference(claimed.ID)
	if _, err := e.wallets.ReserveSpend(ctx, w.ID, claimed.Amount, reference); err != nil {
		if reason, locked := e.lockedDuringExecution(ctx, w.ID, err); locked {
			return nil, e.cancelLocked(ctx, claimed, reason, err, claimed.ExecutionAttempts)
		}
		hold := errs.KindOf(err) == errs.KindLimitExceeded
		if _, ferr := e.coordinator.FailExecution(ctx, claimed.ID, err, claimed.ExecutionAttempts, hold); ferr != nil {
			e.logger.Error("Failed to return transaction after spend check", zap.String("transaction_id", claimed.ID), zap.Error(ferr))
		}
		if hold {
			e.recorder.Alert(ctx, alert.Alert{
				Type:     alert.AlertTypeLimitHold,
				EntityID: claimed.ID,
				Title:    "Signed transaction exceeds wallet spend limit",
				Message:  err.Error(),
				Fields:   map[string]string{"wallet_id": w.ID, "amount": claimed.Amount.String()},
			})
		}
		return nil, err
	}

	transfer := chain.Transfer{
		Reference: claimed.ID,
		From:      w.Address,
		To:        claimed.Destination,
		Amount:    claimed.Amount,
		Currency:  claimed.Currency,
	}
	receipt, attempts, submitErr := e.submitWithRetry(ctx, pathMultisig, transfer, control.MaxAttempts, w.ID)
	total := claimed.ExecutionAttempts + attempts
	if submitErr != nil {
		return e.multisigFailed(ctx, claimed, w, submitErr, total)
	}

	executed, err := e.coordinator.CompleteExecution(ctx, claimed.ID, receipt.TxHash, receipt.BlockNumber)
	if err != nil {
		e.logger.Error("Transfer confirmed but transaction could not be marked executed",
			zap.String("transaction_id", claimed.ID),
			zap.String("tx_hash", receipt.TxHash),
			zap.Error(err))
		return nil, err
	}
	e.logger.Info("Multisig transaction executed",
		zap.String("transaction_id", executed.ID),
		zap.String("actor", actor.ID),
		zap.String("tx_hash", executed.TxHash),
		zap.Int("attempts", total))

	e.settlePayout(ctx, executed, total)

	result := executedResult(executed)
	result.AlreadyExecuted = false
	result.Attempts = total
	return result, nil
}

// multisigFailed settles a failed submission. On a wallet locked while the
// call was in flight the transaction is cancelled unless it may have been
// broadcast. A halt or an inactive wallet returns it to FULLY_SIGNED for a
// later sweep; any other failure holds it for an operator.
func (e *Engine) multisigFailed(ctx context.Context, tx *model.MultiSigTransaction, w *model.TreasuryWallet, cause error, attempts int) (*ExecutionResult, error) {
	_, broadcast := broadcastHash(cause)
	if !broadcast {
		e.releaseSpend(ctx, w.ID, transactionReference(tx.ID))
		if reason, locked := e.lockedDuringExecution(ctx, w.ID, cause); locked {
			return nil, e.cancelLocked(ctx, tx, reason, cause, attempts)
		}
	}
	emergency := errs.KindOf(cause) == errs.KindEmergencyState
	if _, err := e.coordinator.FailExecution(ctx, tx.ID, cause, attempts, !emergency); err != nil {
		e.logger.Error("Failed to record execution failure", zap.String("transaction_id", tx.ID), zap.Error(err))
	}
	if emergency {
		return nil, cause
	}

	if tx.PayoutRequestID != "" {
		e.payoutExecutionFailed(ctx, tx, cause, attempts)
	}
	return &ExecutionResult{TransactionID: tx.ID, Attempts: attempts, Error: cause.Error()},
		errs.WithCause(errs.ErrExecutionFailed, cause)
}

// lockedDuringExecution reports whether walletID is emergency locked after a
// failed execution, with the cancel reason to record.
func (e *Engine) lockedDuringExecution(ctx context.Context, walletID string, cause error) (string, bool) {
	if !errors.Is(cause, errs.ErrWalletLocked) {
		w, err := e.wallets.Get(ctx, walletID)
		if err != nil || w.Status != model.WalletStatusEmergencyLocked {
			return "", false
		}
	}
	reason := "emergency lock: wallet locked during execution"
	lock, err := e.wallets.ActiveLock(ctx, walletID)
	if err != nil {
		e.logger.Warn("Failed to read active lock", zap.String("wallet_id", walletID), zap.Error(err))
	} else if lock != nil {
		reason = "emergency lock: " + lock.Reason
	}
	return reason, true
}

// cancelLocked cancels an EXECUTING transaction on a locked wallet. The
// linked payout follows through the transition observer.
func (e *Engine) cancelLocked(ctx context.Context, tx *model.MultiSigTransaction, reason string, cause error, attempts int) error {
	if _, err := e.coordinator.CancelExecution(ctx, tx.ID, reason, cause, attempts); err != nil {
		e.logger.Error("Failed to cancel transaction on locked wallet", zap.String("transaction_id", tx.ID), zap.Error(err))
	}
	if errors.Is(cause, errs.ErrWalletLocked) {
		return cause
	}
	return errs.WithCause(errs.ErrWalletLocked, cause)
}

// payoutExecutionFailed records the failure on the linked request and hands
// it back to manual review, where the held transaction waits for an operator.
func (e *Engine) payoutExecutionFailed(ctx context.Context, tx *model.MultiSigTransaction, cause error, attempts int) {
	failureReason := cause.Error()
	if _, err := e.transition(ctx, tx.PayoutRequestID,
		[]model.PayoutStatus{model.PayoutStatusApproved, model.PayoutStatusManualReview},
		model.PayoutStatusFailed,
		model.PayoutPatch{FailureReason: &failureReason, Attempts: &attempts}); err != nil {
		return
	}
	e.recorder.Record(ctx, audit.Event{
		Action:     model.AuditPayoutFailed,
		EntityType: model.EntityPayout,
		EntityID:   tx.PayoutRequestID,
		Severity:   model.SeverityWarning,
		Detail:     map[string]any{"transaction_id": tx.ID, "attempts": attempts, "error": failureReason},
	})

	reason := fmt.Sprintf("execution of transaction %s failed and is held for an operator", tx.ID)
	if _, err := e.transition(ctx, tx.PayoutRequestID, []model.PayoutStatus{model.PayoutStatusFailed},
		model.PayoutStatusManualReview, model.PayoutPatch{DecisionReason: &reason}); err != nil {
		return
	}
	e.recorder.Record(ctx, audit.Event{
		Action:     model.AuditPayoutEscalated,
		EntityType: model.EntityPayout,
		EntityID:   tx.PayoutRequestID,
		Detail:     map[string]any{"transaction_id": tx.ID, "reason": reason},
	})
}

// settlePayout marks the request linked to an executed transaction EXECUTED.
func (e *Engine) settlePayout(ctx context.Context, tx *model.MultiSigTransaction, attempts int) {
	if tx.PayoutRequestID == "" {
		return
	}
	executed, err := e.transition(ctx, tx.PayoutRequestID,
		[]model.PayoutStatus{model.PayoutStatusApproved, model.PayoutStatusManualReview, model.PayoutStatusFailed},
		model.PayoutStatusExecuted,
		model.PayoutPatch{TxHash: &tx.TxHash, BlockNumber: &tx.BlockNumber, Attempts: &attempts})
	if err != nil {
		return
	}
	e.payoutExecuted(ctx, executed, tx.ID)
}

// ExecuteBatch executes each transaction in order. A failure is reported in
// its result and does not stop the batch; a halt does.
func (e *Engine) ExecuteBatch(ctx context.Context, actor model.Actor, ids []string) ([]ExecutionResult, error) {
	results := make([]ExecutionResult, 0, len(ids))
	for _, id := range ids {
		result, err := e.ExecuteTransaction(ctx, actor, id)
		if err != nil {
			if errors.Is(err, errs.ErrEngineHalted) {
				return results, err
			}
			if result == nil {
				result = &ExecutionResult{TransactionID: id}
			}
			result.Error = err.Error()
		}
		results = append(results, *result)
	}
	return results, nil
}

// Sweep expires overdue transactions, releases due emergency locks and,
// unless the engine is halted, executes FULLY_SIGNED transactions that are
// not held.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := e.now().UTC()

	expired, err := e.coordinator.ExpireDue(ctx, now, sweepLimit)
	if err != nil {
		return result, err
	}
	result.Expired = expired

	released, err := e.wallets.ReleaseExpiredLocks(ctx, now)
	if err != nil {
		return result, err
	}
	result.LocksReleased = released

	control, err := e.store.GetControl(ctx)
	if err != nil {
		return result, fmt.Errorf("read engine control: %w", err)
	}
	if control.Halted {
		return result, nil
	}

	signed, err := e.coordinator.List(ctx, model.TransactionFilter{
		Statuses:    []model.TransactionStatus{model.TransactionStatusFullySigned},
		ExcludeHeld: true,
		Limit:       control.BatchSize,
	})
	if err != nil {
		return result, fmt.Errorf("list signed transactions: %w", err)
	}
	for _, tx := range signed {
		res, err := e.ExecuteTransaction(ctx, model.SystemActor, tx.ID)
		switch {
		case err == nil && !res.AlreadyExecuted:
			result.Executed++
		case errors.Is(err, errs.ErrEngineHalted):
			return result, nil
		case err != nil:
			result.Failed++
			e.logger.Warn("Sweep execution failed", zap.String("transaction_id", tx.ID), zap.Error(err))
		}
	}

	if result.Expired+result.Executed+result.Failed+result.LocksReleased > 0 {
		e.logger.Info("Sweep finished",
			zap.Int("expired", result.Expired),
			zap.Int("executed", result.Executed),
			zap.Int("failed", result.Failed),
			zap.Int("locks_released", result.LocksReleased))
	}
	return result, nil
}

const sweepLimit = 500

// onTransactionTransition keeps the linked payout request in step with its
// multisig transaction.
func (e *Engine) onTransactionTransition(ctx context.Context, tx *model.MultiSigTransaction) {
	if tx.PayoutRequestID == "" {
		return
	}

	switch tx.Status {
	case model.TransactionStatusFullySigned:
		approved, err := e.transition(ctx, tx.PayoutRequestID,
			[]model.PayoutStatus{model.PayoutStatusManualReview}, model.PayoutStatusApproved, model.PayoutPatch{})
		if err != nil {
			return
		}
		e.recorder.Record(ctx, audit.Event{
			Action:     model.AuditPayoutApproved,
			EntityType: model.EntityPayout,
			EntityID:   approved.ID,
			Detail:     map[string]any{"transaction_id": tx.ID, "signatures": len(tx.Signatures)},
		})

	case model.TransactionStatusExpired, model.TransactionStatusCancelled:
		reason := fmt.Sprintf("transaction %s %s", tx.ID, tx.Status)
		if tx.CancelReason != "" {
			reason = fmt.Sprintf("%s: %s", reason, tx.CancelReason)
		}
		cancelled, err := e.transition(ctx, tx.PayoutRequestID,
			[]model.PayoutStatus{model.PayoutStatusManualReview, model.PayoutStatusApproved},
			model.PayoutStatusCancelled, model.PayoutPatch{DecisionReason: &reason})
		if err != nil {
			return
		}
		e.logger.Info("Payout cancelled with its transaction",
			zap.String("payout_id", cancelled.ID),
			zap.String("transaction_id", tx.ID),
			zap.String("transaction_status", string(tx.Status)))
		e.recorder.Record(ctx, audit.Event{
			Action:     model.AuditPayoutCancelled,
			EntityType: model.EntityPayout,
			EntityID:   cancelled.ID,
			Severity:   model.SeverityWarning,
			Detail:     map[string]any{"transaction_id": tx.ID, "reason": reason},
		})
	}
}

func executedResult(tx *model.MultiSigTransaction) *ExecutionResult {
	return &ExecutionResult{
		TransactionID:   tx.ID,
		TxHash:          tx.TxHash,
		BlockNumber:     tx.BlockNumber,
		Attempts:        tx.ExecutionAttempts,
		AlreadyExecuted: true,
	}
}

func walletGate(w *model.TreasuryWallet) error {
	switch w.Status {
	case model.WalletStatusActive:
		return nil
	case model.WalletStatusEmergencyLocked:
		return errs.Wrapf(errs.ErrWalletLocked, "wallet %s is emergency locked", w.ID)
	default:
		return errs.Wrapf(errs.ErrWalletNotActive, "wallet %s is %s", w.ID, w.Status)
	}
}
