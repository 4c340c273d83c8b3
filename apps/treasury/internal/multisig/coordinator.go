// Package multisig drives the signing lifecycle of proposed treasury
// transfers: PENDING, PARTIALLY_SIGNED, FULLY_SIGNED and on to execution,
// with EXPIRED and CANCELLED as side exits.
package multisig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/audit"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/metrics"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/repository"
)

// SignatureVerifier checks that signature was produced by signer over digest.
type SignatureVerifier interface {
	Verify(signer string, digest []byte, signature string) error
}

// Observer is called after a transaction becomes FULLY_SIGNED, EXPIRED or
// CANCELLED.
type Observer func(ctx context.Context, tx *model.MultiSigTransaction)

type ProposeInput struct {
	WalletID        string
	PayoutRequestID string
	Destination     string
	Amount          decimal.Decimal
	Currency        string
	Purpose         string
	// ExpiresIn overrides the coordinator's default expiry.
	ExpiresIn time.Duration
}

type Coordinator struct {
	transactions repository.TransactionStore
	wallets      repository.WalletStore
	recorder     *audit.Recorder
	verifier     SignatureVerifier
	expiry       time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

// NewCoordinator creates a new Coordinator. verifier may be nil, in which case
// signatures are recorded as submitted.
func NewCoordinator(transactions repository.TransactionStore, wallets repository.WalletStore, recorder *audit.Recorder, verifier SignatureVerifier, expiry time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		transactions: transactions,
		wallets:      wallets,
		recorder:     recorder,
		verifier:     verifier,
		expiry:       expiry,
		logger:       logger.With(zap.String("component", "multisig")),
		now:          time.Now,
	}
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func (c *Coordinator) OnTransition(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Coordinator) notify(ctx context.Context, tx *model.MultiSigTransaction) {
	metrics.TransactionTransitions.WithLabelValues(string(tx.Status)).Inc()

	c.mu.RLock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.RUnlock()
	for _, o := range observers {
		o(ctx, tx)
	}
}

// Digest is the message signers sign for tx.
func Digest(tx *model.MultiSigTransaction) []byte {
	payload := strings.Join([]string{
		tx.ID,
		tx.WalletID,
		strings.ToLower(tx.Destination),
		tx.Amount.String(),
		strings.ToUpper(tx.Currency),
	}, "|")
	return crypto.Keccak256([]byte(payload))
}

func (c *Coordinator) Propose(ctx context.Context, actor model.Actor, in ProposeInput) (*model.MultiSigTransaction, error) {
	ev := audit.Event{
		Actor:      actor,
		Action:     model.AuditTransactionProposed,
		EntityType: model.EntityWallet,
		EntityID:   in.WalletID,
	}
	if !in.Amount.IsPositive() || strings.TrimSpace(in.Destination) == "" || in.Currency == "" {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "destination, currency and a positive amount are required")
	}

	wallet, err := c.wallets.GetWallet(ctx, in.WalletID)
	if err != nil {
		return nil, err
	}
	if err := proposable(wallet); err != nil {
		c.recorder.RecordFailure(ctx, ev, err)
		return nil, err
	}

	expiresIn := in.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = c.expiry
	}
	now := c.now().UTC()
	tx := &model.MultiSigTransaction{
		ID:              uuid.New().String(),
		WalletID:        wallet.ID,
		PayoutRequestID: in.PayoutRequestID,
		Destination:     in.Destination,
		Amount:          in.Amount,
		Currency:        strings.ToUpper(in.Currency),
		Purpose:         in.Purpose,
		Status:          model.TransactionStatusPending,
		ExpiresAt:       now.Add(expiresIn),
		CreatedBy:       actor.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if tx.CreatedBy == "" {
		tx.CreatedBy = model.SystemActor.ID
	}

	// The insert re-checks the wallet status under a row lock.
	if err := c.transactions.InsertTransaction(ctx, tx); err != nil {
		if errs.KindOf(err) == errs.KindEmergencyState {
			c.recorder.RecordFailure(ctx, ev, err)
			return nil, err
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	metrics.TransactionTransitions.WithLabelValues(string(tx.Status)).Inc()

	c.logger.Info("Proposed multisig transaction",
		zap.String("transaction_id", tx.ID),
		zap.String("wallet_id", tx.WalletID),
		zap.String("amount", tx.Amount.String()),
		zap.String("currency", tx.Currency),
		zap.Int("required_signatures", wallet.RequiredSignatures))

	c.recorder.Record(ctx, audit.Event{
		Actor:      actor,
		Action:     model.AuditTransactionProposed,
		EntityType: model.EntityTransaction,
		EntityID:   tx.ID,
		Detail: map[string]any{
			"wallet_id":           tx.WalletID,
			"payout_request_id":   tx.PayoutRequestID,
			"destination":         tx.Destination,
			"amount":              tx.Amount.String(),
			"currency":            tx.Currency,
			"purpose":             tx.Purpose,
			"required_signatures": wallet.RequiredSignatures,
			"expires_at":          tx.ExpiresAt.Format(time.RFC3339),
		},
	})
	return tx, nil
}

func proposable(w *model.TreasuryWallet) error {
	switch w.Status {
	case model.WalletStatusActive:
		return nil
	case model.WalletStatusEmergencyLocked:
		return errs.ErrWalletLocked
	default:
		return errs.Wrapf(errs.ErrWalletNotActive, "wallet %s is %s", w.ID, w.Status)
	}
}

// AddSignature records signer's signature. Checks run in a fixed order:
// authorization, expiry, duplicate, signable status, then verification.
func (c *Coordinator) AddSignature(ctx context.Context, txID, signer, signature string) (*model.MultiSigTransaction, error) {
	actor := model.Actor{ID: signer, Role: model.RoleSigner}
	ev := audit.Event{
		Actor:      actor,
		Action:     model.AuditSignatureRejected,
		EntityType: model.EntityTransaction,
		EntityID:   txID,
		Detail:     map[string]any{"signer": signer},
	}
	reject := func(err error) (*model.MultiSigTransaction, error) {
		metrics.SignaturesTotal.WithLabelValues(errs.CodeOf(err)).Inc()
		c.recorder.RecordFailure(ctx, ev, err)
		return nil, err
	}

	tx, err := c.transactions.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	wallet, err := c.wallets.GetWallet(ctx, tx.WalletID)
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	if !wallet.IsSigner(signer) {
		return reject(errs.Wrapf(errs.ErrUnauthorizedSigner, "%s is not a signer of wallet %s", signer, wallet.ID))
	}
	now := c.now().UTC()
	if tx.IsExpired(now) {
		c.expire(ctx, tx, now)
		return reject(errs.ErrTransactionExpired)
	}
	if tx.HasSigned(signer) {
		return reject(errs.ErrDuplicateSignature)
	}
	if !tx.Status.IsSignable() {
		return reject(errs.Wrapf(errs.ErrTransactionNotSignable, "transaction is %s", tx.Status))
	}
	if strings.TrimSpace(signature) == "" {
		return reject(errs.Wrapf(errs.ErrInvalidInput, "signature is required"))
	}
	if c.verifier != nil {
		if err := c.verifier.Verify(signer, Digest(tx), signature); err != nil {
			return reject(errs.WithCause(errs.ErrUnauthorizedSigner, err))
		}
	}

	updated, err := c.transactions.AppendSignature(ctx, txID, model.Signature{
		Signer:    signer,
		Signature: signature,
		SignedAt:  now,
	}, wallet.RequiredSignatures)
	if err != nil {
		if errors.Is(err, errs.ErrTransactionExpired) {
			c.expire(ctx, tx, now)
		}
		if errs.KindOf(err) != "" && errs.KindOf(err) != errs.KindNotFound {
			return reject(err)
		}
		return nil, fmt.Errorf("append signature: %w", err)
	}
	metrics.SignaturesTotal.WithLabelValues("accepted").Inc()

	c.logger.Info("Signature accepted",
		zap.String("transaction_id", txID),
		zap.String("signer", signer),
		zap.Int("signatures", len(updated.Signatures)),
		zap.Int("required", wallet.RequiredSignatures),
		zap.String("status", string(updated.Status)))

	c.recorder.Record(ctx, audit.Event{
		Actor:      actor,
		Action:     model.AuditTransactionSigned,
		EntityType: model.EntityTransaction,
		EntityID:   txID,
		Detail: map[string]any{
			"signer":     signer,
			"signatures": len(updated.Signatures),
			"required":   wallet.RequiredSignatures,
			"status":     string(updated.Status),
		},
	})

	switch {
	case updated.Status == tx.Status:
	case updated.Status == model.TransactionStatusFullySigned:
		c.notify(ctx, updated)
	default:
		metrics.TransactionTransitions.WithLabelValues(string(updated.Status)).Inc()
	}
	return updated, nil
}

// Get returns the transaction, expiring it first if it is past its expiry.
func (c *Coordinator) Get(ctx context.Context, id string) (*model.MultiSigTransaction, error) {
	tx, err := c.transactions.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	if tx.IsExpired(now) {
		if expired := c.expire(ctx, tx, now); expired != nil {
			return expired, nil
		}
		return c.transactions.GetTransaction(ctx, id)
	}
	return tx, nil
}

func (c *Coordinator) List(ctx context.Context, filter model.TransactionFilter) ([]model.MultiSigTransaction, error) {
	return c.transactions.ListTransactions(ctx, filter)
}

func (c *Coordinator) ListByStatus(ctx context.Context, status model.TransactionStatus, limit int) ([]model.MultiSigTransaction, error) {
	return c.transactions.ListTransactions(ctx, model.TransactionFilter{
		Statuses: []model.TransactionStatus{status},
		Limit:    limit,
	})
}

// Withdraw cancels a transaction that has not started executing.
func (c *Coordinator) Withdraw(ctx context.Context, actor model.Actor, id, reason string) (*model.MultiSigTransaction, error) {
	ev := audit.Event{Actor: actor, Action: model.AuditTransactionCancelled, EntityType: model.EntityTransaction, EntityID: id}
	if !actor.IsHuman() {
		c.recorder.RecordFailure(ctx, ev, errs.ErrHumanActorRequired)
		return nil, errs.ErrHumanActorRequired
	}
	if strings.TrimSpace(reason) == "" {
		reason = "withdrawn by " + actor.String()
	}

	cancelled, err := c.transactions.TransitionTransaction(ctx, id, model.CancellableStatuses, model.TransactionStatusCancelled,
		model.TransactionPatch{CancelReason: &reason}, c.now().UTC())
	if err != nil {
		if errors.Is(err, errs.ErrStaleState) {
			current, getErr := c.transactions.GetTransaction(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return nil, errs.Wrapf(errs.ErrInvalidTransition, "transaction is %s", current.Status)
		}
		return nil, err
	}

	ev.Detail = map[string]any{"reason": reason}
	c.recorder.Record(ctx, ev)
	c.notify(ctx, cancelled)
	return cancelled, nil
}

// CancelForWallet completes the emergency cascade for a locked wallet. The
// ids cancelled by the lock itself are audited and reported to observers,
// and any cancellable transaction that slipped in afterwards is cancelled.
func (c *Coordinator) CancelForWallet(ctx context.Context, actor model.Actor, walletID string, cancelledIDs []string, reason string) ([]string, error) {
	all := append([]string(nil), cancelledIDs...)

	remaining, err := c.transactions.ListTransactions(ctx, model.TransactionFilter{
		Statuses: model.CancellableStatuses,
		WalletID: walletID,
	})
	if err != nil {
		return nil, fmt.Errorf("list cancellable transactions: %w", err)
	}
	now := c.now().UTC()
	for _, t := range remaining {
		if _, err := c.transactions.TransitionTransaction(ctx, t.ID, model.CancellableStatuses, model.TransactionStatusCancelled,
			model.TransactionPatch{CancelReason: &reason}, now); err != nil {
			if errs.IsBenign(err) {
				continue
			}
			return all, fmt.Errorf("cancel transaction %s: %w", t.ID, err)
		}
		all = append(all, t.ID)
	}

	for _, id := range all {
		tx, err := c.transactions.GetTransaction(ctx, id)
		if err != nil {
			c.logger.Error("Failed to load cancelled transaction", zap.String("transaction_id", id), zap.Error(err))
			continue
		}
		c.recorder.Record(ctx, audit.Event{
			Actor:      actor,
			Action:     model.AuditTransactionCancelled,
			EntityType: model.EntityTransaction,
			EntityID:   id,
			Severity:   model.SeverityWarning,
			Detail:     map[string]any{"reason": reason, "wallet_id": walletID},
		})
		c.notify(ctx, tx)
	}
	return all, nil
}

// ExpireDue moves every transaction past its expiry to EXPIRED.
func (c *Coordinator) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := c.transactions.ListExpirable(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expirable transactions: %w", err)
	}
	expired := 0
	for i := range due {
		if c.expire(ctx, &due[i], now) != nil {
			expired++
		}
	}
	return expired, nil
}

// expire returns nil when another worker moved the transaction first.
func (c *Coordinator) expire(ctx context.Context, tx *model.MultiSigTransaction, now time.Time) *model.MultiSigTransaction {
	expired, err := c.transactions.TransitionTransaction(ctx, tx.ID, model.CancellableStatuses, model.TransactionStatusExpired,
		model.TransactionPatch{}, now)
	if err != nil {
		if !errs.IsBenign(err) {
			c.logger.Error("Failed to expire transaction", zap.String("transaction_id", tx.ID), zap.Error(err))
		}
		return nil
	}

	c.logger.Info("Transaction expired",
		zap.String("transaction_id", tx.ID),
		zap.String("previous_status", string(tx.Status)),
		zap.Time("expires_at", tx.ExpiresAt))
	c.recorder.Record(ctx, audit.Event{
		Action:     model.AuditTransactionExpired,
		EntityType: model.EntityTransaction,
		EntityID:   tx.ID,
		Severity:   model.SeverityWarning,
		Detail: map[string]any{
			"previous_status": string(tx.Status),
			"signatures":      len(tx.Signatures),
			"expires_at":      tx.ExpiresAt.Format(time.RFC3339),
		},
	})
	c.notify(ctx, expired)
	return expired
}

// BeginExecution claims a FULLY_SIGNED transaction for submission by moving
// it to EXECUTING.
func (c *Coordinator) BeginExecution(ctx context.Context, id string) (*model.MultiSigTransaction, error) {
	tx, err := c.transactions.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	if tx.IsExpired(now) {
		c.expire(ctx, tx, now)
		return nil, errs.ErrTransactionExpired
	}
	if tx.Status != model.TransactionStatusFullySigned {
		return nil, errs.Wrapf(errs.ErrInvalidTransition, "transaction is %s", tx.Status)
	}

	claimed, err := c.transactions.TransitionTransaction(ctx, id,
		[]model.TransactionStatus{model.TransactionStatusFullySigned}, model.TransactionStatusExecuting,
		model.TransactionPatch{}, now)
	if err != nil {
		return nil, err
	}
	metrics.TransactionTransitions.WithLabelValues(string(claimed.Status)).Inc()
	return claimed, nil
}

// CompleteExecution records the on-chain result. Hash and block are written
// once.
func (c *Coordinator) CompleteExecution(ctx context.Context, id, txHash string, blockNumber uint64) (*model.MultiSigTransaction, error) {
	now := c.now().UTC()
	noError := ""
	executed, err := c.transactions.TransitionTransaction(ctx, id,
		[]model.TransactionStatus{model.TransactionStatusExecuting}, model.TransactionStatusExecuted,
		model.TransactionPatch{TxHash: &txHash, BlockNumber: &blockNumber, ExecutedAt: &now, LastError: &noError}, now)
	if err != nil {
		return nil, err
	}
	metrics.TransactionTransitions.WithLabelValues(string(executed.Status)).Inc()

	c.recorder.Record(ctx, audit.Event{
		Action:     model.AuditTransactionExecuted,
		EntityType: model.EntityTransaction,
		EntityID:   id,
		Detail: map[string]any{
			"tx_hash":      executed.TxHash,
			"block_number": executed.BlockNumber,
			"amount":       executed.Amount.String(),
			"destination":  executed.Destination,
		},
	})
	return executed, nil
}

// FailExecution returns an EXECUTING transaction to FULLY_SIGNED after a
// failed submission. With hold set the sweep stops retrying it until an
// operator releases it.
func (c *Coordinator) FailExecution(ctx context.Context, id string, cause error, attempts int, hold bool) (*model.MultiSigTransaction, error) {
	lastError := cause.Error()
	failed, err := c.transactions.TransitionTransaction(ctx, id,
		[]model.TransactionStatus{model.TransactionStatusExecuting}, model.TransactionStatusFullySigned,
		model.TransactionPatch{ExecutionAttempts: &attempts, ExecutionHeld: &hold, LastError: &lastError}, c.now().UTC())
	if err != nil {
		return nil, err
	}

	c.recorder.Record(ctx, audit.Event{
		Action:     model.AuditTransactionFailed,
		EntityType: model.EntityTransaction,
		EntityID:   id,
		Severity:   model.SeverityWarning,
		Detail:     map[string]any{"error": lastError, "attempts": attempts},
	})
	if hold {
		c.logger.Error("Transaction held after exhausting execution attempts",
			zap.String("transaction_id", id),
			zap.Int("attempts", attempts),
			zap.Error(cause))
		c.recorder.RecordFailure(ctx, audit.Event{
			Action:     model.AuditTransactionHeld,
			EntityType: model.EntityTransaction,
			EntityID:   id,
			Detail:     map[string]any{"attempts": attempts},
		}, errs.WithCause(errs.ErrExecutionFailed, cause))
	}
	return failed, nil
}

// CancelExecution cancels an EXECUTING transaction whose submission failed
// after its wallet was emergency locked, completing the lock cascade that
// skipped it while the call was in flight.
func (c *Coordinator) CancelExecution(ctx context.Context, id, reason string, cause error, attempts int) (*model.MultiSigTransaction, error) {
	lastError := cause.Error()
	cancelled, err := c.transactions.TransitionTransaction(ctx, id,
		[]model.TransactionStatus{model.TransactionStatusExecuting}, model.TransactionStatusCancelled,
		model.TransactionPatch{ExecutionAttempts: &attempts, LastError: &lastError, CancelReason: &reason}, c.now().UTC())
	if err != nil {
		return nil, err
	}

	c.logger.Warn("In-flight transaction cancelled by emergency lock",
		zap.String("transaction_id", id),
		zap.String("wallet_id", cancelled.WalletID),
		zap.String("reason", reason))
	c.recorder.Record(ctx, audit.Event{
		Action:     model.AuditTransactionCancelled,
		EntityType: model.EntityTransaction,
		EntityID:   id,
		Severity:   model.SeverityWarning,
		Detail:     map[string]any{"reason": reason, "wallet_id": cancelled.WalletID, "error": lastError},
	})
	c.notify(ctx, cancelled)
	return cancelled, nil
}

// Release clears an execution hold so the transaction can be executed again.
func (c *Coordinator) Release(ctx context.Context, actor model.Actor, id string) (*model.MultiSigTransaction, error) {
	if !actor.IsHuman() {
		return nil, errs.ErrHumanActorRequired
	}
	held := false
	attempts := 0
	released, err := c.transactions.TransitionTransaction(ctx, id,
		[]model.TransactionStatus{model.TransactionStatusFullySigned}, model.TransactionStatusFullySigned,
		model.TransactionPatch{ExecutionHeld: &held, ExecutionAttempts: &attempts}, c.now().UTC())
	if err != nil {
		if errors.Is(err, errs.ErrStaleState) {
			return nil, errs.Wrapf(errs.ErrInvalidTransition, "only fully signed transactions can be released")
		}
		return nil, err
	}
	c.logger.Info("Execution hold released", zap.String("transaction_id", id), zap.String("actor", actor.ID))
	return released, nil
}
