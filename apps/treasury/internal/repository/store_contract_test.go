package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/repository"
)

// runStoreContract exercises the behaviour every Store implementation must
// share. newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("wallet uniqueness and status transitions", func(t *testing.T) { testWallets(t, newStore(t)) })
	t.Run("spend ledger", func(t *testing.T) { testSpendLedger(t, newStore(t)) })
	t.Run("signatures", func(t *testing.T) { testSignatures(t, newStore(t)) })
	t.Run("emergency lock cascade", func(t *testing.T) { testLockWallet(t, newStore(t)) })
	t.Run("payout claims", func(t *testing.T) { testPayoutClaims(t, newStore(t)) })
	t.Run("audit outbox", func(t *testing.T) { testAuditOutbox(t, newStore(t)) })
	t.Run("engine control", func(t *testing.T) { testControl(t, newStore(t)) })
}

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newWallet(walletType model.WalletType, network string) *model.TreasuryWallet {
	return &model.TreasuryWallet{
		ID:                 uuid.New().String(),
		Type:               walletType,
		Network:            network,
		Address:            "0x1111111111111111111111111111111111111111",
		Signers:            []string{"alice", "bob", "carol"},
		RequiredSignatures: 2,
		SecurityTier:       model.SecurityTierHigh,
		DailyLimit:         decimal.NewFromInt(1000),
		MonthlyLimit:       decimal.NewFromInt(5000),
		Status:             model.WalletStatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func newTransaction(walletID string) *model.MultiSigTransaction {
	return &model.MultiSigTransaction{
		ID:          uuid.New().String(),
		WalletID:    walletID,
		Destination: "0x2222222222222222222222222222222222222222",
		Amount:      decimal.NewFromInt(100),
		Currency:    "USDC",
		Status:      model.TransactionStatusPending,
		ExpiresAt:   now.Add(24 * time.Hour),
		CreatedBy:   "admin-1",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func testWallets(t *testing.T, store repository.Store) {
	ctx := context.Background()
	w := newWallet(model.WalletTypePayoutHot, "ethereum")
	require.NoError(t, store.InsertWallet(ctx, w))

	err := store.InsertWallet(ctx, newWallet(model.WalletTypePayoutHot, "ethereum"))
	assert.ErrorIs(t, err, errs.ErrDuplicateWallet)
	require.NoError(t, store.InsertWallet(ctx, newWallet(model.WalletTypePayoutHot, "polygon")))

	got, err := store.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Signers, got.Signers)
	assert.True(t, got.DailyLimit.Equal(w.DailyLimit))

	_, err = store.GetWallet(ctx, uuid.New().String())
	assert.ErrorIs(t, err, errs.ErrWalletNotFound)

	updated, err := store.TransitionWalletStatus(ctx, w.ID, []model.WalletStatus{model.WalletStatusActive}, model.WalletStatusMaintenance, now)
	require.NoError(t, err)
	assert.Equal(t, model.WalletStatusMaintenance, updated.Status)

	_, err = store.TransitionWalletStatus(ctx, w.ID, []model.WalletStatus{model.WalletStatusActive}, model.WalletStatusInactive, now)
	assert.ErrorIs(t, err, errs.ErrStaleState)

	list, err := store.ListWallets(ctx, model.WalletFilter{Network: "ethereum"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, w.ID, list[0].ID)

	found, err := store.FindPayoutWallet(ctx, "polygon")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, model.WalletTypePayoutHot, found.Type)

	none, err := store.FindPayoutWallet(ctx, "solana")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testSpendLedger(t *testing.T, store repository.Store) {
	ctx := context.Background()
	w := newWallet(model.WalletTypePayoutHot, "ethereum")
	require.NoError(t, store.InsertWallet(ctx, w))

	reserve := func(reference string, amount int64, at time.Time) (model.SpendUsage, error) {
		return store.ReserveSpend(ctx, &model.SpendReservation{
			ID:         uuid.New().String(),
			WalletID:   w.ID,
			Reference:  reference,
			Amount:     decimal.NewFromInt(amount),
			ReservedAt: at,
		})
	}

	usage, err := reserve("tx-1", 600, now)
	require.NoError(t, err)
	assert.True(t, usage.DailySpent.Equal(decimal.NewFromInt(600)), usage.DailySpent.String())

	// Same reference again is a no-op.
	usage, err = reserve("tx-1", 600, now)
	require.NoError(t, err)
	assert.True(t, usage.DailySpent.Equal(decimal.NewFromInt(600)), usage.DailySpent.String())

	_, err = reserve("tx-2", 500, now)
	assert.ErrorIs(t, err, errs.ErrLimitExceeded)

	// Yesterday's spend only counts towards the month.
	_, err = reserve("tx-3", 900, now.Add(-24*time.Hour))
	require.NoError(t, err)
	usage, err = store.SpendUsage(ctx, w.ID, now)
	require.NoError(t, err)
	assert.True(t, usage.DailySpent.Equal(decimal.NewFromInt(600)), usage.DailySpent.String())
	assert.True(t, usage.MonthlySpent.Equal(decimal.NewFromInt(1500)), usage.MonthlySpent.String())

	// Spend dated after the query time belongs to its own windows.
	_, err = reserve("tx-5", 300, now.Add(24*time.Hour))
	require.NoError(t, err)
	_, err = reserve("tx-6", 200, time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	usage, err = store.SpendUsage(ctx, w.ID, now)
	require.NoError(t, err)
	assert.True(t, usage.DailySpent.Equal(decimal.NewFromInt(600)), usage.DailySpent.String())
	assert.True(t, usage.MonthlySpent.Equal(decimal.NewFromInt(1800)), usage.MonthlySpent.String())
	april, err := store.SpendUsage(ctx, w.ID, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, april.DailySpent.Equal(decimal.NewFromInt(200)), april.DailySpent.String())
	assert.True(t, april.MonthlySpent.Equal(decimal.NewFromInt(200)), april.MonthlySpent.String())

	released, err := store.ReleaseSpend(ctx, w.ID, "tx-1", now)
	require.NoError(t, err)
	assert.True(t, released)
	released, err = store.ReleaseSpend(ctx, w.ID, "tx-1", now)
	require.NoError(t, err)
	assert.False(t, released)

	_, err = reserve("tx-2", 500, now)
	require.NoError(t, err)

	_, err = store.TransitionWalletStatus(ctx, w.ID, []model.WalletStatus{model.WalletStatusActive}, model.WalletStatusInactive, now)
	require.NoError(t, err)
	_, err = reserve("tx-4", 1, now)
	assert.ErrorIs(t, err, errs.ErrWalletNotActive)
}

func testSignatures(t *testing.T, store repository.Store) {
	ctx := context.Background()
	w := newWallet(model.WalletTypePayoutHot, "ethereum")
	require.NoError(t, store.InsertWallet(ctx, w))
	tx := newTransaction(w.ID)
	require.NoError(t, store.InsertTransaction(ctx, tx))

	sign := func(signer string, at time.Time) (*model.MultiSigTransaction, error) {
		return store.AppendSignature(ctx, tx.ID, model.Signature{Signer: signer, Signature: "sig-" + signer, SignedAt: at}, w.RequiredSignatures)
	}

	got, err := sign("alice", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusPartiallySigned, got.Status)

	_, err = sign("alice", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, errs.ErrDuplicateSignature)

	_, err = sign("bob", now.Add(48*time.Hour))
	assert.ErrorIs(t, err, errs.ErrTransactionExpired)

	got, err = sign("bob", now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusFullySigned, got.Status)
	assert.Len(t, got.Signatures, 2)

	_, err = sign("carol", now.Add(4*time.Minute))
	assert.ErrorIs(t, err, errs.ErrTransactionNotSignable)

	hash := "0xabc"
	block := uint64(42)
	executed, err := store.TransitionTransaction(ctx, tx.ID,
		[]model.TransactionStatus{model.TransactionStatusFullySigned}, model.TransactionStatusExecuted,
		model.TransactionPatch{TxHash: &hash, BlockNumber: &block, ExecutedAt: &now}, now)
	require.NoError(t, err)
	assert.Equal(t, hash, executed.TxHash)
	assert.Equal(t, block, executed.BlockNumber)

	_, err = store.TransitionTransaction(ctx, tx.ID,
		[]model.TransactionStatus{model.TransactionStatusFullySigned}, model.TransactionStatusCancelled,
		model.TransactionPatch{}, now)
	assert.ErrorIs(t, err, errs.ErrStaleState)
}

func testLockWallet(t *testing.T, store repository.Store) {
	ctx := context.Background()
	w := newWallet(model.WalletTypeMainReserve, "ethereum")
	require.NoError(t, store.InsertWallet(ctx, w))

	pending := newTransaction(w.ID)
	require.NoError(t, store.InsertTransaction(ctx, pending))
	executing := newTransaction(w.ID)
	require.NoError(t, store.InsertTransaction(ctx, executing))
	_, err := store.TransitionTransaction(ctx, executing.ID, model.SignableStatuses, model.TransactionStatusExecuting, model.TransactionPatch{}, now)
	require.NoError(t, err)

	unlockAt := now.Add(time.Hour)
	lock := &model.EmergencyLock{
		ID:       uuid.New().String(),
		WalletID: w.ID,
		Reason:   "key exposure",
		LockedBy: "admin-1",
		LockedAt: now,
		UnlockAt: &unlockAt,
	}
	cancelled, err := store.LockWallet(ctx, lock, "emergency lock: key exposure")
	require.NoError(t, err)
	assert.Equal(t, []string{pending.ID}, cancelled)

	got, err := store.GetTransaction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusCancelled, got.Status)
	assert.Equal(t, "emergency lock: key exposure", got.CancelReason)

	got, err = store.GetTransaction(ctx, executing.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusExecuting, got.Status)

	locked, err := store.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WalletStatusEmergencyLocked, locked.Status)

	err = store.InsertTransaction(ctx, newTransaction(w.ID))
	assert.ErrorIs(t, err, errs.ErrWalletLocked)

	active, err := store.ActiveLock(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, lock.ID, active.ID)

	due, err := store.ListDueLocks(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = store.ListDueLocks(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 1)

	released, err := store.ReleaseLock(ctx, lock.ID, "system", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "system", released.ReleasedBy)
	_, err = store.ReleaseLock(ctx, lock.ID, "admin-1", now.Add(time.Hour))
	assert.ErrorIs(t, err, errs.ErrStaleState)

	active, err = store.ActiveLock(ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	locks, err := store.ListLocks(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, locks, 1)
}

func testPayoutClaims(t *testing.T, store repository.Store) {
	ctx := context.Background()
	insert := func(ref string, createdAt time.Time) *model.PayoutRequest {
		p, created, err := store.InsertPayout(ctx, &model.PayoutRequest{
			ID:                 uuid.New().String(),
			ExternalRef:        ref,
			RequesterID:        "merchant-1",
			Amount:             decimal.NewFromInt(250),
			Currency:           "USDC",
			DestinationAddress: "0x2222222222222222222222222222222222222222",
			DestinationNetwork: "ethereum",
			Status:             model.PayoutStatusPending,
			CreatedAt:          createdAt,
			UpdatedAt:          createdAt,
		})
		require.NoError(t, err)
		require.True(t, created)
		return p
	}

	first := insert("order-1", now)
	second := insert("order-2", now.Add(time.Second))

	dup, created, err := store.InsertPayout(ctx, &model.PayoutRequest{
		ID:          uuid.New().String(),
		ExternalRef: "order-1",
		RequesterID: "merchant-1",
		Amount:      decimal.NewFromInt(1),
		Currency:    "USDC",
		Status:      model.PayoutStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	claimed, err := store.ClaimPayouts(ctx, "worker-a", 1, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.ID, claimed[0].ID)

	// The lease hides the first request from other workers until it lapses.
	claimed, err = store.ClaimPayouts(ctx, "worker-b", 10, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, second.ID, claimed[0].ID)

	claimed, err = store.ClaimPayouts(ctx, "worker-b", 10, time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	reason := "risk score 12.0 within auto-approve tier"
	tier := model.RiskTierLow
	approved, err := store.TransitionPayout(ctx, first.ID, model.ClaimableStatuses, model.PayoutStatusAutoApproved,
		model.PayoutPatch{DecisionReason: &reason, RiskTier: &tier}, now)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusAutoApproved, approved.Status)
	assert.Equal(t, reason, approved.DecisionReason)
	assert.Empty(t, approved.ClaimedBy)

	_, err = store.TransitionPayout(ctx, first.ID, model.ClaimableStatuses, model.PayoutStatusRejected, model.PayoutPatch{}, now)
	assert.ErrorIs(t, err, errs.ErrStaleState)

	counts, err := store.CountPayoutsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.PayoutStatusPending])
	assert.Equal(t, 1, counts[model.PayoutStatusAutoApproved])

	list, err := store.ListPayouts(ctx, model.PayoutFilter{Statuses: []model.PayoutStatus{model.PayoutStatusPending}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
}

func testAuditOutbox(t *testing.T, store repository.Store) {
	ctx := context.Background()
	walletID := uuid.New().String()
	for _, action := range []model.AuditAction{model.AuditWalletLocked, model.AuditWalletUnlocked} {
		require.NoError(t, store.AppendAudit(ctx, &model.AuditLogEntry{
			ID:            uuid.New().String(),
			Action:        action,
			ActorID:       "admin-1",
			ActorRole:     model.RoleAdmin,
			EntityType:    model.EntityWallet,
			EntityID:      walletID,
			Severity:      model.SeverityCritical,
			Detail:        map[string]any{"reason": "drill"},
			CreatedAt:     now,
			PublishStatus: model.PublishUnsent,
		}))
	}

	entries, err := store.ListAudit(ctx, model.AuditFilter{EntityType: model.EntityWallet, EntityID: walletID})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	claimed, err := store.ClaimUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	again, err := store.ClaimUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, store.MarkPublished(ctx, claimed[0].ID))
	require.NoError(t, store.MarkUnpublished(ctx, claimed[1].ID))

	retry, err := store.ClaimUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, claimed[1].ID, retry[0].ID)
}

func testControl(t *testing.T, store repository.Store) {
	ctx := context.Background()
	defaults := model.EngineControl{
		BatchSize:          50,
		Interval:           30 * time.Second,
		MaxAttempts:        3,
		Thresholds:         model.RiskThresholds{Low: 30, Medium: 60, High: 85},
		AutoApproveCeiling: decimal.NewFromInt(1000),
		UpdatedAt:          now,
	}
	control, err := store.EnsureControl(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, control.Interval)

	defaults.BatchSize = 5
	control, err = store.EnsureControl(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, 50, control.BatchSize)

	changed, control, err := store.SetHalted(ctx, true, "incident", "admin-1", now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, control.Halted)
	assert.Equal(t, "admin-1", control.HaltedBy)

	changed, _, err = store.SetHalted(ctx, true, "again", "admin-2", now)
	require.NoError(t, err)
	assert.False(t, changed)

	interval := 10 * time.Second
	control, err = store.UpdateSettings(ctx, model.EngineSettings{Interval: &interval}, "admin-1", now)
	require.NoError(t, err)
	assert.Equal(t, interval, control.Interval)
	assert.Equal(t, 50, control.BatchSize)
	assert.True(t, control.Halted)
}
