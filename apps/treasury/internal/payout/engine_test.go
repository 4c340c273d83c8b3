package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/alert"
	"treasury/apps/treasury/internal/audit"
	"treasury/apps/treasury/internal/chain"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/multisig"
	"treasury/apps/treasury/internal/repository/memory"
	"treasury/apps/treasury/internal/risk"
	"treasury/apps/treasury/internal/wallet"
)

const destination = "0x2222222222222222222222222222222222222222"

var (
	admin    = model.Actor{ID: "admin-1", Name: "Dana", Role: model.RoleAdmin}
	merchant = model.Actor{ID: "merchant-1", Role: model.RoleMerchant}
)

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    []chain.Transfer
	errs     []error
	always   error
	onSubmit func()
}

func (f *fakeSubmitter) Submit(_ context.Context, t chain.Transfer) (*chain.Receipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, t)
	n := len(f.calls)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	} else {
		err = f.always
	}
	hook := f.onSubmit
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &chain.Receipt{TxHash: fmt.Sprintf("0x%064x", n), BlockNumber: uint64(1000 + n)}, nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSubmitter) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always = err
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) types() []alert.AlertType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []alert.AlertType
	for _, a := range r.alerts {
		list = append(list, a.Type)
	}
	return list
}

type fixture struct {
	store       *memory.Store
	engine      *Engine
	wallets     *wallet.Registry
	coordinator *multisig.Coordinator
	submitter   *fakeSubmitter
	alerts      *recordingAlerter
	wallet      *model.TreasuryWallet
	now         time.Time
}

// newFixture builds an engine around a 2-of-3 payout wallet with a 10,000
// daily limit and an established merchant with prior payout volume.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:     memory.NewStore(),
		submitter: &fakeSubmitter{},
		alerts:    &recordingAlerter{},
		now:       time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	logger := zap.NewNop()

	recorder := audit.NewRecorder(f.store, f.alerts, logger).WithClock(clock)
	f.wallets = wallet.NewRegistry(f.store, recorder, nil, logger).WithClock(clock)
	f.coordinator = multisig.NewCoordinator(f.store, f.store, recorder, nil, 24*time.Hour, logger).WithClock(clock)
	f.engine = NewEngine(f.store, f.wallets, f.coordinator, f.submitter, recorder, risk.DefaultPolicy(), Config{
		WorkerID: "test-worker",
		Retry:    RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}, logger).WithClock(clock)

	_, err := f.engine.Init(ctx, DefaultControl(risk.DefaultPolicy(), 50, 30*time.Second, 3))
	require.NoError(t, err)

	f.wallet = &model.TreasuryWallet{
		ID:                 "wallet-hot",
		Type:               model.WalletTypePayoutHot,
		Network:            "ethereum",
		Address:            "0x1111111111111111111111111111111111111111",
		Signers:            []string{"alice", "bob", "carol"},
		RequiredSignatures: 2,
		SecurityTier:       model.SecurityTierMedium,
		DailyLimit:         decimal.NewFromInt(10000),
		MonthlyLimit:       decimal.NewFromInt(200000),
		Status:             model.WalletStatusActive,
		CreatedAt:          f.now,
		UpdatedAt:          f.now,
	}
	require.NoError(t, f.store.InsertWallet(ctx, f.wallet))

	f.store.PutMerchant(model.MerchantProfile{
		RequesterID: merchant.ID,
		OnboardedAt: f.now.AddDate(-1, 0, 0),
		CreatedAt:   f.now.AddDate(-1, 0, 0),
	})
	history := f.now.AddDate(0, -2, 0)
	_, _, err = f.store.InsertPayout(ctx, &model.PayoutRequest{
		ID:                 "history-1",
		RequesterID:        merchant.ID,
		Amount:             decimal.NewFromInt(20000),
		Currency:           "USDC",
		DestinationAddress: destination,
		DestinationNetwork: "ethereum",
		Status:             model.PayoutStatusExecuted,
		CreatedAt:          history,
		UpdatedAt:          history,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) submit(t *testing.T, ref string, amount int64) *model.PayoutRequest {
	t.Helper()
	f.advance(time.Second)
	p, created, err := f.engine.Submit(context.Background(), merchant, SubmitPayoutInput{
		ExternalRef:        ref,
		Amount:             decimal.NewFromInt(amount),
		Currency:           "usdc",
		DestinationAddress: destination,
		DestinationNetwork: "Ethereum",
	})
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func (f *fixture) payout(t *testing.T, id string) *model.PayoutRequest {
	t.Helper()
	p, err := f.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) transaction(t *testing.T, id string) *model.MultiSigTransaction {
	t.Helper()
	tx, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func (f *fixture) remainingDaily(t *testing.T) decimal.Decimal {
	t.Helper()
	check, err := f.wallets.CheckSpendLimit(context.Background(), f.wallet.ID, decimal.NewFromInt(1))
	require.NoError(t, err)
	return check.Usage.RemainingDaily()
}

func (f *fixture) runOnce(t *testing.T) TickResult {
	t.Helper()
	result, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	return result
}

func (f *fixture) escalated(t *testing.T, amount int64) (*model.PayoutRequest, *model.MultiSigTransaction) {
	t.Helper()
	p := f.submit(t, "", amount)
	result := f.runOnce(t)
	require.Equal(t, 1, result.Escalated)
	p = f.payout(t, p.ID)
	require.Equal(t, model.PayoutStatusManualReview, p.Status)
	return p, f.transaction(t, p.TransactionID)
}

func (f *fixture) sign(t *testing.T, txID string, signers ...string) *model.MultiSigTransaction {
	t.Helper()
	var tx *model.MultiSigTransaction
	for _, s := range signers {
		var err error
		tx, err = f.coordinator.AddSignature(context.Background(), txID, s, "sig-"+s)
		require.NoError(t, err)
	}
	return tx
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.submit(t, "order-77", 250)
	assert.Equal(t, model.PayoutStatusPending, p.Status)
	assert.Equal(t, merchant.ID, p.RequesterID)
	assert.Equal(t, "USDC", p.Currency)
	assert.Equal(t, "ethereum", p.DestinationNetwork)

	again, created, err := f.engine.Submit(ctx, merchant, SubmitPayoutInput{
		ExternalRef:        "order-77",
		Amount:             decimal.NewFromInt(999),
		Currency:           "USDC",
		DestinationAddress: destination,
		DestinationNetwork: "ethereum",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID, again.ID)
	assert.True(t, decimal.NewFromInt(250).Equal(again.Amount))

	entries, err := f.store.ListAudit(ctx, model.AuditFilter{EntityID: p.ID, Action: model.AuditPayoutSubmitted})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	valid := SubmitPayoutInput{Amount: decimal.NewFromInt(10), Currency: "USDC", DestinationAddress: destination, DestinationNetwork: "ethereum"}
	tests := []struct {
		name   string
		actor  model.Actor
		mutate func(*SubmitPayoutInput)
	}{
		{"zero amount", merchant, func(in *SubmitPayoutInput) { in.Amount = decimal.Zero }},
		{"unsupported currency", merchant, func(in *SubmitPayoutInput) { in.Currency = "DOGE" }},
		{"bad destination", merchant, func(in *SubmitPayoutInput) { in.DestinationAddress = "not-an-address" }},
		{"missing network", merchant, func(in *SubmitPayoutInput) { in.DestinationNetwork = " " }},
		{"other merchant", merchant, func(in *SubmitPayoutInput) { in.RequesterID = "merchant-2" }},
		{"no requester", admin, func(in *SubmitPayoutInput) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, _, err := f.engine.Submit(ctx, tt.actor, in)
			assert.ErrorIs(t, err, errs.ErrInvalidInput)
		})
	}
}

func TestPayoutLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A small payout from an established merchant executes directly.
	small := f.submit(t, "p-500", 500)
	result := f.runOnce(t)
	assert.Equal(t, 1, result.Executed)

	small = f.payout(t, small.ID)
	assert.Equal(t, model.PayoutStatusExecuted, small.Status)
	assert.Equal(t, model.RiskTierLow, small.RiskTier)
	assert.Equal(t, model.RiskActionAutoApprove, small.RecommendedAction)
	assert.NotEmpty(t, small.TxHash)
	assert.Equal(t, 1, small.Attempts)
	assert.Empty(t, small.TransactionID)
	assert.True(t, decimal.NewFromInt(9500).Equal(f.remainingDaily(t)))

	// A large one is scored MEDIUM and goes to the signers.
	large, tx := f.escalated(t, 8000)
	assert.Equal(t, model.RiskTierMedium, large.RiskTier)
	assert.Equal(t, model.RiskActionManualReview, large.RecommendedAction)
	assert.Equal(t, large.ID, tx.PayoutRequestID)
	assert.Equal(t, model.TransactionStatusPending, tx.Status)
	assert.Equal(t, f.wallet.ID, tx.WalletID)

	tx = f.sign(t, tx.ID, "alice")
	assert.Equal(t, model.TransactionStatusPartiallySigned, tx.Status)
	_, err := f.coordinator.AddSignature(ctx, tx.ID, "alice", "sig-again")
	assert.ErrorIs(t, err, errs.ErrDuplicateSignature)
	tx = f.sign(t, tx.ID, "bob")
	assert.Equal(t, model.TransactionStatusFullySigned, tx.Status)
	assert.Equal(t, model.PayoutStatusApproved, f.payout(t, large.ID).Status)

	// The next sweep executes the signed transaction.
	result = f.runOnce(t)
	assert.Equal(t, 1, result.Sweep.Executed)
	tx = f.transaction(t, tx.ID)
	assert.Equal(t, model.TransactionStatusExecuted, tx.Status)
	assert.NotEmpty(t, tx.TxHash)
	assert.NotZero(t, tx.BlockNumber)

	large = f.payout(t, large.ID)
	assert.Equal(t, model.PayoutStatusExecuted, large.Status)
	assert.Equal(t, tx.TxHash, large.TxHash)
	assert.Equal(t, 2, f.submitter.callCount())
	assert.True(t, decimal.NewFromInt(1500).Equal(f.remainingDaily(t)))

	// Executing again returns the stored result without a new submission.
	again, err := f.engine.ExecuteTransaction(ctx, admin, tx.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyExecuted)
	assert.Equal(t, tx.TxHash, again.TxHash)
	assert.Equal(t, tx.BlockNumber, again.BlockNumber)
	assert.Equal(t, 2, f.submitter.callCount())

	// An amount above the remaining limit is rejected with no transaction.
	over := f.submit(t, "p-15000", 15000)
	result = f.runOnce(t)
	assert.Equal(t, 1, result.Rejected)
	over = f.payout(t, over.ID)
	assert.Equal(t, model.PayoutStatusRejected, over.Status)
	assert.Empty(t, over.TransactionID)
	assert.Contains(t, over.DecisionReason, "exceeds remaining spend limit")

	txs, err := f.coordinator.List(ctx, model.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestSweep_ExpiresSignedTransactionInsteadOfExecuting(t *testing.T) {
	f := newFixture(t)
	p, tx := f.escalated(t, 8000)
	f.sign(t, tx.ID, "alice", "carol")

	f.advance(25 * time.Hour)
	result := f.runOnce(t)
	assert.Equal(t, 1, result.Sweep.Expired)
	assert.Zero(t, result.Sweep.Executed)
	assert.Zero(t, f.submitter.callCount())

	assert.Equal(t, model.TransactionStatusExpired, f.transaction(t, tx.ID).Status)
	p = f.payout(t, p.ID)
	assert.Equal(t, model.PayoutStatusCancelled, p.Status)
	assert.Contains(t, p.DecisionReason, "EXPIRED")
}

func transient(reason string) error {
	return &chain.SubmitError{Reason: reason, Transient: true, Err: errors.New("connection refused")}
}

func TestAutoExecution_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.submitter.errs = []error{transient("nonce"), transient("gas price")}

	p := f.submit(t, "", 300)
	result := f.runOnce(t)
	assert.Equal(t, 1, result.Executed)

	p = f.payout(t, p.ID)
	assert.Equal(t, model.PayoutStatusExecuted, p.Status)
	assert.Equal(t, 3, p.Attempts)
	assert.Empty(t, p.FailureReason)
}

func TestAutoExecution_ExhaustedAttemptsEscalate(t *testing.T) {
	f := newFixture(t)
	f.submitter.fail(transient("rpc down"))

	p := f.submit(t, "", 400)
	result := f.runOnce(t)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 3, f.submitter.callCount())

	p = f.payout(t, p.ID)
	assert.Equal(t, model.PayoutStatusManualReview, p.Status)
	assert.Equal(t, 3, p.Attempts)
	assert.Contains(t, p.FailureReason, "rpc down")
	require.NotEmpty(t, p.TransactionID)

	tx := f.transaction(t, p.TransactionID)
	assert.Equal(t, p.ID, tx.PayoutRequestID)
	assert.Equal(t, model.TransactionStatusPending, tx.Status)

	// The failed attempt's reservation no longer counts.
	assert.True(t, decimal.NewFromInt(10000).Equal(f.remainingDaily(t)))
	assert.Contains(t, f.alerts.types(), alert.AlertTypeExecutionFailed)
}

func TestAutoExecution_TerminalFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.submitter.fail(&chain.SubmitError{Reason: "no signing key for wallet"})

	p := f.submit(t, "", 400)
	f.runOnce(t)
	assert.Equal(t, 1, f.submitter.callCount())
	assert.Equal(t, model.PayoutStatusManualReview, f.payout(t, p.ID).Status)
}

func TestAutoExecution_BroadcastFailureIsNotResubmitted(t *testing.T) {
	f := newFixture(t)
	f.submitter.fail(&chain.SubmitError{Reason: "receipt not observed", Transient: true, Broadcast: true, TxHash: "0xfeed"})

	p := f.submit(t, "", 500)
	f.runOnce(t)
	assert.Equal(t, 1, f.submitter.callCount())

	p = f.payout(t, p.ID)
	assert.Equal(t, model.PayoutStatusManualReview, p.Status)
	assert.Empty(t, p.TransactionID)
	assert.Contains(t, p.DecisionReason, "0xfeed")
	// Funds may have left, so the reservation stays.
	assert.True(t, decimal.NewFromInt(9500).Equal(f.remainingDaily(t)))
}

func TestMultisigExecution_HeldAfterExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, tx := f.escalated(t, 6000)
	f.sign(t, tx.ID, "alice", "bob")

	f.submitter.fail(transient("rpc down"))
	result := f.runOnce(t)
	assert.Equal(t, 1, result.Sweep.Failed)
	assert.Equal(t, 3, f.submitter.callCount())

	tx = f.transaction(t, tx.ID)
	assert.Equal(t, model.TransactionStatusFullySigned, tx.Status)
	assert.True(t, tx.ExecutionHeld)
	assert.Equal(t, 3, tx.ExecutionAttempts)
	assert.Contains(t, tx.LastError, "rpc down")

	p = f.payout(t, p.ID)
	assert.Equal(t, model.PayoutStatusManualReview, p.Status)
	assert.NotEmpty(t, p.FailureReason)
	assert.True(t, decimal.NewFromInt(10000).Equal(f.remainingDaily(t)))
	assert.Contains(t, f.alerts.types(), alert.AlertTypeExecutionFailed)

	// Held transactions are left to an operator.
	f.runOnce(t)
	assert.Equal(t, 3, f.submitter.callCount())
	_, err := f.engine.ExecuteTransaction(ctx, model.SystemActor, tx.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	f.submitter.fail(nil)
	res, err := f.engine.ExecuteTransaction(ctx, admin, tx.ID)
	require.NoError(t, err)
	assert.False(t, res.AlreadyExecuted)
	assert.NotEmpty(t, res.TxHash)

	p = f.payout(t, p.ID)
	assert.Equal(t, model.PayoutStatusExecuted, p.Status)
	assert.Equal(t, res.TxHash, p.TxHash)
}

func TestMultisigExecution_LockDuringFailedCallCancels(t *testing.T) {
	tests := []struct {
		name      string
		submitErr error
	}{
		// The retry finds the wallet locked before resubmitting.
		{"retry blocked by lock", transient("nonce too low")},
		{"terminal failure", &chain.SubmitError{Reason: "gas estimation failed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			p, tx := f.escalated(t, 6000)
			f.sign(t, tx.ID, "alice", "bob")
			require.Equal(t, model.PayoutStatusApproved, f.payout(t, p.ID).Status)

			f.submitter.errs = []error{tt.submitErr}
			var once sync.Once
			f.submitter.onSubmit = func() {
				once.Do(func() {
					_, cancelled, err := f.wallets.LockEmergency(ctx, admin, f.wallet.ID, "key exposure", 0)
					require.NoError(t, err)
					assert.Empty(t, cancelled)
				})
			}

			_, err := f.engine.ExecuteTransaction(ctx, admin, tx.ID)
			assert.ErrorIs(t, err, errs.ErrWalletLocked)
			assert.Equal(t, 1, f.submitter.callCount())

			tx = f.transaction(t, tx.ID)
			assert.Equal(t, model.TransactionStatusCancelled, tx.Status)
			assert.Equal(t, "emergency lock: key exposure", tx.CancelReason)
			assert.False(t, tx.ExecutionHeld)
			assert.Empty(t, tx.TxHash)

			p = f.payout(t, p.ID)
			assert.Equal(t, model.PayoutStatusCancelled, p.Status)
			assert.Contains(t, p.DecisionReason, "emergency lock: key exposure")
			assert.True(t, decimal.NewFromInt(10000).Equal(f.remainingDaily(t)))

			// Resuming the wallet does not bring the transfer back.
			_, err = f.wallets.Resume(ctx, admin, f.wallet.ID)
			require.NoError(t, err)
			result := f.runOnce(t)
			assert.Zero(t, result.Sweep.Executed)
			assert.Equal(t, 1, f.submitter.callCount())
			assert.Equal(t, model.TransactionStatusCancelled, f.transaction(t, tx.ID).Status)
		})
	}
}

func TestMultisigExecution_LockDuringConfirmedCallSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, tx := f.escalated(t, 6000)
	f.sign(t, tx.ID, "alice", "bob")

	f.submitter.onSubmit = func() {
		_, _, err := f.wallets.LockEmergency(ctx, admin, f.wallet.ID, "key exposure", 0)
		require.NoError(t, err)
	}

	res, err := f.engine.ExecuteTransaction(ctx, admin, tx.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxHash)

	// The transfer left the wallet before the lock could stop it.
	tx = f.transaction(t, tx.ID)
	assert.Equal(t, model.TransactionStatusExecuted, tx.Status)
	p = f.payout(t, p.ID)
	assert.Equal(t, model.PayoutStatusExecuted, p.Status)
	assert.Equal(t, res.TxHash, p.TxHash)
	assert.True(t, decimal.NewFromInt(4000).Equal(f.remainingDaily(t)))

	w, err := f.wallets.Get(ctx, f.wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WalletStatusEmergencyLocked, w.Status)
}

func TestExecuteBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, first := f.escalated(t, 2000)
	_, second := f.escalated(t, 3000)
	f.sign(t, first.ID, "alice", "bob")

	results, err := f.engine.ExecuteBatch(ctx, admin, []string{first.ID, second.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NotEmpty(t, results[0].TxHash)
	assert.Empty(t, results[0].Error)
	assert.Contains(t, results[1].Error, "PENDING")
	assert.Equal(t, "missing", results[2].TransactionID)
	assert.NotEmpty(t, results[2].Error)
}

func TestEmergencyHaltAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	halted, err := f.engine.EmergencyHalt(ctx, admin, "suspected key compromise")
	require.NoError(t, err)
	assert.True(t, halted.Halted)
	assert.Equal(t, admin.ID, halted.HaltedBy)

	f.advance(time.Minute)
	again, err := f.engine.EmergencyHalt(ctx, admin, "second press")
	require.NoError(t, err)
	assert.Equal(t, halted.HaltedAt, again.HaltedAt)
	assert.Equal(t, "suspected key compromise", again.HaltReason)
	assert.Contains(t, f.alerts.types(), alert.AlertTypeEmergency)

	p := f.submit(t, "", 200)
	result := f.runOnce(t)
	assert.True(t, result.Halted)
	assert.Zero(t, result.Claimed)
	assert.Equal(t, model.PayoutStatusPending, f.payout(t, p.ID).Status)

	tx, err := f.coordinator.Propose(ctx, admin, multisig.ProposeInput{
		WalletID:    f.wallet.ID,
		Destination: destination,
		Amount:      decimal.NewFromInt(10),
		Currency:    "USDC",
		Purpose:     "gas top-up",
	})
	require.NoError(t, err)
	f.sign(t, tx.ID, "alice", "bob")
	_, err = f.engine.ExecuteTransaction(ctx, admin, tx.ID)
	assert.ErrorIs(t, err, errs.ErrEngineHalted)

	_, err = f.engine.Resume(ctx, model.SystemActor)
	assert.ErrorIs(t, err, errs.ErrHumanActorRequired)
	_, err = f.engine.Resume(ctx, model.Actor{ID: "signer-1", Role: model.RoleSigner})
	assert.ErrorIs(t, err, errs.ErrHumanActorRequired)

	resumed, err := f.engine.Resume(ctx, admin)
	require.NoError(t, err)
	assert.False(t, resumed.Halted)
	assert.Equal(t, admin.ID, resumed.ResumedBy)

	result = f.runOnce(t)
	assert.Equal(t, 1, result.Executed)
	assert.Equal(t, 1, result.Sweep.Executed)
}

func TestHaltMidBatchFinishesCurrentItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.submit(t, "", 100)
	second := f.submit(t, "", 100)

	var once sync.Once
	f.submitter.onSubmit = func() {
		once.Do(func() {
			_, err := f.engine.EmergencyHalt(ctx, admin, "operator stop")
			require.NoError(t, err)
		})
	}

	result := f.runOnce(t)
	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, 1, result.Executed)
	assert.True(t, result.Halted)

	assert.Equal(t, model.PayoutStatusExecuted, f.payout(t, first.ID).Status)
	remaining := f.payout(t, second.ID)
	assert.Equal(t, model.PayoutStatusPending, remaining.Status)
	assert.Empty(t, remaining.ClaimedBy)

	entries, err := f.store.ListAudit(ctx, model.AuditFilter{Action: model.AuditPayoutBatchSkipped})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLockedWalletDefersThenRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.wallets.LockEmergency(ctx, admin, f.wallet.ID, "suspicious outflow", 0)
	require.NoError(t, err)

	p := f.submit(t, "", 200)
	result := f.runOnce(t)
	assert.Equal(t, 1, result.Deferred)
	p = f.payout(t, p.ID)
	assert.Equal(t, model.PayoutStatusQueued, p.Status)
	assert.Contains(t, p.DecisionReason, string(model.WalletStatusEmergencyLocked))

	f.advance(time.Hour)
	result = f.runOnce(t)
	assert.Equal(t, 1, result.Deferred)
	entries, err := f.store.ListAudit(ctx, model.AuditFilter{EntityID: p.ID, Action: model.AuditPayoutDeferred})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	f.advance(DefaultMaxDeferral)
	result = f.runOnce(t)
	assert.Equal(t, 1, result.Rejected)
	p = f.payout(t, p.ID)
	assert.Equal(t, model.PayoutStatusRejected, p.Status)
	assert.Contains(t, p.DecisionReason, "deferred longer than")
	assert.Zero(t, f.submitter.callCount())
}

func TestPayoutWithoutWalletIsRejected(t *testing.T) {
	f := newFixture(t)
	p, _, err := f.engine.Submit(context.Background(), merchant, SubmitPayoutInput{
		Amount:             decimal.NewFromInt(10),
		Currency:           "USDC",
		DestinationAddress: destination,
		DestinationNetwork: "polygon",
	})
	require.NoError(t, err)

	f.runOnce(t)
	p = f.payout(t, p.ID)
	assert.Equal(t, model.PayoutStatusRejected, p.Status)
	assert.Contains(t, p.DecisionReason, "polygon")
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen []time.Duration
	f.engine.OnConfigChange(func(c model.EngineControl) { seen = append(seen, c.Interval) })

	interval := 10 * time.Second
	_, err := f.engine.UpdateConfig(ctx, model.Actor{ID: "signer-1", Role: model.RoleSigner}, model.EngineSettings{Interval: &interval})
	assert.ErrorIs(t, err, errs.ErrHumanActorRequired)

	zero := 0
	_, err = f.engine.UpdateConfig(ctx, admin, model.EngineSettings{BatchSize: &zero})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	tooFast := 100 * time.Millisecond
	_, err = f.engine.UpdateConfig(ctx, admin, model.EngineSettings{Interval: &tooFast})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	inverted := model.RiskThresholds{Low: 60, Medium: 50, High: 75}
	_, err = f.engine.UpdateConfig(ctx, admin, model.EngineSettings{Thresholds: &inverted})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	assert.Empty(t, seen)

	attempts := 5
	updated, err := f.engine.UpdateConfig(ctx, admin, model.EngineSettings{Interval: &interval, MaxAttempts: &attempts})
	require.NoError(t, err)
	assert.Equal(t, interval, updated.Interval)
	assert.Equal(t, 5, updated.MaxAttempts)
	assert.Equal(t, 50, updated.BatchSize)
	assert.Equal(t, admin.ID, updated.UpdatedBy)
	assert.Equal(t, []time.Duration{interval}, seen)

	status, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, status.Control.MaxAttempts)
	assert.Equal(t, 1, status.Queue[model.PayoutStatusExecuted])
}

func TestRunOnce_SkipsOverlappingTick(t *testing.T) {
	f := newFixture(t)
	f.engine.tickMu.Lock()
	defer f.engine.tickMu.Unlock()

	result, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(transient("timeout")))
	assert.False(t, IsRetryable(&chain.SubmitError{Reason: "reverted", Broadcast: true}))
	assert.False(t, IsRetryable(&chain.SubmitError{Reason: "unconfirmed", Transient: true, Broadcast: true}))
	assert.False(t, IsRetryable(&chain.SubmitError{Reason: "bad address"}))
	assert.False(t, IsRetryable(errors.New("unclassified")))
	assert.False(t, IsRetryable(errs.ErrEngineHalted))
}
