package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/audit"
	"treasury/apps/treasury/internal/chain"
	"treasury/apps/treasury/internal/emergency"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/multisig"
	"treasury/apps/treasury/internal/payout"
	"treasury/apps/treasury/internal/repository/memory"
	"treasury/apps/treasury/internal/risk"
	"treasury/apps/treasury/internal/wallet"
)

const destination = "0x2222222222222222222222222222222222222222"

var (
	admin    = model.Actor{ID: "admin-1", Name: "Dana", Role: model.RoleAdmin}
	alice    = model.Actor{ID: "alice", Role: model.RoleSigner}
	bob      = model.Actor{ID: "bob", Role: model.RoleSigner}
	mallory  = model.Actor{ID: "mallory", Role: model.RoleSigner}
	merchant = model.Actor{ID: "merchant-1", Role: model.RoleMerchant}
)

type testServer struct {
	router      *mux.Router
	store       *memory.Store
	coordinator *multisig.Coordinator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore()

	recorder := audit.NewRecorder(store, nil, logger)
	wallets := wallet.NewRegistry(store, recorder, nil, logger)
	coordinator := multisig.NewCoordinator(store, store, recorder, nil, 24*time.Hour, logger)
	engine := payout.NewEngine(store, wallets, coordinator, chain.NewDryRunSubmitter(logger), recorder, risk.DefaultPolicy(), payout.Config{}, logger)
	_, err := engine.Init(context.Background(), payout.DefaultControl(risk.DefaultPolicy(), 50, 30*time.Second, 3))
	require.NoError(t, err)

	server := NewServer(0, Services{
		Wallets:      wallets,
		Transactions: coordinator,
		Payouts:      engine,
		Control:      emergency.NewController(engine, wallets, coordinator, recorder, logger),
		Audit:        store,
	}, logger)
	return &testServer{router: server.Router(), store: store, coordinator: coordinator}
}

func (s *testServer) do(t *testing.T, actor *model.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(headerActorID, actor.ID)
		req.Header.Set(headerActorName, actor.Name)
		req.Header.Set(headerActorRole, string(actor.Role))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createWallet(t *testing.T) WalletResponse {
	t.Helper()
	rec := s.do(t, &admin, http.MethodPost, "/api/wallets", CreateWalletRequest{
		Type:               "payout_hot",
		Network:            "Ethereum",
		Address:            "0x1111111111111111111111111111111111111111",
		Signers:            []string{"alice", "bob", "carol"},
		RequiredSignatures: 2,
		SecurityTier:       "medium",
		DailyLimit:         ptr("10000"),
		MonthlyLimit:       ptr("200000"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[WalletResponse](t, rec)
}

func ptr(s string) *string { return &s }

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, nil, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])

	rec = s.do(t, nil, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "treasury_")
}

func TestWalletEndpoints(t *testing.T) {
	s := newTestServer(t)

	created := s.createWallet(t)
	assert.Equal(t, "PAYOUT_HOT", created.Type)
	assert.Equal(t, "ethereum", created.Network)
	assert.Equal(t, "ACTIVE", created.Status)
	assert.Equal(t, "10000", created.DailyLimit)

	rec := s.do(t, nil, http.MethodGet, "/api/wallets/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[WalletResponse](t, rec).ID)

	rec = s.do(t, nil, http.MethodGet, "/api/wallets?network=ethereum&type=PAYOUT_HOT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]WalletResponse](t, rec), 1)

	rec = s.do(t, nil, http.MethodGet, "/api/wallets/"+created.ID+"/spend", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	spend := decode[SpendResponse](t, rec)
	assert.Equal(t, "0", spend.DailySpent)
	assert.Equal(t, "10000", spend.DailyRemaining)

	rec = s.do(t, &admin, http.MethodPatch, "/api/wallets/"+created.ID+"/limits", UpdateLimitsRequest{DailyLimit: "5000", MonthlyLimit: "100000"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5000", decode[WalletResponse](t, rec).DailyLimit)

	rec = s.do(t, &admin, http.MethodPatch, "/api/wallets/"+created.ID+"/status", UpdateStatusRequest{Status: "maintenance"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MAINTENANCE", decode[WalletResponse](t, rec).Status)

	rec = s.do(t, nil, http.MethodGet, "/api/wallets/"+created.ID+"/balance", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, nil, http.MethodGet, "/api/wallets/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "wallet_not_found", decode[ErrorResponse](t, rec).Error)
}

func TestCreateWallet_Errors(t *testing.T) {
	s := newTestServer(t)
	valid := CreateWalletRequest{
		Type:               "PAYOUT_HOT",
		Network:            "ethereum",
		Address:            "0x1111111111111111111111111111111111111111",
		Signers:            []string{"alice", "bob"},
		RequiredSignatures: 2,
		SecurityTier:       "HIGH",
	}

	tests := []struct {
		name       string
		actor      *model.Actor
		body       any
		wantStatus int
		wantError  string
	}{
		{"no actor", nil, valid, http.StatusUnauthorized, "missing_actor"},
		{"signer", &alice, valid, http.StatusForbidden, "human_actor_required"},
		{"threshold above signers", &admin, func() CreateWalletRequest { r := valid; r.RequiredSignatures = 3; return r }(), http.StatusUnprocessableEntity, "invalid_policy"},
		{"unknown field", &admin, `{"type":"PAYOUT_HOT","colour":"red"}`, http.StatusBadRequest, "invalid_request_body"},
		{"bad limit", &admin, func() CreateWalletRequest { r := valid; r.DailyLimit = ptr("ten"); return r }(), http.StatusBadRequest, "invalid_daily_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.actor, http.MethodPost, "/api/wallets", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantError, decode[ErrorResponse](t, rec).Error)
		})
	}

	rec := s.do(t, nil, http.MethodGet, "/api/wallets", nil)
	assert.Empty(t, decode[[]WalletResponse](t, rec))
}

func TestTransactionSigningAndExecution(t *testing.T) {
	s := newTestServer(t)
	w := s.createWallet(t)

	tx, err := s.coordinator.Propose(context.Background(), admin, multisig.ProposeInput{
		WalletID:    w.ID,
		Destination: destination,
		Amount:      decimal.NewFromInt(8000),
		Currency:    "USDC",
		Purpose:     "vendor settlement",
	})
	require.NoError(t, err)
	path := "/api/transactions/" + tx.ID

	rec := s.do(t, &alice, http.MethodPost, path+"/signatures", SignatureRequest{Signature: "sig-a"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "PARTIALLY_SIGNED", decode[TransactionResponse](t, rec).Status)

	rec = s.do(t, &alice, http.MethodPost, path+"/signatures", SignatureRequest{Signature: "sig-a2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_signature", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, &mallory, http.MethodPost, path+"/signatures", SignatureRequest{Signature: "sig-m"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized_signer", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, &alice, http.MethodPost, path+"/signatures", SignatureRequest{Signer: "bob", Signature: "forged"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, &bob, http.MethodPost, path+"/signatures", SignatureRequest{Signature: "sig-b"})
	require.Equal(t, http.StatusOK, rec.Code)
	signed := decode[TransactionResponse](t, rec)
	assert.Equal(t, "FULLY_SIGNED", signed.Status)
	assert.Len(t, signed.Signatures, 2)

	rec = s.do(t, nil, http.MethodGet, "/api/transactions?status=fully_signed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]TransactionResponse](t, rec), 1)

	rec = s.do(t, &admin, http.MethodPost, path+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[payout.ExecutionResult](t, rec)
	assert.NotEmpty(t, first.TxHash)
	assert.False(t, first.AlreadyExecuted)

	rec = s.do(t, &admin, http.MethodPost, path+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[payout.ExecutionResult](t, rec)
	assert.True(t, again.AlreadyExecuted)
	assert.Equal(t, first.TxHash, again.TxHash)
	assert.Equal(t, first.BlockNumber, again.BlockNumber)

	rec = s.do(t, nil, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EXECUTED", decode[TransactionResponse](t, rec).Status)

	rec = s.do(t, &alice, http.MethodPost, path+"/withdraw", WithdrawRequest{Reason: "too late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, &admin, http.MethodPost, "/api/transactions/execute", BatchExecuteRequest{TransactionIDs: []string{tx.ID, "missing"}})
	require.Equal(t, http.StatusOK, rec.Code)
	batch := decode[BatchExecuteResponse](t, rec)
	require.Len(t, batch.Results, 2)
	assert.True(t, batch.Results[0].AlreadyExecuted)
	assert.NotEmpty(t, batch.Results[1].Error)
	assert.False(t, batch.Halted)
}

func TestWithdrawTransaction(t *testing.T) {
	s := newTestServer(t)
	w := s.createWallet(t)
	tx, err := s.coordinator.Propose(context.Background(), admin, multisig.ProposeInput{
		WalletID:    w.ID,
		Destination: destination,
		Amount:      decimal.NewFromInt(50),
		Currency:    "USDC",
	})
	require.NoError(t, err)

	rec := s.do(t, &alice, http.MethodPost, "/api/transactions/"+tx.ID+"/withdraw", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	withdrawn := decode[TransactionResponse](t, rec)
	assert.Equal(t, "CANCELLED", withdrawn.Status)
	assert.Equal(t, "withdrawn by alice", withdrawn.CancelReason)
}

func TestPayoutEndpoints(t *testing.T) {
	s := newTestServer(t)
	req := SubmitPayoutRequest{
		ExternalRef:        "order-1",
		Amount:             "250.00",
		Currency:           "usdc",
		DestinationAddress: destination,
		DestinationNetwork: "ethereum",
	}

	rec := s.do(t, &merchant, http.MethodPost, "/api/payouts", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[PayoutResponse](t, rec)
	assert.Equal(t, "PENDING", created.Status)
	assert.Equal(t, merchant.ID, created.RequesterID)
	assert.Equal(t, "250", created.Amount)

	rec = s.do(t, &merchant, http.MethodPost, "/api/payouts", req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[PayoutResponse](t, rec).ID)

	bad := req
	bad.Amount = "-5"
	bad.ExternalRef = "order-2"
	rec = s.do(t, &merchant, http.MethodPost, "/api/payouts", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, nil, http.MethodGet, "/api/payouts/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "order-1", decode[PayoutResponse](t, rec).ExternalRef)

	rec = s.do(t, nil, http.MethodGet, "/api/payouts?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PayoutResponse](t, rec), 1)

	rec = s.do(t, nil, http.MethodGet, "/api/payouts?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, nil, http.MethodGet, "/api/payouts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEngineAndControlEndpoints(t *testing.T) {
	s := newTestServer(t)
	w := s.createWallet(t)
	pending, err := s.coordinator.Propose(context.Background(), admin, multisig.ProposeInput{
		WalletID:    w.ID,
		Destination: destination,
		Amount:      decimal.NewFromInt(75),
		Currency:    "USDC",
	})
	require.NoError(t, err)

	rec := s.do(t, nil, http.MethodGet, "/api/engine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[EngineStatusResponse](t, rec)
	assert.False(t, status.Control.Halted)
	assert.Equal(t, "30s", status.Control.Interval)

	rec = s.do(t, &admin, http.MethodPatch, "/api/engine/config", EngineConfigRequest{Interval: ptr("10s"), AutoApproveCeiling: ptr("2500")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[EngineControlResponse](t, rec)
	assert.Equal(t, "10s", updated.Interval)
	assert.Equal(t, "2500", updated.AutoApproveCeiling)

	rec = s.do(t, &admin, http.MethodPatch, "/api/engine/config", EngineConfigRequest{Thresholds: &model.RiskThresholds{Low: 50, Medium: 40, High: 90}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, &alice, http.MethodPost, "/api/control", `{"action":"halt","params":{"reason":"test"}}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, &admin, http.MethodPost, "/api/control", `{"action":"self_destruct"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_action", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, &admin, http.MethodPost, "/api/control", `{"action":"halt","params":{"reason":"key compromise"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	halted := decode[ControlResponse](t, rec)
	assert.True(t, halted.Applied)
	require.NotNil(t, halted.Control)
	assert.True(t, halted.Control.Halted)

	rec = s.do(t, &admin, http.MethodPost, "/api/transactions/execute", BatchExecuteRequest{TransactionIDs: []string{pending.ID}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[BatchExecuteResponse](t, rec).Halted)

	rec = s.do(t, &admin, http.MethodPost, "/api/transactions/"+pending.ID+"/execute", nil)
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "engine_halted", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, &admin, http.MethodPost, "/api/control", map[string]any{
		"action": "lock_wallet",
		"params": map[string]any{"wallet_id": w.ID, "reason": "investigation", "duration_hours": 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	locked := decode[ControlResponse](t, rec)
	require.NotNil(t, locked.Wallet)
	assert.Equal(t, "EMERGENCY_LOCKED", locked.Wallet.Status)
	require.NotNil(t, locked.Lock)
	assert.NotNil(t, locked.Lock.UnlockAt)
	assert.Equal(t, []string{pending.ID}, locked.CancelledTransactions)

	rec = s.do(t, nil, http.MethodGet, "/api/wallets/"+w.ID+"/locks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]LockResponse](t, rec), 1)

	rec = s.do(t, nil, http.MethodGet, "/api/audit?entity_type=wallet&entity_id="+w.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]AuditEntryResponse](t, rec)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, string(model.AuditWalletLocked))

	rec = s.do(t, nil, http.MethodGet, "/api/audit?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActorMiddleware_RejectsSystemIdentity(t *testing.T) {
	s := newTestServer(t)
	system := model.SystemActor
	rec := s.do(t, &system, http.MethodPost, "/api/control", `{"action":"resume"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	unknownRole := model.Actor{ID: "eve", Role: "root"}
	rec = s.do(t, &unknownRole, http.MethodPost, "/api/control", `{"action":"resume"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
