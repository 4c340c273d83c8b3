package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/wallet"
)

// WalletHandler handles wallet registry endpoints
type WalletHandler struct {
	handler
	wallets  WalletService
	balances BalanceService
}

// NewWalletHandler creates a new WalletHandler
func NewWalletHandler(wallets WalletService, balances BalanceService, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{handler: handler{logger: logger}, wallets: wallets, balances: balances}
}

// CreateWallet handles POST /api/wallets
func (h *WalletHandler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req CreateWalletRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	daily, err := parseAmount(req.DailyLimit)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_daily_limit", "Daily limit must be a decimal number")
		return
	}
	monthly, err := parseAmount(req.MonthlyLimit)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_monthly_limit", "Monthly limit must be a decimal number")
		return
	}

	created, err := h.wallets.Create(r.Context(), actor, wallet.CreateWalletInput{
		Type:               model.WalletType(strings.ToUpper(req.Type)),
		Network:            req.Network,
		Address:            req.Address,
		Signers:            req.Signers,
		RequiredSignatures: req.RequiredSignatures,
		SecurityTier:       model.SecurityTier(strings.ToUpper(req.SecurityTier)),
		DailyLimit:         daily,
		MonthlyLimit:       monthly,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, toWalletResponse(created))
}

// ListWallets handles GET /api/wallets?network=&type=&status=
func (h *WalletHandler) ListWallets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.wallets.List(r.Context(), model.WalletFilter{
		Network: strings.ToLower(q.Get("network")),
		Type:    model.WalletType(strings.ToUpper(q.Get("type"))),
		Status:  model.WalletStatus(strings.ToUpper(q.Get("status"))),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response := make([]WalletResponse, 0, len(list))
	for i := range list {
		response = append(response, toWalletResponse(&list[i]))
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// GetWallet handles GET /api/wallets/{id}
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	found, err := h.wallets.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toWalletResponse(found))
}

// UpdateLimits handles PATCH /api/wallets/{id}/limits
func (h *WalletHandler) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req UpdateLimitsRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	daily, err := decimal.NewFromString(req.DailyLimit)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_daily_limit", "Daily limit must be a decimal number")
		return
	}
	monthly, err := decimal.NewFromString(req.MonthlyLimit)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_monthly_limit", "Monthly limit must be a decimal number")
		return
	}

	updated, err := h.wallets.UpdateLimits(r.Context(), actor, mux.Vars(r)["id"], daily, monthly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toWalletResponse(updated))
}

// UpdateStatus handles PATCH /api/wallets/{id}/status
func (h *WalletHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	updated, err := h.wallets.UpdateStatus(r.Context(), actor, mux.Vars(r)["id"], model.WalletStatus(strings.ToUpper(req.Status)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toWalletResponse(updated))
}

// GetSpend handles GET /api/wallets/{id}/spend
func (h *WalletHandler) GetSpend(w http.ResponseWriter, r *http.Request) {
	check, err := h.wallets.CheckSpendLimit(r.Context(), mux.Vars(r)["id"], decimal.Zero)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toSpendResponse(check.Usage))
}

// GetBalance handles GET /api/wallets/{id}/balance
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	if h.balances == nil {
		h.writeErrorResponse(w, http.StatusServiceUnavailable, "chain_unavailable", "No blockchain endpoint is configured")
		return
	}
	found, err := h.wallets.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	balances, err := h.balances.Balances(r.Context(), found.Address)
	if err != nil {
		h.logger.Error("Failed to read wallet balances", zap.String("wallet_id", found.ID), zap.Error(err))
		h.writeErrorResponse(w, http.StatusBadGateway, "balance_error", "Failed to read on-chain balances")
		return
	}
	h.writeJSONResponse(w, http.StatusOK, BalanceResponse{
		WalletID:      found.ID,
		WalletAddress: found.Address,
		Balances:      balances,
	})
}

// ListLocks handles GET /api/wallets/{id}/locks
func (h *WalletHandler) ListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.wallets.Locks(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response := make([]LockResponse, 0, len(locks))
	for i := range locks {
		response = append(response, toLockResponse(&locks[i]))
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}
