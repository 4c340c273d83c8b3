package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
)

const maxBatchSize = 100

// TransactionHandler handles multisig transaction endpoints
type TransactionHandler struct {
	handler
	transactions TransactionService
	executor     PayoutService
}

// NewTransactionHandler creates a new TransactionHandler
func NewTransactionHandler(transactions TransactionService, executor PayoutService, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{handler: handler{logger: logger}, transactions: transactions, executor: executor}
}

// ListTransactions handles GET /api/transactions?status=&wallet_id=&limit=
func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := listLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter := model.TransactionFilter{WalletID: q.Get("wallet_id"), Limit: limit}
	for _, raw := range q["status"] {
		status := model.TransactionStatus(strings.ToUpper(raw))
		if !status.Valid() {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_status", "Unknown transaction status "+raw)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	list, err := h.transactions.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response := make([]TransactionResponse, 0, len(list))
	for i := range list {
		response = append(response, toTransactionResponse(&list[i]))
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// GetTransaction handles GET /api/transactions/{id}
func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.transactions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toTransactionResponse(tx))
}

// AddSignature handles POST /api/transactions/{id}/signatures
func (h *TransactionHandler) AddSignature(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req SignatureRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Signer != "" && req.Signer != actor.ID {
		h.writeErrorResponse(w, http.StatusForbidden, errs.CodeOf(errs.ErrUnauthorizedSigner), "Signatures can only be submitted by the signer")
		return
	}
	if strings.TrimSpace(req.Signature) == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_signature", "Signature is required")
		return
	}

	tx, err := h.transactions.AddSignature(r.Context(), mux.Vars(r)["id"], actor.ID, req.Signature)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toTransactionResponse(tx))
}

// Execute handles POST /api/transactions/{id}/execute
func (h *TransactionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	result, err := h.executor.ExecuteTransaction(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// ExecuteBatch handles POST /api/transactions/execute
func (h *TransactionHandler) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req BatchExecuteRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if len(req.TransactionIDs) == 0 || len(req.TransactionIDs) > maxBatchSize {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_batch", "Between 1 and 100 transaction ids are required")
		return
	}

	results, err := h.executor.ExecuteBatch(r.Context(), actor, req.TransactionIDs)
	if err != nil && !isHalted(err) {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, BatchExecuteResponse{Results: results, Halted: err != nil})
}

// Withdraw handles POST /api/transactions/{id}/withdraw
func (h *TransactionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req WithdrawRequest
	if r.ContentLength != 0 && !h.decodeBody(w, r, &req) {
		return
	}

	tx, err := h.transactions.Withdraw(r.Context(), actor, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toTransactionResponse(tx))
}
