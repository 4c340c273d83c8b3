package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/payout"
)

// PayoutHandler handles payout request endpoints
type PayoutHandler struct {
	handler
	payouts PayoutService
}

// NewPayoutHandler creates a new PayoutHandler
func NewPayoutHandler(payouts PayoutService, logger *zap.Logger) *PayoutHandler {
	return &PayoutHandler{handler: handler{logger: logger}, payouts: payouts}
}

// SubmitPayout handles POST /api/payouts. A repeated external_ref returns the
// original request with 200 instead of 201.
func (h *PayoutHandler) SubmitPayout(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req SubmitPayoutRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_amount", "Amount must be a decimal number")
		return
	}

	p, created, err := h.payouts.Submit(r.Context(), actor, payout.SubmitPayoutInput{
		ExternalRef:        req.ExternalRef,
		RequesterID:        req.RequesterID,
		Amount:             amount,
		Currency:           req.Currency,
		DestinationAddress: req.DestinationAddress,
		DestinationNetwork: req.DestinationNetwork,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSONResponse(w, status, toPayoutResponse(p))
}

// ListPayouts handles GET /api/payouts?status=&requester_id=&limit=
func (h *PayoutHandler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := listLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter := model.PayoutFilter{RequesterID: q.Get("requester_id"), Limit: limit}
	for _, raw := range q["status"] {
		status := model.PayoutStatus(strings.ToUpper(raw))
		if !status.Valid() {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_status", "Unknown payout status "+raw)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	list, err := h.payouts.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response := make([]PayoutResponse, 0, len(list))
	for i := range list {
		response = append(response, toPayoutResponse(&list[i]))
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// GetPayout handles GET /api/payouts/{id}
func (h *PayoutHandler) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.payouts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toPayoutResponse(p))
}
