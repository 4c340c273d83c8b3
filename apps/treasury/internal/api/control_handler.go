package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/emergency"
	"treasury/apps/treasury/internal/model"
)

// ControlHandler handles engine status, engine configuration, emergency
// control and audit endpoints
type ControlHandler struct {
	handler
	payouts PayoutService
	control ControlService
	audit   AuditReader
}

// NewControlHandler creates a new ControlHandler
func NewControlHandler(payouts PayoutService, control ControlService, audit AuditReader, logger *zap.Logger) *ControlHandler {
	return &ControlHandler{handler: handler{logger: logger}, payouts: payouts, control: control, audit: audit}
}

// GetEngine handles GET /api/engine
func (h *ControlHandler) GetEngine(w http.ResponseWriter, r *http.Request) {
	status, err := h.payouts.Status(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	queue := make(map[string]int, len(status.Queue))
	for s, n := range status.Queue {
		queue[string(s)] = n
	}
	h.writeJSONResponse(w, http.StatusOK, EngineStatusResponse{
		Control: toEngineControlResponse(&status.Control),
		Queue:   queue,
	})
}

// UpdateConfig handles PATCH /api/engine/config
func (h *ControlHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req EngineConfigRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	settings := model.EngineSettings{
		BatchSize:   req.BatchSize,
		MaxAttempts: req.MaxAttempts,
		Thresholds:  req.Thresholds,
	}
	if req.Interval != nil {
		interval, err := time.ParseDuration(*req.Interval)
		if err != nil {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_interval", "Interval must be a duration such as 30s")
			return
		}
		settings.Interval = &interval
	}
	if req.AutoApproveCeiling != nil {
		ceiling, err := decimal.NewFromString(*req.AutoApproveCeiling)
		if err != nil {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_auto_approve_ceiling", "Auto-approve ceiling must be a decimal number")
			return
		}
		settings.AutoApproveCeiling = &ceiling
	}

	control, err := h.payouts.UpdateConfig(r.Context(), actor, settings)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toEngineControlResponse(control))
}

// Apply handles POST /api/control with an {"action": ..., "params": {...}}
// envelope.
func (h *ControlHandler) Apply(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Failed to read request body")
		return
	}
	action, err := emergency.Decode(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.control.Apply(r.Context(), actor, action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response := ControlResponse{
		Action:                string(result.Action),
		Applied:               result.Applied,
		CancelledTransactions: result.CancelledTransactions,
	}
	if result.Control != nil {
		c := toEngineControlResponse(result.Control)
		response.Control = &c
	}
	if result.Wallet != nil {
		wr := toWalletResponse(result.Wallet)
		response.Wallet = &wr
	}
	if result.Lock != nil {
		l := toLockResponse(result.Lock)
		response.Lock = &l
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// ListAudit handles GET /api/audit?entity_type=&entity_id=&action=&limit=
func (h *ControlHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := listLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit == 0 {
		limit = 100
	}

	entries, err := h.audit.ListAudit(r.Context(), model.AuditFilter{
		EntityType: model.EntityType(strings.ToLower(q.Get("entity_type"))),
		EntityID:   q.Get("entity_id"),
		Action:     model.AuditAction(strings.ToLower(q.Get("action"))),
		Limit:      limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		response = append(response, toAuditEntryResponse(e))
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}
