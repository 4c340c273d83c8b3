package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
)

const (
	headerActorID   = "X-Actor-Id"
	headerActorName = "X-Actor-Name"
	headerActorRole = "X-Actor-Role"

	maxBodyBytes = 1 << 20
	maxListLimit = 500
)

type actorKey struct{}

// actorMiddleware attaches the identity set by the authentication gateway.
// The system role is reserved for the engine and never accepted from a
// request.
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerActorID))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		actor := model.Actor{
			ID:   id,
			Name: strings.TrimSpace(r.Header.Get(headerActorName)),
			Role: model.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerActorRole)))),
		}
		switch actor.Role {
		case model.RoleAdmin, model.RoleSigner, model.RoleMerchant:
		default:
			actor.Role = ""
		}
		if actor.ID == model.SystemActor.ID {
			actor = model.Actor{}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(model.Actor)
	return actor, ok && actor.ID != "" && actor.Role != ""
}

// handler holds the response helpers shared by every handler.
type handler struct {
	logger *zap.Logger
}

// writeJSONResponse writes a JSON response
func (h *handler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (h *handler) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	h.writeJSONResponse(w, statusCode, errorResponse)
}

// writeError maps a service error to its HTTP status. Unclassified errors are
// logged and reported without detail.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	if kind == "" {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}
	h.writeErrorResponse(w, statusFor(kind), errs.CodeOf(err), err.Error())
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindAuthorization:
		return http.StatusForbidden
	case errs.KindStateConflict:
		return http.StatusConflict
	case errs.KindExpired:
		return http.StatusGone
	case errs.KindPolicyViolation, errs.KindLimitExceeded:
		return http.StatusUnprocessableEntity
	case errs.KindEmergencyState:
		return http.StatusLocked
	case errs.KindExecutionFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// requireActor writes 401 and returns false when the request carries no
// usable identity.
func (h *handler) requireActor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := actorFrom(r.Context())
	if !ok {
		h.writeErrorResponse(w, http.StatusUnauthorized, "missing_actor", "X-Actor-Id and X-Actor-Role headers are required")
		return model.Actor{}, false
	}
	return actor, true
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func (h *handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return false
	}
	return true
}

// listLimit parses the optional limit query parameter.
func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errs.Wrapf(errs.ErrInvalidInput, "limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func isHalted(err error) bool {
	return errors.Is(err, errs.ErrEngineHalted)
}
