package errs

import (
	"errors"
	"fmt"
)

// Kind groups domain errors by how callers must react to them.
type Kind string

const (
	KindPolicyViolation  Kind = "policy_violation"
	KindAuthorization    Kind = "authorization_error"
	KindStateConflict    Kind = "state_conflict"
	KindLimitExceeded    Kind = "limit_exceeded"
	KindExpired          Kind = "expiry_error"
	KindExecutionFailure Kind = "execution_failure"
	KindEmergencyState   Kind = "emergency_state"
	KindNotFound         Kind = "not_found"
	KindInvalidInput     Kind = "invalid_input"
)

// Error is a classified domain error. Two errors match under errors.Is when
// their codes are equal, so a sentinel keeps matching after Wrapf adds detail.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrapf returns a copy of base with a formatted message.
func Wrapf(base *Error, format string, args ...any) error {
	return &Error{
		Kind:    base.Kind,
		Code:    base.Code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithCause returns a copy of base that also unwraps to cause.
func WithCause(base *Error, cause error) error {
	msg := base.Message
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", base.Message, cause)
	}
	return &Error{
		Kind:    base.Kind,
		Code:    base.Code,
		Message: msg,
		cause:   cause,
	}
}

// KindOf returns the kind of the first classified error in the chain, or the
// empty kind for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of the first classified error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsAlertable reports whether err must be surfaced to administrators.
// State conflicts, expiries and limit rejections are recorded but not alerted.
func IsAlertable(err error) bool {
	switch KindOf(err) {
	case KindPolicyViolation, KindAuthorization, KindExecutionFailure:
		return true
	}
	return false
}

// IsBenign reports whether err is a lost race that callers should ignore.
func IsBenign(err error) bool {
	return errors.Is(err, ErrStaleState)
}

var (
	ErrInvalidPolicy   = New(KindPolicyViolation, "invalid_policy", "invalid wallet policy")
	ErrDuplicateWallet = New(KindPolicyViolation, "duplicate_wallet", "an active wallet of this type already exists on the network")

	ErrUnauthorizedSigner = New(KindAuthorization, "unauthorized_signer", "signer is not authorized for this wallet")
	ErrHumanActorRequired = New(KindAuthorization, "human_actor_required", "action requires an authenticated admin")

	ErrDuplicateSignature     = New(KindStateConflict, "duplicate_signature", "signer already signed this transaction")
	ErrTransactionNotSignable = New(KindStateConflict, "transaction_not_signable", "transaction is not accepting signatures")
	ErrInvalidTransition      = New(KindStateConflict, "invalid_transition", "entity is not in the expected state")
	ErrStaleState             = New(KindStateConflict, "stale_state", "entity state changed concurrently")

	ErrTransactionExpired = New(KindExpired, "transaction_expired", "transaction expired")

	ErrLimitExceeded = New(KindLimitExceeded, "limit_exceeded", "spend limit exceeded")
	ErrRiskRejected  = New(KindLimitExceeded, "risk_rejected", "payout rejected by risk assessment")

	ErrExecutionFailed = New(KindExecutionFailure, "execution_failed", "on-chain execution failed")

	ErrWalletLocked    = New(KindEmergencyState, "wallet_locked", "wallet is emergency locked")
	ErrWalletNotActive = New(KindEmergencyState, "wallet_not_active", "wallet is not active")
	ErrEngineHalted    = New(KindEmergencyState, "engine_halted", "payout engine is halted")

	ErrWalletNotFound      = New(KindNotFound, "wallet_not_found", "wallet not found")
	ErrTransactionNotFound = New(KindNotFound, "transaction_not_found", "transaction not found")
	ErrPayoutNotFound      = New(KindNotFound, "payout_not_found", "payout request not found")

	ErrInvalidInput  = New(KindInvalidInput, "invalid_input", "invalid input")
	ErrUnknownAction = New(KindInvalidInput, "unknown_action", "unknown control action")
)
