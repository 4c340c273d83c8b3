package api

import (
	"time"

	"github.com/shopspring/decimal"
	"treasury/apps/treasury/internal/chain"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/payout"
)

// WalletResponse represents a treasury wallet
type WalletResponse struct {
	ID                 string    `json:"id"`
	Type               string    `json:"type"`
	Network            string    `json:"network"`
	Address            string    `json:"address"`
	Signers            []string  `json:"signers"`
	RequiredSignatures int       `json:"required_signatures"`
	SecurityTier       string    `json:"security_tier"`
	DailyLimit         string    `json:"daily_limit"`
	MonthlyLimit       string    `json:"monthly_limit"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// CreateWalletRequest represents the request body for registering a wallet.
// Limits default to the security tier's ceilings when omitted.
type CreateWalletRequest struct {
	Type               string   `json:"type"`
	Network            string   `json:"network"`
	Address            string   `json:"address"`
	Signers            []string `json:"signers"`
	RequiredSignatures int      `json:"required_signatures"`
	SecurityTier       string   `json:"security_tier"`
	DailyLimit         *string  `json:"daily_limit,omitempty"`
	MonthlyLimit       *string  `json:"monthly_limit,omitempty"`
}

type UpdateLimitsRequest struct {
	DailyLimit   string `json:"daily_limit"`
	MonthlyLimit string `json:"monthly_limit"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// SpendResponse represents a wallet's spend against its ceilings
type SpendResponse struct {
	WalletID         string    `json:"wallet_id"`
	DailySpent       string    `json:"daily_spent"`
	DailyLimit       string    `json:"daily_limit"`
	DailyRemaining   string    `json:"daily_remaining"`
	MonthlySpent     string    `json:"monthly_spent"`
	MonthlyLimit     string    `json:"monthly_limit"`
	MonthlyRemaining string    `json:"monthly_remaining"`
	DayStart         time.Time `json:"day_start"`
	MonthStart       time.Time `json:"month_start"`
}

// BalanceResponse represents the on-chain balances held by a wallet
type BalanceResponse struct {
	WalletID      string                   `json:"wallet_id"`
	WalletAddress string                   `json:"wallet_address"`
	Balances      map[string]chain.Balance `json:"balances"`
}

type LockResponse struct {
	ID         string     `json:"id"`
	WalletID   string     `json:"wallet_id"`
	Reason     string     `json:"reason"`
	LockedBy   string     `json:"locked_by"`
	LockedAt   time.Time  `json:"locked_at"`
	UnlockAt   *time.Time `json:"unlock_at,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	ReleasedBy string     `json:"released_by,omitempty"`
}

type SignatureResponse struct {
	Signer   string    `json:"signer"`
	SignedAt time.Time `json:"signed_at"`
}

// TransactionResponse represents a multi-signature transaction
type TransactionResponse struct {
	ID                string              `json:"id"`
	WalletID          string              `json:"wallet_id"`
	PayoutRequestID   string              `json:"payout_request_id,omitempty"`
	Destination       string              `json:"destination"`
	Amount            string              `json:"amount"`
	Currency          string              `json:"currency"`
	Purpose           string              `json:"purpose,omitempty"`
	Status            string              `json:"status"`
	Signatures        []SignatureResponse `json:"signatures"`
	ExpiresAt         time.Time           `json:"expires_at"`
	TxHash            string              `json:"tx_hash,omitempty"`
	BlockNumber       uint64              `json:"block_number,omitempty"`
	ExecutionAttempts int                 `json:"execution_attempts"`
	ExecutionHeld     bool                `json:"execution_held"`
	LastError         string              `json:"last_error,omitempty"`
	CancelReason      string              `json:"cancel_reason,omitempty"`
	CreatedBy         string              `json:"created_by"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	ExecutedAt        *time.Time          `json:"executed_at,omitempty"`
}

// SignatureRequest carries a signer's approval. Signer defaults to the
// authenticated actor and may not name anyone else.
type SignatureRequest struct {
	Signer    string `json:"signer,omitempty"`
	Signature string `json:"signature"`
}

type WithdrawRequest struct {
	Reason string `json:"reason"`
}

type BatchExecuteRequest struct {
	TransactionIDs []string `json:"transaction_ids"`
}

type BatchExecuteResponse struct {
	Results []payout.ExecutionResult `json:"results"`
	Halted  bool                     `json:"halted"`
}

// SubmitPayoutRequest represents the request body for a payout
type SubmitPayoutRequest struct {
	ExternalRef        string `json:"external_ref,omitempty"`
	RequesterID        string `json:"requester_id,omitempty"`
	Amount             string `json:"amount"`
	Currency           string `json:"currency"`
	DestinationAddress string `json:"destination_address"`
	DestinationNetwork string `json:"destination_network"`
}

// PayoutResponse represents a payout request and its decision trail
type PayoutResponse struct {
	ID                 string    `json:"id"`
	ExternalRef        string    `json:"external_ref,omitempty"`
	RequesterID        string    `json:"requester_id"`
	Amount             string    `json:"amount"`
	Currency           string    `json:"currency"`
	DestinationAddress string    `json:"destination_address"`
	DestinationNetwork string    `json:"destination_network"`
	Status             string    `json:"status"`
	RiskTier           string    `json:"risk_tier,omitempty"`
	RiskScore          float64   `json:"risk_score"`
	RecommendedAction  string    `json:"recommended_action,omitempty"`
	DecisionReason     string    `json:"decision_reason,omitempty"`
	WalletID           string    `json:"wallet_id,omitempty"`
	TransactionID      string    `json:"transaction_id,omitempty"`
	TxHash             string    `json:"tx_hash,omitempty"`
	BlockNumber        uint64    `json:"block_number,omitempty"`
	Attempts           int       `json:"attempts"`
	FailureReason      string    `json:"failure_reason,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// EngineControlResponse represents the engine control record
type EngineControlResponse struct {
	Halted             bool                 `json:"halted"`
	HaltReason         string               `json:"halt_reason,omitempty"`
	HaltedBy           string               `json:"halted_by,omitempty"`
	HaltedAt           *time.Time           `json:"halted_at,omitempty"`
	ResumedBy          string               `json:"resumed_by,omitempty"`
	ResumedAt          *time.Time           `json:"resumed_at,omitempty"`
	BatchSize          int                  `json:"batch_size"`
	Interval           string               `json:"interval"`
	MaxAttempts        int                  `json:"max_attempts"`
	Thresholds         model.RiskThresholds `json:"risk_thresholds"`
	AutoApproveCeiling string               `json:"auto_approve_ceiling"`
	UpdatedBy          string               `json:"updated_by,omitempty"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

type EngineStatusResponse struct {
	Control EngineControlResponse `json:"control"`
	Queue   map[string]int        `json:"queue"`
}

// EngineConfigRequest is a partial update; omitted fields keep their value.
type EngineConfigRequest struct {
	BatchSize          *int                  `json:"batch_size,omitempty"`
	Interval           *string               `json:"interval,omitempty"`
	MaxAttempts        *int                  `json:"max_attempts,omitempty"`
	Thresholds         *model.RiskThresholds `json:"risk_thresholds,omitempty"`
	AutoApproveCeiling *string               `json:"auto_approve_ceiling,omitempty"`
}

// ControlResponse represents the outcome of an emergency control action
type ControlResponse struct {
	Action                string                 `json:"action"`
	Applied               bool                   `json:"applied"`
	Control               *EngineControlResponse `json:"control,omitempty"`
	Wallet                *WalletResponse        `json:"wallet,omitempty"`
	Lock                  *LockResponse          `json:"lock,omitempty"`
	CancelledTransactions []string               `json:"cancelled_transactions,omitempty"`
}

type AuditEntryResponse struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id"`
	ActorRole  string         `json:"actor_role"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Severity   string         `json:"severity"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func toWalletResponse(w *model.TreasuryWallet) WalletResponse {
	return WalletResponse{
		ID:                 w.ID,
		Type:               string(w.Type),
		Network:            w.Network,
		Address:            w.Address,
		Signers:            w.Signers,
		RequiredSignatures: w.RequiredSignatures,
		SecurityTier:       string(w.SecurityTier),
		DailyLimit:         w.DailyLimit.String(),
		MonthlyLimit:       w.MonthlyLimit.String(),
		Status:             string(w.Status),
		CreatedAt:          w.CreatedAt,
		UpdatedAt:          w.UpdatedAt,
	}
}

func toSpendResponse(u model.SpendUsage) SpendResponse {
	return SpendResponse{
		WalletID:         u.WalletID,
		DailySpent:       u.DailySpent.String(),
		DailyLimit:       u.DailyLimit.String(),
		DailyRemaining:   u.RemainingDaily().String(),
		MonthlySpent:     u.MonthlySpent.String(),
		MonthlyLimit:     u.MonthlyLimit.String(),
		MonthlyRemaining: u.RemainingMonthly().String(),
		DayStart:         u.DayStart,
		MonthStart:       u.MonthStart,
	}
}

func toLockResponse(l *model.EmergencyLock) LockResponse {
	return LockResponse{
		ID:         l.ID,
		WalletID:   l.WalletID,
		Reason:     l.Reason,
		LockedBy:   l.LockedBy,
		LockedAt:   l.LockedAt,
		UnlockAt:   l.UnlockAt,
		ReleasedAt: l.ReleasedAt,
		ReleasedBy: l.ReleasedBy,
	}
}

func toTransactionResponse(t *model.MultiSigTransaction) TransactionResponse {
	signatures := make([]SignatureResponse, 0, len(t.Signatures))
	for _, s := range t.Signatures {
		signatures = append(signatures, SignatureResponse{Signer: s.Signer, SignedAt: s.SignedAt})
	}
	return TransactionResponse{
		ID:                t.ID,
		WalletID:          t.WalletID,
		PayoutRequestID:   t.PayoutRequestID,
		Destination:       t.Destination,
		Amount:            t.Amount.String(),
		Currency:          t.Currency,
		Purpose:           t.Purpose,
		Status:            string(t.Status),
		Signatures:        signatures,
		ExpiresAt:         t.ExpiresAt,
		TxHash:            t.TxHash,
		BlockNumber:       t.BlockNumber,
		ExecutionAttempts: t.ExecutionAttempts,
		ExecutionHeld:     t.ExecutionHeld,
		LastError:         t.LastError,
		CancelReason:      t.CancelReason,
		CreatedBy:         t.CreatedBy,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		ExecutedAt:        t.ExecutedAt,
	}
}

func toPayoutResponse(p *model.PayoutRequest) PayoutResponse {
	return PayoutResponse{
		ID:                 p.ID,
		ExternalRef:        p.ExternalRef,
		RequesterID:        p.RequesterID,
		Amount:             p.Amount.String(),
		Currency:           p.Currency,
		DestinationAddress: p.DestinationAddress,
		DestinationNetwork: p.DestinationNetwork,
		Status:             string(p.Status),
		RiskTier:           string(p.RiskTier),
		RiskScore:          p.RiskScore,
		RecommendedAction:  string(p.RecommendedAction),
		DecisionReason:     p.DecisionReason,
		WalletID:           p.WalletID,
		TransactionID:      p.TransactionID,
		TxHash:             p.TxHash,
		BlockNumber:        p.BlockNumber,
		Attempts:           p.Attempts,
		FailureReason:      p.FailureReason,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func toEngineControlResponse(c *model.EngineControl) EngineControlResponse {
	return EngineControlResponse{
		Halted:             c.Halted,
		HaltReason:         c.HaltReason,
		HaltedBy:           c.HaltedBy,
		HaltedAt:           c.HaltedAt,
		ResumedBy:          c.ResumedBy,
		ResumedAt:          c.ResumedAt,
		BatchSize:          c.BatchSize,
		Interval:           c.Interval.String(),
		MaxAttempts:        c.MaxAttempts,
		Thresholds:         c.Thresholds,
		AutoApproveCeiling: c.AutoApproveCeiling.String(),
		UpdatedBy:          c.UpdatedBy,
		UpdatedAt:          c.UpdatedAt,
	}
}

func toAuditEntryResponse(e model.AuditLogEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:         e.ID,
		Action:     string(e.Action),
		ActorID:    e.ActorID,
		ActorRole:  string(e.ActorRole),
		EntityType: string(e.EntityType),
		EntityID:   e.EntityID,
		Severity:   string(e.Severity),
		Detail:     e.Detail,
		CreatedAt:  e.CreatedAt,
	}
}

// parseAmount parses an optional decimal field.
func parseAmount(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
