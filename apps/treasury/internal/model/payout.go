package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutStatusPending      PayoutStatus = "PENDING"
	PayoutStatusQueued       PayoutStatus = "QUEUED"
	PayoutStatusAutoApproved PayoutStatus = "AUTO_APPROVED"
	PayoutStatusManualReview PayoutStatus = "MANUAL_REVIEW"
	PayoutStatusApproved     PayoutStatus = "APPROVED"
	PayoutStatusRejected     PayoutStatus = "REJECTED"
	PayoutStatusExecuted     PayoutStatus = "EXECUTED"
	PayoutStatusFailed       PayoutStatus = "FAILED"
	PayoutStatusCancelled    PayoutStatus = "CANCELLED"
)

func (s PayoutStatus) Valid() bool {
	switch s {
	case PayoutStatusPending, PayoutStatusQueued, PayoutStatusAutoApproved, PayoutStatusManualReview,
		PayoutStatusApproved, PayoutStatusRejected, PayoutStatusExecuted, PayoutStatusFailed, PayoutStatusCancelled:
		return true
	}
	return false
}

// ClaimableStatuses are picked up by the scheduler.
var ClaimableStatuses = []PayoutStatus{PayoutStatusPending, PayoutStatusQueued}

type RiskTier string

const (
	RiskTierLow      RiskTier = "LOW"
	RiskTierMedium   RiskTier = "MEDIUM"
	RiskTierHigh     RiskTier = "HIGH"
	RiskTierCritical RiskTier = "CRITICAL"
)

type RiskAction string

const (
	RiskActionAutoApprove  RiskAction = "AUTO_APPROVE"
	RiskActionManualReview RiskAction = "MANUAL_REVIEW"
	RiskActionReject       RiskAction = "REJECT"
)

type PayoutRequest struct {
	ID                 string          `db:"id"`
	ExternalRef        string          `db:"external_ref"`
	RequesterID        string          `db:"requester_id"`
	Amount             decimal.Decimal `db:"amount"`
	Currency           string          `db:"currency"`
	DestinationAddress string          `db:"destination_address"`
	DestinationNetwork string          `db:"destination_network"`
	Status             PayoutStatus    `db:"status"`
	RiskTier           RiskTier        `db:"risk_tier"`
	RiskScore          float64         `db:"risk_score"`
	RecommendedAction  RiskAction      `db:"recommended_action"`
	DecisionReason     string          `db:"decision_reason"`
	WalletID           string          `db:"wallet_id"`
	TransactionID      string          `db:"transaction_id"`
	TxHash             string          `db:"tx_hash"`
	BlockNumber        uint64          `db:"block_number"`
	Attempts           int             `db:"attempts"`
	FailureReason      string          `db:"failure_reason"`
	ClaimedBy          string          `db:"claimed_by"`
	ClaimExpiresAt     *time.Time      `db:"claim_expires_at"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// PayoutPatch carries optional column changes applied with a status
// transition. Every transition also clears the claim.
type PayoutPatch struct {
	RiskTier          *RiskTier
	RiskScore         *float64
	RecommendedAction *RiskAction
	DecisionReason    *string
	WalletID          *string
	TransactionID     *string
	TxHash            *string
	BlockNumber       *uint64
	Attempts          *int
	FailureReason     *string
}

type PayoutFilter struct {
	Statuses    []PayoutStatus
	RequesterID string
	Limit       int
}

// RequesterStats summarises a requester's payout history for risk scoring.
type RequesterStats struct {
	RequesterID    string
	TotalVolume    decimal.Decimal
	ExecutedCount  int
	RecentAttempts int
	RecentFailures int
}

type MerchantProfile struct {
	RequesterID string    `db:"requester_id"`
	OnboardedAt time.Time `db:"onboarded_at"`
	CreatedAt   time.Time `db:"created_at"`
}
