package events

import (
	"encoding/json"
	"time"
)

const (
	EventTypeAuditRecorded   = "audit_recorded"
	EventTypePayoutRequested = "payout_requested"
)

// AuditEvent is the message published for every audit log entry.
type AuditEvent struct {
	EventType  string          `json:"event_type"`
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actor_id"`
	ActorRole  string          `json:"actor_role"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Severity   string          `json:"severity"`
	Detail     json.RawMessage `json:"detail"`
	CreatedAt  time.Time       `json:"created_at"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PayoutRequested is consumed from the intake topic. Amount is a decimal
// string in the settlement currency.
type PayoutRequested struct {
	EventType          string    `json:"event_type"`
	ExternalRef        string    `json:"external_ref"`
	RequesterID        string    `json:"requester_id"`
	Amount             string    `json:"amount"`
	Currency           string    `json:"currency"`
	DestinationAddress string    `json:"destination_address"`
	DestinationNetwork string    `json:"destination_network"`
	Timestamp          time.Time `json:"timestamp"`
}
