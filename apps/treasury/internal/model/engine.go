package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskThresholds are the exclusive upper score bounds of the LOW, MEDIUM and
// HIGH tiers. Anything at or above High is CRITICAL.
type RiskThresholds struct {
	Low    float64 `json:"low"`
	Medium float64 `json:"medium"`
	High   float64 `json:"high"`
}

// EngineControl is the single control record read before every tick and
// every execution attempt.
type EngineControl struct {
	Halted             bool            `json:"halted"`
	HaltReason         string          `json:"halt_reason,omitempty"`
	HaltedBy           string          `json:"halted_by,omitempty"`
	HaltedAt           *time.Time      `json:"halted_at,omitempty"`
	ResumedBy          string          `json:"resumed_by,omitempty"`
	ResumedAt          *time.Time      `json:"resumed_at,omitempty"`
	BatchSize          int             `json:"batch_size"`
	Interval           time.Duration   `json:"interval"`
	MaxAttempts        int             `json:"max_attempts"`
	Thresholds         RiskThresholds  `json:"risk_thresholds"`
	AutoApproveCeiling decimal.Decimal `json:"auto_approve_ceiling"`
	UpdatedBy          string          `json:"updated_by,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// EngineSettings is a partial update of the tunable control fields.
type EngineSettings struct {
	BatchSize          *int
	Interval           *time.Duration
	MaxAttempts        *int
	Thresholds         *RiskThresholds
	AutoApproveCeiling *decimal.Decimal
}

// Apply returns a copy of c with the non-nil settings applied.
func (s EngineSettings) Apply(c EngineControl) EngineControl {
	if s.BatchSize != nil {
		c.BatchSize = *s.BatchSize
	}
	if s.Interval != nil {
		c.Interval = *s.Interval
	}
	if s.MaxAttempts != nil {
		c.MaxAttempts = *s.MaxAttempts
	}
	if s.Thresholds != nil {
		c.Thresholds = *s.Thresholds
	}
	if s.AutoApproveCeiling != nil {
		c.AutoApproveCeiling = *s.AutoApproveCeiling
	}
	return c
}
