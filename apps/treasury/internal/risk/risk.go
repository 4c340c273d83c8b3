// Package risk scores payout requests. Assess is pure: the same policy and
// input always produce the same assessment.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"treasury/apps/treasury/internal/model"
)

const (
	SignalAccountAge       = "account_age"
	SignalVolume           = "history_volume"
	SignalFailureRate      = "failure_rate"
	SignalLimitUtilization = "limit_utilization"
	SignalAboveCeiling     = "above_auto_approve_ceiling"
)

// Weights are the score contributions of each signal at full strength.
type Weights struct {
	AccountAge       float64 `yaml:"account_age"`
	Volume           float64 `yaml:"history_volume"`
	FailureRate      float64 `yaml:"failure_rate"`
	LimitUtilization float64 `yaml:"limit_utilization"`
	AboveCeiling     float64 `yaml:"above_auto_approve_ceiling"`
}

type Policy struct {
	Thresholds         model.RiskThresholds
	AutoApproveCeiling decimal.Decimal
	Weights            Weights
}

func DefaultPolicy() Policy {
	return Policy{
		Thresholds:         model.RiskThresholds{Low: 25, Medium: 50, High: 75},
		AutoApproveCeiling: decimal.NewFromInt(1000),
		Weights: Weights{
			AccountAge:       30,
			Volume:           20,
			FailureRate:      30,
			LimitUtilization: 30,
			AboveCeiling:     10,
		},
	}
}

func (p Policy) Validate() error {
	t := p.Thresholds
	if t.Low <= 0 || t.Low >= t.Medium || t.Medium >= t.High || t.High > 100 {
		return fmt.Errorf("risk thresholds must satisfy 0 < low < medium < high <= 100, got %v/%v/%v", t.Low, t.Medium, t.High)
	}
	if p.AutoApproveCeiling.IsNegative() {
		return fmt.Errorf("auto-approve ceiling must not be negative")
	}
	w := p.Weights
	for name, v := range map[string]float64{
		SignalAccountAge:       w.AccountAge,
		SignalVolume:           w.Volume,
		SignalFailureRate:      w.FailureRate,
		SignalLimitUtilization: w.LimitUtilization,
		SignalAboveCeiling:     w.AboveCeiling,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight %s must not be negative", name)
		}
	}
	return nil
}

// WithControl overlays the runtime-tunable fields of the engine control
// record, which is seeded from the loaded policy. A zero ceiling disables
// auto-approval.
func (p Policy) WithControl(c model.EngineControl) Policy {
	if c.Thresholds.High > 0 {
		p.Thresholds = c.Thresholds
	}
	p.AutoApproveCeiling = c.AutoApproveCeiling
	return p
}

type Input struct {
	Amount   decimal.Decimal
	Now      time.Time
	Merchant *model.MerchantProfile
	Stats    model.RequesterStats
	Usage    model.SpendUsage
}

type Assessment struct {
	Score   float64            `json:"score"`
	Tier    model.RiskTier     `json:"tier"`
	Action  model.RiskAction   `json:"action"`
	Reasons []string           `json:"reasons"`
	Signals map[string]float64 `json:"signals"`
}

func Assess(policy Policy, in Input) Assessment {
	signals := map[string]float64{
		SignalAccountAge:       accountAgeSignal(in.Merchant, in.Now),
		SignalVolume:           volumeSignal(in.Stats, in.Amount),
		SignalFailureRate:      failureRateSignal(in.Stats),
		SignalLimitUtilization: utilizationSignal(in.Amount, in.Usage.Remaining()),
		SignalAboveCeiling:     0,
	}
	if in.Amount.GreaterThan(policy.AutoApproveCeiling) {
		signals[SignalAboveCeiling] = 1
	}

	w := policy.Weights
	score := signals[SignalAccountAge]*w.AccountAge +
		signals[SignalVolume]*w.Volume +
		signals[SignalFailureRate]*w.FailureRate +
		signals[SignalLimitUtilization]*w.LimitUtilization +
		signals[SignalAboveCeiling]*w.AboveCeiling
	score = math.Min(100, math.Round(score*100)/100)

	var reasons []string
	for _, name := range []string{SignalAccountAge, SignalVolume, SignalFailureRate, SignalLimitUtilization, SignalAboveCeiling} {
		if signals[name] > 0 {
			reasons = append(reasons, fmt.Sprintf("%s=%.2f", name, signals[name]))
		}
	}

	a := Assessment{
		Score:   score,
		Tier:    tierFor(policy.Thresholds, score),
		Signals: signals,
	}

	remaining := in.Usage.Remaining()
	switch {
	case !in.Amount.IsPositive():
		a.Action = model.RiskActionReject
		reasons = append(reasons, "amount must be positive")
	case in.Amount.GreaterThan(remaining):
		a.Action = model.RiskActionReject
		reasons = append(reasons, fmt.Sprintf("amount %s exceeds remaining spend limit %s", in.Amount, remaining))
	case a.Tier == model.RiskTierCritical:
		a.Action = model.RiskActionReject
		reasons = append(reasons, "critical risk tier")
	case a.Tier == model.RiskTierLow && in.Amount.LessThanOrEqual(policy.AutoApproveCeiling):
		a.Action = model.RiskActionAutoApprove
	default:
		a.Action = model.RiskActionManualReview
	}
	a.Reasons = reasons
	return a
}

func tierFor(t model.RiskThresholds, score float64) model.RiskTier {
	switch {
	case score < t.Low:
		return model.RiskTierLow
	case score < t.Medium:
		return model.RiskTierMedium
	case score < t.High:
		return model.RiskTierHigh
	default:
		return model.RiskTierCritical
	}
}

// Unknown requesters count as brand new accounts.
func accountAgeSignal(m *model.MerchantProfile, now time.Time) float64 {
	if m == nil {
		return 1
	}
	age := now.Sub(m.OnboardedAt)
	switch {
	case age < 7*24*time.Hour:
		return 1
	case age < 30*24*time.Hour:
		return 0.5
	case age < 90*24*time.Hour:
		return 0.2
	default:
		return 0
	}
}

func volumeSignal(stats model.RequesterStats, amount decimal.Decimal) float64 {
	switch {
	case stats.ExecutedCount == 0:
		return 1
	case stats.TotalVolume.LessThan(amount):
		return 0.5
	default:
		return 0
	}
}

func failureRateSignal(stats model.RequesterStats) float64 {
	if stats.RecentAttempts == 0 {
		return 0
	}
	return math.Min(1, float64(stats.RecentFailures)/float64(stats.RecentAttempts))
}

func utilizationSignal(amount, remaining decimal.Decimal) float64 {
	if !remaining.IsPositive() {
		return 1
	}
	ratio, _ := amount.Div(remaining).Float64()
	switch {
	case ratio >= 0.75:
		return 1
	case ratio >= 0.5:
		return 0.6
	case ratio >= 0.25:
		return 0.3
	default:
		return 0
	}
}
