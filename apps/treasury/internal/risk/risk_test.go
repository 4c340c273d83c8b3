package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"treasury/apps/treasury/internal/model"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func established() *model.MerchantProfile {
	return &model.MerchantProfile{RequesterID: "m-1", OnboardedAt: now.AddDate(-1, 0, 0)}
}

func goodHistory() model.RequesterStats {
	return model.RequesterStats{
		RequesterID:    "m-1",
		TotalVolume:    decimal.NewFromInt(20000),
		ExecutedCount:  5,
		RecentAttempts: 5,
	}
}

func usage(limit, spent int64) model.SpendUsage {
	return model.SpendUsage{
		DailyLimit:   decimal.NewFromInt(limit),
		MonthlyLimit: decimal.NewFromInt(limit * 10),
		DailySpent:   decimal.NewFromInt(spent),
		MonthlySpent: decimal.NewFromInt(spent),
	}
}

func TestAssess(t *testing.T) {
	tests := []struct {
		name     string
		input    Input
		wantTier model.RiskTier
		wantAct  model.RiskAction
	}{
		{
			name:     "small payout from established merchant auto-approves",
			input:    Input{Amount: decimal.NewFromInt(500), Now: now, Merchant: established(), Stats: goodHistory(), Usage: usage(10000, 0)},
			wantTier: model.RiskTierLow,
			wantAct:  model.RiskActionAutoApprove,
		},
		{
			name:     "large share of remaining limit needs review",
			input:    Input{Amount: decimal.NewFromInt(8000), Now: now, Merchant: established(), Stats: goodHistory(), Usage: usage(10000, 500)},
			wantTier: model.RiskTierMedium,
			wantAct:  model.RiskActionManualReview,
		},
		{
			name:     "amount above remaining limit is rejected",
			input:    Input{Amount: decimal.NewFromInt(15000), Now: now, Merchant: established(), Stats: goodHistory(), Usage: usage(10000, 0)},
			wantTier: model.RiskTierMedium,
			wantAct:  model.RiskActionReject,
		},
		{
			name:     "low tier above ceiling needs review",
			input:    Input{Amount: decimal.NewFromInt(1500), Now: now, Merchant: established(), Stats: goodHistory(), Usage: usage(100000, 0)},
			wantTier: model.RiskTierLow,
			wantAct:  model.RiskActionManualReview,
		},
		{
			name:     "new merchant without history is high risk",
			input:    Input{Amount: decimal.NewFromInt(100), Now: now, Usage: usage(10000, 0)},
			wantTier: model.RiskTierHigh,
			wantAct:  model.RiskActionManualReview,
		},
		{
			name: "new merchant with failures is critical",
			input: Input{
				Amount:   decimal.NewFromInt(9000),
				Now:      now,
				Merchant: &model.MerchantProfile{OnboardedAt: now.Add(-time.Hour)},
				Stats:    model.RequesterStats{RecentAttempts: 2, RecentFailures: 2},
				Usage:    usage(10000, 0),
			},
			wantTier: model.RiskTierCritical,
			wantAct:  model.RiskActionReject,
		},
		{
			name:     "non-positive amount is rejected",
			input:    Input{Amount: decimal.Zero, Now: now, Merchant: established(), Stats: goodHistory(), Usage: usage(10000, 0)},
			wantTier: model.RiskTierLow,
			wantAct:  model.RiskActionReject,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Assess(DefaultPolicy(), tt.input)
			assert.Equal(t, tt.wantTier, got.Tier, "score %.2f", got.Score)
			assert.Equal(t, tt.wantAct, got.Action)
			assert.GreaterOrEqual(t, got.Score, 0.0)
			assert.LessOrEqual(t, got.Score, 100.0)
		})
	}
}

func TestAssess_Deterministic(t *testing.T) {
	in := Input{Amount: decimal.NewFromInt(8000), Now: now, Merchant: established(), Stats: goodHistory(), Usage: usage(10000, 500)}
	first := Assess(DefaultPolicy(), in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Assess(DefaultPolicy(), in))
	}
	assert.Equal(t, 40.0, first.Score)
	assert.Len(t, first.Reasons, 2)
}

func TestPolicy_WithControl(t *testing.T) {
	control := model.EngineControl{
		Thresholds:         model.RiskThresholds{Low: 50, Medium: 60, High: 90},
		AutoApproveCeiling: decimal.NewFromInt(10000),
	}
	policy := DefaultPolicy().WithControl(control)
	assert.Equal(t, control.Thresholds, policy.Thresholds)

	in := Input{Amount: decimal.NewFromInt(8000), Now: now, Merchant: established(), Stats: goodHistory(), Usage: usage(10000, 500)}
	got := Assess(policy, in)
	assert.Equal(t, model.RiskTierLow, got.Tier)
	assert.Equal(t, model.RiskActionAutoApprove, got.Action)
}

func TestPolicy_Validate(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	p.Thresholds = model.RiskThresholds{Low: 50, Medium: 40, High: 75}
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.AutoApproveCeiling = decimal.NewFromInt(-1)
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.Weights.Volume = -5
	assert.Error(t, p.Validate())
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
thresholds:
  low: 20
  high: 80
auto_approve_ceiling: "250.50"
`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 20.0, p.Thresholds.Low)
	assert.Equal(t, 50.0, p.Thresholds.Medium)
	assert.Equal(t, 80.0, p.Thresholds.High)
	assert.True(t, decimal.RequireFromString("250.50").Equal(p.AutoApproveCeiling))
	assert.Equal(t, DefaultPolicy().Weights, p.Weights)

	_, err = ParsePolicy([]byte("thresholds: {low: 90, medium: 50, high: 75}"))
	assert.Error(t, err)

	_, err = ParsePolicy([]byte(`auto_approve_ceiling: "lots"`))
	assert.Error(t, err)
}
