package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"treasury/apps/treasury/internal/model"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/treasury?sslmode=disable")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, "treasury.audit", cfg.AuditTopic)
	assert.Equal(t, 30*time.Second, cfg.EngineInterval)
	assert.Equal(t, 50, cfg.EngineBatchSize)
	assert.Equal(t, 3, cfg.EngineMaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.MultisigExpiry)
	assert.Empty(t, cfg.RpcURL)
	assert.Empty(t, cfg.WalletTierLimits())
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("DB_URL", "postgres://db/treasury")
	t.Setenv("ENGINE_INTERVAL", "10s")
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("SIGNER_KEYS", "0xaa,0xbb")
	t.Setenv("TIER_LIMITS", "high=20000/400000, CRITICAL=5000/100000")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.EngineInterval)
	assert.Equal(t, []string{"0xaa", "0xbb"}, cfg.SignerKeys)

	limits := cfg.WalletTierLimits()
	require.Len(t, limits, 2)
	assert.True(t, decimal.NewFromInt(20000).Equal(limits[model.SecurityTierHigh].Daily))
	assert.True(t, decimal.NewFromInt(100000).Equal(limits[model.SecurityTierCritical].Monthly))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing db url", map[string]string{"DB_URL": ""}},
		{"interval too short", map[string]string{"ENGINE_INTERVAL": "100ms"}},
		{"zero attempts", map[string]string{"ENGINE_MAX_ATTEMPTS": "0"}},
		{"backoff inverted", map[string]string{"RETRY_INITIAL_BACKOFF": "10s", "RETRY_MAX_BACKOFF": "1s"}},
		{"intake without broker", map[string]string{"PAYOUT_TOPIC": "payouts"}},
		{"rpc without keys", map[string]string{"RPC_URL": "http://localhost:8545"}},
		{"bad tier limits", map[string]string{"TIER_LIMITS": "HIGH=20000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DB_URL", "postgres://db/treasury")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Parse()
			assert.Error(t, err)
		})
	}
}

func TestParseTierLimits(t *testing.T) {
	limits, err := ParseTierLimits("")
	require.NoError(t, err)
	assert.Empty(t, limits)

	for _, raw := range []string{"GOLD=1/2", "LOW=abc/100", "LOW=100/50", "LOW=0/10", "LOW"} {
		_, err := ParseTierLimits(raw)
		assert.Error(t, err, raw)
	}
}
