package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/wallet"
)

type Config struct {
	DbURL   string `env:"DB_URL,required,notEmpty"`
	APIPort int    `env:"API_PORT" envDefault:"8080"`

	KafkaBroker          string        `env:"KAFKA_BROKER"`
	AuditTopic           string        `env:"AUDIT_TOPIC" envDefault:"treasury.audit"`
	AuditPublishInterval time.Duration `env:"AUDIT_PUBLISH_INTERVAL" envDefault:"2s"`
	// PayoutTopic enables Kafka payout intake when set.
	PayoutTopic string `env:"PAYOUT_TOPIC"`

	// RpcURL selects the Ethereum submitter. Without it transfers are dry-run.
	RpcURL              string        `env:"RPC_URL"`
	ChainID             int64         `env:"CHAIN_ID" envDefault:"1"`
	SignerKeys          []string      `env:"SIGNER_KEYS"`
	VerifySignatures    bool          `env:"VERIFY_SIGNATURES" envDefault:"false"`
	ReceiptPollInterval time.Duration `env:"RECEIPT_POLL_INTERVAL" envDefault:"2s"`
	ReceiptTimeout      time.Duration `env:"RECEIPT_TIMEOUT" envDefault:"2m"`

	EngineInterval      time.Duration `env:"ENGINE_INTERVAL" envDefault:"30s"`
	EngineBatchSize     int           `env:"ENGINE_BATCH_SIZE" envDefault:"50"`
	EngineMaxAttempts   int           `env:"ENGINE_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"2s"`
	RetryMaxBackoff     time.Duration `env:"RETRY_MAX_BACKOFF" envDefault:"30s"`
	ClaimLease          time.Duration `env:"CLAIM_LEASE" envDefault:"5m"`
	MaxDeferral         time.Duration `env:"MAX_DEFERRAL" envDefault:"24h"`
	MultisigExpiry      time.Duration `env:"MULTISIG_EXPIRY" envDefault:"24h"`
	RiskPolicyFile      string        `env:"RISK_POLICY_FILE"`

	AlertWebhookURL string        `env:"ALERT_WEBHOOK_URL"`
	AlertCooldown   time.Duration `env:"ALERT_COOLDOWN" envDefault:"10m"`

	// TierLimits overrides default wallet ceilings per security tier, e.g.
	// "HIGH=20000/400000,CRITICAL=5000/100000".
	TierLimits string `env:"TIER_LIMITS"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the configuration from the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.APIPort <= 0 || c.APIPort > 65535:
		return fmt.Errorf("API_PORT %d out of range", c.APIPort)
	case c.EngineInterval < time.Second:
		return fmt.Errorf("ENGINE_INTERVAL must be at least 1s")
	case c.EngineBatchSize < 1:
		return fmt.Errorf("ENGINE_BATCH_SIZE must be positive")
	case c.EngineMaxAttempts < 1:
		return fmt.Errorf("ENGINE_MAX_ATTEMPTS must be positive")
	case c.RetryInitialBackoff <= 0 || c.RetryMaxBackoff < c.RetryInitialBackoff:
		return fmt.Errorf("RETRY_MAX_BACKOFF must be at least RETRY_INITIAL_BACKOFF")
	case c.MultisigExpiry <= 0:
		return fmt.Errorf("MULTISIG_EXPIRY must be positive")
	case c.PayoutTopic != "" && c.KafkaBroker == "":
		return fmt.Errorf("PAYOUT_TOPIC requires KAFKA_BROKER")
	case c.RpcURL != "" && len(c.SignerKeys) == 0:
		return fmt.Errorf("RPC_URL requires SIGNER_KEYS")
	}
	if _, err := ParseTierLimits(c.TierLimits); err != nil {
		return err
	}
	return nil
}

// WalletTierLimits returns the validated TIER_LIMITS overrides.
func (c *Config) WalletTierLimits() map[model.SecurityTier]wallet.TierLimits {
	limits, _ := ParseTierLimits(c.TierLimits)
	return limits
}

// ParseTierLimits parses "TIER=daily/monthly" pairs separated by commas.
func ParseTierLimits(raw string) (map[model.SecurityTier]wallet.TierLimits, error) {
	limits := make(map[model.SecurityTier]wallet.TierLimits)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("TIER_LIMITS entry %q: expected TIER=daily/monthly", pair)
		}
		tier := model.SecurityTier(strings.ToUpper(strings.TrimSpace(name)))
		if !tier.Valid() {
			return nil, fmt.Errorf("TIER_LIMITS entry %q: unknown tier", pair)
		}
		dailyRaw, monthlyRaw, ok := strings.Cut(value, "/")
		if !ok {
			return nil, fmt.Errorf("TIER_LIMITS entry %q: expected daily/monthly", pair)
		}
		daily, err := decimal.NewFromString(strings.TrimSpace(dailyRaw))
		if err != nil {
			return nil, fmt.Errorf("TIER_LIMITS entry %q: daily: %w", pair, err)
		}
		monthly, err := decimal.NewFromString(strings.TrimSpace(monthlyRaw))
		if err != nil {
			return nil, fmt.Errorf("TIER_LIMITS entry %q: monthly: %w", pair, err)
		}
		if !daily.IsPositive() || monthly.LessThan(daily) {
			return nil, fmt.Errorf("TIER_LIMITS entry %q: need 0 < daily <= monthly", pair)
		}
		limits[tier] = wallet.TierLimits{Daily: daily, Monthly: monthly}
	}
	return limits, nil
}
