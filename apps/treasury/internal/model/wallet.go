package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type WalletType string

const (
	WalletTypeMainReserve WalletType = "MAIN_RESERVE"
	WalletTypePayoutHot   WalletType = "PAYOUT_HOT"
	WalletTypeStakingPool WalletType = "STAKING_POOL"
	WalletTypeColdStorage WalletType = "COLD_STORAGE"
)

func (t WalletType) Valid() bool {
	switch t {
	case WalletTypeMainReserve, WalletTypePayoutHot, WalletTypeStakingPool, WalletTypeColdStorage:
		return true
	}
	return false
}

type WalletStatus string

const (
	WalletStatusActive          WalletStatus = "ACTIVE"
	WalletStatusInactive        WalletStatus = "INACTIVE"
	WalletStatusMaintenance     WalletStatus = "MAINTENANCE"
	WalletStatusEmergencyLocked WalletStatus = "EMERGENCY_LOCKED"
)

func (s WalletStatus) Valid() bool {
	switch s {
	case WalletStatusActive, WalletStatusInactive, WalletStatusMaintenance, WalletStatusEmergencyLocked:
		return true
	}
	return false
}

type SecurityTier string

const (
	SecurityTierLow      SecurityTier = "LOW"
	SecurityTierMedium   SecurityTier = "MEDIUM"
	SecurityTierHigh     SecurityTier = "HIGH"
	SecurityTierCritical SecurityTier = "CRITICAL"
)

func (t SecurityTier) Valid() bool {
	switch t {
	case SecurityTierLow, SecurityTierMedium, SecurityTierHigh, SecurityTierCritical:
		return true
	}
	return false
}

type TreasuryWallet struct {
	ID                 string          `db:"id"`
	Type               WalletType      `db:"wallet_type"`
	Network            string          `db:"network"`
	Address            string          `db:"address"`
	Signers            []string        `db:"signers"`
	RequiredSignatures int             `db:"required_signatures"`
	SecurityTier       SecurityTier    `db:"security_tier"`
	DailyLimit         decimal.Decimal `db:"daily_limit"`
	MonthlyLimit       decimal.Decimal `db:"monthly_limit"`
	Status             WalletStatus    `db:"status"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// IsSigner reports whether identity belongs to the wallet's signer set.
func (w *TreasuryWallet) IsSigner(identity string) bool {
	for _, s := range w.Signers {
		if s == identity {
			return true
		}
	}
	return false
}

func (w *TreasuryWallet) IsActive() bool {
	return w.Status == WalletStatusActive
}

// SpendReservation is one entry of a wallet's spend ledger. Released entries
// no longer count against the wallet's ceilings.
type SpendReservation struct {
	ID         string          `db:"id"`
	WalletID   string          `db:"wallet_id"`
	Reference  string          `db:"reference"`
	Amount     decimal.Decimal `db:"amount"`
	ReservedAt time.Time       `db:"reserved_at"`
	ReleasedAt *time.Time      `db:"released_at"`
}

// SpendUsage is a wallet's accumulated spend for the current day and month.
type SpendUsage struct {
	WalletID     string
	DailySpent   decimal.Decimal
	MonthlySpent decimal.Decimal
	DailyLimit   decimal.Decimal
	MonthlyLimit decimal.Decimal
	DayStart     time.Time
	MonthStart   time.Time
}

func (u SpendUsage) RemainingDaily() decimal.Decimal {
	return nonNegative(u.DailyLimit.Sub(u.DailySpent))
}

func (u SpendUsage) RemainingMonthly() decimal.Decimal {
	return nonNegative(u.MonthlyLimit.Sub(u.MonthlySpent))
}

// Remaining is the tighter of the daily and monthly headroom.
func (u SpendUsage) Remaining() decimal.Decimal {
	return decimal.Min(u.RemainingDaily(), u.RemainingMonthly())
}

// Fits reports whether spending amount now stays within both ceilings.
func (u SpendUsage) Fits(amount decimal.Decimal) bool {
	return amount.LessThanOrEqual(u.Remaining())
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// DayStart and MonthStart open the spend windows, always in UTC. Each window
// is half-open and closes at the next day or month.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func DayEnd(t time.Time) time.Time {
	return DayStart(t).AddDate(0, 0, 1)
}

func MonthEnd(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}

type WalletFilter struct {
	Network string
	Type    WalletType
	Status  WalletStatus
}
