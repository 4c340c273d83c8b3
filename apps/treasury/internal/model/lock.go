package model

import (
	"time"
)

type EmergencyLock struct {
	ID         string     `db:"id"`
	WalletID   string     `db:"wallet_id"`
	Reason     string     `db:"reason"`
	LockedBy   string     `db:"locked_by"`
	LockedAt   time.Time  `db:"locked_at"`
	UnlockAt   *time.Time `db:"unlock_at"`
	ReleasedAt *time.Time `db:"released_at"`
	ReleasedBy string     `db:"released_by"`
}

// IsActive reports whether the lock record has not been released yet. The
// wallet's status is tracked separately and survives release.
func (l *EmergencyLock) IsActive() bool {
	return l.ReleasedAt == nil
}

// IsDue reports whether a scheduled unlock time has passed.
func (l *EmergencyLock) IsDue(now time.Time) bool {
	return l.IsActive() && l.UnlockAt != nil && !now.Before(*l.UnlockAt)
}
