// Package memory is an in-process Store used by tests and local runs without
// Postgres. A single mutex gives every method the atomicity the Postgres
// repositories get from row locks and conditional updates.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/repository"
)

type Store struct {
	mu           sync.Mutex
	wallets      map[string]*model.TreasuryWallet
	transactions map[string]*model.MultiSigTransaction
	payouts      map[string]*model.PayoutRequest
	locks        []*model.EmergencyLock
	reservations []*model.SpendReservation
	audit        []*model.AuditLogEntry
	control      *model.EngineControl
	merchants    map[string]*model.MerchantProfile
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		wallets:      make(map[string]*model.TreasuryWallet),
		transactions: make(map[string]*model.MultiSigTransaction),
		payouts:      make(map[string]*model.PayoutRequest),
		merchants:    make(map[string]*model.MerchantProfile),
	}
}

func copyWallet(w *model.TreasuryWallet) *model.TreasuryWallet {
	c := *w
	c.Signers = append([]string(nil), w.Signers...)
	return &c
}

func copyTransaction(t *model.MultiSigTransaction) *model.MultiSigTransaction {
	c := *t
	c.Signatures = append([]model.Signature(nil), t.Signatures...)
	return &c
}

func copyPayout(p *model.PayoutRequest) *model.PayoutRequest {
	c := *p
	return &c
}

func copyLock(l *model.EmergencyLock) *model.EmergencyLock {
	c := *l
	return &c
}

// Wallets

func (s *Store) InsertWallet(_ context.Context, wallet *model.TreasuryWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[wallet.ID]; ok {
		return fmt.Errorf("wallet %s already exists", wallet.ID)
	}
	if wallet.Status == model.WalletStatusActive && s.hasActiveOfType(wallet.Type, wallet.Network, "") {
		return errs.Wrapf(errs.ErrDuplicateWallet, "an active %s wallet already exists on %s", wallet.Type, wallet.Network)
	}
	s.wallets[wallet.ID] = copyWallet(wallet)
	return nil
}

func (s *Store) hasActiveOfType(walletType model.WalletType, network, exceptID string) bool {
	for _, w := range s.wallets {
		if w.ID != exceptID && w.Type == walletType && w.Network == network && w.Status == model.WalletStatusActive {
			return true
		}
	}
	return false
}

func (s *Store) GetWallet(_ context.Context, id string) (*model.TreasuryWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, errs.ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (s *Store) ListWallets(_ context.Context, filter model.WalletFilter) ([]model.TreasuryWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []model.TreasuryWallet
	for _, w := range s.wallets {
		if filter.Network != "" && w.Network != filter.Network {
			continue
		}
		if filter.Type != "" && w.Type != filter.Type {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		list = append(list, *copyWallet(w))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (s *Store) UpdateWalletLimits(_ context.Context, id string, daily, monthly decimal.Decimal, at time.Time) (*model.TreasuryWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, errs.ErrWalletNotFound
	}
	w.DailyLimit = daily
	w.MonthlyLimit = monthly
	w.UpdatedAt = at
	return copyWallet(w), nil
}

func (s *Store) TransitionWalletStatus(_ context.Context, id string, from []model.WalletStatus, to model.WalletStatus, at time.Time) (*model.TreasuryWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, errs.ErrWalletNotFound
	}
	if !containsWalletStatus(from, w.Status) {
		return nil, errs.ErrStaleState
	}
	if to == model.WalletStatusActive && s.hasActiveOfType(w.Type, w.Network, w.ID) {
		return nil, errs.Wrapf(errs.ErrDuplicateWallet, "another active wallet of the same type exists on the network")
	}
	w.Status = to
	w.UpdatedAt = at
	return copyWallet(w), nil
}

func (s *Store) FindPayoutWallet(_ context.Context, network string) (*model.TreasuryWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*model.TreasuryWallet
	for _, w := range s.wallets {
		if w.Network == network && w.Status != model.WalletStatusInactive {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.IsActive() != b.IsActive() {
			return a.IsActive()
		}
		aHot, bHot := a.Type == model.WalletTypePayoutHot, b.Type == model.WalletTypePayoutHot
		if aHot != bHot {
			return aHot
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return copyWallet(candidates[0]), nil
}

func (s *Store) LockWallet(_ context.Context, lock *model.EmergencyLock, cancelReason string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[lock.WalletID]
	if !ok {
		return nil, errs.ErrWalletNotFound
	}
	w.Status = model.WalletStatusEmergencyLocked
	w.UpdatedAt = lock.LockedAt

	var cancelled []string
	for _, t := range s.transactions {
		if t.WalletID != lock.WalletID || !containsTransactionStatus(model.CancellableStatuses, t.Status) {
			continue
		}
		t.Status = model.TransactionStatusCancelled
		t.CancelReason = cancelReason
		t.UpdatedAt = lock.LockedAt
		cancelled = append(cancelled, t.ID)
	}
	sort.Strings(cancelled)

	s.locks = append(s.locks, copyLock(lock))
	return cancelled, nil
}

func (s *Store) ReleaseLock(_ context.Context, lockID, releasedBy string, at time.Time) (*model.EmergencyLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.locks {
		if l.ID != lockID {
			continue
		}
		if !l.IsActive() {
			return nil, errs.ErrStaleState
		}
		released := at
		l.ReleasedAt = &released
		l.ReleasedBy = releasedBy
		return copyLock(l), nil
	}
	return nil, errs.ErrStaleState
}

func (s *Store) ActiveLock(_ context.Context, walletID string) (*model.EmergencyLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active *model.EmergencyLock
	for _, l := range s.locks {
		if l.WalletID == walletID && l.IsActive() && (active == nil || l.LockedAt.After(active.LockedAt)) {
			active = l
		}
	}
	if active == nil {
		return nil, nil
	}
	return copyLock(active), nil
}

func (s *Store) ListDueLocks(_ context.Context, now time.Time) ([]model.EmergencyLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.EmergencyLock
	for _, l := range s.locks {
		if l.IsDue(now) {
			due = append(due, *copyLock(l))
		}
	}
	return due, nil
}

func (s *Store) ListLocks(_ context.Context, walletID string) ([]model.EmergencyLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []model.EmergencyLock
	for i := len(s.locks) - 1; i >= 0; i-- {
		if s.locks[i].WalletID == walletID {
			list = append(list, *copyLock(s.locks[i]))
		}
	}
	return list, nil
}

func (s *Store) SpendUsage(_ context.Context, walletID string, now time.Time) (model.SpendUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage(walletID, now)
}

func (s *Store) usage(walletID string, now time.Time) (model.SpendUsage, error) {
	usage := model.SpendUsage{
		WalletID:     walletID,
		DayStart:     model.DayStart(now),
		MonthStart:   model.MonthStart(now),
		DailySpent:   decimal.Zero,
		MonthlySpent: decimal.Zero,
	}
	w, ok := s.wallets[walletID]
	if !ok {
		return usage, errs.ErrWalletNotFound
	}
	usage.DailyLimit = w.DailyLimit
	usage.MonthlyLimit = w.MonthlyLimit
	dayEnd, monthEnd := model.DayEnd(now), model.MonthEnd(now)
	for _, r := range s.reservations {
		if r.WalletID != walletID || r.ReleasedAt != nil || !within(r.ReservedAt, usage.MonthStart, monthEnd) {
			continue
		}
		usage.MonthlySpent = usage.MonthlySpent.Add(r.Amount)
		if within(r.ReservedAt, usage.DayStart, dayEnd) {
			usage.DailySpent = usage.DailySpent.Add(r.Amount)
		}
	}
	return usage, nil
}

func within(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

func (s *Store) ReserveSpend(_ context.Context, reservation *model.SpendReservation) (model.SpendUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[reservation.WalletID]
	if !ok {
		return model.SpendUsage{}, errs.ErrWalletNotFound
	}
	switch w.Status {
	case model.WalletStatusActive:
	case model.WalletStatusEmergencyLocked:
		return model.SpendUsage{}, errs.ErrWalletLocked
	default:
		return model.SpendUsage{}, errs.Wrapf(errs.ErrWalletNotActive, "wallet is %s", w.Status)
	}

	usage, err := s.usage(reservation.WalletID, reservation.ReservedAt)
	if err != nil {
		return usage, err
	}

	var existing *model.SpendReservation
	for _, r := range s.reservations {
		if r.WalletID == reservation.WalletID && r.Reference == reservation.Reference {
			existing = r
			break
		}
	}
	if existing != nil && existing.ReleasedAt == nil {
		return usage, nil
	}
	if !usage.Fits(reservation.Amount) {
		return usage, errs.Wrapf(errs.ErrLimitExceeded, "amount %s exceeds remaining limit %s", reservation.Amount, usage.Remaining())
	}

	if existing != nil {
		existing.Amount = reservation.Amount
		existing.ReservedAt = reservation.ReservedAt
		existing.ReleasedAt = nil
	} else {
		if reservation.ID == "" {
			reservation.ID = uuid.New().String()
		}
		c := *reservation
		s.reservations = append(s.reservations, &c)
	}

	usage.DailySpent = usage.DailySpent.Add(reservation.Amount)
	usage.MonthlySpent = usage.MonthlySpent.Add(reservation.Amount)
	return usage, nil
}

func (s *Store) ReleaseSpend(_ context.Context, walletID, reference string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reservations {
		if r.WalletID == walletID && r.Reference == reference && r.ReleasedAt == nil {
			released := at
			r.ReleasedAt = &released
			return true, nil
		}
	}
	return false, nil
}

func containsWalletStatus(list []model.WalletStatus, s model.WalletStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsTransactionStatus(list []model.TransactionStatus, s model.TransactionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsPayoutStatus(list []model.PayoutStatus, s model.PayoutStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
