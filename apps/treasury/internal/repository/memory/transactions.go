package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
)

func (s *Store) InsertTransaction(_ context.Context, t *model.MultiSigTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[t.WalletID]
	if !ok {
		return errs.ErrWalletNotFound
	}
	switch w.Status {
	case model.WalletStatusActive:
	case model.WalletStatusEmergencyLocked:
		return errs.ErrWalletLocked
	default:
		return errs.Wrapf(errs.ErrWalletNotActive, "wallet is %s", w.Status)
	}
	if _, ok := s.transactions[t.ID]; ok {
		return fmt.Errorf("transaction %s already exists", t.ID)
	}
	s.transactions[t.ID] = copyTransaction(t)
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*model.MultiSigTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil, errs.ErrTransactionNotFound
	}
	return copyTransaction(t), nil
}

func (s *Store) ListTransactions(_ context.Context, filter model.TransactionFilter) ([]model.MultiSigTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []model.MultiSigTransaction
	for _, t := range s.transactions {
		if len(filter.Statuses) > 0 && !containsTransactionStatus(filter.Statuses, t.Status) {
			continue
		}
		if filter.WalletID != "" && t.WalletID != filter.WalletID {
			continue
		}
		if filter.ExcludeHeld && t.ExecutionHeld {
			continue
		}
		list = append(list, *copyTransaction(t))
	}
	sortTransactions(list)
	if filter.Limit > 0 && len(list) > filter.Limit {
		list = list[:filter.Limit]
	}
	return list, nil
}

func sortTransactions(list []model.MultiSigTransaction) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func (s *Store) AppendSignature(_ context.Context, id string, sig model.Signature, required int) (*model.MultiSigTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil, errs.ErrTransactionNotFound
	}
	if !t.Status.IsSignable() {
		return nil, errs.Wrapf(errs.ErrTransactionNotSignable, "transaction is %s", t.Status)
	}
	if sig.SignedAt.After(t.ExpiresAt) {
		return nil, errs.ErrTransactionExpired
	}
	if t.HasSigned(sig.Signer) {
		return nil, errs.ErrDuplicateSignature
	}

	t.Signatures = append(t.Signatures, sig)
	t.Status = model.StatusAfterSignature(len(t.Signatures), required)
	t.UpdatedAt = sig.SignedAt
	return copyTransaction(t), nil
}

func (s *Store) TransitionTransaction(_ context.Context, id string, from []model.TransactionStatus, to model.TransactionStatus, patch model.TransactionPatch, at time.Time) (*model.MultiSigTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil, errs.ErrTransactionNotFound
	}
	if !containsTransactionStatus(from, t.Status) {
		return nil, errs.ErrStaleState
	}

	t.Status = to
	t.UpdatedAt = at
	if patch.ExecutionAttempts != nil {
		t.ExecutionAttempts = *patch.ExecutionAttempts
	}
	if patch.ExecutionHeld != nil {
		t.ExecutionHeld = *patch.ExecutionHeld
	}
	if patch.LastError != nil {
		t.LastError = *patch.LastError
	}
	if patch.CancelReason != nil {
		t.CancelReason = *patch.CancelReason
	}
	if patch.TxHash != nil && t.TxHash == "" {
		t.TxHash = *patch.TxHash
	}
	if patch.BlockNumber != nil && t.BlockNumber == 0 {
		t.BlockNumber = *patch.BlockNumber
	}
	if patch.ExecutedAt != nil && t.ExecutedAt == nil {
		executedAt := *patch.ExecutedAt
		t.ExecutedAt = &executedAt
	}
	return copyTransaction(t), nil
}

func (s *Store) ListExpirable(_ context.Context, now time.Time, limit int) ([]model.MultiSigTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []model.MultiSigTransaction
	for _, t := range s.transactions {
		if containsTransactionStatus(model.CancellableStatuses, t.Status) && t.ExpiresAt.Before(now) {
			list = append(list, *copyTransaction(t))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ExpiresAt.Before(list[j].ExpiresAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}
