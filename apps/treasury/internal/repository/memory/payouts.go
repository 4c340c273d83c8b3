package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
)

func (s *Store) InsertPayout(_ context.Context, p *model.PayoutRequest) (*model.PayoutRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ExternalRef != "" {
		for _, existing := range s.payouts {
			if existing.ExternalRef == p.ExternalRef {
				return copyPayout(existing), false, nil
			}
		}
	}
	s.payouts[p.ID] = copyPayout(p)
	return copyPayout(p), true, nil
}

func (s *Store) GetPayout(_ context.Context, id string) (*model.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, errs.ErrPayoutNotFound
	}
	return copyPayout(p), nil
}

func (s *Store) ListPayouts(_ context.Context, filter model.PayoutFilter) ([]model.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []model.PayoutRequest
	for _, p := range s.payouts {
		if len(filter.Statuses) > 0 && !containsPayoutStatus(filter.Statuses, p.Status) {
			continue
		}
		if filter.RequesterID != "" && p.RequesterID != filter.RequesterID {
			continue
		}
		list = append(list, *copyPayout(p))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if filter.Limit > 0 && len(list) > filter.Limit {
		list = list[:filter.Limit]
	}
	return list, nil
}

func (s *Store) ClaimPayouts(_ context.Context, worker string, limit int, lease time.Duration, now time.Time) ([]model.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*model.PayoutRequest
	for _, p := range s.payouts {
		if !containsPayoutStatus(model.ClaimableStatuses, p.Status) {
			continue
		}
		if p.ClaimExpiresAt != nil && !p.ClaimExpiresAt.Before(now) {
			continue
		}
		candidates = append(candidates, p)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	expires := now.Add(lease)
	claimed := make([]model.PayoutRequest, 0, len(candidates))
	for _, p := range candidates {
		p.ClaimedBy = worker
		leaseEnd := expires
		p.ClaimExpiresAt = &leaseEnd
		claimed = append(claimed, *copyPayout(p))
	}
	return claimed, nil
}

func (s *Store) TransitionPayout(_ context.Context, id string, from []model.PayoutStatus, to model.PayoutStatus, patch model.PayoutPatch, at time.Time) (*model.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, errs.ErrPayoutNotFound
	}
	if !containsPayoutStatus(from, p.Status) {
		return nil, errs.ErrStaleState
	}

	p.Status = to
	p.UpdatedAt = at
	p.ClaimedBy = ""
	p.ClaimExpiresAt = nil
	if patch.RiskTier != nil {
		p.RiskTier = *patch.RiskTier
	}
	if patch.RiskScore != nil {
		p.RiskScore = *patch.RiskScore
	}
	if patch.RecommendedAction != nil {
		p.RecommendedAction = *patch.RecommendedAction
	}
	if patch.DecisionReason != nil {
		p.DecisionReason = *patch.DecisionReason
	}
	if patch.WalletID != nil {
		p.WalletID = *patch.WalletID
	}
	if patch.TransactionID != nil {
		p.TransactionID = *patch.TransactionID
	}
	if patch.TxHash != nil && p.TxHash == "" {
		p.TxHash = *patch.TxHash
	}
	if patch.BlockNumber != nil && p.BlockNumber == 0 {
		p.BlockNumber = *patch.BlockNumber
	}
	if patch.Attempts != nil {
		p.Attempts = *patch.Attempts
	}
	if patch.FailureReason != nil {
		p.FailureReason = *patch.FailureReason
	}
	return copyPayout(p), nil
}

func (s *Store) FindPayoutByTransaction(_ context.Context, transactionID string) (*model.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payouts {
		if p.TransactionID == transactionID {
			return copyPayout(p), nil
		}
	}
	return nil, nil
}

func (s *Store) RequesterStats(_ context.Context, requesterID string, since time.Time) (model.RequesterStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := model.RequesterStats{RequesterID: requesterID, TotalVolume: decimal.Zero}
	for _, p := range s.payouts {
		if p.RequesterID != requesterID {
			continue
		}
		executed := p.Status == model.PayoutStatusExecuted
		failed := p.FailureReason != ""
		if executed {
			stats.TotalVolume = stats.TotalVolume.Add(p.Amount)
			stats.ExecutedCount++
		}
		if p.CreatedAt.Before(since) {
			continue
		}
		if executed || failed {
			stats.RecentAttempts++
		}
		if failed {
			stats.RecentFailures++
		}
	}
	return stats, nil
}

func (s *Store) CountPayoutsByStatus(_ context.Context) (map[model.PayoutStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[model.PayoutStatus]int)
	for _, p := range s.payouts {
		counts[p.Status]++
	}
	return counts, nil
}
