package memory

import (
	"context"
	"fmt"
	"time"

	"treasury/apps/treasury/internal/model"
)

func (s *Store) AppendAudit(_ context.Context, entry *model.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *entry
	if c.PublishStatus == "" {
		c.PublishStatus = model.PublishUnsent
	}
	s.audit = append(s.audit, &c)
	return nil
}

// ListAudit returns matching entries newest first.
func (s *Store) ListAudit(_ context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var list []model.AuditLogEntry
	for i := len(s.audit) - 1; i >= 0 && len(list) < limit; i-- {
		e := s.audit[i]
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		list = append(list, *e)
	}
	return list, nil
}

func (s *Store) ClaimUnpublished(_ context.Context, limit int) ([]model.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []model.AuditLogEntry
	for _, e := range s.audit {
		if len(claimed) >= limit {
			break
		}
		if e.PublishStatus == model.PublishUnsent {
			e.PublishStatus = model.PublishProcessing
			claimed = append(claimed, *e)
		}
	}
	return claimed, nil
}

func (s *Store) MarkPublished(_ context.Context, id string) error {
	return s.setPublishStatus(id, model.PublishSent, "")
}

func (s *Store) MarkUnpublished(_ context.Context, id string) error {
	return s.setPublishStatus(id, model.PublishUnsent, model.PublishProcessing)
}

func (s *Store) setPublishStatus(id, status, requiredCurrent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.audit {
		if e.ID != id {
			continue
		}
		if requiredCurrent == "" || e.PublishStatus == requiredCurrent {
			e.PublishStatus = status
		}
		return nil
	}
	return nil
}

func (s *Store) EnsureControl(_ context.Context, defaults model.EngineControl) (*model.EngineControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.control == nil {
		c := defaults
		s.control = &c
	}
	c := *s.control
	return &c, nil
}

func (s *Store) GetControl(_ context.Context) (*model.EngineControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.control == nil {
		return nil, fmt.Errorf("engine control record missing")
	}
	c := *s.control
	return &c, nil
}

func (s *Store) SetHalted(_ context.Context, halted bool, reason, actor string, at time.Time) (bool, *model.EngineControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.control == nil {
		return false, nil, fmt.Errorf("engine control record missing")
	}
	if s.control.Halted == halted {
		c := *s.control
		return false, &c, nil
	}

	changedAt := at
	s.control.Halted = halted
	s.control.HaltReason = reason
	s.control.UpdatedAt = at
	if halted {
		s.control.HaltedBy = actor
		s.control.HaltedAt = &changedAt
	} else {
		s.control.ResumedBy = actor
		s.control.ResumedAt = &changedAt
	}
	c := *s.control
	return true, &c, nil
}

func (s *Store) UpdateSettings(_ context.Context, settings model.EngineSettings, actor string, at time.Time) (*model.EngineControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.control == nil {
		return nil, fmt.Errorf("engine control record missing")
	}
	updated := settings.Apply(*s.control)
	updated.UpdatedBy = actor
	updated.UpdatedAt = at
	s.control = &updated
	c := updated
	return &c, nil
}

func (s *Store) EnsureMerchant(_ context.Context, requesterID string, at time.Time) (*model.MerchantProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.merchants[requesterID]
	if !ok {
		m = &model.MerchantProfile{RequesterID: requesterID, OnboardedAt: at, CreatedAt: at}
		s.merchants[requesterID] = m
	}
	c := *m
	return &c, nil
}

func (s *Store) GetMerchant(_ context.Context, requesterID string) (*model.MerchantProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.merchants[requesterID]
	if !ok {
		return nil, nil
	}
	c := *m
	return &c, nil
}

// PutMerchant seeds a merchant profile with an explicit onboarding time.
func (s *Store) PutMerchant(profile model.MerchantProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := profile
	s.merchants[profile.RequesterID] = &c
}
