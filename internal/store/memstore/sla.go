package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetcore/internal/apperrors"
	"fleetcore/internal/domain/sla"
)

// SlaStore is an in-memory sla.Store double.
type SlaStore struct {
	mu     sync.Mutex
	rules  map[string]*sla.Rule
	alerts map[string]*sla.AlertEvent
}

func NewSlaStore() *SlaStore {
	return &SlaStore{
		rules:  map[string]*sla.Rule{},
		alerts: map[string]*sla.AlertEvent{},
	}
}

func (s *SlaStore) EnsureSchema(context.Context) error { return nil }

func (s *SlaStore) GetRule(_ context.Context, robotID string) (*sla.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[robotID]
	if !ok {
		return nil, apperrors.ErrSlaRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *SlaStore) UpsertRule(_ context.Context, r *sla.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rules[r.RobotID] = &cp
	return nil
}

func (s *SlaStore) DeleteRule(_ context.Context, robotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, robotID)
	return nil
}

func (s *SlaStore) ListRules(_ context.Context) ([]*sla.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sla.Rule
	for _, r := range s.rules {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *SlaStore) OpenAlert(_ context.Context, a *sla.AlertEvent) (*sla.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.alerts {
		if existing.RobotID == a.RobotID && existing.Type == a.Type && !existing.IsResolved() {
			cp := *existing
			return &cp, nil
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cp := *a
	s.alerts[a.ID] = &cp
	out := cp
	return &out, nil
}

func (s *SlaStore) GetAlert(_ context.Context, alertID string) (*sla.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return nil, apperrors.ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *SlaStore) ListAlerts(_ context.Context, robotID string, onlyUnresolved bool) ([]*sla.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sla.AlertEvent
	for _, a := range s.alerts {
		if robotID != "" && a.RobotID != robotID {
			continue
		}
		if onlyUnresolved && a.IsResolved() {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *SlaStore) ResolveAlert(_ context.Context, alertID, resolvedBy string, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return apperrors.ErrAlertNotFound
	}
	if a.IsResolved() {
		return nil
	}
	a.ResolvedAt = &resolvedAt
	a.ResolvedBy = resolvedBy
	return nil
}
