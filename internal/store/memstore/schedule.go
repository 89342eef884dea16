package memstore

import (
	"context"
	"sync"

	"fleetcore/internal/apperrors"
	"fleetcore/internal/domain/schedule"
)

// ScheduleStore is an in-memory schedule.Store double.
type ScheduleStore struct {
	mu    sync.Mutex
	byBot map[string]*schedule.Schedule
}

func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{byBot: map[string]*schedule.Schedule{}}
}

func (s *ScheduleStore) EnsureSchema(context.Context) error { return nil }

func (s *ScheduleStore) Get(_ context.Context, robotID string) (*schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.byBot[robotID]
	if !ok {
		return nil, apperrors.ErrScheduleNotFound
	}
	cp := *sc
	return &cp, nil
}

func (s *ScheduleStore) Upsert(_ context.Context, sc *schedule.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.byBot[sc.RobotID] = &cp
	return nil
}

func (s *ScheduleStore) Delete(_ context.Context, robotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byBot, robotID)
	return nil
}

func (s *ScheduleStore) ListEnabled(_ context.Context) ([]*schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schedule.Schedule
	for _, sc := range s.byBot {
		if sc.Enabled {
			cp := *sc
			out = append(out, &cp)
		}
	}
	return out, nil
}
