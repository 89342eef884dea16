package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleetcore/internal/apperrors"
	"fleetcore/internal/domain/run"
)

// RunStore is an in-memory run.Store double. now is injectable so tests get
// deterministic duration_seconds computations.
type RunStore struct {
	mu        sync.Mutex
	runs      map[string]*run.Run
	logs      map[string][]*run.Log
	artifacts map[string][]run.Artifact
	nextLogID int64
	now       func() time.Time
}

func NewRunStore(now func() time.Time) *RunStore {
	if now == nil {
		now = time.Now
	}
	return &RunStore{
		runs:      map[string]*run.Run{},
		logs:      map[string][]*run.Log{},
		artifacts: map[string][]run.Artifact{},
		now:       now,
	}
}

func (s *RunStore) EnsureSchema(context.Context) error { return nil }

func (s *RunStore) Create(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *RunStore) Get(_ context.Context, runID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, apperrors.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *RunStore) List(_ context.Context, filter run.Filter, page run.Page) ([]*run.Run, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*run.Run
	for _, r := range s.runs {
		if filter.RobotID != "" && r.RobotID != filter.RobotID {
			continue
		}
		if filter.ServiceID != "" && (r.ServiceID == nil || *r.ServiceID != filter.ServiceID) {
			continue
		}
		if filter.TriggerType != "" && r.TriggerType != filter.TriggerType {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].QueuedAt.After(matched[j].QueuedAt) })

	total := len(matched)
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	start := page.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *RunStore) Start(_ context.Context, runID string, startedAt time.Time, params run.StartParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return apperrors.ErrRunNotFound
	}
	if r.Status != run.StatusPending {
		return apperrors.ErrConflict
	}
	r.Status = run.StatusRunning
	r.StartedAt = &startedAt
	r.HostName = params.HostName
	pid := params.ProcessID
	r.ProcessID = &pid
	return nil
}

func (s *RunStore) SetProcessID(_ context.Context, runID string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return apperrors.ErrRunNotFound
	}
	r.ProcessID = &pid
	return nil
}

func (s *RunStore) Finish(_ context.Context, runID string, finishedAt time.Time, params run.FinishParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return apperrors.ErrRunNotFound
	}
	if r.Status.IsTerminal() {
		return nil
	}
	r.Status = params.Status
	r.FinishedAt = &finishedAt
	r.ErrorMessage = params.ErrorMessage
	if params.CanceledAt != nil {
		r.CanceledAt = params.CanceledAt
	}
	if r.StartedAt != nil {
		d := finishedAt.Sub(*r.StartedAt).Seconds()
		r.DurationSeconds = &d
	}
	return nil
}

func (s *RunStore) RequestCancel(_ context.Context, runID, actor string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, apperrors.ErrRunNotFound
	}
	if r.Status == run.StatusCanceled {
		cp := *r
		return &cp, nil
	}
	if r.Status != run.StatusRunning {
		return nil, apperrors.ErrConflict
	}
	r.CancelRequested = true
	r.CanceledBy = actor
	cp := *r
	return &cp, nil
}

func (s *RunStore) AppendLog(_ context.Context, l *run.Log) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	l.ID = s.nextLogID
	cp := *l
	s.logs[l.RunID] = append(s.logs[l.RunID], &cp)
	return l.ID, nil
}

func (s *RunStore) ListLogs(_ context.Context, runID string, limit int) ([]*run.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.logs[runID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	// The most recent limit entries, oldest-first.
	tail := all[len(all)-limit:]
	out := make([]*run.Log, len(tail))
	for i, l := range tail {
		cp := *l
		out[i] = &cp
	}
	return out, nil
}

func (s *RunStore) AddArtifacts(_ context.Context, artifacts []run.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range artifacts {
		s.artifacts[a.RunID] = append(s.artifacts[a.RunID], a)
	}
	return nil
}

func (s *RunStore) CountActiveForRobot(_ context.Context, robotID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		if r.RobotID == robotID && (r.Status == run.StatusPending || r.Status == run.StatusRunning) {
			n++
		}
	}
	return n, nil
}

func (s *RunStore) CountScheduledInWindow(_ context.Context, scheduleID string, from, to time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		if r.ScheduleID == nil || *r.ScheduleID != scheduleID {
			continue
		}
		if r.TriggerType != run.TriggerScheduled {
			continue
		}
		if !r.QueuedAt.Before(from) && r.QueuedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (s *RunStore) LastForRobot(_ context.Context, robotID string) (*run.Run, error) {
	return s.lastSince(robotID, time.Time{})
}

func (s *RunStore) LastSinceForRobot(_ context.Context, robotID string, since time.Time) (*run.Run, error) {
	return s.lastSince(robotID, since)
}

func (s *RunStore) lastSince(robotID string, since time.Time) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *run.Run
	for _, r := range s.runs {
		if r.RobotID != robotID {
			continue
		}
		if r.QueuedAt.Before(since) {
			continue
		}
		if best == nil || r.QueuedAt.After(best.QueuedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *RunStore) RecentForRobot(_ context.Context, robotID string, limit int) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*run.Run
	for _, r := range s.runs {
		if r.RobotID == robotID {
			cp := *r
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].QueuedAt.After(matched[j].QueuedAt) })
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}
