package repository

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/openclaw/session-lifecycle/internal/model"
)

// MemorySessionRepository keeps sessions in process memory. It applies the same
// conditional predicates as the PostgreSQL repository and is meant for local
// development and tests.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]*model.Session),
	}
}

func (r *MemorySessionRepository) Upsert(_ context.Context, params model.CreateSessionParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[params.SessionID]; ok {
		if !existing.IsActive() {
			return false, nil
		}
		existing.UserInfo = maps.Clone(params.UserInfo)
		existing.Busy = false
		existing.BusySince = nil
		existing.BusyOwner = nil
		existing.CreatedAt = params.CreatedAt
		existing.LastActivity = latest(existing.LastActivity, params.CreatedAt)
		existing.MessageCount = 0
		return true, nil
	}

	r.sessions[params.SessionID] = &model.Session{
		SessionID:    params.SessionID,
		UserInfo:     maps.Clone(params.UserInfo),
		Status:       model.SessionStatusActive,
		CreatedAt:    params.CreatedAt,
		LastActivity: params.CreatedAt,
	}
	return true, nil
}

func (r *MemorySessionRepository) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (r *MemorySessionRepository) MarkBusy(_ context.Context, id string, at time.Time, owner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || !s.IsActive() || s.Busy {
		return false, nil
	}
	s.Busy = true
	s.BusySince = &at
	s.BusyOwner = &owner
	s.LastActivity = latest(s.LastActivity, at)
	return true, nil
}

func (r *MemorySessionRepository) CompleteTurn(_ context.Context, id string, at time.Time, release bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || !s.IsActive() {
		return false, nil
	}
	if release {
		s.Busy = false
		s.BusySince = nil
		s.BusyOwner = nil
	}
	s.LastActivity = latest(s.LastActivity, at)
	s.MessageCount++
	return true, nil
}

func (r *MemorySessionRepository) ReleaseTurn(_ context.Context, id string, at time.Time, owner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || !s.IsActive() || s.BusyOwner == nil || *s.BusyOwner != owner {
		return false, nil
	}
	s.Busy = false
	s.BusySince = nil
	s.BusyOwner = nil
	s.LastActivity = latest(s.LastActivity, at)
	s.MessageCount++
	return true, nil
}

func (r *MemorySessionRepository) MarkEnded(_ context.Context, params model.EndSessionParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[params.SessionID]
	if !ok || !s.IsActive() {
		return false, nil
	}
	end(s, params)
	s.Busy = false
	s.BusySince = nil
	s.BusyOwner = nil
	return true, nil
}

func (r *MemorySessionRepository) MarkEndedIfStale(_ context.Context, params model.EndSessionParams, cutoff time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[params.SessionID]
	if !ok || !isStale(s, cutoff) {
		return false, nil
	}
	end(s, params)
	return true, nil
}

func (r *MemorySessionRepository) FindStale(_ context.Context, cutoff time.Time, limit int) ([]model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []model.Session
	for _, s := range r.sessions {
		if isStale(s, cutoff) {
			stale = append(stale, *cloneSession(s))
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastActivity.Before(stale[j].LastActivity)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *MemorySessionRepository) ReleaseStuck(_ context.Context, busySince time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released int64
	for _, s := range r.sessions {
		if !s.IsActive() || !s.Busy {
			continue
		}
		since := s.LastActivity
		if s.BusySince != nil {
			since = *s.BusySince
		}
		if since.Before(busySince) {
			s.Busy = false
			s.BusySince = nil
			s.BusyOwner = nil
			released++
		}
	}
	return released, nil
}

func (r *MemorySessionRepository) Stats(_ context.Context) (*model.SessionStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &model.SessionStats{Total: len(r.sessions)}
	for _, s := range r.sessions {
		switch s.Status {
		case model.SessionStatusActive:
			stats.Active++
		case model.SessionStatusEnded:
			stats.Ended++
		}
	}
	return stats, nil
}

func isStale(s *model.Session, cutoff time.Time) bool {
	return s.IsActive() && !s.Busy && s.LastActivity.Before(cutoff)
}

func end(s *model.Session, params model.EndSessionParams) {
	endedAt := params.EndedAt
	reason := params.Reason
	s.Status = model.SessionStatusEnded
	s.EndedAt = &endedAt
	s.EndReason = &reason
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func cloneSession(s *model.Session) *model.Session {
	c := *s
	c.UserInfo = maps.Clone(s.UserInfo)
	if s.BusySince != nil {
		t := *s.BusySince
		c.BusySince = &t
	}
	if s.BusyOwner != nil {
		o := *s.BusyOwner
		c.BusyOwner = &o
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.EndReason != nil {
		r := *s.EndReason
		c.EndReason = &r
	}
	return &c
}

var _ SessionRepository = (*MemorySessionRepository)(nil)
