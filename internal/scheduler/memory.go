// README: In-process job store used by tests and RIDE_STORE=memory deployments.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"ridedispatch/internal/types"
)

type MemoryStore struct {
	mu   sync.Mutex
	jobs map[types.ID]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[types.ID]*Job)}
}

func (s *MemoryStore) Insert(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	cp.Data = copyData(j.Data)
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(j), nil
}

func (s *MemoryStore) FindActive(_ context.Context, name string, data map[string]string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.sorted() {
		if j.Active() && j.Name == name && sameData(j.Data, data) {
			return clone(j), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, name string, filter map[string]string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.sorted() {
		if j.Active() && j.Matches(name, filter) {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (s *MemoryStore) CancelMatching(_ context.Context, name string, filter map[string]string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Active() && j.Matches(name, filter) {
			j.State = StateCancelled
			j.LockedUntil = nil
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := now.Add(lease)
	var out []*Job
	for _, j := range s.sorted() {
		if limit > 0 && len(out) >= limit {
			break
		}
		due := j.State == StateScheduled && !j.RunAt.After(now)
		expired := j.State == StateRunning && j.LockedUntil != nil && j.LockedUntil.Before(now)
		if !due && !expired {
			continue
		}
		j.State = StateRunning
		j.Attempts++
		j.LockedUntil = &until
		j.UpdatedAt = now
		out = append(out, clone(j))
	}
	return out, nil
}

func (s *MemoryStore) Reschedule(_ context.Context, id types.ID, runAt time.Time, attempts int, lastErr string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != StateRunning {
		return false, nil
	}
	j.State = StateScheduled
	j.RunAt = runAt
	j.Attempts = attempts
	j.LastError = lastErr
	j.LockedUntil = nil
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) Finish(_ context.Context, id types.ID, state State, lastErr string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != StateRunning {
		return false, nil
	}
	j.State = state
	j.LastError = lastErr
	j.LockedUntil = nil
	j.UpdatedAt = now
	return true, nil
}

// sorted returns jobs ordered by run time; callers hold mu.
func (s *MemoryStore) sorted() []*Job {
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].RunAt.Equal(out[b].RunAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].RunAt.Before(out[b].RunAt)
	})
	return out
}

func clone(j *Job) *Job {
	cp := *j
	cp.Data = copyData(j.Data)
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		cp.LockedUntil = &t
	}
	return &cp
}
