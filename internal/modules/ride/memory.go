// README: In-memory ride store mirroring PGStore's compare-and-set semantics.
package ride

import (
	"context"
	"sort"
	"sync"
	"time"

	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/types"
)

type MemoryStore struct {
	mu    sync.Mutex
	rides map[types.ID]*Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[types.ID]*Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, r *Ride, version int, entries []HistoryEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok || cur.StatusVersion != version {
		return false, nil
	}
	next := r.clone()
	next.History = append(append([]HistoryEntry(nil), cur.History...), entries...)
	next.StatusVersion = version + 1
	next.Rating = cur.Rating
	next.Feedback = cur.Feedback
	m.rides[r.ID] = next
	r.StatusVersion = version + 1
	return true, nil
}

func (m *MemoryStore) SetRating(_ context.Context, id types.ID, rating int, feedback string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || r.Status != StatusCompleted || r.Rating != nil {
		return false, nil
	}
	v := rating
	r.Rating = &v
	r.Feedback = feedback
	r.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) ActiveByUser(_ context.Context, userID types.ID) (*Ride, error) {
	return m.first(func(r *Ride) bool { return r.UserID == userID && !r.Status.Terminal() })
}

func (m *MemoryStore) ActiveByDriver(_ context.Context, driverID types.ID) (*Ride, error) {
	return m.first(func(r *Ride) bool {
		return r.AssignedTo(driverID) && r.Status != StatusRequested && !r.Status.Terminal()
	})
}

func (m *MemoryStore) first(match func(*Ride) bool) (*Ride, error) {
	got := m.filter(match, 1)
	if len(got) == 0 {
		return nil, ErrNotFound
	}
	return got[0], nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID types.ID, limit int) ([]*Ride, error) {
	return m.filter(func(r *Ride) bool { return r.UserID == userID }, clampLimit(limit)), nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID types.ID, limit int) ([]*Ride, error) {
	return m.filter(func(r *Ride) bool { return r.AssignedTo(driverID) }, clampLimit(limit)), nil
}

func (m *MemoryStore) RequestsForDriver(_ context.Context, driverID types.ID) ([]*Ride, error) {
	return m.filter(func(r *Ride) bool { return r.AssignedTo(driverID) && r.Status == StatusRequested }, 0), nil
}

func (m *MemoryStore) CountOpenNear(_ context.Context, p types.Point, radiusKm float64) (int, error) {
	open := m.filter(func(r *Ride) bool {
		return (r.Status == StatusRequested || r.Status == StatusPending) &&
			location.DistanceKm(p, r.Pickup) <= radiusKm
	}, 0)
	return len(open), nil
}

func (m *MemoryStore) CountTransitions(_ context.Context, actorID types.ID, status Status, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rides {
		for _, e := range r.History {
			id, ok := e.Actor.UserID()
			if ok && id == actorID && e.Status == status && !e.At.Before(from) && e.At.Before(to) {
				n++
			}
		}
	}
	return n, nil
}

// filter returns matching rides newest first.
func (m *MemoryStore) filter(match func(*Ride) bool, limit int) []*Ride {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ride
	for _, r := range m.rides {
		if match(r) {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
