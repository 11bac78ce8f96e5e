// README: In-memory driver store with the same conditional-update semantics as PGStore.
package driver

import (
	"context"
	"sync"
	"time"

	"ridedispatch/internal/types"
)

type MemoryStore struct {
	mu      sync.Mutex
	drivers map[types.ID]*Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[types.ID]*Driver)}
}

func (m *MemoryStore) Create(_ context.Context, d *Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) GetByUser(_ context.Context, userID types.ID) (*Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drivers {
		if d.UserID == userID {
			return clone(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SetAvailability(_ context.Context, id types.ID, status Status, loc *types.Point, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok || d.Status == StatusOnTrip {
		return false, nil
	}
	d.Status = status
	d.Location = copyPoint(loc)
	d.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) Claim(_ context.Context, id, rideID types.ID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok || d.Status != StatusAvailable || d.ActiveRide != nil || !d.Approved || d.Suspended {
		return false, nil
	}
	r := rideID
	d.Status = StatusOnTrip
	d.ActiveRide = &r
	d.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, id, rideID types.ID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok || d.ActiveRide == nil || *d.ActiveRide != rideID {
		return false, nil
	}
	d.ActiveRide = nil
	if d.Status == StatusOnTrip {
		d.Status = StatusAvailable
	}
	d.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) Credit(_ context.Context, id types.ID, amount types.Money, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Earnings = (d.Earnings + amount).Cents()
	d.UpdatedAt = now
	return nil
}

func (m *MemoryStore) AddRating(_ context.Context, id types.ID, rating int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Rating = (d.Rating*float64(d.RatingCount) + float64(rating)) / float64(d.RatingCount+1)
	d.RatingCount++
	d.UpdatedAt = now
	return nil
}

func (m *MemoryStore) NearbyAvailable(_ context.Context, p types.Point, radiusKm float64, limit int) ([]NearbyDriver, error) {
	m.mu.Lock()
	var candidates []*Driver
	for _, d := range m.drivers {
		if d.Dispatchable() {
			candidates = append(candidates, clone(d))
		}
	}
	m.mu.Unlock()
	return withinRadius(candidates, p, radiusKm, limit), nil
}

func clone(d *Driver) *Driver {
	cp := *d
	cp.Location = copyPoint(d.Location)
	if d.ActiveRide != nil {
		r := *d.ActiveRide
		cp.ActiveRide = &r
	}
	if d.VehicleID != nil {
		v := *d.VehicleID
		cp.VehicleID = &v
	}
	return &cp
}

func copyPoint(p *types.Point) *types.Point {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
