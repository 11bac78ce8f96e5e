// README: System-driven ride writes used by dispatch: open, assign, disengage, withdraw, pend and expire.
package ride

import (
	"context"

	"go.uber.org/zap"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/types"
)

// Open persists a newly requested ride.
func (s *Service) Open(ctx context.Context, r *Ride) error {
	if err := s.store.Create(ctx, r); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// Load re-reads a ride without access checks.
func (s *Service) Load(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

// Assign offers the ride to d. The ride must be waiting for a driver; a PENDING
// ride moves back to REQUESTED. False means the ride changed underneath.
func (s *Service) Assign(ctx context.Context, r *Ride, d *driver.Driver) (bool, error) {
	if (r.Status != StatusRequested && r.Status != StatusPending) || r.DriverID != nil {
		return false, nil
	}
	version := r.StatusVersion
	id := d.ID
	r.DriverID = &id
	r.VehicleID = nil
	if d.VehicleID != nil {
		v := *d.VehicleID
		r.VehicleID = &v
	}
	var entries []HistoryEntry
	if r.Status == StatusPending {
		entries = append(entries, r.record(StatusRequested, types.SystemActor, s.clock.Now()))
	} else {
		r.UpdatedAt = s.clock.Now()
	}
	ok, err := s.store.Update(ctx, r, version, entries)
	if err != nil || !ok {
		return false, apperr.Internal(err)
	}
	for _, e := range entries {
		s.announce(ctx, r, e)
	}
	if len(entries) == 0 {
		s.updated(ctx, r)
	}
	return true, nil
}

// Disengage removes driverID from a REQUESTED ride and excludes it from future
// offers. False means the ride is no longer offered to that driver.
func (s *Service) Disengage(ctx context.Context, r *Ride, driverID types.ID) (bool, error) {
	return s.unassign(ctx, r, driverID, true)
}

// Withdraw takes the offer back from driverID without excluding the driver,
// for offers that could not be completed on the system's side.
func (s *Service) Withdraw(ctx context.Context, r *Ride, driverID types.ID) (bool, error) {
	return s.unassign(ctx, r, driverID, false)
}

func (s *Service) unassign(ctx context.Context, r *Ride, driverID types.ID, exclude bool) (bool, error) {
	if r.Status != StatusRequested || !r.AssignedTo(driverID) {
		return false, nil
	}
	version := r.StatusVersion
	if exclude {
		r.reject(driverID)
	}
	r.clearDriver()
	r.UpdatedAt = s.clock.Now()
	ok, err := s.store.Update(ctx, r, version, nil)
	if err != nil || !ok {
		return false, apperr.Internal(err)
	}
	s.updated(ctx, r)
	return true, nil
}

// MarkPending parks a driverless REQUESTED ride until a driver turns up.
func (s *Service) MarkPending(ctx context.Context, r *Ride) (bool, error) {
	if r.Status != StatusRequested || r.DriverID != nil {
		return false, nil
	}
	return s.systemTransition(ctx, r, StatusPending, "")
}

// Expire cancels a ride that stayed PENDING for too long.
func (s *Service) Expire(ctx context.Context, r *Ride) (bool, error) {
	if r.Status != StatusPending {
		return false, nil
	}
	r.clearDriver()
	return s.systemTransition(ctx, r, StatusCancelledPendingOver, "no driver found in time")
}

func (s *Service) systemTransition(ctx context.Context, r *Ride, target Status, reason string) (bool, error) {
	version := r.StatusVersion
	if reason != "" {
		r.CancelReason = reason
	}
	entry := r.record(target, types.SystemActor, s.clock.Now())
	ok, err := s.store.Update(ctx, r, version, []HistoryEntry{entry})
	if err != nil || !ok {
		return false, apperr.Internal(err)
	}
	s.log.Debug("system transition", zap.String("ride_id", string(r.ID)), zap.String("status", string(target)))
	s.announce(ctx, r, entry)
	return true, nil
}
