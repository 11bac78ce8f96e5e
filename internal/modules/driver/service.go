// README: Driver service: availability, claim/release for dispatch, earnings and ratings.
package driver

import (
	"context"

	"go.uber.org/zap"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/types"
)

type Service struct {
	store    Store
	location *location.Service
	clock    types.Clock
	log      *zap.Logger
}

func NewService(store Store, loc *location.Service, clock types.Clock, log *zap.Logger) *Service {
	if clock == nil {
		clock = types.SystemClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, location: loc, clock: clock, log: log.Named("driver")}
}

type RegisterCommand struct {
	UserID    types.ID
	VehicleID *types.ID
	Approved  bool
}

type AvailabilityCommand struct {
	UserID    types.ID
	Available bool
	Location  *types.Point
}

func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (*Driver, error) {
	if cmd.UserID == "" {
		return nil, apperr.BadRequest("user id is required")
	}
	d := &Driver{
		ID:        types.NewID(),
		UserID:    cmd.UserID,
		VehicleID: cmd.VehicleID,
		Status:    StatusOffline,
		Approved:  cmd.Approved,
		UpdatedAt: s.clock.Now(),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, apperr.Internal(err)
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Driver, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) GetByUser(ctx context.Context, userID types.ID) (*Driver, error) {
	return s.store.GetByUser(ctx, userID)
}

// SetAvailability switches a driver between AVAILABLE and OFFLINE. Drivers on a
// trip keep their status until the ride releases them.
func (s *Service) SetAvailability(ctx context.Context, cmd AvailabilityCommand) (*Driver, error) {
	d, err := s.store.GetByUser(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}
	status, loc := StatusOffline, (*types.Point)(nil)
	if cmd.Available {
		if cmd.Location == nil || !cmd.Location.Valid() {
			return nil, apperr.BadRequest("a valid location is required to go available")
		}
		status, loc = StatusAvailable, cmd.Location
	}
	ok, err := s.store.SetAvailability(ctx, d.ID, status, loc, s.clock.Now())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !ok {
		return nil, apperr.BadRequest("driver is on a trip")
	}
	updated, err := s.store.Get(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	s.track(ctx, updated)
	return updated, nil
}

// Claim reserves an available driver for rideID. It reports false when another
// dispatch got there first or the driver is no longer eligible.
func (s *Service) Claim(ctx context.Context, driverID, rideID types.ID) (bool, error) {
	ok, err := s.store.Claim(ctx, driverID, rideID, s.clock.Now())
	if err != nil {
		return false, apperr.Internal(err)
	}
	if ok {
		s.untrack(ctx, driverID, StatusOnTrip)
	}
	return ok, nil
}

// Release frees the driver if it is still assigned to rideID.
func (s *Service) Release(ctx context.Context, driverID, rideID types.ID) error {
	ok, err := s.store.Release(ctx, driverID, rideID, s.clock.Now())
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		s.log.Debug("release skipped; driver not on this ride",
			zap.String("driver_id", string(driverID)), zap.String("ride_id", string(rideID)))
		return nil
	}
	d, err := s.store.Get(ctx, driverID)
	if err != nil {
		return err
	}
	s.track(ctx, d)
	return nil
}

func (s *Service) Credit(ctx context.Context, driverID types.ID, amount types.Money) error {
	if err := s.store.Credit(ctx, driverID, amount, s.clock.Now()); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func (s *Service) Rate(ctx context.Context, driverID types.ID, rating int) error {
	if err := s.store.AddRating(ctx, driverID, rating, s.clock.Now()); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func (s *Service) NearbyAvailable(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]NearbyDriver, error) {
	return s.store.NearbyAvailable(ctx, p, radiusKm, limit)
}

func (s *Service) track(ctx context.Context, d *Driver) {
	if s.location == nil {
		return
	}
	err := s.location.Track(ctx, location.Update{
		DriverID:     d.ID,
		Status:       string(d.Status),
		Position:     d.Location,
		Dispatchable: d.Dispatchable(),
	})
	if err != nil {
		s.log.Warn("geo index update failed", zap.String("driver_id", string(d.ID)), zap.Error(err))
	}
}

func (s *Service) untrack(ctx context.Context, driverID types.ID, status Status) {
	if s.location == nil {
		return
	}
	if err := s.location.Track(ctx, location.Update{DriverID: driverID, Status: string(status)}); err != nil {
		s.log.Warn("geo index removal failed", zap.String("driver_id", string(driverID)), zap.Error(err))
	}
}
