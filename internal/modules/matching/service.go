// README: Matching service finds the nearest eligible driver for a ride and counts local supply.
package matching

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/config"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/modules/user"
	"ridedispatch/internal/observability"
	"ridedispatch/internal/types"
)

type Users interface {
	Get(ctx context.Context, id types.ID) (*user.User, error)
}

// Rides reads the ride being matched; ride.Store satisfies it.
type Rides interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
}

type Service struct {
	src   source
	users Users
	rides Rides
	cfg   config.MatchingConfig
	log   *zap.Logger
}

func NewService(geo Geo, drivers Drivers, users Users, rides Rides, cfg config.MatchingConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("matching")
	return &Service{
		src:   source{geo: geo, drivers: drivers, log: log},
		users: users,
		rides: rides,
		cfg:   cfg,
		log:   log,
	}
}

// FindNearest returns the closest eligible driver for the ride, skipping the
// ride's rejected drivers and exclude. It returns nil when nobody qualifies.
func (s *Service) FindNearest(ctx context.Context, rideID types.ID, exclude ...types.ID) (*driver.Driver, error) {
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return s.Nearest(ctx, r.Pickup, append(r.Excluded(), exclude...))
}

// Nearest returns the closest eligible driver to p not listed in exclude.
func (s *Service) Nearest(ctx context.Context, p types.Point, exclude []types.ID) (*driver.Driver, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	candidates, err := s.candidates(ctx, p, exclude, 1)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0].Driver, nil
}

// CountAvailable counts eligible drivers within radiusKm of p.
func (s *Service) CountAvailable(ctx context.Context, p types.Point, radiusKm float64) (int, error) {
	nearby, err := s.src.nearby(ctx, p, radiusKm)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	n := 0
	for _, c := range nearby {
		if s.eligible(ctx, c.Driver, nil) {
			n++
		}
	}
	return n, nil
}

// candidates lists up to limit eligible drivers nearest first; limit <= 0
// means all of them.
func (s *Service) candidates(ctx context.Context, p types.Point, exclude []types.ID, limit int) ([]Candidate, error) {
	nearby, err := s.src.nearby(ctx, p, s.cfg.RadiusKm)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	var out []Candidate
	for _, c := range nearby {
		if !s.eligible(ctx, c.Driver, exclude) {
			continue
		}
		out = append(out, Candidate{Driver: c.Driver, DistanceKm: c.DistanceKm})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	observability.MatchCandidates.Observe(float64(len(out)))
	return out, nil
}

func (s *Service) eligible(ctx context.Context, d *driver.Driver, exclude []types.ID) bool {
	if !d.Dispatchable() || types.ContainsID(exclude, d.ID) {
		return false
	}
	u, err := s.users.Get(ctx, d.UserID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.log.Warn("load driver account", zap.String("driver_id", string(d.ID)), zap.Error(err))
		}
		return false
	}
	return u.CanRide()
}
