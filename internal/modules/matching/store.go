// README: Candidate source: the driver geo index, with a store scan when the index is unavailable.
package matching

import (
	"context"

	"go.uber.org/zap"

	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/types"
)

// Geo answers nearest-first radius queries over available drivers.
type Geo interface {
	Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]location.Nearby, error)
}

type Drivers interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	NearbyAvailable(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]driver.NearbyDriver, error)
}

type source struct {
	geo     Geo
	drivers Drivers
	log     *zap.Logger
}

// nearby returns drivers within radiusKm of p, nearest first. Driver records
// are re-read so eligibility checks see current state rather than the index.
func (s *source) nearby(ctx context.Context, p types.Point, radiusKm float64) ([]driver.NearbyDriver, error) {
	if s.geo == nil {
		return s.drivers.NearbyAvailable(ctx, p, radiusKm, candidateLimit)
	}
	hits, err := s.geo.Nearby(ctx, p, radiusKm, candidateLimit)
	if err != nil {
		s.log.Warn("geo index lookup failed; scanning driver store", zap.Error(err))
		return s.drivers.NearbyAvailable(ctx, p, radiusKm, candidateLimit)
	}
	out := make([]driver.NearbyDriver, 0, len(hits))
	for _, h := range hits {
		d, err := s.drivers.Get(ctx, h.DriverID)
		if err != nil {
			s.log.Debug("skip indexed driver", zap.String("driver_id", string(h.DriverID)), zap.Error(err))
			continue
		}
		out = append(out, driver.NearbyDriver{Driver: d, DistanceKm: h.DistanceKm})
	}
	return out, nil
}
