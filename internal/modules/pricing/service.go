// README: Pricing service computes fare estimates, surge, overrun penalties and the driver share.
package pricing

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/config"
	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/types"
)

type Service struct {
	cfg      config.PricingConfig
	radiusKm float64
	market   Market
	clock    types.Clock
	log      *zap.Logger
}

// NewService builds the fare engine. radiusKm is the area surge is measured
// over; a nil market disables demand surge.
func NewService(cfg config.PricingConfig, radiusKm float64, market Market, clock types.Clock, log *zap.Logger) *Service {
	if clock == nil {
		clock = types.SystemClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{cfg: cfg, radiusKm: radiusKm, market: market, clock: clock, log: log.Named("pricing")}
}

func (s *Service) Estimate(ctx context.Context, pickup, dropoff types.Point) (Quote, error) {
	if !pickup.Valid() || !dropoff.Valid() {
		return Quote{}, apperr.BadRequest("invalid pickup or drop-off location")
	}
	km := location.DistanceKm(pickup, dropoff)
	minutes := s.EstimatedMinutes(km)
	raw := s.cfg.BaseFare + s.cfg.PerKm*km + s.cfg.PerMinute*minutes

	surge, err := s.Surge(ctx, pickup, s.clock.Now())
	if err != nil {
		return Quote{}, apperr.Internal(err)
	}
	return Quote{
		DistanceKm:  km,
		DurationMin: minutes,
		Surge:       surge,
		Fare:        types.Money(raw * surge).Round(),
	}, nil
}

// EstimatedMinutes is the drive time for km at the configured average speed.
func (s *Service) EstimatedMinutes(km float64) float64 {
	return km / s.cfg.AvgSpeedKmh * 60
}

// Surge is the larger of the demand surge around p and the time-of-day surge at t.
func (s *Service) Surge(ctx context.Context, p types.Point, t time.Time) (float64, error) {
	demandSurge := 1.0
	if s.market != nil {
		supply, err := s.market.Supply(ctx, p, s.radiusKm)
		if err != nil {
			return 0, err
		}
		demand, err := s.market.Demand(ctx, p, s.radiusKm)
		if err != nil {
			return 0, err
		}
		demandSurge = DemandSurge(demand, supply)
		s.log.Debug("demand surge",
			zap.Int("supply", supply), zap.Int("demand", demand), zap.Float64("surge", demandSurge))
	}
	return math.Max(demandSurge, s.TimeSurge(t)), nil
}

// DemandSurge maps the demand/supply ratio onto the surge steps. No supply
// forces MaxSurge.
func DemandSurge(demand, supply int) float64 {
	if supply <= 0 {
		return MaxSurge
	}
	ratio := float64(demand) / float64(supply)
	for _, step := range surgeSteps {
		if ratio <= step.ratio {
			return step.multiplier
		}
	}
	return topSurge
}

// TimeSurge returns the rush-hour minimum surge when t falls in a rush window
// of the configured timezone.
func (s *Service) TimeSurge(t time.Time) float64 {
	local := t.In(s.cfg.Location)
	sinceMidnight := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	for _, w := range s.cfg.RushWindows {
		if sinceMidnight >= w.Start && sinceMidnight < w.End {
			return s.cfg.RushSurge
		}
	}
	return 1
}

// Penalty charges for every started minute the trip ran over its estimate.
func (s *Service) Penalty(start, end time.Time, pickup, dropoff types.Point) types.Money {
	actual := end.Sub(start).Minutes()
	excess := actual - s.EstimatedMinutes(location.DistanceKm(pickup, dropoff))
	if excess <= 0 {
		return 0
	}
	return types.Money(s.cfg.PenaltyPerMinute * math.Ceil(excess))
}

func (s *Service) DriverShare(fare types.Money) types.Money {
	return fare.Share(s.cfg.DriverShare)
}
