package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/config"
	"ridedispatch/internal/testutil"
	"ridedispatch/internal/types"
)

type stubMarket struct {
	supply, demand int
	err            error
}

func (m stubMarket) Supply(context.Context, types.Point, float64) (int, error) { return m.supply, m.err }
func (m stubMarket) Demand(context.Context, types.Point, float64) (int, error) { return m.demand, m.err }

var (
	origin = types.Point{Lat: 0, Lng: 0}
	// 0.1 degree of latitude north of origin: ~11.1195 km, ~16.679 min at 40 km/h.
	north = types.Point{Lat: 0.1, Lng: 0}
)

func newTestService(m Market, now time.Time) *Service {
	return NewService(config.Default().Pricing, 5, m, testutil.NewFakeClock(now), nil)
}

func TestService_Estimate(t *testing.T) {
	// 12:00 UTC: off-peak. 08:00 UTC: morning rush.
	offPeak := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	peak := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		market   Market
		now      time.Time
		dropoff  types.Point
		wantFare types.Money
		wantSurg float64
	}{
		{
			name:     "base fare only for a zero-length trip",
			market:   stubMarket{supply: 5, demand: 0},
			now:      offPeak,
			dropoff:  origin,
			wantFare: 50,
			wantSurg: 1,
		},
		{
			// 50 + 25*11.1195 + 5*16.679 = 411.38
			name:     "distance and time charge",
			market:   stubMarket{supply: 5, demand: 5},
			now:      offPeak,
			dropoff:  north,
			wantFare: 411,
			wantSurg: 1,
		},
		{
			name:     "rush hour minimum surge",
			market:   stubMarket{supply: 5, demand: 1},
			now:      peak,
			dropoff:  north,
			wantFare: 494, // 411.38 * 1.2
			wantSurg: 1.2,
		},
		{
			name:     "demand surge beats rush hour",
			market:   stubMarket{supply: 2, demand: 5},
			now:      peak,
			dropoff:  origin,
			wantFare: 100,
			wantSurg: 2,
		},
		{
			name:     "no drivers nearby forces max surge",
			market:   stubMarket{supply: 0, demand: 0},
			now:      offPeak,
			dropoff:  origin,
			wantFare: 150,
			wantSurg: MaxSurge,
		},
		{
			name:     "without a market only time surge applies",
			now:      offPeak,
			dropoff:  origin,
			wantFare: 50,
			wantSurg: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService(tt.market, tt.now)
			got, err := s.Estimate(context.Background(), origin, tt.dropoff)
			if err != nil {
				t.Fatalf("Estimate() error = %v", err)
			}
			if got.Fare != tt.wantFare {
				t.Errorf("Estimate() fare = %v, want %v", got.Fare, tt.wantFare)
			}
			if got.Surge != tt.wantSurg {
				t.Errorf("Estimate() surge = %v, want %v", got.Surge, tt.wantSurg)
			}
		})
	}
}

func TestEstimateReportsDistanceAndDuration(t *testing.T) {
	s := newTestService(nil, time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	q, err := s.Estimate(context.Background(), origin, north)
	require.NoError(t, err)
	assert.InDelta(t, 11.1195, q.DistanceKm, 0.001)
	assert.InDelta(t, 16.679, q.DurationMin, 0.001)
}

func TestEstimateRejectsInvalidPoints(t *testing.T) {
	s := newTestService(nil, time.Now())
	_, err := s.Estimate(context.Background(), types.Point{Lat: 91}, origin)
	assert.Error(t, err)
}

func TestEstimateSurfacesMarketErrors(t *testing.T) {
	s := newTestService(stubMarket{err: errors.New("redis down")}, time.Now())
	_, err := s.Estimate(context.Background(), origin, north)
	assert.Error(t, err)
}

func TestDemandSurge(t *testing.T) {
	tests := []struct {
		demand, supply int
		want           float64
	}{
		{0, 0, 3},
		{10, 0, 3},
		{0, 5, 1},
		{5, 5, 1},
		{6, 5, 1.5},
		{10, 5, 1.5},
		{11, 5, 2},
		{15, 5, 2},
		{16, 5, 2.5},
		{100, 1, 2.5},
	}
	for _, tt := range tests {
		if got := DemandSurge(tt.demand, tt.supply); got != tt.want {
			t.Errorf("DemandSurge(%d, %d) = %v, want %v", tt.demand, tt.supply, got, tt.want)
		}
	}
}

func TestDemandSurgeIsMonotonic(t *testing.T) {
	prev := 0.0
	for demand := 0; demand <= 50; demand++ {
		got := DemandSurge(demand, 7)
		if got < prev {
			t.Fatalf("surge dropped from %v to %v at demand %d", prev, got, demand)
		}
		prev = got
	}
}

func TestTimeSurge(t *testing.T) {
	s := newTestService(nil, time.Now())
	day := func(h, m int) time.Time { return time.Date(2026, 2, 10, h, m, 0, 0, time.UTC) }

	assert.Equal(t, 1.2, s.TimeSurge(day(7, 0)))
	assert.Equal(t, 1.2, s.TimeSurge(day(9, 59)))
	assert.Equal(t, 1.0, s.TimeSurge(day(10, 0)))
	assert.Equal(t, 1.0, s.TimeSurge(day(12, 0)))
	assert.Equal(t, 1.2, s.TimeSurge(day(19, 30)))
	assert.Equal(t, 1.0, s.TimeSurge(day(20, 0)))
}

func TestTimeSurgeUsesConfiguredZone(t *testing.T) {
	cfg := config.Default().Pricing
	cfg.Location = time.FixedZone("UTC+8", 8*60*60)
	s := NewService(cfg, 5, nil, nil, nil)

	// 00:30 UTC is 08:30 local.
	assert.Equal(t, 1.2, s.TimeSurge(time.Date(2026, 2, 10, 0, 30, 0, 0, time.UTC)))
	assert.Equal(t, 1.0, s.TimeSurge(time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)))
}

func TestPenalty(t *testing.T) {
	s := newTestService(nil, time.Now())
	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		took    time.Duration
		dropoff types.Point
		want    types.Money
	}{
		{"on time", 16 * time.Minute, north, 0},
		{"early", 5 * time.Minute, north, 0},
		{"partial minute over rounds up", 17 * time.Minute, north, 10},
		{"several minutes over", 20 * time.Minute, north, 40},
		{"zero-length route", 90 * time.Second, origin, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Penalty(start, start.Add(tt.took), origin, tt.dropoff)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFinalFareIsApproxPlusPenalty(t *testing.T) {
	s := newTestService(stubMarket{supply: 3}, time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	q, err := s.Estimate(context.Background(), origin, north)
	require.NoError(t, err)

	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	penalty := s.Penalty(start, start.Add(25*time.Minute), origin, north)
	final := q.Fare + penalty
	assert.Equal(t, types.Money(411+90), final)
}

func TestDriverShare(t *testing.T) {
	s := newTestService(nil, time.Now())
	assert.Equal(t, types.Money(150), s.DriverShare(200))
	assert.Equal(t, types.Money(307.5), s.DriverShare(410))
}
