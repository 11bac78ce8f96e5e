// README: Market view used for demand surge: nearby supply from matching, demand from open rides.
package pricing

import (
	"context"
	"fmt"

	"ridedispatch/internal/types"
)

// Market reports local supply and demand around a pickup point.
type Market interface {
	Supply(ctx context.Context, p types.Point, radiusKm float64) (int, error)
	Demand(ctx context.Context, p types.Point, radiusKm float64) (int, error)
}

// SupplyCounter counts eligible available drivers near a point.
type SupplyCounter interface {
	CountAvailable(ctx context.Context, p types.Point, radiusKm float64) (int, error)
}

// DemandCounter counts rides still waiting for a driver near a point.
type DemandCounter interface {
	CountOpenNear(ctx context.Context, p types.Point, radiusKm float64) (int, error)
}

type market struct {
	supply SupplyCounter
	demand DemandCounter
}

func NewMarket(supply SupplyCounter, demand DemandCounter) Market {
	return &market{supply: supply, demand: demand}
}

func (m *market) Supply(ctx context.Context, p types.Point, radiusKm float64) (int, error) {
	n, err := m.supply.CountAvailable(ctx, p, radiusKm)
	if err != nil {
		return 0, fmt.Errorf("count supply: %w", err)
	}
	return n, nil
}

func (m *market) Demand(ctx context.Context, p types.Point, radiusKm float64) (int, error) {
	n, err := m.demand.CountOpenNear(ctx, p, radiusKm)
	if err != nil {
		return 0, fmt.Errorf("count demand: %w", err)
	}
	return n, nil
}
