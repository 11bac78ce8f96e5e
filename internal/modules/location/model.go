// README: Driver location snapshots and geo index query results.
package location

import (
	"time"

	"ridedispatch/internal/types"
)

// Snapshot is an audit record of a driver's availability and position.
type Snapshot struct {
	ID         int64        `json:"id"`
	DriverID   types.ID     `json:"driverId"`
	Status     string       `json:"status"`
	Position   *types.Point `json:"position,omitempty"`
	RecordedAt time.Time    `json:"recordedAt"`
}

// Nearby is one geo index hit, nearest first.
type Nearby struct {
	DriverID   types.ID
	Position   types.Point
	DistanceKm float64
}
