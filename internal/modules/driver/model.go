// README: Driver dispatch state: availability, position, active ride, earnings and rating.
package driver

import (
	"time"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/types"
)

type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusOnTrip    Status = "ON_TRIP"
	StatusOffline   Status = "OFFLINE"
)

var ErrNotFound = apperr.NotFound("driver not found")

type Driver struct {
	ID          types.ID     `json:"id"`
	UserID      types.ID     `json:"userId"`
	VehicleID   *types.ID    `json:"vehicleId,omitempty"`
	Status      Status       `json:"status"`
	Location    *types.Point `json:"location,omitempty"`
	ActiveRide  *types.ID    `json:"activeRide,omitempty"`
	Approved    bool         `json:"approved"`
	Suspended   bool         `json:"suspended"`
	Earnings    types.Money  `json:"earnings"`
	Rating      float64      `json:"rating"`
	RatingCount int          `json:"ratingCount"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Dispatchable reports whether the driver may be offered a ride right now.
func (d *Driver) Dispatchable() bool {
	return d.Status == StatusAvailable &&
		d.Approved &&
		!d.Suspended &&
		d.ActiveRide == nil &&
		d.Location != nil
}

// NearbyDriver pairs a driver with its distance from a query point.
type NearbyDriver struct {
	Driver     *Driver
	DistanceKm float64
}
