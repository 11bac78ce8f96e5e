// README: Ride aggregate, status definitions and the predecessor table for forward transitions.
package ride

import (
	"time"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/types"
)

type Status string

const (
	StatusRequested            Status = "REQUESTED"
	StatusPending              Status = "PENDING"
	StatusAccepted             Status = "ACCEPTED"
	StatusGoingToPickUp        Status = "GOING_TO_PICK_UP"
	StatusDriverArrived        Status = "DRIVER_ARRIVED"
	StatusInTransit            Status = "IN_TRANSIT"
	StatusReachedDestination   Status = "REACHED_DESTINATION"
	StatusCompleted            Status = "COMPLETED"
	StatusCancelledByRider     Status = "CANCELLED_BY_RIDER"
	StatusCancelledByDriver    Status = "CANCELLED_BY_DRIVER"
	StatusCancelledByAdmin     Status = "CANCELLED_BY_ADMIN"
	StatusCancelledPendingOver Status = "CANCELLED_FOR_PENDING_TIME_OVER"
)

var (
	ErrNotFound      = apperr.NotFound("ride not found")
	ErrNoDriver      = apperr.NotFound("no driver assigned to ride")
	ErrStatusChanged = apperr.BadRequest("ride status changed")
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledByRider, StatusCancelledByDriver,
		StatusCancelledByAdmin, StatusCancelledPendingOver:
		return true
	}
	return false
}

func (s Status) Cancelled() bool {
	return s.Terminal() && s != StatusCompleted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusPending, StatusAccepted, StatusGoingToPickUp,
		StatusDriverArrived, StatusInTransit, StatusReachedDestination:
		return true
	}
	return s.Terminal()
}

// Predecessors maps each forward status to the only status it may be entered from.
var Predecessors = map[Status]Status{
	StatusAccepted:           StatusRequested,
	StatusGoingToPickUp:      StatusAccepted,
	StatusDriverArrived:      StatusGoingToPickUp,
	StatusInTransit:          StatusDriverArrived,
	StatusReachedDestination: StatusInTransit,
	StatusCompleted:          StatusReachedDestination,
}

func CanTransition(from, to Status) bool {
	pred, ok := Predecessors[to]
	return ok && pred == from
}

// OpenStatuses are rides waiting for a driver; they count as demand for surge.
var OpenStatuses = []Status{StatusRequested, StatusPending}

type HistoryEntry struct {
	Status Status      `json:"status"`
	Actor  types.Actor `json:"actor"`
	At     time.Time   `json:"at"`
}

type Ride struct {
	ID              types.ID       `json:"id"`
	UserID          types.ID       `json:"userId"`
	DriverID        *types.ID      `json:"driverId,omitempty"`
	VehicleID       *types.ID      `json:"vehicleId,omitempty"`
	Status          Status         `json:"status"`
	StatusVersion   int            `json:"statusVersion"`
	History         []HistoryEntry `json:"statusHistory"`
	RejectedDrivers []types.ID     `json:"rejectedDrivers"`
	Pickup          types.Point    `json:"pickupLocation"`
	Dropoff         types.Point    `json:"dropOffLocation"`
	DistanceKm      float64        `json:"distance"`
	DurationMin     float64        `json:"duration"`
	Surge           float64        `json:"surge"`
	ApproxFare      types.Money    `json:"approxFare"`
	Penalty         types.Money    `json:"penalty"`
	FinalFare       *types.Money   `json:"finalFare,omitempty"`
	CancelReason    string         `json:"canceledReason,omitempty"`
	Rating          *int           `json:"rating,omitempty"`
	Feedback        string         `json:"feedback,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// AssignedTo reports whether driverID is the ride's current driver.
func (r *Ride) AssignedTo(driverID types.ID) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

// EnteredAt returns when the ride last entered status.
func (r *Ride) EnteredAt(status Status) (time.Time, bool) {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Status == status {
			return r.History[i].At, true
		}
	}
	return time.Time{}, false
}

// Excluded lists drivers that must not be offered this ride again.
func (r *Ride) Excluded() []types.ID {
	out := make([]types.ID, len(r.RejectedDrivers))
	copy(out, r.RejectedDrivers)
	return out
}

func (r *Ride) record(status Status, actor types.Actor, at time.Time) HistoryEntry {
	e := HistoryEntry{Status: status, Actor: actor, At: at}
	r.Status = status
	r.History = append(r.History, e)
	r.UpdatedAt = at
	return e
}

func (r *Ride) clearDriver() {
	r.DriverID = nil
	r.VehicleID = nil
}

func (r *Ride) reject(driverID types.ID) {
	if !types.ContainsID(r.RejectedDrivers, driverID) {
		r.RejectedDrivers = append(r.RejectedDrivers, driverID)
	}
}

func (r *Ride) clone() *Ride {
	cp := *r
	cp.History = append([]HistoryEntry(nil), r.History...)
	cp.RejectedDrivers = append([]types.ID(nil), r.RejectedDrivers...)
	if r.DriverID != nil {
		v := *r.DriverID
		cp.DriverID = &v
	}
	if r.VehicleID != nil {
		v := *r.VehicleID
		cp.VehicleID = &v
	}
	if r.FinalFare != nil {
		v := *r.FinalFare
		cp.FinalFare = &v
	}
	if r.Rating != nil {
		v := *r.Rating
		cp.Rating = &v
	}
	return &cp
}
