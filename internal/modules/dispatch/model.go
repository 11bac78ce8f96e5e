// README: Dispatch commands, collaborator interfaces and job payload keys.
package dispatch

import (
	"context"
	"time"

	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/pricing"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/modules/user"
	"ridedispatch/internal/scheduler"
	"ridedispatch/internal/types"
)

type CreateCommand struct {
	UserID  types.ID
	Pickup  types.Point
	Dropoff types.Point
}

type RejectCommand struct {
	RideID       types.ID
	DriverUserID types.ID
}

// Rides is the part of the ride service dispatch writes through.
type Rides interface {
	Open(ctx context.Context, r *ride.Ride) error
	Load(ctx context.Context, id types.ID) (*ride.Ride, error)
	Assign(ctx context.Context, r *ride.Ride, d *driver.Driver) (bool, error)
	Disengage(ctx context.Context, r *ride.Ride, driverID types.ID) (bool, error)
	Withdraw(ctx context.Context, r *ride.Ride, driverID types.ID) (bool, error)
	MarkPending(ctx context.Context, r *ride.Ride) (bool, error)
	Expire(ctx context.Context, r *ride.Ride) (bool, error)
	HasActive(ctx context.Context, userID types.ID) (bool, error)
	Notifier() ride.Notifier
}

type Matcher interface {
	FindNearest(ctx context.Context, rideID types.ID, exclude ...types.ID) (*driver.Driver, error)
}

type Drivers interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	GetByUser(ctx context.Context, userID types.ID) (*driver.Driver, error)
	Claim(ctx context.Context, driverID, rideID types.ID) (bool, error)
	Release(ctx context.Context, driverID, rideID types.ID) error
}

type Users interface {
	Get(ctx context.Context, id types.ID) (*user.User, error)
}

type Fares interface {
	Estimate(ctx context.Context, pickup, dropoff types.Point) (pricing.Quote, error)
}

// CancelCap gates ride creation on the daily cancellation cap.
type CancelCap interface {
	CapReached(ctx context.Context, userID types.ID) (bool, error)
}

type Jobs interface {
	Schedule(ctx context.Context, name string, data map[string]string, delay time.Duration) (*scheduler.Job, error)
	Every(ctx context.Context, name string, data map[string]string, interval time.Duration) (*scheduler.Job, error)
	Cancel(ctx context.Context, name string, filter map[string]string) (int, error)
	Register(name string, h scheduler.Handler)
}

// Deps are the engine's collaborators.
type Deps struct {
	Rides   Rides
	Matcher Matcher
	Drivers Drivers
	Users   Users
	Fares   Fares
	Caps    CancelCap
	Jobs    Jobs
}

const (
	rideIDKey   = "rideId"
	driverIDKey = "driverId"
)

// Dispatch outcomes recorded in metrics.
const (
	outcomeAssigned  = "assigned"
	outcomePending   = "pending"
	outcomeClaimLost = "claim_lost"
	outcomeRejected  = "rejected"
	outcomeTimeout   = "timeout"
	outcomeExpired   = "expired"
	outcomeError     = "error"
)
