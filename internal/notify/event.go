// README: Ride notification events and the adapter that turns Sink calls into published events.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/types"
)

// Sink receives ride lifecycle notifications.
type Sink = ride.Notifier

const (
	EventRideOffered   = "ride.offered"
	EventRideWithdrawn = "ride.withdrawn"
	EventRideUpdated   = "ride.updated"
	EventStatusChanged = "ride.status_changed"
)

// Event is the wire form shared by every transport. Recipient is set when the
// event is addressed to a single user.
type Event struct {
	Type      string       `json:"type"`
	RideID    types.ID     `json:"rideId"`
	Recipient types.ID     `json:"recipient,omitempty"`
	Status    ride.Status  `json:"status,omitempty"`
	Actor     *types.Actor `json:"actor,omitempty"`
	Ride      *ride.Ride   `json:"ride,omitempty"`
	At        time.Time    `json:"at"`
}

func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// Decode parses an event produced by Encode.
func Decode(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}

type publishFunc func(ctx context.Context, e Event) error

// events implements Sink on top of a single publish function.
type events struct {
	publish publishFunc
	clock   types.Clock
}

func newEvents(publish publishFunc) events {
	return events{publish: publish, clock: types.SystemClock}
}

func (s events) NotifyDriverNewRequest(ctx context.Context, driverUserID types.ID, r *ride.Ride) error {
	return s.publish(ctx, Event{Type: EventRideOffered, RideID: r.ID, Recipient: driverUserID, Status: r.Status, Ride: r, At: s.clock.Now()})
}

func (s events) NotifyDriverWithdrawn(ctx context.Context, driverUserID types.ID, rideID types.ID) error {
	return s.publish(ctx, Event{Type: EventRideWithdrawn, RideID: rideID, Recipient: driverUserID, At: s.clock.Now()})
}

func (s events) NotifyRideUpdated(ctx context.Context, rideID types.ID, r *ride.Ride) error {
	return s.publish(ctx, Event{Type: EventRideUpdated, RideID: rideID, Status: r.Status, Ride: r, At: s.clock.Now()})
}

func (s events) NotifyStatusChanged(ctx context.Context, rideID types.ID, status ride.Status, actor types.Actor) error {
	a := actor
	return s.publish(ctx, Event{Type: EventStatusChanged, RideID: rideID, Status: status, Actor: &a, At: s.clock.Now()})
}
