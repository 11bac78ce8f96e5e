// README: Sink pushing ride events to Firebase Cloud Messaging topics.
package notify

import (
	"context"
	"fmt"
	"strconv"

	"firebase.google.com/go/v4/messaging"

	"ridedispatch/internal/types"
)

// Messenger is the part of *messaging.Client the sink uses.
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// UserTopic and RideTopic name the FCM topics apps subscribe to.
func UserTopic(userID types.ID) string { return "user-" + string(userID) }
func RideTopic(rideID types.ID) string { return "ride-" + string(rideID) }

type FCMSink struct {
	events
	client Messenger
}

func NewFCMSink(client Messenger) *FCMSink {
	s := &FCMSink{client: client}
	s.events = newEvents(s.Publish)
	return s
}

func (s *FCMSink) Publish(ctx context.Context, e Event) error {
	msg := &messaging.Message{
		Topic: RideTopic(e.RideID),
		Data: map[string]string{
			"type":    e.Type,
			"ride_id": string(e.RideID),
		},
	}
	if e.Status != "" {
		msg.Data["status"] = string(e.Status)
	}
	if e.Recipient != "" {
		msg.Topic = UserTopic(e.Recipient)
	}

	switch e.Type {
	case EventRideOffered:
		if r := e.Ride; r != nil {
			msg.Data["pickup_lat"] = strconv.FormatFloat(r.Pickup.Lat, 'f', 6, 64)
			msg.Data["pickup_lng"] = strconv.FormatFloat(r.Pickup.Lng, 'f', 6, 64)
			msg.Data["dropoff_lat"] = strconv.FormatFloat(r.Dropoff.Lat, 'f', 6, 64)
			msg.Data["dropoff_lng"] = strconv.FormatFloat(r.Dropoff.Lng, 'f', 6, 64)
			msg.Data["approx_fare"] = strconv.FormatFloat(float64(r.ApproxFare), 'f', 2, 64)
			msg.Notification = &messaging.Notification{
				Title: "New ride request",
				Body:  fmt.Sprintf("Pickup nearby, estimated fare %.2f", float64(r.ApproxFare)),
			}
		}
		msg.Android = &messaging.AndroidConfig{Priority: "high"}
	case EventRideWithdrawn:
		msg.Android = &messaging.AndroidConfig{Priority: "high"}
	case EventStatusChanged:
		if e.Actor != nil {
			msg.Data["actor"] = e.Actor.String()
		}
	}

	if _, err := s.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send to %s: %w", msg.Topic, err)
	}
	return nil
}
