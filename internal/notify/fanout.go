// README: Fanout delivers every notification to all registered sinks and counts failures.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/observability"
	"ridedispatch/internal/types"
)

type namedSink struct {
	name string
	sink Sink
}

// Fanout calls every sink even when earlier ones fail; the returned error
// joins the individual failures.
type Fanout struct {
	sinks []namedSink
	log   *zap.Logger
}

func NewFanout(log *zap.Logger) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{log: log.Named("notify")}
}

// Add registers a sink. It is not safe to call concurrently with delivery.
func (f *Fanout) Add(name string, s Sink) *Fanout {
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
	return f
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) NotifyDriverNewRequest(ctx context.Context, driverUserID types.ID, r *ride.Ride) error {
	return f.each(func(s Sink) error { return s.NotifyDriverNewRequest(ctx, driverUserID, r) })
}

func (f *Fanout) NotifyDriverWithdrawn(ctx context.Context, driverUserID types.ID, rideID types.ID) error {
	return f.each(func(s Sink) error { return s.NotifyDriverWithdrawn(ctx, driverUserID, rideID) })
}

func (f *Fanout) NotifyRideUpdated(ctx context.Context, rideID types.ID, r *ride.Ride) error {
	return f.each(func(s Sink) error { return s.NotifyRideUpdated(ctx, rideID, r) })
}

func (f *Fanout) NotifyStatusChanged(ctx context.Context, rideID types.ID, status ride.Status, actor types.Actor) error {
	return f.each(func(s Sink) error { return s.NotifyStatusChanged(ctx, rideID, status, actor) })
}

func (f *Fanout) each(call func(Sink) error) error {
	var errs []error
	for _, ns := range f.sinks {
		if err := call(ns.sink); err != nil {
			observability.NotificationsFailed.WithLabelValues(ns.name).Inc()
			f.log.Debug("sink failed", zap.String("sink", ns.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", ns.name, err))
		}
	}
	return errors.Join(errs...)
}
