// README: Dispatch engine: ride creation, driver offers, rejection and re-dispatch.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/config"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/observability"
	"ridedispatch/internal/scheduler"
	"ridedispatch/internal/types"
)

type Engine struct {
	rides         Rides
	matcher       Matcher
	drivers       Drivers
	users         Users
	fares         Fares
	caps          CancelCap
	jobs          Jobs
	cfg           config.DispatchConfig
	claimAttempts int
	clock         types.Clock
	log           *zap.Logger
}

func NewEngine(deps Deps, cfg config.DispatchConfig, matching config.MatchingConfig, clock types.Clock, log *zap.Logger) *Engine {
	if clock == nil {
		clock = types.SystemClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	attempts := matching.ClaimAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Engine{
		rides:         deps.Rides,
		matcher:       deps.Matcher,
		drivers:       deps.Drivers,
		users:         deps.Users,
		fares:         deps.Fares,
		caps:          deps.Caps,
		jobs:          deps.Jobs,
		cfg:           cfg,
		claimAttempts: attempts,
		clock:         clock,
		log:           log.Named("dispatch"),
	}
}

// CreateRide validates the request, prices it, persists it as REQUESTED and
// offers it to the nearest eligible driver, or parks it as PENDING.
func (e *Engine) CreateRide(ctx context.Context, cmd CreateCommand) (*ride.Ride, error) {
	if !cmd.Pickup.Valid() || !cmd.Dropoff.Valid() {
		return nil, apperr.BadRequest("invalid pickup or drop-off location")
	}
	u, err := e.users.Get(ctx, cmd.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Forbidden("unknown user")
	}
	if err != nil {
		return nil, err
	}
	if !u.CanRide() {
		return nil, apperr.Forbidden("user is not allowed to request rides")
	}
	active, err := e.rides.HasActive(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, apperr.BadRequest("user already has an active ride")
	}
	capped, err := e.caps.CapReached(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}
	if capped {
		return nil, apperr.BadRequest("daily cancellation limit reached")
	}
	if cmd.Pickup.Equal(cmd.Dropoff) {
		return nil, apperr.BadRequest("pickup and drop-off locations cannot be the same")
	}

	quote, err := e.fares.Estimate(ctx, cmd.Pickup, cmd.Dropoff)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	r := &ride.Ride{
		ID:          types.NewID(),
		UserID:      cmd.UserID,
		Status:      ride.StatusRequested,
		Pickup:      cmd.Pickup,
		Dropoff:     cmd.Dropoff,
		DistanceKm:  quote.DistanceKm,
		DurationMin: quote.DurationMin,
		Surge:       quote.Surge,
		ApproxFare:  quote.Fare,
		History:     []ride.HistoryEntry{{Status: ride.StatusRequested, Actor: types.UserActor(cmd.UserID), At: now}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.rides.Open(ctx, r); err != nil {
		return nil, err
	}
	e.log.Info("ride requested", zap.String("ride_id", string(r.ID)), zap.String("user_id", string(cmd.UserID)),
		zap.Float64("fare", float64(r.ApproxFare)), zap.Float64("surge", r.Surge))

	if err := e.assign(ctx, r); err != nil {
		return e.fallback(ctx, r.ID, err)
	}
	return r, nil
}

// Reject lets the offered driver decline a REQUESTED ride; the ride is then
// offered to the next nearest driver.
func (e *Engine) Reject(ctx context.Context, cmd RejectCommand) (*ride.Ride, error) {
	d, err := e.drivers.GetByUser(ctx, cmd.DriverUserID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Forbidden("caller is not a registered driver")
	}
	if err != nil {
		return nil, err
	}
	r, err := e.rides.Load(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, apperr.BadRequest(fmt.Sprintf("ride is already %s", r.Status))
	}
	if r.DriverID == nil {
		return nil, ride.ErrNoDriver
	}
	if !r.AssignedTo(d.ID) {
		return nil, apperr.Forbidden("ride is not offered to this driver")
	}
	if r.Status != ride.StatusRequested {
		return nil, apperr.BadRequest(fmt.Sprintf("ride is %s; only requested rides can be rejected", r.Status))
	}
	ok, err := e.disengage(ctx, r, d.ID, outcomeRejected)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ride.ErrStatusChanged
	}
	if err := e.assign(ctx, r); err != nil {
		return e.fallback(ctx, r.ID, err)
	}
	return r, nil
}

// HandleDriverTimeout withdraws an unanswered offer and re-dispatches. It is a
// no-op unless the ride is still REQUESTED and offered to driverID.
func (e *Engine) HandleDriverTimeout(ctx context.Context, rideID, driverID types.ID) error {
	r, err := e.rides.Load(ctx, rideID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log := e.log.With(zap.String("ride_id", string(rideID)), zap.String("driver_id", string(driverID)))
	if r.Status != ride.StatusRequested || !r.AssignedTo(driverID) {
		log.Debug("stale driver timeout", zap.String("status", string(r.Status)))
		return nil
	}
	ok, err := e.disengage(ctx, r, driverID, outcomeTimeout)
	if err != nil || !ok {
		return err
	}
	log.Info("driver did not respond in time")
	e.withdrawn(ctx, driverID, rideID)
	if err := e.assign(ctx, r); err != nil {
		_, perr := e.fallback(ctx, rideID, err)
		return perr
	}
	return nil
}

// HandlePendingTick retries a PENDING ride until a driver takes it or it
// expires.
func (e *Engine) HandlePendingTick(ctx context.Context, rideID types.ID) error {
	r, err := e.rides.Load(ctx, rideID)
	if errors.Is(err, apperr.ErrNotFound) {
		e.cancelJobs(ctx, scheduler.JobCheckPendingRide, rideID)
		return nil
	}
	if err != nil {
		return err
	}
	if r.Status != ride.StatusPending {
		e.cancelJobs(ctx, scheduler.JobCheckPendingRide, rideID)
		return nil
	}

	if e.clock.Now().Sub(r.CreatedAt) >= e.cfg.PendingExpiry {
		ok, err := e.rides.Expire(ctx, r)
		if err != nil {
			return err
		}
		e.cancelJobs(ctx, scheduler.JobCheckPendingRide, rideID)
		if ok {
			e.cancelJobs(ctx, scheduler.JobDriverResponseTimeout, rideID)
			observability.DispatchOutcomes.WithLabelValues(outcomeExpired).Inc()
			e.log.Info("ride expired waiting for a driver", zap.String("ride_id", string(rideID)))
		}
		return nil
	}

	d, err := e.claimNearest(ctx, r)
	if err != nil || d == nil {
		return err
	}
	offered, err := e.offer(ctx, r, d)
	if err != nil {
		_, perr := e.fallback(ctx, rideID, err)
		return perr
	}
	if offered {
		e.cancelJobs(ctx, scheduler.JobCheckPendingRide, rideID)
	}
	return nil
}

// Accepted drops the response timeout once the driver accepts.
func (e *Engine) Accepted(ctx context.Context, r *ride.Ride) {
	e.cancelJobs(ctx, scheduler.JobDriverResponseTimeout, r.ID)
}

// Cancelled stops the ride's jobs and frees the driver it was assigned to.
func (e *Engine) Cancelled(ctx context.Context, r *ride.Ride, previousDriver *types.ID) {
	e.cancelJobs(ctx, scheduler.JobDriverResponseTimeout, r.ID)
	e.cancelJobs(ctx, scheduler.JobCheckPendingRide, r.ID)
	if previousDriver == nil {
		return
	}
	if err := e.drivers.Release(ctx, *previousDriver, r.ID); err != nil {
		e.log.Error("release driver after cancellation", zap.String("ride_id", string(r.ID)), zap.Error(err))
	}
	e.withdrawn(ctx, *previousDriver, r.ID)
}

// assign offers r to the nearest driver it can claim, or parks it as PENDING.
func (e *Engine) assign(ctx context.Context, r *ride.Ride) error {
	d, err := e.claimNearest(ctx, r)
	if err != nil {
		observability.DispatchOutcomes.WithLabelValues(outcomeError).Inc()
		return err
	}
	if d == nil {
		return e.park(ctx, r)
	}
	_, err = e.offer(ctx, r, d)
	return err
}

// claimNearest finds and claims the nearest eligible driver, skipping drivers
// lost to concurrent claims. It returns nil when nobody could be claimed.
func (e *Engine) claimNearest(ctx context.Context, r *ride.Ride) (*driver.Driver, error) {
	var lost []types.ID
	for attempt := 0; attempt < e.claimAttempts; attempt++ {
		d, err := e.matcher.FindNearest(ctx, r.ID, lost...)
		if err != nil || d == nil {
			return nil, err
		}
		ok, err := e.drivers.Claim(ctx, d.ID, r.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return d, nil
		}
		observability.DispatchOutcomes.WithLabelValues(outcomeClaimLost).Inc()
		lost = append(lost, d.ID)
	}
	return nil, nil
}

// offer assigns the claimed driver d to r, arms the response timeout and
// notifies the driver. A ride that moved on releases the claim, and so does an
// offer whose timeout could not be armed.
func (e *Engine) offer(ctx context.Context, r *ride.Ride, d *driver.Driver) (bool, error) {
	log := e.log.With(zap.String("ride_id", string(r.ID)), zap.String("driver_id", string(d.ID)))
	ok, err := e.rides.Assign(ctx, r, d)
	if err != nil || !ok {
		if rerr := e.drivers.Release(ctx, d.ID, r.ID); rerr != nil {
			log.Error("release unused claim", zap.Error(rerr))
		}
		if err == nil {
			log.Debug("ride changed before assignment; offer dropped")
		}
		return false, err
	}
	data := map[string]string{rideIDKey: string(r.ID), driverIDKey: string(d.ID)}
	if _, err := e.jobs.Schedule(ctx, scheduler.JobDriverResponseTimeout, data, e.cfg.ResponseTimeout); err != nil {
		e.unoffer(ctx, r, d.ID)
		return false, apperr.Internal(fmt.Errorf("schedule driver timeout: %w", err))
	}
	if err := e.rides.Notifier().NotifyDriverNewRequest(ctx, d.UserID, r); err != nil {
		log.Warn("notify driver of new request", zap.Error(err))
	}
	observability.DispatchOutcomes.WithLabelValues(outcomeAssigned).Inc()
	log.Info("ride offered to driver")
	return true, nil
}

// unoffer takes back an offer that has no response timeout behind it and
// frees the claimed driver. The driver stays eligible for this ride.
func (e *Engine) unoffer(ctx context.Context, r *ride.Ride, driverID types.ID) {
	log := e.log.With(zap.String("ride_id", string(r.ID)), zap.String("driver_id", string(driverID)))
	ok, err := e.rides.Withdraw(ctx, r, driverID)
	if err != nil || !ok {
		log.Error("withdraw offer without timeout", zap.Bool("withdrawn", ok), zap.Error(err))
		return
	}
	if err := e.drivers.Release(ctx, driverID, r.ID); err != nil {
		log.Error("release driver of withdrawn offer", zap.Error(err))
	}
}

// park marks a driverless ride PENDING and makes sure the retry job runs. A
// ride that is already PENDING only gets its job checked.
func (e *Engine) park(ctx context.Context, r *ride.Ride) error {
	if r.Status != ride.StatusPending {
		ok, err := e.rides.MarkPending(ctx, r)
		if err != nil {
			return err
		}
		if !ok {
			e.log.Debug("ride changed before it could be parked", zap.String("ride_id", string(r.ID)))
			return nil
		}
		observability.DispatchOutcomes.WithLabelValues(outcomePending).Inc()
		e.log.Info("no driver available; ride pending", zap.String("ride_id", string(r.ID)))
	}
	if _, err := e.jobs.Every(ctx, scheduler.JobCheckPendingRide, map[string]string{rideIDKey: string(r.ID)}, e.cfg.PendingInterval); err != nil {
		return apperr.Internal(fmt.Errorf("schedule pending check: %w", err))
	}
	return nil
}

// fallback parks a ride whose dispatch failed part way, re-reading it first
// since the failed writes may have left the in-memory copy ahead of the store.
func (e *Engine) fallback(ctx context.Context, rideID types.ID, cause error) (*ride.Ride, error) {
	e.log.Error("dispatch failed; parking ride", zap.String("ride_id", string(rideID)), zap.Error(cause))
	r, err := e.rides.Load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := e.park(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// disengage takes the offer back from driverID, frees the driver and drops its
// timeout. False means the ride was no longer offered to that driver.
func (e *Engine) disengage(ctx context.Context, r *ride.Ride, driverID types.ID, cause string) (bool, error) {
	ok, err := e.rides.Disengage(ctx, r, driverID)
	if err != nil || !ok {
		return false, err
	}
	observability.DispatchOutcomes.WithLabelValues(cause).Inc()
	if err := e.drivers.Release(ctx, driverID, r.ID); err != nil {
		e.log.Error("release driver", zap.String("ride_id", string(r.ID)), zap.Error(err))
	}
	filter := map[string]string{rideIDKey: string(r.ID), driverIDKey: string(driverID)}
	if _, err := e.jobs.Cancel(ctx, scheduler.JobDriverResponseTimeout, filter); err != nil {
		e.log.Error("cancel driver timeout", zap.String("ride_id", string(r.ID)), zap.Error(err))
	}
	e.log.Info("driver disengaged", zap.String("ride_id", string(r.ID)),
		zap.String("driver_id", string(driverID)), zap.String("cause", cause))
	return true, nil
}

func (e *Engine) withdrawn(ctx context.Context, driverID, rideID types.ID) {
	d, err := e.drivers.Get(ctx, driverID)
	if err != nil {
		e.log.Warn("load withdrawn driver", zap.String("driver_id", string(driverID)), zap.Error(err))
		return
	}
	if err := e.rides.Notifier().NotifyDriverWithdrawn(ctx, d.UserID, rideID); err != nil {
		e.log.Warn("notify driver withdrawn", zap.String("driver_id", string(driverID)), zap.Error(err))
	}
}

func (e *Engine) cancelJobs(ctx context.Context, name string, rideID types.ID) {
	if _, err := e.jobs.Cancel(ctx, name, map[string]string{rideIDKey: string(rideID)}); err != nil {
		e.log.Error("cancel jobs", zap.String("job", name), zap.String("ride_id", string(rideID)), zap.Error(err))
	}
}
