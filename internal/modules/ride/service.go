// README: Ride state machine: role-gated transitions, cancellation, rating, queries and dispatch writes.
package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/observability"
	"ridedispatch/internal/types"
)

// Drivers is the slice of the driver module the state machine needs.
type Drivers interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	GetByUser(ctx context.Context, userID types.ID) (*driver.Driver, error)
	Release(ctx context.Context, driverID, rideID types.ID) error
	Credit(ctx context.Context, driverID types.ID, amount types.Money) error
	Rate(ctx context.Context, driverID types.ID, rating int) error
}

type Fares interface {
	Penalty(start, end time.Time, pickup, dropoff types.Point) types.Money
	DriverShare(fare types.Money) types.Money
}

type CancelPolicy interface {
	Target(role types.Role, from Status) (Status, error)
	AfterCancel(ctx context.Context, r *Ride, actor types.Actor, status Status) error
}

// Dispatcher receives side effects of accepted transitions.
type Dispatcher interface {
	Accepted(ctx context.Context, r *Ride)
	Cancelled(ctx context.Context, r *Ride, previousDriver *types.ID)
}

type Notifier interface {
	NotifyDriverNewRequest(ctx context.Context, driverUserID types.ID, r *Ride) error
	NotifyDriverWithdrawn(ctx context.Context, driverUserID types.ID, rideID types.ID) error
	NotifyRideUpdated(ctx context.Context, rideID types.ID, r *Ride) error
	NotifyStatusChanged(ctx context.Context, rideID types.ID, status Status, actor types.Actor) error
}

type Service struct {
	store    Store
	drivers  Drivers
	fares    Fares
	policy   CancelPolicy
	notifier Notifier
	dispatch Dispatcher
	clock    types.Clock
	log      *zap.Logger
}

func NewService(store Store, drivers Drivers, fares Fares, policy CancelPolicy, notifier Notifier, clock types.Clock, log *zap.Logger) *Service {
	if clock == nil {
		clock = types.SystemClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		store:    store,
		drivers:  drivers,
		fares:    fares,
		policy:   policy,
		notifier: notifier,
		clock:    clock,
		log:      log.Named("ride"),
	}
}

// SetDispatcher wires the dispatch engine after both services exist.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatch = d
}

func (s *Service) Notifier() Notifier { return s.notifier }

type TransitionCommand struct {
	RideID  types.ID
	Role    types.Role
	ActorID types.ID
}

type CancelCommand struct {
	RideID  types.ID
	Role    types.Role
	ActorID types.ID
	Reason  string
}

type RateCommand struct {
	RideID   types.ID
	UserID   types.ID
	Rating   int
	Feedback string
}

type ViewQuery struct {
	RideID  types.ID
	Role    types.Role
	ActorID types.ID
}

func (s *Service) Accept(ctx context.Context, cmd TransitionCommand) (*Ride, error) {
	return s.transition(ctx, cmd, StatusAccepted)
}

func (s *Service) GoToPickUp(ctx context.Context, cmd TransitionCommand) (*Ride, error) {
	return s.transition(ctx, cmd, StatusGoingToPickUp)
}

func (s *Service) Arrive(ctx context.Context, cmd TransitionCommand) (*Ride, error) {
	return s.transition(ctx, cmd, StatusDriverArrived)
}

func (s *Service) StartTrip(ctx context.Context, cmd TransitionCommand) (*Ride, error) {
	return s.transition(ctx, cmd, StatusInTransit)
}

func (s *Service) ReachDestination(ctx context.Context, cmd TransitionCommand) (*Ride, error) {
	return s.transition(ctx, cmd, StatusReachedDestination)
}

func (s *Service) Complete(ctx context.Context, cmd TransitionCommand) (*Ride, error) {
	return s.transition(ctx, cmd, StatusCompleted)
}

// ChangeStatus runs the forward transition into target. Cancellation has its
// own entry point.
func (s *Service) ChangeStatus(ctx context.Context, cmd TransitionCommand, target Status) (*Ride, error) {
	if target.Cancelled() {
		return nil, apperr.BadRequest("use cancel to cancel a ride")
	}
	if _, ok := Predecessors[target]; !ok {
		return nil, apperr.BadRequest(fmt.Sprintf("cannot change status to %q", target))
	}
	return s.transition(ctx, cmd, target)
}

func (s *Service) transition(ctx context.Context, cmd TransitionCommand, target Status) (*Ride, error) {
	pred := Predecessors[target]
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, apperr.BadRequest(fmt.Sprintf("ride is already %s", r.Status))
	}
	if r.DriverID == nil {
		return nil, ErrNoDriver
	}
	if err := s.authorizeDriver(ctx, r, cmd.Role, cmd.ActorID, target != StatusAccepted); err != nil {
		return nil, err
	}
	if r.Status != pred {
		return nil, apperr.BadRequest(fmt.Sprintf("ride is %s; %s requires %s", r.Status, target, pred))
	}

	version := r.StatusVersion
	now := s.clock.Now()
	if target == StatusReachedDestination {
		start, ok := r.EnteredAt(StatusInTransit)
		if !ok {
			start = now
		}
		r.Penalty = s.fares.Penalty(start, now, r.Pickup, r.Dropoff)
		final := r.ApproxFare + r.Penalty
		r.FinalFare = &final
	}
	entry := r.record(target, types.UserActor(cmd.ActorID), now)
	if err := s.save(ctx, r, version, entry); err != nil {
		return nil, err
	}

	switch target {
	case StatusAccepted:
		if s.dispatch != nil {
			s.dispatch.Accepted(ctx, r)
		}
	case StatusCompleted:
		s.settle(ctx, r)
	}
	s.announce(ctx, r, entry)
	return r, nil
}

// settle releases the driver and credits the driver's share of the final fare.
func (s *Service) settle(ctx context.Context, r *Ride) {
	driverID := *r.DriverID
	log := s.log.With(zap.String("ride_id", string(r.ID)), zap.String("driver_id", string(driverID)))
	if err := s.drivers.Release(ctx, driverID, r.ID); err != nil {
		log.Error("release driver after completion", zap.Error(err))
	}
	fare := r.ApproxFare
	if r.FinalFare != nil {
		fare = *r.FinalFare
	}
	if err := s.drivers.Credit(ctx, driverID, s.fares.DriverShare(fare)); err != nil {
		log.Error("credit driver earnings", zap.Error(err))
	}
}

func (s *Service) authorizeDriver(ctx context.Context, r *Ride, role types.Role, actorID types.ID, adminAllowed bool) error {
	switch role {
	case types.RoleAdmin:
		if adminAllowed {
			return nil
		}
		return apperr.Forbidden("only the assigned driver can accept a ride")
	case types.RoleDriver:
		d, err := s.callerDriver(ctx, actorID)
		if err != nil {
			return err
		}
		if !r.AssignedTo(d.ID) {
			return apperr.Forbidden("ride is assigned to another driver")
		}
		if !d.Approved || d.Suspended {
			return apperr.Forbidden("driver is not allowed to drive")
		}
		return nil
	}
	return apperr.Forbidden("only the assigned driver or an admin can change ride status")
}

func (s *Service) callerDriver(ctx context.Context, userID types.ID) (*driver.Driver, error) {
	d, err := s.drivers.GetByUser(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Forbidden("caller is not a registered driver")
	}
	return d, err
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	switch cmd.Role {
	case types.RoleRider:
		if r.UserID != cmd.ActorID {
			return nil, apperr.Forbidden("ride belongs to another rider")
		}
	case types.RoleDriver:
		d, err := s.callerDriver(ctx, cmd.ActorID)
		if err != nil {
			return nil, err
		}
		if !r.AssignedTo(d.ID) {
			return nil, apperr.Forbidden("ride is not assigned to this driver")
		}
	case types.RoleAdmin:
	default:
		return nil, apperr.Forbidden("role may not cancel rides")
	}
	target, err := s.policy.Target(cmd.Role, r.Status)
	if err != nil {
		return nil, err
	}

	version := r.StatusVersion
	previous := r.DriverID
	actor := types.UserActor(cmd.ActorID)
	r.CancelReason = cmd.Reason
	r.clearDriver()
	entry := r.record(target, actor, s.clock.Now())
	if err := s.save(ctx, r, version, entry); err != nil {
		return nil, err
	}

	if s.dispatch != nil {
		s.dispatch.Cancelled(ctx, r, previous)
	}
	if err := s.policy.AfterCancel(ctx, r, actor, target); err != nil {
		s.log.Error("cancellation policy", zap.String("ride_id", string(r.ID)), zap.Error(err))
	}
	s.announce(ctx, r, entry)
	return r, nil
}

func (s *Service) Rate(ctx context.Context, cmd RateCommand) (*Ride, error) {
	if cmd.Rating < 1 || cmd.Rating > 5 {
		return nil, apperr.BadRequest("rating must be between 1 and 5")
	}
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if r.UserID != cmd.UserID {
		return nil, apperr.Forbidden("ride belongs to another rider")
	}
	if r.Status != StatusCompleted {
		return nil, apperr.BadRequest("only completed rides can be rated")
	}
	if r.Rating != nil {
		return nil, apperr.BadRequest("ride already rated")
	}
	ok, err := s.store.SetRating(ctx, r.ID, cmd.Rating, cmd.Feedback, s.clock.Now())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !ok {
		return nil, apperr.BadRequest("ride already rated")
	}
	if r.DriverID != nil {
		if err := s.drivers.Rate(ctx, *r.DriverID, cmd.Rating); err != nil {
			s.log.Error("update driver rating", zap.String("ride_id", string(r.ID)), zap.Error(err))
		}
	}
	rating := cmd.Rating
	r.Rating = &rating
	r.Feedback = cmd.Feedback
	return r, nil
}

func (s *Service) Get(ctx context.Context, q ViewQuery) (*Ride, error) {
	r, err := s.store.Get(ctx, q.RideID)
	if err != nil {
		return nil, err
	}
	switch q.Role {
	case types.RoleAdmin:
		return r, nil
	case types.RoleRider:
		if r.UserID == q.ActorID {
			return r, nil
		}
	case types.RoleDriver:
		d, err := s.callerDriver(ctx, q.ActorID)
		if err != nil {
			return nil, err
		}
		if r.AssignedTo(d.ID) {
			return r, nil
		}
	}
	return nil, apperr.Forbidden("no access to this ride")
}

// CanView reports whether userID acting as role may see rideID under the rules
// of Get.
func (s *Service) CanView(ctx context.Context, userID types.ID, role types.Role, rideID types.ID) bool {
	_, err := s.Get(ctx, ViewQuery{RideID: rideID, Role: role, ActorID: userID})
	return err == nil
}

// Active returns the caller's ride in progress: any non-terminal ride for a
// rider, an accepted ride for a driver.
func (s *Service) Active(ctx context.Context, role types.Role, actorID types.ID) (*Ride, error) {
	switch role {
	case types.RoleRider:
		return s.store.ActiveByUser(ctx, actorID)
	case types.RoleDriver:
		d, err := s.callerDriver(ctx, actorID)
		if err != nil {
			return nil, err
		}
		return s.store.ActiveByDriver(ctx, d.ID)
	}
	return nil, apperr.BadRequest("active ride lookup needs a rider or driver")
}

func (s *Service) History(ctx context.Context, role types.Role, actorID types.ID, limit int) ([]*Ride, error) {
	switch role {
	case types.RoleRider:
		return s.store.ListByUser(ctx, actorID, limit)
	case types.RoleDriver:
		d, err := s.callerDriver(ctx, actorID)
		if err != nil {
			return nil, err
		}
		return s.store.ListByDriver(ctx, d.ID, limit)
	}
	return nil, apperr.BadRequest("ride history needs a rider or driver")
}

// IncomingRequests lists rides currently offered to the caller's driver.
func (s *Service) IncomingRequests(ctx context.Context, driverUserID types.ID) ([]*Ride, error) {
	d, err := s.callerDriver(ctx, driverUserID)
	if err != nil {
		return nil, err
	}
	return s.store.RequestsForDriver(ctx, d.ID)
}

// HasActive reports whether the user has a non-terminal ride.
func (s *Service) HasActive(ctx context.Context, userID types.ID) (bool, error) {
	_, err := s.store.ActiveByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal(err)
	}
	return true, nil
}

func (s *Service) save(ctx context.Context, r *Ride, version int, entries ...HistoryEntry) error {
	ok, err := s.store.Update(ctx, r, version, entries)
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		return ErrStatusChanged
	}
	return nil
}

func (s *Service) announce(ctx context.Context, r *Ride, entry HistoryEntry) {
	observability.RideTransitions.WithLabelValues(string(entry.Status)).Inc()
	if err := s.notifier.NotifyStatusChanged(ctx, r.ID, entry.Status, entry.Actor); err != nil {
		s.log.Warn("notify status changed", zap.String("ride_id", string(r.ID)), zap.Error(err))
	}
	s.updated(ctx, r)
}

func (s *Service) updated(ctx context.Context, r *Ride) {
	if err := s.notifier.NotifyRideUpdated(ctx, r.ID, r); err != nil {
		s.log.Warn("notify ride updated", zap.String("ride_id", string(r.ID)), zap.Error(err))
	}
}

type nopNotifier struct{}

func (nopNotifier) NotifyDriverNewRequest(context.Context, types.ID, *Ride) error { return nil }
func (nopNotifier) NotifyDriverWithdrawn(context.Context, types.ID, types.ID) error { return nil }
func (nopNotifier) NotifyRideUpdated(context.Context, types.ID, *Ride) error { return nil }
func (nopNotifier) NotifyStatusChanged(context.Context, types.ID, Status, types.Actor) error {
	return nil
}
