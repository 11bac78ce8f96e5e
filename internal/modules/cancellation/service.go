// README: Cancellation policy: cancel targets per role, the daily cancellation cap and timed unblocking.
package cancellation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/config"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/scheduler"
	"ridedispatch/internal/types"
)

// Rides counts past cancellations from ride history.
type Rides interface {
	CountTransitions(ctx context.Context, actorID types.ID, status ride.Status, from, to time.Time) (int, error)
}

type Users interface {
	Block(ctx context.Context, id types.ID, until time.Time) (bool, error)
	Unblock(ctx context.Context, id types.ID) (bool, error)
}

type Jobs interface {
	Schedule(ctx context.Context, name string, data map[string]string, delay time.Duration) (*scheduler.Job, error)
	Register(name string, h scheduler.Handler)
}

type Policy struct {
	cfg   config.CancellationConfig
	rides Rides
	users Users
	jobs  Jobs
	clock types.Clock
	log   *zap.Logger
}

func NewPolicy(cfg config.CancellationConfig, rides Rides, users Users, jobs Jobs, clock types.Clock, log *zap.Logger) *Policy {
	if clock == nil {
		clock = types.SystemClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Policy{cfg: cfg, rides: rides, users: users, jobs: jobs, clock: clock, log: log.Named("cancellation")}
}

// RegisterJobs installs the unblock handler on the scheduler.
func (p *Policy) RegisterJobs() {
	p.jobs.Register(scheduler.JobUnblockUser, p.handleUnblock)
}

// Target returns the cancelled status role produces from status from.
func (p *Policy) Target(role types.Role, from ride.Status) (ride.Status, error) {
	if from.Terminal() {
		return "", apperr.BadRequest(fmt.Sprintf("ride is already %s", from))
	}
	target, ok := cancelledBy[role]
	if !ok {
		return "", apperr.Forbidden("role may not cancel rides")
	}
	if role == types.RoleAdmin {
		return target, nil
	}
	for _, s := range cancellable[role] {
		if s == from {
			return target, nil
		}
	}
	return "", apperr.BadRequest(fmt.Sprintf("%s cannot cancel a ride that is %s", role, from))
}

// AfterCancel blocks a rider or driver who reached the daily cancellation cap
// and schedules the unblock.
func (p *Policy) AfterCancel(ctx context.Context, r *ride.Ride, actor types.Actor, status ride.Status) error {
	userID, ok := actor.UserID()
	if !ok || (status != ride.StatusCancelledByRider && status != ride.StatusCancelledByDriver) {
		return nil
	}
	n, err := p.cancelledToday(ctx, userID, status)
	if err != nil {
		return err
	}
	if n < p.cfg.DailyCap {
		return nil
	}

	log := p.log.With(zap.String("user_id", string(userID)), zap.String("ride_id", string(r.ID)), zap.Int("cancellations", n))
	blocked, err := p.users.Block(ctx, userID, p.clock.Now().Add(p.cfg.BlockDuration))
	if err != nil {
		return err
	}
	if !blocked {
		log.Debug("user not active; block skipped")
		return nil
	}
	if _, err := p.jobs.Schedule(ctx, scheduler.JobUnblockUser, map[string]string{userIDKey: string(userID)}, p.cfg.BlockDuration); err != nil {
		return apperr.Internal(fmt.Errorf("schedule unblock: %w", err))
	}
	log.Info("user blocked for repeated cancellations", zap.Duration("for", p.cfg.BlockDuration))
	return nil
}

// CapReached reports whether the rider already cancelled DailyCap rides today.
func (p *Policy) CapReached(ctx context.Context, userID types.ID) (bool, error) {
	n, err := p.cancelledToday(ctx, userID, ride.StatusCancelledByRider)
	if err != nil {
		return false, err
	}
	return n >= p.cfg.DailyCap, nil
}

func (p *Policy) cancelledToday(ctx context.Context, userID types.ID, status ride.Status) (int, error) {
	now := p.clock.Now().In(p.cfg.Location)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, p.cfg.Location)
	n, err := p.rides.CountTransitions(ctx, userID, status, start, start.AddDate(0, 0, 1))
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("count cancellations: %w", err))
	}
	return n, nil
}

func (p *Policy) handleUnblock(ctx context.Context, job *scheduler.Job) error {
	userID := types.ID(job.Data[userIDKey])
	if userID == "" {
		p.log.Warn("unblock job without user id", zap.String("job_id", string(job.ID)))
		return nil
	}
	ok, err := p.users.Unblock(ctx, userID)
	if err != nil {
		return err
	}
	p.log.Info("unblock job ran", zap.String("user_id", string(userID)), zap.Bool("unblocked", ok))
	return nil
}
