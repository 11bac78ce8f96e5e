// README: Scheduler handlers for driver response timeouts and pending-ride retries.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"ridedispatch/internal/scheduler"
	"ridedispatch/internal/types"
)

// RegisterJobs installs the dispatch job handlers on the scheduler.
func (e *Engine) RegisterJobs() {
	e.jobs.Register(scheduler.JobDriverResponseTimeout, e.onDriverTimeout)
	e.jobs.Register(scheduler.JobCheckPendingRide, e.onPendingTick)
}

func (e *Engine) onDriverTimeout(ctx context.Context, job *scheduler.Job) error {
	rideID, driverID := types.ID(job.Data[rideIDKey]), types.ID(job.Data[driverIDKey])
	if rideID == "" || driverID == "" {
		e.log.Warn("driver timeout job missing ids", zap.String("job_id", string(job.ID)))
		return nil
	}
	return e.HandleDriverTimeout(ctx, rideID, driverID)
}

func (e *Engine) onPendingTick(ctx context.Context, job *scheduler.Job) error {
	rideID := types.ID(job.Data[rideIDKey])
	if rideID == "" {
		e.log.Warn("pending check job missing ride id", zap.String("job_id", string(job.ID)))
		return nil
	}
	return e.HandlePendingTick(ctx, rideID)
}
