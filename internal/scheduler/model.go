// README: Durable job model; jobs carry ids only and are matched by name plus data subset.
package scheduler

import (
	"context"
	"time"

	"ridedispatch/internal/types"
)

type State string

const (
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
	StateDead      State = "dead"
)

// Job kinds run by the dispatch and cancellation modules.
const (
	JobDriverResponseTimeout = "driverResponseTimeout"
	JobCheckPendingRide      = "checkPendingRide"
	JobUnblockUser           = "unblockUserAfter24Hours"
)

type Job struct {
	ID          types.ID
	Name        string
	Data        map[string]string
	RunAt       time.Time
	Interval    time.Duration
	State       State
	Attempts    int
	LastError   string
	LockedUntil *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Handler runs one job execution. A returned error triggers retry for one-shot
// jobs; repeating jobs are rescheduled either way.
type Handler func(ctx context.Context, job *Job) error

func (j *Job) Repeating() bool { return j.Interval > 0 }

func (j *Job) Active() bool {
	return j.State == StateScheduled || j.State == StateRunning
}

// Matches reports whether the job has the given name and its data contains
// every key/value of filter.
func (j *Job) Matches(name string, filter map[string]string) bool {
	if j.Name != name {
		return false
	}
	for k, v := range filter {
		if j.Data[k] != v {
			return false
		}
	}
	return true
}

func sameData(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func copyData(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
