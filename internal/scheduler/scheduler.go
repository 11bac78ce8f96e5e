// README: Job scheduler: schedule/every/cancel over a durable store plus the polling runner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ridedispatch/internal/observability"
	"ridedispatch/internal/types"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
	Lease        time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	return c
}

type Scheduler struct {
	store Store
	clock types.Clock
	cfg   Config
	log   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(store Store, clock types.Clock, cfg Config, log *zap.Logger) *Scheduler {
	if clock == nil {
		clock = types.SystemClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		log:      log.Named("scheduler"),
		handlers: make(map[string]Handler),
	}
}

func (s *Scheduler) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

func (s *Scheduler) handler(name string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[name]
	return h, ok
}

// Schedule enqueues a one-shot job due after delay.
func (s *Scheduler) Schedule(ctx context.Context, name string, data map[string]string, delay time.Duration) (*Job, error) {
	now := s.clock.Now()
	j := &Job{
		ID:        types.NewID(),
		Name:      name,
		Data:      copyData(data),
		RunAt:     now.Add(delay),
		State:     StateScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Insert(ctx, j); err != nil {
		return nil, err
	}
	observability.JobsScheduled.WithLabelValues(name).Inc()
	s.log.Debug("job scheduled", zap.String("job", name), zap.String("id", string(j.ID)), zap.Time("run_at", j.RunAt))
	return j, nil
}

// Every enqueues a repeating job first due after interval. An active job with
// the same name and data is returned instead of creating a duplicate.
func (s *Scheduler) Every(ctx context.Context, name string, data map[string]string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("every %s: interval must be positive", name)
	}
	existing, err := s.store.FindActive(ctx, name, data)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := s.clock.Now()
	j := &Job{
		ID:        types.NewID(),
		Name:      name,
		Data:      copyData(data),
		RunAt:     now.Add(interval),
		Interval:  interval,
		State:     StateScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Insert(ctx, j); err != nil {
		return nil, err
	}
	observability.JobsScheduled.WithLabelValues(name).Inc()
	return j, nil
}

// Cancel cancels every active job named name whose data contains filter.
func (s *Scheduler) Cancel(ctx context.Context, name string, filter map[string]string) (int, error) {
	n, err := s.store.CancelMatching(ctx, name, filter, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug("jobs cancelled", zap.String("job", name), zap.Any("filter", filter), zap.Int("count", n))
	}
	return n, nil
}

// Pending lists active jobs named name whose data contains filter.
func (s *Scheduler) Pending(ctx context.Context, name string, filter map[string]string) ([]*Job, error) {
	return s.store.List(ctx, name, filter)
}

// Run polls for due jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick claims and runs one batch of due jobs, returning how many ran.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	jobs, err := s.store.ClaimDue(ctx, s.clock.Now(), s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		s.execute(ctx, j)
	}
	return len(jobs), nil
}

func (s *Scheduler) execute(ctx context.Context, j *Job) {
	log := s.log.With(zap.String("job", j.Name), zap.String("id", string(j.ID)), zap.Any("data", j.Data))

	runErr := s.invoke(ctx, j)
	now := s.clock.Now()
	lastErr := ""
	if runErr != nil {
		lastErr = runErr.Error()
	}

	if j.Repeating() {
		outcome := "ok"
		if runErr != nil {
			outcome = "error"
			log.Warn("repeating job failed", zap.Error(runErr))
		}
		observability.JobRuns.WithLabelValues(j.Name, outcome).Inc()
		if _, err := s.store.Reschedule(ctx, j.ID, now.Add(j.Interval), 0, lastErr, now); err != nil {
			log.Error("reschedule repeating job", zap.Error(err))
		}
		return
	}

	if runErr == nil {
		observability.JobRuns.WithLabelValues(j.Name, "ok").Inc()
		if _, err := s.store.Finish(ctx, j.ID, StateDone, "", now); err != nil {
			log.Error("finish job", zap.Error(err))
		}
		return
	}

	if j.Attempts >= s.cfg.MaxAttempts {
		observability.JobRuns.WithLabelValues(j.Name, "dead").Inc()
		log.Error("job dead-lettered", zap.Int("attempts", j.Attempts), zap.Error(runErr))
		if _, err := s.store.Finish(ctx, j.ID, StateDead, lastErr, now); err != nil {
			log.Error("dead-letter job", zap.Error(err))
		}
		return
	}

	delay := s.Backoff(j.Attempts)
	observability.JobRuns.WithLabelValues(j.Name, "retry").Inc()
	log.Warn("job failed; retrying", zap.Int("attempts", j.Attempts), zap.Duration("delay", delay), zap.Error(runErr))
	if _, err := s.store.Reschedule(ctx, j.ID, now.Add(delay), j.Attempts, lastErr, now); err != nil {
		log.Error("reschedule failed job", zap.Error(err))
	}
}

func (s *Scheduler) invoke(ctx context.Context, j *Job) (err error) {
	h, ok := s.handler(j.Name)
	if !ok {
		return fmt.Errorf("no handler registered for %q", j.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, j)
}

// Backoff returns the retry delay after the given number of attempts:
// RetryBase doubling per attempt, capped at RetryMax.
func (s *Scheduler) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := s.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.RetryMax {
			return s.cfg.RetryMax
		}
	}
	if d > s.cfg.RetryMax {
		d = s.cfg.RetryMax
	}
	return d
}
