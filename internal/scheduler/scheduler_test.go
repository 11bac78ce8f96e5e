package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/testutil"
)

var t0 = time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *MemoryStore, *testutil.FakeClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := testutil.NewFakeClock(t0)
	s := New(store, clock, Config{MaxAttempts: 3, RetryBase: 5 * time.Second, RetryMax: 20 * time.Second}, nil)
	return s, store, clock
}

func TestScheduleRunsOnceWhenDue(t *testing.T) {
	ctx := context.Background()
	s, store, clock := newTestScheduler(t)

	runs := 0
	s.Register("ping", func(_ context.Context, j *Job) error {
		runs++
		assert.Equal(t, "r1", j.Data["rideId"])
		return nil
	})
	j, err := s.Schedule(ctx, "ping", map[string]string{"rideId": "r1"}, time.Minute)
	require.NoError(t, err)

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(time.Minute)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, runs)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, got.State)

	clock.Advance(time.Hour)
	_, _ = s.Tick(ctx)
	assert.Equal(t, 1, runs)
}

func TestEveryIsIdempotentAndRepeats(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestScheduler(t)

	runs := 0
	s.Register("tick", func(context.Context, *Job) error {
		runs++
		return errors.New("still failing")
	})
	data := map[string]string{"rideId": "r1"}
	a, err := s.Every(ctx, "tick", data, 30*time.Second)
	require.NoError(t, err)
	b, err := s.Every(ctx, "tick", data, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	for i := 0; i < 4; i++ {
		clock.Advance(30 * time.Second)
		_, err := s.Tick(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, runs)

	pending, err := s.Pending(ctx, "tick", data)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, StateScheduled, pending[0].State)
}

func TestCancelMatchesDataSubset(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestScheduler(t)

	runs := 0
	s.Register("timeout", func(context.Context, *Job) error { runs++; return nil })
	_, err := s.Schedule(ctx, "timeout", map[string]string{"rideId": "r1", "driverId": "d1"}, time.Minute)
	require.NoError(t, err)
	_, err = s.Schedule(ctx, "timeout", map[string]string{"rideId": "r1", "driverId": "d2"}, time.Minute)
	require.NoError(t, err)
	_, err = s.Schedule(ctx, "timeout", map[string]string{"rideId": "r2", "driverId": "d3"}, time.Minute)
	require.NoError(t, err)

	n, err := s.Cancel(ctx, "timeout", map[string]string{"rideId": "r1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	clock.Advance(time.Minute)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
}

func TestRepeatingJobCancellingItselfStops(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestScheduler(t)

	runs := 0
	s.Register("self", func(ctx context.Context, j *Job) error {
		runs++
		_, err := s.Cancel(ctx, j.Name, j.Data)
		return err
	})
	_, err := s.Every(ctx, "self", map[string]string{"rideId": "r1"}, 30*time.Second)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		clock.Advance(30 * time.Second)
		_, _ = s.Tick(ctx)
	}
	assert.Equal(t, 1, runs)
	pending, err := s.Pending(ctx, "self", nil)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOneShotRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	s, store, clock := newTestScheduler(t)

	runs := 0
	s.Register("flaky", func(context.Context, *Job) error { runs++; return errors.New("boom") })
	j, err := s.Schedule(ctx, "flaky", nil, 0)
	require.NoError(t, err)

	_, _ = s.Tick(ctx)
	got, _ := store.Get(ctx, j.ID)
	assert.Equal(t, StateScheduled, got.State)
	assert.Equal(t, t0.Add(5*time.Second), got.RunAt)
	assert.Equal(t, "boom", got.LastError)

	clock.Advance(5 * time.Second)
	_, _ = s.Tick(ctx)
	got, _ = store.Get(ctx, j.ID)
	assert.Equal(t, clock.Now().Add(10*time.Second), got.RunAt)

	clock.Advance(10 * time.Second)
	_, _ = s.Tick(ctx)
	got, _ = store.Get(ctx, j.ID)
	assert.Equal(t, StateDead, got.State)
	assert.Equal(t, 3, runs)
}

func TestUnregisteredJobIsRetried(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestScheduler(t)
	j, err := s.Schedule(ctx, "unknown", nil, 0)
	require.NoError(t, err)
	_, _ = s.Tick(ctx)
	got, _ := store.Get(ctx, j.ID)
	assert.Equal(t, StateScheduled, got.State)
	assert.Contains(t, got.LastError, "no handler")
}

func TestPanickingHandlerIsContained(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestScheduler(t)
	s.Register("panics", func(context.Context, *Job) error { panic("bad") })
	j, err := s.Schedule(ctx, "panics", nil, 0)
	require.NoError(t, err)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	got, _ := store.Get(ctx, j.ID)
	assert.Contains(t, got.LastError, "panic")
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := testutil.NewFakeClock(t0)
	j := &Job{ID: "j1", Name: "x", RunAt: t0, State: StateScheduled, CreatedAt: t0}
	require.NoError(t, store.Insert(ctx, j))

	claimed, err := store.ClaimDue(ctx, clock.Now(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	claimed, err = store.ClaimDue(ctx, clock.Advance(30*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = store.ClaimDue(ctx, clock.Advance(31*time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)
}

func TestBackoff(t *testing.T) {
	s := New(NewMemoryStore(), nil, Config{}, nil)
	assert.Equal(t, 5*time.Second, s.Backoff(1))
	assert.Equal(t, 10*time.Second, s.Backoff(2))
	assert.Equal(t, 40*time.Second, s.Backoff(4))
	assert.Equal(t, 5*time.Minute, s.Backoff(20))
}
