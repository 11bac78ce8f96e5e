// README: Ride state machine tests (flow, guards, terminal idempotence, races).
package ride

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/testutil"
	"ridedispatch/internal/types"
)

var (
	pickup  = types.Point{Lat: 25.0330, Lng: 121.5654}
	dropoff = types.Point{Lat: 25.0478, Lng: 121.5170}
	start   = time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
)

type stubFares struct{ penalty types.Money }

func (f stubFares) Penalty(_, _ time.Time, _, _ types.Point) types.Money { return f.penalty }
func (stubFares) DriverShare(fare types.Money) types.Money           { return fare.Share(0.75) }

type stubPolicy struct {
	mu        sync.Mutex
	cancelled []Status
}

func (p *stubPolicy) Target(role types.Role, from Status) (Status, error) {
	if from.Terminal() {
		return "", apperr.BadRequest("ride already finished")
	}
	switch role {
	case types.RoleRider:
		if from == StatusRequested || from == StatusPending {
			return StatusCancelledByRider, nil
		}
	case types.RoleDriver:
		return StatusCancelledByDriver, nil
	case types.RoleAdmin:
		return StatusCancelledByAdmin, nil
	}
	return "", apperr.BadRequest("cannot cancel now")
}

func (p *stubPolicy) AfterCancel(_ context.Context, _ *Ride, _ types.Actor, status Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, status)
	return nil
}

type recordingDispatcher struct {
	mu        sync.Mutex
	accepted  []types.ID
	cancelled []types.ID
}

func (d *recordingDispatcher) Accepted(_ context.Context, r *Ride) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepted = append(d.accepted, r.ID)
}

func (d *recordingDispatcher) Cancelled(_ context.Context, r *Ride, _ *types.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, r.ID)
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	drivers  *driver.Service
	clock    *testutil.FakeClock
	dispatch *recordingDispatcher
	policy   *stubPolicy
}

func newHarness(t *testing.T, fares stubFares) *harness {
	t.Helper()
	clock := testutil.NewFakeClock(start)
	loc := location.NewService(location.NewGeohashIndex(), nil, clock, nil)
	drivers := driver.NewService(driver.NewMemoryStore(), loc, clock, nil)
	store := NewMemoryStore()
	policy := &stubPolicy{}
	svc := NewService(store, drivers, fares, policy, nil, clock, nil)
	disp := &recordingDispatcher{}
	svc.SetDispatcher(disp)
	return &harness{svc: svc, store: store, drivers: drivers, clock: clock, dispatch: disp, policy: policy}
}

func (h *harness) driver(t *testing.T, userID types.ID) *driver.Driver {
	t.Helper()
	ctx := context.Background()
	_, err := h.drivers.Register(ctx, driver.RegisterCommand{UserID: userID, Approved: true})
	require.NoError(t, err)
	p := pickup
	d, err := h.drivers.SetAvailability(ctx, driver.AvailabilityCommand{UserID: userID, Available: true, Location: &p})
	require.NoError(t, err)
	return d
}

// requested opens a ride for rider and offers it to d.
func (h *harness) requested(t *testing.T, rider types.ID, d *driver.Driver, fare types.Money) *Ride {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now()
	r := &Ride{
		ID:         types.NewID(),
		UserID:     rider,
		Status:     StatusRequested,
		Pickup:     pickup,
		Dropoff:    dropoff,
		ApproxFare: fare,
		Surge:      1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.History = []HistoryEntry{{Status: StatusRequested, Actor: types.UserActor(rider), At: now}}
	require.NoError(t, h.svc.Open(ctx, r))
	if d != nil {
		ok, err := h.drivers.Claim(ctx, d.ID, r.ID)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = h.svc.Assign(ctx, r, d)
		require.NoError(t, err)
		require.True(t, ok)
	}
	return r
}

func cmd(r *Ride, role types.Role, actor types.ID) TransitionCommand {
	return TransitionCommand{RideID: r.ID, Role: role, ActorID: actor}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusRequested, StatusAccepted, true},
		{StatusAccepted, StatusGoingToPickUp, true},
		{StatusGoingToPickUp, StatusDriverArrived, true},
		{StatusDriverArrived, StatusInTransit, true},
		{StatusInTransit, StatusReachedDestination, true},
		{StatusReachedDestination, StatusCompleted, true},
		// skipping states
		{StatusRequested, StatusInTransit, false},
		{StatusAccepted, StatusDriverArrived, false},
		{StatusPending, StatusAccepted, false},
		// terminal states have no outgoing transitions
		{StatusCompleted, StatusAccepted, false},
		{StatusCancelledByRider, StatusAccepted, false},
		// repeating a transition
		{StatusAccepted, StatusAccepted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCompletingRideCreditsDriverAndReleasesIt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{})
	d := h.driver(t, "driver-user")
	r := h.requested(t, "rider", d, 200)

	steps := []func(context.Context, TransitionCommand) (*Ride, error){
		h.svc.Accept, h.svc.GoToPickUp, h.svc.Arrive, h.svc.StartTrip, h.svc.ReachDestination, h.svc.Complete,
	}
	for _, step := range steps {
		h.clock.Advance(time.Minute)
		_, err := step(ctx, cmd(r, types.RoleDriver, "driver-user"))
		require.NoError(t, err)
	}

	got, err := h.store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.FinalFare)
	assert.Equal(t, types.Money(200), *got.FinalFare)
	assert.Len(t, got.History, 7)

	dr, err := h.drivers.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Money(150), dr.Earnings)
	assert.Equal(t, driver.StatusAvailable, dr.Status)
	assert.Nil(t, dr.ActiveRide)
	assert.Equal(t, []types.ID{r.ID}, h.dispatch.accepted)
}

func TestReachDestinationAddsPenaltyToFinalFare(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{penalty: 30})
	d := h.driver(t, "du")
	r := h.requested(t, "rider", d, 120)
	for _, step := range []func(context.Context, TransitionCommand) (*Ride, error){
		h.svc.Accept, h.svc.GoToPickUp, h.svc.Arrive, h.svc.StartTrip, h.svc.ReachDestination,
	} {
		_, err := step(ctx, cmd(r, types.RoleDriver, "du"))
		require.NoError(t, err)
	}
	got, err := h.store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Money(30), got.Penalty)
	assert.Equal(t, got.ApproxFare+got.Penalty, *got.FinalFare)
}

func TestTransitionGuards(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{})
	d := h.driver(t, "du")
	h.driver(t, "other")
	r := h.requested(t, "rider", d, 100)

	_, err := h.svc.Accept(ctx, cmd(r, types.RoleDriver, "other"))
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "other driver: %v", err)

	_, err = h.svc.Accept(ctx, cmd(r, types.RoleRider, "rider"))
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "rider: %v", err)

	_, err = h.svc.Accept(ctx, cmd(r, types.RoleAdmin, "admin"))
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "admin accept: %v", err)

	_, err = h.svc.Arrive(ctx, cmd(r, types.RoleDriver, "du"))
	assert.True(t, errors.Is(err, apperr.ErrBadRequest), "skip: %v", err)

	_, err = h.svc.Accept(ctx, cmd(r, types.RoleDriver, "du"))
	require.NoError(t, err)
	_, err = h.svc.Accept(ctx, cmd(r, types.RoleDriver, "du"))
	assert.True(t, errors.Is(err, apperr.ErrBadRequest), "repeat: %v", err)

	// Admins bypass ownership but not ordering.
	_, err = h.svc.StartTrip(ctx, cmd(r, types.RoleAdmin, "admin"))
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
	_, err = h.svc.GoToPickUp(ctx, cmd(r, types.RoleAdmin, "admin"))
	require.NoError(t, err)
}

func TestTransitionWithoutDriverIsNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{})
	r := h.requested(t, "rider", nil, 100)

	_, err := h.svc.Accept(ctx, cmd(r, types.RoleDriver, "du"))
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = h.svc.Accept(ctx, TransitionCommand{RideID: "missing", Role: types.RoleDriver, ActorID: "du"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestChangeStatusRejectsCancelTargets(t *testing.T) {
	h := newHarness(t, stubFares{})
	d := h.driver(t, "du")
	r := h.requested(t, "rider", d, 100)
	_, err := h.svc.ChangeStatus(context.Background(), cmd(r, types.RoleDriver, "du"), StatusCancelledByDriver)
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
	_, err = h.svc.ChangeStatus(context.Background(), cmd(r, types.RoleDriver, "du"), StatusAccepted)
	assert.NoError(t, err)
}

func TestTerminalRideIsFinal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{})
	d := h.driver(t, "du")
	r := h.requested(t, "rider", d, 100)

	got, err := h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, Role: types.RoleRider, ActorID: "rider", Reason: "changed plans"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledByRider, got.Status)
	assert.Nil(t, got.DriverID)
	assert.Equal(t, []types.ID{r.ID}, h.dispatch.cancelled)

	for _, target := range []Status{StatusAccepted, StatusGoingToPickUp, StatusCompleted} {
		_, err := h.svc.ChangeStatus(ctx, cmd(r, types.RoleAdmin, "admin"), target)
		if !errors.Is(err, apperr.ErrBadRequest) {
			t.Errorf("admin %s on cancelled ride: want bad request, got %v", target, err)
		}
		_, err = h.svc.ChangeStatus(ctx, cmd(r, types.RoleDriver, "du"), target)
		if !errors.Is(err, apperr.ErrBadRequest) {
			t.Errorf("driver %s on cancelled ride: want bad request, got %v", target, err)
		}
	}
	_, err = h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, Role: types.RoleAdmin, ActorID: "admin"})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))

	stored, err := h.store.Get(ctx, r.ID)
	require.NoError(t, err)
	terminal := 0
	for _, e := range stored.History {
		if e.Status.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.Equal(t, []Status{StatusCancelledByRider}, h.policy.cancelled)
}

func TestCancelOwnership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{})
	d := h.driver(t, "du")
	h.driver(t, "other")
	r := h.requested(t, "rider", d, 100)

	_, err := h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, Role: types.RoleRider, ActorID: "someone-else"})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, Role: types.RoleDriver, ActorID: "other"})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}

func TestRate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{})
	d := h.driver(t, "du")
	r := h.requested(t, "rider", d, 100)

	_, err := h.svc.Rate(ctx, RateCommand{RideID: r.ID, UserID: "rider", Rating: 5})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest), "not completed")

	for _, step := range []func(context.Context, TransitionCommand) (*Ride, error){
		h.svc.Accept, h.svc.GoToPickUp, h.svc.Arrive, h.svc.StartTrip, h.svc.ReachDestination, h.svc.Complete,
	} {
		_, err := step(ctx, cmd(r, types.RoleDriver, "du"))
		require.NoError(t, err)
	}

	_, err = h.svc.Rate(ctx, RateCommand{RideID: r.ID, UserID: "rider", Rating: 6})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
	_, err = h.svc.Rate(ctx, RateCommand{RideID: r.ID, UserID: "intruder", Rating: 4})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	got, err := h.svc.Rate(ctx, RateCommand{RideID: r.ID, UserID: "rider", Rating: 4, Feedback: "smooth"})
	require.NoError(t, err)
	assert.Equal(t, 4, *got.Rating)

	_, err = h.svc.Rate(ctx, RateCommand{RideID: r.ID, UserID: "rider", Rating: 5})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))

	dr, _ := h.drivers.Get(ctx, d.ID)
	assert.Equal(t, 4.0, dr.Rating)
}

func TestDisengageGrowsRejectedDrivers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{})
	d1 := h.driver(t, "u1")
	d2 := h.driver(t, "u2")
	r := h.requested(t, "rider", d1, 100)

	ok, err := h.svc.Disengage(ctx, r, d1.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []types.ID{d1.ID}, r.RejectedDrivers)
	assert.Nil(t, r.DriverID)

	// A stale disengage for the same driver is a no-op.
	ok, err = h.svc.Disengage(ctx, r, d1.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.svc.Assign(ctx, r, d2)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = h.svc.Disengage(ctx, r, d2.ID)
	require.NoError(t, err)
	require.True(t, ok)

	stored, _ := h.store.Get(ctx, r.ID)
	assert.Equal(t, []types.ID{d1.ID, d2.ID}, stored.RejectedDrivers)

	ok, err = h.svc.MarkPending(ctx, stored)
	require.NoError(t, err)
	assert.True(t, ok)
	h.clock.Advance(10 * time.Minute)
	ok, err = h.svc.Expire(ctx, stored)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusCancelledPendingOver, stored.Status)
	assert.True(t, stored.History[len(stored.History)-1].Actor.IsSystem())
}

func TestStaleWriteLosesCompareAndSet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{})
	r := h.requested(t, "rider", nil, 100)

	stale, err := h.store.Get(ctx, r.ID)
	require.NoError(t, err)
	ok, err := h.svc.MarkPending(ctx, r)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.svc.MarkPending(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentAcceptSameRide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{})
	d := h.driver(t, "du")
	r := h.requested(t, "rider", d, 100)

	const n = 5
	errs := make(chan error, n)
	begin := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-begin
			_, err := h.svc.Accept(ctx, cmd(r, types.RoleDriver, "du"))
			errs <- err
		}()
	}
	close(begin)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, apperr.ErrBadRequest) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, success)
	stored, _ := h.store.Get(ctx, r.ID)
	assert.Len(t, stored.History, 2)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{})
	d := h.driver(t, "du")
	r := h.requested(t, "rider", d, 100)

	reqs, err := h.svc.IncomingRequests(ctx, "du")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, r.ID, reqs[0].ID)

	_, err = h.svc.Active(ctx, types.RoleDriver, "du")
	assert.True(t, errors.Is(err, ErrNotFound), "offered rides are not active for the driver yet")

	_, err = h.svc.Accept(ctx, cmd(r, types.RoleDriver, "du"))
	require.NoError(t, err)
	active, err := h.svc.Active(ctx, types.RoleDriver, "du")
	require.NoError(t, err)
	assert.Equal(t, r.ID, active.ID)

	active, err = h.svc.Active(ctx, types.RoleRider, "rider")
	require.NoError(t, err)
	assert.Equal(t, r.ID, active.ID)

	has, err := h.svc.HasActive(ctx, "rider")
	require.NoError(t, err)
	assert.True(t, has)

	hist, err := h.svc.History(ctx, types.RoleRider, "rider", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	_, err = h.svc.Get(ctx, ViewQuery{RideID: r.ID, Role: types.RoleRider, ActorID: "nosy"})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	got, err := h.svc.Get(ctx, ViewQuery{RideID: r.ID, Role: types.RoleDriver, ActorID: "du"})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)

	_, err = h.svc.IncomingRequests(ctx, "not-a-driver")
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}

func TestCanViewFollowsGetRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubFares{})
	d := h.driver(t, "du")
	h.driver(t, "other")
	r := h.requested(t, "rider", d, 100)

	cases := []struct {
		user types.ID
		role types.Role
		want bool
	}{
		{"rider", types.RoleRider, true},
		{"someone", types.RoleRider, false},
		{"du", types.RoleDriver, true},
		{"other", types.RoleDriver, false},
		{"admin", types.RoleAdmin, true},
	}
	for _, tc := range cases {
		if got := h.svc.CanView(ctx, tc.user, tc.role, r.ID); got != tc.want {
			t.Errorf("CanView(%s as %s) = %v, want %v", tc.user, tc.role, got, tc.want)
		}
	}
	assert.False(t, h.svc.CanView(ctx, "admin", types.RoleAdmin, "missing"))
}
