package ride

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/testutil"
	"ridedispatch/internal/types"
)

func TestPGStoreCompareAndSet(t *testing.T) {
	db := testutil.PGPool(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := db.Exec(ctx, `INSERT INTO users (id, name) VALUES ('rider', 'Ray'), ('du', 'Dee')`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO drivers (id, user_id, status, approved) VALUES ('d1', 'du', 'OFFLINE', true)`)
	require.NoError(t, err)

	store := NewPGStore(db)
	r := &Ride{
		ID: "r1", UserID: "rider", Status: StatusRequested,
		Pickup: pickup, Dropoff: dropoff, Surge: 1, ApproxFare: 120,
		CreatedAt: now, UpdatedAt: now,
	}
	r.record(StatusRequested, types.UserActor("rider"), now)
	require.NoError(t, store.Create(ctx, r))

	stale, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, stale.History, 1)

	driverID := types.ID("d1")
	version := r.StatusVersion
	r.DriverID = &driverID
	ok, err := store.Update(ctx, r, version, nil)
	require.NoError(t, err)
	require.True(t, ok)

	version = r.StatusVersion
	entry := r.record(StatusAccepted, types.UserActor("du"), now.Add(time.Minute))
	ok, err = store.Update(ctx, r, version, []HistoryEntry{entry})
	require.NoError(t, err)
	require.True(t, ok)

	// A writer holding the old version loses.
	stale.record(StatusCancelledByRider, types.UserActor("rider"), now)
	ok, err = store.Update(ctx, stale, stale.StatusVersion, stale.History[1:])
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, 2, got.StatusVersion)
	require.Len(t, got.History, 2)
	assert.True(t, got.AssignedTo("d1"))

	active, err := store.ActiveByDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.ID("r1"), active.ID)

	n, err := store.CountTransitions(ctx, "du", StatusAccepted, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
