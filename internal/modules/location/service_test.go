package location

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/types"
)

func newRedisIndex(t *testing.T) *RedisIndex {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisIndex(rdb)
}

// Points east of the origin along the equator at ~1.1km, ~3.3km and ~7.8km.
var (
	origin = types.Point{Lat: 0, Lng: 0}
	near   = types.Point{Lat: 0, Lng: 0.01}
	mid    = types.Point{Lat: 0, Lng: 0.03}
	far    = types.Point{Lat: 0, Lng: 0.07}
)

func TestIndexesReturnNearestFirstWithinRadius(t *testing.T) {
	indexes := map[string]Index{
		"redis":   newRedisIndex(t),
		"geohash": NewGeohashIndex(),
	}
	for name, idx := range indexes {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Upsert(ctx, "mid", mid))
			require.NoError(t, idx.Upsert(ctx, "far", far))
			require.NoError(t, idx.Upsert(ctx, "near", near))

			got, err := idx.Nearby(ctx, origin, 5, 0)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, types.ID("near"), got[0].DriverID)
			assert.Equal(t, types.ID("mid"), got[1].DriverID)
			assert.InDelta(t, 1.11, got[0].DistanceKm, 0.05)

			got, err = idx.Nearby(ctx, origin, 5, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)

			require.NoError(t, idx.Remove(ctx, "near"))
			got, err = idx.Nearby(ctx, origin, 5, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, types.ID("mid"), got[0].DriverID)
		})
	}
}

func TestGeohashIndexCrossesCellBoundaries(t *testing.T) {
	ctx := context.Background()
	idx := NewGeohashIndex()
	// 4km north and 4km south of a point sit in different precision-5 cells.
	center := types.Point{Lat: 25.0330, Lng: 121.5654}
	north := types.Point{Lat: 25.0690, Lng: 121.5654}
	south := types.Point{Lat: 24.9970, Lng: 121.5654}
	require.NoError(t, idx.Upsert(ctx, "n", north))
	require.NoError(t, idx.Upsert(ctx, "s", south))

	got, err := idx.Nearby(ctx, center, 5, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGeohashIndexUpsertMovesDriver(t *testing.T) {
	ctx := context.Background()
	idx := NewGeohashIndex()
	require.NoError(t, idx.Upsert(ctx, "d1", far))
	require.NoError(t, idx.Upsert(ctx, "d1", near))

	got, err := idx.Nearby(ctx, origin, 5, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, near, got[0].Position)
}

func TestTrackUpdatesIndexAndSnapshots(t *testing.T) {
	ctx := context.Background()
	idx := NewGeohashIndex()
	snaps := NewMemoryStore()
	svc := NewService(idx, snaps, nil, nil)

	require.NoError(t, svc.Track(ctx, Update{DriverID: "d1", Status: "AVAILABLE", Position: &near, Dispatchable: true}))
	got, err := svc.Nearby(ctx, origin, 5, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, svc.Track(ctx, Update{DriverID: "d1", Status: "OFFLINE"}))
	got, err = svc.Nearby(ctx, origin, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	history, err := svc.History(ctx, "d1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "OFFLINE", history[0].Status)
	assert.Nil(t, history[0].Position)
}
