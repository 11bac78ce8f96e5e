// README: Location snapshot store backed by Postgres, with an in-memory twin.
package location

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridedispatch/internal/types"
)

type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap Snapshot) error
	ListSnapshots(ctx context.Context, driverID types.ID, limit int) ([]Snapshot, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	var lat, lng *float64
	if snap.Position != nil {
		lat, lng = &snap.Position.Lat, &snap.Position.Lng
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO driver_location_snapshots (driver_id, status, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(snap.DriverID), snap.Status, lat, lng, snap.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context, driverID types.ID, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, driver_id, status, lat, lng, recorded_at
		FROM driver_location_snapshots
		WHERE driver_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2`, string(driverID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap     Snapshot
			id       string
			lat, lng *float64
		)
		if err := rows.Scan(&snap.ID, &id, &snap.Status, &lat, &lng, &snap.RecordedAt); err != nil {
			return nil, err
		}
		snap.DriverID = types.ID(id)
		if lat != nil && lng != nil {
			snap.Position = &types.Point{Lat: *lat, Lng: *lng}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type MemoryStore struct {
	mu    sync.Mutex
	seq   int64
	snaps []Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	snap.ID = m.seq
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, driverID types.ID, limit int) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for i := len(m.snaps) - 1; i >= 0; i-- {
		if m.snaps[i].DriverID != driverID {
			continue
		}
		out = append(out, m.snaps[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
