// README: Location service keeps the geo index in step with driver availability and records snapshots.
package location

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ridedispatch/internal/types"
)

type Service struct {
	index Index
	store SnapshotStore
	clock types.Clock
	log   *zap.Logger
}

func NewService(index Index, store SnapshotStore, clock types.Clock, log *zap.Logger) *Service {
	if clock == nil {
		clock = types.SystemClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{index: index, store: store, clock: clock, log: log}
}

type Update struct {
	DriverID types.ID
	Status   string
	Position *types.Point
	// Dispatchable drivers are kept in the geo index; everyone else is removed.
	Dispatchable bool
}

// Track applies an availability change to the index and appends a snapshot.
// Snapshot failures are logged; index failures are returned.
func (s *Service) Track(ctx context.Context, u Update) error {
	var err error
	if u.Dispatchable && u.Position != nil {
		err = s.index.Upsert(ctx, u.DriverID, *u.Position)
	} else {
		err = s.index.Remove(ctx, u.DriverID)
	}
	if err != nil {
		return fmt.Errorf("geo index: %w", err)
	}
	if s.store == nil {
		return nil
	}
	snap := Snapshot{
		DriverID:   u.DriverID,
		Status:     u.Status,
		Position:   u.Position,
		RecordedAt: s.clock.Now(),
	}
	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		s.log.Warn("location snapshot failed", zap.String("driver_id", string(u.DriverID)), zap.Error(err))
	}
	return nil
}

func (s *Service) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	return s.index.Nearby(ctx, p, radiusKm, limit)
}

func (s *Service) History(ctx context.Context, driverID types.ID, limit int) ([]Snapshot, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListSnapshots(ctx, driverID, limit)
}
