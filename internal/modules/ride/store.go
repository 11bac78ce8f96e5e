// README: Ride store backed by PostgreSQL; every write is a compare-and-set on status_version.
package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/types"
)

type Store interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	// Update persists r if its stored version still equals version, appends
	// entries to the history and bumps r.StatusVersion. It reports false when
	// another writer got there first.
	Update(ctx context.Context, r *Ride, version int, entries []HistoryEntry) (bool, error)
	// SetRating stores a rating once for a completed ride.
	SetRating(ctx context.Context, id types.ID, rating int, feedback string, now time.Time) (bool, error)
	ActiveByUser(ctx context.Context, userID types.ID) (*Ride, error)
	ActiveByDriver(ctx context.Context, driverID types.ID) (*Ride, error)
	ListByUser(ctx context.Context, userID types.ID, limit int) ([]*Ride, error)
	ListByDriver(ctx context.Context, driverID types.ID, limit int) ([]*Ride, error)
	// RequestsForDriver lists REQUESTED rides currently offered to driverID.
	RequestsForDriver(ctx context.Context, driverID types.ID) ([]*Ride, error)
	// CountOpenNear counts REQUESTED and PENDING rides picking up within radiusKm of p.
	CountOpenNear(ctx context.Context, p types.Point, radiusKm float64) (int, error)
	// CountTransitions counts history entries by a user actor into status within [from, to).
	CountTransitions(ctx context.Context, actorID types.ID, status Status, from, to time.Time) (int, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const rideColumns = `id, user_id, driver_id, vehicle_id, status, status_version, rejected_drivers,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, distance_km, duration_min, surge,
	approx_fare, penalty, final_fare, cancel_reason, rating, feedback, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, r *Ride) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rides (`+rideColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			        $15, $16, $17, $18, $19, $20, $21, $22)`,
			string(r.ID), string(r.UserID), idPtr(r.DriverID), idPtr(r.VehicleID),
			string(r.Status), r.StatusVersion, idStrings(r.RejectedDrivers),
			r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng,
			r.DistanceKm, r.DurationMin, r.Surge,
			float64(r.ApproxFare), float64(r.Penalty), moneyPtr(r.FinalFare),
			r.CancelReason, r.Rating, r.Feedback, r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert ride: %w", err)
		}
		return appendHistory(ctx, tx, r.ID, 0, r.History)
	})
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	r, err := scanRide(s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PGStore) Update(ctx context.Context, r *Ride, version int, entries []HistoryEntry) (bool, error) {
	updated := false
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rides
			SET driver_id = $3, vehicle_id = $4, status = $5, status_version = status_version + 1,
			    rejected_drivers = $6, surge = $7, approx_fare = $8, penalty = $9, final_fare = $10,
			    cancel_reason = $11, updated_at = $12
			WHERE id = $1 AND status_version = $2`,
			string(r.ID), version, idPtr(r.DriverID), idPtr(r.VehicleID), string(r.Status),
			idStrings(r.RejectedDrivers), r.Surge, float64(r.ApproxFare), float64(r.Penalty),
			moneyPtr(r.FinalFare), r.CancelReason, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update ride: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return nil
		}
		updated = true
		return appendHistory(ctx, tx, r.ID, len(r.History)-len(entries), entries)
	})
	if err != nil || !updated {
		return false, err
	}
	r.StatusVersion = version + 1
	return true, nil
}

func (s *PGStore) SetRating(ctx context.Context, id types.ID, rating int, feedback string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides SET rating = $2, feedback = $3, updated_at = $4
		WHERE id = $1 AND status = 'COMPLETED' AND rating IS NULL`,
		string(id), rating, feedback, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const terminalFilter = `status NOT IN ('COMPLETED', 'CANCELLED_BY_RIDER', 'CANCELLED_BY_DRIVER', 'CANCELLED_BY_ADMIN', 'CANCELLED_FOR_PENDING_TIME_OVER')`

func (s *PGStore) ActiveByUser(ctx context.Context, userID types.ID) (*Ride, error) {
	return s.first(ctx, `WHERE user_id = $1 AND `+terminalFilter, string(userID))
}

func (s *PGStore) ActiveByDriver(ctx context.Context, driverID types.ID) (*Ride, error) {
	return s.first(ctx, `WHERE driver_id = $1 AND status <> 'REQUESTED' AND `+terminalFilter, string(driverID))
}

func (s *PGStore) first(ctx context.Context, where string, arg string) (*Ride, error) {
	rides, err := s.list(ctx, where+` ORDER BY created_at DESC LIMIT 1`, arg)
	if err != nil {
		return nil, err
	}
	if len(rides) == 0 {
		return nil, ErrNotFound
	}
	return rides[0], nil
}

func (s *PGStore) ListByUser(ctx context.Context, userID types.ID, limit int) ([]*Ride, error) {
	return s.list(ctx, `WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, string(userID), clampLimit(limit))
}

func (s *PGStore) ListByDriver(ctx context.Context, driverID types.ID, limit int) ([]*Ride, error) {
	return s.list(ctx, `WHERE driver_id = $1 ORDER BY created_at DESC LIMIT $2`, string(driverID), clampLimit(limit))
}

func (s *PGStore) RequestsForDriver(ctx context.Context, driverID types.ID) ([]*Ride, error) {
	return s.list(ctx, `WHERE driver_id = $1 AND status = 'REQUESTED' ORDER BY created_at`, string(driverID))
}

func (s *PGStore) CountOpenNear(ctx context.Context, p types.Point, radiusKm float64) (int, error) {
	dLat := radiusKm / 111.0
	rows, err := s.db.Query(ctx, `
		SELECT pickup_lat, pickup_lng FROM rides
		WHERE status IN ('REQUESTED', 'PENDING') AND pickup_lat BETWEEN $1 AND $2`,
		p.Lat-dLat, p.Lat+dLat)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var q types.Point
		if err := rows.Scan(&q.Lat, &q.Lng); err != nil {
			return 0, err
		}
		if location.DistanceKm(p, q) <= radiusKm {
			n++
		}
	}
	return n, rows.Err()
}

func (s *PGStore) CountTransitions(ctx context.Context, actorID types.ID, status Status, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM ride_status_history
		WHERE actor_type = 'user' AND actor_id = $1 AND status = $2
		  AND created_at >= $3 AND created_at < $4`,
		string(actorID), string(status), from, to,
	).Scan(&n)
	return n, err
}

func (s *PGStore) list(ctx context.Context, where string, args ...any) ([]*Ride, error) {
	rows, err := s.db.Query(ctx, `SELECT `+rideColumns+` FROM rides `+where, args...)
	if err != nil {
		return nil, err
	}
	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		if err := s.loadHistory(ctx, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PGStore) loadHistory(ctx context.Context, r *Ride) error {
	rows, err := s.db.Query(ctx, `
		SELECT status, actor_type, actor_id, created_at
		FROM ride_status_history WHERE ride_id = $1 ORDER BY seq`, string(r.ID))
	if err != nil {
		return err
	}
	defer rows.Close()
	r.History = r.History[:0]
	for rows.Next() {
		var (
			status, actorType string
			actorID           *string
			at                time.Time
		)
		if err := rows.Scan(&status, &actorType, &actorID, &at); err != nil {
			return err
		}
		actor, err := types.ActorFrom(actorType, (*types.ID)(actorID))
		if err != nil {
			return err
		}
		r.History = append(r.History, HistoryEntry{Status: Status(status), Actor: actor, At: at})
	}
	return rows.Err()
}

func appendHistory(ctx context.Context, tx pgx.Tx, rideID types.ID, firstSeq int, entries []HistoryEntry) error {
	for i, e := range entries {
		var actorID *string
		if id, ok := e.Actor.UserID(); ok {
			v := string(id)
			actorID = &v
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO ride_status_history (ride_id, seq, status, actor_type, actor_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			string(rideID), firstSeq+i, string(e.Status), e.Actor.Type(), actorID, e.At)
		if err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	return nil
}

func scanRide(row pgx.Row) (*Ride, error) {
	var (
		r                   Ride
		id, userID, status  string
		driverID, vehicleID *string
		rejected            []string
		approx, penalty     float64
		finalFare           *float64
	)
	err := row.Scan(&id, &userID, &driverID, &vehicleID, &status, &r.StatusVersion, &rejected,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng, &r.DistanceKm, &r.DurationMin, &r.Surge,
		&approx, &penalty, &finalFare, &r.CancelReason, &r.Rating, &r.Feedback, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.ID = types.ID(id)
	r.UserID = types.ID(userID)
	r.Status = Status(status)
	r.DriverID = toID(driverID)
	r.VehicleID = toID(vehicleID)
	r.ApproxFare = types.Money(approx)
	r.Penalty = types.Money(penalty)
	if finalFare != nil {
		f := types.Money(*finalFare)
		r.FinalFare = &f
	}
	for _, d := range rejected {
		r.RejectedDrivers = append(r.RejectedDrivers, types.ID(d))
	}
	return &r, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toID(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}

func idStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func moneyPtr(m *types.Money) *float64 {
	if m == nil {
		return nil
	}
	f := float64(*m)
	return &f
}
