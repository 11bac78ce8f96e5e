// README: Driver store backed by PostgreSQL; claim/release are conditional single-row updates.
package driver

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
	Create(ctx context.Context, d *Driver) error
	Get(ctx context.Context, id types.ID) (*Driver, error)
	GetByUser(ctx context.Context, userID types.ID) (*Driver, error)
	// SetAvailability changes status and position unless the driver is on a trip.
	SetAvailability(ctx context.Context, id types.ID, status Status, loc *types.Point, now time.Time) (bool, error)
	// Claim marks an available, unassigned driver as on trip for rideID.
	Claim(ctx context.Context, id, rideID types.ID, now time.Time) (bool, error)
	// Release clears the active ride if it is still rideID.
	Release(ctx context.Context, id, rideID types.ID, now time.Time) (bool, error)
	Credit(ctx context.Context, id types.ID, amount types.Money, now time.Time) error
	AddRating(ctx context.Context, id types.ID, rating int, now time.Time) error
	// NearbyAvailable scans available drivers within radiusKm, nearest first.
	NearbyAvailable(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]NearbyDriver, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const driverColumns = `id, user_id, vehicle_id, status, lat, lng, active_ride, approved, suspended, earnings, rating, rating_count, updated_at`

func (s *PGStore) Create(ctx context.Context, d *Driver) error {
	lat, lng := splitPoint(d.Location)
	_, err := s.db.Exec(ctx, `
		INSERT INTO drivers (`+driverColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		string(d.ID), string(d.UserID), idPtr(d.VehicleID), string(d.Status), lat, lng,
		idPtr(d.ActiveRide), d.Approved, d.Suspended, float64(d.Earnings), d.Rating, d.RatingCount, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert driver: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Driver, error) {
	return s.getOne(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, string(id))
}

func (s *PGStore) GetByUser(ctx context.Context, userID types.ID) (*Driver, error) {
	return s.getOne(ctx, `SELECT `+driverColumns+` FROM drivers WHERE user_id = $1`, string(userID))
}

func (s *PGStore) getOne(ctx context.Context, q string, arg string) (*Driver, error) {
	d, err := scanDriver(s.db.QueryRow(ctx, q, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *PGStore) SetAvailability(ctx context.Context, id types.ID, status Status, loc *types.Point, now time.Time) (bool, error) {
	lat, lng := splitPoint(loc)
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET status = $2, lat = $3, lng = $4, updated_at = $5
		WHERE id = $1 AND status <> 'ON_TRIP'`,
		string(id), string(status), lat, lng, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Claim(ctx context.Context, id, rideID types.ID, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET status = 'ON_TRIP', active_ride = $2, updated_at = $3
		WHERE id = $1 AND status = 'AVAILABLE' AND active_ride IS NULL
		  AND approved AND NOT suspended`,
		string(id), string(rideID), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Release(ctx context.Context, id, rideID types.ID, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET active_ride = NULL,
		    status = CASE WHEN status = 'ON_TRIP' THEN 'AVAILABLE' ELSE status END,
		    updated_at = $3
		WHERE id = $1 AND active_ride = $2`,
		string(id), string(rideID), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Credit(ctx context.Context, id types.ID, amount types.Money, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET earnings = ROUND((earnings + $2)::numeric, 2), updated_at = $3 WHERE id = $1`,
		string(id), float64(amount), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) AddRating(ctx context.Context, id types.ID, rating int, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET rating = (rating * rating_count + $2) / (rating_count + 1),
		    rating_count = rating_count + 1,
		    updated_at = $3
		WHERE id = $1`,
		string(id), float64(rating), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// NearbyAvailable narrows by bounding box in SQL and by great-circle distance here.
func (s *PGStore) NearbyAvailable(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]NearbyDriver, error) {
	dLat := radiusKm / 111.0
	rows, err := s.db.Query(ctx, `
		SELECT `+driverColumns+` FROM drivers
		WHERE status = 'AVAILABLE' AND active_ride IS NULL AND approved AND NOT suspended
		  AND lat BETWEEN $1 AND $2`,
		p.Lat-dLat, p.Lat+dLat)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []*Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return withinRadius(all, p, radiusKm, limit), nil
}

func withinRadius(drivers []*Driver, p types.Point, radiusKm float64, limit int) []NearbyDriver {
	var out []NearbyDriver
	for _, d := range drivers {
		if d.Location == nil {
			continue
		}
		if dist := location.DistanceKm(p, *d.Location); dist <= radiusKm {
			out = append(out, NearbyDriver{Driver: d, DistanceKm: dist})
		}
	}
	sortNearby(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortNearby(items []NearbyDriver) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && items[j].DistanceKm > key.DistanceKm {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}

func scanDriver(row pgx.Row) (*Driver, error) {
	var (
		d                     Driver
		id, userID, status    string
		vehicleID, activeRide *string
		lat, lng              *float64
		earnings              float64
	)
	err := row.Scan(&id, &userID, &vehicleID, &status, &lat, &lng, &activeRide,
		&d.Approved, &d.Suspended, &earnings, &d.Rating, &d.RatingCount, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.ID = types.ID(id)
	d.UserID = types.ID(userID)
	d.Status = Status(status)
	d.VehicleID = toID(vehicleID)
	d.ActiveRide = toID(activeRide)
	d.Earnings = types.Money(earnings)
	if lat != nil && lng != nil {
		d.Location = &types.Point{Lat: *lat, Lng: *lng}
	}
	return &d, nil
}

func splitPoint(p *types.Point) (*float64, *float64) {
	if p == nil {
		return nil, nil
	}
	lat, lng := p.Lat, p.Lng
	return &lat, &lng
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
