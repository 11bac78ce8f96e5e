// README: Job store contract and its PostgreSQL implementation (lease-based claiming).
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridedispatch/internal/types"
)

var ErrNotFound = errors.New("job not found")

type Store interface {
	Insert(ctx context.Context, j *Job) error
	Get(ctx context.Context, id types.ID) (*Job, error)
	// FindActive returns a scheduled or running job with exactly this name and data.
	FindActive(ctx context.Context, name string, data map[string]string) (*Job, error)
	// List returns active jobs matching name and data subset.
	List(ctx context.Context, name string, filter map[string]string) ([]*Job, error)
	// CancelMatching cancels active jobs matching name and data subset.
	CancelMatching(ctx context.Context, name string, filter map[string]string, now time.Time) (int, error)
	// ClaimDue moves due scheduled jobs, and running jobs whose lease expired,
	// to running with a fresh lease and an incremented attempt count.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error)
	// Reschedule and Finish only apply to running jobs; they report false when
	// the job was cancelled meanwhile.
	Reschedule(ctx context.Context, id types.ID, runAt time.Time, attempts int, lastErr string, now time.Time) (bool, error)
	Finish(ctx context.Context, id types.ID, state State, lastErr string, now time.Time) (bool, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const jobColumns = `id, name, data, run_at, interval_ms, state, attempts, last_error, locked_until, created_at, updated_at`

func (s *PGStore) Insert(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j.Data)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO jobs (id, name, data, run_at, interval_ms, state, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, $9)`,
		string(j.ID), j.Name, string(data), j.RunAt, j.Interval.Milliseconds(),
		string(j.State), j.Attempts, j.LastError, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, string(id))
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *PGStore) FindActive(ctx context.Context, name string, data map[string]string) (*Job, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE name = $1 AND data = $2::jsonb AND state IN ('scheduled', 'running')
		ORDER BY created_at
		LIMIT 1`, name, string(b))
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *PGStore) List(ctx context.Context, name string, filter map[string]string) ([]*Job, error) {
	b, err := json.Marshal(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE name = $1 AND data @> $2::jsonb AND state IN ('scheduled', 'running')
		ORDER BY run_at`, name, string(b))
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *PGStore) CancelMatching(ctx context.Context, name string, filter map[string]string, now time.Time) (int, error) {
	b, err := json.Marshal(filter)
	if err != nil {
		return 0, err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET state = 'cancelled', locked_until = NULL, updated_at = $3
		WHERE name = $1 AND data @> $2::jsonb AND state IN ('scheduled', 'running')`,
		name, string(b), now)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE jobs
		SET state = 'running', attempts = attempts + 1, locked_until = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE (state = 'scheduled' AND run_at <= $1)
			   OR (state = 'running' AND locked_until < $1)
			ORDER BY run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PGStore) Reschedule(ctx context.Context, id types.ID, runAt time.Time, attempts int, lastErr string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET state = 'scheduled', run_at = $2, attempts = $3, last_error = $4, locked_until = NULL, updated_at = $5
		WHERE id = $1 AND state = 'running'`,
		string(id), runAt, attempts, lastErr, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Finish(ctx context.Context, id types.ID, state State, lastErr string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET state = $2, last_error = $3, locked_until = NULL, updated_at = $4
		WHERE id = $1 AND state = 'running'`,
		string(id), string(state), lastErr, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j          Job
		id, state  string
		data       []byte
		intervalMs int64
	)
	err := row.Scan(&id, &j.Name, &data, &j.RunAt, &intervalMs, &state,
		&j.Attempts, &j.LastError, &j.LockedUntil, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.ID = types.ID(id)
	j.State = State(state)
	j.Interval = time.Duration(intervalMs) * time.Millisecond
	if err := json.Unmarshal(data, &j.Data); err != nil {
		return nil, fmt.Errorf("decode job data: %w", err)
	}
	return &j, nil
}
