// README: User store backed by PostgreSQL; status changes are conditional on the previous status.
package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridedispatch/internal/types"
)

type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id types.ID) (*User, error)
	// SetStatus moves the user from one status to another; false when the
	// current status is not from.
	SetStatus(ctx context.Context, id types.ID, from, to Status, blockedUntil *time.Time) (bool, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, name, status, blocked_until, deleted_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(u.ID), u.Name, string(u.Status), u.BlockedUntil, u.DeletedAt, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*User, error) {
	var (
		u      User
		uid    string
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, status, blocked_until, deleted_at, created_at
		FROM users WHERE id = $1`, string(id),
	).Scan(&uid, &u.Name, &status, &u.BlockedUntil, &u.DeletedAt, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.ID = types.ID(uid)
	u.Status = Status(status)
	return &u, nil
}

func (s *PGStore) SetStatus(ctx context.Context, id types.ID, from, to Status, blockedUntil *time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET status = $3, blocked_until = $4
		WHERE id = $1 AND status = $2`,
		string(id), string(from), string(to), blockedUntil)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
