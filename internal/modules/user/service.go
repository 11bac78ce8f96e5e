// README: User service: lookups for dispatch eligibility and the block/unblock pair used by cancellation.
package user

import (
	"context"
	"time"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/types"
)

type Service struct {
	store Store
	clock types.Clock
}

func NewService(store Store, clock types.Clock) *Service {
	if clock == nil {
		clock = types.SystemClock
	}
	return &Service{store: store, clock: clock}
}

func (s *Service) Create(ctx context.Context, id types.ID, name string) (*User, error) {
	if id == "" {
		id = types.NewID()
	}
	u := &User{ID: id, Name: name, Status: StatusActive, CreatedAt: s.clock.Now()}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, apperr.Internal(err)
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*User, error) {
	return s.store.Get(ctx, id)
}

// Block moves an active user to BLOCKED until the given time.
func (s *Service) Block(ctx context.Context, id types.ID, until time.Time) (bool, error) {
	ok, err := s.store.SetStatus(ctx, id, StatusActive, StatusBlocked, &until)
	if err != nil {
		return false, apperr.Internal(err)
	}
	return ok, nil
}

// Unblock restores a blocked user; it is a no-op for any other status.
func (s *Service) Unblock(ctx context.Context, id types.ID) (bool, error) {
	ok, err := s.store.SetStatus(ctx, id, StatusBlocked, StatusActive, nil)
	if err != nil {
		return false, apperr.Internal(err)
	}
	return ok, nil
}
