// README: User account status as seen by dispatch (active, blocked, inactive, deleted).
package user

import (
	"time"

	"ridedispatch/internal/apperr"
	"ridedispatch/internal/types"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusBlocked  Status = "BLOCKED"
	StatusInactive Status = "INACTIVE"
)

var ErrNotFound = apperr.NotFound("user not found")

type User struct {
	ID           types.ID   `json:"id"`
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// CanRide reports whether the account may request rides or be dispatched.
func (u *User) CanRide() bool {
	return u.Status == StatusActive && u.DeletedAt == nil
}
