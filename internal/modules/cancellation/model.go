// README: Who may cancel a ride from which status, and the cancelled status each role produces.
package cancellation

import (
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/types"
)

// cancellable lists, per role, the statuses a ride may be cancelled from.
// Admins may cancel any non-terminal ride.
var cancellable = map[types.Role][]ride.Status{
	types.RoleRider:  {ride.StatusRequested, ride.StatusPending},
	types.RoleDriver: {ride.StatusAccepted, ride.StatusGoingToPickUp, ride.StatusDriverArrived},
}

var cancelledBy = map[types.Role]ride.Status{
	types.RoleRider:  ride.StatusCancelledByRider,
	types.RoleDriver: ride.StatusCancelledByDriver,
	types.RoleAdmin:  ride.StatusCancelledByAdmin,
}

// userIDKey is the job data key carrying the user to unblock.
const userIDKey = "userId"
