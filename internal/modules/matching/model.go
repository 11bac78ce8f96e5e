// README: Match candidates and lookup limits.
package matching

import "ridedispatch/internal/modules/driver"

// Candidate is an eligible driver near a pickup point.
type Candidate struct {
	Driver     *driver.Driver
	DistanceKm float64
}

// candidateLimit caps how many geo hits one lookup inspects.
const candidateLimit = 50
