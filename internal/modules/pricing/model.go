// README: Fare quote returned to riders and the surge step table.
package pricing

import "ridedispatch/internal/types"

// Quote is an up-front fare for a pickup/drop-off pair.
type Quote struct {
	DistanceKm  float64     `json:"distance"`
	DurationMin float64     `json:"duration"`
	Surge       float64     `json:"surge"`
	Fare        types.Money `json:"approxFare"`
}

// MaxSurge applies when no driver is nearby.
const MaxSurge = 3.0

// surgeSteps maps an upper bound on demand/supply to its multiplier.
var surgeSteps = []struct {
	ratio      float64
	multiplier float64
}{
	{1, 1},
	{2, 1.5},
	{3, 2},
}

const topSurge = 2.5
