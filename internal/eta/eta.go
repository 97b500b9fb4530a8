// Package eta gives straight-line pickup estimates. Road routing is out of scope.
package eta

import (
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultSpeedMps is roughly 29 km/h, a typical city average.
const DefaultSpeedMps = 8.0

// EstimateSeconds is distance / speed over the great-circle distance.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng) / speedMps
}
