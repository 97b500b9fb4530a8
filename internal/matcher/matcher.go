// Package matcher ranks drivers around a pickup point by estimated arrival.
// Trips are still offered to every driver; the ranking backs the nearby query.
package matcher

import (
	"context"
	"sort"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type Candidate struct {
	DriverID   string       `json:"driver_id"`
	Coord      models.Coord `json:"coord"`
	DistanceM  float64      `json:"distance_m"`
	ETASeconds float64      `json:"eta_seconds"`
}

type Service struct {
	Geo             geo.Geo
	Drivers         storage.DriverStore // optional; filters out offline drivers
	DefaultSpeedMps float64
	TopN            int
}

// Rank returns up to limit available drivers nearest to origin by ETA. The
// index is over-fetched so that offline drivers do not starve the result.
func (s *Service) Rank(ctx context.Context, origin models.Coord, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = s.TopN
	}
	if limit <= 0 {
		limit = 10
	}
	near, err := s.Geo.Nearby(ctx, origin, limit*3)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, limit)
	for _, n := range near {
		if s.Drivers != nil {
			online, err := s.Drivers.DriverOnline(ctx, n.DriverID)
			if err != nil || !online {
				continue
			}
		}
		out = append(out, Candidate{
			DriverID:   n.DriverID,
			Coord:      n.Coord,
			DistanceM:  n.DistanceM,
			ETASeconds: eta.EstimateSeconds(n.Coord, origin, s.DefaultSpeedMps),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ETASeconds < out[j].ETASeconds })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
