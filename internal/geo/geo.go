package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Geo indexes the last sampled position of each driver.
type Geo interface {
	Nearby(ctx context.Context, at models.Coord, limit int) ([]Nearby, error)
	Upsert(ctx context.Context, p models.Position) error
	Remove(ctx context.Context, driverID string) error
}

// Nearby is a driver position with its distance in meters from the query point.
type Nearby struct {
	models.Position
	DistanceM float64 `json:"distance_m"`
}

type Index struct {
	mu        sync.RWMutex
	positions map[string]models.Position
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]models.Position)}
}

func (g *Index) Upsert(_ context.Context, p models.Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[p.DriverID] = p
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, driverID)
	return nil
}

// naive scan; fine for a single process index
func (g *Index) Nearby(_ context.Context, at models.Coord, limit int) ([]Nearby, error) {
	g.mu.RLock()
	out := make([]Nearby, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, Nearby{Position: p, DistanceM: Haversine(at.Lat, at.Lng, p.Coord.Lat, p.Coord.Lng)})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM == out[j].DistanceM {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceM < out[j].DistanceM
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
