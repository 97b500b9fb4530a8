package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func TestRankSkipsOfflineDrivers(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewIndex()
	store := storage.NewMemoryStore()
	_ = idx.Upsert(ctx, models.Position{DriverID: "A", Coord: models.Coord{Lat: 0.001, Lng: 0}})
	_ = idx.Upsert(ctx, models.Position{DriverID: "B", Coord: models.Coord{Lat: 0.01, Lng: 0}})
	_ = idx.Upsert(ctx, models.Position{DriverID: "C", Coord: models.Coord{Lat: 0.005, Lng: 0}})
	_ = store.SetDriverOnline(ctx, "A", false)
	_ = store.SetDriverOnline(ctx, "B", true)
	_ = store.SetDriverOnline(ctx, "C", true)

	s := &Service{Geo: idx, Drivers: store, DefaultSpeedMps: 10, TopN: 5}
	got, err := s.Rank(ctx, models.Coord{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "C" || got[1].DriverID != "B" {
		t.Fatalf("unexpected ranking: %+v", got)
	}
	if got[0].ETASeconds <= 0 || got[0].ETASeconds >= got[1].ETASeconds {
		t.Fatalf("etas not ascending: %+v", got)
	}
}

func TestRankHonoursLimitWithoutDriverStore(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewIndex()
	for _, id := range []string{"A", "B", "C"} {
		_ = idx.Upsert(ctx, models.Position{DriverID: id})
	}
	s := &Service{Geo: idx}
	got, err := s.Rank(ctx, models.Coord{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
}

type brokenGeo struct{ geo.Geo }

func (brokenGeo) Nearby(context.Context, models.Coord, int) ([]geo.Nearby, error) {
	return nil, errors.New("redis down")
}

func TestRankPropagatesIndexErrors(t *testing.T) {
	s := &Service{Geo: brokenGeo{}}
	if _, err := s.Rank(context.Background(), models.Coord{}, 1); err == nil {
		t.Fatal("expected error")
	}
}
