package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 50 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestIndexNearbyOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	now := time.Now()
	_ = idx.Upsert(ctx, models.Position{DriverID: "far", Coord: models.Coord{Lat: 6.60, Lng: 3.40}, RecordedAt: now})
	_ = idx.Upsert(ctx, models.Position{DriverID: "near", Coord: models.Coord{Lat: 6.451, Lng: 3.391}, RecordedAt: now})
	_ = idx.Upsert(ctx, models.Position{DriverID: "mid", Coord: models.Coord{Lat: 6.50, Lng: 3.40}, RecordedAt: now})

	got, err := idx.Nearby(ctx, models.Coord{Lat: 6.45, Lng: 3.39}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].DistanceM >= got[1].DistanceM {
		t.Fatalf("distances not ascending: %f >= %f", got[0].DistanceM, got[1].DistanceM)
	}
}

func TestIndexUpsertReplacesAndRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, models.Position{DriverID: "d1", Coord: models.Coord{Lat: 1, Lng: 1}})
	_ = idx.Upsert(ctx, models.Position{DriverID: "d1", Coord: models.Coord{Lat: 2, Lng: 2}})

	got, _ := idx.Nearby(ctx, models.Coord{}, 10)
	if len(got) != 1 || got[0].Coord.Lat != 2 {
		t.Fatalf("expected single updated entry, got %+v", got)
	}
	_ = idx.Remove(ctx, "d1")
	got, _ = idx.Nearby(ctx, models.Coord{}, 10)
	if len(got) != 0 {
		t.Fatalf("expected empty index, got %+v", got)
	}
}
