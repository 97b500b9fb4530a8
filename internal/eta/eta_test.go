package eta

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestEstimateSeconds(t *testing.T) {
	from := models.Coord{Lat: 0, Lng: 0}
	to := models.Coord{Lat: 0.01, Lng: 0}
	got := EstimateSeconds(from, to, 10)
	// ~1112m at 10 m/s
	if math.Abs(got-111.2) > 1 {
		t.Fatalf("expected ~111s, got %f", got)
	}
	if EstimateSeconds(from, to, 0) != EstimateSeconds(from, to, DefaultSpeedMps) {
		t.Fatal("non-positive speed should fall back to the default")
	}
	if EstimateSeconds(from, from, 10) != 0 {
		t.Fatal("same point should be zero")
	}
}
