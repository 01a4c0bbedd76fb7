package geo

import (
	"math"
	"testing"

	"github.com/example/ride-lifecycle/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := Haversine(34.05, -118.24, 34.05, -118.24); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := models.Coord{Lat: 34.05, Lon: -118.24}
	b := models.Coord{Lat: 34.06, Lon: -118.20}
	ab := Distance(a, b)
	ba := Distance(b, a)
	if math.Abs(ab-ba) > 1e-9 {
		t.Fatalf("expected symmetry, got %f vs %f", ab, ba)
	}
	if ab <= 0 {
		t.Fatalf("expected positive distance, got %f", ab)
	}
}

func TestEstimateSecondsDefaultSpeed(t *testing.T) {
	a := models.Coord{Lat: 0, Lon: 0}
	b := models.Coord{Lat: 0, Lon: 0.01}
	withDefault := EstimateSeconds(a, b, 0)
	explicit := EstimateSeconds(a, b, 8.0)
	if withDefault != explicit {
		t.Fatalf("zero speed should fall back to default: %f vs %f", withDefault, explicit)
	}
}

func TestIndexNearbySkipsOffline(t *testing.T) {
	idx := NewIndex()
	pos := &models.PositionSample{Lat: 1, Lon: 1}
	idx.Upsert(models.Driver{ID: "on", Online: true, Position: pos})
	idx.Upsert(models.Driver{ID: "off", Online: false, Position: pos})
	got := idx.Nearby(1, 1, 10)
	if len(got) != 1 || got[0].ID != "on" {
		t.Fatalf("expected only online driver, got %v", got)
	}
}
