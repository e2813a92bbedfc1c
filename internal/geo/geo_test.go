package geo

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearbyOrdersByDistanceAndHonorsRadius(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert("far", models.Coord{Lat: 37.8049, Lon: -122.4194})  // ~3.3km north
	idx.Upsert("near", models.Coord{Lat: 37.7759, Lon: -122.4194}) // ~110m north
	idx.Upsert("mid", models.Coord{Lat: 37.7849, Lon: -122.4194})  // ~1.1km north

	origin := models.Coord{Lat: 37.7749, Lon: -122.4194}
	got := idx.Nearby(origin, 5000, 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	for i, want := range []string{"near", "mid", "far"} {
		if got[i].DriverID != want {
			t.Fatalf("pos %d: expected %s, got %s", i, want, got[i].DriverID)
		}
	}

	got = idx.Nearby(origin, 2000, 10)
	if len(got) != 2 {
		t.Fatalf("expected radius to exclude far driver, got %d", len(got))
	}
}

func TestNearbyLimitAndRemove(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert("a", models.Coord{Lat: 0.001, Lon: 0})
	idx.Upsert("b", models.Coord{Lat: 0.002, Lon: 0})
	idx.Upsert("c", models.Coord{Lat: 0.003, Lon: 0})

	got := idx.Nearby(models.Coord{}, 1e6, 2)
	if len(got) != 2 || got[0].DriverID != "a" {
		t.Fatalf("unexpected top-2: %+v", got)
	}

	idx.Remove("a")
	got = idx.Nearby(models.Coord{}, 1e6, 10)
	if len(got) != 2 || got[0].DriverID != "b" {
		t.Fatalf("expected a removed, got %+v", got)
	}
}
