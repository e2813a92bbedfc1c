package session

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

func TestFindNearbyOrdersNearestFirst(t *testing.T) {
	r := NewRegistry(nil, 30*time.Second, nil)
	origin := models.Coord{Lat: 37.7749, Lon: -122.4194}
	r.RegisterDriver("far", models.Coord{Lat: 37.8049, Lon: -122.4194})
	r.RegisterDriver("near", models.Coord{Lat: 37.7759, Lon: -122.4194})
	r.RegisterDriver("mid", models.Coord{Lat: 37.7849, Lon: -122.4194})

	got := r.FindNearbyAvailable(origin, 5000, 10)
	want := []string{"near", "mid", "far"}
	if len(got) != 3 {
		t.Fatalf("expected 3 drivers, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pos %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestFindNearbyTieBreaksOnHeartbeat(t *testing.T) {
	r := NewRegistry(nil, 30*time.Second, nil)
	base := time.Now()
	r.now = func() time.Time { return base }
	r.RegisterDriver("second", models.Coord{Lat: 0.001, Lon: 0})
	r.now = func() time.Time { return base.Add(-time.Minute) }
	r.RegisterDriver("first", models.Coord{Lat: 0.001, Lon: 0})

	got := r.FindNearbyAvailable(models.Coord{}, 5000, 10)
	if len(got) != 2 || got[0] != "first" {
		t.Fatalf("expected earliest heartbeat to win the tie, got %v", got)
	}
}

func TestFindNearbyExcludesBusyAndOffline(t *testing.T) {
	r := NewRegistry(nil, 30*time.Second, nil)
	r.RegisterDriver("d1", models.Coord{Lat: 0.001, Lon: 0})
	r.RegisterDriver("d2", models.Coord{Lat: 0.002, Lon: 0})
	r.RegisterDriver("d3", models.Coord{Lat: 0.003, Lon: 0})

	if err := r.Bind("d1", "ride1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := r.SetAvailability("d2", models.AvailabilityOffline); err != nil {
		t.Fatalf("offline: %v", err)
	}

	got := r.FindNearbyAvailable(models.Coord{}, 5000, 10)
	if len(got) != 1 || got[0] != "d3" {
		t.Fatalf("expected only d3, got %v", got)
	}
}

func TestBindAndRelease(t *testing.T) {
	r := NewRegistry(nil, 30*time.Second, nil)
	r.RegisterDriver("d1", models.Coord{})

	if err := r.Bind("d1", "ride1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	s, _ := r.Snapshot("d1")
	if s.Availability != models.AvailabilityBusy || s.CurrentRideID != "ride1" {
		t.Fatalf("expected busy on ride1, got %+v", s)
	}

	// double bind races lose
	if err := r.Bind("d1", "ride2"); !errors.Is(err, ErrDriverBusy) {
		t.Fatalf("expected ErrDriverBusy, got %v", err)
	}
	// busy drivers cannot be toggled back online directly
	if err := r.SetAvailability("d1", models.AvailabilityOnline); !errors.Is(err, ErrInvalidAvailability) {
		t.Fatalf("expected ErrInvalidAvailability, got %v", err)
	}

	// release against the wrong ride is a no-op
	r.Release("d1", "ride2")
	s, _ = r.Snapshot("d1")
	if s.Availability != models.AvailabilityBusy {
		t.Fatalf("wrong-ride release must not free the driver: %+v", s)
	}

	r.Release("d1", "ride1")
	s, _ = r.Snapshot("d1")
	if s.Availability != models.AvailabilityOnline || s.CurrentRideID != "" {
		t.Fatalf("expected release back to online, got %+v", s)
	}
}

func TestHeartbeatRefreshesAndRevives(t *testing.T) {
	r := NewRegistry(nil, 30*time.Second, nil)
	r.RegisterDriver("d1", models.Coord{})
	if err := r.SetAvailability("d1", models.AvailabilityOffline); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if err := r.Heartbeat("d1", models.Coord{Lat: 1, Lon: 2}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	s, _ := r.Snapshot("d1")
	if s.Availability != models.AvailabilityOnline || s.Location.Lat != 1 {
		t.Fatalf("expected heartbeat to revive and move the driver, got %+v", s)
	}
	if err := r.Heartbeat("ghost", models.Coord{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEvictionFlagsSilentDrivers(t *testing.T) {
	r := NewRegistry(nil, 30*time.Second, nil)
	var evicted []string
	r.OnEvict(func(id string) { evicted = append(evicted, id) })

	base := time.Now()
	r.now = func() time.Time { return base.Add(-time.Minute) }
	r.RegisterDriver("stale", models.Coord{})
	r.now = func() time.Time { return base }
	r.RegisterDriver("fresh", models.Coord{})
	r.RegisterDriver("busy", models.Coord{})
	r.now = func() time.Time { return base.Add(-time.Minute) }
	if err := r.Heartbeat("busy", models.Coord{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	r.now = func() time.Time { return base }
	if err := r.Bind("busy", "ride1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	r.EvictNow()

	s, _ := r.Snapshot("stale")
	if s.Availability != models.AvailabilityOffline {
		t.Fatalf("expected stale driver offline, got %+v", s)
	}
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("expected only stale in evict hook, got %v", evicted)
	}
	s, _ = r.Snapshot("fresh")
	if s.Availability != models.AvailabilityOnline {
		t.Fatalf("fresh driver must survive the sweep: %+v", s)
	}
	s, _ = r.Snapshot("busy")
	if s.Availability != models.AvailabilityBusy {
		t.Fatalf("busy driver must not be evicted by the sweep: %+v", s)
	}
	if got := r.FindNearbyAvailable(models.Coord{}, 5000, 10); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("evicted drivers must be excluded from matching, got %v", got)
	}
}

func TestReRegisterKeepsBusyBinding(t *testing.T) {
	r := NewRegistry(nil, 30*time.Second, nil)
	r.RegisterDriver("d1", models.Coord{Lat: 0.001, Lon: 0})
	if err := r.Bind("d1", "ride1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	s := r.RegisterDriver("d1", models.Coord{Lat: 0.002, Lon: 0})
	if s.Availability != models.AvailabilityBusy || s.CurrentRideID != "ride1" {
		t.Fatalf("re-registration must not disturb the ride binding, got %+v", s)
	}
	if s.Location.Lat != 0.002 {
		t.Fatalf("re-registration should still refresh location, got %+v", s)
	}
	if got := r.FindNearbyAvailable(models.Coord{}, 5000, 10); len(got) != 0 {
		t.Fatalf("busy driver must stay out of matching, got %v", got)
	}
	if err := r.Bind("d1", "ride2"); !errors.Is(err, ErrDriverBusy) {
		t.Fatalf("expected ErrDriverBusy for second bind, got %v", err)
	}

	r.Release("d1", "ride1")
	s, _ = r.Snapshot("d1")
	if s.Availability != models.AvailabilityOnline || s.CurrentRideID != "" {
		t.Fatalf("release after re-registration must still work, got %+v", s)
	}
}

func TestHeartbeatWhileBusyStaysOutOfIndex(t *testing.T) {
	idx := geo.NewMemoryIndex()
	r := NewRegistry(idx, 30*time.Second, nil)
	r.RegisterDriver("d1", models.Coord{Lat: 0.001, Lon: 0})
	if err := r.Bind("d1", "ride1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := r.Heartbeat("d1", models.Coord{Lat: 0.002, Lon: 0}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got := idx.Nearby(models.Coord{}, 5000, 10); len(got) != 0 {
		t.Fatalf("busy driver must not re-enter the geo index, got %v", got)
	}

	r.Release("d1", "ride1")
	if got := idx.Nearby(models.Coord{}, 5000, 10); len(got) != 1 || got[0].DriverID != "d1" {
		t.Fatalf("released driver must be back in the index, got %v", got)
	}
}

func TestRegisterDriverGaugeCountsOnce(t *testing.T) {
	r := NewRegistry(nil, 30*time.Second, nil)
	before := testutil.ToFloat64(observability.DriversOnline)

	r.RegisterDriver("d1", models.Coord{})
	r.RegisterDriver("d1", models.Coord{Lat: 1})
	if got := testutil.ToFloat64(observability.DriversOnline) - before; got != 1 {
		t.Fatalf("online gauge moved by %v for one driver", got)
	}

	if err := r.SetAvailability("d1", models.AvailabilityOffline); err != nil {
		t.Fatalf("offline: %v", err)
	}
	r.RegisterDriver("d1", models.Coord{})
	if got := testutil.ToFloat64(observability.DriversOnline) - before; got != 1 {
		t.Fatalf("online gauge moved by %v after revival", got)
	}
}
