package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakePayments struct {
	mu       sync.Mutex
	held     []string
	captured []string
	released []string
}

func (p *fakePayments) Hold(ctx context.Context, rideID string, fare float64, currency string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := "hold-" + rideID
	p.held = append(p.held, id)
	return id, nil
}

func (p *fakePayments) Capture(ctx context.Context, holdID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captured = append(p.captured, holdID)
	return nil
}

func (p *fakePayments) Release(ctx context.Context, holdID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, holdID)
	return nil
}

type fixture struct {
	coord    *Coordinator
	machine  *ride.Machine
	registry *session.Registry
	caster   *broadcast.Broadcaster
	store    *storage.MemoryStore
	pay      *fakePayments
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	machine := ride.NewMachine()
	registry := session.NewRegistry(geo.NewMemoryIndex(), 30*time.Second, nil)
	caster := broadcast.New(time.Millisecond, 32)
	store := storage.NewMemoryStore()
	matchCfg := match.Config{OfferDeadline: 200 * time.Millisecond, FanOut: 1}
	c := NewCoordinator(machine, registry, caster, store, nil, matchCfg, cfg, nil)
	pay := &fakePayments{}
	c.SetPayments(pay)
	return &fixture{coord: c, machine: machine, registry: registry, caster: caster, store: store, pay: pay}
}

func request(riderID string) models.RideRequest {
	return models.RideRequest{
		RiderID:      riderID,
		Pickup:       models.Location{Coord: models.Coord{Lat: 12.9716, Lon: 77.5946}},
		Dropoff:      models.Location{Coord: models.Coord{Lat: 12.9352, Lon: 77.6245}},
		FareEstimate: 18.0,
	}
}

func waitStatus(t *testing.T, m *ride.Machine, rideID string, want models.RideStatus) models.Ride {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r, err := m.Get(rideID)
		if err == nil && r.Status == want {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	r, _ := m.Get(rideID)
	t.Fatalf("ride %s never reached %s, stuck at %s", rideID, want, r.Status)
	return models.Ride{}
}

func waitEvent(t *testing.T, ch <-chan broadcast.Event, typ broadcast.EventType) broadcast.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event arrived", typ)
		}
	}
}

func TestRequestAcceptCompleteLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	f.registry.RegisterDriver("d1", models.Coord{Lat: 12.9720, Lon: 77.5950})
	driverCh := f.caster.Attach(broadcast.DriverSession("d1"))

	r, err := f.coord.RequestRide(context.Background(), request("rider1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	ev := waitEvent(t, driverCh, broadcast.EventOfferCreated)
	offer, ok := ev.Payload.(models.Offer)
	if !ok {
		t.Fatalf("offer payload is %T", ev.Payload)
	}
	if offer.RideID != r.ID || offer.DriverID != "d1" {
		t.Fatalf("offer %+v does not target ride %s driver d1", offer, r.ID)
	}

	if err := f.coord.AcceptOffer(context.Background(), offer.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	accepted := waitStatus(t, f.machine, r.ID, models.StatusAccepted)
	if accepted.DriverID != "d1" {
		t.Fatalf("driver id = %q", accepted.DriverID)
	}
	snap, err := f.registry.Snapshot("d1")
	if err != nil || snap.Availability != models.AvailabilityBusy || snap.CurrentRideID != r.ID {
		t.Fatalf("driver not bound: %+v err=%v", snap, err)
	}

	if _, err := f.coord.DriverArrived(context.Background(), r.ID, "d1"); err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if _, err := f.coord.StartRide(context.Background(), r.ID, "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := f.coord.CompleteRide(context.Background(), r.ID, "d1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.StatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}

	snap, _ = f.registry.Snapshot("d1")
	if snap.Availability != models.AvailabilityOnline || snap.CurrentRideID != "" {
		t.Fatalf("driver not released: %+v", snap)
	}
	f.pay.mu.Lock()
	defer f.pay.mu.Unlock()
	if len(f.pay.held) != 1 || len(f.pay.captured) != 1 {
		t.Fatalf("payments held=%v captured=%v", f.pay.held, f.pay.captured)
	}
}

func TestNoDriversExhaustsRetriesAndCancels(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2})

	r, err := f.coord.RequestRide(context.Background(), request("rider1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	final := waitStatus(t, f.machine, r.ID, models.StatusCancelled)
	if final.CancelReason != reasonNoDrivers {
		t.Fatalf("cancel reason = %q", final.CancelReason)
	}

	hist, err := f.coord.StatusHistory(r.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	unmatched := 0
	for _, ch := range hist {
		if ch.To == models.StatusUnmatched {
			unmatched++
		}
	}
	if unmatched != 2 {
		t.Fatalf("unmatched entries = %d, want one per attempt", unmatched)
	}
}

func TestRiderCancelReleasesDriverAndSilencesThem(t *testing.T) {
	f := newFixture(t, Config{})
	f.registry.RegisterDriver("d1", models.Coord{Lat: 12.9720, Lon: 77.5950})
	driverCh := f.caster.Attach(broadcast.DriverSession("d1"))
	riderCh := f.caster.Attach(broadcast.RiderSession("rider1"))

	r, err := f.coord.RequestRide(context.Background(), request("rider1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	ev := waitEvent(t, driverCh, broadcast.EventOfferCreated)
	offer := ev.Payload.(models.Offer)
	if err := f.coord.AcceptOffer(context.Background(), offer.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitStatus(t, f.machine, r.ID, models.StatusAccepted)

	cancelled, err := f.coord.CancelRide(context.Background(), r.ID, "rider1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancelReason != reasonRiderCancelled {
		t.Fatalf("reason = %q", cancelled.CancelReason)
	}

	waitEvent(t, riderCh, broadcast.EventRideCancelled)

	snap, _ := f.registry.Snapshot("d1")
	if snap.Availability != models.AvailabilityOnline || snap.CurrentRideID != "" {
		t.Fatalf("driver not released: %+v", snap)
	}
	f.pay.mu.Lock()
	released := len(f.pay.released)
	f.pay.mu.Unlock()
	if released != 1 {
		t.Fatalf("hold not released, released=%d", released)
	}

	// The driver was unsubscribed before the cancellation was published, so
	// nothing in its channel may be the cancellation event.
	for {
		select {
		case ev := <-driverCh:
			if ev.Type == broadcast.EventRideCancelled {
				t.Fatalf("released driver still received cancellation")
			}
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func TestCancelDuringMatchingExpiresPendingOffer(t *testing.T) {
	f := newFixture(t, Config{})
	f.registry.RegisterDriver("d1", models.Coord{Lat: 12.9720, Lon: 77.5950})
	driverCh := f.caster.Attach(broadcast.DriverSession("d1"))

	r, err := f.coord.RequestRide(context.Background(), request("rider1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	ev := waitEvent(t, driverCh, broadcast.EventOfferCreated)
	offer := ev.Payload.(models.Offer)

	if _, err := f.coord.CancelRide(context.Background(), r.ID, "rider1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	err = f.coord.AcceptOffer(context.Background(), offer.ID, "d1")
	if !errors.Is(err, match.ErrOfferExpired) && !errors.Is(err, match.ErrOfferNotFound) {
		t.Fatalf("late accept error = %v", err)
	}
	snap, _ := f.registry.Snapshot("d1")
	if snap.Availability != models.AvailabilityOnline {
		t.Fatalf("driver availability = %s", snap.Availability)
	}
}

func TestGetRideFallsBackToStore(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	r, err := f.coord.RequestRide(context.Background(), request("rider1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	waitStatus(t, f.machine, r.ID, models.StatusCancelled)

	got, err := f.coord.GetRide(r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != r.ID {
		t.Fatalf("got ride %s, want %s", got.ID, r.ID)
	}

	stored, err := f.store.GetRide(r.ID)
	if err != nil {
		t.Fatalf("projection missing: %v", err)
	}
	if stored.Status != models.StatusCancelled || stored.Version != got.Version {
		t.Fatalf("projection lagging: %+v vs %+v", stored, got)
	}
}
