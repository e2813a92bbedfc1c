// Package session tracks which drivers and riders are currently connected,
// their last-known location and availability, and evicts silent drivers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	// ErrSessionNotFound means the driver or rider id is not registered
	// (or was evicted).
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidAvailability rejects availability moves the registry does
	// not allow, e.g. busy -> online outside of ride completion.
	ErrInvalidAvailability = errors.New("invalid availability transition")

	// ErrDriverBusy rejects a bind when the driver already carries a ride.
	ErrDriverBusy = errors.New("driver is busy")
)

type driverState struct {
	session models.DriverSession
}

// Registry is the authoritative map of live sessions. Driver positions are
// mirrored into a geo.Index so nearby queries can run on Redis GEO when
// configured; availability stays local because only the registry owns it.
type Registry struct {
	mu      sync.Mutex
	drivers map[string]*driverState
	riders  map[string]*models.RiderSession

	index    geo.Index
	liveness time.Duration
	onEvict  func(driverID string)
	logger   *slog.Logger
	now      func() time.Time
}

func NewRegistry(index geo.Index, liveness time.Duration, logger *slog.Logger) *Registry {
	if index == nil {
		index = geo.NewMemoryIndex()
	}
	return &Registry{
		drivers:  make(map[string]*driverState),
		riders:   make(map[string]*models.RiderSession),
		index:    index,
		liveness: liveness,
		logger:   logger,
		now:      time.Now,
	}
}

// OnEvict installs the hook fired after a driver is flagged offline for
// missing heartbeats. Install before Run.
func (r *Registry) OnEvict(fn func(driverID string)) { r.onEvict = fn }

// RegisterDriver upserts the driver's session. Re-registration refreshes
// location and liveness but never disturbs an existing ride binding: a busy
// driver stays busy and out of the matching index until its ride releases it.
func (r *Registry) RegisterDriver(driverID string, loc models.Coord) models.DriverSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.drivers[driverID]; ok {
		st.session.Location = loc
		st.session.LastHeartbeat = r.now()
		if st.session.Availability == models.AvailabilityBusy {
			return st.session
		}
		if st.session.Availability == models.AvailabilityOffline {
			st.session.Availability = models.AvailabilityOnline
			observability.DriversOnline.Inc()
		}
		r.index.Upsert(driverID, loc)
		return st.session
	}
	s := models.DriverSession{
		DriverID:      driverID,
		Location:      loc,
		Availability:  models.AvailabilityOnline,
		LastHeartbeat: r.now(),
	}
	r.drivers[driverID] = &driverState{session: s}
	r.index.Upsert(driverID, loc)
	observability.DriversOnline.Inc()
	return s
}

func (r *Registry) RegisterRider(riderID string) models.RiderSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := models.RiderSession{RiderID: riderID}
	r.riders[riderID] = &s
	return s
}

func (r *Registry) RiderSession(riderID string) (models.RiderSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.riders[riderID]
	if !ok {
		return models.RiderSession{}, fmt.Errorf("rider %s: %w", riderID, ErrSessionNotFound)
	}
	return *s, nil
}

func (r *Registry) SetRiderRide(riderID, rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.riders[riderID]; ok {
		s.CurrentRideID = rideID
	}
}

// Heartbeat refreshes liveness and stores the last write for location.
// An offline driver heartbeating comes back online unless it was busy.
func (r *Registry) Heartbeat(driverID string, loc models.Coord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, ErrSessionNotFound)
	}
	st.session.Location = loc
	st.session.LastHeartbeat = r.now()
	if st.session.Availability == models.AvailabilityOffline {
		st.session.Availability = models.AvailabilityOnline
		observability.DriversOnline.Inc()
	}
	// a busy driver left the index at Bind and must not re-enter it
	if st.session.Availability != models.AvailabilityBusy {
		r.index.Upsert(driverID, loc)
	}
	return nil
}

// SetAvailability handles explicit online/offline toggles from the driver.
// A busy driver cannot be moved; completion/cancellation release it instead.
func (r *Registry) SetAvailability(driverID string, av models.Availability) error {
	if av != models.AvailabilityOnline && av != models.AvailabilityOffline {
		return fmt.Errorf("%w: %s is not a driver-settable state", ErrInvalidAvailability, av)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, ErrSessionNotFound)
	}
	if st.session.Availability == models.AvailabilityBusy {
		return fmt.Errorf("%w: driver %s is busy on ride %s", ErrInvalidAvailability, driverID, st.session.CurrentRideID)
	}
	if st.session.Availability == av {
		return nil
	}
	st.session.Availability = av
	if av == models.AvailabilityOnline {
		st.session.LastHeartbeat = r.now()
		r.index.Upsert(driverID, st.session.Location)
		observability.DriversOnline.Inc()
	} else {
		r.index.Remove(driverID)
		observability.DriversOnline.Dec()
	}
	return nil
}

// Bind atomically marks the driver busy on rideID. Fails if the driver is
// not online and free, which is how first-accept-wins stays safe under
// fan-out: losers find the driver side already taken or gone.
func (r *Registry) Bind(driverID, rideID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, ErrSessionNotFound)
	}
	if st.session.Availability == models.AvailabilityBusy {
		return fmt.Errorf("%w: already on ride %s", ErrDriverBusy, st.session.CurrentRideID)
	}
	if st.session.Availability != models.AvailabilityOnline {
		return fmt.Errorf("driver %s is %s: %w", driverID, st.session.Availability, ErrSessionNotFound)
	}
	st.session.Availability = models.AvailabilityBusy
	st.session.CurrentRideID = rideID
	r.index.Remove(driverID)
	observability.DriversOnline.Dec()
	return nil
}

// Release returns a busy driver to online once its ride completes or
// cancels. Releasing against the wrong ride id is a no-op.
func (r *Registry) Release(driverID, rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok {
		return
	}
	if st.session.Availability != models.AvailabilityBusy || st.session.CurrentRideID != rideID {
		return
	}
	st.session.Availability = models.AvailabilityOnline
	st.session.CurrentRideID = ""
	st.session.LastHeartbeat = r.now()
	r.index.Upsert(driverID, st.session.Location)
	observability.DriversOnline.Inc()
}

func (r *Registry) Snapshot(driverID string) (models.DriverSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok {
		return models.DriverSession{}, fmt.Errorf("driver %s: %w", driverID, ErrSessionNotFound)
	}
	return st.session, nil
}

// FindNearbyAvailable returns online, unbound driver ids within radiusM of
// origin, nearest first, ties broken by earliest last heartbeat.
func (r *Registry) FindNearbyAvailable(origin models.Coord, radiusM float64, limit int) []string {
	// over-fetch from the index; availability filtering happens here
	cands := r.index.Nearby(origin, radiusM, limit*4)

	r.mu.Lock()
	defer r.mu.Unlock()
	type ranked struct {
		id        string
		dist      float64
		heartbeat time.Time
	}
	picked := make([]ranked, 0, len(cands))
	for _, c := range cands {
		st, ok := r.drivers[c.DriverID]
		if !ok {
			continue
		}
		if st.session.Availability != models.AvailabilityOnline {
			continue
		}
		picked = append(picked, ranked{id: c.DriverID, dist: c.DistanceM, heartbeat: st.session.LastHeartbeat})
	}
	sort.SliceStable(picked, func(i, j int) bool {
		if picked[i].dist != picked[j].dist {
			return picked[i].dist < picked[j].dist
		}
		return picked[i].heartbeat.Before(picked[j].heartbeat)
	})
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}
	out := make([]string, len(picked))
	for i, p := range picked {
		out[i] = p.id
	}
	return out
}

// Distance returns the driver's haversine distance in meters from origin.
func (r *Registry) Distance(driverID string, origin models.Coord) (float64, error) {
	s, err := r.Snapshot(driverID)
	if err != nil {
		return 0, err
	}
	return geo.Haversine(origin.Lat, origin.Lon, s.Location.Lat, s.Location.Lon), nil
}

// Run sweeps for silent drivers until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.liveness / 3
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.evictStale()
		}
	}
}

func (r *Registry) evictStale() {
	cutoff := r.now().Add(-r.liveness)
	var evicted []string
	r.mu.Lock()
	for id, st := range r.drivers {
		// a busy driver belongs to its ride; only a lifecycle transition
		// releases it, never the liveness sweep
		if st.session.Availability != models.AvailabilityOnline {
			continue
		}
		if st.session.LastHeartbeat.After(cutoff) {
			continue
		}
		st.session.Availability = models.AvailabilityOffline
		r.index.Remove(id)
		observability.DriversOnline.Dec()
		evicted = append(evicted, id)
	}
	r.mu.Unlock()

	for _, id := range evicted {
		observability.DriversEvicted.Inc()
		if r.logger != nil {
			r.logger.Warn("driver evicted", "driver_id", id, "liveness_window", r.liveness.String())
		}
		if r.onEvict != nil {
			r.onEvict(id)
		}
	}
}

// EvictNow is the test hook for a single sweep.
func (r *Registry) EvictNow() { r.evictStale() }
