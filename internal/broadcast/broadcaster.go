// Package broadcast pushes ride events to the rider and driver bound to a
// ride and offer notifications to candidate drivers. Delivery is best-effort
// over a live connection: events for sessions that are not attached, or whose
// buffers are full, are dropped. Consumers that need certainty poll ride
// state instead.
package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type EventType string

const (
	EventOfferCreated   EventType = "offer-created"
	EventRideAccepted   EventType = "ride-accepted"
	EventRideDeclined   EventType = "ride-declined"
	EventDriverLocation EventType = "driver-location-update"
	EventStatusChanged  EventType = "status-changed"
	EventRideCancelled  EventType = "ride-cancelled"
)

// Event is one delivery unit. Seq increases per ride, so a subscriber can
// detect reordering or replay; delivery is at-least-once at the edges.
type Event struct {
	Type    EventType `json:"type"`
	RideID  string    `json:"ride_id"`
	Seq     uint64    `json:"seq"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

type subscriber struct {
	ch    chan Event
	rides map[string]struct{}
}

// Broadcaster fans events out per ride. Each subscriber session owns one
// buffered channel; a single transport writer drains it, which preserves
// per-ride FIFO order without any further coordination.
type Broadcaster struct {
	mu       sync.Mutex
	sessions map[string]*subscriber
	byRide   map[string]map[string]struct{}
	seq      map[string]uint64

	interval   time.Duration
	buffer     int
	lastLoc    map[string]time.Time
	pendingLoc map[string]Event

	now func() time.Time
}

func New(locInterval time.Duration, buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broadcaster{
		sessions:   make(map[string]*subscriber),
		byRide:     make(map[string]map[string]struct{}),
		seq:        make(map[string]uint64),
		interval:   locInterval,
		buffer:     buffer,
		lastLoc:    make(map[string]time.Time),
		pendingLoc: make(map[string]Event),
		now:        time.Now,
	}
}

func (b *Broadcaster) sub(sessionID string) *subscriber {
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &subscriber{rides: make(map[string]struct{})}
		b.sessions[sessionID] = s
	}
	return s
}

// Subscribe binds sessionID to rideID's event stream. Subscribing before the
// transport attaches is fine; events are dropped until a channel exists.
func (b *Broadcaster) Subscribe(sessionID, rideID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sub(sessionID)
	s.rides[rideID] = struct{}{}
	if b.byRide[rideID] == nil {
		b.byRide[rideID] = make(map[string]struct{})
	}
	b.byRide[rideID][sessionID] = struct{}{}
}

func (b *Broadcaster) Unsubscribe(sessionID, rideID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok {
		delete(s.rides, rideID)
		b.pruneLocked(sessionID, s)
	}
	if m, ok := b.byRide[rideID]; ok {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(b.byRide, rideID)
		}
	}
}

// pruneLocked drops a subscriber record once nothing references it, so the
// session map does not grow for the life of the process.
func (b *Broadcaster) pruneLocked(sessionID string, s *subscriber) {
	if s.ch == nil && len(s.rides) == 0 {
		delete(b.sessions, sessionID)
	}
}

// Attach hands the transport a channel to drain for sessionID. A second
// attach replaces the first.
func (b *Broadcaster) Attach(sessionID string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sub(sessionID)
	if s.ch != nil {
		close(s.ch)
	}
	s.ch = make(chan Event, b.buffer)
	return s.ch
}

func (b *Broadcaster) Detach(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok && s.ch != nil {
		ch := s.ch
		s.ch = nil
		close(ch)
		b.pruneLocked(sessionID, s)
	}
}

// Publish delivers an event to every session subscribed to rideID.
func (b *Broadcaster) Publish(rideID string, typ EventType, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(rideID, typ, payload)
}

func (b *Broadcaster) publishLocked(rideID string, typ EventType, payload any) {
	b.seq[rideID]++
	ev := Event{Type: typ, RideID: rideID, Seq: b.seq[rideID], Payload: payload, At: b.now()}
	observability.EventsPublished.WithLabelValues(string(typ)).Inc()
	for sessionID := range b.byRide[rideID] {
		s := b.sessions[sessionID]
		if s == nil || s.ch == nil {
			observability.EventsDropped.Inc()
			continue
		}
		select {
		case s.ch <- ev:
		default:
			observability.EventsDropped.Inc()
		}
	}
}

// SendTo enqueues one event directly for a single session, without a ride
// subscription. Used for offer notifications to candidate drivers, who must
// not see the ride's other traffic. Reports whether the event was enqueued
// on a live transport.
func (b *Broadcaster) SendTo(sessionID string, typ EventType, rideID string, payload any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok || s.ch == nil {
		observability.EventsDropped.Inc()
		return false
	}
	b.seq[rideID]++
	ev := Event{Type: typ, RideID: rideID, Seq: b.seq[rideID], Payload: payload, At: b.now()}
	observability.EventsPublished.WithLabelValues(string(typ)).Inc()
	select {
	case s.ch <- ev:
		return true
	default:
		observability.EventsDropped.Inc()
		return false
	}
}

// DriverSession and RiderSession name the broadcaster sessions for the two
// connection kinds; the ws handlers and the coordinator share them.
func DriverSession(driverID string) string { return "driver:" + driverID }
func RiderSession(riderID string) string   { return "rider:" + riderID }

// PublishLocation coalesces driver location bursts: at most one delivery per
// driver per interval, the latest position winning. The first update after a
// quiet period goes out immediately.
func (b *Broadcaster) PublishLocation(rideID, driverID string, loc models.Coord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := rideID + "|" + driverID
	payload := map[string]any{"driver_id": driverID, "lat": loc.Lat, "lon": loc.Lon}
	if b.interval <= 0 || b.now().Sub(b.lastLoc[key]) >= b.interval {
		b.lastLoc[key] = b.now()
		delete(b.pendingLoc, key)
		b.publishLocked(rideID, EventDriverLocation, payload)
		return
	}
	b.pendingLoc[key] = Event{Type: EventDriverLocation, RideID: rideID, Payload: payload}
}

// Run flushes coalesced location updates until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	if b.interval <= 0 {
		return
	}
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.flushLocations()
		}
	}
}

func (b *Broadcaster) flushLocations() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ev := range b.pendingLoc {
		if b.now().Sub(b.lastLoc[key]) < b.interval {
			continue
		}
		b.lastLoc[key] = b.now()
		delete(b.pendingLoc, key)
		b.publishLocked(ev.RideID, ev.Type, ev.Payload)
	}
}

// FlushNow is the test hook for a single coalesce flush.
func (b *Broadcaster) FlushNow() { b.flushLocations() }

// DropRide removes every subscription for rideID, typically after a terminal
// transition has been broadcast.
func (b *Broadcaster) DropRide(rideID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sessionID := range b.byRide[rideID] {
		if s, ok := b.sessions[sessionID]; ok {
			delete(s.rides, rideID)
			b.pruneLocked(sessionID, s)
		}
	}
	delete(b.byRide, rideID)
	delete(b.seq, rideID)
	prefix := rideID + "|"
	for key := range b.lastLoc {
		if strings.HasPrefix(key, prefix) {
			delete(b.lastLoc, key)
		}
	}
	for key := range b.pendingLoc {
		if strings.HasPrefix(key, prefix) {
			delete(b.pendingLoc, key)
		}
	}
}

// Attached reports whether a live transport is draining sessionID.
func (b *Broadcaster) Attached(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	return ok && s.ch != nil
}
