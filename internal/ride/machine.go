// Package ride holds the canonical lifecycle state machine. A ride's state
// lives here and only here; every other component reads it through Get and
// mutates it through Transition.
package ride

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type ActorRole string

const (
	RoleRider  ActorRole = "rider"
	RoleDriver ActorRole = "driver"
	RoleSystem ActorRole = "system"
)

type Actor struct {
	Role ActorRole
	ID   string
}

func SystemActor() Actor { return Actor{Role: RoleSystem, ID: "system"} }

func (a Actor) String() string {
	if a.Role == RoleSystem {
		return string(RoleSystem)
	}
	return fmt.Sprintf("%s:%s", a.Role, a.ID)
}

// Observer is invoked after every committed transition, while the ride's
// lock is still held, so per-ride delivery order matches commit order.
type Observer func(r models.Ride, ch models.StatusChange)

// successors is the legal-transition table. Completed and Cancelled have no
// successors; Unmatched may feed back into matching or terminate.
var successors = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:       {models.StatusAccepted, models.StatusCancelled, models.StatusUnmatched},
	models.StatusAccepted:        {models.StatusArrivedAtPickup, models.StatusCancelled},
	models.StatusArrivedAtPickup: {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:      {models.StatusCompleted},
	models.StatusUnmatched:       {models.StatusRequested, models.StatusCancelled},
}

func legalSuccessor(from, to models.RideStatus) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

type entry struct {
	mu      sync.Mutex
	ride    models.Ride
	history []models.StatusChange
}

// Machine owns all active rides. Each ride serializes on its own lock, so
// transitions and offer commitments for one ride id are linearized.
type Machine struct {
	mu       sync.RWMutex
	rides    map[string]*entry
	observer Observer
	now      func() time.Time
}

func NewMachine() *Machine {
	return &Machine{rides: make(map[string]*entry), now: time.Now}
}

// SetObserver installs the post-commit hook. Must be called before the
// machine starts taking traffic.
func (m *Machine) SetObserver(fn Observer) { m.observer = fn }

// Create registers a new ride in Requested state.
func (m *Machine) Create(req models.RideRequest, fare, etaSeconds float64) models.Ride {
	now := m.now()
	r := models.Ride{
		ID:              req.ID,
		RiderID:         req.RiderID,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		FareEstimate:    fare,
		ETASeconds:      etaSeconds,
		Status:          models.StatusRequested,
		Version:         1,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	m.mu.Lock()
	m.rides[r.ID] = &entry{ride: r}
	m.mu.Unlock()
	return r
}

func (m *Machine) lookup(rideID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.rides[rideID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrRideNotFound
	}
	return e, nil
}

func (m *Machine) Get(rideID string) (models.Ride, error) {
	e, err := m.lookup(rideID)
	if err != nil {
		return models.Ride{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride, nil
}

// History returns the append-only status audit for a ride.
func (m *Machine) History(rideID string) ([]models.StatusChange, error) {
	e, err := m.lookup(rideID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.StatusChange, len(e.history))
	copy(out, e.history)
	return out, nil
}

// Transition commits rideID from its current status to next, provided the
// caller's expectedVersion still matches (optimistic concurrency), next is a
// legal successor, and the actor is entitled to drive it. Accepting binds the
// driver actor to the ride; the binding is write-once.
func (m *Machine) Transition(rideID string, expectedVersion int64, next models.RideStatus, actor Actor, reason string) (models.Ride, error) {
	e, err := m.lookup(rideID)
	if err != nil {
		return models.Ride{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r := &e.ride
	if r.Version != expectedVersion {
		return models.Ride{}, fmt.Errorf("%w: ride %s at version %d, caller expected %d", ErrStaleVersion, rideID, r.Version, expectedVersion)
	}
	if !legalSuccessor(r.Status, next) {
		return models.Ride{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	if err := checkActor(*r, next, actor); err != nil {
		return models.Ride{}, err
	}

	from := r.Status
	if next == models.StatusAccepted {
		r.DriverID = actor.ID
	}
	if next == models.StatusCancelled {
		r.CancelReason = reason
	}
	r.Status = next
	r.Version++
	r.StatusChangedAt = m.now()

	ch := models.StatusChange{
		RideID:  r.ID,
		From:    from,
		To:      next,
		Actor:   actor.String(),
		Reason:  reason,
		Version: r.Version,
		At:      r.StatusChangedAt,
	}
	e.history = append(e.history, ch)
	if m.observer != nil {
		m.observer(*r, ch)
	}
	return *r, nil
}

func checkActor(r models.Ride, next models.RideStatus, actor Actor) error {
	switch next {
	case models.StatusAccepted:
		if actor.Role != RoleDriver {
			return fmt.Errorf("%w: only a driver may accept", ErrActorNotAllowed)
		}
		if r.DriverID != "" {
			return fmt.Errorf("%w: ride already bound to driver %s", ErrActorNotAllowed, r.DriverID)
		}
	case models.StatusArrivedAtPickup, models.StatusInProgress, models.StatusCompleted:
		if actor.Role != RoleDriver || actor.ID != r.DriverID {
			return fmt.Errorf("%w: only the bound driver may drive %s", ErrActorNotAllowed, next)
		}
	case models.StatusCancelled:
		switch actor.Role {
		case RoleRider:
			if actor.ID != r.RiderID {
				return fmt.Errorf("%w: rider %s does not own ride %s", ErrActorNotAllowed, actor.ID, r.ID)
			}
		case RoleSystem:
			// the system only cancels rides it failed to match
			if r.DriverID != "" {
				return fmt.Errorf("%w: system may not cancel a bound ride", ErrActorNotAllowed)
			}
		default:
			return fmt.Errorf("%w: drivers may not cancel", ErrActorNotAllowed)
		}
	case models.StatusUnmatched, models.StatusRequested:
		if actor.Role != RoleSystem {
			return fmt.Errorf("%w: only the system drives %s", ErrActorNotAllowed, next)
		}
	}
	return nil
}
