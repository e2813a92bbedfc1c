// Package storage holds the durable projections of rides, offers, and the
// per-ride status history. The state machine stays authoritative for active
// rides; these records exist for recovery, audit, and offline queries.
package storage

import (
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("record not found")

// RideStore persists ride and offer records plus the append-only status
// history per ride.
type RideStore interface {
	SaveRide(r *models.Ride) error
	UpdateRide(r *models.Ride) error
	GetRide(id string) (*models.Ride, error)
	SaveOffer(o *models.Offer) error
	AppendStatusChange(ch models.StatusChange) error
	StatusHistory(rideID string) ([]models.StatusChange, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]models.Ride
	offers  map[string]models.Offer
	history map[string][]models.StatusChange
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]models.Ride),
		offers:  make(map[string]models.Offer),
		history: make(map[string][]models.StatusChange),
	}
}

func (m *MemoryStore) SaveRide(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateRide(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// an older version never overwrites a newer projection
	if cur, ok := m.rides[r.ID]; ok && cur.Version > r.Version {
		return nil
	}
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRide(id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// SaveOffer upserts by offer id; offers resolve exactly once so the final
// write carries the outcome.
func (m *MemoryStore) SaveOffer(o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryStore) AppendStatusChange(ch models.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[ch.RideID] = append(m.history[ch.RideID], ch)
	return nil
}

func (m *MemoryStore) StatusHistory(rideID string) ([]models.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.StatusChange, len(m.history[rideID]))
	copy(out, m.history[rideID])
	return out, nil
}

// OffersForRide is a test/debug helper on the memory store.
func (m *MemoryStore) OffersForRide(rideID string) []models.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.RideID == rideID {
			out = append(out, o)
		}
	}
	return out
}
