// Package match runs the offer loop for a ride: candidates are taken
// nearest-first from the session registry and offered the ride one batch at
// a time, each offer bounded by a response deadline. The first accepted
// offer that commits wins; everything else resolves declined, expired, or
// superseded. No driver sees the same ride twice.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	// ErrNoDriversAvailable means the candidate list is exhausted for the
	// current radius. Retryable by the coordinator with a wider radius.
	ErrNoDriversAvailable = errors.New("no drivers available")

	// ErrOfferExpired rejects a response to an offer that already resolved.
	ErrOfferExpired = errors.New("offer expired")

	// ErrOfferNotFound means the offer id references nothing this engine
	// is tracking.
	ErrOfferNotFound = errors.New("offer not found")

	// ErrNotOfferedDriver rejects a response from a driver the offer was
	// never addressed to.
	ErrNotOfferedDriver = errors.New("offer addressed to another driver")
)

// Expiry reasons recorded on offers.
const (
	ReasonTimeout       = "timeout"
	ReasonRideCancelled = "ride_cancelled"
	ReasonDriverEvicted = "driver_evicted"
	ReasonSuperseded    = "superseded"
)

// CandidateSource is the slice of the session registry the engine needs.
type CandidateSource interface {
	FindNearbyAvailable(origin models.Coord, radiusM float64, limit int) []string
	Distance(driverID string, origin models.Coord) (float64, error)
}

// Notifier delivers a fresh offer to its candidate driver.
type Notifier interface {
	NotifyOffer(driverID string, offer models.Offer)
}

type Config struct {
	OfferDeadline   time.Duration
	FanOut          int
	CandidateLimit  int
	DefaultSpeedMps float64
}

func (c *Config) defaults() {
	if c.OfferDeadline <= 0 {
		c.OfferDeadline = 15 * time.Second
	}
	if c.FanOut <= 0 {
		c.FanOut = 1
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 16
	}
	if c.DefaultSpeedMps <= 0 {
		c.DefaultSpeedMps = 10
	}
}

type response struct {
	accept bool
	reply  chan error
}

type offerEntry struct {
	offer   models.Offer
	respond chan response
	done    chan struct{}
}

type offerResult struct {
	offer    models.Offer
	accepted bool
}

type Engine struct {
	source CandidateSource
	notify Notifier
	record func(models.Offer)
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	offers   map[string]*offerEntry
	byDriver map[string]map[string]*offerEntry
	byRide   map[string]map[string]*offerEntry

	now func() time.Time
}

func NewEngine(source CandidateSource, notify Notifier, cfg Config, logger *slog.Logger) *Engine {
	cfg.defaults()
	return &Engine{
		source:   source,
		notify:   notify,
		cfg:      cfg,
		logger:   logger,
		offers:   make(map[string]*offerEntry),
		byDriver: make(map[string]map[string]*offerEntry),
		byRide:   make(map[string]map[string]*offerEntry),
		now:      time.Now,
	}
}

// SetRecorder installs the hook invoked on every offer creation and
// resolution, used for durable offer projections.
func (e *Engine) SetRecorder(fn func(models.Offer)) { e.record = fn }

// Dispatch offers ride r to candidates within radiusM until one accepts,
// the candidates are exhausted (ErrNoDriversAvailable), or ctx is cancelled.
// commit is called exactly once per successful acceptance, inside the accept
// path, and performs the atomic ride/driver binding; a commit failure
// expires the offer and the loop moves on.
func (e *Engine) Dispatch(ctx context.Context, r models.Ride, radiusM float64, commit func(driverID string) error) (models.Offer, error) {
	tried := make(map[string]struct{})
	defer e.dropRide(r.ID)

	for {
		if err := ctx.Err(); err != nil {
			return models.Offer{}, err
		}
		batch := e.nextBatch(r, radiusM, tried)
		if len(batch) == 0 {
			return models.Offer{}, fmt.Errorf("ride %s radius %.0fm: %w", r.ID, radiusM, ErrNoDriversAvailable)
		}

		results := make(chan offerResult, len(batch))
		for _, entry := range batch {
			if e.notify != nil {
				e.notify.NotifyOffer(entry.offer.DriverID, entry.offer)
			}
			go e.awaitOffer(ctx, entry, commit, results)
		}
		for range batch {
			res := <-results
			if res.accepted {
				return res.offer, nil
			}
		}
	}
}

// nextBatch creates up to FanOut fresh offers for untried candidates.
func (e *Engine) nextBatch(r models.Ride, radiusM float64, tried map[string]struct{}) []*offerEntry {
	candidates := e.source.FindNearbyAvailable(r.Pickup.Coord, radiusM, e.cfg.CandidateLimit)
	now := e.now()
	var batch []*offerEntry
	for _, driverID := range candidates {
		if len(batch) >= e.cfg.FanOut {
			break
		}
		if _, seen := tried[driverID]; seen {
			continue
		}
		tried[driverID] = struct{}{}

		dist, err := e.source.Distance(driverID, r.Pickup.Coord)
		if err != nil {
			continue // candidate vanished between query and offer
		}
		offer := models.Offer{
			ID:              uuid.NewString(),
			RideID:          r.ID,
			DriverID:        driverID,
			PickupDistanceM: dist,
			ETASeconds:      dist / e.cfg.DefaultSpeedMps,
			FareEstimate:    r.FareEstimate,
			Outcome:         models.OfferPending,
			OfferedAt:       now,
			Deadline:        now.Add(e.cfg.OfferDeadline),
		}
		entry := &offerEntry{
			offer:   offer,
			respond: make(chan response),
			done:    make(chan struct{}),
		}
		e.mu.Lock()
		e.offers[offer.ID] = entry
		if e.byDriver[driverID] == nil {
			e.byDriver[driverID] = make(map[string]*offerEntry)
		}
		e.byDriver[driverID][offer.ID] = entry
		if e.byRide[r.ID] == nil {
			e.byRide[r.ID] = make(map[string]*offerEntry)
		}
		e.byRide[r.ID][offer.ID] = entry
		e.mu.Unlock()

		if e.record != nil {
			e.record(offer)
		}
		if e.logger != nil {
			e.logger.Info("offer created", "offer_id", offer.ID, "ride_id", r.ID, "driver_id", driverID, "distance_m", dist)
		}
		batch = append(batch, entry)
	}
	return batch
}

// awaitOffer resolves one offer: driver response, deadline expiry, dispatch
// cancellation, or external resolution (eviction, ride cancel). It always
// sends exactly one result.
func (e *Engine) awaitOffer(ctx context.Context, entry *offerEntry, commit func(string) error, results chan<- offerResult) {
	timer := time.NewTimer(time.Until(entry.offer.Deadline))
	defer timer.Stop()
	for {
		select {
		case resp := <-entry.respond:
			if !resp.accept {
				if e.resolve(entry, models.OfferDeclined, "") {
					resp.reply <- nil
					results <- offerResult{offer: e.snapshot(entry)}
					return
				}
				resp.reply <- e.lateError(entry)
				continue
			}
			// Commit while the offer is still pending. The per-ride lock
			// in the state machine decides races against cancellation and
			// concurrent accepts.
			if err := commit(entry.offer.DriverID); err != nil {
				e.resolve(entry, models.OfferExpired, ReasonSuperseded)
				resp.reply <- err
				results <- offerResult{offer: e.snapshot(entry)}
				return
			}
			if !e.resolve(entry, models.OfferAccepted, "") {
				// cannot happen while coordinator orders cancel-then-expire
				resp.reply <- e.lateError(entry)
				continue
			}
			resp.reply <- nil
			e.supersede(entry)
			results <- offerResult{offer: e.snapshot(entry), accepted: true}
			return
		case <-timer.C:
			if e.resolve(entry, models.OfferExpired, ReasonTimeout) {
				results <- offerResult{offer: e.snapshot(entry)}
				return
			}
		case <-ctx.Done():
			if e.resolve(entry, models.OfferExpired, ReasonRideCancelled) {
				results <- offerResult{offer: e.snapshot(entry)}
				return
			}
		case <-entry.done:
			results <- offerResult{offer: e.snapshot(entry)}
			return
		}
	}
}

// resolve commits a pending offer to its final outcome. Outcomes are
// monotone: the first resolution wins, later ones report false.
func (e *Engine) resolve(entry *offerEntry, outcome models.OfferOutcome, reason string) bool {
	e.mu.Lock()
	if entry.offer.Outcome != models.OfferPending {
		e.mu.Unlock()
		return false
	}
	entry.offer.Outcome = outcome
	entry.offer.Reason = reason
	entry.offer.ResolvedAt = e.now()
	delete(e.byDriver[entry.offer.DriverID], entry.offer.ID)
	delete(e.byRide[entry.offer.RideID], entry.offer.ID)
	offer := entry.offer
	e.mu.Unlock()

	close(entry.done)
	observability.OffersTotal.WithLabelValues(string(outcome)).Inc()
	if e.record != nil {
		e.record(offer)
	}
	if e.logger != nil {
		e.logger.Info("offer resolved", "offer_id", offer.ID, "ride_id", offer.RideID, "driver_id", offer.DriverID, "outcome", string(outcome), "reason", reason)
	}
	return true
}

func (e *Engine) snapshot(entry *offerEntry) models.Offer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return entry.offer
}

func (e *Engine) lateError(entry *offerEntry) error {
	o := e.snapshot(entry)
	return fmt.Errorf("%w: offer %s resolved %s", ErrOfferExpired, o.ID, o.Outcome)
}

// supersede expires every other pending offer for the accepted offer's ride.
func (e *Engine) supersede(winner *offerEntry) {
	e.mu.Lock()
	var losers []*offerEntry
	for _, entry := range e.byRide[winner.offer.RideID] {
		if entry != winner {
			losers = append(losers, entry)
		}
	}
	e.mu.Unlock()
	for _, entry := range losers {
		e.resolve(entry, models.OfferExpired, ReasonSuperseded)
	}
}

// Accept routes a driver's acceptance into the offer's waiter and reports
// the commit outcome synchronously.
func (e *Engine) Accept(ctx context.Context, offerID, driverID string) error {
	return e.respond(ctx, offerID, driverID, true)
}

// Decline resolves the offer declined and advances matching.
func (e *Engine) Decline(ctx context.Context, offerID, driverID string) error {
	return e.respond(ctx, offerID, driverID, false)
}

func (e *Engine) respond(ctx context.Context, offerID, driverID string, accept bool) error {
	e.mu.Lock()
	entry, ok := e.offers[offerID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("offer %s: %w", offerID, ErrOfferNotFound)
	}
	if entry.offer.DriverID != driverID {
		return fmt.Errorf("offer %s: %w", offerID, ErrNotOfferedDriver)
	}
	resp := response{accept: accept, reply: make(chan error, 1)}
	select {
	case entry.respond <- resp:
	case <-entry.done:
		return e.lateError(entry)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExpireForDriver expires the driver's pending offers, e.g. after a
// liveness eviction.
func (e *Engine) ExpireForDriver(driverID, reason string) {
	e.mu.Lock()
	var entries []*offerEntry
	for _, entry := range e.byDriver[driverID] {
		entries = append(entries, entry)
	}
	e.mu.Unlock()
	for _, entry := range entries {
		e.resolve(entry, models.OfferExpired, reason)
	}
}

// ExpireForRide short-circuits every in-flight offer for a cancelled ride.
func (e *Engine) ExpireForRide(rideID, reason string) {
	e.mu.Lock()
	var entries []*offerEntry
	for _, entry := range e.byRide[rideID] {
		entries = append(entries, entry)
	}
	e.mu.Unlock()
	for _, entry := range entries {
		e.resolve(entry, models.OfferExpired, reason)
	}
}

// PendingForDriver is the read-only projection behind the driver offers API.
func (e *Engine) PendingForDriver(driverID string) []models.Offer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Offer, 0, len(e.byDriver[driverID]))
	for _, entry := range e.byDriver[driverID] {
		out = append(out, entry.offer)
	}
	return out
}

// dropRide forgets all offer bookkeeping for a ride once its dispatch ends.
// Durable offer records live in storage via the recorder.
func (e *Engine) dropRide(rideID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, entry := range e.offers {
		if entry.offer.RideID == rideID {
			delete(e.offers, id)
			delete(e.byDriver[entry.offer.DriverID], id)
		}
	}
	delete(e.byRide, rideID)
}
