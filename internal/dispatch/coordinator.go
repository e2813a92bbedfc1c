// Package dispatch orchestrates the ride lifecycle: it creates rides, runs
// the matching engine against the session registry, commits acceptances into
// the state machine, and triggers broadcasts. Failures surface to callers as
// ride status, never as raw panics or stack traces.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	reasonRiderCancelled = "rider_cancelled"
	reasonNoDrivers      = "no_drivers_available"
)

type Config struct {
	SearchRadiusM float64
	MaxRadiusM    float64
	RadiusGrowth  float64
	MaxAttempts   int
}

func (c *Config) defaults() {
	if c.SearchRadiusM <= 0 {
		c.SearchRadiusM = 5000
	}
	if c.MaxRadiusM <= 0 {
		c.MaxRadiusM = 20000
	}
	if c.RadiusGrowth < 1 {
		c.RadiusGrowth = 1.5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

type Coordinator struct {
	machine   *ride.Machine
	registry  *session.Registry
	engine    *match.Engine
	caster    *broadcast.Broadcaster
	store     storage.RideStore
	payments  payments.Collaborator
	estimator *eta.Estimator
	push      *broadcast.PushClient
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	holds   map[string]string
}

func NewCoordinator(machine *ride.Machine, registry *session.Registry, caster *broadcast.Broadcaster, store storage.RideStore, estimator *eta.Estimator, matchCfg match.Config, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.defaults()
	c := &Coordinator{
		machine:   machine,
		registry:  registry,
		caster:    caster,
		store:     store,
		estimator: estimator,
		cfg:       cfg,
		logger:    logger,
		cancels:   make(map[string]context.CancelFunc),
		holds:     make(map[string]string),
	}
	c.engine = match.NewEngine(registry, c, matchCfg, logger)
	c.engine.SetRecorder(c.recordOffer)
	machine.SetObserver(c.onCommit)
	registry.OnEvict(func(driverID string) {
		c.engine.ExpireForDriver(driverID, match.ReasonDriverEvicted)
	})
	return c
}

// SetPayments installs the optional payment collaborator.
func (c *Coordinator) SetPayments(p payments.Collaborator) { c.payments = p }

// SetPushClient installs the HTTP push fallback for drivers with no socket.
func (c *Coordinator) SetPushClient(p *broadcast.PushClient) { c.push = p }

// NotifyOffer implements match.Notifier: websocket first, push fallback.
func (c *Coordinator) NotifyOffer(driverID string, offer models.Offer) {
	if c.caster.SendTo(broadcast.DriverSession(driverID), broadcast.EventOfferCreated, offer.RideID, offer) {
		return
	}
	if c.push != nil {
		if err := c.push.NotifyOffer(driverID, offer); err != nil && c.logger != nil {
			c.logger.Warn("push notify failed", "driver_id", driverID, "offer_id", offer.ID, "error", err)
		}
	}
}

// onCommit runs on every state-machine commit: it persists the projection
// and fans out status events. Cancellation events are published by the
// cancel paths themselves so a released driver hears nothing further.
func (c *Coordinator) onCommit(r models.Ride, ch models.StatusChange) {
	observability.RideTransitions.WithLabelValues(string(ch.To)).Inc()
	if c.store != nil {
		if err := c.store.UpdateRide(&r); err != nil && c.logger != nil {
			c.logger.Error("ride projection update failed", "ride_id", r.ID, "error", err)
		}
		if err := c.store.AppendStatusChange(ch); err != nil && c.logger != nil {
			c.logger.Error("status history append failed", "ride_id", r.ID, "error", err)
		}
	}
	if ch.To != models.StatusCancelled {
		c.caster.Publish(r.ID, broadcast.EventStatusChanged, map[string]any{
			"status":    string(ch.To),
			"driver_id": r.DriverID,
			"version":   r.Version,
		})
	}
}

func (c *Coordinator) recordOffer(o models.Offer) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveOffer(&o); err != nil && c.logger != nil {
		c.logger.Error("offer projection failed", "offer_id", o.ID, "error", err)
	}
}

// RequestRide creates a ride in Requested state and starts its matching
// loop. The call returns as soon as the ride exists; matching progress is
// observable through events and ride state.
func (c *Coordinator) RequestRide(ctx context.Context, req models.RideRequest) (models.Ride, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	var etaSec float64
	if c.estimator != nil {
		etaSec = c.estimator.Estimate(req.Pickup.Coord, req.Dropoff.Coord)
	}
	r := c.machine.Create(req, req.FareEstimate, etaSec)
	if c.store != nil {
		if err := c.store.SaveRide(&r); err != nil && c.logger != nil {
			c.logger.Error("ride save failed", "ride_id", r.ID, "error", err)
		}
	}
	c.registry.SetRiderRide(req.RiderID, r.ID)
	c.caster.Subscribe(broadcast.RiderSession(req.RiderID), r.ID)
	observability.RidesRequested.Inc()
	if c.logger != nil {
		c.logger.Info("ride requested", "ride_id", r.ID, "rider_id", r.RiderID)
	}

	mctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancels[r.ID] = cancel
	c.mu.Unlock()
	go c.runMatching(mctx, r)
	return r, nil
}

func (c *Coordinator) runMatching(ctx context.Context, r models.Ride) {
	defer c.clearMatching(r.ID)
	radius := c.cfg.SearchRadiusM
	start := time.Now()

	for attempt := 1; ; attempt++ {
		cur, err := c.machine.Get(r.ID)
		if err != nil || cur.Status != models.StatusRequested {
			return
		}
		offer, err := c.engine.Dispatch(ctx, cur, radius, func(driverID string) error {
			return c.commitAccept(r.ID, driverID)
		})
		if err == nil {
			observability.RidesMatched.Inc()
			observability.MatchLatency.Observe(time.Since(start).Seconds())
			if c.logger != nil {
				c.logger.Info("ride matched", "ride_id", r.ID, "driver_id", offer.DriverID, "attempt", attempt)
			}
			return
		}
		if ctx.Err() != nil {
			return // cancelled mid-dispatch; the cancel path owns cleanup
		}
		if !errors.Is(err, match.ErrNoDriversAvailable) {
			if c.logger != nil {
				c.logger.Error("dispatch failed", "ride_id", r.ID, "error", err)
			}
			return
		}

		cur, err = c.machine.Get(r.ID)
		if err != nil {
			return
		}
		unmatched, err := c.machine.Transition(r.ID, cur.Version, models.StatusUnmatched, ride.SystemActor(), "")
		if err != nil {
			return // raced with a rider cancel; nothing left to do
		}
		if attempt >= c.cfg.MaxAttempts {
			cancelled, err := c.machine.Transition(r.ID, unmatched.Version, models.StatusCancelled, ride.SystemActor(), reasonNoDrivers)
			if err != nil {
				return
			}
			c.caster.Publish(r.ID, broadcast.EventRideCancelled, map[string]any{"reason": cancelled.CancelReason})
			c.caster.DropRide(r.ID)
			if c.logger != nil {
				c.logger.Warn("matching exhausted", "ride_id", r.ID, "attempts", attempt)
			}
			return
		}
		if _, err := c.machine.Transition(r.ID, unmatched.Version, models.StatusRequested, ride.SystemActor(), "retry"); err != nil {
			return
		}
		radius *= c.cfg.RadiusGrowth
		if radius > c.cfg.MaxRadiusM {
			radius = c.cfg.MaxRadiusM
		}
	}
}

// commitAccept is the atomic binding: the driver session is taken first,
// then the ride transitions Requested -> Accepted under its own lock. If the
// transition loses a race (rider cancelled, another driver won), the driver
// session is handed back.
func (c *Coordinator) commitAccept(rideID, driverID string) error {
	cur, err := c.machine.Get(rideID)
	if err != nil {
		return err
	}
	if err := c.registry.Bind(driverID, rideID); err != nil {
		return err
	}
	r, err := c.machine.Transition(rideID, cur.Version, models.StatusAccepted, ride.Actor{Role: ride.RoleDriver, ID: driverID}, "")
	if err != nil {
		c.registry.Release(driverID, rideID)
		return err
	}

	c.caster.Subscribe(broadcast.DriverSession(driverID), rideID)
	c.caster.Publish(rideID, broadcast.EventRideAccepted, map[string]any{
		"driver_id": driverID,
		"version":   r.Version,
	})
	c.holdFare(r)
	return nil
}

func (c *Coordinator) holdFare(r models.Ride) {
	if c.payments == nil || r.FareEstimate <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	holdID, err := c.payments.Hold(ctx, r.ID, r.FareEstimate, "")
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("fare hold failed", "ride_id", r.ID, "error", err)
		}
		return
	}
	c.mu.Lock()
	c.holds[r.ID] = holdID
	c.mu.Unlock()
}

func (c *Coordinator) takeHold(rideID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.holds[rideID]
	delete(c.holds, rideID)
	return id, ok
}

func (c *Coordinator) clearMatching(rideID string) {
	c.mu.Lock()
	if cancel, ok := c.cancels[rideID]; ok {
		delete(c.cancels, rideID)
		cancel()
	}
	c.mu.Unlock()
}

// CancelRide is the rider-initiated cancellation. It short-circuits any
// in-flight offers, releases a bound driver back to online, and silences the
// driver's subscription before the cancellation event goes out.
func (c *Coordinator) CancelRide(ctx context.Context, rideID, riderID string) (models.Ride, error) {
	for attempt := 0; ; attempt++ {
		cur, err := c.machine.Get(rideID)
		if err != nil {
			return models.Ride{}, err
		}
		r, err := c.machine.Transition(rideID, cur.Version, models.StatusCancelled, ride.Actor{Role: ride.RoleRider, ID: riderID}, reasonRiderCancelled)
		if errors.Is(err, ride.ErrStaleVersion) && attempt < 2 {
			continue // raced with an accept; retry against the fresh version
		}
		if err != nil {
			return models.Ride{}, err
		}

		c.clearMatching(rideID)
		c.engine.ExpireForRide(rideID, match.ReasonRideCancelled)
		if r.DriverID != "" {
			c.caster.Unsubscribe(broadcast.DriverSession(r.DriverID), rideID)
			c.registry.Release(r.DriverID, rideID)
		}
		c.releaseHold(rideID)
		c.caster.Publish(rideID, broadcast.EventRideCancelled, map[string]any{"reason": r.CancelReason})
		c.caster.DropRide(rideID)
		if c.logger != nil {
			c.logger.Info("ride cancelled", "ride_id", rideID, "by", riderID)
		}
		return r, nil
	}
}

func (c *Coordinator) releaseHold(rideID string) {
	holdID, ok := c.takeHold(rideID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.payments.Release(ctx, holdID); err != nil && c.logger != nil {
		c.logger.Warn("fare hold release failed", "ride_id", rideID, "error", err)
	}
}

// AcceptOffer routes a driver's acceptance to the matching engine and
// reports the commit outcome.
func (c *Coordinator) AcceptOffer(ctx context.Context, offerID, driverID string) error {
	return c.engine.Accept(ctx, offerID, driverID)
}

// DeclineOffer resolves the offer declined; matching advances on its own.
// Riders still subscribed to the ride see the decline as progress feedback.
func (c *Coordinator) DeclineOffer(ctx context.Context, offerID, driverID string) error {
	var rideID string
	for _, o := range c.engine.PendingForDriver(driverID) {
		if o.ID == offerID {
			rideID = o.RideID
			break
		}
	}
	if err := c.engine.Decline(ctx, offerID, driverID); err != nil {
		return err
	}
	if rideID != "" {
		c.caster.Publish(rideID, broadcast.EventRideDeclined, map[string]any{"driver_id": driverID})
	}
	return nil
}

// DriverArrived marks the bound driver at the pickup point.
func (c *Coordinator) DriverArrived(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	return c.driverTransition(rideID, driverID, models.StatusArrivedAtPickup)
}

// StartRide marks the trip in progress.
func (c *Coordinator) StartRide(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	return c.driverTransition(rideID, driverID, models.StatusInProgress)
}

// CompleteRide finishes the trip, releases the driver back to online, and
// captures the fare hold if one exists.
func (c *Coordinator) CompleteRide(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	r, err := c.driverTransition(rideID, driverID, models.StatusCompleted)
	if err != nil {
		return models.Ride{}, err
	}
	c.registry.Release(driverID, rideID)
	if holdID, ok := c.takeHold(rideID); ok {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.payments.Capture(cctx, holdID); err != nil && c.logger != nil {
			c.logger.Warn("fare capture failed", "ride_id", rideID, "error", err)
		}
	}
	c.caster.DropRide(rideID)
	return r, nil
}

func (c *Coordinator) driverTransition(rideID, driverID string, next models.RideStatus) (models.Ride, error) {
	cur, err := c.machine.Get(rideID)
	if err != nil {
		return models.Ride{}, err
	}
	return c.machine.Transition(rideID, cur.Version, next, ride.Actor{Role: ride.RoleDriver, ID: driverID}, "")
}

// DriverLocation refreshes the driver's heartbeat and, when the driver is on
// a ride, forwards the position to the ride's subscribers (rate-limited).
func (c *Coordinator) DriverLocation(driverID string, loc models.Coord) error {
	if err := c.registry.Heartbeat(driverID, loc); err != nil {
		return err
	}
	s, err := c.registry.Snapshot(driverID)
	if err != nil {
		return err
	}
	if s.CurrentRideID != "" {
		c.caster.PublishLocation(s.CurrentRideID, driverID, loc)
	}
	return nil
}

// GetRide reads current ride state, falling back to the durable projection
// for rides this process no longer holds in memory.
func (c *Coordinator) GetRide(rideID string) (models.Ride, error) {
	r, err := c.machine.Get(rideID)
	if err == nil {
		return r, nil
	}
	if c.store != nil {
		if stored, serr := c.store.GetRide(rideID); serr == nil {
			return *stored, nil
		}
	}
	return models.Ride{}, fmt.Errorf("ride %s: %w", rideID, ride.ErrRideNotFound)
}

// ListOffersForDriver returns the driver's pending offers.
func (c *Coordinator) ListOffersForDriver(driverID string) []models.Offer {
	return c.engine.PendingForDriver(driverID)
}

// StatusHistory exposes the append-only audit for a ride.
func (c *Coordinator) StatusHistory(rideID string) ([]models.StatusChange, error) {
	return c.machine.History(rideID)
}
