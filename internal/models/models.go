package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a coordinate with an optional human-readable address.
type Location struct {
	Coord
	Address string `json:"address,omitempty"`
}

type RideRequest struct {
	ID           string    `json:"id"`
	RiderID      string    `json:"rider_id"`
	Pickup       Location  `json:"pickup"`
	Dropoff      Location  `json:"dropoff"`
	FareEstimate float64   `json:"fare_estimate,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}

type RideStatus string

const (
	StatusRequested       RideStatus = "requested"
	StatusAccepted        RideStatus = "accepted"
	StatusArrivedAtPickup RideStatus = "arrived_at_pickup"
	StatusInProgress      RideStatus = "in_progress"
	StatusCompleted       RideStatus = "completed"
	StatusCancelled       RideStatus = "cancelled"
	StatusUnmatched       RideStatus = "unmatched"
)

// Terminal reports whether no further transition can leave the status.
// Unmatched is retryable and therefore not terminal.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Ride is the canonical lifecycle record. Version increments on every
// committed transition and is the optimistic-concurrency token.
type Ride struct {
	ID              string     `json:"id"`
	RiderID         string     `json:"rider_id"`
	DriverID        string     `json:"driver_id,omitempty"`
	Pickup          Location   `json:"pickup"`
	Dropoff         Location   `json:"dropoff"`
	FareEstimate    float64    `json:"fare_estimate"`
	ETASeconds      float64    `json:"eta_seconds,omitempty"`
	Status          RideStatus `json:"status"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
}

// StatusChange is one append-only audit entry per committed transition.
type StatusChange struct {
	RideID  string     `json:"ride_id"`
	From    RideStatus `json:"from"`
	To      RideStatus `json:"to"`
	Actor   string     `json:"actor"`
	Reason  string     `json:"reason,omitempty"`
	Version int64      `json:"version"`
	At      time.Time  `json:"at"`
}

type Availability string

const (
	AvailabilityOnline  Availability = "online"
	AvailabilityOffline Availability = "offline"
	AvailabilityBusy    Availability = "busy"
)

type DriverSession struct {
	DriverID      string       `json:"driver_id"`
	Location      Coord        `json:"location"`
	Availability  Availability `json:"availability"`
	CurrentRideID string       `json:"current_ride_id,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

type RiderSession struct {
	RiderID       string `json:"rider_id"`
	CurrentRideID string `json:"current_ride_id,omitempty"`
}

type OfferOutcome string

const (
	OfferPending  OfferOutcome = "pending"
	OfferAccepted OfferOutcome = "accepted"
	OfferDeclined OfferOutcome = "declined"
	OfferExpired  OfferOutcome = "expired"
)

// Offer is a time-bounded proposal of one ride to one candidate driver.
// Offers are append-only; a superseded offer is never reused.
type Offer struct {
	ID              string       `json:"id"`
	RideID          string       `json:"ride_id"`
	DriverID        string       `json:"driver_id"`
	PickupDistanceM float64      `json:"pickup_distance_m"`
	ETASeconds      float64      `json:"eta_seconds"`
	FareEstimate    float64      `json:"fare_estimate"`
	Outcome         OfferOutcome `json:"outcome"`
	Reason          string       `json:"reason,omitempty"`
	OfferedAt       time.Time    `json:"offered_at"`
	Deadline        time.Time    `json:"deadline"`
	ResolvedAt      time.Time    `json:"resolved_at,omitempty"`
}

// DriverLocationUpdate is the wire record on the driver-locations topic.
type DriverLocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	SentAt   time.Time `json:"sent_at"`
}
