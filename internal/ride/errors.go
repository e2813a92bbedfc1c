package ride

import "errors"

var (
	// ErrRideNotFound means the ride id references no known ride.
	ErrRideNotFound = errors.New("ride not found")

	// ErrStaleVersion is the optimistic-concurrency conflict: the caller's
	// expected version no longer matches the ride. Re-fetch and retry.
	ErrStaleVersion = errors.New("stale ride version")

	// ErrInvalidTransition means the requested status is not a legal
	// successor of the ride's current status.
	ErrInvalidTransition = errors.New("invalid ride transition")

	// ErrActorNotAllowed means the transition itself is legal but the
	// calling actor may not drive it.
	ErrActorNotAllowed = errors.New("actor not allowed for transition")
)
