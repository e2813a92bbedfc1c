// Package payments is the external payment collaborator. The core never
// computes fares; it forwards the supplied estimate as a manual-capture hold
// and settles it on completion or cancellation.
package payments

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Collaborator is the slice of a payment provider the dispatch coordinator
// calls. All methods are best-effort from the core's perspective: a payment
// failure never changes ride state.
type Collaborator interface {
	Hold(ctx context.Context, rideID string, fare float64, currency string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Release(ctx context.Context, holdID string) error
}

// StripeCollaborator implements Collaborator on PaymentIntents with
// capture_method=manual.
type StripeCollaborator struct {
	Currency string
}

// NewStripeCollaborator initializes the stripe client with the given API key
// and a default settlement currency.
func NewStripeCollaborator(apiKey, currency string) *StripeCollaborator {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeCollaborator{Currency: currency}
}

// Hold creates a manual-capture PaymentIntent for the fare estimate and
// returns its id. The fare arrives in major units and is billed in cents.
func (s *StripeCollaborator) Hold(ctx context.Context, rideID string, fare float64, currency string) (string, error) {
	if currency == "" {
		currency = s.Currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(math.Round(fare * 100))),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.AddMetadata("ride_id", rideID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent after ride completion.
func (s *StripeCollaborator) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

// Release cancels the hold when the ride is cancelled.
func (s *StripeCollaborator) Release(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
