package payments

import (
	"context"
	"errors"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrInvalidAmount = errors.New("invoice amount must be positive")

// StripeClient records invoices as Stripe PaymentIntents.
type StripeClient struct {
	newIntent func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// NewStripeClient sets the global stripe key used by the resource packages.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{newIntent: paymentintent.New}
}

// Settle creates a PaymentIntent for inv and returns its ID. The invoice ID is
// the idempotency key, so a retried settlement never charges twice.
func (s *StripeClient) Settle(ctx context.Context, inv models.Invoice) (string, error) {
	amount := MinorUnits(inv.Amount)
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(inv.Currency)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("invoice-" + inv.ID)
	params.AddMetadata("invoice_id", inv.ID)
	params.AddMetadata("trip_id", inv.TripID)
	params.AddMetadata("client_id", inv.ClientID)
	if inv.DriverID != "" {
		params.AddMetadata("driver_id", inv.DriverID)
	}
	if inv.Method != "" {
		params.AddMetadata("method", inv.Method)
	}
	pi, err := s.newIntent(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// MinorUnits converts a fare to the smallest currency unit, assuming two decimals.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
