package ledger

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeGateway implements Gateway over stripe PaymentIntents with
// capture_method=manual: Authorize holds funds, Capture charges up to the
// held amount, Cancel releases the hold.
type StripeGateway struct {
	Currency string
}

// NewStripeGateway initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeGateway(currency string) *StripeGateway {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	if currency == "" {
		currency = "usd"
	}
	return &StripeGateway{Currency: currency}
}

func (s *StripeGateway) Authorize(ctx context.Context, amountCents int64, meta map[string]string) (Authorization, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(s.Currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return Authorization{}, err
	}
	return Authorization{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *StripeGateway) Capture(ctx context.Context, id string, amountCents int64) error {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amountCents)}
	_, err := paymentintent.Capture(id, params)
	return err
}

func (s *StripeGateway) Cancel(ctx context.Context, id string) error {
	_, err := paymentintent.Cancel(id, nil)
	return err
}
