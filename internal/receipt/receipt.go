// Package receipt derives an itemized fare breakdown from a completed
// ride. Generation is pure and deterministic: identical input produces
// byte-identical output, because receipts back dispute resolution as well
// as customer display. Nothing here may read the wall clock.
package receipt

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

const metersPerMile = 1609.344

// PricingConstants are the fixed rates the breakdown is computed from.
type PricingConstants struct {
	BaseFareCents  int64   `json:"base_fare_cents"`
	PerMileCents   int64   `json:"per_mile_cents"`
	PerMinuteCents int64   `json:"per_minute_cents"`
	DiscountRate   float64 `json:"discount_rate"` // 0.10 == 10% off
}

type LineItem struct {
	Label       string `json:"label"`
	AmountCents int64  `json:"amount_cents"`
}

type Receipt struct {
	RideID        string     `json:"ride_id"`
	CompletedAt   *time.Time `json:"completed_at"`
	Items         []LineItem `json:"items"`
	SubtotalCents int64      `json:"subtotal_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TotalCents    int64      `json:"total_cents"`
}

// Generate computes the breakdown for a completed ride. The only timestamp
// in the output is the ride's own CompletedAt.
func Generate(r *models.Ride, pc PricingConstants) (*Receipt, error) {
	if r.Status != models.StatusCompleted {
		return nil, fmt.Errorf("ride %s is %s, receipts require completed", r.ID, r.Status)
	}

	miles := r.DistanceMeters / metersPerMile
	var minutes float64
	if r.StartedAt != nil && r.CompletedAt != nil {
		minutes = r.CompletedAt.Sub(*r.StartedAt).Minutes()
	}

	distanceCents := roundCents(miles * float64(pc.PerMileCents))
	timeCents := roundCents(minutes * float64(pc.PerMinuteCents))

	subtotal := pc.BaseFareCents + distanceCents + timeCents
	discount := roundCents(float64(subtotal) * pc.DiscountRate)

	return &Receipt{
		RideID:      r.ID,
		CompletedAt: r.CompletedAt,
		Items: []LineItem{
			{Label: "Base fare", AmountCents: pc.BaseFareCents},
			{Label: fmt.Sprintf("Distance (%.2f mi)", miles), AmountCents: distanceCents},
			{Label: fmt.Sprintf("Time (%.1f min)", minutes), AmountCents: timeCents},
		},
		SubtotalCents: subtotal,
		DiscountCents: discount,
		TotalCents:    subtotal - discount,
	}, nil
}

// Render encodes the receipt. Struct field order is fixed, so identical
// receipts render byte-identically.
func (r *Receipt) Render() ([]byte, error) {
	return json.Marshal(r)
}

func roundCents(v float64) int64 {
	return int64(math.Round(v))
}
