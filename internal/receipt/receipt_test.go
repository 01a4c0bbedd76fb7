package receipt

import (
	"bytes"
	"testing"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

var pricing = PricingConstants{
	BaseFareCents:  250,
	PerMileCents:   175,
	PerMinuteCents: 30,
	DiscountRate:   0.10,
}

func completedRide() *models.Ride {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	done := started.Add(18 * time.Minute)
	return &models.Ride{
		ID:             "r1",
		Status:         models.StatusCompleted,
		DistanceMeters: 6437.376, // 4 miles
		StartedAt:      &started,
		CompletedAt:    &done,
	}
}

func TestGenerateDeterministic(t *testing.T) {
	r := completedRide()
	a, err := Generate(r, pricing)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate(r, pricing)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ab, _ := a.Render()
	bb, _ := b.Render()
	if !bytes.Equal(ab, bb) {
		t.Fatalf("expected byte-identical output:\n%s\n%s", ab, bb)
	}
}

func TestGenerateBreakdown(t *testing.T) {
	rcpt, err := Generate(completedRide(), pricing)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// 4 mi * 175 = 700; 18 min * 30 = 540; base 250 → subtotal 1490
	if rcpt.SubtotalCents != 1490 {
		t.Fatalf("subtotal = %d, want 1490", rcpt.SubtotalCents)
	}
	if rcpt.DiscountCents != 149 {
		t.Fatalf("discount = %d, want 149", rcpt.DiscountCents)
	}
	if rcpt.TotalCents != 1341 {
		t.Fatalf("total = %d, want 1341", rcpt.TotalCents)
	}
	if rcpt.CompletedAt == nil || !rcpt.CompletedAt.Equal(*completedRide().CompletedAt) {
		t.Fatal("receipt must carry the ride's own completion time")
	}
}

func TestGenerateRejectsActiveRide(t *testing.T) {
	r := completedRide()
	r.Status = models.StatusInProgress
	if _, err := Generate(r, pricing); err == nil {
		t.Fatal("expected error for non-completed ride")
	}
}
