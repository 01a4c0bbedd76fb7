// Package ledger tracks per-ride payment state across the settlement rails:
// card (gateway hold/capture), peer-transfer (external settlement) and cash.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/rideerr"
	"github.com/example/ride-lifecycle/internal/storage"
)

// Authorization is the gateway's handle for a hold.
type Authorization struct {
	ID           string
	ClientSecret string
}

// Gateway is the payment-gateway seam. Amounts are integer cents.
type Gateway interface {
	Authorize(ctx context.Context, amountCents int64, meta map[string]string) (Authorization, error)
	Capture(ctx context.Context, id string, amountCents int64) error
	Cancel(ctx context.Context, id string) error
}

type Ledger struct {
	Store   storage.RideStore
	Gateway Gateway
	Logger  *slog.Logger
}

// Open creates the ride's payment record at booking time. For the card rail
// it places a hold for the estimate; a gateway rejection here is fatal to
// booking and surfaces synchronously. The peer-transfer and cash rails have
// nothing to hold, so their records are created lazily at completion.
func (l *Ledger) Open(ctx context.Context, r *models.Ride) (*models.PaymentRecord, error) {
	if r.PaymentMethod != models.PayCard {
		return nil, nil
	}
	rec := &models.PaymentRecord{
		RideID: r.ID,
		Method: models.PayCard,
		Status: models.PaymentRequested,
	}
	auth, err := l.Gateway.Authorize(ctx, r.EstimatedFare, map[string]string{"ride_id": r.ID, "rider_id": r.RiderID})
	if err != nil {
		return nil, &rideerr.PaymentError{RideID: r.ID, Reason: fmt.Sprintf("authorization failed: %v", err)}
	}
	rec.Status = models.PaymentAuthorized
	rec.AuthRef = auth.ID
	rec.ClientSecret = auth.ClientSecret
	rec.AuthorizedAmountCents = r.EstimatedFare
	if err := l.Store.CreatePayment(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// OnCompleted advances the record when the ride reaches completed. Card
// capture stays an explicit caller operation (Capture); the other rails
// move here: peer-transfer surfaces payment instructions (request_sent),
// cash opens a pending record for the driver to mark collected.
func (l *Ledger) OnCompleted(ctx context.Context, r *models.Ride) {
	switch r.PaymentMethod {
	case models.PayPeer:
		rec := &models.PaymentRecord{
			RideID:                r.ID,
			Method:                models.PayPeer,
			Status:                models.PaymentRequestSent,
			AuthorizedAmountCents: r.EstimatedFare,
		}
		if err := l.Store.CreatePayment(ctx, rec); err != nil {
			l.Logger.Error("peer payment record create failed", "ride_id", r.ID, "error", err)
		}
	case models.PayCash:
		rec := &models.PaymentRecord{
			RideID:                r.ID,
			Method:                models.PayCash,
			Status:                models.PaymentPending,
			AuthorizedAmountCents: r.EstimatedFare,
		}
		if err := l.Store.CreatePayment(ctx, rec); err != nil {
			l.Logger.Error("cash payment record create failed", "ride_id", r.ID, "error", err)
		}
	}
}

// OnCancelled releases a card hold when the ride dies before completion.
func (l *Ledger) OnCancelled(ctx context.Context, r *models.Ride) {
	if r.PaymentMethod != models.PayCard {
		return
	}
	_, err := l.Store.UpdatePayment(ctx, r.ID, func(rec *models.PaymentRecord) error {
		if rec.Status != models.PaymentAuthorized {
			return &rideerr.ConflictError{RideID: r.ID, Expected: string(models.PaymentAuthorized), Actual: string(rec.Status)}
		}
		if err := l.Gateway.Cancel(ctx, rec.AuthRef); err != nil {
			return err
		}
		rec.Status = models.PaymentCancelled
		return nil
	})
	if err != nil {
		// Reconciled out-of-band; never blocks the cancellation itself.
		l.Logger.Error("card hold release failed", "ride_id", r.ID, "error", err)
	}
}

// Capture finalizes the card charge for a completed ride. The captured
// amount must not exceed the held amount: an over-capture attempt fails
// with PaymentError and leaves the record authorized. A capture failure
// never rolls the ride back out of completed.
func (l *Ledger) Capture(ctx context.Context, rideID string, amountCents int64) (*models.PaymentRecord, error) {
	return l.Store.UpdatePayment(ctx, rideID, func(rec *models.PaymentRecord) error {
		if rec.Method != models.PayCard {
			return &rideerr.PaymentError{RideID: rideID, Reason: "capture on a non-card record"}
		}
		if rec.Status != models.PaymentAuthorized {
			return &rideerr.ConflictError{RideID: rideID, Expected: string(models.PaymentAuthorized), Actual: string(rec.Status)}
		}
		if amountCents > rec.AuthorizedAmountCents {
			return &rideerr.PaymentError{RideID: rideID,
				Reason: fmt.Sprintf("capture %d exceeds authorized %d", amountCents, rec.AuthorizedAmountCents)}
		}
		if err := l.Gateway.Capture(ctx, rec.AuthRef, amountCents); err != nil {
			return &rideerr.PaymentError{RideID: rideID, Reason: fmt.Sprintf("gateway capture failed: %v", err)}
		}
		rec.Status = models.PaymentCaptured
		rec.CapturedAmountCents = amountCents
		return nil
	})
}

// MarkCashCollected records that the driver received cash at/after
// completion.
func (l *Ledger) MarkCashCollected(ctx context.Context, rideID string, amountCents int64) (*models.PaymentRecord, error) {
	return l.Store.UpdatePayment(ctx, rideID, func(rec *models.PaymentRecord) error {
		if rec.Method != models.PayCash {
			return &rideerr.PaymentError{RideID: rideID, Reason: "cash collection on a non-cash record"}
		}
		if rec.Status != models.PaymentPending {
			return &rideerr.ConflictError{RideID: rideID, Expected: string(models.PaymentPending), Actual: string(rec.Status)}
		}
		rec.Status = models.PaymentCollectedInPerson
		rec.CapturedAmountCents = amountCents
		return nil
	})
}

// Unsettled lists records awaiting external settlement or manual
// reconciliation.
func (l *Ledger) Unsettled(ctx context.Context) ([]*models.PaymentRecord, error) {
	return l.Store.ListPaymentsByStatus(ctx, models.PaymentRequestSent, models.PaymentPending, models.PaymentAuthorized)
}
