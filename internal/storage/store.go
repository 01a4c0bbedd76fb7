package storage

import (
	"context"
	"sync"

	"github.com/example/ride-lifecycle/internal/models"
)

// RideEvent is one change-feed delivery. Delivery is at-least-once and may
// be reordered; consumers resolve by comparing Ride.UpdatedAt (last write
// wins) and treat replays of an already-applied transition as no-ops.
type RideEvent struct {
	Ride models.Ride
}

// RideStore is the persistence seam for rides, drivers and payment records.
//
// UpdateStatus is the sole concurrency-control mechanism for status writes:
// a compare-and-swap keyed on the expected prior status. There is no global
// lock. Position writes go through TouchPosition, a separate best-effort
// path that never contends with status transitions.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateStatus applies mutate to the ride iff its current status still
	// equals expect, and persists the result atomically. If the precondition
	// no longer holds it returns *rideerr.ConflictError and writes nothing.
	UpdateStatus(ctx context.Context, id string, expect models.Status, mutate func(*models.Ride)) (*models.Ride, error)
	// TouchPosition refreshes the ride's driver position. It silently does
	// nothing once the ride is no longer active for tracking.
	TouchPosition(ctx context.Context, id string, p models.PositionSample) error
	SetReviewed(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, s models.Status) ([]*models.Ride, error)

	SaveDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ListOnlineDrivers(ctx context.Context) ([]*models.Driver, error)

	CreatePayment(ctx context.Context, p *models.PaymentRecord) error
	GetPayment(ctx context.Context, rideID string) (*models.PaymentRecord, error)
	UpdatePayment(ctx context.Context, rideID string, mutate func(*models.PaymentRecord) error) (*models.PaymentRecord, error)
	// ListPaymentsByStatus feeds the out-of-band reconciliation report.
	ListPaymentsByStatus(ctx context.Context, statuses ...models.PaymentStatus) ([]*models.PaymentRecord, error)

	// Subscribe attaches a change-feed listener for one ride; rideID "" means
	// all rides. The returned cancel func detaches it.
	Subscribe(rideID string) (<-chan RideEvent, func())
}

// feed fans ride changes out to subscribers. Slow consumers lose deliveries
// rather than blocking the writer; the at-least-once contract is owed by
// the backing store's own redelivery, not by this hub.
type feed struct {
	mu   sync.Mutex
	next int
	subs map[int]subscriber
}

type subscriber struct {
	rideID string // "" matches every ride
	ch     chan RideEvent
}

func newFeed() *feed {
	return &feed{subs: make(map[int]subscriber)}
}

func (f *feed) subscribe(rideID string) (<-chan RideEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan RideEvent, 32)
	f.subs[id] = subscriber{rideID: rideID, ch: ch}
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if s, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(s.ch)
		}
	}
}

func (f *feed) publish(r models.Ride) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.rideID != "" && s.rideID != r.ID {
			continue
		}
		select {
		case s.ch <- RideEvent{Ride: r}:
		default:
		}
	}
}
