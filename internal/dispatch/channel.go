// Package dispatch offers pending rides to online drivers and resolves the
// accept/decline race. Exactly one accept can win per ride; the win is
// decided by the store's compare-and-swap, not by anything in this package.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

// Lifecycle is the slice of the engine the dispatcher drives.
type Lifecycle interface {
	Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	CancelNoDrivers(ctx context.Context, rideID string) (*models.Ride, error)
	StartDecisionWindow(ctx context.Context, rideID string) (time.Time, error)
}

// OfferSink delivers an offer to one driver; the WS registry in production.
type OfferSink interface {
	Offer(driverID string, offer models.MatchOffer) error
	Connected() []string
}

type Channel struct {
	Sink     OfferSink
	Engine   Lifecycle
	SpeedMps float64
	Fanout   int // cap on drivers offered per ride
	Logger   *slog.Logger

	mu      sync.Mutex
	offered map[string]map[string]bool // rideID → drivers holding the offer
}

func NewChannel(sink OfferSink, engine Lifecycle, logger *slog.Logger) *Channel {
	return &Channel{
		Sink:    sink,
		Engine:  engine,
		Fanout:  8,
		Logger:  logger,
		offered: make(map[string]map[string]bool),
	}
}

// Broadcast offers a pending ride to the currently connected drivers and
// arms the decision window. Re-broadcasting an already-offered ride does
// not restart the countdown (the window start is idempotent). With nobody
// connected the window still runs and expires the ride on its own.
func (c *Channel) Broadcast(ctx context.Context, ride *models.Ride, drivers []*models.Driver) error {
	deadline, err := c.Engine.StartDecisionWindow(ctx, ride.ID)
	if err != nil {
		return err
	}

	connected := make(map[string]bool)
	for _, id := range c.Sink.Connected() {
		connected[id] = true
	}

	c.mu.Lock()
	holders := c.offered[ride.ID]
	if holders == nil {
		holders = make(map[string]bool)
		c.offered[ride.ID] = holders
	}
	c.mu.Unlock()

	sent := 0
	for _, d := range drivers {
		if sent >= c.Fanout {
			break
		}
		if !d.Online || !connected[d.ID] {
			continue
		}
		offer := models.MatchOffer{
			RideID:         ride.ID,
			Pickup:         ride.Pickup,
			Destination:    ride.Destination,
			EstimatedFare:  ride.EstimatedFare,
			DistanceMeters: ride.DistanceMeters,
			ExpiresAt:      deadline,
		}
		if d.Position != nil {
			offer.PickupETASec = geo.EstimateSeconds(d.Position.Coord(), ride.Pickup.Coord, c.SpeedMps)
		}
		if err := c.Sink.Offer(d.ID, offer); err != nil {
			c.Logger.Warn("offer delivery failed", "ride_id", ride.ID, "driver_id", d.ID, "error", err)
			continue
		}
		c.mu.Lock()
		holders[d.ID] = true
		c.mu.Unlock()
		sent++
	}
	observability.OffersTotal.Inc()
	c.Logger.Info("ride offered", "ride_id", ride.ID, "drivers", sent, "deadline", deadline)
	return nil
}

// Accept resolves one driver's claim. On a lost race the engine returns
// ConflictError and the caller's queue entry is dropped either way.
func (c *Channel) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := c.Engine.Accept(ctx, rideID, driverID)
	c.mu.Lock()
	delete(c.offered, rideID)
	c.mu.Unlock()
	return r, err
}

// Decline removes the ride from that driver's queue without touching ride
// status; another driver, or a retry, may still claim it. When the
// declining driver was the last holder of the offer, the ride is cancelled
// with reason "no drivers" (the single-driver deployment case).
func (c *Channel) Decline(ctx context.Context, rideID, driverID string) error {
	observability.DeclinesTotal.Inc()
	c.mu.Lock()
	holders := c.offered[rideID]
	delete(holders, driverID)
	lastHolder := holders != nil && len(holders) == 0
	if lastHolder {
		delete(c.offered, rideID)
	}
	c.mu.Unlock()

	if !lastHolder {
		return nil
	}
	if _, err := c.Engine.CancelNoDrivers(ctx, rideID); err != nil {
		// Someone claimed or cancelled it first; decline stays a no-op.
		c.Logger.Info("decline without takeover", "ride_id", rideID, "error", err)
	}
	return nil
}

// Forget drops any offer bookkeeping for a ride; called when the ride
// reaches a terminal state through some other path.
func (c *Channel) Forget(rideID string) {
	c.mu.Lock()
	delete(c.offered, rideID)
	c.mu.Unlock()
}
