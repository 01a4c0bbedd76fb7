package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/rideerr"
)

type fakeSink struct {
	mu        sync.Mutex
	connected []string
	offers    map[string][]models.MatchOffer
	failFor   map[string]bool
}

func newFakeSink(connected ...string) *fakeSink {
	return &fakeSink{connected: connected, offers: make(map[string][]models.MatchOffer)}
}

func (f *fakeSink) Offer(driverID string, offer models.MatchOffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[driverID] {
		return ErrNoSession
	}
	f.offers[driverID] = append(f.offers[driverID], offer)
	return nil
}

func (f *fakeSink) Connected() []string { return f.connected }

func (f *fakeSink) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.offers {
		n += len(o)
	}
	return n
}

type fakeLifecycle struct {
	mu           sync.Mutex
	accepted     map[string]string // rideID → driverID
	noDrivers    []string
	windowStarts int
	acceptErr    error
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{accepted: make(map[string]string)}
}

func (f *fakeLifecycle) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	f.accepted[rideID] = driverID
	return &models.Ride{ID: rideID, Status: models.StatusAccepted, DriverID: driverID}, nil
}

func (f *fakeLifecycle) CancelNoDrivers(ctx context.Context, rideID string) (*models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noDrivers = append(f.noDrivers, rideID)
	return &models.Ride{ID: rideID, Status: models.StatusNoDriverAvailable}, nil
}

func (f *fakeLifecycle) StartDecisionWindow(ctx context.Context, rideID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windowStarts++
	return time.Now().Add(12 * time.Second), nil
}

func onlineDriver(id string) *models.Driver {
	return &models.Driver{
		ID:       id,
		Online:   true,
		Position: &models.PositionSample{Lat: 34.05, Lon: -118.24, At: time.Now()},
	}
}

func pendingRide(id string) *models.Ride {
	return &models.Ride{
		ID:            id,
		Status:        models.StatusPending,
		Pickup:        models.Place{Coord: models.Coord{Lat: 34.05, Lon: -118.24}},
		Destination:   models.Place{Coord: models.Coord{Lat: 34.06, Lon: -118.20}},
		EstimatedFare: 1500,
	}
}

func newTestChannel(sink *fakeSink, lc *fakeLifecycle) *Channel {
	c := NewChannel(sink, lc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SpeedMps = 10
	return c
}

func TestBroadcastOffersConnectedOnline(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink("d1", "d2")
	lc := newFakeLifecycle()
	c := newTestChannel(sink, lc)

	offline := onlineDriver("d3")
	offline.Online = false
	drivers := []*models.Driver{onlineDriver("d1"), onlineDriver("d2"), offline, onlineDriver("d4")}
	if err := c.Broadcast(ctx, pendingRide("r1"), drivers); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if lc.windowStarts != 1 {
		t.Fatalf("window starts = %d", lc.windowStarts)
	}
	// d3 is offline, d4 has no session; only d1 and d2 may hold the offer.
	if sink.offerCount() != 2 {
		t.Fatalf("offers = %d, want 2", sink.offerCount())
	}
	if got := sink.offers["d1"][0]; got.RideID != "r1" || got.PickupETASec < 0 || got.ExpiresAt.IsZero() {
		t.Fatalf("offer = %+v", got)
	}
}

func TestBroadcastHonorsFanoutCap(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink("d1", "d2", "d3", "d4")
	c := newTestChannel(sink, newFakeLifecycle())
	c.Fanout = 2

	drivers := []*models.Driver{onlineDriver("d1"), onlineDriver("d2"), onlineDriver("d3"), onlineDriver("d4")}
	if err := c.Broadcast(ctx, pendingRide("r1"), drivers); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if sink.offerCount() != 2 {
		t.Fatalf("offers = %d, want fanout cap of 2", sink.offerCount())
	}
}

func TestBroadcastWithNobodyConnected(t *testing.T) {
	ctx := context.Background()
	lc := newFakeLifecycle()
	c := newTestChannel(newFakeSink(), lc)

	// The window must still be armed so the ride can expire on its own.
	if err := c.Broadcast(ctx, pendingRide("r1"), nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if lc.windowStarts != 1 {
		t.Fatal("decision window not armed for an unoffered ride")
	}
}

func TestAcceptClearsOfferBookkeeping(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink("d1", "d2")
	lc := newFakeLifecycle()
	c := newTestChannel(sink, lc)
	if err := c.Broadcast(ctx, pendingRide("r1"), []*models.Driver{onlineDriver("d1"), onlineDriver("d2")}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if _, err := c.Accept(ctx, "r1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if lc.accepted["r1"] != "d1" {
		t.Fatal("accept not forwarded to the engine")
	}

	// The other holder declining afterwards must not cancel the ride.
	if err := c.Decline(ctx, "r1", "d2"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if len(lc.noDrivers) != 0 {
		t.Fatal("decline after accept cancelled the ride")
	}
}

func TestLostAcceptStillClearsOffer(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink("d1")
	lc := newFakeLifecycle()
	lc.acceptErr = &rideerr.ConflictError{RideID: "r1", Expected: "pending", Actual: "accepted"}
	c := newTestChannel(sink, lc)
	if err := c.Broadcast(ctx, pendingRide("r1"), []*models.Driver{onlineDriver("d1")}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if _, err := c.Accept(ctx, "r1", "d1"); err == nil {
		t.Fatal("expected the engine's conflict to surface")
	}
	// A later decline must find no holders and not cancel anything.
	if err := c.Decline(ctx, "r1", "d1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if len(lc.noDrivers) != 0 {
		t.Fatal("stale decline cancelled the ride")
	}
}

func TestLastHolderDeclineCancels(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink("d1", "d2")
	lc := newFakeLifecycle()
	c := newTestChannel(sink, lc)
	if err := c.Broadcast(ctx, pendingRide("r1"), []*models.Driver{onlineDriver("d1"), onlineDriver("d2")}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if err := c.Decline(ctx, "r1", "d1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if len(lc.noDrivers) != 0 {
		t.Fatal("ride cancelled while another driver still held the offer")
	}
	if err := c.Decline(ctx, "r1", "d2"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if len(lc.noDrivers) != 1 || lc.noDrivers[0] != "r1" {
		t.Fatalf("noDrivers = %v, want the last decline to cancel", lc.noDrivers)
	}
}

func TestForgetDropsBookkeeping(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink("d1")
	lc := newFakeLifecycle()
	c := newTestChannel(sink, lc)
	if err := c.Broadcast(ctx, pendingRide("r1"), []*models.Driver{onlineDriver("d1")}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	c.Forget("r1")
	if err := c.Decline(ctx, "r1", "d1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if len(lc.noDrivers) != 0 {
		t.Fatal("decline after Forget cancelled the ride")
	}
}
