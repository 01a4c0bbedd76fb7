// Package tracker publishes driver positions for active rides and derives
// distance/ETA to the ride's current waypoint. Publication is fire-and-
// forget and never participates in a status transition; tracking for a ride
// stops within one sampling interval of the ride reaching a terminal state.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/rideerr"
	"github.com/example/ride-lifecycle/internal/storage"
)

const (
	DefaultInterval      = 12 * time.Second
	DefaultMoveThreshold = 15.0 // meters
)

// PositionSource yields the driver's current position. It returns
// LocationUnavailableError when there is no permission or no signal.
type PositionSource interface {
	Sample(ctx context.Context) (models.PositionSample, error)
}

type Tracker struct {
	Store          storage.RideStore
	Publisher      Publisher // optional
	Interval       time.Duration
	MoveThresholdM float64
	SpeedMps       float64 // assumed average speed for ETA
	Logger         *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(store storage.RideStore, pub Publisher, logger *slog.Logger) *Tracker {
	return &Tracker{
		Store:          store,
		Publisher:      pub,
		Interval:       DefaultInterval,
		MoveThresholdM: DefaultMoveThreshold,
		SpeedMps:       10,
		Logger:         logger,
		active:         make(map[string]context.CancelFunc),
	}
}

// Start begins the sampling loop for a ride. Idempotent: a second Start for
// the same ride is a no-op.
func (t *Tracker) Start(rideID, driverID string, src PositionSource) {
	t.mu.Lock()
	if _, ok := t.active[rideID]; ok {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.active[rideID] = cancel
	t.mu.Unlock()
	go t.loop(ctx, rideID, driverID, src)
}

// Stop tears down the sampling loop. The lifecycle engine calls this
// synchronously on every terminal commit.
func (t *Tracker) Stop(rideID string) {
	t.mu.Lock()
	cancel, ok := t.active[rideID]
	if ok {
		delete(t.active, rideID)
	}
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Tracking reports whether a sampling loop is running for the ride.
func (t *Tracker) Tracking(rideID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[rideID]
	return ok
}

// StopAll tears down every loop; used on shutdown.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.active))
	for id, c := range t.active {
		cancels = append(cancels, c)
		delete(t.active, id)
	}
	t.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (t *Tracker) loop(ctx context.Context, rideID, driverID string, src PositionSource) {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *models.PositionSample
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Self-check each tick: even if the terminal Stop was missed, the
		// loop dies within one sampling interval of a terminal state.
		ride, err := t.Store.GetRide(ctx, rideID)
		if err != nil || !ride.Status.ActiveForTracking() {
			t.Stop(rideID)
			return
		}

		sample, err := src.Sample(ctx)
		if err != nil {
			if !errors.Is(err, rideerr.ErrLocationUnavailable) {
				t.Logger.Warn("position sample failed", "ride_id", rideID, "error", err)
			}
			continue
		}
		if last != nil && geo.Distance(last.Coord(), sample.Coord()) < t.MoveThresholdM {
			continue
		}
		last = &sample
		t.Ingest(ctx, ride, driverID, sample)
	}
}

// Ingest publishes one sample for an active ride: fire-and-forget to the
// telemetry topic, plus a best-effort refresh of the ride document's
// position outside the transactional status path. Used by the sampling loop
// and by the HTTP ingress for device-pushed positions.
func (t *Tracker) Ingest(ctx context.Context, ride *models.Ride, driverID string, sample models.PositionSample) {
	if !ride.Status.ActiveForTracking() {
		return
	}
	if t.Publisher != nil {
		if err := t.Publisher.PublishSample(PositionMessage{RideID: ride.ID, DriverID: driverID, Sample: sample}); err != nil {
			t.Logger.Warn("telemetry publish failed", "ride_id", ride.ID, "error", err)
		}
	}
	if err := t.Store.TouchPosition(ctx, ride.ID, sample); err != nil {
		t.Logger.Warn("position touch failed", "ride_id", ride.ID, "error", err)
	}
}

// ETASeconds estimates time from the driver's last known position to the
// ride's current waypoint (pickup until the trip starts, destination
// afterwards). Haversine over an assumed speed, not a routing result.
// Returns LocationUnavailableError when there is no position; callers
// degrade the ETA display rather than failing.
func (t *Tracker) ETASeconds(ride *models.Ride) (float64, error) {
	if ride.DriverPosition == nil {
		return 0, &rideerr.LocationUnavailableError{DriverID: ride.DriverID}
	}
	return geo.EstimateSeconds(ride.DriverPosition.Coord(), ride.Waypoint(), t.SpeedMps), nil
}
