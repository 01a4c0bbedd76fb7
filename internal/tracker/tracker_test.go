package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/rideerr"
	"github.com/example/ride-lifecycle/internal/storage"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []PositionMessage
}

func (c *capturePublisher) PublishSample(msg PositionMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type walkSource struct {
	mu   sync.Mutex
	step float64
	lat  float64
}

func (w *walkSource) Sample(ctx context.Context) (models.PositionSample, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lat += w.step
	return models.PositionSample{Lat: w.lat, Lon: 0, At: time.Now()}, nil
}

func newTestTracker(t *testing.T) (*Tracker, *storage.MemoryStore, *capturePublisher) {
	t.Helper()
	store := storage.NewMemoryStore()
	pub := &capturePublisher{}
	trk := New(store, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	trk.Interval = 10 * time.Millisecond
	trk.MoveThresholdM = 1
	return trk, store, pub
}

func activeRide(ctx context.Context, t *testing.T, store *storage.MemoryStore, id string) *models.Ride {
	t.Helper()
	now := time.Now()
	r := &models.Ride{ID: id, Status: models.StatusAccepted, DriverID: "d1", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateRide(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func TestPublishesWhileActive(t *testing.T) {
	ctx := context.Background()
	trk, store, pub := newTestTracker(t)
	activeRide(ctx, t, store, "r1")

	trk.Start("r1", "d1", &walkSource{step: 0.01})
	defer trk.Stop("r1")

	time.Sleep(60 * time.Millisecond)
	if pub.count() == 0 {
		t.Fatal("expected published samples for active ride")
	}
	r, _ := store.GetRide(ctx, "r1")
	if r.DriverPosition == nil {
		t.Fatal("ride document position never refreshed")
	}
}

func TestStopsWithinOneIntervalOfTerminal(t *testing.T) {
	ctx := context.Background()
	trk, store, pub := newTestTracker(t)
	activeRide(ctx, t, store, "r1")

	trk.Start("r1", "d1", &walkSource{step: 0.01})
	time.Sleep(35 * time.Millisecond)

	if _, err := store.UpdateStatus(ctx, "r1", models.StatusAccepted, func(r *models.Ride) {
		r.Status = models.StatusCancelled
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Even without an explicit Stop, the loop must observe the terminal
	// state and die within roughly one sampling interval.
	time.Sleep(40 * time.Millisecond)
	n := pub.count()
	time.Sleep(50 * time.Millisecond)
	if pub.count() != n {
		t.Fatal("samples still published after terminal state")
	}
	if trk.Tracking("r1") {
		t.Fatal("loop still registered after terminal state")
	}
}

func TestExplicitStopIsImmediate(t *testing.T) {
	ctx := context.Background()
	trk, store, pub := newTestTracker(t)
	activeRide(ctx, t, store, "r1")

	trk.Start("r1", "d1", &walkSource{step: 0.01})
	trk.Stop("r1")
	if trk.Tracking("r1") {
		t.Fatal("tracking after Stop")
	}
	n := pub.count()
	time.Sleep(40 * time.Millisecond)
	if pub.count() != n {
		t.Fatal("samples published after Stop")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	trk, store, _ := newTestTracker(t)
	activeRide(ctx, t, store, "r1")

	src := &walkSource{step: 0.01}
	trk.Start("r1", "d1", src)
	trk.Start("r1", "d1", src)
	defer trk.Stop("r1")
	if !trk.Tracking("r1") {
		t.Fatal("not tracking after Start")
	}
}

func TestMovementThresholdSuppresses(t *testing.T) {
	ctx := context.Background()
	trk, store, pub := newTestTracker(t)
	trk.MoveThresholdM = 1000 // each step moves the driver about a centimeter
	activeRide(ctx, t, store, "r1")

	trk.Start("r1", "d1", &walkSource{step: 0.0000001})
	defer trk.Stop("r1")
	time.Sleep(60 * time.Millisecond)
	if pub.count() > 1 {
		t.Fatalf("stationary driver published %d samples, want at most the first", pub.count())
	}
}

func TestETAUnavailableWithoutPosition(t *testing.T) {
	trk, _, _ := newTestTracker(t)
	r := &models.Ride{ID: "r1", Status: models.StatusAccepted}
	if _, err := trk.ETASeconds(r); !errors.Is(err, rideerr.ErrLocationUnavailable) {
		t.Fatalf("expected LocationUnavailableError, got %v", err)
	}

	r.DriverPosition = &models.PositionSample{Lat: 1, Lon: 1}
	r.Pickup = models.Place{Coord: models.Coord{Lat: 1.01, Lon: 1}}
	eta, err := trk.ETASeconds(r)
	if err != nil || eta <= 0 {
		t.Fatalf("eta = %f, err = %v", eta, err)
	}
}
