// Package timer owns the bounded decision windows for offered rides. Each
// offered ride has at most one countdown; expiry drives the ride down the
// same conditional-update cancel path as any other transition, so a late
// accept racing the deadline still fails safely.
package timer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

// DefaultWindow is the reference decision window for an offered ride.
const DefaultWindow = 12 * time.Second

// Registry tracks one countdown per offered ride. Start is idempotent:
// re-offering an already-timed ride never spawns a second timer.
type Registry struct {
	Window   time.Duration
	OnExpire func(rideID string)
	Logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*handle
}

type handle struct {
	timer    *time.Timer
	deadline time.Time
}

func NewRegistry(window time.Duration, onExpire func(rideID string), logger *slog.Logger) *Registry {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Registry{
		Window:   window,
		OnExpire: onExpire,
		Logger:   logger,
		timers:   make(map[string]*handle),
	}
}

// Start arms the countdown for a ride and returns the persisted deadline.
// If a countdown is already running the existing deadline is returned
// unchanged.
func (r *Registry) Start(rideID string) time.Time {
	return r.StartAt(rideID, time.Now().Add(r.Window))
}

// StartAt arms the countdown against an explicit deadline. Recovery after a
// restart passes the persisted timeoutAt here, so the remaining time is
// derived from it rather than reset to the full window. A deadline already
// in the past expires immediately.
func (r *Registry) StartAt(rideID string, deadline time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.timers[rideID]; ok {
		return h.deadline
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	h := &handle{deadline: deadline}
	h.timer = time.AfterFunc(remaining, func() { r.expire(rideID) })
	r.timers[rideID] = h
	return deadline
}

func (r *Registry) expire(rideID string) {
	r.mu.Lock()
	_, ok := r.timers[rideID]
	delete(r.timers, rideID)
	r.mu.Unlock()
	// A Cancel that lost the race to AfterFunc already removed the handle;
	// in that case the decision was made and expiry must not fire.
	if !ok {
		return
	}
	r.Logger.Info("decision window elapsed", "ride_id", rideID)
	r.OnExpire(rideID)
}

// Cancel tears down the countdown after an explicit accept or decline.
// Derived side effects (alert sound, on-screen countdown) key off this and
// stop exactly once; cancelling an unknown ride is a no-op.
func (r *Registry) Cancel(rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.timers[rideID]; ok {
		h.timer.Stop()
		delete(r.timers, rideID)
	}
}

// Active reports whether a countdown is currently armed for the ride.
func (r *Registry) Active(rideID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[rideID]
	return ok
}

// Recover re-arms countdowns for pending rides found at process start,
// using each ride's persisted deadline.
func (r *Registry) Recover(rides []*models.Ride) {
	for _, ride := range rides {
		if ride.Status != models.StatusPending || ride.TimeoutAt == nil {
			continue
		}
		r.StartAt(ride.ID, *ride.TimeoutAt)
		r.Logger.Info("decision window recovered", "ride_id", ride.ID, "deadline", ride.TimeoutAt)
	}
}

// Stop cancels every countdown; used on shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, h := range r.timers {
		h.timer.Stop()
		delete(r.timers, id)
	}
}
