// Package lifecycle is the canonical ride state machine. Every status write
// goes through the store's compare-and-swap keyed on the expected prior
// status; there is no other concurrency control. Committed transitions fan
// out to the ledger, the notifier, the decision-window registry and the
// location tracker, always after the commit, never inside it.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/ledger"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/receipt"
	"github.com/example/ride-lifecycle/internal/rideerr"
	"github.com/example/ride-lifecycle/internal/storage"
	"github.com/example/ride-lifecycle/internal/timer"
)

// Notifier delivers a message for a just-committed transition. Best-effort
// by contract; the engine never inspects the outcome.
type Notifier interface {
	Notify(ctx context.Context, ride *models.Ride, driver *models.Driver, etaSeconds float64)
}

// Tracker is the location-tracking seam: Start activates sampling once a
// driver is assigned, Stop tears it down on terminal transitions.
type Tracker interface {
	Start(rideID, driverID string)
	Stop(rideID string)
}

type Engine struct {
	Store    storage.RideStore
	Ledger   *ledger.Ledger
	Notifier Notifier // optional
	Timers   *timer.Registry
	Tracker  Tracker // optional
	Logger   *slog.Logger
	Pricing  receipt.PricingConstants
	SpeedMps float64
}

// CreateRideRequest is the booking input.
type CreateRideRequest struct {
	RiderID       string               `json:"rider_id"`
	RiderName     string               `json:"rider_name"`
	RiderPhone    string               `json:"rider_phone"`
	Pickup        models.Place         `json:"pickup"`
	Destination   models.Place         `json:"destination"`
	ScheduledAt   *time.Time           `json:"scheduled_at,omitempty"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

// CreateRide books a ride: estimates fare and distance, places the card
// hold when the rider pays by card, and persists the ride as pending. A
// gateway rejection blocks booking: the ride record is committed as
// cancelled (never offered) and the PaymentError surfaces to the caller.
func (e *Engine) CreateRide(ctx context.Context, req CreateRideRequest) (*models.Ride, error) {
	now := time.Now()
	distance := geo.Distance(req.Pickup.Coord, req.Destination.Coord)
	estSeconds := geo.EstimateSeconds(req.Pickup.Coord, req.Destination.Coord, e.SpeedMps)
	r := &models.Ride{
		ID:               newID(),
		Status:           models.StatusPending,
		RiderID:          req.RiderID,
		RiderName:        req.RiderName,
		RiderPhone:       req.RiderPhone,
		Pickup:           req.Pickup,
		Destination:      req.Destination,
		ScheduledAt:      req.ScheduledAt,
		DistanceMeters:   distance,
		EstimatedSeconds: estSeconds,
		EstimatedFare:    e.estimateFare(distance, estSeconds),
		CreatedAt:        now,
		UpdatedAt:        now,
		PaymentMethod:    req.PaymentMethod,
	}
	if r.PaymentMethod == "" {
		r.PaymentMethod = models.PayCash
	}
	if err := e.Store.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	if _, err := e.Ledger.Open(ctx, r); err != nil {
		// Booking is blocked; the record stays for reconciliation but goes
		// terminal immediately so it can never be offered.
		if _, cErr := e.Store.UpdateStatus(ctx, r.ID, models.StatusPending, func(ride *models.Ride) {
			ride.Status = models.StatusCancelled
			ride.CancelReason = "payment authorization failed"
			at := time.Now()
			ride.CancelledAt = &at
		}); cErr != nil {
			e.Logger.Error("failed to void unauthorized ride", "ride_id", r.ID, "error", cErr)
		}
		return nil, err
	}
	e.Logger.Info("ride created", "ride_id", r.ID, "rider_id", r.RiderID, "method", r.PaymentMethod)
	return r, nil
}

func (e *Engine) estimateFare(distanceMeters, seconds float64) int64 {
	const metersPerMile = 1609.344
	miles := distanceMeters / metersPerMile
	minutes := seconds / 60
	sub := float64(e.Pricing.BaseFareCents) + miles*float64(e.Pricing.PerMileCents) + minutes*float64(e.Pricing.PerMinuteCents)
	return int64(sub*(1-e.Pricing.DiscountRate) + 0.5)
}

// StartDecisionWindow arms (idempotently) the bounded countdown for an
// offered ride and persists the deadline, so a restart can recover the
// remaining time rather than resetting the window.
func (e *Engine) StartDecisionWindow(ctx context.Context, rideID string) (time.Time, error) {
	deadline := e.Timers.Start(rideID)
	_, err := e.Store.UpdateStatus(ctx, rideID, models.StatusPending, func(r *models.Ride) {
		d := deadline
		r.TimeoutAt = &d
	})
	if err != nil {
		e.Timers.Cancel(rideID)
		return time.Time{}, err
	}
	return deadline, nil
}

// Accept commits a driver's claim on a pending ride. Exactly one accept can
// win: the compare-and-swap fails with ConflictError for everyone else, and
// losers treat it as "ride no longer available".
func (e *Engine) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := e.Store.UpdateStatus(ctx, rideID, models.StatusPending, func(r *models.Ride) {
		r.Status = models.StatusAccepted
		r.DriverID = driverID
		at := time.Now()
		r.AcceptedAt = &at
		r.TimeoutAt = nil
	})
	if err != nil {
		if errors.Is(err, rideerr.ErrConflict) {
			observability.TransitionConflicts.Inc()
		}
		return nil, err
	}
	e.Timers.Cancel(rideID)
	observability.AcceptsTotal.Inc()
	observability.TransitionsTotal.WithLabelValues(string(models.StatusPending), string(models.StatusAccepted)).Inc()
	if e.Tracker != nil {
		e.Tracker.Start(rideID, driverID)
	}
	e.notify(ctx, r)
	e.Logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	return r, nil
}

// Advance moves an active ride along arrived → in_progress → completed.
// Only the currently assigned driver may advance, and the move must be a
// legal edge in the transition graph (models.CanTransition), so skipping
// a milestone conflicts.
func (e *Engine) Advance(ctx context.Context, rideID, driverID string, next models.Status) (*models.Ride, error) {
	switch next {
	case models.StatusArrived, models.StatusInProgress, models.StatusCompleted:
	default:
		return nil, &rideerr.ConflictError{RideID: rideID, Expected: "arrived|in_progress|completed", Actual: string(next)}
	}
	current, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if current.DriverID != driverID {
		return nil, &rideerr.ConflictError{RideID: rideID, Expected: "assigned driver " + current.DriverID, Actual: driverID}
	}
	if !models.CanTransition(current.Status, next) {
		return nil, &rideerr.ConflictError{RideID: rideID, Expected: "transition to " + string(next), Actual: string(current.Status)}
	}
	prior := current.Status
	r, err := e.Store.UpdateStatus(ctx, rideID, prior, func(r *models.Ride) {
		r.Status = next
		at := time.Now()
		switch next {
		case models.StatusInProgress:
			r.StartedAt = &at
		case models.StatusCompleted:
			r.CompletedAt = &at
		}
	})
	if err != nil {
		if errors.Is(err, rideerr.ErrConflict) {
			observability.TransitionConflicts.Inc()
		}
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(prior), string(next)).Inc()
	if next == models.StatusCompleted {
		if e.Tracker != nil {
			e.Tracker.Stop(rideID)
		}
		e.Ledger.OnCompleted(ctx, r)
	}
	e.notify(ctx, r)
	e.Logger.Info("ride advanced", "ride_id", rideID, "status", next)
	return r, nil
}

// CancelByRider cancels a ride on the customer's behalf. Permitted while
// the ride is pending, accepted or arrived. Cancellation is idempotent by
// effect: if the ride is already terminal the caller still sees success,
// so two independent terminal writes converge without surfacing an error.
func (e *Engine) CancelByRider(ctx context.Context, rideID string) (*models.Ride, error) {
	return e.cancel(ctx, rideID, "cancelled by rider", func(r *models.Ride) error {
		switch r.Status {
		case models.StatusPending, models.StatusAccepted, models.StatusArrived:
			return nil
		}
		return &rideerr.ConflictError{RideID: rideID, Expected: "pending|accepted|arrived", Actual: string(r.Status)}
	})
}

// CancelByDriver cancels from any non-terminal state with a recorded reason.
func (e *Engine) CancelByDriver(ctx context.Context, rideID, driverID, reason string) (*models.Ride, error) {
	if reason == "" {
		reason = "cancelled by driver"
	}
	return e.cancel(ctx, rideID, reason, func(r *models.Ride) error {
		if r.DriverID != "" && r.DriverID != driverID {
			return &rideerr.ConflictError{RideID: rideID, Expected: "assigned driver " + r.DriverID, Actual: driverID}
		}
		return nil
	})
}

// CancelNoDrivers terminates a pending ride when the only offered driver
// declined and nobody else is online.
func (e *Engine) CancelNoDrivers(ctx context.Context, rideID string) (*models.Ride, error) {
	return e.terminatePending(ctx, rideID, "no drivers")
}

// ExpireDecision is the timer-registry callback: the decision window
// elapsed with no answer. It drives the same conditional-update path as
// every other transition, so a late accept racing it fails cleanly.
func (e *Engine) ExpireDecision(rideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.terminatePending(ctx, rideID, "timeout"); err != nil {
		if errors.Is(err, rideerr.ErrConflict) || errors.Is(err, rideerr.ErrNotFound) {
			// A decision beat the deadline; nothing to do.
			return
		}
		e.Logger.Error("decision expiry failed", "ride_id", rideID, "error", err)
		return
	}
	observability.ExpiriesTotal.Inc()
}

func (e *Engine) terminatePending(ctx context.Context, rideID, reason string) (*models.Ride, error) {
	r, err := e.Store.UpdateStatus(ctx, rideID, models.StatusPending, func(r *models.Ride) {
		r.Status = models.StatusNoDriverAvailable
		r.CancelReason = reason
		at := time.Now()
		r.CancelledAt = &at
	})
	if err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StatusPending), string(models.StatusNoDriverAvailable)).Inc()
	e.afterTerminal(ctx, r)
	return r, nil
}

// cancel retries the CAS across concurrent writers until the ride is
// terminal. Whoever loses the race still converges: a ride found already
// terminal is reported as a successful cancellation.
func (e *Engine) cancel(ctx context.Context, rideID, reason string, guard func(*models.Ride) error) (*models.Ride, error) {
	for attempt := 0; attempt < 3; attempt++ {
		current, err := e.Store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return current, nil
		}
		if err := guard(current); err != nil {
			return nil, err
		}
		if !models.CanTransition(current.Status, models.StatusCancelled) {
			return nil, &rideerr.ConflictError{RideID: rideID, Expected: "transition to " + string(models.StatusCancelled), Actual: string(current.Status)}
		}
		r, err := e.Store.UpdateStatus(ctx, rideID, current.Status, func(r *models.Ride) {
			r.Status = models.StatusCancelled
			r.CancelReason = reason
			at := time.Now()
			r.CancelledAt = &at
			r.TimeoutAt = nil
		})
		if err != nil {
			if errors.Is(err, rideerr.ErrConflict) {
				observability.TransitionConflicts.Inc()
				continue // status moved underfoot; re-read and converge
			}
			return nil, err
		}
		observability.TransitionsTotal.WithLabelValues(string(current.Status), string(models.StatusCancelled)).Inc()
		e.afterTerminal(ctx, r)
		e.Logger.Info("ride cancelled", "ride_id", rideID, "reason", reason)
		return r, nil
	}
	// Exhausted retries: someone else is writing; report the current view.
	return e.Store.GetRide(ctx, rideID)
}

// afterTerminal is the single teardown path for every terminal commit:
// timers and trackers die immediately, the ledger releases holds, and the
// counterpart is notified.
func (e *Engine) afterTerminal(ctx context.Context, r *models.Ride) {
	e.Timers.Cancel(r.ID)
	if e.Tracker != nil {
		e.Tracker.Stop(r.ID)
	}
	if r.Status != models.StatusCompleted {
		e.Ledger.OnCancelled(ctx, r)
	}
	e.notify(ctx, r)
}

func (e *Engine) notify(ctx context.Context, r *models.Ride) {
	if e.Notifier == nil {
		return
	}
	var drv *models.Driver
	if r.DriverID != "" {
		if d, err := e.Store.GetDriver(ctx, r.DriverID); err == nil {
			drv = d
		}
	}
	etaSec := -1.0
	if r.DriverPosition != nil {
		etaSec = geo.EstimateSeconds(r.DriverPosition.Coord(), r.Waypoint(), e.SpeedMps)
	}
	e.Notifier.Notify(ctx, r, drv, etaSec)
}

// Receipt derives the itemized fare breakdown for a completed ride.
func (e *Engine) Receipt(ctx context.Context, rideID string) (*receipt.Receipt, error) {
	r, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return receipt.Generate(r, e.Pricing)
}

// Recover re-arms decision windows for pending rides after a restart.
func (e *Engine) Recover(ctx context.Context) error {
	pending, err := e.Store.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return err
	}
	e.Timers.Recover(pending)
	return nil
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
