// Package notify turns committed ride transitions into user-facing
// messages. Delivery is best-effort and fire-and-forget: a failed send is
// logged and never blocks or reverses the transition that produced it.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

// Channel delivers one rendered message to one address.
type Channel interface {
	Send(ctx context.Context, address, text string) error
}

// Rider-facing templates keyed by the ride status just committed.
// Placeholders: {driver}, {vehicle}, {eta}, {destination}, {fare}.
var templates = map[models.Status]string{
	models.StatusAccepted:          "{driver} is on the way in a {vehicle}. ETA {eta}.",
	models.StatusArrived:           "{driver} has arrived at your pickup point.",
	models.StatusInProgress:        "Your trip to {destination} has started.",
	models.StatusCompleted:         "You have arrived. Trip total: {fare}. Thanks for riding!",
	models.StatusCancelled:         "Your ride was cancelled.",
	models.StatusNoDriverAvailable: "No drivers are available right now. Please try again.",
}

// driverTemplates cover the transitions the assigned driver must hear
// about even when the other side initiated them.
var driverTemplates = map[models.Status]string{
	models.StatusCancelled: "Ride to {destination} was cancelled. You can stop heading to the pickup.",
}

type Dispatcher struct {
	Push   Channel // optional
	SMS    Channel // optional
	Logger *slog.Logger
}

// Notify renders the template for the ride's (already committed) status and
// delivers it to each counterpart's contact addresses on every configured
// channel. The rider hears about every transition with a template; the
// assigned driver additionally hears about the ones in driverTemplates.
func (d *Dispatcher) Notify(ctx context.Context, ride *models.Ride, driver *models.Driver, etaSeconds float64) {
	if tmpl, ok := templates[ride.Status]; ok {
		d.deliver(ctx, ride.ID, ride.RiderID, ride.RiderPhone, render(tmpl, ride, driver, etaSeconds))
	}
	if driver == nil {
		return
	}
	if tmpl, ok := driverTemplates[ride.Status]; ok {
		d.deliver(ctx, ride.ID, driver.ID, driver.Phone, render(tmpl, ride, driver, etaSeconds))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rideID, pushAddr, smsAddr, text string) {
	if d.Push != nil && pushAddr != "" {
		if err := d.Push.Send(ctx, pushAddr, text); err != nil {
			observability.NotificationsFailed.Inc()
			d.Logger.Warn("push notification failed", "ride_id", rideID, "error", err)
		}
	}
	if d.SMS != nil && smsAddr != "" {
		if err := d.SMS.Send(ctx, smsAddr, text); err != nil {
			observability.NotificationsFailed.Inc()
			d.Logger.Warn("sms notification failed", "ride_id", rideID, "error", err)
		}
	}
}

func render(tmpl string, ride *models.Ride, driver *models.Driver, etaSeconds float64) string {
	driverName := "Your driver"
	vehicle := "vehicle"
	if driver != nil {
		if driver.Name != "" {
			driverName = driver.Name
		}
		if v := driver.Vehicle.Descriptor(); strings.TrimSpace(v) != "" {
			vehicle = v
		}
	}
	eta := "unavailable"
	if etaSeconds >= 0 {
		eta = formatETA(etaSeconds)
	}
	return strings.NewReplacer(
		"{driver}", driverName,
		"{vehicle}", vehicle,
		"{eta}", eta,
		"{destination}", ride.Destination.Address,
		"{fare}", formatCents(ride.EstimatedFare),
	).Replace(tmpl)
}

func formatETA(seconds float64) string {
	min := int(seconds/60 + 0.5)
	if min < 1 {
		min = 1
	}
	return fmt.Sprintf("%d min", min)
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
