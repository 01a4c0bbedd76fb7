package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/example/ride-lifecycle/internal/models"
)

type captureChannel struct {
	sent []string
	err  error
}

func (c *captureChannel) Send(ctx context.Context, address, text string) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, address+": "+text)
	return nil
}

func testRide(status models.Status) *models.Ride {
	return &models.Ride{
		ID:            "r1",
		Status:        status,
		RiderID:       "rider-1",
		RiderPhone:    "+15550100",
		Destination:   models.Place{Address: "42 Traction Ave"},
		EstimatedFare: 1341,
	}
}

func testDriver() *models.Driver {
	return &models.Driver{
		ID:      "d1",
		Name:    "Sam",
		Vehicle: models.Vehicle{Color: "blue", Make: "Toyota", Model: "Prius", Plate: "7ABC123"},
	}
}

func TestNotifyAcceptedRendersDriverAndETA(t *testing.T) {
	push := &captureChannel{}
	sms := &captureChannel{}
	d := &Dispatcher{Push: push, SMS: sms, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	d.Notify(context.Background(), testRide(models.StatusAccepted), testDriver(), 300)
	if len(push.sent) != 1 || len(sms.sent) != 1 {
		t.Fatalf("push=%v sms=%v", push.sent, sms.sent)
	}
	msg := push.sent[0]
	for _, want := range []string{"Sam", "blue Toyota Prius (7ABC123)", "5 min"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestNotifyDegradesWithoutDriverOrETA(t *testing.T) {
	push := &captureChannel{}
	d := &Dispatcher{Push: push, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	d.Notify(context.Background(), testRide(models.StatusAccepted), nil, -1)
	msg := push.sent[0]
	if !strings.Contains(msg, "Your driver") || !strings.Contains(msg, "ETA unavailable") {
		t.Fatalf("message %q should degrade gracefully", msg)
	}
}

func TestNotifyCompletedCarriesFare(t *testing.T) {
	push := &captureChannel{}
	d := &Dispatcher{Push: push, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	d.Notify(context.Background(), testRide(models.StatusCompleted), testDriver(), -1)
	if !strings.Contains(push.sent[0], "$13.41") {
		t.Fatalf("message %q missing fare", push.sent[0])
	}
}

func TestNotifyInProgressNamesDestination(t *testing.T) {
	push := &captureChannel{}
	d := &Dispatcher{Push: push, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	d.Notify(context.Background(), testRide(models.StatusInProgress), testDriver(), -1)
	if !strings.Contains(push.sent[0], "42 Traction Ave") {
		t.Fatalf("message %q missing destination", push.sent[0])
	}
}

func TestNotifyPendingIsSilent(t *testing.T) {
	push := &captureChannel{}
	d := &Dispatcher{Push: push, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	d.Notify(context.Background(), testRide(models.StatusPending), nil, -1)
	if len(push.sent) != 0 {
		t.Fatalf("pending should not notify, got %v", push.sent)
	}
}

func TestCancelledReachesAssignedDriver(t *testing.T) {
	push := &captureChannel{}
	sms := &captureChannel{}
	d := &Dispatcher{Push: push, SMS: sms, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	drv := testDriver()
	drv.Phone = "+15550177"

	d.Notify(context.Background(), testRide(models.StatusCancelled), drv, -1)
	if len(push.sent) != 2 || len(sms.sent) != 2 {
		t.Fatalf("both parties should be addressed: push=%v sms=%v", push.sent, sms.sent)
	}
	if !strings.HasPrefix(push.sent[1], "d1: ") {
		t.Fatalf("driver push should address d1, got %q", push.sent[1])
	}
	if !strings.HasPrefix(sms.sent[1], "+15550177: ") {
		t.Fatalf("driver sms should address the driver's phone, got %q", sms.sent[1])
	}
	if !strings.Contains(sms.sent[1], "cancelled") {
		t.Fatalf("driver message %q should say the ride was cancelled", sms.sent[1])
	}
}

func TestCancelledWithoutDriverOnlyTellsRider(t *testing.T) {
	push := &captureChannel{}
	d := &Dispatcher{Push: push, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	d.Notify(context.Background(), testRide(models.StatusCancelled), nil, -1)
	if len(push.sent) != 1 {
		t.Fatalf("unassigned cancel should only reach the rider, got %v", push.sent)
	}
	if !strings.HasPrefix(push.sent[0], "rider-1: ") {
		t.Fatalf("rider push should address rider-1, got %q", push.sent[0])
	}
}

func TestNotifyFailureDoesNotPanic(t *testing.T) {
	d := &Dispatcher{
		Push:   &captureChannel{err: errors.New("fcm down")},
		SMS:    &captureChannel{err: errors.New("smsc down")},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	d.Notify(context.Background(), testRide(models.StatusArrived), testDriver(), -1)
}

func TestSkipsSMSWithoutPhone(t *testing.T) {
	sms := &captureChannel{}
	d := &Dispatcher{SMS: sms, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	r := testRide(models.StatusArrived)
	r.RiderPhone = ""
	d.Notify(context.Background(), r, nil, -1)
	if len(sms.sent) != 0 {
		t.Fatalf("sms sent without a phone number: %v", sms.sent)
	}
}
