package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/storage"
)

func watchServer(t *testing.T) (*storage.MemoryStore, *httptest.Server) {
	t.Helper()
	store := storage.NewMemoryStore()
	s := &Server{Store: store, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	m := mux.NewRouter()
	m.HandleFunc("/ws/rides/{id}", s.handleRideWatch)
	ts := httptest.NewServer(m)
	t.Cleanup(ts.Close)
	return store, ts
}

func seedWatchRide(t *testing.T, store *storage.MemoryStore, id string) {
	t.Helper()
	now := time.Now()
	err := store.CreateRide(context.Background(), &models.Ride{
		ID: id, Status: models.StatusPending, RiderID: "rider-1",
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
}

func dialWatch(t *testing.T, ts *httptest.Server, rideID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rides/" + rideID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type watchEvent struct {
	Type string      `json:"type"`
	Ride models.Ride `json:"ride"`
}

func readWatchEvent(t *testing.T, conn *websocket.Conn) watchEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev watchEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestRideWatchStreamsAndClosesOnTerminal(t *testing.T) {
	store, ts := watchServer(t)
	seedWatchRide(t, store, "r1")
	conn := dialWatch(t, ts, "r1")

	snap := readWatchEvent(t, conn)
	if snap.Type != "ride_update" || snap.Ride.Status != models.StatusPending {
		t.Fatalf("snapshot = %+v", snap)
	}

	_, err := store.UpdateStatus(context.Background(), "r1", models.StatusPending, func(r *models.Ride) {
		r.Status = models.StatusCancelled
		r.CancelReason = "cancelled by rider"
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ev := readWatchEvent(t, conn)
	if ev.Ride.Status != models.StatusCancelled {
		t.Fatalf("update = %+v", ev)
	}

	// Terminal event ends the stream.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("stream should close after a terminal transition")
	}
}

func TestRideWatchAnswersCloseHandshake(t *testing.T) {
	store, ts := watchServer(t)
	seedWatchRide(t, store, "r1")
	conn := dialWatch(t, ts, "r1")
	readWatchEvent(t, conn) // snapshot

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done watching")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("send close: %v", err)
	}

	// A watcher that hangs up mid-ride must get the close reply promptly
	// instead of the server sitting deaf until its next write.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to close")
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("got %v, want the close handshake reply", err)
	}
}

func TestRideWatchUnknownRideIs404(t *testing.T) {
	_, ts := watchServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rides/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial should fail for an unknown ride")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Fatalf("resp = %+v", resp)
	}
}
