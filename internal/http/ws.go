package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-lifecycle/internal/rideerr"
	"github.com/example/ride-lifecycle/internal/storage"
)

var upgrader = websocket.Upgrader{}

type wsDecision struct {
	Type   string `json:"type"` // accept | decline
	RideID string `json:"ride_id"`
}

// handleDriverWS is the driver offer channel: offers go out through the
// registry, accept/decline decisions come back on the same connection.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := s.WSReg.Add(driverID, conn)
	defer func() {
		s.WSReg.Remove(driverID)
		conn.Close()
	}()

	for {
		var dec wsDecision
		if err := conn.ReadJSON(&dec); err != nil {
			return
		}
		switch dec.Type {
		case "accept":
			ride, err := s.Channel.Accept(r.Context(), dec.RideID, driverID)
			if err != nil {
				msg := err.Error()
				if errors.Is(err, rideerr.ErrConflict) {
					msg = "ride no longer available"
				}
				_ = sess.Send(map[string]any{"type": "accept_result", "ride_id": dec.RideID, "ok": false, "error": msg})
				continue
			}
			_ = sess.Send(map[string]any{"type": "accept_result", "ride_id": dec.RideID, "ok": true, "ride": ride})
		case "decline":
			_ = s.Channel.Decline(r.Context(), dec.RideID, driverID)
			_ = sess.Send(map[string]any{"type": "decline_result", "ride_id": dec.RideID, "ok": true})
		default:
			s.logger.Warn("unknown ws message", "driver_id", driverID, "type", dec.Type)
		}
	}
}

// handleRideWatch streams the ride's change feed to a client. Delivery
// upstream is at-least-once and possibly reordered, so the stream is
// deduplicated here by updated_at: stale or replayed events are dropped.
func (s *Server) handleRideWatch(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	if _, err := s.Store.GetRide(r.Context(), rideID); err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	defer conn.Close()

	events, cancel := s.Store.Subscribe(rideID)
	defer cancel()

	// Snapshot first so a watcher joining mid-ride has current state.
	ride, err := s.Store.GetRide(r.Context(), rideID)
	if err != nil {
		return
	}
	lastSeen := ride.UpdatedAt
	if err := writeEvent(conn, storage.RideEvent{Ride: *ride}); err != nil {
		return
	}

	// Watchers never send data frames, but reading is the only way to
	// notice a vanished client or answer its close handshake; the read
	// pump ends the watch as soon as the connection dies.
	watchCtx, stop := context.WithCancel(r.Context())
	defer stop()
	go func() {
		defer stop()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	done := watchCtx.Done()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Ride.UpdatedAt.Before(lastSeen) {
				continue // out-of-order replay, last write already won
			}
			lastSeen = ev.Ride.UpdatedAt
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			if ev.Ride.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev storage.RideEvent) error {
	b, err := json.Marshal(map[string]any{"type": "ride_update", "ride": ev.Ride, "at": time.Now()})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}
