package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-lifecycle/internal/lifecycle"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/rideerr"
)

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Engine.CreateRide(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	drivers := s.offerCandidates(r.Context(), ride)
	if err := s.Channel.Broadcast(r.Context(), ride, drivers); err != nil {
		s.logger.Warn("offer broadcast failed", "ride_id", ride.ID, "error", err)
	}
	s.writeJSON(w, http.StatusCreated, s.projection(r, ride))
}

// offerCandidates picks the drivers a new ride is offered to: nearest
// online drivers from the geo index, hydrated from the store, with the
// plain online listing as fallback when the index has nothing near the
// pickup.
func (s *Server) offerCandidates(ctx context.Context, ride *models.Ride) []*models.Driver {
	nearby := s.Geo.Nearby(ride.Pickup.Coord.Lat, ride.Pickup.Coord.Lon, s.Channel.Fanout)
	out := make([]*models.Driver, 0, len(nearby))
	for _, near := range nearby {
		d, err := s.Store.GetDriver(ctx, near.ID)
		if err != nil {
			near := near
			out = append(out, &near)
			continue
		}
		if d.Position == nil {
			d.Position = near.Position
		}
		out = append(out, d)
	}
	if len(out) > 0 {
		return out
	}
	drivers, _ := s.Store.ListOnlineDrivers(ctx)
	return drivers
}

// projection is the read-only view the presentation layer consumes.
func (s *Server) projection(r *http.Request, ride *models.Ride) map[string]any {
	out := map[string]any{"ride": ride}
	if ride.DriverID != "" {
		if d, err := s.Store.GetDriver(r.Context(), ride.DriverID); err == nil {
			out["driver"] = d
		}
	}
	if p, err := s.Store.GetPayment(r.Context(), ride.ID); err == nil {
		out["payment"] = p
	}
	if eta, err := s.Tracker.ETASeconds(ride); err == nil {
		out["eta_seconds"] = eta
	} else {
		out["eta_seconds"] = nil // degraded, never an error to the caller
	}
	return out
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Store.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.projection(r, ride))
}

type driverAction struct {
	DriverID string `json:"driver_id"`
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req driverAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Channel.Accept(r.Context(), mux.Vars(r)["id"], req.DriverID)
	if err != nil {
		if errors.Is(err, rideerr.ErrConflict) {
			s.writeJSON(w, http.StatusConflict, map[string]any{"error": "ride no longer available"})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.projection(r, ride))
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req driverAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Channel.Decline(r.Context(), mux.Vars(r)["id"], req.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req driverAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	next, err := models.ParseStatus(req.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Engine.Advance(r.Context(), mux.Vars(r)["id"], req.DriverID, next)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.projection(r, ride))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req driverAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	var ride *models.Ride
	var err error
	if req.Actor == "driver" {
		ride, err = s.Engine.CancelByDriver(r.Context(), id, req.DriverID, req.Reason)
	} else {
		ride, err = s.Engine.CancelByRider(r.Context(), id)
	}
	if err != nil {
		// A vanished ride is already out of the active set; cancellation
		// never surfaces that as a hard failure.
		if errors.Is(err, rideerr.ErrNotFound) {
			s.writeJSON(w, http.StatusOK, map[string]any{"removed": true})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.projection(r, ride))
}

type amountBody struct {
	AmountCents int64 `json:"amount_cents"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req amountBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.Ledger.Capture(r.Context(), mux.Vars(r)["id"], req.AmountCents)
	if err != nil {
		observability.PaymentFailures.Inc()
		s.writeError(w, err)
		return
	}
	observability.PaymentCaptures.Inc()
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCashCollected(w http.ResponseWriter, r *http.Request) {
	var req amountBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.Ledger.MarkCashCollected(r.Context(), mux.Vars(r)["id"], req.AmountCents)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	rcpt, err := s.Engine.Receipt(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	b, err := rcpt.Render()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) handleReviewed(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.SetReviewed(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsettled(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Ledger.Unsettled(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"payments": recs})
}

func (s *Server) handleDriverPresence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool           `json:"online"`
		Driver *models.Driver `json:"driver,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	d, err := s.Store.GetDriver(r.Context(), id)
	if err != nil {
		if req.Driver == nil {
			s.writeError(w, err)
			return
		}
		d = req.Driver
		d.ID = id
	}
	d.Online = req.Online
	if err := s.Store.SaveDriver(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	s.Geo.Upsert(*d)
	if req.Online {
		observability.DriversOnline.Inc()
	} else {
		observability.DriversOnline.Dec()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDriverLocation is the device position ingress: refresh the driver
// record and geo index, and feed any active ride's tracker. This path is
// best-effort end to end and never touches ride status.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string                `json:"driver_id"`
		RideID   string                `json:"ride_id,omitempty"`
		Sample   models.PositionSample `json:"sample"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Sample.At.IsZero() {
		req.Sample.At = time.Now()
	}
	if d, err := s.Store.GetDriver(r.Context(), req.DriverID); err == nil {
		sample := req.Sample
		d.Position = &sample
		_ = s.Store.SaveDriver(r.Context(), d)
		s.Geo.Upsert(*d)
	}
	if req.RideID != "" {
		if ride, err := s.Store.GetRide(r.Context(), req.RideID); err == nil {
			s.Tracker.Ingest(r.Context(), ride, req.DriverID, req.Sample)
		}
	}
	observability.PositionsPublished.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rideerr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, rideerr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rideerr.ErrPayment):
		status = http.StatusPaymentRequired
	case errors.Is(err, rideerr.ErrTimeout):
		status = http.StatusRequestTimeout
	}
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}
