package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-lifecycle/internal/config"
	"github.com/example/ride-lifecycle/internal/dispatch"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/ledger"
	"github.com/example/ride-lifecycle/internal/lifecycle"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/notify"
	"github.com/example/ride-lifecycle/internal/receipt"
	"github.com/example/ride-lifecycle/internal/rideerr"
	"github.com/example/ride-lifecycle/internal/storage"
	"github.com/example/ride-lifecycle/internal/timer"
	"github.com/example/ride-lifecycle/internal/tracker"
)

type Server struct {
	Engine  *lifecycle.Engine
	Channel *dispatch.Channel
	Ledger  *ledger.Ledger
	Store   storage.RideStore
	Tracker *tracker.Tracker
	Geo     geo.Geo
	WSReg   *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
	stop   func()
}

// NewServer wires the engine from config: postgres or memory store, redis
// or in-memory geo index, optional kafka telemetry, stripe card rail.
func NewServer(cfg config.ServerConfig) *Server {
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Error("postgres unavailable, falling back to memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
	}

	var pub tracker.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		pub = tracker.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	trk := tracker.New(store, pub, logger)
	trk.Interval = cfg.TrackInterval
	trk.MoveThresholdM = cfg.MoveThresholdM
	trk.SpeedMps = cfg.DefaultSpeedMps

	led := &ledger.Ledger{Store: store, Gateway: ledger.NewStripeGateway(cfg.Currency), Logger: logger}

	var dispatcher *notify.Dispatcher
	if cfg.PushEndpoint != "" || cfg.SMSEndpoint != "" {
		dispatcher = &notify.Dispatcher{Logger: logger}
		if cfg.PushEndpoint != "" {
			dispatcher.Push = notify.NewPushChannel(cfg.PushEndpoint, cfg.PushKey)
		}
		if cfg.SMSEndpoint != "" {
			dispatcher.SMS = notify.NewSMSChannel(cfg.SMSEndpoint)
		}
	}

	eng := &lifecycle.Engine{
		Store:  store,
		Ledger: led,
		Logger: logger,
		Pricing: receipt.PricingConstants{
			BaseFareCents:  cfg.BaseFareCents,
			PerMileCents:   cfg.PerMileCents,
			PerMinuteCents: cfg.PerMinuteCents,
			DiscountRate:   cfg.DiscountRate,
		},
		SpeedMps: cfg.DefaultSpeedMps,
	}
	if dispatcher != nil {
		eng.Notifier = dispatcher
	}
	eng.Timers = timer.NewRegistry(cfg.DecisionWindow, eng.ExpireDecision, logger)
	eng.Tracker = &tracker.Activator{Tracker: trk, Sources: storedPositionSources(store)}

	wsreg := dispatch.NewWSRegistry(logger)
	channel := dispatch.NewChannel(wsreg, eng, logger)
	channel.SpeedMps = cfg.DefaultSpeedMps
	channel.Fanout = cfg.OfferFanout

	s := &Server{
		Engine:  eng,
		Channel: channel,
		Ledger:  led,
		Store:   store,
		Tracker: trk,
		Geo:     ggeo,
		WSReg:   wsreg,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()

	// Re-arm decision windows for rides that were mid-countdown when the
	// previous process died, then keep offer bookkeeping in sync with the
	// change feed.
	if err := eng.Recover(context.Background()); err != nil {
		logger.Error("decision window recovery failed", "error", err)
	}
	events, cancel := store.Subscribe("")
	s.stop = cancel
	go func() {
		for ev := range events {
			if ev.Ride.Status.Terminal() {
				channel.Forget(ev.Ride.ID)
			}
		}
	}()

	return s
}

// storedPositionSources feeds the tracker from the driver's last stored
// position; the HTTP ingress keeps that fresh as devices report in.
func storedPositionSources(store storage.RideStore) tracker.SourceFactory {
	return func(driverID string) tracker.PositionSource {
		return &storedSource{store: store, driverID: driverID}
	}
}

type storedSource struct {
	store    storage.RideStore
	driverID string
}

func (s *storedSource) Sample(ctx context.Context) (models.PositionSample, error) {
	d, err := s.store.GetDriver(ctx, s.driverID)
	if err != nil || d.Position == nil {
		return models.PositionSample{}, &rideerr.LocationUnavailableError{DriverID: s.driverID}
	}
	return *d.Position, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/advance", s.handleAdvance).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/capture", s.handleCapture).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cash-collected", s.handleCashCollected).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/receipt", s.handleReceipt).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/reviewed", s.handleReviewed).Methods("POST")
	s.mux.HandleFunc("/api/v1/payments/unsettled", s.handleUnsettled).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{id}/presence", s.handleDriverPresence).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/rides/{id}", s.handleRideWatch)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) Close() {
	if s.stop != nil {
		s.stop()
	}
	s.Engine.Timers.Stop()
	s.Tracker.StopAll()
}
