package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/vendor-tracking/internal/dispatch"
	"github.com/example/vendor-tracking/internal/ingest"
	"github.com/example/vendor-tracking/internal/profile"
	"github.com/example/vendor-tracking/internal/proximity"
	"github.com/example/vendor-tracking/internal/roaming"
	"github.com/example/vendor-tracking/internal/storage"
)

// Limits bounds proximity queries. Radii are in kilometres.
type Limits struct {
	NearbyDefaultRadiusKm  float64
	RoamingDefaultRadiusKm float64
	MaxRadiusKm            float64
	DefaultNearestK        int
	PingPeriod             time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		NearbyDefaultRadiusKm:  5,
		RoamingDefaultRadiusKm: 10,
		MaxRadiusKm:            50,
		DefaultNearestK:        10,
		PingPeriod:             30 * time.Second,
	}
}

type Deps struct {
	Store     *storage.Store
	Ingest    *ingest.Service
	Roaming   *roaming.Scheduler
	Proximity *proximity.Service
	Profiles  profile.Store
	// Persist mirrors live changes into Profiles; nil disables mirroring.
	Persist *profile.Writer
	Hub     *dispatch.Hub
	Logger  *slog.Logger
	Limits  Limits
}

type Server struct {
	store     *storage.Store
	ingest    *ingest.Service
	roaming   *roaming.Scheduler
	proximity *proximity.Service
	profiles  profile.Store
	persist   *profile.Writer
	hub       *dispatch.Hub
	logger    *slog.Logger
	limits    Limits
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		store:     d.Store,
		ingest:    d.Ingest,
		roaming:   d.Roaming,
		proximity: d.Proximity,
		profiles:  d.Profiles,
		persist:   d.Persist,
		hub:       d.Hub,
		logger:    d.Logger,
		limits:    d.Limits,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	vendor := api.PathPrefix("/vendor").Subrouter()
	vendor.HandleFunc("/location/live", requireUser(s.handleLiveLocation)).Methods(http.MethodPost)
	vendor.HandleFunc("/status", requireUser(s.handleStatus)).Methods(http.MethodPost)
	vendor.HandleFunc("/roaming/schedule", requireUser(s.handleSetSchedule)).Methods(http.MethodPost)
	vendor.HandleFunc("/roaming/schedule", requireUser(s.handleGetSchedule)).Methods(http.MethodGet)
	vendor.HandleFunc("/roaming/location", requireUser(s.handleRoamingLocation)).Methods(http.MethodPost)
	vendor.HandleFunc("/roaming/stop/complete", requireUser(s.handleCompleteStop)).Methods(http.MethodPost)

	api.HandleFunc("/roaming/nearby", s.handleRoamingNearby).Methods(http.MethodGet)
	api.HandleFunc("/public/nearby", s.handlePublicNearby).Methods(http.MethodGet)
	api.HandleFunc("/public/nearest", s.handlePublicNearest).Methods(http.MethodGet)
	api.HandleFunc("/public/vendors", s.handleOnlineVendors).Methods(http.MethodGet)
	api.HandleFunc("/public/vendors/{vendor_id}/location", s.handleVendorLocation).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
