package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/vendor-tracking/internal/dispatch"
	"github.com/example/vendor-tracking/internal/geocode"
	"github.com/example/vendor-tracking/internal/models"
	"github.com/example/vendor-tracking/internal/observability"
	"github.com/example/vendor-tracking/internal/roaming"
	"github.com/example/vendor-tracking/internal/storage"
)

const DefaultGeocodeTimeout = 3 * time.Second

// Broadcaster is the part of the hub ingestion emits through.
type Broadcaster interface {
	Publish(room dispatch.Room, ev dispatch.Event) int
	PublishAll(ev dispatch.Event) int
}

// EventSink receives every applied change for downstream consumers.
type EventSink interface {
	PublishLocation(ctx context.Context, ev LocationEvent) error
}

// LocationEvent is the record written to the location stream.
type LocationEvent struct {
	VendorID    string        `json:"vendorId"`
	Coordinates *models.Coord `json:"coordinates,omitempty"`
	Address     string        `json:"address,omitempty"`
	Category    string        `json:"category,omitempty"`
	Roaming     bool          `json:"roaming"`
	Online      bool          `json:"online"`
	Timestamp   time.Time     `json:"timestamp"`
}

type Update struct {
	VendorID string
	Coord    *models.Coord
	Motion   *roaming.Motion
	// Address skips reverse geocoding when set.
	Address string
	// RequireRoaming rejects the update unless the vendor has a roaming schedule.
	RequireRoaming bool
	Source         string
}

type AppliedUpdate struct {
	VendorID        string       `json:"vendorId"`
	Coordinates     models.Coord `json:"coordinates"`
	Address         string       `json:"address"`
	Timestamp       time.Time    `json:"timestamp"`
	IsRoaming       bool         `json:"isRoaming"`
	RouteName       string       `json:"routeName,omitempty"`
	CurrentStop     string       `json:"currentStop,omitempty"`
	AddressFallback bool         `json:"-"`
}

type Service struct {
	store          *storage.Store
	hub            Broadcaster
	geocoder       geocode.Provider
	sink           EventSink
	logger         *slog.Logger
	geocodeTimeout time.Duration
}

type Option func(*Service)

func WithEventSink(sink EventSink) Option { return func(s *Service) { s.sink = sink } }

func WithGeocodeTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.geocodeTimeout = d
		}
	}
}

func NewService(store *storage.Store, hub Broadcaster, geocoder geocode.Provider, logger *slog.Logger, opts ...Option) *Service {
	if geocoder == nil {
		geocoder = geocode.Disabled{}
	}
	s := &Service{
		store:          store,
		hub:            hub,
		geocoder:       geocoder,
		logger:         logger,
		geocodeTimeout: DefaultGeocodeTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ingest validates and applies one position report. The position, the index
// entry and any roaming telemetry change together; events for the vendor are
// published in commit order.
func (s *Service) Ingest(ctx context.Context, u Update) (AppliedUpdate, error) {
	res, err := s.ingest(ctx, u)
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	observability.LocationUpdatesTotal.WithLabelValues(sourceLabel(u.Source), result).Inc()
	return res, err
}

func (s *Service) ingest(ctx context.Context, u Update) (AppliedUpdate, error) {
	if u.VendorID == "" {
		return AppliedUpdate{}, fmt.Errorf("%w: vendor id is required", models.ErrValidation)
	}
	if u.Coord == nil {
		return AppliedUpdate{}, fmt.Errorf("%w: latitude and longitude are required", models.ErrValidation)
	}
	coord := *u.Coord
	if err := coord.Validate(); err != nil {
		return AppliedUpdate{}, err
	}
	mode := storage.CreateIfMissing
	if u.RequireRoaming {
		// fail before paying for a geocode round trip
		st, err := s.store.Get(u.VendorID)
		if err != nil || !st.IsRoaming() {
			return AppliedUpdate{}, fmt.Errorf("%w: vendor %s is not roaming", models.ErrInvalidState, u.VendorID)
		}
		mode = storage.MustExist
	}

	address, fallback := u.Address, false
	if address == "" {
		address, fallback = s.resolveAddress(ctx, u.VendorID, coord)
	}

	st, err := s.store.Mutate(ctx, u.VendorID, mode, func(tx *storage.Tx) error {
		roamingNow := tx.State.IsRoaming()
		if u.RequireRoaming && !roamingNow {
			return fmt.Errorf("%w: vendor %s is not roaming", models.ErrInvalidState, u.VendorID)
		}
		c := coord
		tx.State.Position.Coordinates = &c
		tx.State.Position.Address = address
		tx.State.Position.IsOnline = true
		tx.State.Position.LastUpdate = tx.Now
		if roamingNow && u.Motion != nil {
			if err := roaming.ApplyMotion(tx.State.Schedule, *u.Motion, tx.Now); err != nil {
				return err
			}
		}
		tx.AfterCommit(s.publishMove)
		return nil
	})
	if err != nil {
		return AppliedUpdate{}, err
	}
	observability.VendorsOnline.Set(float64(s.store.OnlineCount()))

	applied := AppliedUpdate{
		VendorID:        u.VendorID,
		Coordinates:     coord,
		Address:         address,
		Timestamp:       st.Position.LastUpdate,
		IsRoaming:       st.IsRoaming(),
		AddressFallback: fallback,
	}
	if st.Schedule != nil {
		applied.RouteName = st.Schedule.RouteName
		applied.CurrentStop = st.Schedule.CurrentStopLabel()
	}
	s.Emit(ctx, st)
	return applied, nil
}

// resolveAddress never fails: any provider error or timeout yields the
// coordinate pair as the address.
func (s *Service) resolveAddress(ctx context.Context, vendorID string, c models.Coord) (string, bool) {
	gctx, cancel := context.WithTimeout(ctx, s.geocodeTimeout)
	defer cancel()
	addr, err := s.geocoder.ReverseGeocode(gctx, c.Lat, c.Lng)
	if err == nil && addr != "" {
		return addr, false
	}
	if err == nil {
		err = fmt.Errorf("%w: empty address", models.ErrDependencyDegraded)
	}
	observability.GeocodeFailuresTotal.Inc()
	s.logger.Warn("reverse geocoding failed, using coordinates", "vendor_id", vendorID, "error", err)
	return geocode.FallbackAddress(c.Lat, c.Lng), true
}

func (s *Service) publishMove(prev, next models.VendorState) {
	if s.hub == nil {
		return
	}
	id := next.Summary.VendorID
	pos := next.Position
	room := dispatch.VendorRoom(id)
	if !prev.Position.IsOnline {
		s.hub.PublishAll(dispatch.StatusChanged{VendorID: id, IsOnline: true, Timestamp: pos.LastUpdate})
	}
	s.hub.Publish(room, dispatch.LocationChanged{
		VendorID:    id,
		Coordinates: *pos.Coordinates,
		Address:     pos.Address,
		Timestamp:   pos.LastUpdate,
	})
	if !next.IsRoaming() {
		return
	}
	sched := next.Schedule
	s.hub.Publish(room, dispatch.RoamingMoved{
		VendorID:    id,
		Coordinates: *pos.Coordinates,
		CurrentStop: sched.CurrentStopLabel(),
		RouteName:   sched.RouteName,
		IsMoving:    sched.IsMoving,
		Speed:       sched.Speed,
		Heading:     sched.Heading,
		Timestamp:   pos.LastUpdate,
	})
}

// SetStatus toggles discoverability and tells every connected client.
func (s *Service) SetStatus(ctx context.Context, vendorID string, online bool) (models.VendorPosition, error) {
	st, err := s.store.SetOnline(ctx, vendorID, online, func(prev, next models.VendorState) {
		if s.hub == nil || prev.Position.IsOnline == next.Position.IsOnline {
			return
		}
		s.hub.PublishAll(dispatch.StatusChanged{VendorID: vendorID, IsOnline: online, Timestamp: time.Now().UTC()})
	})
	if err != nil {
		return models.VendorPosition{}, err
	}
	observability.VendorsOnline.Set(float64(s.store.OnlineCount()))
	s.logger.Info("vendor status changed", "vendor_id", vendorID, "online", online)
	s.Emit(ctx, st)
	return st.Position, nil
}

// Emit hands the vendor's current state to the event sink, if one is set.
func (s *Service) Emit(ctx context.Context, st models.VendorState) {
	if s.sink == nil {
		return
	}
	ev := LocationEvent{
		VendorID:    st.Summary.VendorID,
		Coordinates: st.Position.Coordinates,
		Address:     st.Position.Address,
		Category:    st.Summary.Category,
		Roaming:     st.IsRoaming(),
		Online:      st.Discoverable(),
		Timestamp:   st.Position.LastUpdate,
	}
	if err := s.sink.PublishLocation(ctx, ev); err != nil {
		s.logger.Warn("location event not published", "vendor_id", ev.VendorID, "error", err)
	}
}

func sourceLabel(src string) string {
	if src == "" {
		return "unknown"
	}
	return src
}
