package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/vendor-tracking/internal/ingest"
	"github.com/example/vendor-tracking/internal/models"
	"github.com/example/vendor-tracking/internal/profile"
	"github.com/example/vendor-tracking/internal/proximity"
	"github.com/example/vendor-tracking/internal/roaming"
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, response{Success: true, Message: message, Data: data})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, response{Success: false, Message: msg})
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", models.ErrValidation, err)
	}
	return nil
}

// currentVendor resolves the caller's vendor profile and makes sure the live
// store has its descriptive data. A vendor the store has not seen since start
// is seeded from the state last persisted in its profile.
func (s *Server) currentVendor(r *http.Request) (profile.VendorProfile, error) {
	ctx := r.Context()
	userID := userIDFromContext(ctx)
	p, err := s.profiles.FindVendorByUser(ctx, userID)
	if err != nil {
		return profile.VendorProfile{}, err
	}
	st, err := s.store.Get(p.VendorID)
	if errors.Is(err, models.ErrNotFound) {
		var restored bool
		st, restored, err = s.store.Restore(ctx, p.State())
		if err != nil {
			return profile.VendorProfile{}, err
		}
		if restored {
			s.logger.Info("vendor restored from profile", "vendor_id", p.VendorID, "roaming", st.IsRoaming(), "online", st.Discoverable())
		}
	} else if err != nil {
		return profile.VendorProfile{}, err
	}

	want := p.Summary()
	// the profile may lag behind a schedule change still queued for persistence
	if st.IsRoaming() {
		want.VendorType = models.VendorTypeMobile
	}
	if st.Summary != want {
		if _, err := s.store.Describe(ctx, want); err != nil {
			return profile.VendorProfile{}, err
		}
	}
	return p, nil
}

func (s *Server) mirror(userID string, fields profile.VendorFields) {
	if s.persist != nil {
		s.persist.Enqueue(userID, fields)
	}
}

type liveLocationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (req liveLocationRequest) coord() (*models.Coord, error) {
	if req.Latitude == nil || req.Longitude == nil {
		return nil, fmt.Errorf("%w: latitude and longitude are required", models.ErrValidation)
	}
	return &models.Coord{Lat: *req.Latitude, Lng: *req.Longitude}, nil
}

type locationData struct {
	Address     string       `json:"address"`
	Coordinates models.Coord `json:"coordinates"`
	LastUpdate  time.Time    `json:"lastUpdate"`
}

func (s *Server) handleLiveLocation(w http.ResponseWriter, r *http.Request) {
	var req liveLocationRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := req.coord()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.currentVendor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	applied, err := s.ingest.Ingest(r.Context(), ingest.Update{VendorID: p.VendorID, Coord: c, Source: "http"})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.mirrorLocation(p.UserID, applied)
	ok(w, "Location updated", locationData{Address: applied.Address, Coordinates: applied.Coordinates, LastUpdate: applied.Timestamp})
}

func (s *Server) mirrorLocation(userID string, applied ingest.AppliedUpdate) {
	online := true
	c, addr, ts := applied.Coordinates, applied.Address, applied.Timestamp
	s.mirror(userID, profile.VendorFields{Location: &c, Address: &addr, IsOnline: &online, LastLocationUpdate: &ts})
}

type statusRequest struct {
	IsOnline *bool `json:"isOnline"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.IsOnline == nil {
		s.fail(w, r, fmt.Errorf("%w: isOnline is required", models.ErrValidation))
		return
	}
	p, err := s.currentVendor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pos, err := s.ingest.SetStatus(r.Context(), p.VendorID, *req.IsOnline)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	online := pos.IsOnline
	s.mirror(p.UserID, profile.VendorFields{IsOnline: &online})
	ok(w, "Status updated", pos)
}

type stopRequest struct {
	Location      string       `json:"location"`
	Coordinates   models.Coord `json:"coordinates"`
	ScheduledTime string       `json:"scheduledTime"`
	StopDuration  int          `json:"stopDuration"`
}

type scheduleRequest struct {
	IsRoaming      bool                   `json:"isRoaming"`
	RouteName      string                 `json:"routeName"`
	Stops          []stopRequest          `json:"stops"`
	OperatingHours *models.OperatingHours `json:"operatingHours"`
}

// parseScheduledTime accepts RFC 3339 or a wall-clock "15:04" meaning today.
func parseScheduledTime(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	clock, err := time.ParseInLocation("15:04", v, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: scheduledTime %q must be RFC 3339 or HH:MM", models.ErrValidation, v)
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, now.Location()), nil
}

func (req scheduleRequest) input(now time.Time) (roaming.ScheduleInput, error) {
	in := roaming.ScheduleInput{IsRoaming: req.IsRoaming, RouteName: req.RouteName, OperatingHours: req.OperatingHours}
	for _, st := range req.Stops {
		at, err := parseScheduledTime(st.ScheduledTime, now)
		if err != nil {
			return roaming.ScheduleInput{}, err
		}
		in.Stops = append(in.Stops, models.Stop{
			Location:            st.Location,
			Coordinates:         st.Coordinates,
			ScheduledTime:       at,
			StopDurationMinutes: st.StopDuration,
		})
	}
	return in, nil
}

func (s *Server) handleSetSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.IsRoaming && len(req.Stops) == 0 {
		s.fail(w, r, fmt.Errorf("%w: stops are required for a roaming schedule", models.ErrValidation))
		return
	}
	in, err := req.input(time.Now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.currentVendor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sched, err := s.roaming.SetSchedule(r.Context(), p.VendorID, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	fields := profile.VendorFields{Schedule: sched}
	if sched.IsRoaming {
		mobile := models.VendorTypeMobile
		fields.VendorType = &mobile
	}
	s.mirror(p.UserID, fields)
	ok(w, "Roaming schedule updated", sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	p, err := s.currentVendor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sched, err := s.roaming.Schedule(p.VendorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "", sched)
}

type roamingLocationRequest struct {
	liveLocationRequest
	// CurrentStop is accepted for compatibility; the server tracks the current stop.
	CurrentStop string   `json:"currentStop"`
	IsMoving    *bool    `json:"isMoving"`
	Speed       *float64 `json:"speed"`
	Heading     *float64 `json:"heading"`
}

func (req roamingLocationRequest) motion() *roaming.Motion {
	if req.IsMoving == nil && req.Speed == nil && req.Heading == nil {
		return nil
	}
	m := &roaming.Motion{}
	if req.IsMoving != nil {
		m.IsMoving = *req.IsMoving
	}
	if req.Speed != nil {
		m.Speed = *req.Speed
	}
	if req.Heading != nil {
		m.Heading = *req.Heading
	}
	return m
}

func (s *Server) handleRoamingLocation(w http.ResponseWriter, r *http.Request) {
	var req roamingLocationRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := req.coord()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.currentVendor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	applied, err := s.ingest.Ingest(r.Context(), ingest.Update{
		VendorID:       p.VendorID,
		Coord:          c,
		Motion:         req.motion(),
		RequireRoaming: true,
		Source:         "http",
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.mirrorLocation(p.UserID, applied)
	ok(w, "Roaming location updated", applied)
}

type completeStopRequest struct {
	StopLocation string `json:"stopLocation"`
}

type completeStopData struct {
	StopLocation   string    `json:"stopLocation"`
	CurrentStop    string    `json:"currentStop"`
	RouteCompleted bool      `json:"routeCompleted"`
	ActualArrival  time.Time `json:"actualArrival"`
}

func (s *Server) handleCompleteStop(w http.ResponseWriter, r *http.Request) {
	var req completeStopRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.currentVendor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.roaming.CompleteStop(r.Context(), p.VendorID, req.StopLocation)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.Changed {
		if sched, err := s.roaming.Schedule(p.VendorID); err == nil {
			s.mirror(p.UserID, profile.VendorFields{Schedule: sched})
		}
	}
	ok(w, "Stop completed", completeStopData{
		StopLocation:   res.StopLocation,
		CurrentStop:    res.CurrentStop,
		RouteCompleted: res.RouteCompleted,
		ActualArrival:  res.ActualArrival,
	})
}

func parseFloatParam(r *http.Request, name string) (float64, bool, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s must be a number", models.ErrValidation, name)
	}
	return f, true, nil
}

func originFromQuery(r *http.Request) (models.Coord, error) {
	lat, hasLat, err := parseFloatParam(r, "lat")
	if err != nil {
		return models.Coord{}, err
	}
	lng, hasLng, err := parseFloatParam(r, "lng")
	if err != nil {
		return models.Coord{}, err
	}
	if !hasLat || !hasLng {
		return models.Coord{}, fmt.Errorf("%w: lat and lng are required", models.ErrValidation)
	}
	c := models.Coord{Lat: lat, Lng: lng}
	return c, c.Validate()
}

// radiusFromQuery reads radius in kilometres and returns metres.
func (s *Server) radiusFromQuery(r *http.Request, defKm float64) (float64, error) {
	km, set, err := parseFloatParam(r, "radius")
	if err != nil {
		return 0, err
	}
	if !set {
		km = defKm
	}
	if km <= 0 {
		return 0, fmt.Errorf("%w: radius must be positive", models.ErrValidation)
	}
	if s.limits.MaxRadiusKm > 0 && km > s.limits.MaxRadiusKm {
		km = s.limits.MaxRadiusKm
	}
	return km * 1000, nil
}

type vendorsData struct {
	Vendors []models.ProximityResult `json:"vendors"`
	Count   int                      `json:"count"`
}

func (s *Server) nearby(w http.ResponseWriter, r *http.Request, roamingOnly bool, defKm float64) {
	origin, err := originFromQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	radius, err := s.radiusFromQuery(r, defKm)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.proximity.Nearby(r.Context(), proximity.Query{
		Origin:       origin,
		RadiusMeters: radius,
		Category:     r.URL.Query().Get("category"),
		RoamingOnly:  roamingOnly,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "", vendorsData{Vendors: res, Count: len(res)})
}

func (s *Server) handleRoamingNearby(w http.ResponseWriter, r *http.Request) {
	s.nearby(w, r, true, s.limits.RoamingDefaultRadiusKm)
}

func (s *Server) handlePublicNearby(w http.ResponseWriter, r *http.Request) {
	s.nearby(w, r, false, s.limits.NearbyDefaultRadiusKm)
}

func (s *Server) handlePublicNearest(w http.ResponseWriter, r *http.Request) {
	origin, err := originFromQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	k := s.limits.DefaultNearestK
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, fmt.Errorf("%w: k must be a positive integer", models.ErrValidation))
			return
		}
		k = n
	}
	res, err := s.proximity.Nearest(r.Context(), origin, k, r.URL.Query().Get("category"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "", vendorsData{Vendors: res, Count: len(res)})
}

type positionsData struct {
	Vendors []models.VendorPosition `json:"vendors"`
	Count   int                     `json:"count"`
}

func (s *Server) handleOnlineVendors(w http.ResponseWriter, r *http.Request) {
	pos := s.store.SnapshotOnline(r.URL.Query().Get("category"))
	ok(w, "", positionsData{Vendors: pos, Count: len(pos)})
}

func (s *Server) handleVendorLocation(w http.ResponseWriter, r *http.Request) {
	pos, err := s.store.GetPosition(mux.Vars(r)["vendor_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "", pos)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
