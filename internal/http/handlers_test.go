package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/vendor-tracking/internal/dispatch"
	"github.com/example/vendor-tracking/internal/geo"
	"github.com/example/vendor-tracking/internal/geocode"
	"github.com/example/vendor-tracking/internal/ingest"
	"github.com/example/vendor-tracking/internal/models"
	"github.com/example/vendor-tracking/internal/profile"
	"github.com/example/vendor-tracking/internal/proximity"
	"github.com/example/vendor-tracking/internal/roaming"
	"github.com/example/vendor-tracking/internal/storage"
)

type testEnv struct {
	srv      *Server
	hub      *dispatch.Hub
	profiles *profile.MemoryStore
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := geo.NewMemoryIndex()
	store := storage.New(idx)
	hub := dispatch.NewHub(logger, dispatch.Options{SendBuffer: 16})
	t.Cleanup(hub.Close)
	profiles := profile.NewMemoryStore(
		profile.VendorProfile{UserID: "u1", VendorID: "v1", BusinessName: "Chai Cart", Category: "drinks", VendorType: "mobile"},
		profile.VendorProfile{UserID: "u2", VendorID: "v2", BusinessName: "Fruit Stall", Category: "fruit", VendorType: "fixed"},
	)
	srv := NewServer(Deps{
		Store:     store,
		Ingest:    ingest.NewService(store, hub, geocode.Disabled{}, logger),
		Roaming:   roaming.NewScheduler(store, hub, logger),
		Proximity: &proximity.Service{Index: idx, Store: store, MaxResults: 50},
		Profiles:  profiles,
		Hub:       hub,
		Logger:    logger,
		Limits:    DefaultLimits(),
	})
	return testEnv{srv: srv, hub: hub, profiles: profiles}
}

type decoded struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e testEnv) do(t *testing.T, method, path, user string, body any) (int, decoded) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	var out decoded
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: non-JSON body %q", method, path, rr.Body.String())
	}
	return rr.Code, out
}

func TestVendorRoutesRequireIdentity(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(t, http.MethodPost, "/api/v1/vendor/location/live", "", map[string]float64{"latitude": 1, "longitude": 2})
	if code != http.StatusUnauthorized || body.Success {
		t.Fatalf("expected 401, got %d %+v", code, body)
	}
	code, _ = env.do(t, http.MethodPost, "/api/v1/vendor/location/live", "nobody", map[string]float64{"latitude": 1, "longitude": 2})
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown vendor, got %d", code)
	}
}

func TestLiveLocation(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(t, http.MethodPost, "/api/v1/vendor/location/live", "u1", map[string]float64{"latitude": 28.6139})
	if code != http.StatusBadRequest || body.Success {
		t.Fatalf("expected 400 for missing longitude, got %d %+v", code, body)
	}
	code, _ = env.do(t, http.MethodPost, "/api/v1/vendor/location/live", "u1", map[string]float64{"latitude": 128.6, "longitude": 77.2})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range latitude, got %d", code)
	}

	code, body = env.do(t, http.MethodPost, "/api/v1/vendor/location/live", "u1", map[string]float64{"latitude": 28.6139, "longitude": 77.2090})
	if code != http.StatusOK || !body.Success {
		t.Fatalf("expected 200, got %d %+v", code, body)
	}
	var data locationData
	_ = json.Unmarshal(body.Data, &data)
	if data.Address != "28.6139, 77.209" || data.LastUpdate.IsZero() {
		t.Fatalf("unexpected response %+v", data)
	}

	code, body = env.do(t, http.MethodGet, "/api/v1/public/nearby?lat=28.6139&lng=77.2090&radius=1", "", nil)
	if code != http.StatusOK {
		t.Fatalf("nearby failed: %d %s", code, body.Message)
	}
	var vendors vendorsData
	_ = json.Unmarshal(body.Data, &vendors)
	if vendors.Count != 1 || vendors.Vendors[0].VendorID != "v1" || vendors.Vendors[0].DistanceKm != 0 || vendors.Vendors[0].Category != "drinks" {
		t.Fatalf("unexpected nearby result %+v", vendors)
	}

	code, _ = env.do(t, http.MethodGet, "/api/v1/public/vendors/v1/location", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected vendor location, got %d", code)
	}
	code, _ = env.do(t, http.MethodGet, "/api/v1/public/vendors/ghost/location", "", nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestStatusToggleHidesVendor(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/vendor/location/live", "u2", map[string]float64{"latitude": 19.07, "longitude": 72.87})
	code, _ := env.do(t, http.MethodPost, "/api/v1/vendor/status", "u2", map[string]bool{"isOnline": false})
	if code != http.StatusOK {
		t.Fatalf("status update failed: %d", code)
	}
	_, body := env.do(t, http.MethodGet, "/api/v1/public/nearest?lat=19.07&lng=72.87", "", nil)
	var vendors vendorsData
	_ = json.Unmarshal(body.Data, &vendors)
	if vendors.Count != 0 {
		t.Fatalf("offline vendor returned: %+v", vendors)
	}
	code, _ = env.do(t, http.MethodPost, "/api/v1/vendor/status", "u2", map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 without isOnline, got %d", code)
	}
}

func TestRoamingFlow(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodPost, "/api/v1/vendor/roaming/location", "u1", map[string]float64{"latitude": 28.6139, "longitude": 77.2090})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-roaming vendor, got %d", code)
	}
	code, _ = env.do(t, http.MethodPost, "/api/v1/vendor/roaming/schedule", "u1", map[string]any{"isRoaming": true, "stops": []any{}})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty stops, got %d", code)
	}

	market := time.Now().Add(61 * time.Minute).Format(time.RFC3339)
	code, body := env.do(t, http.MethodPost, "/api/v1/vendor/roaming/schedule", "u1", map[string]any{
		"isRoaming": true,
		"routeName": "Lunch loop",
		"stops": []map[string]any{
			{"location": "Market", "coordinates": map[string]float64{"lat": 28.6139, "lng": 77.2090}, "scheduledTime": market, "stopDuration": 30},
			{"location": "Park", "coordinates": map[string]float64{"lat": 28.62, "lng": 77.21}, "scheduledTime": "23:59"},
		},
	})
	if code != http.StatusOK {
		t.Fatalf("schedule failed: %d %s", code, body.Message)
	}

	code, body = env.do(t, http.MethodPost, "/api/v1/vendor/roaming/location", "u1", map[string]any{"latitude": 28.6139, "longitude": 77.2090, "isMoving": true, "currentStop": "Park"})
	if code != http.StatusOK {
		t.Fatalf("roaming location failed: %d %s", code, body.Message)
	}
	var applied ingest.AppliedUpdate
	_ = json.Unmarshal(body.Data, &applied)
	if applied.CurrentStop != "Market" {
		t.Fatalf("client-supplied current stop was trusted: %+v", applied)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/roaming/nearby?lat=28.6139&lng=77.2090", "", nil)
	var vendors vendorsData
	_ = json.Unmarshal(body.Data, &vendors)
	if vendors.Count != 1 {
		t.Fatalf("expected one roaming vendor, got %+v", vendors)
	}
	v := vendors.Vendors[0]
	if v.CurrentStop != "Market" || v.ETAMinutes == nil || *v.ETAMinutes < 59 || *v.ETAMinutes > 61 || !v.IsMoving {
		t.Fatalf("unexpected roaming result %+v", v)
	}

	for i := 0; i < 2; i++ {
		code, body = env.do(t, http.MethodPost, "/api/v1/vendor/roaming/stop/complete", "u1", map[string]string{"stopLocation": "Market"})
		if code != http.StatusOK {
			t.Fatalf("complete stop failed: %d %s", code, body.Message)
		}
		var res completeStopData
		_ = json.Unmarshal(body.Data, &res)
		if res.CurrentStop != "Park" || res.RouteCompleted {
			t.Fatalf("attempt %d: unexpected result %+v", i, res)
		}
	}
	code, _ = env.do(t, http.MethodPost, "/api/v1/vendor/roaming/stop/complete", "u1", map[string]string{"stopLocation": "Nowhere"})
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stop, got %d", code)
	}

	code, body = env.do(t, http.MethodGet, "/api/v1/vendor/roaming/schedule", "u1", nil)
	if code != http.StatusOK || !strings.Contains(string(body.Data), `"Lunch loop"`) {
		t.Fatalf("schedule read failed: %d %s", code, body.Data)
	}
}

func TestQueryValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/api/v1/public/nearby?lat=abc&lng=1",
		"/api/v1/public/nearby?lng=1",
		"/api/v1/public/nearby?lat=1&lng=1&radius=-2",
		"/api/v1/public/nearest?lat=1&lng=1&k=0",
		"/api/v1/roaming/nearby?lat=95&lng=1",
	} {
		if code, _ := env.do(t, http.MethodGet, path, "", nil); code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, code)
		}
	}
	code, body := env.do(t, http.MethodGet, "/api/v1/public/nearby?lat=1&lng=1", "", nil)
	if code != http.StatusOK || !strings.Contains(string(body.Data), `"vendors":[]`) {
		t.Fatalf("expected empty vendor list, got %d %s", code, body.Data)
	}
}

func TestPushChannelReceivesVendorMoves(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	join := map[string]any{"event": "join_vendor_room", "data": map[string]string{"vendorId": "v1"}}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Members(dispatch.VendorRoom("v1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("join not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.do(t, http.MethodPost, "/api/v1/vendor/location/live", "u1", map[string]float64{"latitude": 28.6139, "longitude": 77.2090})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var status dispatch.Envelope
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatal(err)
	}
	if status.Event != dispatch.KindStatusChanged {
		t.Fatalf("expected vendor_status_changed first, got %s", status.Event)
	}
	var env1 dispatch.Envelope
	if err := conn.ReadJSON(&env1); err != nil {
		t.Fatal(err)
	}
	if env1.Event != dispatch.KindVendorMoved {
		t.Fatalf("expected vendor_moved, got %s", env1.Event)
	}
	var moved dispatch.LocationChanged
	_ = json.Unmarshal(env1.Data, &moved)
	if moved.VendorID != "v1" || moved.Coordinates.Lat != 28.6139 {
		t.Fatalf("unexpected payload %+v", moved)
	}

	if err := conn.WriteJSON(map[string]any{"event": "bogus"}); err != nil {
		t.Fatal(err)
	}
	var notice dispatch.Envelope
	if err := conn.ReadJSON(&notice); err != nil {
		t.Fatal(err)
	}
	if notice.Event != dispatch.KindError {
		t.Fatalf("expected error notice, got %s", notice.Event)
	}
}

func TestRoamingScheduleKeepsVendorMobile(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/vendor/location/live", "u2", map[string]float64{"latitude": 19.07, "longitude": 72.87})
	code, body := env.do(t, http.MethodPost, "/api/v1/vendor/roaming/schedule", "u2", map[string]any{
		"isRoaming": true,
		"stops":     []map[string]any{{"location": "Beach", "coordinates": map[string]float64{"lat": 19.07, "lng": 72.87}}},
	})
	if code != http.StatusOK {
		t.Fatalf("schedule failed: %d %s", code, body.Message)
	}
	// any later vendor request re-reads the profile, which still says fixed
	if code, _ := env.do(t, http.MethodGet, "/api/v1/vendor/roaming/schedule", "u2", nil); code != http.StatusOK {
		t.Fatalf("schedule read failed: %d", code)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/public/nearby?lat=19.07&lng=72.87&radius=1", "", nil)
	var vendors vendorsData
	_ = json.Unmarshal(body.Data, &vendors)
	if vendors.Count != 1 || vendors.Vendors[0].VendorType != models.VendorTypeMobile {
		t.Fatalf("roaming vendor lost its type: %+v", vendors)
	}
}

func TestScheduleMirrorsVendorType(t *testing.T) {
	env := newTestEnv(t)
	env.srv.persist = profile.NewWriter(env.profiles, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { env.srv.persist.Run(ctx); close(done) }()

	code, _ := env.do(t, http.MethodPost, "/api/v1/vendor/roaming/schedule", "u2", map[string]any{
		"isRoaming": true,
		"stops":     []map[string]any{{"location": "Beach", "coordinates": map[string]float64{"lat": 19.07, "lng": 72.87}}},
	})
	if code != http.StatusOK {
		t.Fatalf("schedule failed: %d", code)
	}
	cancel()
	<-done

	p, err := env.profiles.FindVendorByUser(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if p.VendorType != models.VendorTypeMobile || p.Schedule == nil || !p.Schedule.IsRoaming {
		t.Fatalf("profile not updated: %+v", p)
	}
}

func TestVendorRestoredFromProfile(t *testing.T) {
	env := newTestEnv(t)
	loc := models.Coord{Lat: 12.97, Lng: 77.59}
	first := 0
	updated := time.Now().Add(-time.Hour).UTC()
	env.profiles.Put(profile.VendorProfile{
		UserID: "u3", VendorID: "v3", BusinessName: "Dosa Cart", Category: "food", VendorType: models.VendorTypeMobile,
		Location: &loc, Address: "MG Road", IsOnline: true, LastLocationUpdate: &updated,
		Schedule: &models.RoamingSchedule{
			IsRoaming:        true,
			RouteName:        "Morning",
			Stops:            []models.Stop{{Location: "MG Road", Coordinates: loc}, {Location: "Park", Coordinates: loc}},
			CurrentStopIndex: &first,
		},
	})

	code, body := env.do(t, http.MethodPost, "/api/v1/vendor/roaming/location", "u3", map[string]float64{"latitude": 12.971, "longitude": 77.591})
	if code != http.StatusOK {
		t.Fatalf("restored roaming vendor rejected: %d %s", code, body.Message)
	}
	var applied ingest.AppliedUpdate
	_ = json.Unmarshal(body.Data, &applied)
	if !applied.IsRoaming || applied.RouteName != "Morning" || applied.CurrentStop != "MG Road" {
		t.Fatalf("schedule not restored: %+v", applied)
	}
}

func TestOnlineVendorsListing(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/vendor/location/live", "u1", map[string]float64{"latitude": 28.6139, "longitude": 77.2090})
	env.do(t, http.MethodPost, "/api/v1/vendor/location/live", "u2", map[string]float64{"latitude": 19.07, "longitude": 72.87})

	for query, want := range map[string]int{"": 2, "?category=fruit": 1, "?category=shoes": 0} {
		code, body := env.do(t, http.MethodGet, "/api/v1/public/vendors"+query, "", nil)
		if code != http.StatusOK {
			t.Fatalf("%q: %d", query, code)
		}
		var data positionsData
		_ = json.Unmarshal(body.Data, &data)
		if data.Count != want || len(data.Vendors) != want {
			t.Fatalf("%q: expected %d vendors, got %+v", query, want, data)
		}
	}
}
