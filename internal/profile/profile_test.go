package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/vendor-tracking/internal/models"
)

func TestMemoryStoreUpdateVendorFields(t *testing.T) {
	m := NewMemoryStore(VendorProfile{UserID: "u1", VendorID: "v1", Category: "food", Address: "old"})
	ctx := context.Background()

	online := true
	loc := models.Coord{Lat: 28.6, Lng: 77.2}
	p, err := m.UpdateVendorFields(ctx, "u1", VendorFields{Location: &loc, IsOnline: &online})
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsOnline || p.Location == nil || *p.Location != loc {
		t.Fatalf("fields not applied: %+v", p)
	}
	if p.Address != "old" || p.Category != "food" {
		t.Fatalf("untouched fields changed: %+v", p)
	}
	if p.UpdatedAt.IsZero() {
		t.Fatal("updated_at not set")
	}

	loc.Lat = 0
	got, _ := m.FindVendorByUser(ctx, "u1")
	if got.Location.Lat != 28.6 {
		t.Fatal("stored profile aliases caller's coordinates")
	}
}

func TestMemoryStoreCopiesSchedule(t *testing.T) {
	m := NewMemoryStore(VendorProfile{UserID: "u1", VendorID: "v1"})
	ctx := context.Background()
	idx := 0
	sched := &models.RoamingSchedule{IsRoaming: true, CurrentStopIndex: &idx, Stops: []models.Stop{{Location: "A", ScheduledTime: time.Now()}}}
	if _, err := m.UpdateVendorFields(ctx, "u1", VendorFields{Schedule: sched}); err != nil {
		t.Fatal(err)
	}
	sched.Stops[0].Location = "changed"
	got, _ := m.FindVendorByUser(ctx, "u1")
	if got.Schedule.Stops[0].Location != "A" {
		t.Fatal("stored schedule aliases caller's schedule")
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if _, err := m.FindVendorByUser(ctx, "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.UpdateVendorFields(ctx, "ghost", VendorFields{}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	p := VendorProfile{VendorID: "v1", BusinessName: "Chai Cart", Category: "drinks", VendorType: "mobile"}
	want := models.VendorSummary{VendorID: "v1", BusinessName: "Chai Cart", Category: "drinks", VendorType: "mobile"}
	if p.Summary() != want {
		t.Fatalf("got %+v", p.Summary())
	}
}

func TestWriterAppliesQueuedUpdatesInOrder(t *testing.T) {
	m := NewMemoryStore(VendorProfile{UserID: "u1", VendorID: "v1"})
	w := NewWriter(m, 8, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, addr := range []string{"first", "second", "third"} {
		a := addr
		if !w.Enqueue("u1", VendorFields{Address: &a}) {
			t.Fatal("enqueue rejected")
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	got, _ := m.FindVendorByUser(context.Background(), "u1")
	if got.Address != "third" {
		t.Fatalf("expected last write to win, got %q", got.Address)
	}
}

func TestWriterDropsWhenFull(t *testing.T) {
	w := NewWriter(NewMemoryStore(), 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !w.Enqueue("u1", VendorFields{}) {
		t.Fatal("first enqueue rejected")
	}
	if w.Enqueue("u1", VendorFields{}) {
		t.Fatal("enqueue on a full queue accepted")
	}
}

func TestVendorTypeUpdateAndState(t *testing.T) {
	m := NewMemoryStore(VendorProfile{UserID: "u1", VendorID: "v1", VendorType: models.VendorTypeFixed, IsOnline: true})
	ctx := context.Background()

	// online without a location comes back offline
	if st := mustFind(t, m, "u1").State(); st.Position.IsOnline || st.Summary.VendorType != models.VendorTypeFixed {
		t.Fatalf("unexpected state %+v", st)
	}

	mobile := models.VendorTypeMobile
	loc := models.Coord{Lat: 1, Lng: 2}
	p, err := m.UpdateVendorFields(ctx, "u1", VendorFields{VendorType: &mobile, Location: &loc})
	if err != nil {
		t.Fatal(err)
	}
	if p.VendorType != models.VendorTypeMobile {
		t.Fatalf("vendor type not applied: %+v", p)
	}
	st := p.State()
	if !st.Position.IsOnline || *st.Position.Coordinates != loc || st.Position.VendorID != "v1" {
		t.Fatalf("unexpected state %+v", st.Position)
	}
	loc.Lat = 50
	if st.Position.Coordinates.Lat != 1 {
		t.Fatal("state shares the profile's location")
	}
}

func TestSummaryOfRoamingProfileIsMobile(t *testing.T) {
	p := VendorProfile{VendorID: "v1", VendorType: models.VendorTypeFixed, Schedule: &models.RoamingSchedule{IsRoaming: true}}
	if p.Summary().VendorType != models.VendorTypeMobile {
		t.Fatalf("expected mobile, got %q", p.Summary().VendorType)
	}
}

func mustFind(t *testing.T, s Store, userID string) VendorProfile {
	t.Helper()
	p, err := s.FindVendorByUser(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return p
}
