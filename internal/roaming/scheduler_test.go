package roaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/vendor-tracking/internal/dispatch"
	"github.com/example/vendor-tracking/internal/geo"
	"github.com/example/vendor-tracking/internal/models"
	"github.com/example/vendor-tracking/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (p *recordingPublisher) Publish(_ dispatch.Room, ev dispatch.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return 1
}

var noon = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T) (*Scheduler, *recordingPublisher) {
	t.Helper()
	store := storage.New(geo.NewMemoryIndex(), storage.WithClock(func() time.Time { return noon }))
	pub := &recordingPublisher{}
	return NewScheduler(store, pub, slog.New(slog.NewTextHandler(io.Discard, nil))), pub
}

func stop(label string, hour int) models.Stop {
	return models.Stop{
		Location:      label,
		Coordinates:   models.Coord{Lat: 28.6 + float64(hour)/100, Lng: 77.2},
		ScheduledTime: time.Date(2024, 5, 1, hour, 0, 0, 0, time.UTC),
	}
}

func TestSetScheduleValidation(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()
	cases := []struct {
		name string
		in   ScheduleInput
	}{
		{"roaming without stops", ScheduleInput{IsRoaming: true}},
		{"unnamed stop", ScheduleInput{IsRoaming: true, Stops: []models.Stop{{Coordinates: models.Coord{Lat: 1, Lng: 1}}}}},
		{"bad coordinates", ScheduleInput{IsRoaming: true, Stops: []models.Stop{{Location: "A", Coordinates: models.Coord{Lat: 95}}}}},
	}
	for _, tc := range cases {
		if _, err := s.SetSchedule(ctx, "v1", tc.in); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	sched, err := s.SetSchedule(ctx, "v1", ScheduleInput{IsRoaming: false})
	if err != nil {
		t.Fatal(err)
	}
	if sched.State() != models.NotRoaming {
		t.Fatalf("expected not roaming, got %s", sched.State())
	}
}

func TestSetScheduleResetsCompletion(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()
	a := stop("A", 10)
	at := noon
	a.IsCompleted, a.ActualArrival = true, &at
	sched, err := s.SetSchedule(ctx, "v1", ScheduleInput{IsRoaming: true, RouteName: "Morning", Stops: []models.Stop{a, stop("B", 11)}})
	if err != nil {
		t.Fatal(err)
	}
	if sched.State() != models.RouteActive || *sched.CurrentStopIndex != 0 {
		t.Fatalf("expected RouteActive(0), got %s", sched.State())
	}
	if sched.Stops[0].IsCompleted || sched.Stops[0].ActualArrival != nil {
		t.Fatal("completion carried into new schedule")
	}
}

func TestCompleteStopOutOfOrder(t *testing.T) {
	s, pub := newScheduler(t)
	ctx := context.Background()
	if _, err := s.SetSchedule(ctx, "v1", ScheduleInput{IsRoaming: true, Stops: []models.Stop{stop("A", 10), stop("B", 11), stop("C", 12)}}); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		label     string
		current   string
		completed bool
	}{
		{"B", "A", false},
		{"A", "C", false},
		{"C", models.RouteCompletedLabel, true},
	}
	for _, step := range steps {
		res, err := s.CompleteStop(ctx, "v1", step.label)
		if err != nil {
			t.Fatal(err)
		}
		if res.CurrentStop != step.current || res.RouteCompleted != step.completed || !res.Changed {
			t.Fatalf("after %s: got %+v, want current %s", step.label, res, step.current)
		}
	}

	sched, _ := s.Schedule("v1")
	if sched.State() != models.RouteCompleted || sched.CurrentStopIndex != nil {
		t.Fatalf("expected completed route, got %s", sched.State())
	}
	for i, want := range []string{"A", "B", "C"} {
		if sched.Stops[i].Location != want || !sched.Stops[i].IsCompleted || sched.Stops[i].ActualArrival == nil {
			t.Fatalf("stop %d reordered or incomplete: %+v", i, sched.Stops[i])
		}
	}
	if len(pub.events) != 3 {
		t.Fatalf("expected 3 stop events, got %d", len(pub.events))
	}
	last := pub.events[2].(dispatch.StopCompleted)
	if !last.RouteCompleted || last.CurrentStop != models.RouteCompletedLabel {
		t.Fatalf("unexpected final event %+v", last)
	}
}

func TestCompleteStopIsIdempotent(t *testing.T) {
	s, pub := newScheduler(t)
	ctx := context.Background()
	_, _ = s.SetSchedule(ctx, "v1", ScheduleInput{IsRoaming: true, Stops: []models.Stop{stop("A", 10), stop("B", 11), stop("C", 12)}})

	first, err := s.CompleteStop(ctx, "v1", "A")
	if err != nil {
		t.Fatal(err)
	}
	before, _ := s.store.Get("v1")
	second, err := s.CompleteStop(ctx, "v1", "A")
	if err != nil {
		t.Fatal(err)
	}
	if second.CurrentStop != first.CurrentStop || second.CurrentStop != "B" || second.Changed {
		t.Fatalf("repeat completion changed result: %+v vs %+v", first, second)
	}
	if !second.ActualArrival.Equal(first.ActualArrival) {
		t.Fatal("repeat completion reported a different arrival")
	}
	after, _ := s.store.Get("v1")
	if after.Version != before.Version || *after.Schedule.CurrentStopIndex != 1 {
		t.Fatal("repeat completion wrote state")
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected a single event, got %d", len(pub.events))
	}
}

func TestCompleteStopErrors(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()
	if _, err := s.CompleteStop(ctx, "ghost", "A"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for unknown vendor, got %v", err)
	}
	_, _ = s.store.Describe(ctx, models.VendorSummary{VendorID: "fixed"})
	if _, err := s.CompleteStop(ctx, "fixed", "A"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found without schedule, got %v", err)
	}
	_, _ = s.SetSchedule(ctx, "v1", ScheduleInput{IsRoaming: true, Stops: []models.Stop{stop("A", 10)}})
	if _, err := s.CompleteStop(ctx, "v1", "Z"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for unknown stop, got %v", err)
	}
	_, _ = s.SetSchedule(ctx, "v2", ScheduleInput{IsRoaming: false, Stops: []models.Stop{stop("A", 10)}})
	if _, err := s.CompleteStop(ctx, "v2", "A"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestDuplicateLabelsCompleteInOrder(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()
	_, _ = s.SetSchedule(ctx, "v1", ScheduleInput{IsRoaming: true, Stops: []models.Stop{stop("Depot", 9), stop("Market", 10), stop("Depot", 11)}})
	res, _ := s.CompleteStop(ctx, "v1", "Depot")
	if res.CurrentStop != "Market" {
		t.Fatalf("expected Market, got %s", res.CurrentStop)
	}
	_, _ = s.CompleteStop(ctx, "v1", "Market")
	res, _ = s.CompleteStop(ctx, "v1", "Depot")
	if !res.RouteCompleted {
		t.Fatalf("second Depot stop not completed: %+v", res)
	}
}

func TestRecordMotion(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()
	c := models.Coord{Lat: 28.61, Lng: 77.21}
	if _, err := s.RecordMotion(ctx, "ghost", c, Motion{}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, _ = s.SetSchedule(ctx, "fixed", ScheduleInput{IsRoaming: false})
	if _, err := s.RecordMotion(ctx, "fixed", c, Motion{}); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	_, _ = s.SetSchedule(ctx, "v1", ScheduleInput{IsRoaming: true, Stops: []models.Stop{stop("A", 10), stop("B", 11)}})
	_, _ = s.CompleteStop(ctx, "v1", "A")
	st, err := s.RecordMotion(ctx, "v1", c, Motion{IsMoving: true, Speed: 12.5, Heading: 90})
	if err != nil {
		t.Fatal(err)
	}
	if !st.Schedule.IsMoving || st.Schedule.Speed != 12.5 || st.Schedule.Heading != 90 {
		t.Fatalf("telemetry not stored: %+v", st.Schedule)
	}
	if *st.Position.Coordinates != c {
		t.Fatalf("position not moved: %+v", st.Position)
	}
	if st.Schedule.CurrentStopLabel() != "B" || !st.Schedule.Stops[0].IsCompleted || st.Schedule.Stops[1].IsCompleted {
		t.Fatal("motion changed stop completion")
	}
	if _, err := s.RecordMotion(ctx, "v1", models.Coord{Lat: 100}, Motion{}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSetScheduleNotifiesOnCommitOnly(t *testing.T) {
	store := storage.New(geo.NewMemoryIndex())
	var seen []models.VendorState
	s := NewScheduler(store, &recordingPublisher{}, slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnScheduleChange(func(_ context.Context, st models.VendorState) { seen = append(seen, st) }))
	ctx := context.Background()

	if _, err := s.SetSchedule(ctx, "v1", ScheduleInput{IsRoaming: true}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := s.SetSchedule(ctx, "v1", ScheduleInput{IsRoaming: true, Stops: []models.Stop{stop("A", 10)}}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || !seen[0].IsRoaming() || seen[0].Summary.VendorType != models.VendorTypeMobile {
		t.Fatalf("unexpected notifications %+v", seen)
	}
}
