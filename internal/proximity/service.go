package proximity

import (
	"context"
	"fmt"
	"time"

	"github.com/example/vendor-tracking/internal/eta"
	"github.com/example/vendor-tracking/internal/geo"
	"github.com/example/vendor-tracking/internal/models"
	"github.com/example/vendor-tracking/internal/observability"
	"github.com/example/vendor-tracking/internal/storage"
)

const nextStopsShown = 3

type Query struct {
	Origin       models.Coord
	RadiusMeters float64
	Category     string
	RoamingOnly  bool
	Limit        int
}

// Service answers proximity queries from the index and renders each hit from
// the vendor's current snapshot in the store.
type Service struct {
	Index      geo.Index
	Store      *storage.Store
	Now        func() time.Time
	MaxResults int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) limit(n int) int {
	if n <= 0 || (s.MaxResults > 0 && n > s.MaxResults) {
		return s.MaxResults
	}
	return n
}

// Nearby lists discoverable vendors within the radius, nearest first. No
// matches is an empty slice, not an error.
func (s *Service) Nearby(ctx context.Context, q Query) ([]models.ProximityResult, error) {
	if err := q.Origin.Validate(); err != nil {
		return nil, err
	}
	if q.RadiusMeters <= 0 {
		return nil, fmt.Errorf("%w: radius must be positive", models.ErrValidation)
	}
	kind := "nearby"
	if q.RoamingOnly {
		kind = "roaming_nearby"
	}
	start := time.Now()
	defer func() { observability.ProximityLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds()) }()
	observability.ProximityQueriesTotal.WithLabelValues(kind).Inc()

	hits, err := s.Index.Within(ctx, q.Origin, q.RadiusMeters, geo.Filter{Category: q.Category, RoamingOnly: q.RoamingOnly})
	if err != nil {
		return nil, err
	}
	return s.annotate(q.Origin, hits, s.limit(q.Limit)), nil
}

// Nearest lists the k closest discoverable vendors.
func (s *Service) Nearest(ctx context.Context, origin models.Coord, k int, category string) ([]models.ProximityResult, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", models.ErrValidation)
	}
	k = s.limit(k)
	start := time.Now()
	defer func() { observability.ProximityLatency.WithLabelValues("nearest").Observe(time.Since(start).Seconds()) }()
	observability.ProximityQueriesTotal.WithLabelValues("nearest").Inc()

	hits, err := s.Index.Nearest(ctx, origin, k, geo.Filter{Category: category})
	if err != nil {
		return nil, err
	}
	return s.annotate(origin, hits, k), nil
}

func (s *Service) annotate(origin models.Coord, hits []geo.Hit, limit int) []models.ProximityResult {
	now := s.now()
	out := make([]models.ProximityResult, 0, len(hits))
	for _, h := range hits {
		if limit > 0 && len(out) == limit {
			break
		}
		st, err := s.Store.Get(h.VendorID)
		if err != nil || !st.Discoverable() {
			// went offline after the index was read
			continue
		}
		out = append(out, Annotate(origin, st, now))
	}
	return out
}

// Annotate renders one vendor for a query at origin: distance rounded to 0.1
// km and, for an active route, the current stop, ETA and upcoming stops.
func Annotate(origin models.Coord, st models.VendorState, now time.Time) models.ProximityResult {
	pos := *st.Position.Coordinates
	r := models.ProximityResult{
		VendorSummary: st.Summary,
		Coordinates:   pos,
		Address:       st.Position.Address,
		DistanceKm:    geo.RoundKm(geo.DistanceKm(origin, pos)),
		LastUpdate:    st.Position.LastUpdate,
		IsRoaming:     st.IsRoaming(),
	}
	if !r.IsRoaming {
		return r
	}
	sched := st.Schedule
	r.RouteName = sched.RouteName
	r.CurrentStop = sched.CurrentStopLabel()
	r.IsMoving = sched.IsMoving
	if m, ok := eta.ForSchedule(now, sched); ok {
		r.ETAMinutes = &m
	}
	for _, stop := range sched.NextStops(nextStopsShown) {
		r.NextStops = append(r.NextStops, stop.Location)
	}
	return r
}
