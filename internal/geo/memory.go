package geo

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"

	"github.com/mmcloughlin/geohash"

	"github.com/example/vendor-tracking/internal/models"
)

const (
	// 30-bit geohash cells are roughly 1.2km x 0.6km at the equator.
	cellBits   = 30
	lockShards = 32
	// above this many cells a query scans every shard instead.
	maxQueryCells = 8192

	// widens the query box so points on the circle survive float rounding.
	boxMargin = 1 + 1e-6
)

var cellLatStep, cellLngStep = func() (float64, float64) {
	box := geohash.BoundingBoxIntWithPrecision(geohash.EncodeIntWithPrecision(0, 0, cellBits), cellBits)
	return box.MaxLat - box.MinLat, box.MaxLng - box.MinLng
}()

// nearestRadii are the search radii Nearest tries before scanning everything.
var nearestRadii = []float64{500, 2000, 8000, 32000}

type cellShard struct {
	mu    sync.RWMutex
	cells map[uint64]map[string]Entry
}

type vendorShard struct {
	mu    sync.Mutex
	cells map[string]uint64
}

// MemoryIndex buckets vendors into geohash cells. Cells are spread over lock
// shards so writers touching different cells do not contend, and queries only
// take read locks on the shards holding the cells they cover.
type MemoryIndex struct {
	cellShards   [lockShards]cellShard
	vendorShards [lockShards]vendorShard
	size         atomic.Int64
}

func NewMemoryIndex() *MemoryIndex {
	m := &MemoryIndex{}
	for i := range m.cellShards {
		m.cellShards[i].cells = make(map[uint64]map[string]Entry)
		m.vendorShards[i].cells = make(map[string]uint64)
	}
	return m
}

func cellOf(p models.Coord) uint64 {
	return geohash.EncodeIntWithPrecision(p.Lat, p.Lng, cellBits)
}

func (m *MemoryIndex) shardIndex(cell uint64) int { return int(cell % lockShards) }

func (m *MemoryIndex) vendorShardFor(id string) *vendorShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.vendorShards[h.Sum32()%lockShards]
}

// lockPair locks the shards of two cells in index order.
func (m *MemoryIndex) lockPair(a, b int) func() {
	if a == b {
		m.cellShards[a].mu.Lock()
		return m.cellShards[a].mu.Unlock
	}
	if a > b {
		a, b = b, a
	}
	m.cellShards[a].mu.Lock()
	m.cellShards[b].mu.Lock()
	return func() {
		m.cellShards[b].mu.Unlock()
		m.cellShards[a].mu.Unlock()
	}
}

func (m *MemoryIndex) Put(_ context.Context, e Entry) error {
	if err := e.Point.Validate(); err != nil {
		return err
	}
	vs := m.vendorShardFor(e.VendorID)
	vs.mu.Lock()
	defer vs.mu.Unlock()

	newCell := cellOf(e.Point)
	oldCell, had := vs.cells[e.VendorID]
	oldShard, newShard := m.shardIndex(oldCell), m.shardIndex(newCell)
	if !had {
		oldShard = newShard
	}
	unlock := m.lockPair(oldShard, newShard)
	if had {
		m.cellShards[oldShard].drop(oldCell, e.VendorID)
	}
	bucket, ok := m.cellShards[newShard].cells[newCell]
	if !ok {
		bucket = make(map[string]Entry)
		m.cellShards[newShard].cells[newCell] = bucket
	}
	bucket[e.VendorID] = e
	unlock()

	vs.cells[e.VendorID] = newCell
	if !had {
		m.size.Add(1)
	}
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, vendorID string) error {
	vs := m.vendorShardFor(vendorID)
	vs.mu.Lock()
	defer vs.mu.Unlock()

	cell, ok := vs.cells[vendorID]
	if !ok {
		return nil
	}
	shard := &m.cellShards[m.shardIndex(cell)]
	shard.mu.Lock()
	shard.drop(cell, vendorID)
	shard.mu.Unlock()
	delete(vs.cells, vendorID)
	m.size.Add(-1)
	return nil
}

func (s *cellShard) drop(cell uint64, vendorID string) {
	bucket, ok := s.cells[cell]
	if !ok {
		return
	}
	delete(bucket, vendorID)
	if len(bucket) == 0 {
		delete(s.cells, cell)
	}
}

// Len is the number of indexed vendors.
func (m *MemoryIndex) Len() int { return int(m.size.Load()) }

func (m *MemoryIndex) Within(_ context.Context, origin models.Coord, radiusMeters float64, f Filter) ([]Hit, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		return nil, fmt.Errorf("%w: radius must be >= 0", models.ErrValidation)
	}
	return m.within(origin, radiusMeters, f), nil
}

func (m *MemoryIndex) within(origin models.Coord, radiusMeters float64, f Filter) []Hit {
	radiusKm := radiusMeters / 1000
	hits := make([]Hit, 0)
	collect := func(e Entry) {
		if !f.Match(e.Category, e.Roaming) {
			return
		}
		d := DistanceKm(origin, e.Point)
		if d <= radiusKm {
			hits = append(hits, Hit{VendorID: e.VendorID, Point: e.Point, DistanceKm: d})
		}
	}

	cells, ok := coveringCells(origin, radiusMeters)
	if !ok {
		m.scan(collect)
	} else {
		byShard := make(map[int][]uint64)
		for _, c := range cells {
			i := m.shardIndex(c)
			byShard[i] = append(byShard[i], c)
		}
		for i, cs := range byShard {
			shard := &m.cellShards[i]
			shard.mu.RLock()
			for _, c := range cs {
				for _, e := range shard.cells[c] {
					collect(e)
				}
			}
			shard.mu.RUnlock()
		}
	}
	sortHits(hits)
	return hits
}

func (m *MemoryIndex) scan(fn func(Entry)) {
	for i := range m.cellShards {
		shard := &m.cellShards[i]
		shard.mu.RLock()
		for _, bucket := range shard.cells {
			for _, e := range bucket {
				fn(e)
			}
		}
		shard.mu.RUnlock()
	}
}

func (m *MemoryIndex) Nearest(_ context.Context, origin models.Coord, k int, f Filter) ([]Hit, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}
	// everything inside radius r is closer than anything outside it, so k hits
	// within r are the k nearest overall.
	for _, r := range nearestRadii {
		hits := m.within(origin, r, f)
		if len(hits) >= k {
			return hits[:k], nil
		}
	}
	hits := make([]Hit, 0)
	m.scan(func(e Entry) {
		if f.Match(e.Category, e.Roaming) {
			hits = append(hits, Hit{VendorID: e.VendorID, Point: e.Point, DistanceKm: DistanceKm(origin, e.Point)})
		}
	})
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// coveringCells lists the cells overlapping the bounding box of the circle.
// It reports false when the box crosses a pole or the antimeridian, or is too
// large to enumerate, in which case the caller scans.
func coveringCells(origin models.Coord, radiusMeters float64) ([]uint64, bool) {
	// angular radius on the same sphere HaversineKm measures on
	delta := radiusMeters / 1000 / EarthRadiusKm * boxMargin
	dLat := delta * 180 / math.Pi
	minLat, maxLat := origin.Lat-dLat, origin.Lat+dLat
	if minLat < -90 || maxLat > 90 {
		return nil, false
	}
	s := math.Sin(delta) / math.Cos(origin.Lat*math.Pi/180)
	if s >= 1 {
		return nil, false
	}
	dLng := math.Asin(s) * 180 / math.Pi
	minLng, maxLng := origin.Lng-dLng, origin.Lng+dLng
	if minLng < -180 || maxLng > 180 {
		return nil, false
	}

	rows := int(math.Ceil((maxLat-minLat)/cellLatStep)) + 1
	cols := int(math.Ceil((maxLng-minLng)/cellLngStep)) + 1
	if rows*cols > maxQueryCells {
		return nil, false
	}
	seen := make(map[uint64]struct{}, rows*cols)
	out := make([]uint64, 0, rows*cols)
	for i := 0; i <= rows; i++ {
		lat := math.Min(minLat+float64(i)*cellLatStep, maxLat)
		for j := 0; j <= cols; j++ {
			lng := math.Min(minLng+float64(j)*cellLngStep, maxLng)
			c := cellOf(models.Coord{Lat: lat, Lng: lng})
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out, true
}
