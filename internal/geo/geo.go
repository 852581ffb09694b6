package geo

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/example/vendor-tracking/internal/models"
)

// Index is the proximity index over discoverable vendors. It only ever holds
// vendors that are online and have coordinates; the location store keeps it in
// step with every committed write.
type Index interface {
	Put(ctx context.Context, e Entry) error
	Remove(ctx context.Context, vendorID string) error
	Within(ctx context.Context, origin models.Coord, radiusMeters float64, f Filter) ([]Hit, error)
	Nearest(ctx context.Context, origin models.Coord, k int, f Filter) ([]Hit, error)
}

type Entry struct {
	VendorID string
	Point    models.Coord
	Category string
	Roaming  bool
}

type Filter struct {
	Category    string
	RoamingOnly bool
}

func (f Filter) Match(category string, roaming bool) bool {
	if f.RoamingOnly && !roaming {
		return false
	}
	if f.Category != "" && !strings.EqualFold(f.Category, category) {
		return false
	}
	return true
}

type Hit struct {
	VendorID   string
	Point      models.Coord
	DistanceKm float64
}

const EarthRadiusKm = 6371.0

// HaversineKm is the great-circle distance between two points in kilometres.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// DistanceKm is HaversineKm over two coordinates.
func DistanceKm(a, b models.Coord) float64 {
	return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// RoundKm rounds a distance to the nearest 0.1 km for display.
func RoundKm(km float64) float64 {
	return math.Round(km*10) / 10
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm != hits[j].DistanceKm {
			return hits[i].DistanceKm < hits[j].DistanceKm
		}
		return hits[i].VendorID < hits[j].VendorID
	})
}
