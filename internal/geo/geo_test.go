package geo

import (
	"math"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	points := [][2]float64{{0, 0}, {28.6139, 77.2090}, {-33.8688, 151.2093}, {90, 180}, {-90, -180}}
	for _, p := range points {
		if d := HaversineKm(p[0], p[1], p[0], p[1]); d != 0 {
			t.Fatalf("expected 0 for %v, got %f", p, d)
		}
	}
}

func TestHaversineSymmetric(t *testing.T) {
	pairs := [][4]float64{
		{28.6139, 77.2090, 19.0760, 72.8777},
		{51.5074, -0.1278, 40.7128, -74.0060},
		{-33.8688, 151.2093, 35.6762, 139.6503},
		{0, 179.9, 0, -179.9},
	}
	for _, p := range pairs {
		ab := HaversineKm(p[0], p[1], p[2], p[3])
		ba := HaversineKm(p[2], p[3], p[0], p[1])
		if ab != ba {
			t.Fatalf("asymmetric distance for %v: %f vs %f", p, ab, ba)
		}
	}
}

func TestHaversineOneDegreeOfLongitudeAtEquator(t *testing.T) {
	want := EarthRadiusKm * math.Pi / 180
	if got := HaversineKm(0, 0, 0, 1); math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

func TestRoundKm(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0, 0},
		{0.04, 0},
		{0.05, 0.1},
		{1.249, 1.2},
		{1.25, 1.3},
		{12.96, 13},
	}
	for _, c := range cases {
		if got := RoundKm(c.in); got != c.want {
			t.Errorf("RoundKm(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestFilterMatch(t *testing.T) {
	f := Filter{Category: "Food", RoamingOnly: true}
	if !f.Match("food", true) {
		t.Fatal("category match should be case-insensitive")
	}
	if f.Match("food", false) {
		t.Fatal("roaming-only filter accepted a fixed vendor")
	}
	if f.Match("flowers", true) {
		t.Fatal("category filter accepted another category")
	}
	if !(Filter{}).Match("", false) {
		t.Fatal("empty filter should match everything")
	}
}
