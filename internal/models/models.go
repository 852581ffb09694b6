package models

import (
	"fmt"
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks the pair is a usable WGS84 position.
func (c Coord) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return fmt.Errorf("%w: coordinates must be finite numbers", ErrValidation)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrValidation, c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrValidation, c.Lng)
	}
	return nil
}

func (c Coord) String() string { return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng) }

// Vendor types.
const (
	VendorTypeFixed  = "fixed"
	VendorTypeMobile = "mobile"
)

// VendorSummary is the descriptive part of a vendor copied from the profile store.
type VendorSummary struct {
	VendorID     string `json:"vendorId"`
	BusinessName string `json:"businessName,omitempty"`
	Category     string `json:"category,omitempty"`
	VendorType   string `json:"vendorType,omitempty"` // fixed, mobile
}

type VendorPosition struct {
	VendorID    string    `json:"vendorId"`
	Coordinates *Coord    `json:"coordinates,omitempty"`
	Address     string    `json:"address,omitempty"`
	IsOnline    bool      `json:"isOnline"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

// VendorState is everything the location store owns for one vendor.
// Values handed out by the store are snapshots; mutate only inside storage.Mutate.
type VendorState struct {
	Summary  VendorSummary    `json:"summary"`
	Position VendorPosition   `json:"position"`
	Schedule *RoamingSchedule `json:"schedule,omitempty"`
	Version  uint64           `json:"version"`
}

// Discoverable reports whether proximity queries may return the vendor.
func (s VendorState) Discoverable() bool {
	return s.Position.IsOnline && s.Position.Coordinates != nil
}

func (s VendorState) IsRoaming() bool {
	return s.Schedule != nil && s.Schedule.IsRoaming
}

func (s VendorState) Clone() VendorState {
	out := s
	if s.Position.Coordinates != nil {
		c := *s.Position.Coordinates
		out.Position.Coordinates = &c
	}
	out.Schedule = s.Schedule.Clone()
	return out
}

// ProximityResult is a vendor annotated for one proximity query. It is never stored.
type ProximityResult struct {
	VendorSummary
	Coordinates Coord     `json:"coordinates"`
	Address     string    `json:"address,omitempty"`
	DistanceKm  float64   `json:"distanceKm"`
	LastUpdate  time.Time `json:"lastUpdate"`
	IsRoaming   bool      `json:"isRoaming"`
	RouteName   string    `json:"routeName,omitempty"`
	CurrentStop string    `json:"currentStop,omitempty"`
	ETAMinutes  *int      `json:"etaMinutes,omitempty"`
	NextStops   []string  `json:"nextStops,omitempty"`
	IsMoving    bool      `json:"isMoving,omitempty"`
}
