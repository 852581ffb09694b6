package models

import "time"

// RouteCompletedLabel is reported as the current stop once every stop is done.
const RouteCompletedLabel = "Route completed"

type RouteState int

const (
	NotRoaming RouteState = iota
	RouteActive
	RouteCompleted
)

func (s RouteState) String() string {
	switch s {
	case RouteActive:
		return "route_active"
	case RouteCompleted:
		return "route_completed"
	default:
		return "not_roaming"
	}
}

type Stop struct {
	Location            string     `json:"location"`
	Coordinates         Coord      `json:"coordinates"`
	ScheduledTime       time.Time  `json:"scheduledTime"`
	StopDurationMinutes int        `json:"stopDurationMinutes"`
	IsCompleted         bool       `json:"isCompleted"`
	ActualArrival       *time.Time `json:"actualArrival,omitempty"`
}

type OperatingHours struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// RoamingSchedule is the stop sequence of a roaming vendor. Stop order is fixed
// when the schedule is set; CurrentStopIndex always points at the first
// incomplete stop, or is nil once the route is completed.
type RoamingSchedule struct {
	IsRoaming        bool            `json:"isRoaming"`
	RouteName        string          `json:"routeName,omitempty"`
	Stops            []Stop          `json:"stops"`
	CurrentStopIndex *int            `json:"currentStopIndex,omitempty"`
	IsMoving         bool            `json:"isMoving"`
	Speed            float64         `json:"speed"`
	Heading          float64         `json:"heading"`
	OperatingHours   *OperatingHours `json:"operatingHours,omitempty"`
	LastUpdated      time.Time       `json:"lastUpdated"`
}

func (r *RoamingSchedule) State() RouteState {
	switch {
	case r == nil || !r.IsRoaming:
		return NotRoaming
	case r.CurrentStopIndex != nil:
		return RouteActive
	default:
		return RouteCompleted
	}
}

// FirstIncomplete returns the index of the first stop, in original order, that
// has not been completed.
func (r *RoamingSchedule) FirstIncomplete() (int, bool) {
	if r == nil {
		return 0, false
	}
	for i := range r.Stops {
		if !r.Stops[i].IsCompleted {
			return i, true
		}
	}
	return 0, false
}

func (r *RoamingSchedule) CurrentStop() (Stop, bool) {
	if r.State() != RouteActive {
		return Stop{}, false
	}
	idx := *r.CurrentStopIndex
	if idx < 0 || idx >= len(r.Stops) {
		return Stop{}, false
	}
	return r.Stops[idx], true
}

// CurrentStopLabel is the label shown to clients: the current stop's location,
// RouteCompletedLabel when done, or "" for non-roaming vendors.
func (r *RoamingSchedule) CurrentStopLabel() string {
	switch r.State() {
	case RouteActive:
		if s, ok := r.CurrentStop(); ok {
			return s.Location
		}
		return ""
	case RouteCompleted:
		return RouteCompletedLabel
	default:
		return ""
	}
}

// NextStops lists up to n incomplete stops after the current one.
func (r *RoamingSchedule) NextStops(n int) []Stop {
	if r.State() != RouteActive || n <= 0 {
		return nil
	}
	var out []Stop
	for i := *r.CurrentStopIndex + 1; i < len(r.Stops) && len(out) < n; i++ {
		if !r.Stops[i].IsCompleted {
			out = append(out, r.Stops[i])
		}
	}
	return out
}

func (r *RoamingSchedule) Clone() *RoamingSchedule {
	if r == nil {
		return nil
	}
	out := *r
	if r.Stops != nil {
		out.Stops = make([]Stop, len(r.Stops))
		for i, s := range r.Stops {
			if s.ActualArrival != nil {
				t := *s.ActualArrival
				s.ActualArrival = &t
			}
			out.Stops[i] = s
		}
	}
	if r.CurrentStopIndex != nil {
		idx := *r.CurrentStopIndex
		out.CurrentStopIndex = &idx
	}
	if r.OperatingHours != nil {
		oh := *r.OperatingHours
		out.OperatingHours = &oh
	}
	return &out
}
